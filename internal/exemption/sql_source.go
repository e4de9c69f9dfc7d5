package exemption

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const defaultPolicyQuery = `
    SELECT account_id, bypass_metering, enabled_at, expires_at, credentials_registered
    FROM account_exemptions
    WHERE account_id = $1
`

// SQLSource reads policies from the profile database that owns them. The
// engine never writes to it.
type SQLSource struct {
	db           *sqlx.DB
	query        string
	queryTimeout time.Duration
}

type SQLConfig struct {
	DSN             string
	Query           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// OpenSQLSource connects to a PostgreSQL profile database.
func OpenSQLSource(cfg SQLConfig) (*SQLSource, error) {
	conn, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to exemption database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	s := NewSQLSource(conn, cfg.Query)
	if cfg.QueryTimeout > 0 {
		s.queryTimeout = cfg.QueryTimeout
	}
	return s, nil
}

func NewSQLSource(db *sqlx.DB, query string) *SQLSource {
	if query == "" {
		query = defaultPolicyQuery
	}
	return &SQLSource{db: db, query: query, queryTimeout: 3 * time.Second}
}

func (s *SQLSource) Lookup(ctx context.Context, accountID string) (*Policy, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var p Policy
	if err := s.db.GetContext(queryCtx, &p, s.query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query exemption policy: %w", err)
	}
	return &p, nil
}

func (s *SQLSource) Close() error { return s.db.Close() }
