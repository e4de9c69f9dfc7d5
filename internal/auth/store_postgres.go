package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const clientSchema = `
CREATE TABLE IF NOT EXISTS api_clients (
	client_id   TEXT PRIMARY KEY,
	secret_hash TEXT NOT NULL,
	scopes      TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresClientStore struct {
	Pool *pgxpool.Pool
}

func (s *PostgresClientStore) EnsureSchema(ctx context.Context) error {
	if s.Pool == nil {
		return errors.New("missing pool")
	}
	_, err := s.Pool.Exec(ctx, clientSchema)
	return err
}

func (s *PostgresClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	if s.Pool == nil {
		return nil, errors.New("missing pool")
	}

	var c Client
	var scopes []string
	err := s.Pool.QueryRow(ctx, `SELECT client_id, secret_hash, scopes FROM api_clients WHERE client_id = $1`, clientID).Scan(&c.ID, &c.SecretHash, &scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	c.Scopes = scopes
	return &c, nil
}

// PutClient registers or replaces a client. secretHash must come from
// HashClientSecret.
func (s *PostgresClientStore) PutClient(ctx context.Context, c Client) error {
	if s.Pool == nil {
		return errors.New("missing pool")
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO api_clients (client_id, secret_hash, scopes) VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET secret_hash = EXCLUDED.secret_hash, scopes = EXCLUDED.scopes`,
		c.ID, c.SecretHash, c.Scopes)
	return err
}

// MemoryClientStore keeps clients in process. It backs the sqlite
// deployment and tests.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewMemoryClientStore(clients ...Client) *MemoryClientStore {
	s := &MemoryClientStore{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s
}

func (s *MemoryClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return &c, nil
}

func (s *MemoryClientStore) PutClient(ctx context.Context, c Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	return nil
}
