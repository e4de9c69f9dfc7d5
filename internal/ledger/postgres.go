package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/credit-meter/internal/credit"
)

// PostgresStore backs the ledger with PostgreSQL using SERIALIZABLE transactions.
type PostgresStore struct {
	Pool         *pgxpool.Pool
	QueryTimeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, QueryTimeout: 5 * time.Second}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id     TEXT PRIMARY KEY,
    balance        BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    version        BIGINT NOT NULL DEFAULT 0,
    allowance_date TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reservations (
    reservation_id  TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES accounts(account_id),
    reserved_amount BIGINT NOT NULL CHECK (reserved_amount > 0),
    status          TEXT NOT NULL CHECK (status IN ('pending', 'settled', 'expired')),
    settled_amount  BIGINT,
    refunded_amount BIGINT,
    final_balance   BIGINT,
    created_at      TIMESTAMPTZ NOT NULL,
    settled_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations (account_id);

CREATE TABLE IF NOT EXISTS ledger_entries (
    entry_id       TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES accounts(account_id),
    reservation_id TEXT,
    direction      TEXT NOT NULL CHECK (direction IN ('grant', 'allowance', 'debit', 'refund')),
    amount         BIGINT NOT NULL CHECK (amount > 0),
    balance_after  BIGINT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference ON ledger_entries (account_id, reservation_id, direction);
`

func (s *PostgresStore) timeout() time.Duration {
	if s.QueryTimeout <= 0 {
		return 5 * time.Second
	}
	return s.QueryTimeout
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn TxFunc) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return classifyPostgres(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, &pgTx{tx: tx}); err != nil {
		return classifyPostgres(err)
	}
	if err := tx.Commit(queryCtx); err != nil {
		return classifyPostgres(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classifyPostgres marks serialization failures, deadlocks and unique
// violations from racing inserts as retryable conflicts.
func classifyPostgres(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

const reservationColumns = `reservation_id, account_id, reserved_amount, status, settled_amount, refunded_amount, final_balance, created_at, settled_at`

func scanReservation(row pgx.Row) (*credit.Reservation, error) {
	var r credit.Reservation
	var status string
	err := row.Scan(&r.ReservationID, &r.AccountID, &r.ReservedAmount, &status,
		&r.SettledAmount, &r.RefundedAmount, &r.FinalBalance, &r.CreatedAt, &r.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credit.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.Status = credit.Status(status)
	return &r, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*credit.Account, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	var a credit.Account
	err := s.Pool.QueryRow(queryCtx, `
        SELECT account_id, balance, version, allowance_date, created_at, updated_at
        FROM accounts WHERE account_id = $1
    `, accountID).Scan(&a.AccountID, &a.Balance, &a.Version, &a.AllowanceDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetReservation(ctx context.Context, reservationID string) (*credit.Reservation, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	return scanReservation(s.Pool.QueryRow(queryCtx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = $1`, reservationID))
}

func (s *PostgresStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*credit.Reservation, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
        SELECT `+reservationColumns+`
        FROM reservations
        WHERE status = 'pending' AND created_at < $1
        ORDER BY created_at
        LIMIT $2
    `, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	defer rows.Close()

	var out []*credit.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int) ([]*credit.Entry, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
        SELECT entry_id, account_id, COALESCE(reservation_id, ''), direction, amount, balance_after, created_at
        FROM ledger_entries
        WHERE account_id = $1
        ORDER BY created_at DESC, entry_id
        LIMIT $2
    `, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*credit.Entry
	for rows.Next() {
		var e credit.Entry
		var dir string
		if err := rows.Scan(&e.EntryID, &e.AccountID, &e.ReservationID, &dir, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Direction = credit.Direction(dir)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SumEntries(ctx context.Context, accountID string) (int64, int, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var sum int64
	var count int
	err := s.Pool.QueryRow(queryCtx, `
        SELECT COALESCE(SUM(CASE WHEN direction = 'debit' THEN -amount ELSE amount END), 0)::BIGINT, COUNT(*)
        FROM ledger_entries
        WHERE account_id = $1
    `, accountID).Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return sum, count, nil
}

func (s *PostgresStore) ListAccountIDs(ctx context.Context, limit, offset int) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT account_id FROM accounts ORDER BY account_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LoadAccount(ctx context.Context, accountID string) (*credit.Account, error) {
	var a credit.Account
	err := t.tx.QueryRow(ctx, `
        SELECT account_id, balance, version, allowance_date, created_at, updated_at
        FROM accounts WHERE account_id = $1
        FOR UPDATE
    `, accountID).Scan(&a.AccountID, &a.Balance, &a.Version, &a.AllowanceDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &a, nil
}

func (t *pgTx) InsertAccount(ctx context.Context, a *credit.Account) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO accounts (account_id, balance, version, allowance_date, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, a.AccountID, a.Balance, a.Version, a.AllowanceDate, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *credit.Account, prevBalance, prevVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE accounts
        SET balance = $2, version = $3, allowance_date = $4, updated_at = $5
        WHERE account_id = $1 AND balance = $6 AND version = $7
    `, a.AccountID, a.Balance, a.Version, a.AllowanceDate, a.UpdatedAt, prevBalance, prevVersion)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: account %s changed concurrently", ErrConflict, a.AccountID)
	}
	return nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e *credit.Entry) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO ledger_entries (entry_id, account_id, reservation_id, direction, amount, balance_after, created_at)
        VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
    `, e.EntryID, e.AccountID, e.ReservationID, string(e.Direction), e.Amount, e.BalanceAfter, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) HasEntry(ctx context.Context, accountID, reservationID string, dir credit.Direction) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
        SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE account_id = $1 AND reservation_id = $2 AND direction = $3)
    `, accountID, reservationID, string(dir)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return exists, nil
}

func (t *pgTx) GetReservation(ctx context.Context, reservationID string) (*credit.Reservation, error) {
	return scanReservation(t.tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = $1 FOR UPDATE`, reservationID))
}

func (t *pgTx) InsertReservation(ctx context.Context, r *credit.Reservation) error {
	_, err := t.tx.Exec(ctx, `
        INSERT INTO reservations (reservation_id, account_id, reserved_amount, status, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `, r.ReservationID, r.AccountID, r.ReservedAmount, string(r.Status), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) FinalizeReservation(ctx context.Context, r *credit.Reservation) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE reservations
        SET status = $2, settled_amount = $3, refunded_amount = $4, final_balance = $5, settled_at = $6
        WHERE reservation_id = $1 AND status = 'pending'
    `, r.ReservationID, string(r.Status), r.SettledAmount, r.RefundedAmount, r.FinalBalance, r.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: reservation %s is no longer pending", ErrConflict, r.ReservationID)
	}
	return nil
}
