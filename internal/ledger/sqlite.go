package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/example/credit-meter/internal/credit"
)

// SQLiteStore is the embedded ledger backend used by single-node deployments
// and tests. Writers are serialized by the single pooled connection.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path (or ":memory:") and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	store := NewSQLiteStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id     TEXT PRIMARY KEY,
    balance        INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    version        INTEGER NOT NULL DEFAULT 0,
    allowance_date TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
    reservation_id  TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL REFERENCES accounts(account_id),
    reserved_amount INTEGER NOT NULL CHECK (reserved_amount > 0),
    status          TEXT NOT NULL CHECK (status IN ('pending', 'settled', 'expired')),
    settled_amount  INTEGER,
    refunded_amount INTEGER,
    final_balance   INTEGER,
    created_at      TIMESTAMP NOT NULL,
    settled_at      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_reservations_pending ON reservations (created_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS ledger_entries (
    entry_id       TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES accounts(account_id),
    reservation_id TEXT NOT NULL DEFAULT '',
    direction      TEXT NOT NULL CHECK (direction IN ('grant', 'allowance', 'debit', 'refund')),
    amount         INTEGER NOT NULL CHECK (amount > 0),
    balance_after  INTEGER NOT NULL,
    created_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference ON ledger_entries (account_id, reservation_id, direction);
`

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) InTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		return classifySQLite(err)
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func classifySQLite(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.Code == sqlite3.ErrBusy, sqErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey, sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		}
	}
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReservation(row rowScanner) (*credit.Reservation, error) {
	var r credit.Reservation
	var status string
	err := row.Scan(&r.ReservationID, &r.AccountID, &r.ReservedAmount, &status,
		&r.SettledAmount, &r.RefundedAmount, &r.FinalBalance, &r.CreatedAt, &r.SettledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, credit.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	r.Status = credit.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.SettledAt != nil {
		t := r.SettledAt.UTC()
		r.SettledAt = &t
	}
	return &r, nil
}

func loadSQLiteAccount(ctx context.Context, q queryer, accountID string) (*credit.Account, error) {
	var a credit.Account
	err := q.QueryRowContext(ctx, `
        SELECT account_id, balance, version, allowance_date, created_at, updated_at
        FROM accounts WHERE account_id = ?
    `, accountID).Scan(&a.AccountID, &a.Balance, &a.Version, &a.AllowanceDate, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*credit.Account, error) {
	return loadSQLiteAccount(ctx, s.db, accountID)
}

func (s *SQLiteStore) GetReservation(ctx context.Context, reservationID string) (*credit.Reservation, error) {
	return scanSQLiteReservation(s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = ?`, reservationID))
}

func (s *SQLiteStore) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*credit.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+reservationColumns+`
        FROM reservations
        WHERE status = 'pending' AND created_at < ?
        ORDER BY created_at
        LIMIT ?
    `, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	defer rows.Close()

	var out []*credit.Reservation
	for rows.Next() {
		r, err := scanSQLiteReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEntries(ctx context.Context, accountID string, limit int) ([]*credit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT entry_id, account_id, reservation_id, direction, amount, balance_after, created_at
        FROM ledger_entries
        WHERE account_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?
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
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SumEntries(ctx context.Context, accountID string) (int64, int, error) {
	var sum int64
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COALESCE(SUM(CASE WHEN direction = 'debit' THEN -amount ELSE amount END), 0), COUNT(*)
        FROM ledger_entries
        WHERE account_id = ?
    `, accountID).Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}
	return sum, count, nil
}

func (s *SQLiteStore) ListAccountIDs(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id LIMIT ? OFFSET ?`, limit, offset)
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

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LoadAccount(ctx context.Context, accountID string) (*credit.Account, error) {
	return loadSQLiteAccount(ctx, t.tx, accountID)
}

func (t *sqliteTx) InsertAccount(ctx context.Context, a *credit.Account) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO accounts (account_id, balance, version, allowance_date, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `, a.AccountID, a.Balance, a.Version, a.AllowanceDate, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (t *sqliteTx) UpdateAccount(ctx context.Context, a *credit.Account, prevBalance, prevVersion int64) error {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE accounts
        SET balance = ?, version = ?, allowance_date = ?, updated_at = ?
        WHERE account_id = ? AND balance = ? AND version = ?
    `, a.Balance, a.Version, a.AllowanceDate, a.UpdatedAt.UTC(), a.AccountID, prevBalance, prevVersion)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: account %s changed concurrently", ErrConflict, a.AccountID)
	}
	return nil
}

func (t *sqliteTx) InsertEntry(ctx context.Context, e *credit.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO ledger_entries (entry_id, account_id, reservation_id, direction, amount, balance_after, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, e.EntryID, e.AccountID, e.ReservationID, string(e.Direction), e.Amount, e.BalanceAfter, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (t *sqliteTx) HasEntry(ctx context.Context, accountID, reservationID string, dir credit.Direction) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM ledger_entries WHERE account_id = ? AND reservation_id = ? AND direction = ?
    `, accountID, reservationID, string(dir)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return n > 0, nil
}

func (t *sqliteTx) GetReservation(ctx context.Context, reservationID string) (*credit.Reservation, error) {
	return scanSQLiteReservation(t.tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = ?`, reservationID))
}

func (t *sqliteTx) InsertReservation(ctx context.Context, r *credit.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
        INSERT INTO reservations (reservation_id, account_id, reserved_amount, status, created_at)
        VALUES (?, ?, ?, ?, ?)
    `, r.ReservationID, r.AccountID, r.ReservedAmount, string(r.Status), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (t *sqliteTx) FinalizeReservation(ctx context.Context, r *credit.Reservation) error {
	var settledAt any
	if r.SettledAt != nil {
		settledAt = r.SettledAt.UTC()
	}
	res, err := t.tx.ExecContext(ctx, `
        UPDATE reservations
        SET status = ?, settled_amount = ?, refunded_amount = ?, final_balance = ?, settled_at = ?
        WHERE reservation_id = ? AND status = 'pending'
    `, string(r.Status), r.SettledAmount, r.RefundedAmount, r.FinalBalance, settledAt, r.ReservationID)
	if err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: reservation %s is no longer pending", ErrConflict, r.ReservationID)
	}
	return nil
}
