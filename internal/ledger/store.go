package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/example/credit-meter/internal/credit"
)

var (
	// ErrConflict marks a transaction attempt that lost a race and may be retried.
	ErrConflict = errors.New("ledger: serialization conflict")

	ErrAccountNotFound = errors.New("ledger: account not found")
)

// Tx is one serializable unit of work against the ledger tables.
// Reads inside a Tx lock the rows they return.
type Tx interface {
	LoadAccount(ctx context.Context, accountID string) (*credit.Account, error)
	InsertAccount(ctx context.Context, acct *credit.Account) error
	// UpdateAccount writes acct only if the stored row still has prevBalance
	// and prevVersion. A lost compare-and-swap returns ErrConflict.
	UpdateAccount(ctx context.Context, acct *credit.Account, prevBalance, prevVersion int64) error
	InsertEntry(ctx context.Context, e *credit.Entry) error
	HasEntry(ctx context.Context, accountID, reservationID string, dir credit.Direction) (bool, error)

	GetReservation(ctx context.Context, reservationID string) (*credit.Reservation, error)
	InsertReservation(ctx context.Context, r *credit.Reservation) error
	// FinalizeReservation moves a pending reservation to its terminal state.
	FinalizeReservation(ctx context.Context, r *credit.Reservation) error
}

type TxFunc func(ctx context.Context, tx Tx) error

// Store is a durable backend for accounts, reservations and ledger entries.
type Store interface {
	// InTx runs fn in a single serializable attempt. Conflicts are reported
	// wrapped in ErrConflict and are not retried here.
	InTx(ctx context.Context, fn TxFunc) error

	GetAccount(ctx context.Context, accountID string) (*credit.Account, error)
	GetReservation(ctx context.Context, reservationID string) (*credit.Reservation, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*credit.Reservation, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]*credit.Entry, error)
	SumEntries(ctx context.Context, accountID string) (sum int64, count int, err error)
	ListAccountIDs(ctx context.Context, limit, offset int) ([]string, error)

	EnsureSchema(ctx context.Context) error
	Close() error
}
