package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/example/credit-meter/internal/credit"
)

// Options tunes account bootstrap and conflict retry.
type Options struct {
	// InitialGrant is credited once when an account is first seen.
	InitialGrant int64
	// DailyAllowance tops the balance up to this value once per UTC day.
	// Zero disables it.
	DailyAllowance int64

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

const (
	DefaultInitialGrant   = 12
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = 250 * time.Millisecond
)

// Ledger owns every balance mutation. Mutations run inside a serializable
// transaction and additionally compare-and-swap on (balance, version).
type Ledger struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

func New(store Store, opts Options) *Ledger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, opts: opts, logger: logger.With("component", "ledger")}
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) now() time.Time { return l.opts.Now().UTC() }

// RunInTx runs fn until it commits, retrying conflicts with exponential
// backoff. Exhausted retries surface as credit.ErrTransientStoreConflict.
func (l *Ledger) RunInTx(ctx context.Context, fn TxFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.InitialBackoff
	b.MaxInterval = l.opts.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := l.store.InTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrConflict) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Debug("ledger_tx_retry", "attempt", attempts, "backoff_ms", next.Milliseconds(), "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrConflict) {
		l.logger.Warn("ledger_tx_conflict_exhausted", "attempts", attempts, "error", err)
		return fmt.Errorf("%w: gave up after %d attempts: %v", credit.ErrTransientStoreConflict, attempts, err)
	}
	return err
}

// TryDecrement debits amount only if the balance covers it.
func (l *Ledger) TryDecrement(ctx context.Context, accountID, reservationID string, amount int64) (ok bool, newBalance int64, err error) {
	err = l.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		ok, newBalance, err = l.TryDecrementTx(ctx, tx, accountID, reservationID, amount)
		return err
	})
	return ok, newBalance, err
}

// Increment credits amount back to the account, e.g. for refunds.
func (l *Ledger) Increment(ctx context.Context, accountID, reservationID string, amount int64) (newBalance int64, err error) {
	err = l.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		newBalance, err = l.IncrementTx(ctx, tx, accountID, reservationID, credit.DirectionRefund, amount)
		return err
	})
	return newBalance, err
}

// GrantResult reports the effective grant id, which is generated when the
// caller sends none.
type GrantResult struct {
	GrantID string
	Balance int64
	Applied bool
}

// Grant tops up an account. A repeated grantID is a no-op.
func (l *Ledger) Grant(ctx context.Context, accountID, grantID string, amount int64) (*GrantResult, error) {
	if amount <= 0 {
		return nil, credit.ErrInvalidArgument
	}
	if grantID == "" {
		grantID = uuid.NewString()
	}

	var (
		newBalance int64
		applied    bool
	)
	err := l.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		applied = false
		seen, err := tx.HasEntry(ctx, accountID, grantID, credit.DirectionGrant)
		if err != nil {
			return err
		}
		if seen {
			acct, err := l.EnsureAccountTx(ctx, tx, accountID)
			if err != nil {
				return err
			}
			newBalance = acct.Balance
			return nil
		}
		newBalance, err = l.IncrementTx(ctx, tx, accountID, grantID, credit.DirectionGrant, amount)
		applied = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	return &GrantResult{GrantID: grantID, Balance: newBalance, Applied: applied}, nil
}

// GetBalance returns the balance, creating the account on first query.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (balance int64, err error) {
	err = l.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		acct, err := l.EnsureAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	return balance, err
}

func (l *Ledger) Entries(ctx context.Context, accountID string, limit int) ([]*credit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListEntries(ctx, accountID, limit)
}

// TryDecrementTx is TryDecrement inside a caller-owned transaction.
func (l *Ledger) TryDecrementTx(ctx context.Context, tx Tx, accountID, reservationID string, amount int64) (bool, int64, error) {
	if amount < 0 {
		return false, 0, credit.ErrInvalidArgument
	}
	acct, err := l.EnsureAccountTx(ctx, tx, accountID)
	if err != nil {
		return false, 0, err
	}
	if acct.Balance < amount {
		return false, acct.Balance, nil
	}
	if amount == 0 {
		return true, acct.Balance, nil
	}
	if err := l.apply(ctx, tx, acct, reservationID, credit.DirectionDebit, amount); err != nil {
		return false, 0, err
	}
	return true, acct.Balance, nil
}

// IncrementTx is Increment inside a caller-owned transaction.
func (l *Ledger) IncrementTx(ctx context.Context, tx Tx, accountID, reservationID string, dir credit.Direction, amount int64) (int64, error) {
	if amount < 0 || dir == credit.DirectionDebit {
		return 0, credit.ErrInvalidArgument
	}
	acct, err := l.EnsureAccountTx(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return acct.Balance, nil
	}
	if err := l.apply(ctx, tx, acct, reservationID, dir, amount); err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// EnsureAccountTx loads and locks the account, creating it with the initial
// grant when missing and applying the daily allowance when due.
func (l *Ledger) EnsureAccountTx(ctx context.Context, tx Tx, accountID string) (*credit.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", credit.ErrInvalidArgument)
	}

	today := l.now().Format(time.DateOnly)
	acct, err := tx.LoadAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		now := l.now()
		acct = &credit.Account{
			AccountID:     accountID,
			AllowanceDate: today,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertAccount(ctx, acct); err != nil {
			return nil, err
		}
		if l.opts.InitialGrant > 0 {
			if err := l.apply(ctx, tx, acct, "", credit.DirectionGrant, l.opts.InitialGrant); err != nil {
				return nil, err
			}
		}
		return acct, nil
	}
	if err != nil {
		return nil, err
	}

	if l.opts.DailyAllowance > 0 && acct.AllowanceDate != today {
		acct.AllowanceDate = today
		if acct.Balance < l.opts.DailyAllowance {
			if err := l.apply(ctx, tx, acct, "", credit.DirectionAllowance, l.opts.DailyAllowance-acct.Balance); err != nil {
				return nil, err
			}
		} else if err := l.touch(ctx, tx, acct); err != nil {
			return nil, err
		}
	}
	return acct, nil
}

// apply mutates acct in place and records the entry.
func (l *Ledger) apply(ctx context.Context, tx Tx, acct *credit.Account, reservationID string, dir credit.Direction, amount int64) error {
	if dir.Sign() > 0 && amount > math.MaxInt64-acct.Balance {
		return fmt.Errorf("%w: balance overflow", credit.ErrInvalidArgument)
	}
	next := acct.Balance + dir.Sign()*amount
	if next < 0 {
		return fmt.Errorf("%w: balance would go negative", credit.ErrCreditInsufficient)
	}

	prevBalance, prevVersion := acct.Balance, acct.Version
	acct.Balance = next
	acct.Version++
	acct.UpdatedAt = l.now()
	if err := tx.UpdateAccount(ctx, acct, prevBalance, prevVersion); err != nil {
		return err
	}

	return tx.InsertEntry(ctx, &credit.Entry{
		EntryID:       uuid.NewString(),
		AccountID:     acct.AccountID,
		ReservationID: reservationID,
		Direction:     dir,
		Amount:        amount,
		BalanceAfter:  next,
		CreatedAt:     acct.UpdatedAt,
	})
}

func (l *Ledger) touch(ctx context.Context, tx Tx, acct *credit.Account) error {
	prevVersion := acct.Version
	acct.Version++
	acct.UpdatedAt = l.now()
	return tx.UpdateAccount(ctx, acct, acct.Balance, prevVersion)
}
