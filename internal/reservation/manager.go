// Package reservation opens credit holds before metered work begins.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/ledger"
	"github.com/example/credit-meter/internal/telemetry"
	"github.com/example/credit-meter/pkg/audit"
)

// Auditor receives committed credit mutations.
type Auditor interface {
	Record(ev audit.Event) (*audit.LogEntry, error)
}

// BypassChecker decides whether an account skips metering. A blocked account
// yields credit.ErrExemptionPreconditionRequired.
type BypassChecker interface {
	Require(ctx context.Context, accountID string) (exempt bool, err error)
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

type Manager struct {
	ledger    *ledger.Ledger
	auditor   Auditor
	gate      BypassChecker
	telemetry *telemetry.Provider
	logger    *slog.Logger
	now       func() time.Time
}

func NewManager(l *ledger.Ledger, opts ...Option) *Manager {
	m := &Manager{
		ledger: l,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "reservation")
	return m
}

type OpenRequest struct {
	AccountID     string
	ReservationID string
	Amount        int64
}

// OpenResult is the hold that now exists for the request.
type OpenResult struct {
	Reservation *credit.Reservation
	Balance     int64
	// Replayed is true when the reservation id was already known.
	Replayed bool
}

// ReservedAmount is the hold for estimatedUnits at unitCost. It must be positive.
func ReservedAmount(estimatedUnits, unitCost int64) (int64, error) {
	amount, err := credit.Multiply(estimatedUnits, unitCost)
	if err != nil {
		return 0, fmt.Errorf("%w: estimated cost overflows or is negative", credit.ErrInvalidArgument)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: reserved amount must be positive", credit.ErrInvalidArgument)
	}
	return amount, nil
}

// Open holds req.Amount credits for the reservation. A reservation id that
// already exists returns the stored reservation untouched, whatever its status.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", credit.ErrInvalidArgument)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: reserved amount must be positive", credit.ErrInvalidArgument)
	}
	if req.ReservationID == "" {
		req.ReservationID = uuid.NewString()
	}

	ctx, end := m.telemetry.StartSpan(ctx, "reservation.open",
		attribute.String("account_id", req.AccountID),
		attribute.String("reservation_id", req.ReservationID),
	)
	result, err := m.open(ctx, req)
	end(err)
	return result, err
}

func (m *Manager) open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	var (
		result  *OpenResult
		checked bool
	)
	err := m.ledger.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		result = nil

		existing, err := tx.GetReservation(ctx, req.ReservationID)
		if err == nil {
			acct, err := tx.LoadAccount(ctx, existing.AccountID)
			if err != nil {
				return err
			}
			result = &OpenResult{Reservation: existing, Balance: acct.Balance, Replayed: true}
			return nil
		}
		if !errors.Is(err, credit.ErrReservationNotFound) {
			return err
		}

		// Replays skip the gate: a policy change must not break a retry.
		if m.gate != nil && !checked {
			exempt, err := m.gate.Require(ctx, req.AccountID)
			if err != nil {
				if errors.Is(err, credit.ErrExemptionPreconditionRequired) {
					return err
				}
				return fmt.Errorf("failed to check exemption: %w", err)
			}
			if exempt {
				return credit.ErrMeteringExempt
			}
			checked = true
		}

		ok, balance, err := m.ledger.TryDecrementTx(ctx, tx, req.AccountID, req.ReservationID, req.Amount)
		if err != nil {
			return err
		}
		if !ok {
			return &credit.InsufficientCreditError{AccountID: req.AccountID, Balance: balance, Required: req.Amount}
		}

		r := &credit.Reservation{
			ReservationID:  req.ReservationID,
			AccountID:      req.AccountID,
			ReservedAmount: req.Amount,
			Status:         credit.StatusPending,
			CreatedAt:      m.now().UTC(),
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		result = &OpenResult{Reservation: r, Balance: balance}
		return nil
	})

	var insufficient *credit.InsufficientCreditError
	switch {
	case errors.As(err, &insufficient):
		m.telemetry.RecordReservation(ctx, "insufficient", req.Amount)
		m.logger.InfoContext(ctx, "reservation_rejected",
			"account_id", req.AccountID,
			"reservation_id", req.ReservationID,
			"balance", insufficient.Balance,
			"required", insufficient.Required,
		)
		return nil, err
	case err != nil:
		m.telemetry.RecordReservation(ctx, "error", req.Amount)
		return nil, err
	}

	if result.Replayed {
		m.telemetry.RecordReservation(ctx, "replayed", result.Reservation.ReservedAmount)
		if result.Reservation.AccountID != req.AccountID || result.Reservation.ReservedAmount != req.Amount {
			m.logger.WarnContext(ctx, "reservation_replay_mismatch",
				"reservation_id", req.ReservationID,
				"stored_account_id", result.Reservation.AccountID,
				"requested_account_id", req.AccountID,
				"stored_amount", result.Reservation.ReservedAmount,
				"requested_amount", req.Amount,
			)
		}
		return result, nil
	}

	m.telemetry.RecordReservation(ctx, "opened", req.Amount)
	m.record(ctx, audit.Event{
		Action:        audit.ActionReservationOpened,
		AccountID:     req.AccountID,
		ReservationID: req.ReservationID,
		Amount:        req.Amount,
		Balance:       result.Balance,
		Status:        string(credit.StatusPending),
	})
	m.logger.InfoContext(ctx, "reservation_opened",
		"account_id", req.AccountID,
		"reservation_id", req.ReservationID,
		"reserved_amount", req.Amount,
		"balance", result.Balance,
	)
	return result, nil
}

func (m *Manager) record(ctx context.Context, ev audit.Event) {
	if m.auditor == nil {
		return
	}
	if _, err := m.auditor.Record(ev); err != nil {
		m.logger.ErrorContext(ctx, "audit_record_failed", "action", ev.Action, "reservation_id", ev.ReservationID, "error", err)
	}
}

func (m *Manager) Get(ctx context.Context, reservationID string) (*credit.Reservation, error) {
	if reservationID == "" {
		return nil, credit.ErrReservationNotFound
	}
	return m.ledger.Store().GetReservation(ctx, reservationID)
}

// ListPending returns pending reservations created more than olderThan ago,
// oldest first.
func (m *Manager) ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*credit.Reservation, error) {
	if olderThan < 0 {
		return nil, fmt.Errorf("%w: older_than must not be negative", credit.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return m.ledger.Store().ListPending(ctx, m.now().UTC().Add(-olderThan), limit)
}
