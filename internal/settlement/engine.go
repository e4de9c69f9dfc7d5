// Package settlement finalizes reservations once the real cost is known.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/ledger"
	"github.com/example/credit-meter/internal/telemetry"
	"github.com/example/credit-meter/pkg/audit"
)

type Auditor interface {
	Record(ev audit.Event) (*audit.LogEntry, error)
}

type Engine struct {
	ledger    *ledger.Ledger
	auditor   Auditor
	telemetry *telemetry.Provider
	logger    *slog.Logger
	now       func() time.Time
}

type Config struct {
	Ledger    *ledger.Ledger
	Auditor   Auditor
	Telemetry *telemetry.Provider
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		ledger:    cfg.Ledger,
		auditor:   cfg.Auditor,
		telemetry: cfg.Telemetry,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.logger = e.logger.With("component", "settlement")
	return e
}

// Settle charges min(actualUnits*unitCost, reserved) and refunds the rest.
// Settling a reservation that is already terminal returns the stored result,
// whatever the arguments.
func (e *Engine) Settle(ctx context.Context, reservationID string, actualUnits, unitCost int64) (*credit.SettlementResult, error) {
	result, _, err := e.finalize(ctx, reservationID, credit.StatusSettled, actualUnits, unitCost)
	return result, err
}

// Expire releases an abandoned hold in full. It is Settle at zero cost but
// records the expired status. replayed reports that the reservation was
// already terminal and nothing moved.
func (e *Engine) Expire(ctx context.Context, reservationID string) (result *credit.SettlementResult, replayed bool, err error) {
	return e.finalize(ctx, reservationID, credit.StatusExpired, 0, 0)
}

func (e *Engine) finalize(ctx context.Context, reservationID string, status credit.Status, actualUnits, unitCost int64) (*credit.SettlementResult, bool, error) {
	if reservationID == "" {
		return nil, false, credit.ErrReservationNotFound
	}

	ctx, end := e.telemetry.StartSpan(ctx, "settlement."+string(status),
		attribute.String("reservation_id", reservationID),
	)

	var (
		result    *credit.SettlementResult
		accountID string
		replayed  bool
	)
	err := e.ledger.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		result, replayed = nil, false

		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		accountID = r.AccountID
		if r.Status.Terminal() {
			result, replayed = r.Result(), true
			return nil
		}

		if actualUnits < 0 || unitCost < 0 {
			return fmt.Errorf("%w: actual_units and unit_cost must not be negative", credit.ErrInvalidArgument)
		}
		actualCost, err := credit.ClampedCost(actualUnits, unitCost, r.ReservedAmount)
		if err != nil {
			return err
		}
		refund := r.ReservedAmount - actualCost

		balance, err := e.ledger.IncrementTx(ctx, tx, r.AccountID, r.ReservationID, credit.DirectionRefund, refund)
		if err != nil {
			return err
		}

		settledAt := e.now().UTC()
		r.Status = status
		r.SettledAmount = credit.Int64(actualCost)
		r.RefundedAmount = credit.Int64(refund)
		r.FinalBalance = credit.Int64(balance)
		r.SettledAt = &settledAt
		if err := tx.FinalizeReservation(ctx, r); err != nil {
			return err
		}
		result = r.Result()
		return nil
	})
	end(err)
	if err != nil {
		return nil, false, err
	}

	e.telemetry.RecordSettlement(ctx, string(result.Status), replayed, result.ActualCost, result.Refunded)
	if replayed {
		e.logger.DebugContext(ctx, "settlement_replayed", "reservation_id", reservationID, "status", result.Status)
		return result, true, nil
	}

	action := audit.ActionReservationSettled
	if status == credit.StatusExpired {
		action = audit.ActionReservationExpired
	}
	if e.auditor != nil {
		if _, err := e.auditor.Record(audit.Event{
			Action:        action,
			AccountID:     accountID,
			ReservationID: reservationID,
			Amount:        result.ActualCost,
			Refunded:      result.Refunded,
			Balance:       result.FinalBalance,
			Status:        string(result.Status),
		}); err != nil {
			e.logger.ErrorContext(ctx, "audit_record_failed", "action", action, "reservation_id", reservationID, "error", err)
		}
	}
	e.logger.InfoContext(ctx, "reservation_finalized",
		"reservation_id", reservationID,
		"account_id", accountID,
		"status", result.Status,
		"actual_cost", result.ActualCost,
		"refunded", result.Refunded,
		"balance", result.FinalBalance,
	)
	return result, false, nil
}
