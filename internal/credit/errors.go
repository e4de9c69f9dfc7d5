package credit

import (
	"errors"
	"fmt"
)

var (
	ErrCreditInsufficient            = errors.New("credit: insufficient balance")
	ErrReservationNotFound           = errors.New("credit: reservation not found")
	ErrTransientStoreConflict        = errors.New("credit: store conflict, retry later")
	ErrExemptionPreconditionRequired = errors.New("credit: exemption precondition required")
	ErrInvalidArgument               = errors.New("credit: invalid argument")
	ErrMeteringExempt                = errors.New("credit: account is exempt from metering")
)

// InsufficientCreditError carries what the UI needs to prompt a top-up.
type InsufficientCreditError struct {
	AccountID string
	Balance   int64
	Required  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("credit: insufficient balance for %s: balance=%d required=%d", e.AccountID, e.Balance, e.Required)
}

func (e *InsufficientCreditError) Unwrap() error {
	return ErrCreditInsufficient
}

// Code maps an error to its stable wire code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCreditInsufficient):
		return "credit_insufficient"
	case errors.Is(err, ErrReservationNotFound):
		return "reservation_not_found"
	case errors.Is(err, ErrTransientStoreConflict):
		return "transient_store_conflict"
	case errors.Is(err, ErrExemptionPreconditionRequired):
		return "exemption_precondition_required"
	case errors.Is(err, ErrInvalidArgument):
		return "validation_error"
	case errors.Is(err, ErrMeteringExempt):
		return "metering_exempt"
	default:
		return "internal_error"
	}
}

// IsRetryable reports whether the same call may succeed if repeated unchanged.
// Insufficient credit and precondition failures are terminal for the attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStoreConflict)
}
