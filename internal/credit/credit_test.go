package credit

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiply(t *testing.T) {
	got, err := Multiply(3, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)

	_, err = Multiply(-1, 4)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Multiply(math.MaxInt64, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err = Multiply(0, math.MaxInt64)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestClampedCost(t *testing.T) {
	tests := []struct {
		name                     string
		units, unitCost, ceiling int64
		want                     int64
	}{
		{"under ceiling", 3, 1, 5, 3},
		{"over ceiling", 10, 1, 5, 5},
		{"exactly ceiling", 5, 1, 5, 5},
		{"zero units", 0, 7, 5, 0},
		{"overflowing product", math.MaxInt64, math.MaxInt64, 9, 9},
		{"zero ceiling", 2, 2, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClampedCost(tt.units, tt.unitCost, tt.ceiling)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ClampedCost(1, -1, 5)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCode(t *testing.T) {
	insufficient := &InsufficientCreditError{AccountID: "a", Balance: 2, Required: 5}
	assert.Equal(t, "credit_insufficient", Code(insufficient))
	assert.Equal(t, "credit_insufficient", Code(fmt.Errorf("open: %w", insufficient)))
	assert.Equal(t, "reservation_not_found", Code(ErrReservationNotFound))
	assert.Equal(t, "transient_store_conflict", Code(ErrTransientStoreConflict))
	assert.Equal(t, "exemption_precondition_required", Code(ErrExemptionPreconditionRequired))
	assert.Equal(t, "validation_error", Code(ErrInvalidArgument))
	assert.Equal(t, "metering_exempt", Code(ErrMeteringExempt))
	assert.Equal(t, "internal_error", Code(errors.New("disk on fire")))
	assert.Empty(t, Code(nil))

	var target *InsufficientCreditError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", insufficient), &target)
	assert.Equal(t, int64(5), target.Required)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("%w: gave up", ErrTransientStoreConflict)))
	assert.False(t, IsRetryable(ErrCreditInsufficient))
	assert.False(t, IsRetryable(ErrExemptionPreconditionRequired))
}

func TestReservationResult(t *testing.T) {
	r := &Reservation{
		ReservationID:  "r1",
		ReservedAmount: 5,
		Status:         StatusSettled,
		SettledAmount:  Int64(3),
		RefundedAmount: Int64(2),
		FinalBalance:   Int64(9),
	}
	res := r.Result()
	assert.Equal(t, int64(3), res.ActualCost)
	assert.Equal(t, int64(2), res.Refunded)
	assert.Equal(t, int64(9), res.FinalBalance)
	assert.True(t, r.Status.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestDirectionSign(t *testing.T) {
	assert.Equal(t, int64(-1), DirectionDebit.Sign())
	assert.Equal(t, int64(1), DirectionRefund.Sign())
	assert.Equal(t, int64(-4), (&Entry{Direction: DirectionDebit, Amount: 4}).Signed())
}
