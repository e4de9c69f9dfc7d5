package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/credit-meter/internal/credit"
)

// Trailer keys carrying the credit error detail.
const (
	TrailerErrorCode     = "credit-error-code"
	TrailerBalance       = "credit-balance"
	TrailerRequired      = "credit-required"
	TrailerBlockedReason = "credit-blocked-reason"
)

var grpcCodes = map[string]codes.Code{
	"credit_insufficient":             codes.ResourceExhausted,
	"reservation_not_found":           codes.NotFound,
	"transient_store_conflict":        codes.Unavailable,
	"exemption_precondition_required": codes.PermissionDenied,
	"validation_error":                codes.InvalidArgument,
	"metering_exempt":                 codes.FailedPrecondition,
}

// ToStatus converts a credit error into a gRPC status and attaches the
// stable error code, and for insufficient credit the balance figures, as
// trailers.
func ToStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	code := credit.Code(err)
	c, ok := grpcCodes[code]
	if !ok {
		c = codes.Internal
	}

	md := metadata.Pairs(TrailerErrorCode, code)
	var insufficient *credit.InsufficientCreditError
	if errors.As(err, &insufficient) {
		md.Append(TrailerBalance, strconv.FormatInt(insufficient.Balance, 10))
		md.Append(TrailerRequired, strconv.FormatInt(insufficient.Required, 10))
	}
	if code == "exemption_precondition_required" {
		md.Append(TrailerBlockedReason, credit.BlockedReasonPreconditionRequired)
	}
	_ = grpc.SetTrailer(ctx, md)

	msg := code
	if c != codes.Internal {
		msg = err.Error()
	}
	return status.Error(c, msg)
}

// FromStatus rebuilds the credit error a call failed with from its status
// and trailer. Errors without a credit code are returned unchanged.
func FromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	first := func(key string) string {
		if v := trailer.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}

	switch first(TrailerErrorCode) {
	case "credit_insufficient":
		balance, _ := strconv.ParseInt(first(TrailerBalance), 10, 64)
		required, _ := strconv.ParseInt(first(TrailerRequired), 10, 64)
		return &credit.InsufficientCreditError{Balance: balance, Required: required}
	case "reservation_not_found":
		return fmt.Errorf("%w: %s", credit.ErrReservationNotFound, st.Message())
	case "transient_store_conflict":
		return fmt.Errorf("%w: %s", credit.ErrTransientStoreConflict, st.Message())
	case "exemption_precondition_required":
		return fmt.Errorf("%w: %s", credit.ErrExemptionPreconditionRequired, st.Message())
	case "validation_error":
		return fmt.Errorf("%w: %s", credit.ErrInvalidArgument, st.Message())
	case "metering_exempt":
		return fmt.Errorf("%w: %s", credit.ErrMeteringExempt, st.Message())
	default:
		return err
	}
}
