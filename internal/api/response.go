package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/security"
)

// retryAfterSeconds is advertised on transient store conflicts.
const retryAfterSeconds = 1

// ErrorCodeHeader repeats the credit error code of a failed request.
const ErrorCodeHeader = "X-Credit-Error"

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps a credit error code to its HTTP status.
func errorStatus(code string) int {
	switch code {
	case "credit_insufficient":
		return http.StatusPaymentRequired
	case "reservation_not_found":
		return http.StatusNotFound
	case "transient_store_conflict":
		return http.StatusServiceUnavailable
	case "exemption_precondition_required":
		return http.StatusForbidden
	case "validation_error":
		return http.StatusBadRequest
	case "metering_exempt":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := credit.Code(err)
	status := errorStatus(code)
	fields := map[string]any{}
	w.Header().Set(ErrorCodeHeader, code)

	var insufficient *credit.InsufficientCreditError
	switch {
	case errors.As(err, &insufficient):
		fields["balance"] = insufficient.Balance
		fields["required"] = insufficient.Required
	case code == "exemption_precondition_required":
		fields["blocked_reason"] = credit.BlockedReasonPreconditionRequired
	case code == "transient_store_conflict":
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	case code == "validation_error":
		fields["message"] = err.Error()
	}

	security.WriteJSONErrorFields(w, r, status, code, fields)
}
