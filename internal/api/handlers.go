package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/ledger"
	"github.com/example/credit-meter/internal/reservation"
	"github.com/example/credit-meter/internal/security"
	"github.com/example/credit-meter/pkg/audit"
)

type openReservationRequest struct {
	AccountID      string `json:"account_id"`
	ReservationID  string `json:"reservation_id"`
	EstimatedUnits int64  `json:"estimated_units"`
	UnitCost       int64  `json:"unit_cost"`
}

type openReservationResponse struct {
	CorrelationID  string `json:"correlation_id"`
	ReservationID  string `json:"reservation_id"`
	ReservedAmount int64  `json:"reserved_amount"`
	Balance        int64  `json:"balance"`
}

type settleRequest struct {
	ActualUnits int64 `json:"actual_units"`
	UnitCost    int64 `json:"unit_cost"`
}

type settleResponse struct {
	CorrelationID string        `json:"correlation_id"`
	ReservationID string        `json:"reservation_id"`
	ActualCost    int64         `json:"actual_cost"`
	Refunded      int64         `json:"refunded"`
	Balance       int64         `json:"balance"`
	Status        credit.Status `json:"status"`
}

type balanceResponse struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	Balance       int64  `json:"balance"`
}

type exemptionResponse struct {
	CorrelationID string     `json:"correlation_id"`
	AccountID     string     `json:"account_id"`
	Exempt        bool       `json:"exempt"`
	BlockedReason *string    `json:"blocked_reason"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type reservationResponse struct {
	CorrelationID string              `json:"correlation_id"`
	Reservation   *credit.Reservation `json:"reservation"`
}

type listReservationsResponse struct {
	CorrelationID string                `json:"correlation_id"`
	Reservations  []*credit.Reservation `json:"reservations"`
}

type entriesResponse struct {
	CorrelationID string          `json:"correlation_id"`
	AccountID     string          `json:"account_id"`
	Entries       []*credit.Entry `json:"entries"`
}

type consistencyResponse struct {
	CorrelationID string                     `json:"correlation_id"`
	AccountID     string                     `json:"account_id"`
	Valid         bool                       `json:"valid"`
	Checks        []*ledger.ValidationResult `json:"checks"`
}

type grantRequest struct {
	GrantID string `json:"grant_id"`
	Amount  int64  `json:"amount"`
}

type grantResponse struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	GrantID       string `json:"grant_id"`
	Balance       int64  `json:"balance"`
	Applied       bool   `json:"applied"`
}

type handlers struct {
	deps   Dependencies
	logger *slog.Logger
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if credit.Code(err) == "internal_error" {
		h.logger.ErrorContext(r.Context(), "request_failed",
			"cid", security.CorrelationIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, r, err)
}

func unavailable(w http.ResponseWriter, r *http.Request, dep any) bool {
	if dep == nil {
		security.WriteJSONError(w, r, http.StatusServiceUnavailable, "service_unavailable")
		return true
	}
	return false
}

func (h *handlers) openReservation(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Reservations) {
		return
	}

	var req openReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	amount, err := reservation.ReservedAmount(req.EstimatedUnits, req.UnitCost)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.deps.Reservations.Open(r.Context(), reservation.OpenRequest{
		AccountID:     req.AccountID,
		ReservationID: req.ReservationID,
		Amount:        amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, r, status, openReservationResponse{
		CorrelationID:  security.CorrelationIDFromContext(r.Context()),
		ReservationID:  res.Reservation.ReservationID,
		ReservedAmount: res.Reservation.ReservedAmount,
		Balance:        res.Balance,
	})
}

func (h *handlers) settle(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Settlement) {
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	res, err := h.deps.Settlement.Settle(r.Context(), chi.URLParam(r, "id"), req.ActualUnits, req.UnitCost)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, settleResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		ReservationID: res.ReservationID,
		ActualCost:    res.ActualCost,
		Refunded:      res.Refunded,
		Balance:       res.FinalBalance,
		Status:        res.Status,
	})
}

func (h *handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Reservations) {
		return
	}

	res, err := h.deps.Reservations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, reservationResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Reservation:   res,
	})
}

func (h *handlers) listReservations(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Reservations) {
		return
	}

	q := r.URL.Query()
	if status := q.Get("status"); status != "" && status != string(credit.StatusPending) {
		h.fail(w, r, fmt.Errorf("%w: only pending reservations can be listed", credit.ErrInvalidArgument))
		return
	}

	var olderThan time.Duration
	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			h.fail(w, r, fmt.Errorf("%w: older_than must be a non-negative duration", credit.ErrInvalidArgument))
			return
		}
		olderThan = d
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	list, err := h.deps.Reservations.ListPending(r.Context(), olderThan, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*credit.Reservation{}
	}
	writeJSON(w, r, http.StatusOK, listReservationsResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		Reservations:  list,
	})
}

func (h *handlers) balance(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Ledger) {
		return
	}

	accountID := chi.URLParam(r, "id")
	balance, err := h.deps.Ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balanceResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		AccountID:     accountID,
		Balance:       balance,
	})
}

func (h *handlers) exemption(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Gate) {
		return
	}

	accountID := chi.URLParam(r, "id")
	decision, expiry, err := h.deps.Gate.Describe(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, exemptionResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		AccountID:     accountID,
		Exempt:        decision.Exempt,
		BlockedReason: decision.BlockedReason,
		ExpiresAt:     expiry,
	})
}

func (h *handlers) entries(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Ledger) {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	accountID := chi.URLParam(r, "id")
	list, err := h.deps.Ledger.Entries(r.Context(), accountID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*credit.Entry{}
	}
	writeJSON(w, r, http.StatusOK, entriesResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		AccountID:     accountID,
		Entries:       list,
	})
}

func (h *handlers) consistency(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Validator) {
		return
	}

	accountID := chi.URLParam(r, "id")
	checks := h.deps.Validator.ComprehensiveValidation(r.Context(), accountID)
	valid := true
	for _, c := range checks {
		valid = valid && c.IsValid
	}
	if !valid {
		h.logger.WarnContext(r.Context(), "ledger_inconsistent", "account_id", accountID)
	}
	writeJSON(w, r, http.StatusOK, consistencyResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		AccountID:     accountID,
		Valid:         valid,
		Checks:        checks,
	})
}

func (h *handlers) grant(w http.ResponseWriter, r *http.Request) {
	if unavailable(w, r, h.deps.Ledger) {
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	accountID := chi.URLParam(r, "id")
	res, err := h.deps.Ledger.Grant(r.Context(), accountID, req.GrantID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if res.Applied {
		actor := ""
		if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
			actor = ai.ClientID
		}
		h.logger.InfoContext(r.Context(), "grant_applied",
			"account_id", accountID,
			"grant_id", res.GrantID,
			"amount", req.Amount,
			"balance", res.Balance,
			"actor", actor,
		)
		if h.deps.Auditor != nil {
			if _, err := h.deps.Auditor.Record(audit.Event{
				Action:    audit.ActionGrantApplied,
				AccountID: accountID,
				GrantID:   res.GrantID,
				Amount:    req.Amount,
				Balance:   res.Balance,
				Actor:     actor,
			}); err != nil {
				h.logger.ErrorContext(r.Context(), "audit_record_failed", "error", err)
			}
		}
	}

	writeJSON(w, r, http.StatusOK, grantResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		AccountID:     accountID,
		GrantID:       res.GrantID,
		Balance:       res.Balance,
		Applied:       res.Applied,
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", credit.ErrInvalidArgument, key)
	}
	return n, nil
}
