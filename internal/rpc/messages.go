package rpc

import "github.com/example/credit-meter/internal/credit"

type OpenReservationRequest struct {
	AccountID      string `json:"account_id"`
	ReservationID  string `json:"reservation_id,omitempty"`
	EstimatedUnits int64  `json:"estimated_units"`
	UnitCost       int64  `json:"unit_cost"`
}

type OpenReservationResponse struct {
	ReservationID  string `json:"reservation_id"`
	ReservedAmount int64  `json:"reserved_amount"`
	Balance        int64  `json:"balance"`
	Replayed       bool   `json:"replayed"`
}

type SettleRequest struct {
	ReservationID string `json:"reservation_id"`
	ActualUnits   int64  `json:"actual_units"`
	UnitCost      int64  `json:"unit_cost"`
}

type SettleResponse struct {
	ReservationID string        `json:"reservation_id"`
	ActualCost    int64         `json:"actual_cost"`
	Refunded      int64         `json:"refunded"`
	Balance       int64         `json:"balance"`
	Status        credit.Status `json:"status"`
}

type GetBalanceRequest struct {
	AccountID string `json:"account_id"`
}

type GetBalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type CheckExemptionRequest struct {
	AccountID string `json:"account_id"`
}

type CheckExemptionResponse struct {
	AccountID     string  `json:"account_id"`
	Exempt        bool    `json:"exempt"`
	BlockedReason *string `json:"blocked_reason"`
}
