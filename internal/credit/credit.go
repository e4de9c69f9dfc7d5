// Package credit holds the types shared by the ledger, reservation and
// settlement packages.
package credit

import "time"

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusExpired
}

// Direction classifies a ledger entry.
type Direction string

const (
	DirectionGrant     Direction = "grant"
	DirectionAllowance Direction = "allowance"
	DirectionDebit     Direction = "debit"
	DirectionRefund    Direction = "refund"
)

// Sign returns +1 for directions that add credits and -1 for debits.
func (d Direction) Sign() int64 {
	if d == DirectionDebit {
		return -1
	}
	return 1
}

// Account is a billable principal. Balance is in the smallest billable unit.
type Account struct {
	AccountID     string    `json:"account_id"`
	Balance       int64     `json:"balance"`
	Version       int64     `json:"version"`
	AllowanceDate string    `json:"allowance_date,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Reservation is the credit hold for one in-flight metered operation.
type Reservation struct {
	ReservationID  string     `json:"reservation_id"`
	AccountID      string     `json:"account_id"`
	ReservedAmount int64      `json:"reserved_amount"`
	Status         Status     `json:"status"`
	SettledAmount  *int64     `json:"settled_amount,omitempty"`
	RefundedAmount *int64     `json:"refunded_amount,omitempty"`
	FinalBalance   *int64     `json:"final_balance,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// Result returns the recorded settlement of a terminal reservation.
func (r *Reservation) Result() *SettlementResult {
	res := &SettlementResult{
		ReservationID: r.ReservationID,
		Status:        r.Status,
	}
	if r.SettledAmount != nil {
		res.ActualCost = *r.SettledAmount
	}
	if r.RefundedAmount != nil {
		res.Refunded = *r.RefundedAmount
	} else {
		res.Refunded = r.ReservedAmount - res.ActualCost
	}
	if r.FinalBalance != nil {
		res.FinalBalance = *r.FinalBalance
	}
	return res
}

// SettlementResult is what Settle returns, both the first time and on replay.
type SettlementResult struct {
	ReservationID string `json:"reservation_id"`
	ActualCost    int64  `json:"actual_cost"`
	Refunded      int64  `json:"refunded"`
	FinalBalance  int64  `json:"balance"`
	Status        Status `json:"status"`
}

// Entry is one durable ledger mutation.
type Entry struct {
	EntryID       string    `json:"entry_id"`
	AccountID     string    `json:"account_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Direction     Direction `json:"direction"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balance_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// Signed returns the entry amount with the direction's sign applied.
func (e *Entry) Signed() int64 {
	return e.Direction.Sign() * e.Amount
}

const BlockedReasonPreconditionRequired = "precondition_required"

// BypassDecision is the answer of the exemption gate.
type BypassDecision struct {
	Exempt        bool    `json:"exempt"`
	BlockedReason *string `json:"blocked_reason"`
}

// Blocked reports whether the caller must refuse the operation outright.
func (d BypassDecision) Blocked() bool {
	return d.BlockedReason != nil
}

func Int64(v int64) *int64 { return &v }
