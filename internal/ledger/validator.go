package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Validator checks ledger invariants against the stored entries.
type Validator struct {
	store Store
	now   func() time.Time
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	ValidationType string         `json:"validation_type"`
	Message        string         `json:"message"`
	AccountID      string         `json:"account_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// ValidateAmount checks that a debit or credit amount is usable.
func (v *Validator) ValidateAmount(amount int64) *ValidationResult {
	res := &ValidationResult{
		IsValid:        amount > 0,
		ValidationType: "amount",
		Message:        "amount is valid",
		Timestamp:      v.now(),
	}
	if !res.IsValid {
		res.Message = fmt.Sprintf("amount must be positive, got %d", amount)
	}
	return res
}

// ValidateBalanceConsistency compares the stored balance with the sum of the
// account's entries. Any drift means a mutation bypassed the ledger.
func (v *Validator) ValidateBalanceConsistency(ctx context.Context, accountID string) *ValidationResult {
	res := &ValidationResult{
		ValidationType: "balance_consistency",
		AccountID:      accountID,
		Timestamp:      v.now(),
	}

	acct, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		res.Message = fmt.Sprintf("failed to load account: %v", err)
		if errors.Is(err, ErrAccountNotFound) {
			res.Message = "account not found"
		}
		return res
	}

	sum, count, err := v.store.SumEntries(ctx, accountID)
	if err != nil {
		res.Message = fmt.Sprintf("failed to sum entries: %v", err)
		return res
	}

	res.Details = map[string]any{
		"stored_balance":   acct.Balance,
		"computed_balance": sum,
		"entry_count":      count,
		"difference":       acct.Balance - sum,
	}
	res.IsValid = acct.Balance == sum
	if res.IsValid {
		res.Message = "balance matches ledger entries"
	} else {
		res.Message = fmt.Sprintf("balance drift: stored %d, computed %d", acct.Balance, sum)
	}
	return res
}

func (v *Validator) ValidateNonNegative(ctx context.Context, accountID string) *ValidationResult {
	res := &ValidationResult{
		ValidationType: "non_negative_balance",
		AccountID:      accountID,
		Timestamp:      v.now(),
	}
	acct, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		res.Message = fmt.Sprintf("failed to load account: %v", err)
		return res
	}
	res.IsValid = acct.Balance >= 0
	res.Details = map[string]any{"balance": acct.Balance}
	if res.IsValid {
		res.Message = "balance is non-negative"
	} else {
		res.Message = fmt.Sprintf("balance is negative: %d", acct.Balance)
	}
	return res
}

// ComprehensiveValidation runs every per-account check.
func (v *Validator) ComprehensiveValidation(ctx context.Context, accountID string) []*ValidationResult {
	return []*ValidationResult{
		v.ValidateNonNegative(ctx, accountID),
		v.ValidateBalanceConsistency(ctx, accountID),
	}
}

// Report summarizes a full scan.
type Report struct {
	AccountsChecked int                 `json:"accounts_checked"`
	Failures        []*ValidationResult `json:"failures"`
}

func (r *Report) OK() bool { return len(r.Failures) == 0 }

// CheckAll walks every account in pages of batch and collects failed checks.
func (v *Validator) CheckAll(ctx context.Context, batch int) (*Report, error) {
	if batch <= 0 {
		batch = 500
	}
	report := &Report{}
	for offset := 0; ; offset += batch {
		ids, err := v.store.ListAccountIDs(ctx, batch, offset)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.AccountsChecked++
			for _, res := range v.ComprehensiveValidation(ctx, id) {
				if !res.IsValid {
					report.Failures = append(report.Failures, res)
				}
			}
		}
		if len(ids) < batch {
			return report, nil
		}
	}
}
