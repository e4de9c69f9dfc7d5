// Package exemption decides whether an account bypasses credit metering.
//
// An account is exempt only while its bypass flag is active and the
// precondition holds: the account has registered its own provider
// credentials. A flag without the precondition is a hard block, never a
// fallback to metered usage.
package exemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/credit-meter/internal/credit"
)

// DefaultBypassMonths bounds legacy policies that only carry EnabledAt.
const DefaultBypassMonths = 2

// Policy is the stored bypass configuration for one account.
type Policy struct {
	AccountID             string     `json:"account_id" yaml:"account_id" db:"account_id"`
	BypassMetering        bool       `json:"bypass_metering" yaml:"bypass_metering" db:"bypass_metering"`
	EnabledAt             *time.Time `json:"enabled_at,omitempty" yaml:"enabled_at" db:"enabled_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty" yaml:"expires_at" db:"expires_at"`
	CredentialsRegistered bool       `json:"credentials_registered" yaml:"credentials_registered" db:"credentials_registered"`
}

// Expiry returns when the bypass ends, or nil when it never does.
func (p *Policy) Expiry(months int) *time.Time {
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		return &t
	}
	if p.EnabledAt != nil {
		t := p.EnabledAt.AddDate(0, months, 0)
		return &t
	}
	return nil
}

// Active reports whether the bypass flag is in force at now.
func (p *Policy) Active(now time.Time, months int) bool {
	if p == nil || !p.BypassMetering {
		return false
	}
	if exp := p.Expiry(months); exp != nil {
		return !now.After(*exp)
	}
	return true
}

// Source looks up the policy for an account. A missing policy is (nil, nil).
type Source interface {
	Lookup(ctx context.Context, accountID string) (*Policy, error)
}

type Gate struct {
	source Source
	months int
	now    func() time.Time
	logger *slog.Logger
}

func NewGate(source Source, months int, logger *slog.Logger) *Gate {
	if months <= 0 {
		months = DefaultBypassMonths
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		source: source,
		months: months,
		now:    time.Now,
		logger: logger.With("component", "exemption"),
	}
}

// CheckBypass never mutates state.
func (g *Gate) CheckBypass(ctx context.Context, accountID string) (credit.BypassDecision, error) {
	if accountID == "" {
		return credit.BypassDecision{}, fmt.Errorf("%w: account_id is required", credit.ErrInvalidArgument)
	}
	if g.source == nil {
		return credit.BypassDecision{}, nil
	}

	policy, err := g.source.Lookup(ctx, accountID)
	if err != nil {
		return credit.BypassDecision{}, fmt.Errorf("failed to look up exemption policy: %w", err)
	}
	if !policy.Active(g.now(), g.months) {
		return credit.BypassDecision{}, nil
	}
	if !policy.CredentialsRegistered {
		reason := credit.BlockedReasonPreconditionRequired
		g.logger.InfoContext(ctx, "exemption_blocked", "account_id", accountID, "blocked_reason", reason)
		return credit.BypassDecision{BlockedReason: &reason}, nil
	}
	return credit.BypassDecision{Exempt: true}, nil
}

// Require returns credit.ErrExemptionPreconditionRequired for a blocked
// account and otherwise whether metering is skipped.
func (g *Gate) Require(ctx context.Context, accountID string) (bool, error) {
	decision, err := g.CheckBypass(ctx, accountID)
	if err != nil {
		return false, err
	}
	if decision.Blocked() {
		return false, fmt.Errorf("%w: %s", credit.ErrExemptionPreconditionRequired, *decision.BlockedReason)
	}
	return decision.Exempt, nil
}

// Describe returns the decision together with the active policy window, for
// operators.
func (g *Gate) Describe(ctx context.Context, accountID string) (credit.BypassDecision, *time.Time, error) {
	decision, err := g.CheckBypass(ctx, accountID)
	if err != nil || g.source == nil {
		return decision, nil, err
	}
	if !decision.Exempt && !decision.Blocked() {
		return decision, nil, nil
	}
	policy, err := g.source.Lookup(ctx, accountID)
	if err != nil || policy == nil {
		return decision, nil, err
	}
	return decision, policy.Expiry(g.months), nil
}

var ErrPolicyInvalid = errors.New("exemption: invalid policy")

func validatePolicy(p *Policy) error {
	if p.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", ErrPolicyInvalid)
	}
	if p.EnabledAt != nil && p.ExpiresAt != nil && p.ExpiresAt.Before(*p.EnabledAt) {
		return fmt.Errorf("%w: %s expires before it is enabled", ErrPolicyInvalid, p.AccountID)
	}
	return nil
}
