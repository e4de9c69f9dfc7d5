package exemption

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/credit-meter/internal/credit"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newTestGate(source Source, now string) *Gate {
	g := NewGate(source, 0, nil)
	g.now = func() time.Time { return *ts(now) }
	return g
}

func TestGate_CheckBypass(t *testing.T) {
	source := NewStaticSource(
		Policy{AccountID: "exempt", BypassMetering: true, CredentialsRegistered: true},
		Policy{AccountID: "blocked", BypassMetering: true, CredentialsRegistered: false},
		Policy{AccountID: "flag-off", BypassMetering: false, CredentialsRegistered: true},
		Policy{AccountID: "expired", BypassMetering: true, CredentialsRegistered: true, ExpiresAt: ts("2026-01-01T00:00:00Z")},
		Policy{AccountID: "legacy-active", BypassMetering: true, CredentialsRegistered: true, EnabledAt: ts("2026-01-15T00:00:00Z")},
		Policy{AccountID: "legacy-lapsed", BypassMetering: true, CredentialsRegistered: true, EnabledAt: ts("2025-12-01T00:00:00Z")},
		Policy{AccountID: "expired-blocked", BypassMetering: true, ExpiresAt: ts("2026-01-01T00:00:00Z")},
	)
	g := newTestGate(source, "2026-03-01T00:00:00Z")
	ctx := context.Background()

	tests := []struct {
		account string
		exempt  bool
		blocked bool
	}{
		{"exempt", true, false},
		{"blocked", false, true},
		{"flag-off", false, false},
		{"unknown", false, false},
		{"expired", false, false},
		{"legacy-active", true, false},
		{"legacy-lapsed", false, false},
		{"expired-blocked", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.account, func(t *testing.T) {
			d, err := g.CheckBypass(ctx, tt.account)
			require.NoError(t, err)
			assert.Equal(t, tt.exempt, d.Exempt)
			assert.Equal(t, tt.blocked, d.Blocked())
			if tt.blocked {
				assert.Equal(t, credit.BlockedReasonPreconditionRequired, *d.BlockedReason)
			}
		})
	}
}

func TestGate_ExpiryBoundaryIsInclusive(t *testing.T) {
	source := NewStaticSource(Policy{
		AccountID: "edge", BypassMetering: true, CredentialsRegistered: true,
		ExpiresAt: ts("2026-03-01T00:00:00Z"),
	})

	d, err := newTestGate(source, "2026-03-01T00:00:00Z").CheckBypass(context.Background(), "edge")
	require.NoError(t, err)
	assert.True(t, d.Exempt)

	d, err = newTestGate(source, "2026-03-01T00:00:01Z").CheckBypass(context.Background(), "edge")
	require.NoError(t, err)
	assert.False(t, d.Exempt)
}

func TestGate_Require(t *testing.T) {
	source := NewStaticSource(
		Policy{AccountID: "exempt", BypassMetering: true, CredentialsRegistered: true},
		Policy{AccountID: "blocked", BypassMetering: true},
	)
	g := newTestGate(source, "2026-03-01T00:00:00Z")
	ctx := context.Background()

	exempt, err := g.Require(ctx, "exempt")
	require.NoError(t, err)
	assert.True(t, exempt)

	exempt, err = g.Require(ctx, "regular")
	require.NoError(t, err)
	assert.False(t, exempt)

	_, err = g.Require(ctx, "blocked")
	assert.ErrorIs(t, err, credit.ErrExemptionPreconditionRequired)
}

type failingSource struct{ err error }

func (f failingSource) Lookup(ctx context.Context, accountID string) (*Policy, error) {
	return nil, f.err
}

func TestGate_SourceErrorsPropagate(t *testing.T) {
	boom := errors.New("profile db down")
	g := newTestGate(failingSource{err: boom}, "2026-03-01T00:00:00Z")

	_, err := g.CheckBypass(context.Background(), "anyone")
	assert.ErrorIs(t, err, boom)

	_, err = g.CheckBypass(context.Background(), "")
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func TestGate_Describe(t *testing.T) {
	source := NewStaticSource(Policy{
		AccountID: "legacy", BypassMetering: true, CredentialsRegistered: true,
		EnabledAt: ts("2026-01-31T00:00:00Z"),
	})
	g := newTestGate(source, "2026-02-10T00:00:00Z")

	d, expiry, err := g.Describe(context.Background(), "legacy")
	require.NoError(t, err)
	assert.True(t, d.Exempt)
	require.NotNil(t, expiry)
	assert.Equal(t, ts("2026-01-31T00:00:00Z").AddDate(0, 2, 0), *expiry)

	_, expiry, err = g.Describe(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, expiry)
}

func TestGate_NilSource(t *testing.T) {
	d, err := NewGate(nil, 0, nil).CheckBypass(context.Background(), "acct")
	require.NoError(t, err)
	assert.False(t, d.Exempt)
	assert.False(t, d.Blocked())
}
