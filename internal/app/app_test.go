package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/credit-meter/internal/config"
	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/reservation"
	"github.com/example/credit-meter/pkg/audit"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "ledger.db")
	cfg.AuditLogPath = filepath.Join(dir, "audit.jsonl")
	cfg.Auth.BootstrapClientID = "ops"
	cfg.Auth.BootstrapClientSecret = "ops-secret"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestApp_AuditChainSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg, slog.Default(), "creditd")
	require.NoError(t, err)
	_, err = a.Reservations.Open(ctx, reservation.OpenRequest{AccountID: "alice", ReservationID: "r1", Amount: 3})
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	a, err = New(ctx, cfg, slog.Default(), "creditd")
	require.NoError(t, err)
	_, err = a.Settlement.Settle(ctx, "r1", 1, 1)
	require.NoError(t, err)
	balance, err := a.Ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(11), balance)
	require.NoError(t, a.Close(ctx))

	f, err := os.Open(cfg.AuditLogPath)
	require.NoError(t, err)
	defer f.Close()
	entries, err := audit.ReadChain(f)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, audit.VerifyChain(entries))
	assert.Equal(t, uint64(2), entries[1].Sequence)
}

func TestApp_RefusesBrokenAuditLog(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.AuditLogPath,
		[]byte(`{"seq":1,"timestamp":"t","previous_hash":"x","payload":"{}","hash":"forged"}`+"\n"), 0o600))

	_, err := New(context.Background(), cfg, slog.Default(), "creditd")
	assert.ErrorContains(t, err, "broken")
}

func TestApp_BootstrapClientAndExemptionCache(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	cfg.RedisAddr = mr.Addr()

	policies := filepath.Join(t.TempDir(), "exemptions.yaml")
	require.NoError(t, os.WriteFile(policies, []byte(`
policies:
  - account_id: vip
    bypass_metering: true
    credentials_registered: true
`), 0o600))
	cfg.Exemption.Source = "file"
	cfg.Exemption.File = policies

	ctx := context.Background()
	a, err := New(ctx, cfg, slog.Default(), "creditd")
	require.NoError(t, err)
	defer a.Close(ctx)

	client, err := a.OAuth.Store.GetClient(ctx, "ops")
	require.NoError(t, err)
	assert.Len(t, client.Scopes, 4)

	d, err := a.Gate.CheckBypass(ctx, "vip")
	require.NoError(t, err)
	assert.True(t, d.Exempt)
	assert.True(t, mr.Exists("credit:exemption:vip"))
	require.NotNil(t, a.Exemptions)
}

func TestApp_StartSweeperReleasesAbandonedHolds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweeper.Interval = 10 * time.Millisecond
	cfg.Sweeper.Grace = time.Millisecond
	ctx := context.Background()

	a, err := New(ctx, cfg, slog.Default(), "creditrpc")
	require.NoError(t, err)
	defer a.Close(ctx)

	_, err = a.Reservations.Open(ctx, reservation.OpenRequest{AccountID: "alice", ReservationID: "r1", Amount: 4})
	require.NoError(t, err)

	sw, err := a.StartSweeper(ctx)
	require.NoError(t, err)
	require.NotNil(t, sw)

	require.Eventually(t, func() bool {
		r, err := a.Reservations.Get(ctx, "r1")
		return err == nil && r.Status == credit.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	balance, err := a.Ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(12), balance)
}

func TestApp_StartSweeperDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sweeper.Enabled = false
	ctx := context.Background()

	a, err := New(ctx, cfg, slog.Default(), "creditrpc")
	require.NoError(t, err)
	defer a.Close(ctx)

	sw, err := a.StartSweeper(ctx)
	require.NoError(t, err)
	assert.Nil(t, sw)
}
