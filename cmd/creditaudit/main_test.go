package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/credit-meter/internal/app"
	"github.com/example/credit-meter/internal/config"
	"github.com/example/credit-meter/internal/reservation"
	"github.com/example/credit-meter/pkg/audit"
)

func writeChain(t *testing.T, events int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	logger := audit.NewChainLogger(f)
	for i := 0; i < events; i++ {
		_, err := logger.Record(audit.Event{Action: audit.ActionGrantApplied, AccountID: "alice", Amount: int64(i + 1)})
		require.NoError(t, err)
	}
	return path
}

func TestVerify_IntactChain(t *testing.T) {
	path := writeChain(t, 3)
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"verify", "-file", path}, &out, slog.Default()))

	var res verifyResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Intact)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, -1, res.FirstBreak)
}

func TestVerify_TamperedChain(t *testing.T) {
	path := writeChain(t, 3)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))

	var entry audit.LogEntry
	require.NoError(t, json.Unmarshal(lines[1], &entry))
	entry.Payload = `{"action":"grant.applied","account_id":"alice","amount":1000}`
	lines[1], err = json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(bytes.Join(lines, []byte("\n")), '\n'), 0o600))

	var out bytes.Buffer
	err = run(context.Background(), []string{"verify", "-file", path}, &out, slog.Default())
	assert.ErrorIs(t, err, errFindings)

	var res verifyResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.False(t, res.Intact)
	assert.Equal(t, 1, res.FirstBreak)
}

func TestRun_Usage(t *testing.T) {
	assert.Error(t, run(context.Background(), nil, &bytes.Buffer{}, slog.Default()))
	assert.ErrorContains(t, run(context.Background(), []string{"rebuild"}, &bytes.Buffer{}, slog.Default()), "unknown command")
	assert.ErrorContains(t, run(context.Background(), []string{"verify", "-file", ""}, &bytes.Buffer{}, slog.Default()), "-file")
}

func TestDrift_CleanLedger(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.StoreDriver = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "ledger.db")
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	a, err := app.New(ctx, cfg, slog.Default(), "creditaudit")
	require.NoError(t, err)
	defer a.Close(ctx)

	_, err = a.Reservations.Open(ctx, reservation.OpenRequest{AccountID: "alice", ReservationID: "r1", Amount: 2})
	require.NoError(t, err)
	_, err = a.Settlement.Settle(ctx, "r1", 2, 2)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, drift(ctx, a, 10, &out))

	var report struct {
		AccountsChecked int `json:"accounts_checked"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 1, report.AccountsChecked)
}
