// Command creditaudit verifies the audit hash chain and scans the ledger for
// balance drift.
//
//	creditaudit verify -file /var/log/credit/audit.jsonl
//	creditaudit drift -batch 500
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/credit-meter/internal/app"
	"github.com/example/credit-meter/internal/config"
	"github.com/example/credit-meter/pkg/audit"
)

var errFindings = errors.New("findings reported")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		if !errors.Is(err, errFindings) {
			logger.Error("creditaudit failed", "error", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		return errors.New("usage: creditaudit <verify|drift> [flags]")
	}
	switch args[0] {
	case "verify":
		fs := flag.NewFlagSet("verify", flag.ContinueOnError)
		file := fs.String("file", os.Getenv("AUDIT_LOG_PATH"), "audit log to verify")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return verify(*file, out)
	case "drift":
		fs := flag.NewFlagSet("drift", flag.ContinueOnError)
		batch := fs.Int("batch", 500, "accounts per page")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg, logger, "creditaudit")
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return drift(ctx, a, *batch, out)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

type verifyResult struct {
	File       string `json:"file"`
	Entries    int    `json:"entries"`
	Intact     bool   `json:"intact"`
	FirstBreak int    `json:"first_break"`
}

func verify(path string, out io.Writer) error {
	if path == "" {
		return errors.New("verify: -file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries, err := audit.ReadChain(f)
	if err != nil {
		return fmt.Errorf("verify %s: %w", path, err)
	}
	res := verifyResult{File: path, Entries: len(entries), Intact: true, FirstBreak: -1}
	if idx := audit.FirstBreak(entries); idx >= 0 {
		res.Intact = false
		res.FirstBreak = idx
	}
	if err := json.NewEncoder(out).Encode(res); err != nil {
		return err
	}
	if !res.Intact {
		return errFindings
	}
	return nil
}

func drift(ctx context.Context, a *app.App, batch int, out io.Writer) error {
	report, err := a.Validator.CheckAll(ctx, batch)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(report); err != nil {
		return err
	}
	if !report.OK() {
		return errFindings
	}
	return nil
}
