// Package app wires the credit engine from configuration. The HTTP and gRPC
// daemons share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/config"
	"github.com/example/credit-meter/internal/exemption"
	"github.com/example/credit-meter/internal/ledger"
	"github.com/example/credit-meter/internal/reservation"
	"github.com/example/credit-meter/internal/settlement"
	"github.com/example/credit-meter/internal/sweeper"
	"github.com/example/credit-meter/internal/telemetry"
	"github.com/example/credit-meter/pkg/audit"
)

type clientStore interface {
	auth.ClientStore
	PutClient(ctx context.Context, c auth.Client) error
}

type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     ledger.Store
	Ledger    *ledger.Ledger
	Validator *ledger.Validator

	Reservations *reservation.Manager
	Settlement   *settlement.Engine
	Gate         *exemption.Gate
	// Exemptions is set when policies come from a reloadable file.
	Exemptions *exemption.FileSource

	Auditor   *audit.ChainLogger
	Telemetry *telemetry.Provider
	Redis     *redis.Client
	OAuth     *auth.OAuthServer

	closers []func() error
}

// New builds every component named by cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, service string) (a *App, err error) {
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  service,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		SampleRate:   cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.Telemetry.Shutdown(context.Background()) })

	var pool *pgxpool.Pool
	switch cfg.StoreDriver {
	case "postgres":
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		store := ledger.NewPostgresStore(pool)
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.Store = store
	case "sqlite":
		store, err := ledger.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		a.Store = store
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("redis_unavailable", "addr", cfg.RedisAddr, "error", err)
		}
	}

	if err := a.openAuditLog(); err != nil {
		return nil, err
	}

	source, err := a.exemptionSource()
	if err != nil {
		return nil, err
	}
	a.Gate = exemption.NewGate(source, cfg.Exemption.BypassMonths, logger)

	a.Ledger = ledger.New(a.Store, ledger.Options{
		InitialGrant:   cfg.Ledger.InitialGrant,
		DailyAllowance: cfg.Ledger.DailyAllowance,
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		Logger:         logger,
	})
	a.Validator = ledger.NewValidator(a.Store)
	a.Reservations = reservation.NewManager(a.Ledger,
		reservation.WithLogger(logger),
		reservation.WithAuditor(a.Auditor),
		reservation.WithTelemetry(a.Telemetry),
		reservation.WithGate(a.Gate),
	)
	a.Settlement = settlement.NewEngine(settlement.Config{
		Ledger:    a.Ledger,
		Auditor:   a.Auditor,
		Telemetry: a.Telemetry,
		Logger:    logger,
	})

	if err := a.setupOAuth(ctx, pool); err != nil {
		return nil, err
	}
	return a, nil
}

// openAuditLog appends to the configured chain file, continuing the chain it
// already holds.
func (a *App) openAuditLog() error {
	path := a.Config.AuditLogPath
	if path == "" {
		a.Auditor = audit.NewChainLogger(nil)
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	a.closers = append(a.closers, f.Close)

	entries, err := audit.ReadChain(f)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	if i := audit.FirstBreak(entries); i >= 0 {
		return fmt.Errorf("audit log %s is broken at entry %d", path, i)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	a.Auditor = audit.NewChainLogger(f)
	if len(entries) > 0 {
		a.Auditor.Resume(entries[len(entries)-1])
	}
	return nil
}

func (a *App) exemptionSource() (exemption.Source, error) {
	cfg := a.Config.Exemption
	var source exemption.Source

	switch cfg.Source {
	case "", "none":
		return nil, nil
	case "file":
		fs, err := exemption.NewFileSource(cfg.File, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Exemptions = fs
		source = fs
	case "sql":
		ss, err := exemption.OpenSQLSource(exemption.SQLConfig{DSN: cfg.DSN, Query: cfg.Query})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ss.Close)
		source = ss
	default:
		return nil, fmt.Errorf("unknown exemption source %q", cfg.Source)
	}

	if a.Redis != nil && cfg.CacheTTL > 0 {
		source = exemption.NewCachedSource(source, a.Redis, cfg.CacheTTL, a.Logger)
	}
	return source, nil
}

func (a *App) setupOAuth(ctx context.Context, pool *pgxpool.Pool) error {
	cfg := a.Config.Auth

	var keys *auth.KeySet
	var err error
	if cfg.SigningKeyFile != "" {
		keys, err = auth.LoadKeySet(cfg.SigningKeyFile)
	} else {
		a.Logger.Warn("auth_ephemeral_signing_key", "reason", "AUTH_SIGNING_KEY_FILE not set")
		keys, err = auth.NewKeySet()
	}
	if err != nil {
		return err
	}

	var clients clientStore
	if pool != nil {
		pg := &auth.PostgresClientStore{Pool: pool}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to create client schema: %w", err)
		}
		clients = pg
	} else {
		clients = auth.NewMemoryClientStore()
	}

	if cfg.BootstrapClientID != "" {
		hash, err := auth.HashClientSecret(cfg.BootstrapClientSecret)
		if err != nil {
			return err
		}
		if err := clients.PutClient(ctx, auth.Client{
			ID:         cfg.BootstrapClientID,
			SecretHash: hash,
			Scopes:     []string{auth.ScopeRead, auth.ScopeReserve, auth.ScopeSettle, auth.ScopeAdmin},
		}); err != nil {
			return fmt.Errorf("failed to register bootstrap client: %w", err)
		}
	}

	a.OAuth = &auth.OAuthServer{
		Store:          clients,
		Keys:           keys,
		Issuer:         cfg.Issuer,
		AccessTokenTTL: cfg.TokenTTL,
	}
	return nil
}

// StartSweeper runs the reconciliation sweeper until Close when it is enabled.
// It returns nil when the sweeper is disabled.
func (a *App) StartSweeper(ctx context.Context) (*sweeper.Sweeper, error) {
	cfg := a.Config.Sweeper
	if !cfg.Enabled {
		a.Logger.InfoContext(ctx, "sweeper_disabled")
		return nil, nil
	}
	sw, err := sweeper.New(a.Store, a.Settlement, sweeper.Config{
		Interval:      cfg.Interval,
		Grace:         cfg.Grace,
		BatchSize:     cfg.BatchSize,
		RatePerSecond: cfg.RatePerSecond,
	}, a.Logger, a.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper config: %w", err)
	}
	sw.Start(ctx)
	a.closers = append(a.closers, func() error {
		sw.Stop()
		return nil
	})
	return sw, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
