package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/credit-meter/internal/api"
	"github.com/example/credit-meter/internal/app"
	"github.com/example/credit-meter/internal/config"
	"github.com/example/credit-meter/internal/security"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		logger.Error("invalid IP_ALLOWLIST", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, "creditd")
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	deps := api.Dependencies{
		Logger:       logger,
		OAuth:        a.OAuth,
		JWTValidator: a.OAuth.Validator(),
		Reservations: a.Reservations,
		Settlement:   a.Settlement,
		Ledger:       a.Ledger,
		Gate:         a.Gate,
		Validator:    a.Validator,
		Auditor:      a.Auditor,
		Telemetry:    a.Telemetry,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	if a.Redis != nil {
		deps.RateLimiter = &security.RedisTokenBucket{
			Redis:      a.Redis,
			Prefix:     "credit_api",
			Capacity:   cfg.RateLimit.Capacity,
			RefillRate: cfg.RateLimit.RefillPerSecond,
		}
	}

	router, err := api.NewRouter(deps)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	if _, err := a.StartSweeper(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	if a.Exemptions != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := a.Exemptions.Reload(); err != nil {
					logger.Error("exemption_reload_failed", "error", err)
					continue
				}
				logger.Info("exemption_policies_reloaded")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsEnabled := cfg.TLS.CertFile != ""
	if tlsEnabled {
		if err := security.VerifyTLSFiles(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile); err != nil {
			logger.Error("invalid TLS files", "error", err)
			os.Exit(1)
		}
		srv.TLSConfig, err = security.LoadServerTLSConfig(security.TLSConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.ClientCAFile,
		})
		if err != nil {
			logger.Error("failed to load TLS config", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("credit api listening", "addr", cfg.HTTPAddr, "tls", tlsEnabled, "store", cfg.StoreDriver)
	if tlsEnabled {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
