package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc/credentials"

	"github.com/example/credit-meter/internal/app"
	"github.com/example/credit-meter/internal/config"
	"github.com/example/credit-meter/internal/rpc"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, "creditrpc")
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if _, err := a.StartSweeper(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	serverCfg := rpc.ServerConfig{
		Logger:               logger,
		Telemetry:            a.Telemetry,
		Validator:            a.OAuth.Validator(),
		AllowUnauthenticated: !cfg.Production() && cfg.Environment != "test" && cfg.TLS.CertFile == "",
	}
	if cfg.TLS.CertFile != "" {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.ClientCAFile,
		})
		if err != nil {
			logger.Error("failed to load TLS config", "error", err)
			os.Exit(1)
		}
		serverCfg.Credentials = credentials.NewTLS(tlsCfg)
	}

	srv := rpc.NewServer(&rpc.Service{
		Reservations: a.Reservations,
		Settlement:   a.Settlement,
		Ledger:       a.Ledger,
		Gate:         a.Gate,
	}, serverCfg)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gRPC server")
		srv.GracefulStop()
	}()

	logger.Info("credit rpc listening", "addr", cfg.GRPCAddr, "service", rpc.ServiceName)
	if err := srv.Serve(lis); err != nil {
		logger.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
