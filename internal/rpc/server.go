package rpc

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/telemetry"
)

var errUnauthenticated = errors.New("rpc: no caller identity")

const maxMessageBytes = 1 << 20

type ServerConfig struct {
	Logger    *slog.Logger
	Telemetry *telemetry.Provider
	Validator *auth.JWTValidator
	// AllowUnauthenticated admits callers that present neither a token nor
	// a client certificate. Only for local development.
	AllowUnauthenticated bool
	Credentials          credentials.TransportCredentials
}

// NewServer builds a gRPC server with the credit service registered.
func NewServer(svc CreditServiceServer, cfg ServerConfig) *grpc.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc")

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			correlationInterceptor(),
			loggingInterceptor(logger, cfg.Telemetry),
			authInterceptor(cfg.Validator, cfg.AllowUnauthenticated),
		),
	}
	if cfg.Credentials != nil {
		opts = append(opts, grpc.Creds(cfg.Credentials))
	}

	s := grpc.NewServer(opts...)
	RegisterCreditServiceServer(s, svc)
	return s
}
