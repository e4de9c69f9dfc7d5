package rpc

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/security"
	"github.com/example/credit-meter/internal/telemetry"
)

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "grpc_panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal_error")
			}
		}()
		return handler(ctx, req)
	}
}

func correlationInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var cid string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(security.CorrelationIDMetadataKey); len(v) > 0 && len(v[0]) <= 128 {
				cid = v[0]
			}
		}
		ctx = security.WithCorrelationID(ctx, cid)
		_ = grpc.SetHeader(ctx, metadata.Pairs(security.CorrelationIDMetadataKey, security.CorrelationIDFromContext(ctx)))
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *slog.Logger, tp *telemetry.Provider) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		dur := time.Since(start)

		code := status.Code(err)
		tp.RecordRequest(ctx, "grpc", info.FullMethod, code.String(), dur)

		attrs := []any{
			"cid", security.CorrelationIDFromContext(ctx),
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", dur.Milliseconds(),
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.ErrorContext(ctx, "grpc_request", append(attrs, "error", err)...)
		} else {
			logger.InfoContext(ctx, "grpc_request", attrs...)
		}
		return resp, err
	}
}

// authInterceptor resolves the caller from a bearer token, falling back to
// the scopes carried by a verified client certificate.
func authInterceptor(v *auth.JWTValidator, allowUnauthenticated bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ai, err := identify(ctx, v)
		if err != nil {
			if allowUnauthenticated {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		if scope, ok := methodScopes[info.FullMethod]; ok && !ai.Has(scope) {
			return nil, status.Error(codes.PermissionDenied, "forbidden")
		}
		return handler(auth.ContextWithAuthInfo(ctx, ai), req)
	}
}

func identify(ctx context.Context, v *auth.JWTValidator) (*auth.AuthInfo, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok && v != nil {
		if vals := md.Get("authorization"); len(vals) > 0 {
			return v.Identify(vals[0])
		}
	}

	p, ok := peer.FromContext(ctx)
	if !ok {
		return nil, errUnauthenticated
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.PeerCertificates) == 0 {
		return nil, errUnauthenticated
	}
	service, scopes, err := security.PeerIdentity(tlsInfo.State.PeerCertificates[0])
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &auth.AuthInfo{ClientID: service, Scopes: set}, nil
}
