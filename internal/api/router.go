package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/credit-meter/internal/auth"
	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/ledger"
	"github.com/example/credit-meter/internal/reservation"
	"github.com/example/credit-meter/internal/security"
	"github.com/example/credit-meter/internal/telemetry"
	"github.com/example/credit-meter/pkg/audit"
)

type Auditor interface {
	Record(ev audit.Event) (*audit.LogEntry, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Reservations interface {
		Open(ctx context.Context, req reservation.OpenRequest) (*reservation.OpenResult, error)
		Get(ctx context.Context, reservationID string) (*credit.Reservation, error)
		ListPending(ctx context.Context, olderThan time.Duration, limit int) ([]*credit.Reservation, error)
	}
	Settlement interface {
		Settle(ctx context.Context, reservationID string, actualUnits, unitCost int64) (*credit.SettlementResult, error)
	}
	Ledger interface {
		GetBalance(ctx context.Context, accountID string) (int64, error)
		Entries(ctx context.Context, accountID string, limit int) ([]*credit.Entry, error)
		Grant(ctx context.Context, accountID, grantID string, amount int64) (*ledger.GrantResult, error)
	}
	Gate interface {
		Describe(ctx context.Context, accountID string) (credit.BypassDecision, *time.Time, error)
	}
	Validator interface {
		ComprehensiveValidation(ctx context.Context, accountID string) []*ledger.ValidationResult
	}

	Auditor      Auditor
	Telemetry    *telemetry.Provider
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	openV, err := security.NewJSONSchemaValidator(openReservationSchema)
	if err != nil {
		return nil, err
	}
	settleV, err := security.NewJSONSchemaValidator(settleSchema)
	if err != nil {
		return nil, err
	}
	grantV, err := security.NewJSONSchemaValidator(grantSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	h := &handlers{deps: deps, logger: deps.Logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger, deps.Telemetry))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKeyByIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

		r.Route("/reservations", func(r chi.Router) {
			r.With(auth.RequireScopes(onAuthError, auth.ScopeReserve), openV.Middleware).Post("/", h.openReservation)
			r.With(auth.RequireScopes(onAuthError, auth.ScopeRead)).Get("/", h.listReservations)
			r.With(auth.RequireScopes(onAuthError, auth.ScopeRead)).Get("/{id}", h.getReservation)
			r.With(auth.RequireScopes(onAuthError, auth.ScopeSettle), settleV.Middleware).Post("/{id}/settle", h.settle)
		})

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.With(auth.RequireScopes(onAuthError, auth.ScopeRead)).Get("/balance", h.balance)
			r.With(auth.RequireScopes(onAuthError, auth.ScopeRead)).Get("/exemption", h.exemption)

			admin := r.With(auth.RequireScopes(onAuthError, auth.ScopeAdmin))
			admin.Get("/entries", h.entries)
			admin.Get("/consistency", h.consistency)
			admin.With(grantV.Middleware).Post("/grants", h.grant)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

func rateLimitKeyByIP(r *http.Request) string {
	return "ip:" + security.ClientIP(r)
}
