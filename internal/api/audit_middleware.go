package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/example/credit-meter/internal/security"
	"github.com/example/credit-meter/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware chains every rejected authentication or authorization
// attempt into the audit log. Credit mutations, and refusals decided by the
// credit services, are recorded elsewhere.
func AuditMiddleware(a Auditor, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			if sw.status != http.StatusUnauthorized && sw.status != http.StatusForbidden {
				return
			}
			if w.Header().Get(ErrorCodeHeader) != "" {
				return
			}
			_, err := a.Record(audit.Event{
				Action: audit.ActionAccessDenied,
				Actor:  "ip:" + security.ClientIP(r),
				Status: strconv.Itoa(sw.status),
				Route:  r.Method + " " + r.URL.Path,
			})
			if err != nil && logger != nil {
				logger.Error("audit_record_failed",
					"cid", security.CorrelationIDFromContext(r.Context()),
					"error", err,
				)
			}
		})
	}
}
