package reservation

import (
	"log/slog"
	"time"

	"github.com/example/credit-meter/internal/telemetry"
)

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithAuditor records every committed open on the audit chain.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) {
		m.auditor = a
	}
}

func WithTelemetry(p *telemetry.Provider) Option {
	return func(m *Manager) {
		m.telemetry = p
	}
}

// WithGate consults the exemption gate before any credit is held.
func WithGate(g BypassChecker) Option {
	return func(m *Manager) {
		m.gate = g
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}
