// Package sweeper releases reservations that were never settled.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/credit-meter/internal/credit"
	"github.com/example/credit-meter/internal/telemetry"
)

// PendingLister finds pending reservations created before a cutoff.
type PendingLister interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*credit.Reservation, error)
}

// Expirer settles a reservation at zero cost. replayed is true when the
// reservation was already terminal.
type Expirer interface {
	Expire(ctx context.Context, reservationID string) (result *credit.SettlementResult, replayed bool, err error)
}

type Config struct {
	Interval  time.Duration
	Grace     time.Duration
	BatchSize int
	// RatePerSecond caps expirations per second. Zero means unlimited.
	RatePerSecond float64
}

const DefaultBatchSize = 200

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("sweeper: interval must be positive")
	}
	if c.Grace <= 0 {
		return errors.New("sweeper: grace must be positive")
	}
	if c.BatchSize < 0 {
		return errors.New("sweeper: batch size must not be negative")
	}
	return nil
}

// Report summarizes one pass.
type Report struct {
	Scanned  int
	Expired  int
	Skipped  int // finalized by someone else before the sweeper got to them
	Failed   int
	Refunded int64
}

type Sweeper struct {
	lister    PendingLister
	expirer   Expirer
	cfg       Config
	limiter   *rate.Limiter
	telemetry *telemetry.Provider
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

func New(lister PendingLister, expirer Expirer, cfg Config, logger *slog.Logger, tp *telemetry.Provider) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Sweeper{
		lister:    lister,
		expirer:   expirer,
		cfg:       cfg,
		limiter:   limiter,
		telemetry: tp,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}, nil
}

// Start runs passes every Interval until Stop or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx, s.stopCh, s.doneCh)
}

// Stop waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper_started", "interval", s.cfg.Interval.String(), "grace", s.cfg.Grace.String())
	for {
		select {
		case <-stop:
			s.logger.InfoContext(ctx, "sweeper_stopped")
			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper_context_cancelled")
			return
		case <-ticker.C:
			passCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-stop:
					cancel()
				case <-passCtx.Done():
				}
			}()
			if _, err := s.RunOnce(passCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.ErrorContext(ctx, "sweeper_pass_failed", "error", err)
			}
			cancel()
		}
	}
}

// RunOnce expires up to BatchSize reservations older than Grace.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	cutoff := s.now().UTC().Add(-s.cfg.Grace)

	pending, err := s.lister.ListPending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list pending reservations: %w", err)
	}
	report.Scanned = len(pending)

	for _, r := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			s.finish(ctx, report)
			return report, err
		}
		res, replayed, err := s.expirer.Expire(ctx, r.ReservationID)
		if err != nil {
			report.Failed++
			s.logger.WarnContext(ctx, "sweeper_expire_failed",
				"reservation_id", r.ReservationID,
				"account_id", r.AccountID,
				"retryable", credit.IsRetryable(err),
				"error", err,
			)
			continue
		}
		if replayed || res.Status != credit.StatusExpired {
			report.Skipped++
			continue
		}
		report.Expired++
		report.Refunded += res.Refunded
	}

	s.finish(ctx, report)
	return report, nil
}

func (s *Sweeper) finish(ctx context.Context, report Report) {
	s.telemetry.RecordSweep(ctx, report.Expired, report.Failed)
	if report.Scanned == 0 {
		return
	}
	s.logger.InfoContext(ctx, "sweeper_pass_complete",
		"scanned", report.Scanned,
		"expired", report.Expired,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"refunded", report.Refunded,
	)
}
