// Package scheduler runs the holding lifecycle sweep on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type HoldingExpirer interface {
	ExpireHoldings(ctx context.Context, lifetime time.Duration, now time.Time) (int, error)
}

type ExpiryRecorder interface {
	RecordExpired(n int)
}

type ExpirySweeper struct {
	store    HoldingExpirer
	lifetime time.Duration
	timeout  time.Duration
	now      func() time.Time
	recorder ExpiryRecorder
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewExpirySweeper(store HoldingExpirer, lifetime time.Duration, recorder ExpiryRecorder, logger *slog.Logger) *ExpirySweeper {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	return &ExpirySweeper{
		store:    store,
		lifetime: lifetime,
		timeout:  30 * time.Second,
		now:      time.Now,
		recorder: recorder,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Sweep expires every holding older than the lifetime.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.ExpireHoldings(ctx, s.lifetime, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire holdings: %w", err)
	}
	if n > 0 {
		s.logger.Info("Holdings expired", slog.Int("count", n))
		if s.recorder != nil {
			s.recorder.RecordExpired(n)
		}
	}
	return n, nil
}

// Start schedules Sweep with a standard cron spec or descriptor such as
// "@every 1m".
func (s *ExpirySweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Expiry sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid expiry schedule %q: %w", spec, err)
	}
	s.cron.Start()
	s.logger.Info("Expiry sweeper started",
		slog.String("spec", spec),
		slog.Duration("lifetime", s.lifetime))
	return nil
}

// Stop waits for a running sweep or for ctx, whichever ends first.
func (s *ExpirySweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
