package collector

import (
	"context"
	"errors"
	"time"

	"mining_economy/internal/accrual"
)

const DefaultMeterInterval = 250 * time.Millisecond

type Estimator interface {
	Estimate(now time.Time) (accrual.Estimate, error)
}

// Meter recomputes the live estimate on a fixed sub-second tick and hands
// each reading to a callback. Readings are advisory only.
type Meter struct {
	source   Estimator
	interval time.Duration
	publish  func(time.Time, accrual.Estimate)
	now      func() time.Time
}

func NewMeter(source Estimator, interval time.Duration, publish func(time.Time, accrual.Estimate)) *Meter {
	if interval <= 0 {
		interval = DefaultMeterInterval
	}
	return &Meter{
		source:   source,
		interval: interval,
		publish:  publish,
		now:      time.Now,
	}
}

// Run ticks until ctx is done. A source without a snapshot is skipped
// rather than treated as a failure.
func (m *Meter) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if err := m.tick(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.tick(); err != nil {
				return err
			}
		}
	}
}

func (m *Meter) tick() error {
	now := m.now()
	est, err := m.source.Estimate(now)
	if errors.Is(err, ErrNotLoaded) {
		return nil
	}
	if err != nil {
		return err
	}
	m.publish(now, est)
	return nil
}
