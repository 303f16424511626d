package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"

	"github.com/google/uuid"
)

const (
	DefaultSuspicionWindow    = 15 * time.Minute
	DefaultSuspicionThreshold = 3
)

type Validation struct {
	IsValid     bool `json:"is_valid"`
	IsNewDevice bool `json:"is_new_device"`
}

// Suspicion is a verdict over the sliding window. Window and Threshold are
// the settings it was judged with.
type Suspicion struct {
	IsSuspicious  bool                   `json:"is_suspicious"`
	MismatchCount int                    `json:"mismatch_count"`
	RiskScore     int                    `json:"risk_score"`
	Flags         []string               `json:"flags,omitempty"`
	Window        time.Duration          `json:"window"`
	Threshold     int                    `json:"threshold"`
	RecentEvents  []domain.SecurityEvent `json:"recent_events"`
}

// Observer is told about every mismatch and every suspicion verdict.
type Observer interface {
	ObserveMismatch(accountID string)
	ObserveSuspicion(accountID string, mismatchCount, riskScore int, suspicious bool)
}

// Validator compares a session fingerprint with the one on record and
// keeps the mismatch log. It never blocks anything itself.
type Validator struct {
	repo      repository.DeviceRepository
	window    time.Duration
	threshold int
	risk      *RiskAssessor
	now       func() time.Time
	observer  Observer
	logger    *slog.Logger
}

type ValidatorOption func(*Validator)

func WithWindow(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.window = d }
}

// WithThreshold sets the count a window must exceed to be suspicious.
func WithThreshold(n int) ValidatorOption {
	return func(v *Validator) { v.threshold = n }
}

func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func WithObserver(o Observer) ValidatorOption {
	return func(v *Validator) { v.observer = o }
}

func NewValidator(repo repository.DeviceRepository, logger *slog.Logger, opts ...ValidatorOption) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		repo:      repo,
		window:    DefaultSuspicionWindow,
		threshold: DefaultSuspicionThreshold,
		risk:      NewRiskAssessor(),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks hash against the account's record. The first call for an
// account stores the hash and is always valid.
func (v *Validator) Validate(ctx context.Context, accountID, hash string) (Validation, error) {
	rec, err := v.repo.GetDevice(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		err = v.repo.SaveDevice(ctx, &domain.DeviceRecord{
			AccountID:    accountID,
			Fingerprint:  hash,
			RegisteredAt: v.now(),
		})
		if err != nil {
			return Validation{}, fmt.Errorf("failed to register device: %w", err)
		}
		v.logger.InfoContext(ctx, "Device registered", slog.String("account_id", accountID))
		return Validation{IsValid: true, IsNewDevice: true}, nil
	}
	if err != nil {
		return Validation{}, fmt.Errorf("failed to load device: %w", err)
	}

	if rec.Fingerprint == hash {
		return Validation{IsValid: true}, nil
	}

	event := &domain.SecurityEvent{
		ID:           uuid.NewString(),
		Timestamp:    v.now(),
		Kind:         domain.EventDeviceMismatch,
		AccountID:    accountID,
		ObservedHash: hash,
		ExpectedHash: rec.Fingerprint,
	}
	if err := v.repo.AppendEvent(ctx, event); err != nil {
		return Validation{}, fmt.Errorf("failed to record device mismatch: %w", err)
	}

	v.logger.WarnContext(ctx, "Device fingerprint mismatch",
		slog.String("account_id", accountID),
		slog.String("observed", hash),
		slog.String("expected", rec.Fingerprint))
	if v.observer != nil {
		v.observer.ObserveMismatch(accountID)
	}

	return Validation{IsValid: false}, nil
}

// CheckSuspicious counts device mismatches inside the sliding window and
// scores them. Both are advisory.
func (v *Validator) CheckSuspicious(ctx context.Context, accountID string) (Suspicion, error) {
	events, err := v.repo.EventsSince(ctx, accountID, v.now().Add(-v.window))
	if err != nil {
		return Suspicion{}, fmt.Errorf("failed to read security events: %w", err)
	}

	s := Suspicion{Window: v.window, Threshold: v.threshold}
	for _, ev := range events {
		if ev.Kind != domain.EventDeviceMismatch {
			continue
		}
		s.MismatchCount++
		s.RecentEvents = append(s.RecentEvents, ev)
	}
	s.IsSuspicious = s.MismatchCount > v.threshold

	risk := v.risk.Assess(RiskInput{Events: s.RecentEvents, Threshold: v.threshold})
	s.RiskScore, s.Flags = risk.Score, risk.Flags

	if s.IsSuspicious {
		v.logger.WarnContext(ctx, "Suspicious device activity",
			slog.String("account_id", accountID),
			slog.Int("mismatch_count", s.MismatchCount),
			slog.Int("risk_score", s.RiskScore),
			slog.Any("flags", s.Flags),
			slog.Duration("window", v.window))
	}
	if v.observer != nil {
		v.observer.ObserveSuspicion(accountID, s.MismatchCount, s.RiskScore, s.IsSuspicious)
	}
	return s, nil
}

// Clear forgets the account's fingerprint and event log.
func (v *Validator) Clear(ctx context.Context, accountID string) error {
	if err := v.repo.Clear(ctx, accountID); err != nil {
		return fmt.Errorf("failed to clear device state: %w", err)
	}
	v.logger.InfoContext(ctx, "Device state cleared", slog.String("account_id", accountID))
	return nil
}

// Device returns the fingerprint on record, or nil when none is.
func (v *Validator) Device(ctx context.Context, accountID string) (*domain.DeviceRecord, error) {
	rec, err := v.repo.GetDevice(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
