// Package collector turns accrued earnings into a balance credit. A
// Coordinator belongs to one client session; the store it calls is the
// only authority on what is credited.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mining_economy/internal/accrual"
	"mining_economy/internal/domain"
	"mining_economy/internal/fingerprint"
	"mining_economy/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyInProgress  = errors.New("collection already in progress")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrTimeout            = errors.New("collection timed out")
	ErrCollectionRejected = errors.New("collection rejected")
	ErrNotLoaded          = errors.New("account snapshot not loaded")
)

type Status string

const (
	StatusCredited         Status = "credited"
	StatusNothingToCollect Status = "nothing_to_collect"
	StatusRejected         Status = "rejected"
	StatusInProgress       Status = "in_progress"
	StatusTimeout          Status = "timeout"
	StatusUnavailable      Status = "unavailable"
)

const DefaultTimeout = 10 * time.Second

type Result struct {
	Status      Status          `json:"status"`
	RequestID   string          `json:"request_id"`
	Credited    decimal.Decimal `json:"credited"`
	Balance     decimal.Decimal `json:"balance"`
	CollectedAt time.Time       `json:"collected_at"`
	Message     string          `json:"message,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
}

// Session identifies the account and device a Coordinator acts for. The
// fingerprint is computed once per session and never regenerated.
type Session struct {
	AccountID   string
	Fingerprint fingerprint.Fingerprint
}

type DeviceValidator interface {
	Validate(ctx context.Context, accountID, hash string) (fingerprint.Validation, error)
	CheckSuspicious(ctx context.Context, accountID string) (fingerprint.Suspicion, error)
}

type Recorder interface {
	ObserveCollect(status string, duration time.Duration)
}

// PendingStore keeps the request id of an unresolved collection so a later
// session retries with it. An empty id clears the entry.
type PendingStore interface {
	PendingRequest(ctx context.Context, accountID string) (string, error)
	SavePendingRequest(ctx context.Context, accountID, requestID string) error
}

type Alerter interface {
	SuspiciousDevice(ctx context.Context, accountID string, s fingerprint.Suspicion) error
}

type Coordinator struct {
	store     repository.Store
	engine    *accrual.Engine
	session   Session
	validator DeviceValidator
	recorder  Recorder
	alerter   Alerter
	pending   PendingStore
	timeout   time.Duration
	newID     func() string
	logger    *slog.Logger

	inFlight atomic.Bool

	mu        sync.RWMutex
	snapshot  *domain.AccountSnapshot
	pendingID string
}

type Option func(*Coordinator)

func WithValidator(v DeviceValidator) Option {
	return func(c *Coordinator) { c.validator = v }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

func WithPendingStore(p PendingStore) Option {
	return func(c *Coordinator) { c.pending = p }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRequestIDs(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

func WithEngine(e *accrual.Engine) Option {
	return func(c *Coordinator) { c.engine = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCoordinator(store repository.Store, session Session, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		engine:  accrual.NewEngine(),
		session: session,
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("account_id", session.AccountID))
	return c
}

func (c *Coordinator) Session() Session {
	return c.session
}

// Collect asks the store to credit whatever the account has earned. Only one
// call may be outstanding; a second one fails with ErrAlreadyInProgress
// without touching the store. The store call is not cancelled by ctx, only
// bounded by the coordinator timeout.
func (c *Coordinator) Collect(ctx context.Context) (Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.observe(StatusInProgress, 0)
		return Result{Status: StatusInProgress}, ErrAlreadyInProgress
	}
	defer c.inFlight.Store(false)

	c.checkDevice(ctx)

	req := domain.CollectRequest{
		RequestID:         c.requestID(ctx),
		AccountID:         c.session.AccountID,
		DeviceFingerprint: c.session.Fingerprint.Hash,
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	out, err := c.store.CollectEarnings(callCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		return c.failed(ctx, req, err, callCtx.Err(), elapsed)
	}
	c.setPending(ctx, "")

	res := Result{
		RequestID:   out.RequestID,
		Credited:    out.Credited,
		Balance:     out.Balance,
		CollectedAt: out.CollectedAt,
		Message:     out.Message,
		Replayed:    out.Replayed,
	}

	if !out.Success {
		res.Status = StatusRejected
		c.observe(res.Status, elapsed)
		c.logger.WarnContext(ctx, "Collection rejected by store", slog.String("message", out.Message))
		return res, fmt.Errorf("%w: %s", ErrCollectionRejected, out.Message)
	}

	if out.Credited.IsPositive() {
		res.Status = StatusCredited
	} else {
		res.Status = StatusNothingToCollect
	}
	c.observe(res.Status, elapsed)

	c.logger.InfoContext(ctx, "Collection settled",
		slog.String("request_id", res.RequestID),
		slog.String("status", string(res.Status)),
		slog.String("credited", res.Credited.String()),
		slog.Bool("replayed", res.Replayed))

	c.afterSuccess(ctx, out)
	return res, nil
}

func (c *Coordinator) failed(ctx context.Context, req domain.CollectRequest, err, ctxErr error, elapsed time.Duration) (Result, error) {
	res := Result{RequestID: req.RequestID}

	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		res.Status = StatusTimeout
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, err)
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrDuplicate),
		errors.Is(err, repository.ErrUnverified),
		errors.Is(err, ErrCollectionRejected):
		// Definitive answers: the request id is spent.
		c.setPending(ctx, "")
		res.Status = StatusRejected
		c.observe(res.Status, elapsed)
		return res, err
	default:
		res.Status = StatusUnavailable
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	// The store may have applied the request; retrying with the same id
	// returns that outcome instead of crediting again.
	c.setPending(ctx, req.RequestID)

	c.observe(res.Status, elapsed)
	c.logger.WarnContext(ctx, "Collection failed",
		slog.String("request_id", req.RequestID),
		slog.String("status", string(res.Status)),
		slog.String("error", err.Error()))
	return res, err
}

// checkDevice runs the local fingerprint check. It only logs and alerts;
// enforcement is the store's decision.
func (c *Coordinator) checkDevice(ctx context.Context) {
	if c.validator == nil || c.session.Fingerprint.Hash == "" {
		return
	}

	v, err := c.validator.Validate(ctx, c.session.AccountID, c.session.Fingerprint.Hash)
	if err != nil {
		c.logger.ErrorContext(ctx, "Device validation failed", slog.String("error", err.Error()))
		return
	}
	if v.IsValid {
		return
	}

	s, err := c.validator.CheckSuspicious(ctx, c.session.AccountID)
	if err != nil {
		c.logger.ErrorContext(ctx, "Suspicion check failed", slog.String("error", err.Error()))
		return
	}
	if s.IsSuspicious && c.alerter != nil {
		if err := c.alerter.SuspiciousDevice(ctx, c.session.AccountID, s); err != nil {
			c.logger.ErrorContext(ctx, "Failed to queue security alert", slog.String("error", err.Error()))
		}
	}
}

func (c *Coordinator) afterSuccess(ctx context.Context, out *domain.CollectOutcome) {
	err := c.Refresh(ctx)
	if err == nil {
		return
	}
	c.logger.WarnContext(ctx, "Failed to refresh after collection", slog.String("error", err.Error()))

	// Fall back to the figures the store confirmed.
	if !out.Credited.IsPositive() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil {
		snap := *c.snapshot
		snap.Account.Balance = out.Balance
		snap.Account.LastCollectionAt = out.CollectedAt
		c.snapshot = &snap
	}
}

func (c *Coordinator) requestID(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingID != "" {
		return c.pendingID
	}
	if c.pending != nil {
		id, err := c.pending.PendingRequest(ctx, c.session.AccountID)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to load pending request id", slog.String("error", err.Error()))
		}
		if id != "" {
			c.pendingID = id
			return id
		}
	}
	return c.newID()
}

func (c *Coordinator) setPending(ctx context.Context, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingID = requestID
	if c.pending == nil {
		return
	}
	if err := c.pending.SavePendingRequest(context.WithoutCancel(ctx), c.session.AccountID, requestID); err != nil {
		c.logger.ErrorContext(ctx, "Failed to persist pending request id",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
}

// PendingRequestID is the id the next Collect will reuse, if any.
func (c *Coordinator) PendingRequestID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingID
}

// Refresh reloads the cached snapshot used by Estimate.
func (c *Coordinator) Refresh(ctx context.Context) error {
	snap, err := c.store.Snapshot(ctx, c.session.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Snapshot() (*domain.AccountSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return nil, false
	}
	snap := *c.snapshot
	return &snap, true
}

// Estimate is the live, non-authoritative figure for now.
func (c *Coordinator) Estimate(now time.Time) (accrual.Estimate, error) {
	snap, ok := c.Snapshot()
	if !ok {
		return accrual.Estimate{}, ErrNotLoaded
	}
	return c.engine.Estimate(accrual.InputFromSnapshot(snap, now)), nil
}

func (c *Coordinator) InProgress() bool {
	return c.inFlight.Load()
}

func (c *Coordinator) observe(status Status, d time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveCollect(string(status), d)
	}
}
