package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mining_economy/internal/accrual"
	"mining_economy/internal/domain"
	"mining_economy/internal/fingerprint"
	"mining_economy/internal/repository"
	"mining_economy/internal/repository/memory"

	"github.com/shopspring/decimal"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type scriptedStore struct {
	mu       sync.Mutex
	calls    atomic.Int32
	requests []domain.CollectRequest
	entered  chan struct{}
	release  chan struct{}
	respond  func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error)
}

func (s *scriptedStore) Snapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	return &domain.AccountSnapshot{Account: domain.Account{ID: accountID}, Economy: domain.DefaultEconomy()}, nil
}

func (s *scriptedStore) CollectEarnings(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if s.respond != nil {
		return s.respond(ctx, req)
	}
	return credit(req, 10), nil
}

func (s *scriptedStore) requestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.requests))
	for i, r := range s.requests {
		ids[i] = r.RequestID
	}
	return ids
}

func credit(req domain.CollectRequest, amount int64) *domain.CollectOutcome {
	return &domain.CollectOutcome{
		RequestID:   req.RequestID,
		Success:     true,
		Credited:    decimal.NewFromInt(amount),
		Balance:     decimal.NewFromInt(amount),
		CollectedAt: time.Now(),
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	statuses map[string]int
}

func (r *countingRecorder) ObserveCollect(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]int)
	}
	r.statuses[status]++
}

func (r *countingRecorder) count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[string(status)]
}

type recordingAlerter struct {
	alerts []fingerprint.Suspicion
}

func (a *recordingAlerter) SuspiciousDevice(ctx context.Context, accountID string, s fingerprint.Suspicion) error {
	a.alerts = append(a.alerts, s)
	return nil
}

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("req-%d", n.Add(1)) }
}

func session() Session {
	return Session{AccountID: "acc-1", Fingerprint: fingerprint.Fingerprint{Hash: "device-a"}}
}

// ─── Reentrancy ─────────────────────────────────────────────────────────────

func TestCoordinator_SecondCallWhileOutstanding(t *testing.T) {
	store := &scriptedStore{entered: make(chan struct{}), release: make(chan struct{})}
	rec := &countingRecorder{}
	c := NewCoordinator(store, session(), WithRecorder(rec), WithRequestIDs(sequentialIDs()))

	done := make(chan error, 1)
	go func() {
		_, err := c.Collect(context.Background())
		done <- err
	}()
	<-store.entered

	res, err := c.Collect(context.Background())
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}
	if res.Status != StatusInProgress {
		t.Errorf("status = %s, want %s", res.Status, StatusInProgress)
	}

	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("first Collect() error: %v", err)
	}

	if n := store.calls.Load(); n != 1 {
		t.Errorf("store received %d RPCs, want 1", n)
	}
	if rec.count(StatusInProgress) != 1 || rec.count(StatusCredited) != 1 {
		t.Errorf("unexpected recorded statuses: %v", rec.statuses)
	}
	if c.InProgress() {
		t.Error("guard not released")
	}
}

func TestCoordinator_GuardReleasedAfterFailure(t *testing.T) {
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			return nil, errors.New("connection refused")
		},
	}
	c := NewCoordinator(store, session())

	for i := 0; i < 2; i++ {
		if _, err := c.Collect(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
			t.Fatalf("attempt %d: expected ErrStoreUnavailable, got %v", i, err)
		}
	}
	if n := store.calls.Load(); n != 2 {
		t.Errorf("store calls = %d, want 2", n)
	}
}

// ─── Failure handling ───────────────────────────────────────────────────────

func TestCoordinator_TimeoutKeepsRequestID(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			if slow.Load() {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return credit(req, 5), nil
		},
	}
	c := NewCoordinator(store, session(), WithTimeout(20*time.Millisecond), WithRequestIDs(sequentialIDs()))

	res, err := c.Collect(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if res.Status != StatusTimeout || c.PendingRequestID() != "req-1" {
		t.Errorf("status = %s pending = %q", res.Status, c.PendingRequestID())
	}

	slow.Store(false)
	res, err = c.Collect(context.Background())
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if res.RequestID != "req-1" {
		t.Errorf("retry used request %s, want req-1", res.RequestID)
	}
	if c.PendingRequestID() != "" {
		t.Error("pending request id not cleared after success")
	}

	_, _ = c.Collect(context.Background())
	ids := store.requestIDs()
	if len(ids) != 3 || ids[2] != "req-2" {
		t.Errorf("request ids = %v, want [req-1 req-1 req-2]", ids)
	}
}

func TestCoordinator_PendingRequestIDSurvivesSession(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			if slow.Load() {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return credit(req, 5), nil
		},
	}
	pending := memory.NewDeviceRepository()

	first := NewCoordinator(store, session(), WithTimeout(20*time.Millisecond),
		WithPendingStore(pending), WithRequestIDs(sequentialIDs()))
	if _, err := first.Collect(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if id, _ := pending.PendingRequest(context.Background(), "acc-1"); id != "req-1" {
		t.Fatalf("persisted pending id = %q, want req-1", id)
	}

	slow.Store(false)
	second := NewCoordinator(store, session(), WithPendingStore(pending),
		WithRequestIDs(func() string { return "fresh" }))
	res, err := second.Collect(context.Background())
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if res.RequestID != "req-1" {
		t.Errorf("new session used request %s, want req-1", res.RequestID)
	}
	if id, _ := pending.PendingRequest(context.Background(), "acc-1"); id != "" {
		t.Errorf("pending id %q not cleared after success", id)
	}
}

func TestCoordinator_BadReceiptIsNotRetried(t *testing.T) {
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			return nil, fmt.Errorf("receipt mismatch: %w", repository.ErrUnverified)
		},
	}
	pending := memory.NewDeviceRepository()
	c := NewCoordinator(store, session(), WithPendingStore(pending), WithRequestIDs(sequentialIDs()))

	res, err := c.Collect(context.Background())
	if !errors.Is(err, repository.ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
	if res.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", res.Status)
	}
	if c.PendingRequestID() != "" {
		t.Error("unverified outcome should not keep the request id")
	}
	_, _ = c.Collect(context.Background())
	if ids := store.requestIDs(); len(ids) != 2 || ids[1] != "req-2" {
		t.Errorf("request ids = %v, want a fresh id on the second call", ids)
	}
}

func TestCoordinator_CallerCancelDoesNotAbortStoreCall(t *testing.T) {
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return credit(req, 3), nil
		},
	}
	c := NewCoordinator(store, session())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if res.Status != StatusCredited {
		t.Errorf("status = %s, want credited", res.Status)
	}
}

func TestCoordinator_Rejected(t *testing.T) {
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			return &domain.CollectOutcome{RequestID: req.RequestID, Message: repository.MessageDeviceMismatch}, nil
		},
	}
	c := NewCoordinator(store, session())

	res, err := c.Collect(context.Background())
	if !errors.Is(err, ErrCollectionRejected) {
		t.Fatalf("expected ErrCollectionRejected, got %v", err)
	}
	if res.Status != StatusRejected || res.Message != repository.MessageDeviceMismatch {
		t.Errorf("unexpected result: %+v", res)
	}
	if c.PendingRequestID() != "" {
		t.Error("rejected request id should not be reused")
	}
}

func TestCoordinator_UnknownAccountIsNotRetried(t *testing.T) {
	store := &scriptedStore{
		respond: func(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
			return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, req.AccountID)
		},
	}
	c := NewCoordinator(store, session())

	_, err := c.Collect(context.Background())
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if c.PendingRequestID() != "" {
		t.Error("definitive failure should not keep the request id")
	}
}

// ─── Against the in-memory store ────────────────────────────────────────────

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryStore(t *testing.T) (*memory.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore(repository.StoreConfig{
		Engine: accrual.NewEngine(accrual.WithVolatility(func() float64 { return 0 })),
		Now:    clock.Now,
	})
	ctx := context.Background()
	acc := domain.NewAccount("acc-1", decimal.Zero, time.Time{})
	acc.Balance = decimal.NewFromInt(100)
	if err := store.CreateAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}
	_ = store.SaveAsset(ctx, &domain.Asset{ID: "drill", Name: "Drill", Type: domain.AssetWorker, Price: decimal.NewFromInt(100), BaseRate: decimal.NewFromInt(100), Stock: 1})
	if _, err := store.PurchaseAsset(ctx, "acc-1", "drill"); err != nil {
		t.Fatal(err)
	}
	return store, clock
}

func TestCoordinator_CollectAndRefresh(t *testing.T) {
	store, clock := newMemoryStore(t)
	engine := accrual.NewEngine(accrual.WithVolatility(func() float64 { return 0 }))
	c := NewCoordinator(store, session(), WithEngine(engine))
	ctx := context.Background()

	if _, err := c.Estimate(clock.Now()); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded before Refresh, got %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	clock.Advance(10 * time.Hour)
	est, err := c.Estimate(clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !est.TotalEarned.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("estimate = %s, want 1000", est.TotalEarned)
	}

	res, err := c.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if res.Status != StatusCredited || !res.Credited.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected result: %+v", res)
	}

	snap, _ := c.Snapshot()
	if !snap.Account.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("cached balance = %s, want 1000", snap.Account.Balance)
	}
	est, _ = c.Estimate(clock.Now())
	if !est.TotalEarned.IsZero() {
		t.Errorf("estimate after collect = %s, want 0", est.TotalEarned)
	}

	res, err = c.Collect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusNothingToCollect || !res.Credited.IsZero() {
		t.Errorf("second collect = %+v, want nothing to collect", res)
	}
}

func TestCoordinator_ConcurrentSessionsCreditOnce(t *testing.T) {
	store, clock := newMemoryStore(t)
	clock.Advance(5 * time.Hour)

	var (
		wg       sync.WaitGroup
		credited atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewCoordinator(store, session())
			res, err := c.Collect(context.Background())
			if err != nil {
				t.Errorf("Collect() error: %v", err)
				return
			}
			if res.Status == StatusCredited {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := credited.Load(); n != 1 {
		t.Errorf("credited %d times, want 1", n)
	}
}

func TestCoordinator_DeviceMismatchAlertsButProceeds(t *testing.T) {
	store, clock := newMemoryStore(t)
	vclock := &testClock{now: clock.Now()}
	validator := fingerprint.NewValidator(memory.NewDeviceRepository(), nil, fingerprint.WithClock(vclock.Now))
	alerter := &recordingAlerter{}
	ctx := context.Background()

	home := NewCoordinator(store, session(), WithValidator(validator))
	clock.Advance(time.Hour)
	if _, err := home.Collect(ctx); err != nil {
		t.Fatal(err)
	}

	roaming := Session{AccountID: "acc-1", Fingerprint: fingerprint.Fingerprint{Hash: "device-b"}}
	c := NewCoordinator(store, roaming, WithValidator(validator), WithAlerter(alerter))
	for i := 0; i < 4; i++ {
		clock.Advance(time.Hour)
		vclock.Advance(time.Minute)
		res, err := c.Collect(ctx)
		if err != nil {
			t.Fatalf("collect %d: %v", i, err)
		}
		if res.Status != StatusCredited {
			t.Errorf("collect %d status = %s, want credited under flag policy", i, res.Status)
		}
	}

	if len(alerter.alerts) != 1 || alerter.alerts[0].MismatchCount != 4 {
		t.Errorf("alerts = %+v, want one alert at 4 mismatches", alerter.alerts)
	}
}

// ─── Meter ──────────────────────────────────────────────────────────────────

type stubEstimator struct {
	calls  atomic.Int32
	loaded bool
}

func (s *stubEstimator) Estimate(now time.Time) (accrual.Estimate, error) {
	s.calls.Add(1)
	if !s.loaded {
		return accrual.Estimate{}, ErrNotLoaded
	}
	return accrual.Estimate{TotalEarned: decimal.NewFromInt(int64(s.calls.Load()))}, nil
}

func TestMeter_Publishes(t *testing.T) {
	src := &stubEstimator{loaded: true}
	readings := make(chan accrual.Estimate, 16)
	m := NewMeter(src, 5*time.Millisecond, func(_ time.Time, e accrual.Estimate) {
		select {
		case readings <- e:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-readings:
		case <-time.After(time.Second):
			t.Fatal("meter did not publish")
		}
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run() error: %v", err)
	}
}

func TestMeter_SkipsUntilLoaded(t *testing.T) {
	src := &stubEstimator{}
	published := 0
	m := NewMeter(src, time.Millisecond, func(time.Time, accrual.Estimate) { published++ })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if published != 0 {
		t.Errorf("published %d readings without a snapshot", published)
	}
	if src.calls.Load() == 0 {
		t.Error("meter never ticked")
	}
}
