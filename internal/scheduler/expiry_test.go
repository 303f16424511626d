package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeExpirer struct {
	mu       sync.Mutex
	calls    int
	lifetime time.Duration
	result   int
	err      error
}

func (f *fakeExpirer) ExpireHoldings(ctx context.Context, lifetime time.Duration, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lifetime = lifetime
	return f.result, f.err
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingRecorder struct {
	mu      sync.Mutex
	expired int
}

func (r *countingRecorder) RecordExpired(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired += n
}

func TestExpirySweeper_Sweep(t *testing.T) {
	store := &fakeExpirer{result: 3}
	rec := &countingRecorder{}
	s := NewExpirySweeper(store, 720*time.Hour, rec, nil)

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 3 || rec.expired != 3 {
		t.Errorf("expired = %d recorded = %d, want 3", n, rec.expired)
	}
	if store.lifetime != 720*time.Hour {
		t.Errorf("lifetime = %s, want 720h", store.lifetime)
	}
}

func TestExpirySweeper_SweepError(t *testing.T) {
	store := &fakeExpirer{err: errors.New("db locked")}
	rec := &countingRecorder{}
	s := NewExpirySweeper(store, time.Hour, rec, nil)

	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if rec.expired != 0 {
		t.Errorf("recorded %d on failure", rec.expired)
	}
}

func TestExpirySweeper_Schedule(t *testing.T) {
	store := &fakeExpirer{}
	s := NewExpirySweeper(store, time.Hour, nil, nil)

	if err := s.Start("@every 1s"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for store.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if store.callCount() == 0 {
		t.Error("sweep never ran")
	}
}

func TestExpirySweeper_InvalidSpec(t *testing.T) {
	s := NewExpirySweeper(&fakeExpirer{}, time.Hour, nil, nil)
	if err := s.Start("every now and then"); err == nil {
		t.Error("expected error for invalid spec")
	}
}
