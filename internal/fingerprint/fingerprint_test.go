package fingerprint

import (
	"context"
	"crypto"
	"errors"
	"sync"
	"testing"
	"time"

	"mining_economy/internal/repository/memory"
)

func testSignals() Signals {
	return Signals{
		Screen:   ScreenSignal{Width: 1920, Height: 1080, ColorDepth: 24},
		Browser:  BrowserSignal{UserAgent: "Mozilla/5.0", Platform: "Linux x86_64", Language: "en-US", HardwareConcurrency: 8},
		Timezone: "Europe/Berlin",
		Canvas:   "data:image/png;base64,AAAA",
		WebGL:    WebGLSignal{Vendor: "Mesa", Renderer: "llvmpipe"},
		Audio:    "124.04347527516074",
	}
}

type failingSource struct{}

func (failingSource) Collect(ctx context.Context) (Signals, error) {
	return Signals{}, errors.New("no canvas")
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mismatches int
	suspicious int
}

func (o *recordingObserver) ObserveMismatch(accountID string) { o.mismatches++ }

func (o *recordingObserver) ObserveSuspicion(accountID string, mismatchCount, riskScore int, suspicious bool) {
	if suspicious {
		o.suspicious++
	}
}

// ─── Generator ──────────────────────────────────────────────────────────────

func TestGenerator_StableHash(t *testing.T) {
	g := NewGenerator(nil)
	ctx := context.Background()

	first, err := g.Generate(ctx, testSignals())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	second, _ := g.Generate(ctx, testSignals())

	if first.Hash != second.Hash {
		t.Errorf("hash not stable: %s != %s", first.Hash, second.Hash)
	}
	if first.Weak {
		t.Error("sha256 fingerprint should not be weak")
	}
	if len(first.Hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(first.Hash))
	}
}

func TestGenerator_SignalChangesHash(t *testing.T) {
	g := NewGenerator(nil)
	base, _ := g.Hash(testSignals())

	changes := map[string]func(*Signals){
		"screen":   func(s *Signals) { s.Screen.Width = 1280 },
		"language": func(s *Signals) { s.Browser.Language = "de-DE" },
		"timezone": func(s *Signals) { s.Timezone = "UTC" },
		"canvas":   func(s *Signals) { s.Canvas = "other" },
		"webgl":    func(s *Signals) { s.WebGL.Renderer = "ANGLE" },
		"audio":    func(s *Signals) { s.Audio = "35.7" },
	}
	for name, change := range changes {
		t.Run(name, func(t *testing.T) {
			s := testSignals()
			change(&s)
			fp, _ := g.Hash(s)
			if fp.Hash == base.Hash {
				t.Errorf("changing %s did not change the hash", name)
			}
		})
	}
}

func TestGenerator_WeakFallback(t *testing.T) {
	g := NewGenerator(nil).WithDigest(crypto.Hash(0))

	fp, err := g.Hash(testSignals())
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if !fp.Weak || fp.Hash == "" {
		t.Errorf("expected weak fallback hash, got %+v", fp)
	}
	again, _ := g.Hash(testSignals())
	if again.Hash != fp.Hash {
		t.Error("weak hash not stable")
	}
}

func TestGenerator_SourceError(t *testing.T) {
	_, err := NewGenerator(nil).Generate(context.Background(), failingSource{})
	if err == nil {
		t.Fatal("expected error from failing source")
	}
}

func TestHostSource(t *testing.T) {
	env := map[string]string{"COLUMNS": "120", "LINES": "40", "TERM": "xterm-256color", "LANG": "en_US.UTF-8"}
	src := &HostSource{Version: "test", Getenv: func(k string) string { return env[k] }}

	s, err := src.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if s.Screen.Width != 120 || s.Screen.Height != 40 || s.Screen.ColorDepth != 8 {
		t.Errorf("unexpected screen signal: %+v", s.Screen)
	}
	if s.Browser.Language != "en_US.UTF-8" || s.Browser.HardwareConcurrency < 1 {
		t.Errorf("unexpected browser signal: %+v", s.Browser)
	}
}

// ─── Validator ──────────────────────────────────────────────────────────────

func newTestValidator(t *testing.T) (*Validator, *fakeClock, *recordingObserver) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	obs := &recordingObserver{}
	v := NewValidator(memory.NewDeviceRepository(), nil, WithClock(clock.Now), WithObserver(obs))
	return v, clock, obs
}

func TestValidator_FirstUseThenSame(t *testing.T) {
	v, _, _ := newTestValidator(t)
	ctx := context.Background()

	first, err := v.Validate(ctx, "acc-1", "hash-a")
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !first.IsValid || !first.IsNewDevice {
		t.Errorf("first use = %+v, want valid new device", first)
	}

	second, _ := v.Validate(ctx, "acc-1", "hash-a")
	if !second.IsValid || second.IsNewDevice {
		t.Errorf("second use = %+v, want valid known device", second)
	}

	rec, err := v.Device(ctx, "acc-1")
	if err != nil || rec == nil || rec.Fingerprint != "hash-a" {
		t.Errorf("Device() = %+v, %v", rec, err)
	}
}

func TestValidator_MismatchRecorded(t *testing.T) {
	v, _, obs := newTestValidator(t)
	ctx := context.Background()
	_, _ = v.Validate(ctx, "acc-1", "hash-a")

	res, err := v.Validate(ctx, "acc-1", "hash-b")
	if err != nil {
		t.Fatal(err)
	}
	if res.IsValid || res.IsNewDevice {
		t.Errorf("mismatch = %+v, want invalid", res)
	}
	if obs.mismatches != 1 {
		t.Errorf("observer mismatches = %d, want 1", obs.mismatches)
	}

	s, _ := v.CheckSuspicious(ctx, "acc-1")
	if s.MismatchCount != 1 || s.IsSuspicious {
		t.Errorf("suspicion = %+v, want 1 mismatch, not suspicious", s)
	}
	ev := s.RecentEvents[0]
	if ev.ObservedHash != "hash-b" || ev.ExpectedHash != "hash-a" {
		t.Errorf("unexpected event: %+v", ev)
	}

	// The record on file is never replaced by a mismatch.
	again, _ := v.Validate(ctx, "acc-1", "hash-a")
	if !again.IsValid {
		t.Error("original device should still validate")
	}
}

func TestValidator_SuspicionWindow(t *testing.T) {
	v, clock, obs := newTestValidator(t)
	ctx := context.Background()
	_, _ = v.Validate(ctx, "acc-1", "home")

	// One old mismatch falls out of the window.
	_, _ = v.Validate(ctx, "acc-1", "old")
	clock.Advance(20 * time.Minute)

	for i := 0; i < 3; i++ {
		_, _ = v.Validate(ctx, "acc-1", "roaming")
		clock.Advance(time.Minute)
	}
	s, _ := v.CheckSuspicious(ctx, "acc-1")
	if s.IsSuspicious || s.MismatchCount != 3 {
		t.Errorf("3 mismatches = %+v, want not suspicious", s)
	}

	_, _ = v.Validate(ctx, "acc-1", "roaming")
	s, _ = v.CheckSuspicious(ctx, "acc-1")
	if !s.IsSuspicious || s.MismatchCount != 4 {
		t.Errorf("4 mismatches = %+v, want suspicious", s)
	}
	if s.Window != DefaultSuspicionWindow || s.Threshold != DefaultSuspicionThreshold {
		t.Errorf("verdict settings = %s/%d, want defaults", s.Window, s.Threshold)
	}
	if obs.suspicious != 1 {
		t.Errorf("observer suspicious verdicts = %d, want 1", obs.suspicious)
	}

	clock.Advance(15 * time.Minute)
	s, _ = v.CheckSuspicious(ctx, "acc-1")
	if s.IsSuspicious || s.MismatchCount != 0 {
		t.Errorf("after window = %+v, want clean", s)
	}
}

func TestValidator_Clear(t *testing.T) {
	v, _, _ := newTestValidator(t)
	ctx := context.Background()
	_, _ = v.Validate(ctx, "acc-1", "hash-a")
	_, _ = v.Validate(ctx, "acc-1", "hash-b")

	if err := v.Clear(ctx, "acc-1"); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}

	rec, _ := v.Device(ctx, "acc-1")
	if rec != nil {
		t.Errorf("device still on record: %+v", rec)
	}
	res, _ := v.Validate(ctx, "acc-1", "hash-b")
	if !res.IsNewDevice {
		t.Error("expected new device after Clear")
	}
}
