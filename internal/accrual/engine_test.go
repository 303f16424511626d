package accrual

import (
	"testing"
	"time"

	"mining_economy/internal/domain"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func flatEngine() *Engine {
	return NewEngine(WithVolatility(func() float64 { return 0 }))
}

func worker(rate int64) domain.AssetHolding {
	return domain.AssetHolding{ID: "w", Type: domain.AssetWorker, BaseRate: decimal.NewFromInt(rate), Status: domain.HoldingActive}
}

func investor(monthly int64) domain.AssetHolding {
	return domain.AssetHolding{ID: "i", Type: domain.AssetInvestor, MonthlyRate: decimal.NewFromInt(monthly), Status: domain.HoldingActive}
}

func input(elapsed time.Duration, holdings ...domain.AssetHolding) Input {
	return Input{
		LastCollection: t0.Add(-elapsed),
		Now:            t0,
		RiskScore:      decimal.Zero,
		Holdings:       holdings,
		Economy:        domain.DefaultEconomy(),
	}
}

func TestEstimate_TenHoursSingleWorker(t *testing.T) {
	est := NewEngine().Estimate(input(10*time.Hour, worker(100)))

	low := decimal.NewFromInt(970)
	high := decimal.NewFromInt(1030)
	if est.TotalEarned.LessThan(low) || est.TotalEarned.GreaterThan(high) {
		t.Errorf("expected earnings within 1000 ±3%%, got %s", est.TotalEarned)
	}
	if est.IsPastWindow {
		t.Error("10h should not be past the window")
	}
}

func TestEstimate_WorkerCappedAtWindow(t *testing.T) {
	est := flatEngine().Estimate(input(30*time.Hour, worker(100)))

	if !est.WorkerEarned.Equal(decimal.NewFromInt(2400)) {
		t.Errorf("expected worker earnings capped at 2400, got %s", est.WorkerEarned)
	}
	if !est.IsPastWindow {
		t.Error("expected IsPastWindow after 30h")
	}
	if est.ProgressPercent != 100 {
		t.Errorf("expected progress 100, got %f", est.ProgressPercent)
	}
}

func TestEstimate_CapEqualsValueAtWindow(t *testing.T) {
	e := flatEngine()
	at24 := e.Estimate(input(24*time.Hour, worker(55)))
	at48 := e.Estimate(input(48*time.Hour, worker(55)))

	if !at24.WorkerEarned.Equal(at48.WorkerEarned) {
		t.Errorf("expected cap to hold: 24h=%s 48h=%s", at24.WorkerEarned, at48.WorkerEarned)
	}
	if at24.ProgressPercent != 100 {
		t.Errorf("expected progress 100 at exactly 24h, got %f", at24.ProgressPercent)
	}
}

func TestEstimate_WorkerMonotonicWithinWindow(t *testing.T) {
	e := flatEngine()
	prev := decimal.NewFromInt(-1)
	for h := 0; h <= 24; h++ {
		est := e.Estimate(input(time.Duration(h)*time.Hour, worker(10)))
		if !est.TotalEarned.GreaterThan(prev) {
			t.Fatalf("earnings not increasing at %dh: %s <= %s", h, est.TotalEarned, prev)
		}
		if est.ProgressPercent < 0 || est.ProgressPercent > 100 {
			t.Fatalf("progress out of range at %dh: %f", h, est.ProgressPercent)
		}
		if h < 24 && est.ProgressPercent >= 100 {
			t.Fatalf("progress reached 100 before the window closed at %dh", h)
		}
		prev = est.TotalEarned
	}
}

func TestEstimate_InvestorUncapped(t *testing.T) {
	e := flatEngine()
	// 7200 per month is 10 per hour.
	at30 := e.Estimate(input(30*time.Hour, investor(7200)))
	at60 := e.Estimate(input(60*time.Hour, investor(7200)))

	if !at30.InvestorEarned.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected 300 after 30h, got %s", at30.InvestorEarned)
	}
	if !at60.InvestorEarned.Equal(decimal.NewFromInt(600)) {
		t.Errorf("expected 600 after 60h, got %s", at60.InvestorEarned)
	}
	if at60.ProgressPercent != 100 {
		t.Errorf("expected progress clamped to 100, got %f", at60.ProgressPercent)
	}
}

func TestEstimate_MixedHoldings(t *testing.T) {
	est := flatEngine().Estimate(input(30*time.Hour, worker(100), investor(7200)))

	want := decimal.NewFromInt(2400 + 300)
	if !est.TotalEarned.Equal(want) {
		t.Errorf("expected %s, got %s", want, est.TotalEarned)
	}
	if !est.MaxEarnable.Equal(decimal.NewFromInt(2400 + 240)) {
		t.Errorf("unexpected max earnable %s", est.MaxEarnable)
	}
}

func TestEstimate_NoHoldings(t *testing.T) {
	est := NewEngine().Estimate(input(5 * time.Hour))

	if !est.TotalEarned.IsZero() {
		t.Errorf("expected zero earnings, got %s", est.TotalEarned)
	}
	if est.ProgressPercent != 0 {
		t.Errorf("expected zero progress, got %f", est.ProgressPercent)
	}
}

func TestEstimate_FutureLastCollection(t *testing.T) {
	est := NewEngine().Estimate(input(-2*time.Hour, worker(100), investor(7200)))

	if !est.TotalEarned.IsZero() {
		t.Errorf("expected zero earnings for clock skew, got %s", est.TotalEarned)
	}
	if est.ElapsedHours != 0 {
		t.Errorf("expected elapsed clamped to 0, got %f", est.ElapsedHours)
	}
	if !est.Credit().IsZero() {
		t.Errorf("expected zero credit, got %s", est.Credit())
	}
}

func TestEstimate_ExpiredHoldingIgnored(t *testing.T) {
	h := worker(100)
	h.Status = domain.HoldingExpired
	h.ExpiredAt = t0.Add(-12 * time.Hour)

	est := flatEngine().Estimate(input(10*time.Hour, h))
	if !est.TotalEarned.IsZero() {
		t.Errorf("expected expired holding to earn nothing, got %s", est.TotalEarned)
	}
}

func TestEstimate_HoldingLifetime(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		holding  func() domain.AssetHolding
		want     int64
		wantMax  int64
		wantFull bool
	}{
		{
			name:    "bought mid-window",
			elapsed: 23 * time.Hour,
			holding: func() domain.AssetHolding {
				h := worker(100)
				h.PurchasedAt = t0.Add(-2 * time.Hour)
				return h
			},
			want:    200,
			wantMax: 300,
		},
		{
			name:    "bought mid-window past cap",
			elapsed: 30 * time.Hour,
			holding: func() domain.AssetHolding {
				h := worker(100)
				h.PurchasedAt = t0.Add(-10 * time.Hour)
				return h
			},
			want:     400,
			wantMax:  400,
			wantFull: true,
		},
		{
			name:    "expired mid-window",
			elapsed: 10 * time.Hour,
			holding: func() domain.AssetHolding {
				h := worker(100)
				h.PurchasedAt = t0.Add(-40 * time.Hour)
				h.Expire(36 * time.Hour)
				return h
			},
			want:    600,
			wantMax: 600,
		},
		{
			name:    "investor bought mid-window",
			elapsed: 48 * time.Hour,
			holding: func() domain.AssetHolding {
				h := investor(7200)
				h.PurchasedAt = t0.Add(-30 * time.Hour)
				return h
			},
			want:    300,
			wantMax: 60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := flatEngine().Estimate(input(tt.elapsed, tt.holding()))

			if !est.TotalEarned.Equal(decimal.NewFromInt(tt.want)) {
				t.Errorf("earned = %s, want %d", est.TotalEarned, tt.want)
			}
			if !est.MaxEarnable.Equal(decimal.NewFromInt(tt.wantMax)) {
				t.Errorf("max earnable = %s, want %d", est.MaxEarnable, tt.wantMax)
			}
			if tt.wantFull && est.ProgressPercent != 100 {
				t.Errorf("progress = %f, want 100", est.ProgressPercent)
			}
		})
	}
}

func TestEstimate_Multipliers(t *testing.T) {
	in := input(10*time.Hour, worker(100))
	in.RiskScore = decimal.NewFromInt(5)
	in.Economy.MarketDemandIndex = decimal.NewFromFloat(1.5)
	in.Economy.SeasonModifier = decimal.NewFromInt(2)

	est := flatEngine().Estimate(in)

	// 10h × 100 × 1.10 × 1.5 × 2
	if !est.TotalEarned.Equal(decimal.NewFromInt(3300)) {
		t.Errorf("expected 3300, got %s", est.TotalEarned)
	}
}

func TestEstimate_VolatilityClamped(t *testing.T) {
	e := NewEngine(WithVolatility(func() float64 { return 0.5 }))
	est := e.Estimate(input(10*time.Hour, worker(100)))

	if !est.TotalEarned.Equal(decimal.NewFromInt(1030)) {
		t.Errorf("expected volatility clamped to +3%%, got %s", est.TotalEarned)
	}
}

func TestWithSeed_Reproducible(t *testing.T) {
	a := NewEngine(WithSeed(42)).Estimate(input(10*time.Hour, worker(100)))
	b := NewEngine(WithSeed(42)).Estimate(input(10*time.Hour, worker(100)))

	if !a.TotalEarned.Equal(b.TotalEarned) {
		t.Errorf("same seed gave %s and %s", a.TotalEarned, b.TotalEarned)
	}
}

func TestCredit_Rounded(t *testing.T) {
	est := Estimate{TotalEarned: decimal.RequireFromString("1.123456789123")}
	if got := est.Credit().String(); got != "1.12345679" {
		t.Errorf("expected 1.12345679, got %s", got)
	}
}
