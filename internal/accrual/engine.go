// Package accrual computes how much currency an account has earned since
// its last collection. The same Engine backs the live client estimate and
// the store's authoritative recompute; only the store's figure is ever
// credited.
package accrual

import (
	"math/rand/v2"
	"sync"
	"time"

	"mining_economy/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// WindowHours caps worker accrual; investor holdings are uncapped.
	WindowHours = 24
	// HoursPerMonth converts an investor monthly rate to an hourly one.
	HoursPerMonth = 720
	// RiskBonusPerPoint is the rate bonus per point of account risk score.
	RiskBonusPerPoint = 0.02
	// VolatilityBand bounds the per-read random rate swing to ±3%.
	VolatilityBand = 0.03
	// CreditPrecision is the number of decimal places credited.
	CreditPrecision = 8
)

var (
	hundred      = decimal.NewFromInt(100)
	windowHours  = decimal.NewFromInt(WindowHours)
	hoursInMonth = decimal.NewFromInt(HoursPerMonth)
	riskBonus    = decimal.NewFromFloat(RiskBonusPerPoint)
	microsInHour = decimal.NewFromInt(int64(time.Hour / time.Microsecond))
)

type Input struct {
	LastCollection time.Time
	Now            time.Time
	RiskScore      decimal.Decimal
	Holdings       []domain.AssetHolding
	Economy        domain.EconomyState
}

// InputFromSnapshot builds an Input evaluated at now.
func InputFromSnapshot(s *domain.AccountSnapshot, now time.Time) Input {
	return Input{
		LastCollection: s.Account.LastCollectionAt,
		Now:            now,
		RiskScore:      s.Account.RiskScore,
		Holdings:       s.Holdings,
		Economy:        s.Economy,
	}
}

type Estimate struct {
	TotalEarned     decimal.Decimal `json:"total_earned"`
	WorkerEarned    decimal.Decimal `json:"worker_earned"`
	InvestorEarned  decimal.Decimal `json:"investor_earned"`
	MaxEarnable     decimal.Decimal `json:"max_earnable"`
	ProgressPercent float64         `json:"progress_percent"`
	ElapsedHours    float64         `json:"elapsed_hours"`
	IsPastWindow    bool            `json:"is_past_window"`
}

// Credit is the amount a collection of this estimate would credit.
func (e Estimate) Credit() decimal.Decimal {
	if !e.TotalEarned.IsPositive() {
		return decimal.Zero
	}
	return e.TotalEarned.Round(CreditPrecision)
}

type Engine struct {
	mu         sync.Mutex
	volatility func() float64
}

type Option func(*Engine)

// WithVolatility replaces the random draw. The function must return a
// value in [-VolatilityBand, VolatilityBand]; values outside are clamped.
func WithVolatility(fn func() float64) Option {
	return func(e *Engine) { e.volatility = fn }
}

// WithSeed makes the volatility sequence reproducible.
func WithSeed(seed uint64) Option {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return WithVolatility(func() float64 {
		return r.Float64()*2*VolatilityBand - VolatilityBand
	})
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		volatility: func() float64 {
			return rand.Float64()*2*VolatilityBand - VolatilityBand
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BaseHourlyRate is the holding's hourly rate before any multiplier.
func BaseHourlyRate(h domain.AssetHolding) decimal.Decimal {
	if h.Type == domain.AssetInvestor {
		return h.MonthlyRate.Div(hoursInMonth)
	}
	return h.BaseRate
}

// SteadyRate applies risk, market demand and season, but no volatility.
func SteadyRate(h domain.AssetHolding, risk decimal.Decimal, econ domain.EconomyState) decimal.Decimal {
	riskFactor := decimal.NewFromInt(1).Add(risk.Mul(riskBonus))
	return BaseHourlyRate(h).
		Mul(riskFactor).
		Mul(econ.MarketDemandIndex).
		Mul(econ.SeasonModifier)
}

func (e *Engine) drawVolatility() decimal.Decimal {
	e.mu.Lock()
	v := e.volatility()
	e.mu.Unlock()
	if v > VolatilityBand {
		v = VolatilityBand
	} else if v < -VolatilityBand {
		v = -VolatilityBand
	}
	return decimal.NewFromFloat(v)
}

// DynamicRate is SteadyRate with a fresh volatility draw.
func (e *Engine) DynamicRate(h domain.AssetHolding, risk decimal.Decimal, econ domain.EconomyState) decimal.Decimal {
	return SteadyRate(h, risk, econ).Mul(decimal.NewFromInt(1).Add(e.drawVolatility()))
}

// ElapsedHours returns the hours between last and now, never negative.
func ElapsedHours(last, now time.Time) decimal.Decimal {
	d := now.Sub(last)
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(d.Microseconds()).Div(microsInHour)
}

// Estimate computes earnings for in. Every call draws new volatility, so two
// calls over the same interval may differ slightly. Each holding earns only
// for the part of the interval it was owned: from purchase, or the last
// collection if later, up to now or its expiry.
func (e *Engine) Estimate(in Input) Estimate {
	elapsed := ElapsedHours(in.LastCollection, in.Now)
	windowEnd := in.LastCollection.Add(WindowHours * time.Hour)

	est := Estimate{
		TotalEarned:    decimal.Zero,
		WorkerEarned:   decimal.Zero,
		InvestorEarned: decimal.Zero,
		MaxEarnable:    decimal.Zero,
		ElapsedHours:   elapsed.InexactFloat64(),
		IsPastWindow:   elapsed.GreaterThan(windowHours),
	}

	for _, h := range in.Holdings {
		if !h.EarnsAfter(in.LastCollection) {
			continue
		}
		from, to := h.EarningInterval(in.LastCollection, in.Now)
		rate := e.DynamicRate(h, in.RiskScore, in.Economy)
		switch h.Type {
		case domain.AssetWorker:
			if to.After(windowEnd) {
				to = windowEnd
			}
			est.WorkerEarned = est.WorkerEarned.Add(ElapsedHours(from, to).Mul(rate))
		case domain.AssetInvestor:
			est.InvestorEarned = est.InvestorEarned.Add(ElapsedHours(from, to).Mul(rate))
		default:
			continue
		}
		_, lifeEnd := h.EarningInterval(in.LastCollection, windowEnd)
		est.MaxEarnable = est.MaxEarnable.Add(ElapsedHours(from, lifeEnd).Mul(rate))
	}

	est.TotalEarned = est.WorkerEarned.Add(est.InvestorEarned)
	est.ProgressPercent = progress(est.TotalEarned, est.MaxEarnable)
	return est
}

func progress(total, max decimal.Decimal) float64 {
	if !max.IsPositive() || !total.IsPositive() {
		return 0
	}
	pct := total.Div(max).Mul(hundred)
	if pct.GreaterThan(hundred) {
		return 100
	}
	return pct.InexactFloat64()
}
