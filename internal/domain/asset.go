package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AssetType string

const (
	AssetWorker   AssetType = "worker"
	AssetInvestor AssetType = "investor"
)

func (t AssetType) Valid() bool {
	return t == AssetWorker || t == AssetInvestor
}

type HoldingStatus string

const (
	HoldingActive  HoldingStatus = "active"
	HoldingExpired HoldingStatus = "expired"
)

// Asset is a catalog entry that can be bought.
type Asset struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        AssetType       `json:"type"`
	Price       decimal.Decimal `json:"price"`
	BaseRate    decimal.Decimal `json:"base_rate,omitempty"`
	MonthlyRate decimal.Decimal `json:"monthly_rate,omitempty"`
	Stock       int             `json:"stock"`
}

// AssetHolding is one purchased asset. Worker holdings carry an hourly
// BaseRate, investor holdings a MonthlyRate. ExpiredAt is set once the
// holding has expired and marks the end of its earning life.
type AssetHolding struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	AssetID     string          `json:"asset_id"`
	Type        AssetType       `json:"type"`
	BaseRate    decimal.Decimal `json:"base_rate"`
	MonthlyRate decimal.Decimal `json:"monthly_rate"`
	Status      HoldingStatus   `json:"status"`
	PurchasedAt time.Time       `json:"purchased_at"`
	ExpiredAt   time.Time       `json:"expired_at"`
}

func (h AssetHolding) Active() bool {
	return h.Status == HoldingActive
}

// EarnsAfter reports whether the holding has any earning time after t:
// it is active, or it expired after t and has not been collected since.
func (h AssetHolding) EarnsAfter(t time.Time) bool {
	return h.Active() || h.ExpiredAt.After(t)
}

// EarningInterval clips [from, to] to the holding's life.
func (h AssetHolding) EarningInterval(from, to time.Time) (time.Time, time.Time) {
	if h.PurchasedAt.After(from) {
		from = h.PurchasedAt
	}
	if !h.Active() && !h.ExpiredAt.IsZero() && h.ExpiredAt.Before(to) {
		to = h.ExpiredAt
	}
	return from, to
}

// Expire marks the holding expired at the end of its lifetime.
func (h *AssetHolding) Expire(lifetime time.Duration) {
	h.Status = HoldingExpired
	h.ExpiredAt = h.PurchasedAt.Add(lifetime)
}

// HoldingFromAsset builds a fresh active holding for a purchase.
func HoldingFromAsset(id, accountID string, a Asset, now time.Time) AssetHolding {
	return AssetHolding{
		ID:          id,
		AccountID:   accountID,
		AssetID:     a.ID,
		Type:        a.Type,
		BaseRate:    a.BaseRate,
		MonthlyRate: a.MonthlyRate,
		Status:      HoldingActive,
		PurchasedAt: now,
	}
}

// WorkerRate sums the hourly base rates of active worker holdings.
func WorkerRate(holdings []AssetHolding) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		if h.Active() && h.Type == AssetWorker {
			total = total.Add(h.BaseRate)
		}
	}
	return total
}
