package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Account is the per-player economic record. Balance and LastCollectionAt
// are only changed by the store's collect operation; WorkerRate is
// maintained by asset purchase and expiry.
type Account struct {
	ID                          string          `json:"id"`
	Balance                     decimal.Decimal `json:"balance"`
	LastCollectionAt            time.Time       `json:"last_collection_at"`
	WorkerRate                  decimal.Decimal `json:"worker_rate"`
	RiskScore                   decimal.Decimal `json:"risk_score"`
	RegisteredDeviceFingerprint string          `json:"registered_device_fingerprint,omitempty"`
	Status                      AccountStatus   `json:"status"`
	CreatedAt                   time.Time       `json:"created_at"`
}

// AccountSnapshot is everything the estimator needs for one account, read
// in a single store call.
type AccountSnapshot struct {
	Account  Account        `json:"account"`
	Holdings []AssetHolding `json:"holdings"`
	Economy  EconomyState   `json:"economy"`
	ReadAt   time.Time      `json:"read_at"`
}

func NewAccount(id string, riskScore decimal.Decimal, now time.Time) *Account {
	return &Account{
		ID:               id,
		Balance:          decimal.Zero,
		LastCollectionAt: now,
		WorkerRate:       decimal.Zero,
		RiskScore:        riskScore,
		Status:           AccountActive,
		CreatedAt:        now,
	}
}
