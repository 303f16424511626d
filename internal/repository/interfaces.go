package repository

import (
	"context"
	"errors"
	"time"

	"mining_economy/internal/domain"

	"github.com/shopspring/decimal"
)

// SnapshotReader serves the non-authoritative read used for the live
// estimate.
type SnapshotReader interface {
	Snapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error)
}

// EarningsCollector is the authoritative collect_earnings operation. An
// implementation recomputes earnings on its own clock, credits the balance
// and resets LastCollectionAt as one atomic unit, serialized per account.
// Internal failures must be returned as errors with nothing applied.
type EarningsCollector interface {
	CollectEarnings(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error)
}

// Store is what a collection session needs from the backing store.
type Store interface {
	SnapshotReader
	EarningsCollector
}

// AdminStore holds the administrative writes that feed the engine.
type AdminStore interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	SaveAsset(ctx context.Context, asset *domain.Asset) error
	ListAssets(ctx context.Context) ([]domain.Asset, error)
	PurchaseAsset(ctx context.Context, accountID, assetID string) (*domain.AssetHolding, error)
	Economy(ctx context.Context) (domain.EconomyState, error)
	UpdateEconomy(ctx context.Context, state domain.EconomyState) error
	ExpireHoldings(ctx context.Context, lifetime time.Duration, now time.Time) (int, error)
}

// DeviceRepository is the local per-device state: one fingerprint per
// account and an append-only security event log.
type DeviceRepository interface {
	GetDevice(ctx context.Context, accountID string) (*domain.DeviceRecord, error)
	SaveDevice(ctx context.Context, record *domain.DeviceRecord) error
	AppendEvent(ctx context.Context, event *domain.SecurityEvent) error
	EventsSince(ctx context.Context, accountID string, since time.Time) ([]domain.SecurityEvent, error)
	Clear(ctx context.Context, accountID string) error
}

// DevicePolicy decides what the store does when the fingerprint sent with a
// collect request differs from the one registered on the account.
type DevicePolicy string

const (
	DevicePolicyFlag   DevicePolicy = "flag"
	DevicePolicyReject DevicePolicy = "reject"
)

// MessageDeviceMismatch and MessageNothingToCollect are the outcome messages
// the stores report.
const (
	MessageDeviceMismatch   = "device mismatch"
	MessageNothingToCollect = "nothing to collect"
	MessageAccountSuspended = "account suspended"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate entry")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutOfStock        = errors.New("asset out of stock")
	ErrAccountSuspended  = errors.New("account suspended")
	ErrUnverified        = errors.New("store outcome failed verification")
)

// CollectHook observes authoritative collect decisions; stores call it
// after the transaction has settled.
type CollectHook interface {
	DeviceMismatch(accountID string, rejected bool)
	Credited(accountID string, amount decimal.Decimal)
}
