package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CollectRequest is the payload of the authoritative collect_earnings call.
type CollectRequest struct {
	RequestID         string `json:"request_id"`
	AccountID         string `json:"account_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// CollectOutcome is what the store reports back. Success with a zero
// Credited means there was nothing to collect and nothing was changed.
type CollectOutcome struct {
	RequestID   string          `json:"request_id"`
	Success     bool            `json:"success"`
	Credited    decimal.Decimal `json:"credited"`
	Balance     decimal.Decimal `json:"balance"`
	CollectedAt time.Time       `json:"collected_at"`
	Message     string          `json:"message,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
	Signature   string          `json:"signature,omitempty"`
}

// CollectionRecord is stored for every credited collection, keyed by
// request id so a replayed request returns the original outcome.
type CollectionRecord struct {
	RequestID         string          `json:"request_id"`
	AccountID         string          `json:"account_id"`
	Credited          decimal.Decimal `json:"credited"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	WindowStart       time.Time       `json:"window_start"`
	CollectedAt       time.Time       `json:"collected_at"`
	DeviceFingerprint string          `json:"device_fingerprint"`
}

func (r CollectionRecord) Outcome(replayed bool) CollectOutcome {
	return CollectOutcome{
		RequestID:   r.RequestID,
		Success:     true,
		Credited:    r.Credited,
		Balance:     r.BalanceAfter,
		CollectedAt: r.CollectedAt,
		Replayed:    replayed,
	}
}
