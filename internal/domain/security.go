package domain

import "time"

type SecurityEventKind string

const (
	EventDeviceMismatch SecurityEventKind = "device_mismatch"
)

// SecurityEvent is one entry of the append-only per-device log.
type SecurityEvent struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         SecurityEventKind `json:"kind"`
	AccountID    string            `json:"account_id"`
	ObservedHash string            `json:"observed_hash"`
	ExpectedHash string            `json:"expected_hash"`
}

// DeviceRecord is the locally persisted fingerprint of an account.
type DeviceRecord struct {
	AccountID    string    `json:"account_id"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registered_at"`
}
