package crypto

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSigner_Receipt(t *testing.T) {
	s := NewSigner("test-secret", nil)
	r := Receipt{
		RequestID:   "req-1",
		AccountID:   "acc-1",
		Success:     true,
		Credited:    decimal.RequireFromString("1000.12345678"),
		Balance:     decimal.RequireFromString("2000.12345678"),
		CollectedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	sig := s.SignReceipt(r)
	if ok, err := s.VerifyReceipt(r, sig); !ok || err != nil {
		t.Fatalf("VerifyReceipt() = %v, %v", ok, err)
	}

	tampered := r
	tampered.Credited = decimal.RequireFromString("9000")
	if ok, err := s.VerifyReceipt(tampered, sig); ok || !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered receipt verified: %v, %v", ok, err)
	}

	other := NewSigner("other-secret", nil)
	if ok, _ := other.VerifyReceipt(r, sig); ok {
		t.Error("receipt verified with the wrong key")
	}
}

func TestSigner_ReceiptIgnoresSubMillisecond(t *testing.T) {
	s := NewSigner("k", nil)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Receipt{RequestID: "r", AccountID: "a", CollectedAt: at}

	sig := s.SignReceipt(r)
	r.CollectedAt = at.Add(300 * time.Microsecond)
	if ok, _ := s.VerifyReceipt(r, sig); !ok {
		t.Error("receipt should survive millisecond truncation in transport")
	}
}
