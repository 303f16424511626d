package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidSignature = errors.New("invalid signature")

type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	signature := mac.Sum(nil)
	return hex.EncodeToString(signature)
}

func (s *Signer) Verify(data []byte, signature string) (bool, error) {
	expectedSignature := s.Sign(data)

	if !hmac.Equal([]byte(expectedSignature), []byte(signature)) {
		s.logger.Warn("Signature verification failed",
			slog.Int("received_length", len(signature)))
		return false, ErrInvalidSignature
	}

	return true, nil
}

// Receipt is the signed part of a collection outcome.
type Receipt struct {
	RequestID   string
	AccountID   string
	Success     bool
	Credited    decimal.Decimal
	Balance     decimal.Decimal
	CollectedAt time.Time
}

func (r Receipt) payload() []byte {
	return []byte(fmt.Sprintf("%s:%s:%t:%s:%s:%d",
		r.RequestID, r.AccountID, r.Success,
		r.Credited.String(), r.Balance.String(), r.CollectedAt.UnixMilli()))
}

func (s *Signer) SignReceipt(r Receipt) string {
	return s.Sign(r.payload())
}

func (s *Signer) VerifyReceipt(r Receipt, signature string) (bool, error) {
	return s.Verify(r.payload(), signature)
}
