// Package fingerprint derives a stable device identity and aggregates
// device mismatch events into a suspicion signal.
package fingerprint

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ErrUnsupported reports that the configured digest is not linked into the
// binary. Generate falls back to a weak hash instead of returning it.
var ErrUnsupported = errors.New("fingerprint digest unsupported")

// Fingerprint is a device hash. Weak marks a non-cryptographic fallback.
type Fingerprint struct {
	Hash string `json:"hash"`
	Weak bool   `json:"weak,omitempty"`
}

type Generator struct {
	digest crypto.Hash
	logger *slog.Logger
}

func NewGenerator(logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{digest: crypto.SHA256, logger: logger}
}

// WithDigest returns a copy of g hashing with h.
func (g *Generator) WithDigest(h crypto.Hash) *Generator {
	cp := *g
	cp.digest = h
	return &cp
}

// Generate collects signals from src and hashes them. The caller owns the
// result for the rest of its session.
func (g *Generator) Generate(ctx context.Context, src Source) (Fingerprint, error) {
	signals, err := src.Collect(ctx)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to collect signals: %w", err)
	}
	return g.Hash(signals)
}

// Hash serializes signals in field order and digests them.
func (g *Generator) Hash(signals Signals) (Fingerprint, error) {
	payload, err := json.Marshal(signals)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to encode signals: %w", err)
	}

	sum, err := g.sum(payload)
	if err != nil {
		g.logger.Warn("Falling back to weak fingerprint hash",
			slog.String("digest", g.digest.String()),
			slog.String("error", err.Error()))
		return Fingerprint{Hash: weakHash(payload), Weak: true}, nil
	}
	return Fingerprint{Hash: sum}, nil
}

func (g *Generator) sum(payload []byte) (string, error) {
	if !g.digest.Available() {
		return "", ErrUnsupported
	}
	h := g.digest.New()
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func weakHash(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}
