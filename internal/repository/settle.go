package repository

import (
	"time"

	"mining_economy/internal/accrual"
	"mining_economy/internal/domain"

	"github.com/google/uuid"
)

// StoreConfig is shared by the store implementations.
type StoreConfig struct {
	Engine *accrual.Engine
	Policy DevicePolicy
	Hook   CollectHook
	Now    func() time.Time
	NewID  func() string
}

func (c StoreConfig) WithDefaults() StoreConfig {
	if c.Engine == nil {
		c.Engine = accrual.NewEngine()
	}
	if c.Policy == "" {
		c.Policy = DevicePolicyFlag
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// Settlement is the result of evaluating one collect request against a
// locked snapshot. The caller persists Account when Dirty and Record when
// non-nil, in the same transaction it read the snapshot in.
type Settlement struct {
	Outcome  domain.CollectOutcome
	Account  domain.Account
	Record   *domain.CollectionRecord
	Dirty    bool
	Mismatch bool
	Rejected bool
}

// Settle recomputes earnings at now with a single engine evaluation and
// decides what to credit. It never looks at any client-side figure.
func Settle(cfg StoreConfig, snap *domain.AccountSnapshot, req domain.CollectRequest, now time.Time) Settlement {
	acc := snap.Account
	s := Settlement{
		Account: acc,
		Outcome: domain.CollectOutcome{
			RequestID:   req.RequestID,
			Balance:     acc.Balance,
			CollectedAt: now,
		},
	}

	if acc.Status == domain.AccountSuspended {
		s.Outcome.Message = MessageAccountSuspended
		s.Rejected = true
		return s
	}

	if req.DeviceFingerprint != "" {
		switch {
		case acc.RegisteredDeviceFingerprint == "":
			s.Account.RegisteredDeviceFingerprint = req.DeviceFingerprint
			s.Dirty = true
		case acc.RegisteredDeviceFingerprint != req.DeviceFingerprint:
			s.Mismatch = true
			if cfg.Policy == DevicePolicyReject {
				s.Rejected = true
				s.Outcome.Message = MessageDeviceMismatch
				return s
			}
		}
	}

	est := cfg.Engine.Estimate(accrual.InputFromSnapshot(snap, now))
	credit := est.Credit()
	s.Outcome.Success = true
	if credit.IsZero() {
		s.Outcome.Credited = credit
		s.Outcome.Message = MessageNothingToCollect
		return s
	}

	s.Account.Balance = acc.Balance.Add(credit)
	s.Account.LastCollectionAt = now
	s.Dirty = true
	s.Record = &domain.CollectionRecord{
		RequestID:         req.RequestID,
		AccountID:         acc.ID,
		Credited:          credit,
		BalanceAfter:      s.Account.Balance,
		WindowStart:       acc.LastCollectionAt,
		CollectedAt:       now,
		DeviceFingerprint: req.DeviceFingerprint,
	}
	s.Outcome.Credited = credit
	s.Outcome.Balance = s.Account.Balance
	return s
}

// Notify reports a settled collection to the hook, if any.
func (s Settlement) Notify(hook CollectHook) {
	if hook == nil {
		return
	}
	if s.Mismatch {
		hook.DeviceMismatch(s.Account.ID, s.Rejected)
	}
	if s.Record != nil {
		hook.Credited(s.Account.ID, s.Record.Credited)
	}
}
