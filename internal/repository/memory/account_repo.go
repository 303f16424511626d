package memory

import (
	"context"
	"fmt"
	"sync"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"
)

// Store keeps accounts, holdings, the asset catalog and the economy state in
// process memory. A single mutex serializes writers, which also serializes
// collections per account.
type Store struct {
	mu          sync.RWMutex
	cfg         repository.StoreConfig
	accounts    map[string]*domain.Account
	holdings    map[string][]domain.AssetHolding
	assets      map[string]*domain.Asset
	economy     domain.EconomyState
	collections map[string]domain.CollectionRecord
}

func NewStore(cfg repository.StoreConfig) *Store {
	return &Store{
		cfg:         cfg.WithDefaults(),
		accounts:    make(map[string]*domain.Account),
		holdings:    make(map[string][]domain.AssetHolding),
		assets:      make(map[string]*domain.Asset),
		economy:     domain.DefaultEconomy(),
		collections: make(map[string]domain.CollectionRecord),
	}
}

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("%w: account %s", repository.ErrDuplicate, account.ID)
	}

	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.cfg.Now()
	}
	if account.LastCollectionAt.IsZero() {
		account.LastCollectionAt = account.CreatedAt
	}
	if account.Status == "" {
		account.Status = domain.AccountActive
	}
	stored := *account
	s.accounts[account.ID] = &stored
	return nil
}

func (s *Store) Snapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked(accountID)
}

func (s *Store) snapshotLocked(accountID string) (*domain.AccountSnapshot, error) {
	account, exists := s.accounts[accountID]
	if !exists {
		return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, accountID)
	}

	var earning []domain.AssetHolding
	for _, h := range s.holdings[accountID] {
		if h.EarnsAfter(account.LastCollectionAt) {
			earning = append(earning, h)
		}
	}

	return &domain.AccountSnapshot{
		Account:  *account,
		Holdings: earning,
		Economy:  s.economy,
		ReadAt:   s.cfg.Now(),
	}, nil
}

// CollectEarnings applies a collect request atomically. A request id that
// was already credited returns the recorded outcome.
func (s *Store) CollectEarnings(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if rec, seen := s.collections[req.RequestID]; seen {
		s.mu.Unlock()
		if rec.AccountID != req.AccountID {
			return nil, fmt.Errorf("%w: request %s", repository.ErrDuplicate, req.RequestID)
		}
		out := rec.Outcome(true)
		return &out, nil
	}

	snap, err := s.snapshotLocked(req.AccountID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	settled := repository.Settle(s.cfg, snap, req, s.cfg.Now())
	if settled.Dirty {
		acc := settled.Account
		s.accounts[acc.ID] = &acc
	}
	if settled.Record != nil {
		s.collections[req.RequestID] = *settled.Record
	}
	s.mu.Unlock()

	settled.Notify(s.cfg.Hook)
	return &settled.Outcome, nil
}

// Collections returns the credited collections of an account.
func (s *Store) Collections(accountID string) []domain.CollectionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.CollectionRecord
	for _, rec := range s.collections {
		if rec.AccountID == accountID {
			result = append(result, rec)
		}
	}
	return result
}
