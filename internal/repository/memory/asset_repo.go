package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"
)

func (s *Store) SaveAsset(ctx context.Context, asset *domain.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asset.ID == "" {
		asset.ID = s.cfg.NewID()
	}
	stored := *asset
	s.assets[asset.ID] = &stored
	return nil
}

func (s *Store) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		result = append(result, *a)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Price.LessThan(result[j].Price)
	})

	return result, nil
}

func (s *Store) PurchaseAsset(ctx context.Context, accountID, assetID string) (*domain.AssetHolding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, exists := s.accounts[accountID]
	if !exists {
		return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, accountID)
	}
	if account.Status != domain.AccountActive {
		return nil, repository.ErrAccountSuspended
	}
	asset, exists := s.assets[assetID]
	if !exists {
		return nil, fmt.Errorf("%w: asset %s", repository.ErrNotFound, assetID)
	}
	if asset.Stock <= 0 {
		return nil, repository.ErrOutOfStock
	}
	if account.Balance.LessThan(asset.Price) {
		return nil, repository.ErrInsufficientFunds
	}

	holding := domain.HoldingFromAsset(s.cfg.NewID(), accountID, *asset, s.cfg.Now())
	s.holdings[accountID] = append(s.holdings[accountID], holding)

	asset.Stock--
	account.Balance = account.Balance.Sub(asset.Price)
	account.WorkerRate = domain.WorkerRate(s.holdings[accountID])

	return &holding, nil
}

func (s *Store) Economy(ctx context.Context) (domain.EconomyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.economy, nil
}

func (s *Store) UpdateEconomy(ctx context.Context, state domain.EconomyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = s.cfg.Now()
	s.economy = state
	return nil
}

// ExpireHoldings marks holdings older than lifetime expired and returns how
// many changed. An expired holding keeps its uncollected earnings up to the
// end of its lifetime.
func (s *Store) ExpireHoldings(ctx context.Context, lifetime time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for accountID, holdings := range s.holdings {
		changed := false
		for i := range holdings {
			if holdings[i].Active() && !holdings[i].PurchasedAt.Add(lifetime).After(now) {
				holdings[i].Expire(lifetime)
				changed = true
				expired++
			}
		}
		if changed {
			if account, ok := s.accounts[accountID]; ok {
				account.WorkerRate = domain.WorkerRate(holdings)
			}
		}
	}

	return expired, nil
}
