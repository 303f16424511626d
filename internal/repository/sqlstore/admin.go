package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"
)

func (s *Store) CreateAccount(ctx context.Context, account *domain.Account) error {
	now := s.cfg.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.LastCollectionAt.IsZero() {
		account.LastCollectionAt = account.CreatedAt
	}
	if account.Status == "" {
		account.Status = domain.AccountActive
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := s.getAccount(ctx, tx, account.ID, false); err == nil {
		return fmt.Errorf("%w: account %s", repository.ErrDuplicate, account.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	_, err = tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), account.ID, account.Balance, toMS(account.LastCollectionAt), account.WorkerRate, account.RiskScore,
		account.RegisteredDeviceFingerprint, string(account.Status), toMS(account.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveAsset(ctx context.Context, asset *domain.Asset) error {
	if asset.ID == "" {
		asset.ID = s.cfg.NewID()
	}
	_, err := s.db.db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO assets (id, name, type, price, base_rate, monthly_rate, stock)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name         = excluded.name,
			type         = excluded.type,
			price        = excluded.price,
			base_rate    = excluded.base_rate,
			monthly_rate = excluded.monthly_rate,
			stock        = excluded.stock
	`), asset.ID, asset.Name, string(asset.Type), asset.Price, asset.BaseRate, asset.MonthlyRate, asset.Stock)
	if err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

func scanAsset(row interface{ Scan(...any) error }) (*domain.Asset, error) {
	var (
		a   domain.Asset
		typ string
	)
	if err := row.Scan(&a.ID, &a.Name, &typ, &a.Price, &a.BaseRate, &a.MonthlyRate, &a.Stock); err != nil {
		return nil, err
	}
	a.Type = domain.AssetType(typ)
	return &a, nil
}

func (s *Store) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, name, type, price, base_rate, monthly_rate, stock FROM assets
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var result []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Prices are TEXT, so order in Go rather than in SQL.
	sort.Slice(result, func(i, j int) bool {
		return result[i].Price.LessThan(result[j].Price)
	})
	return result, nil
}

func (s *Store) PurchaseAsset(ctx context.Context, accountID, assetID string) (*domain.AssetHolding, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := s.getAccount(ctx, tx, accountID, true)
	if err != nil {
		return nil, err
	}
	if account.Status != domain.AccountActive {
		return nil, repository.ErrAccountSuspended
	}

	asset, err := scanAsset(tx.QueryRowContext(ctx, s.db.rebind(`
		SELECT id, name, type, price, base_rate, monthly_rate, stock FROM assets WHERE id = ?`+s.db.forUpdate()), assetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", repository.ErrNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	if asset.Stock <= 0 {
		return nil, repository.ErrOutOfStock
	}
	if account.Balance.LessThan(asset.Price) {
		return nil, repository.ErrInsufficientFunds
	}

	holding := domain.HoldingFromAsset(s.cfg.NewID(), accountID, *asset, s.cfg.Now())
	_, err = tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO holdings (id, account_id, asset_id, type, base_rate, monthly_rate, status, purchased_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), holding.ID, holding.AccountID, holding.AssetID, string(holding.Type), holding.BaseRate, holding.MonthlyRate,
		string(holding.Status), toMS(holding.PurchasedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert holding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.db.rebind(`UPDATE assets SET stock = stock - 1 WHERE id = ?`), assetID); err != nil {
		return nil, fmt.Errorf("failed to update stock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.rebind(`UPDATE accounts SET balance = ? WHERE id = ?`),
		account.Balance.Sub(asset.Price), accountID); err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}
	if _, err := s.refreshWorkerRate(ctx, tx, accountID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &holding, nil
}

func (s *Store) Economy(ctx context.Context) (domain.EconomyState, error) {
	return s.economy(ctx, s.db.db)
}

func (s *Store) UpdateEconomy(ctx context.Context, state domain.EconomyState) error {
	_, err := s.db.db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO economy_state (id, market_demand_index, season_modifier, inflation_rate, updated_ms)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			market_demand_index = excluded.market_demand_index,
			season_modifier     = excluded.season_modifier,
			inflation_rate      = excluded.inflation_rate,
			updated_ms          = excluded.updated_ms
	`), state.MarketDemandIndex, state.SeasonModifier, state.InflationRate, toMS(s.cfg.Now()))
	if err != nil {
		return fmt.Errorf("failed to update economy state: %w", err)
	}
	return nil
}

// ExpireHoldings marks every active holding bought at or before
// now-lifetime as expired at the end of its lifetime and refreshes the
// affected worker rates. Earnings up to that point stay collectable.
func (s *Store) ExpireHoldings(ctx context.Context, lifetime time.Duration, now time.Time) (int, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := toMS(now.Add(-lifetime))
	rows, err := tx.QueryContext(ctx, s.db.rebind(`
		SELECT DISTINCT account_id FROM holdings WHERE status = ? AND purchased_ms <= ?
	`), string(domain.HoldingActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find expiring holdings: %w", err)
	}
	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		accounts = append(accounts, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, s.db.rebind(`
		UPDATE holdings SET status = ?, expired_ms = purchased_ms + ?
		WHERE status = ? AND purchased_ms <= ?
	`), string(domain.HoldingExpired), lifetime.Milliseconds(), string(domain.HoldingActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire holdings: %w", err)
	}
	expired, _ := res.RowsAffected()

	for _, id := range accounts {
		if _, err := s.refreshWorkerRate(ctx, tx, id); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(expired), nil
}
