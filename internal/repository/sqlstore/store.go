package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"

	"github.com/shopspring/decimal"
)

// Store is the SQL-backed authoritative store.
type Store struct {
	db  *DB
	cfg repository.StoreConfig
}

var (
	_ repository.Store      = (*Store)(nil)
	_ repository.AdminStore = (*Store)(nil)
)

func NewStore(db *DB, cfg repository.StoreConfig) *Store {
	return &Store{db: db, cfg: cfg.WithDefaults()}
}

const accountColumns = `id, balance, last_collection_ms, worker_rate, risk_score, device_fingerprint, status, created_ms`

func scanAccount(row interface{ Scan(...any) error }) (*domain.Account, error) {
	var (
		acc               domain.Account
		status            string
		lastMS, createdMS int64
	)
	err := row.Scan(&acc.ID, &acc.Balance, &lastMS, &acc.WorkerRate, &acc.RiskScore,
		&acc.RegisteredDeviceFingerprint, &status, &createdMS)
	if err != nil {
		return nil, err
	}
	acc.Status = domain.AccountStatus(status)
	acc.LastCollectionAt = fromMS(lastMS)
	acc.CreatedAt = fromMS(createdMS)
	return &acc, nil
}

func (s *Store) getAccount(ctx context.Context, q querier, id string, lock bool) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	if lock {
		query += s.db.forUpdate()
	}
	acc, err := scanAccount(q.QueryRowContext(ctx, s.db.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", repository.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// earningHoldings lists the active holdings of an account plus those that
// expired after since and still have uncollected earnings.
func (s *Store) earningHoldings(ctx context.Context, q querier, accountID string, since time.Time) ([]domain.AssetHolding, error) {
	rows, err := q.QueryContext(ctx, s.db.rebind(`
		SELECT id, account_id, asset_id, type, base_rate, monthly_rate, status, purchased_ms, expired_ms
		FROM holdings WHERE account_id = ? AND (status = ? OR expired_ms > ?)
		ORDER BY purchased_ms, id
	`), accountID, string(domain.HoldingActive), toMS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var result []domain.AssetHolding
	for rows.Next() {
		var (
			h           domain.AssetHolding
			typ, status string
			purchasedMS int64
			expiredMS   int64
		)
		if err := rows.Scan(&h.ID, &h.AccountID, &h.AssetID, &typ, &h.BaseRate, &h.MonthlyRate, &status, &purchasedMS, &expiredMS); err != nil {
			return nil, err
		}
		h.Type = domain.AssetType(typ)
		h.Status = domain.HoldingStatus(status)
		h.PurchasedAt = fromMS(purchasedMS)
		if expiredMS > 0 {
			h.ExpiredAt = fromMS(expiredMS)
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

func (s *Store) economy(ctx context.Context, q querier) (domain.EconomyState, error) {
	var (
		econ      domain.EconomyState
		updatedMS int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT market_demand_index, season_modifier, inflation_rate, updated_ms
		FROM economy_state WHERE id = 1
	`).Scan(&econ.MarketDemandIndex, &econ.SeasonModifier, &econ.InflationRate, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultEconomy(), nil
	}
	if err != nil {
		return econ, fmt.Errorf("failed to read economy state: %w", err)
	}
	if updatedMS > 0 {
		econ.UpdatedAt = fromMS(updatedMS)
	}
	return econ, nil
}

func (s *Store) snapshot(ctx context.Context, q querier, accountID string, lock bool) (*domain.AccountSnapshot, error) {
	acc, err := s.getAccount(ctx, q, accountID, lock)
	if err != nil {
		return nil, err
	}
	holdings, err := s.earningHoldings(ctx, q, accountID, acc.LastCollectionAt)
	if err != nil {
		return nil, err
	}
	econ, err := s.economy(ctx, q)
	if err != nil {
		return nil, err
	}
	return &domain.AccountSnapshot{
		Account:  *acc,
		Holdings: holdings,
		Economy:  econ,
		ReadAt:   s.cfg.Now(),
	}, nil
}

func (s *Store) Snapshot(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	return s.snapshot(ctx, s.db.db, accountID, false)
}

// CollectEarnings locks the account row, recomputes earnings on the store
// clock, credits and resets in one transaction. A request id seen before
// returns the stored outcome; the collections primary key stops a second
// credit for the same id even under a race.
func (s *Store) CollectEarnings(ctx context.Context, req domain.CollectRequest) (*domain.CollectOutcome, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin collect: %w", err)
	}
	defer tx.Rollback()

	snap, err := s.snapshot(ctx, tx, req.AccountID, true)
	if err != nil {
		return nil, err
	}

	rec, err := s.collectionByRequest(ctx, tx, req.RequestID)
	switch {
	case err == nil:
		if rec.AccountID != req.AccountID {
			return nil, fmt.Errorf("%w: request %s", repository.ErrDuplicate, req.RequestID)
		}
		out := rec.Outcome(true)
		return &out, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	settled := repository.Settle(s.cfg, snap, req, s.cfg.Now())

	if settled.Dirty {
		acc := settled.Account
		_, err := tx.ExecContext(ctx, s.db.rebind(`
			UPDATE accounts
			SET balance = ?, last_collection_ms = ?, device_fingerprint = ?
			WHERE id = ?
		`), acc.Balance, toMS(acc.LastCollectionAt), acc.RegisteredDeviceFingerprint, acc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update account: %w", err)
		}
	}

	if r := settled.Record; r != nil {
		_, err := tx.ExecContext(ctx, s.db.rebind(`
			INSERT INTO collections (request_id, account_id, credited, balance_after, window_start_ms, collected_ms, device_fingerprint)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), r.RequestID, r.AccountID, r.Credited, r.BalanceAfter, toMS(r.WindowStart), toMS(r.CollectedAt), r.DeviceFingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to record collection: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit collect: %w", err)
	}

	settled.Notify(s.cfg.Hook)
	return &settled.Outcome, nil
}

func (s *Store) collectionByRequest(ctx context.Context, q querier, requestID string) (*domain.CollectionRecord, error) {
	var (
		rec                domain.CollectionRecord
		startMS, collectMS int64
	)
	err := q.QueryRowContext(ctx, s.db.rebind(`
		SELECT request_id, account_id, credited, balance_after, window_start_ms, collected_ms, device_fingerprint
		FROM collections WHERE request_id = ?
	`), requestID).Scan(&rec.RequestID, &rec.AccountID, &rec.Credited, &rec.BalanceAfter, &startMS, &collectMS, &rec.DeviceFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: collection %s", repository.ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}
	rec.WindowStart = fromMS(startMS)
	rec.CollectedAt = fromMS(collectMS)
	return &rec, nil
}

// Collections lists the credited collections of an account, newest first.
func (s *Store) Collections(ctx context.Context, accountID string, limit int) ([]domain.CollectionRecord, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(`
		SELECT request_id, account_id, credited, balance_after, window_start_ms, collected_ms, device_fingerprint
		FROM collections WHERE account_id = ?
		ORDER BY collected_ms DESC LIMIT ?
	`), accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var result []domain.CollectionRecord
	for rows.Next() {
		var (
			rec                domain.CollectionRecord
			startMS, collectMS int64
		)
		if err := rows.Scan(&rec.RequestID, &rec.AccountID, &rec.Credited, &rec.BalanceAfter, &startMS, &collectMS, &rec.DeviceFingerprint); err != nil {
			return nil, err
		}
		rec.WindowStart = fromMS(startMS)
		rec.CollectedAt = fromMS(collectMS)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// refreshWorkerRate recomputes and stores the worker rate of an account inside q.
func (s *Store) refreshWorkerRate(ctx context.Context, q querier, accountID string) (decimal.Decimal, error) {
	holdings, err := s.earningHoldings(ctx, q, accountID, s.cfg.Now())
	if err != nil {
		return decimal.Zero, err
	}
	rate := domain.WorkerRate(holdings)
	_, err = q.ExecContext(ctx, s.db.rebind(`UPDATE accounts SET worker_rate = ? WHERE id = ?`), rate, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to update worker rate: %w", err)
	}
	return rate, nil
}
