package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"

	"github.com/google/uuid"
)

// DeviceRepository persists the device fingerprint and security events of a
// client installation. The CLI keeps it in its own SQLite file.
type DeviceRepository struct {
	db *DB
}

var _ repository.DeviceRepository = (*DeviceRepository)(nil)

func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) GetDevice(ctx context.Context, accountID string) (*domain.DeviceRecord, error) {
	var (
		rec          domain.DeviceRecord
		registeredMS int64
	)
	err := r.db.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT account_id, fingerprint, registered_ms FROM device_records WHERE account_id = ?
	`), accountID).Scan(&rec.AccountID, &rec.Fingerprint, &registeredMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device for account %s", repository.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device record: %w", err)
	}
	rec.RegisteredAt = fromMS(registeredMS)
	return &rec, nil
}

func (r *DeviceRepository) SaveDevice(ctx context.Context, record *domain.DeviceRecord) error {
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO device_records (account_id, fingerprint, registered_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			fingerprint   = excluded.fingerprint,
			registered_ms = excluded.registered_ms
	`), record.AccountID, record.Fingerprint, toMS(record.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to save device record: %w", err)
	}
	return nil
}

func (r *DeviceRepository) AppendEvent(ctx context.Context, event *domain.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO security_events (id, account_id, kind, observed_hash, expected_hash, occurred_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`), event.ID, event.AccountID, string(event.Kind), event.ObservedHash, event.ExpectedHash, toMS(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}
	return nil
}

func (r *DeviceRepository) EventsSince(ctx context.Context, accountID string, since time.Time) ([]domain.SecurityEvent, error) {
	rows, err := r.db.db.QueryContext(ctx, r.db.rebind(`
		SELECT id, account_id, kind, observed_hash, expected_hash, occurred_ms
		FROM security_events
		WHERE account_id = ? AND occurred_ms > ?
		ORDER BY occurred_ms
	`), accountID, toMS(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var result []domain.SecurityEvent
	for rows.Next() {
		var (
			ev         domain.SecurityEvent
			kind       string
			occurredMS int64
		)
		if err := rows.Scan(&ev.ID, &ev.AccountID, &kind, &ev.ObservedHash, &ev.ExpectedHash, &occurredMS); err != nil {
			return nil, err
		}
		ev.Kind = domain.SecurityEventKind(kind)
		ev.Timestamp = fromMS(occurredMS)
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (r *DeviceRepository) Clear(ctx context.Context, accountID string) error {
	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM device_records WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("failed to clear device record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM security_events WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("failed to clear security events: %w", err)
	}
	return tx.Commit()
}

// PendingRequest returns the request id of an unresolved collection, or ""
// when there is none.
func (r *DeviceRepository) PendingRequest(ctx context.Context, accountID string) (string, error) {
	var id string
	err := r.db.db.QueryRowContext(ctx, r.db.rebind(`
		SELECT request_id FROM pending_collections WHERE account_id = ?
	`), accountID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read pending request: %w", err)
	}
	return id, nil
}

func (r *DeviceRepository) SavePendingRequest(ctx context.Context, accountID, requestID string) error {
	if requestID == "" {
		_, err := r.db.db.ExecContext(ctx, r.db.rebind(`DELETE FROM pending_collections WHERE account_id = ?`), accountID)
		if err != nil {
			return fmt.Errorf("failed to clear pending request: %w", err)
		}
		return nil
	}
	_, err := r.db.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO pending_collections (account_id, request_id, created_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			request_id = excluded.request_id,
			created_ms = excluded.created_ms
	`), accountID, requestID, toMS(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save pending request: %w", err)
	}
	return nil
}
