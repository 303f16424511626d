package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mining_economy/internal/domain"
	"mining_economy/internal/repository"
)

type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]domain.DeviceRecord
	events  map[string][]domain.SecurityEvent
	pending map[string]string
}

func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		devices: make(map[string]domain.DeviceRecord),
		events:  make(map[string][]domain.SecurityEvent),
		pending: make(map[string]string),
	}
}

func (r *DeviceRepository) GetDevice(ctx context.Context, accountID string) (*domain.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.devices[accountID]
	if !exists {
		return nil, fmt.Errorf("%w: device for account %s", repository.ErrNotFound, accountID)
	}
	return &rec, nil
}

func (r *DeviceRepository) SaveDevice(ctx context.Context, record *domain.DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[record.AccountID] = *record
	return nil
}

func (r *DeviceRepository) AppendEvent(ctx context.Context, event *domain.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[event.AccountID] = append(r.events[event.AccountID], *event)
	return nil
}

func (r *DeviceRepository) EventsSince(ctx context.Context, accountID string, since time.Time) ([]domain.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []domain.SecurityEvent
	for _, ev := range r.events[accountID] {
		if ev.Timestamp.After(since) {
			result = append(result, ev)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})

	return result, nil
}

func (r *DeviceRepository) Clear(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.devices, accountID)
	delete(r.events, accountID)
	return nil
}

func (r *DeviceRepository) PendingRequest(ctx context.Context, accountID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending[accountID], nil
}

func (r *DeviceRepository) SavePendingRequest(ctx context.Context, accountID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requestID == "" {
		delete(r.pending, accountID)
		return nil
	}
	r.pending[accountID] = requestID
	return nil
}
