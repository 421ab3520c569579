package handlers

import (
	"context"

	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/domain"
	"github.com/ipcasj/ethhook/internal/repo"
)

// LedgerStore adapts the repo package to the EventStore interface.
type LedgerStore struct {
	DB *gorm.DB
}

// GetEvent implements EventStore.
func (s LedgerStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	return repo.GetEvent(ctx, s.DB, id)
}

// ListAttempts implements EventStore.
func (s LedgerStore) ListAttempts(ctx context.Context, eventID string, offset, limit int) ([]domain.DeliveryAttempt, int64, error) {
	return repo.ListAttemptsPage(ctx, s.DB, eventID, offset, limit)
}

// ListEvents implements EventStore.
func (s LedgerStore) ListEvents(ctx context.Context, status string, offset, limit int) ([]domain.Event, error) {
	return repo.ListEventsPage(ctx, s.DB, status, offset, limit)
}

// CountEvents implements EventStore.
func (s LedgerStore) CountEvents(ctx context.Context, status string) (int64, error) {
	return repo.CountEvents(ctx, s.DB, status)
}
