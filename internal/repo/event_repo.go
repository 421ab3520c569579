// Event ledger operations.
//
// CreateEvent is the idempotent entry point used by the ingest path: the
// natural key (chain_id, transaction_hash, log_index) identifies an event
// across replays, so duplicate ingestion returns the existing row instead
// of creating a second one. Status updates are owned exclusively by the
// delivery pipeline.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/domain"
)

// CreateEvent inserts an event row if its natural key is new and returns
// the stored row. The second return value reports whether the row already
// existed (duplicate ingestion).
func CreateEvent(ctx context.Context, db *gorm.DB, ev *domain.Event) (*domain.Event, bool, error) {
	ev.ContractAddress = strings.ToLower(ev.ContractAddress)

	existing, err := getEventByNaturalKey(ctx, db, ev.ChainID, ev.TransactionHash, ev.LogIndex)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = domain.EventStatusPending
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		// A concurrent ingestor may have won the race on the unique index;
		// re-read before reporting failure.
		if existing, err2 := getEventByNaturalKey(ctx, db, ev.ChainID, ev.TransactionHash, ev.LogIndex); err2 == nil {
			return existing, true, nil
		}
		return nil, false, err
	}
	return ev, false, nil
}

func getEventByNaturalKey(ctx context.Context, db *gorm.DB, chainID uint64, txHash string, logIndex uint32) (*domain.Event, error) {
	var ev domain.Event
	err := db.WithContext(ctx).
		Where("chain_id = ? AND transaction_hash = ? AND log_index = ?", chainID, txHash, logIndex).
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvent fetches an event by ID.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.Event, error) {
	var ev domain.Event
	if err := db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

// UpdateEventStatus sets the status projection on an event.
func UpdateEventStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	return db.WithContext(ctx).Model(&domain.Event{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()}).Error
}

// IncrementEventAttempts bumps the attempts counter on an event row.
func IncrementEventAttempts(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Event{}).
		Where("id = ?", id).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// ListPendingEvents returns events whose delivery has not reached a terminal
// status, oldest first. Used by startup recovery to re-enqueue work that was
// queued but not finished when the process stopped.
func ListPendingEvents(ctx context.Context, db *gorm.DB, limit int) ([]domain.Event, error) {
	var events []domain.Event
	q := db.WithContext(ctx).
		Where("status = ?", domain.EventStatusPending).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

// CountEvents returns the number of events, optionally filtered by status.
func CountEvents(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Event{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListEventsPage returns a page of events ordered newest first, optionally
// filtered by status. Read-only; used by the dashboard API.
func ListEventsPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Event, error) {
	var events []domain.Event
	q := db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&events).Error
	return events, err
}
