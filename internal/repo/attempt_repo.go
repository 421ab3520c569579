// Delivery attempt ledger operations. Attempts are append-only: the
// pipeline records each try exactly once and never mutates a row afterward.
package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/domain"
)

// AppendAttempt inserts one delivery attempt record.
func AppendAttempt(ctx context.Context, db *gorm.DB, a *domain.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(a).Error
}

// ListAttempts returns all attempts for an event ordered by creation time,
// endpoint by endpoint. Read-only; used by the dashboard API.
func ListAttempts(ctx context.Context, db *gorm.DB, eventID string) ([]domain.DeliveryAttempt, error) {
	var attempts []domain.DeliveryAttempt
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("endpoint_id ASC, attempt_number ASC").
		Find(&attempts).Error
	return attempts, err
}

// ListAttemptsPage returns a page of attempts for an event plus the total.
func ListAttemptsPage(ctx context.Context, db *gorm.DB, eventID string, offset, limit int) ([]domain.DeliveryAttempt, int64, error) {
	var total int64
	if err := db.WithContext(ctx).Model(&domain.DeliveryAttempt{}).
		Where("event_id = ?", eventID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.DeliveryAttempt{}, 0, nil
	}
	var attempts []domain.DeliveryAttempt
	err := db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("endpoint_id ASC, attempt_number ASC").
		Offset(offset).Limit(limit).
		Find(&attempts).Error
	return attempts, total, err
}

// MaxAttemptNumber returns the highest recorded attempt number for an
// (event, endpoint) pair, or 0 when none exist. Used to seed the pair state
// machine during startup recovery so attempt numbering stays monotonic
// across restarts.
func MaxAttemptNumber(ctx context.Context, db *gorm.DB, eventID, endpointID string) (int, error) {
	var n *int
	err := db.WithContext(ctx).Model(&domain.DeliveryAttempt{}).
		Where("event_id = ? AND endpoint_id = ?", eventID, endpointID).
		Select("MAX(attempt_number)").Scan(&n).Error
	if err != nil || n == nil {
		return 0, err
	}
	return *n, nil
}
