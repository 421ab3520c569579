// Endpoint read operations. Endpoints are written by the admin API; the
// pipeline only reads them, either in bulk at index bootstrap or singly to
// re-resolve a secret/URL that was not captured in a job descriptor.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/ipcasj/ethhook/internal/domain"
)

// GetEndpoint fetches an endpoint by ID.
func GetEndpoint(ctx context.Context, db *gorm.DB, id string) (*domain.Endpoint, error) {
	var ep domain.Endpoint
	if err := db.WithContext(ctx).First(&ep, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListActiveEndpoints returns all active endpoints for index bootstrap.
func ListActiveEndpoints(ctx context.Context, db *gorm.DB) ([]domain.Endpoint, error) {
	var eps []domain.Endpoint
	err := db.WithContext(ctx).Where("active = ?", true).Find(&eps).Error
	return eps, err
}

// CreateEndpoint inserts an endpoint. Exposed for tests and tooling; the
// admin API is the production writer.
func CreateEndpoint(ctx context.Context, db *gorm.DB, ep *domain.Endpoint) error {
	return db.WithContext(ctx).Create(ep).Error
}
