package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// Repository is the fleet state store backed by Postgres. Records in
// deleted status stay in the table for audit but never appear in listings.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateResource(ctx context.Context, resource *types.ProxyResource) error {
	record := FromType(resource)
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create resource %s: %w", resource.ID, err)
	}
	return nil
}

// GetResource looks a record up by id across all provider namespaces. When
// ids collide across providers a live record wins over a deleted one.
func (r *Repository) GetResource(ctx context.Context, id string) (*types.ProxyResource, error) {
	var record ProxyResource
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Order("status = 'deleted'").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("get resource %s: %w", id, err)
	}
	resource := record.ToType()
	return &resource, nil
}

// ListResources returns the non-deleted records for one provider, or for
// every provider when provider is types.ProviderAll.
func (r *Repository) ListResources(ctx context.Context, provider types.Provider) ([]types.ProxyResource, error) {
	query := r.db.WithContext(ctx).
		Where("status <> ?", string(types.StatusDeleted)).
		Order("created_at DESC")
	if provider != types.ProviderAll {
		query = query.Where("provider = ?", string(provider))
	}

	var records []ProxyResource
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}

	resources := make([]types.ProxyResource, 0, len(records))
	for i := range records {
		resources = append(resources, records[i].ToType())
	}
	return resources, nil
}

// UpdateStatus addresses the row by the full composite key so an id
// collision across providers cannot touch the wrong record.
func (r *Repository) UpdateStatus(ctx context.Context, id string, provider types.Provider, status types.Status) error {
	result := r.db.WithContext(ctx).
		Model(&ProxyResource{}).
		Where("id = ? AND provider = ?", id, string(provider)).
		Update("status", string(status))
	if result.Error != nil {
		return fmt.Errorf("update resource %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteResource removes a record outright. Normal lifecycle transitions
// go through UpdateStatus(StatusDeleted); this is for purging.
func (r *Repository) DeleteResource(ctx context.Context, id string, provider types.Provider) error {
	result := r.db.WithContext(ctx).Where("id = ? AND provider = ?", id, string(provider)).Delete(&ProxyResource{})
	if result.Error != nil {
		return fmt.Errorf("delete resource %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return types.ErrNotFound
	}
	return nil
}
