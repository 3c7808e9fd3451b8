package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/LaneJS/aiaca/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type gormRepository struct{}

func Provide() domain.Repository { return &gormRepository{} }

func (r *gormRepository) InsertIfAbsent(ctx context.Context, db *gorm.DB, drift *domain.Drift) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Drift{}).
		Where("drift_type = ? AND resource_type = ? AND external_id = ? AND resolved = ?",
			drift.DriftType, drift.ResourceType, drift.ExternalID, false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := db.WithContext(ctx).Create(drift).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (r *gormRepository) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Drift, error) {
	q := db.WithContext(ctx).Model(&domain.Drift{})
	if filter.DriftType != "" {
		q = q.Where("drift_type = ?", filter.DriftType)
	}
	if filter.ResourceType != "" {
		q = q.Where("resource_type = ?", filter.ResourceType)
	}
	if filter.Resolved != nil {
		q = q.Where("resolved = ?", *filter.Resolved)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var drifts []*domain.Drift
	err := q.Order("detected_at DESC").Limit(limit).Offset(filter.Offset).Find(&drifts).Error
	if err != nil {
		return nil, err
	}
	return drifts, nil
}

func (r *gormRepository) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, resolvedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Drift{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": resolvedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
