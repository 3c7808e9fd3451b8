package repository

import (
	"context"
	"errors"
	"time"

	"github.com/LaneJS/aiaca/internal/idempotency/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormRepository struct{}

func New() domain.Repository { return &gormRepository{} }

func (r *gormRepository) InsertIfAbsent(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) Find(ctx context.Context, db *gorm.DB, scope, key string) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).
		First(&record, "scope = ? AND idempotency_key = ?", scope, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) DeleteOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.Record{})
	return res.RowsAffected, res.Error
}
