package repository

import (
	"context"
	"errors"
	"time"

	"github.com/LaneJS/aiaca/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormRepository struct{}

func Provide() domain.Repository { return &gormRepository{} }

func (r *gormRepository) InsertIfAbsent(ctx context.Context, db *gorm.DB, event *domain.InboundEvent) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) InsertForensic(ctx context.Context, db *gorm.DB, event *domain.InboundEvent) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*domain.InboundEvent, error) {
	var event domain.InboundEvent
	err := db.WithContext(ctx).First(&event, "provider_event_id = ?", providerEventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkProcessed stamps processed_at once so a replayed event keeps the
// first processing time.
func (r *gormRepository) MarkProcessed(ctx context.Context, db *gorm.DB, id string, processedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.InboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.StatusProcessed,
			"last_error":    nil,
			"next_retry_at": nil,
			"processed_at":  gorm.Expr("COALESCE(processed_at, ?)", processedAt),
		}).Error
}

func (r *gormRepository) MarkFailed(ctx context.Context, db *gorm.DB, id string, lastError string, nextRetryAt *time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.InboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"last_error":    lastError,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"next_retry_at": nextRetryAt,
		}).Error
}

func (r *gormRepository) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.InboundEvent, error) {
	q := db.WithContext(ctx).Model(&domain.InboundEvent{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", filter.EventType)
	}
	if filter.Since != nil {
		q = q.Where("received_at >= ?", *filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []*domain.InboundEvent
	err := q.Order("received_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *gormRepository) ClaimRetryable(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]*domain.InboundEvent, error) {
	var candidates []*domain.InboundEvent
	err := db.WithContext(ctx).
		Where("status IN ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			[]string{domain.StatusFailed, domain.StatusRetrying}, asOf).
		Where("event_type <> ?", domain.EventTypeInvalidSignature).
		Order("received_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.InboundEvent, 0, len(candidates))
	for _, event := range candidates {
		res := db.WithContext(ctx).
			Model(&domain.InboundEvent{}).
			Where("id = ? AND status = ?", event.ID, event.Status).
			Update("status", domain.StatusRetrying)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			event.Status = domain.StatusRetrying
			claimed = append(claimed, event)
		}
	}
	return claimed, nil
}

func (r *gormRepository) MarkDeadLetter(ctx context.Context, db *gorm.DB, id string, lastError string) error {
	return db.WithContext(ctx).
		Model(&domain.InboundEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.StatusDeadLetter,
			"last_error":    lastError,
			"next_retry_at": nil,
		}).Error
}

// Requeue puts a FAILED or DEAD_LETTER event back into the retry
// population with a fresh attempt budget. No-op for other statuses.
func (r *gormRepository) Requeue(ctx context.Context, db *gorm.DB, id string, asOf time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.InboundEvent{}).
		Where("id = ? AND status IN ?", id,
			[]string{domain.StatusFailed, domain.StatusRetrying, domain.StatusDeadLetter}).
		Updates(map[string]interface{}{
			"status":        domain.StatusFailed,
			"attempt_count": 0,
			"next_retry_at": asOf,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteProcessedOlderThan compacts terminal rows past the retention
// horizon. FAILED and RETRYING rows are kept until they resolve.
func (r *gormRepository) DeleteProcessedOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status IN ? AND received_at < ?",
			[]string{domain.StatusProcessed, domain.StatusDeadLetter}, cutoff).
		Delete(&domain.InboundEvent{})
	return res.RowsAffected, res.Error
}
