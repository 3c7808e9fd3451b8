package dunning

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type ListFilter struct {
	AccountID snowflake.ID
	InvoiceID snowflake.ID
	Status    string
	Limit     int
	Offset    int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	// HasOpenEvent reports whether a PENDING or RETRY_SCHEDULED event
	// already exists for the invoice. The sweep uses it to avoid queueing
	// the same invoice twice.
	HasOpenEvent(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (bool, error)
	// NextAttemptNumber returns one past the number of events already
	// recorded for the invoice.
	NextAttemptNumber(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, sentAt *time.Time) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Event, error)
}

type gormRepository struct{}

func NewRepository() Repository { return &gormRepository{} }

func (r *gormRepository) Insert(ctx context.Context, db *gorm.DB, event *Event) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) HasOpenEvent(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&Event{}).
		Where("invoice_id = ? AND status IN ?", invoiceID, []string{StatusPending, StatusRetryScheduled}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormRepository) NextAttemptNumber(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&Event{}).
		Where("invoice_id = ?", invoiceID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count) + 1, nil
}

// UpdateStatus is guarded by the current status so two workers cannot both
// move the same event.
func (r *gormRepository) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to string, sentAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if sentAt != nil {
		updates["sent_at"] = *sentAt
	}
	res := db.WithContext(ctx).
		Model(&Event{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Event, error) {
	q := db.WithContext(ctx).Model(&Event{})
	if filter.AccountID != 0 {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.InvoiceID != 0 {
		q = q.Where("invoice_id = ?", filter.InvoiceID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []*Event
	err := q.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

var Module = fx.Module("dunning",
	fx.Provide(NewRepository),
)
