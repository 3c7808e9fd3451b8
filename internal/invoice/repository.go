package invoice

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrInvoiceNotFound = errors.New("invoice_not_found")

type Repository interface {
	FindByExternalInvoiceID(ctx context.Context, db *gorm.DB, externalID string) (*Invoice, error)
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	Update(ctx context.Context, db *gorm.DB, inv *Invoice) error
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, amountPaid int64, paidAt time.Time) error
	MarkPastDue(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	ListPastDue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]*Invoice, error)
	ListExternalIDs(ctx context.Context, db *gorm.DB) ([]string, error)
}

type gormRepository struct{}

func NewRepository() Repository { return &gormRepository{} }

func (r *gormRepository) FindByExternalInvoiceID(ctx context.Context, db *gorm.DB, externalID string) (*Invoice, error) {
	var inv Invoice
	err := db.WithContext(ctx).First(&inv, "external_invoice_id = ?", externalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *gormRepository) Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error {
	return db.WithContext(ctx).Create(inv).Error
}

func (r *gormRepository) Update(ctx context.Context, db *gorm.DB, inv *Invoice) error {
	return db.WithContext(ctx).Save(inv).Error
}

// MarkPaid stamps paid_at once so replayed payment events keep the original
// settlement time.
func (r *gormRepository) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, amountPaid int64, paidAt time.Time) error {
	return db.WithContext(ctx).
		Model(&Invoice{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusPaid,
			"amount_paid": amountPaid,
			"paid_at":     gorm.Expr("COALESCE(paid_at, ?)", paidAt),
		}).Error
}

func (r *gormRepository) MarkPastDue(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).
		Model(&Invoice{}).
		Where("id = ? AND status NOT IN ?", id, []string{StatusPaid, StatusVoid}).
		Update("status", StatusPastDue).Error
}

// ListPastDue returns open or past-due invoices whose due date has elapsed,
// oldest first.
func (r *gormRepository) ListPastDue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]*Invoice, error) {
	var invoices []*Invoice
	err := db.WithContext(ctx).
		Where("status IN ? AND due_at IS NOT NULL AND due_at < ?", []string{StatusOpen, StatusPastDue}, asOf).
		Order("due_at ASC").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *gormRepository) ListExternalIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&Invoice{}).Pluck("external_invoice_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

var Module = fx.Module("invoice",
	fx.Provide(NewRepository),
)
