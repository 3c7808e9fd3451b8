package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrItemNotFound         = errors.New("subscription_item_not_found")
)

type Repository interface {
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, canceledAt time.Time) error
	ListExternalIDs(ctx context.Context, db *gorm.DB, excludeCanceled bool) ([]string, error)

	FindItemByExternalItemID(ctx context.Context, db *gorm.DB, externalItemID string) (*Item, error)
	FindItemBySubscriptionAndPrice(ctx context.Context, db *gorm.DB, subscriptionID, priceID snowflake.ID) (*Item, error)
	InsertItem(ctx context.Context, db *gorm.DB, item *Item) error
	UpdateItem(ctx context.Context, db *gorm.DB, item *Item) error
}

type gormRepository struct{}

func NewRepository() Repository { return &gormRepository{} }

func (r *gormRepository) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error) {
	var sub Subscription
	err := db.WithContext(ctx).First(&sub, "external_subscription_id = ?", externalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) Update(ctx context.Context, db *gorm.DB, sub *Subscription) error {
	return db.WithContext(ctx).Save(sub).Error
}

// MarkCanceled stamps canceled_at once. Replayed cancellations keep the
// original timestamp.
func (r *gormRepository) MarkCanceled(ctx context.Context, db *gorm.DB, id snowflake.ID, canceledAt time.Time) error {
	return db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      StatusCanceled,
			"canceled_at": gorm.Expr("COALESCE(canceled_at, ?)", canceledAt),
		}).Error
}

func (r *gormRepository) ListExternalIDs(ctx context.Context, db *gorm.DB, excludeCanceled bool) ([]string, error) {
	q := db.WithContext(ctx).Model(&Subscription{})
	if excludeCanceled {
		q = q.Where("status <> ?", StatusCanceled)
	}
	var ids []string
	if err := q.Pluck("external_subscription_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *gormRepository) FindItemByExternalItemID(ctx context.Context, db *gorm.DB, externalItemID string) (*Item, error) {
	if externalItemID == "" {
		return nil, ErrItemNotFound
	}
	var item Item
	err := db.WithContext(ctx).First(&item, "external_item_id = ?", externalItemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *gormRepository) FindItemBySubscriptionAndPrice(ctx context.Context, db *gorm.DB, subscriptionID, priceID snowflake.ID) (*Item, error) {
	var item Item
	err := db.WithContext(ctx).
		First(&item, "subscription_id = ? AND price_id = ?", subscriptionID, priceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *gormRepository) InsertItem(ctx context.Context, db *gorm.DB, item *Item) error {
	return db.WithContext(ctx).Create(item).Error
}

func (r *gormRepository) UpdateItem(ctx context.Context, db *gorm.DB, item *Item) error {
	return db.WithContext(ctx).Save(item).Error
}

var Module = fx.Module("subscription",
	fx.Provide(NewRepository),
)
