package price

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrPriceNotFound = errors.New("price_not_found")

type Repository interface {
	FindByExternalPriceID(ctx context.Context, db *gorm.DB, externalPriceID string) (*Price, error)
	Insert(ctx context.Context, db *gorm.DB, price *Price) error
}

type gormRepository struct{}

func NewRepository() Repository { return &gormRepository{} }

func (r *gormRepository) FindByExternalPriceID(ctx context.Context, db *gorm.DB, externalPriceID string) (*Price, error) {
	if externalPriceID == "" {
		return nil, ErrPriceNotFound
	}
	var p Price
	err := db.WithContext(ctx).First(&p, "external_price_id = ?", externalPriceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPriceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) Insert(ctx context.Context, db *gorm.DB, price *Price) error {
	return db.WithContext(ctx).Create(price).Error
}

var Module = fx.Module("price",
	fx.Provide(NewRepository),
)
