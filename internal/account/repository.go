package account

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrAccountNotFound = errors.New("account_not_found")

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByOwnerID(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*Account, error)
	FindByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Account, error)
	Insert(ctx context.Context, db *gorm.DB, account *Account) error
	AttachExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error
}

type gormRepository struct{}

func NewRepository() Repository { return &gormRepository{} }

func (r *gormRepository) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error) {
	var acct Account
	err := db.WithContext(ctx).First(&acct, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) FindByOwnerID(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) (*Account, error) {
	var acct Account
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) FindByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Account, error) {
	if customerID == "" {
		return nil, ErrAccountNotFound
	}
	var acct Account
	err := db.WithContext(ctx).First(&acct, "external_customer_id = ?", customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (r *gormRepository) Insert(ctx context.Context, db *gorm.DB, account *Account) error {
	return db.WithContext(ctx).Create(account).Error
}

// AttachExternalCustomerID links the provider customer only when the account
// has none yet. An already linked account is left untouched.
func (r *gormRepository) AttachExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error {
	return db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ? AND (external_customer_id IS NULL OR external_customer_id = '')", id).
		Update("external_customer_id", customerID).Error
}

var Module = fx.Module("account",
	fx.Provide(NewRepository),
)
