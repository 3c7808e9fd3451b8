package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrOwnerNotFound = errors.New("owner_not_found")

// Resolver locates the owner a provider event belongs to. Lookup order at
// call sites is explicit user reference first, then provider customer id,
// then email.
type Resolver interface {
	ResolveByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Owner, error)
	ResolveByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Owner, error)
	ResolveByEmail(ctx context.Context, db *gorm.DB, email string) (*Owner, error)
	// AttachExternalCustomerID records the provider customer id on an owner
	// that does not have one yet, so later deliveries resolve by customer id
	// directly. An owner already linked to a customer keeps its link.
	AttachExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error
}

type gormResolver struct{}

func NewResolver() Resolver { return &gormResolver{} }

func (r *gormResolver) ResolveByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Owner, error) {
	var owner Owner
	err := db.WithContext(ctx).First(&owner, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOwnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (r *gormResolver) ResolveByExternalCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Owner, error) {
	if customerID == "" {
		return nil, ErrOwnerNotFound
	}
	var owner Owner
	err := db.WithContext(ctx).First(&owner, "external_customer_id = ?", customerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOwnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (r *gormResolver) ResolveByEmail(ctx context.Context, db *gorm.DB, email string) (*Owner, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrOwnerNotFound
	}
	var owner Owner
	err := db.WithContext(ctx).First(&owner, "lower(email) = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOwnerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (r *gormResolver) AttachExternalCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, customerID string) error {
	if customerID == "" {
		return nil
	}
	return db.WithContext(ctx).
		Model(&Owner{}).
		Where("id = ? AND (external_customer_id IS NULL OR external_customer_id = '')", id).
		Update("external_customer_id", customerID).Error
}

var Module = fx.Module("identity",
	fx.Provide(NewResolver),
)
