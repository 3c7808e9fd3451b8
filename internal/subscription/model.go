package subscription

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Subscription is the local mirror of a provider subscription.
type Subscription struct {
	ID                     snowflake.ID `gorm:"primaryKey"`
	AccountID              snowflake.ID `gorm:"not null;index"`
	ExternalSubscriptionID string       `gorm:"type:text;not null;uniqueIndex"`
	Status                 Status       `gorm:"type:text;not null;default:NONE;index"`
	CancelAtPeriodEnd      bool         `gorm:"not null;default:false"`
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	TrialEnd               *time.Time
	CancelAt               *time.Time
	CanceledAt             *time.Time
	EndedAt                *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (Subscription) TableName() string { return "subscriptions" }

// Item links a subscription to a price with a quantity.
type Item struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index:idx_sub_price,unique"`
	PriceID        snowflake.ID `gorm:"not null;index:idx_sub_price,unique"`
	ExternalItemID *string      `gorm:"type:text;uniqueIndex"`
	Quantity       int64        `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Item) TableName() string { return "subscription_items" }
