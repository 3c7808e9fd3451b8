package invoice

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	StatusDraft         = "DRAFT"
	StatusOpen          = "OPEN"
	StatusPaid          = "PAID"
	StatusPastDue       = "PAST_DUE"
	StatusUncollectible = "UNCOLLECTIBLE"
	StatusVoid          = "VOID"
)

// Invoice mirrors a provider invoice for an account.
type Invoice struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	AccountID         snowflake.ID  `gorm:"not null;index"`
	SubscriptionID    *snowflake.ID `gorm:"index"`
	ExternalInvoiceID string        `gorm:"type:text;not null;uniqueIndex"`
	Status            string        `gorm:"type:text;not null;default:DRAFT;index"`
	Currency          string        `gorm:"type:text;not null;default:USD"`
	AmountDue         int64         `gorm:"not null;default:0"`
	AmountPaid        int64         `gorm:"not null;default:0"`
	DueAt             *time.Time
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Invoice) TableName() string { return "invoices" }
