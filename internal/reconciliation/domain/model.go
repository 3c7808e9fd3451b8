package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Drift classification.
const (
	DriftStatusMismatch    = "status_mismatch"
	DriftAmountMismatch    = "amount_mismatch"
	DriftMissingLocally    = "missing_locally"
	DriftMissingExternally = "missing_externally"
)

// Compared resource kinds.
const (
	ResourceSubscription = "subscription"
	ResourceInvoice      = "invoice"
)

// Drift records one detected divergence between local state and the
// provider's system of record. Open drifts are unique per
// (type, resource, external id); a later pass seeing the same divergence
// does not duplicate the row.
type Drift struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	DriftType     string       `gorm:"type:text;not null"`
	ResourceType  string       `gorm:"type:text;not null"`
	ExternalID    string       `gorm:"type:text;not null"`
	LocalValue    *string      `gorm:"type:text"`
	ExternalValue *string      `gorm:"type:text"`
	Resolved      bool         `gorm:"not null;default:false;index"`
	DetectedAt    time.Time    `gorm:"not null"`
	ResolvedAt    *time.Time
}

func (Drift) TableName() string { return "reconciliation_drifts" }

// SubscriptionSnapshot is the provider's view of one subscription.
type SubscriptionSnapshot struct {
	ExternalID string
	Status     string
}

// InvoiceSnapshot is the provider's view of one invoice.
type InvoiceSnapshot struct {
	ExternalID string
	Status     string
	AmountDue  int64
}

// Provider lists the external system of record for comparison.
type Provider interface {
	ListSubscriptions(ctx context.Context) ([]SubscriptionSnapshot, error)
	ListInvoices(ctx context.Context) ([]InvoiceSnapshot, error)
}
