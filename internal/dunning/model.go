package dunning

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	StatusPending        = "PENDING"
	StatusSent           = "SENT"
	StatusFailed         = "FAILED"
	StatusRetryScheduled = "RETRY_SCHEDULED"
)

// StepAutoDetectPastDue is the sweep-generated first recovery step.
const StepAutoDetectPastDue = "auto-detect-past-due"

// ChannelSystem marks events generated by the sweep rather than a
// configured outreach channel.
const ChannelSystem = "system"

// Event is one recorded recovery attempt for a past-due invoice. Rows are
// append-only; only status moves after creation.
type Event struct {
	ID          snowflake.ID  `gorm:"primaryKey"`
	AccountID   snowflake.ID  `gorm:"not null;index"`
	InvoiceID   *snowflake.ID `gorm:"index:idx_dunning_invoice_status"`
	StepName    string        `gorm:"type:text;not null"`
	Channel     string        `gorm:"type:text;not null;default:system"`
	Status      string        `gorm:"type:text;not null;default:PENDING;index:idx_dunning_invoice_status"`
	// AttemptNumber is the 1-based position of this step in the recovery
	// sequence for its invoice.
	AttemptNumber int     `gorm:"not null;default:1"`
	Detail        *string `gorm:"type:text"`
	ScheduledAt   *time.Time
	// OccurredAt is when the step actually took effect, as opposed to when
	// the row was written.
	OccurredAt *time.Time
	SentAt     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Event) TableName() string { return "dunning_events" }
