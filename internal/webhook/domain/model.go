package domain

import (
	"time"

	"gorm.io/datatypes"
)

// InboundEvent lifecycle states. RETRYING and DEAD_LETTER are owned by the
// retry sweep; the dispatcher only ever produces PROCESSED or FAILED.
const (
	StatusReceived   = "RECEIVED"
	StatusProcessed  = "PROCESSED"
	StatusFailed     = "FAILED"
	StatusRetrying   = "RETRYING"
	StatusDeadLetter = "DEAD_LETTER"
)

// EventTypeInvalidSignature marks forensic records written for deliveries
// that failed authentication. They carry a locally generated id because no
// trusted provider event id exists.
const EventTypeInvalidSignature = "invalid_signature"

// InboundEvent is the persisted record of a webhook delivery.
type InboundEvent struct {
	ID              string         `gorm:"type:text;primaryKey"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	Signature       string         `gorm:"type:text"`
	Status          string         `gorm:"type:text;not null;default:RECEIVED;index"`
	LastError       *string        `gorm:"type:text"`
	AttemptCount    int            `gorm:"not null;default:0"`
	NextRetryAt     *time.Time     `gorm:"index"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (InboundEvent) TableName() string { return "webhook_events" }
