package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType represents who triggered an action.
type ActorType string

const (
	ActorTypeOperator ActorType = "operator"
	ActorTypeSystem   ActorType = "system"
	ActorTypeWebhook  ActorType = "webhook"
)

// AuditLog captures an immutable record of a billing action.
type AuditLog struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	ActorType    string            `gorm:"type:text;not null"`
	ActorID      *string           `gorm:"type:text"`
	Action       string            `gorm:"type:text;not null;index"`
	ResourceType string            `gorm:"type:text;not null"`
	ResourceID   *string           `gorm:"type:text"`
	RequestID    *string           `gorm:"type:text"`
	IPAddress    *string           `gorm:"type:text"`
	UserAgent    *string           `gorm:"type:text"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }
