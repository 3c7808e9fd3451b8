package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Record fingerprints a mutating command. Rows are written once and never
// mutated; the (scope, key) pair admits at most one command. An empty scope
// means the key is global.
type Record struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Scope          string       `gorm:"type:text;not null;default:'';uniqueIndex:idx_scope_key"`
	IdempotencyKey string       `gorm:"type:text;not null;uniqueIndex:idx_scope_key"`
	RequestHash    string       `gorm:"type:text;not null"`
	RequestID      string       `gorm:"type:text"`
	ResourceType   string       `gorm:"type:text"`
	ResourceID     string       `gorm:"type:text"`
	CreatedAt      time.Time
}

func (Record) TableName() string { return "idempotency_records" }
