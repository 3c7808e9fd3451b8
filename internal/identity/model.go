package identity

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Owner is a registered user that billing resources can be attributed to.
type Owner struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	Email              string       `gorm:"type:text;not null;uniqueIndex"`
	DisplayName        string       `gorm:"type:text"`
	ExternalCustomerID *string      `gorm:"type:text;uniqueIndex"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Owner) TableName() string { return "users" }
