package account

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	StatusActive    = "ACTIVE"
	StatusSuspended = "SUSPENDED"
	StatusClosed    = "CLOSED"
)

// Account is the billable entity subscriptions and invoices attach to.
type Account struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	OwnerID            snowflake.ID `gorm:"not null;index"`
	Name               string       `gorm:"type:text;not null"`
	Status             string       `gorm:"type:text;not null;default:ACTIVE"`
	Currency           string       `gorm:"type:text;not null;default:USD"`
	ExternalCustomerID *string      `gorm:"type:text;uniqueIndex"`
	ContactEmail       string       `gorm:"type:text"`
	Metadata           datatypes.JSONMap
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Account) TableName() string { return "accounts" }
