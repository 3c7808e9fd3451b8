package price

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Price mirrors a provider price object that subscriptions can reference.
type Price struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	ExternalPriceID   string       `gorm:"type:text;not null;uniqueIndex"`
	ProductName       string       `gorm:"type:text"`
	Currency          string       `gorm:"type:text;not null;default:USD"`
	UnitAmount        int64        `gorm:"not null;default:0"`
	RecurringInterval string       `gorm:"type:text"`
	Active            bool         `gorm:"not null;default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Price) TableName() string { return "prices" }
