package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	DriftType    string
	ResourceType string
	Resolved     *bool
	Limit        int
	Offset       int
}

type Repository interface {
	// InsertIfAbsent records the drift unless an unresolved row for the
	// same (type, resource, external id) already exists. Returns true
	// when a new row was written.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, drift *Drift) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Drift, error)
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, resolvedAt time.Time) (bool, error)
}
