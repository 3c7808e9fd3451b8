package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	Status    string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

type Repository interface {
	// InsertIfAbsent records the event unless the provider event id was
	// seen before. Returns true when this delivery is the first.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, event *InboundEvent) (bool, error)
	// InsertForensic stores a record for a delivery that failed
	// authentication. No dedupe applies.
	InsertForensic(ctx context.Context, db *gorm.DB, event *InboundEvent) error
	FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*InboundEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id string, processedAt time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id string, lastError string, nextRetryAt *time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*InboundEvent, error)
	// ClaimRetryable moves due FAILED or RETRYING events to RETRYING and
	// returns the claimed rows. The status guard keeps two sweeps from
	// claiming the same event.
	ClaimRetryable(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]*InboundEvent, error)
	MarkDeadLetter(ctx context.Context, db *gorm.DB, id string, lastError string) error
	// Requeue moves a FAILED or DEAD_LETTER event back into the retry
	// population with attempt_count reset. Returns false when the event
	// does not exist or is not in a requeueable status.
	Requeue(ctx context.Context, db *gorm.DB, id string, asOf time.Time) (bool, error)
	DeleteProcessedOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// Dispatcher applies an authenticated event to local billing state.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *InboundEvent) error
}
