package server

import (
	"sync"
	"time"
)

// deliveryLimiter bounds how many webhook deliveries a single remote address
// may post per fixed window. Counters reset when the window rolls over, and
// a stale bucket is dropped on its next touch rather than by a sweeper.
type deliveryLimiter struct {
	maxPerWindow int
	window       time.Duration

	mu      sync.Mutex
	buckets map[string]*deliveryBucket
}

type deliveryBucket struct {
	openedAt time.Time
	seen     int
}

func newDeliveryLimiter(maxPerWindow int, window time.Duration) *deliveryLimiter {
	return &deliveryLimiter{
		maxPerWindow: maxPerWindow,
		window:       window,
		buckets:      make(map[string]*deliveryBucket),
	}
}

// Allow reports whether the address may post another delivery now. An empty
// address never passes.
func (l *deliveryLimiter) Allow(addr string) bool {
	if addr == "" {
		return false
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[addr]
	if !ok || now.Sub(bucket.openedAt) > l.window {
		bucket = &deliveryBucket{openedAt: now}
		l.buckets[addr] = bucket
	}
	if bucket.seen >= l.maxPerWindow {
		return false
	}
	bucket.seen++
	return true
}
