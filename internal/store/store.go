// Package store persists voice exchanges.
package store

import (
	"context"
	"time"
)

// Exchange is one completed voice round trip: what was heard, what was said
// back, and how the gateway session resolved.
type Exchange struct {
	ID         int64     `json:"id"`
	Transcript string    `json:"transcript"`
	Reply      string    `json:"reply"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Repository defines the interface for persisting exchanges.
type Repository interface {
	// RecordExchange appends one exchange to the log.
	RecordExchange(ctx context.Context, ex *Exchange) error

	// RecentExchanges returns up to limit exchanges, newest first.
	RecentExchanges(ctx context.Context, limit int) ([]*Exchange, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
