// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/hamardikan/pelajari-edge/internal/domain"
)

// Repository defines the interface for persisting offline-queue entries and
// cached upstream responses.
type Repository interface {
	// AppendQueued appends a message to the end of the offline queue.
	AppendQueued(ctx context.Context, msg *domain.QueuedMessage) error

	// ListQueued returns queued messages in enqueue order. An empty
	// scenarioID returns the full queue.
	ListQueued(ctx context.Context, scenarioID string) ([]*domain.QueuedMessage, error)

	// DeleteQueued removes a queued message by ID. Deleting an absent ID is
	// not an error.
	DeleteQueued(ctx context.Context, id string) error

	// IncrementRetry bumps the retry count for a queued message, but only
	// while the current count is below maxRetry. At the cap it is a no-op.
	IncrementRetry(ctx context.Context, id string, maxRetry int) error

	// DeleteExpiredQueued removes entries enqueued before cutoff or whose
	// retry count has reached maxRetry, returning how many were removed.
	DeleteExpiredQueued(ctx context.Context, cutoff time.Time, maxRetry int) (int64, error)

	// CountQueued returns the number of queued messages, optionally scoped
	// to one scenario.
	CountQueued(ctx context.Context, scenarioID string) (int, error)

	// GetCachedResponse retrieves a cached response from a specific
	// partition. Returns (nil, nil) on a cache miss.
	GetCachedResponse(ctx context.Context, partition, url string) (*domain.CachedResponse, error)

	// FindCachedResponse retrieves a cached response for a URL from any
	// partition, preferring the most recently fetched. Returns (nil, nil)
	// when no partition holds the URL.
	FindCachedResponse(ctx context.Context, url string) (*domain.CachedResponse, error)

	// PutCachedResponse stores a response, overwriting any existing entry
	// for the same (partition, URL) pair.
	PutCachedResponse(ctx context.Context, resp *domain.CachedResponse) error

	// DeleteCachePartitionsExcept drops every cache partition not named in
	// keep, returning the number of entries removed.
	DeleteCachePartitionsExcept(ctx context.Context, keep ...string) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
