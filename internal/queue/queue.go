// Package queue implements the durable offline message queue. Messages that
// could not be delivered immediately are staged here and replayed when
// connectivity returns.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/store"
)

// Defaults for the bounded-retry policy.
const (
	DefaultMaxRetry = 3
	DefaultTTL      = 24 * time.Hour
)

// DeliverFunc attempts delivery of a single queued message. A nil return
// confirms delivery; any error defers the message for a later pass.
type DeliverFunc func(ctx context.Context, msg *domain.QueuedMessage) error

// Queue is a durable, crash-tolerant staging area for chat messages.
// Storage failures degrade to best-effort: they are logged, never raised to
// the caller.
type Queue struct {
	repo     store.Repository
	maxRetry int
	ttl      time.Duration

	mu        sync.Mutex
	observers []func(size int)
}

// New creates a queue over the given repository with the default retry cap
// and expiry window.
func New(repo store.Repository) *Queue {
	return &Queue{
		repo:     repo,
		maxRetry: DefaultMaxRetry,
		ttl:      DefaultTTL,
	}
}

// Notify registers an observer invoked with the new queue size whenever the
// queue grows or shrinks.
func (q *Queue) Notify(fn func(size int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, fn)
}

func (q *Queue) notifySizeChanged(ctx context.Context) {
	size := q.Size(ctx)
	q.mu.Lock()
	observers := make([]func(int), len(q.observers))
	copy(observers, q.observers)
	q.mu.Unlock()

	for _, fn := range observers {
		fn(size)
	}
}

// Add constructs a queued message with a fresh ID and appends it to durable
// storage. The returned message's ID doubles as the idempotency key threaded
// through the delivery primitive on replay.
func (q *Queue) Add(ctx context.Context, scenarioID, content string) *domain.QueuedMessage {
	msg := &domain.QueuedMessage{
		ID:         uuid.NewString(),
		ScenarioID: scenarioID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		RetryCount: 0,
	}

	if err := q.repo.AppendQueued(ctx, msg); err != nil {
		slog.Error("failed to persist queued message", "id", msg.ID, "scenario_id", scenarioID, "error", err)
		return msg
	}

	q.notifySizeChanged(ctx)
	return msg
}

// Messages returns queued messages in enqueue order, optionally scoped to
// one scenario.
func (q *Queue) Messages(ctx context.Context, scenarioID string) []*domain.QueuedMessage {
	msgs, err := q.repo.ListQueued(ctx, scenarioID)
	if err != nil {
		slog.Error("failed to read offline queue", "error", err)
		return nil
	}
	return msgs
}

// Remove deletes a queued message by ID. Removing an absent ID is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) {
	if err := q.repo.DeleteQueued(ctx, id); err != nil {
		slog.Error("failed to remove queued message", "id", id, "error", err)
		return
	}
	q.notifySizeChanged(ctx)
}

// IncrementRetry bumps a message's retry count. Once the count reaches the
// cap the message is parked until expiry cleanup removes it.
func (q *Queue) IncrementRetry(ctx context.Context, id string) {
	if err := q.repo.IncrementRetry(ctx, id, q.maxRetry); err != nil {
		slog.Error("failed to increment retry count", "id", id, "error", err)
	}
}

// ClearExpired removes entries older than the expiry window or at the retry
// cap, returning how many were dropped. Runs once at process start and then
// periodically via the sweeper.
func (q *Queue) ClearExpired(ctx context.Context) int64 {
	cutoff := time.Now().Add(-q.ttl)
	dropped, err := q.repo.DeleteExpiredQueued(ctx, cutoff, q.maxRetry)
	if err != nil {
		slog.Error("failed to clear expired queued messages", "error", err)
		return 0
	}
	if dropped > 0 {
		slog.Info("dropped expired queued messages", "count", dropped)
		q.notifySizeChanged(ctx)
	}
	return dropped
}

// Size returns the total number of queued messages.
func (q *Queue) Size(ctx context.Context) int {
	count, err := q.repo.CountQueued(ctx, "")
	if err != nil {
		slog.Error("failed to count queued messages", "error", err)
		return 0
	}
	return count
}

// HasPending reports whether any messages are queued, optionally scoped to
// one scenario.
func (q *Queue) HasPending(ctx context.Context, scenarioID string) bool {
	count, err := q.repo.CountQueued(ctx, scenarioID)
	if err != nil {
		slog.Error("failed to count queued messages", "error", err)
		return false
	}
	return count > 0
}

// Process iterates a snapshot of the queue in enqueue order, invoking deliver
// for each entry. Confirmed deliveries are removed after the full pass;
// failures increment the entry's retry count instead. Entries already at the
// retry cap are skipped until expiry cleanup removes them. A pass is not
// transactional: partial progress is a correct outcome and a later pass
// retries the remainder.
func (q *Queue) Process(ctx context.Context, scenarioID string, deliver DeliverFunc) {
	snapshot := q.Messages(ctx, scenarioID)
	if len(snapshot) == 0 {
		return
	}

	var delivered []string
	for _, msg := range snapshot {
		if msg.RetryCount >= q.maxRetry {
			continue
		}
		if err := deliver(ctx, msg); err != nil {
			slog.Warn("queued message delivery failed", "id", msg.ID, "retry_count", msg.RetryCount, "error", err)
			q.IncrementRetry(ctx, msg.ID)
			continue
		}
		delivered = append(delivered, msg.ID)
	}

	for _, id := range delivered {
		q.Remove(ctx, id)
	}
}

// StartSweeper launches a background loop that periodically clears expired
// entries until ctx is cancelled.
func (q *Queue) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.ClearExpired(ctx)
			}
		}
	}()
}
