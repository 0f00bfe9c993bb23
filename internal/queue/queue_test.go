package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return New(repo), repo
}

func TestAddMakesMessageVisible(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	var notified []int
	q.Notify(func(size int) { notified = append(notified, size) })

	msg := q.Add(ctx, "s1", "hello")
	if msg.ID == "" {
		t.Fatal("expected generated message ID")
	}
	if msg.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", msg.RetryCount)
	}

	msgs := q.Messages(ctx, "s1")
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("message not visible after Add: %v", msgs)
	}
	if len(notified) != 1 || notified[0] != 1 {
		t.Errorf("expected one size notification with value 1, got %v", notified)
	}
}

func TestProcessDeliversInOrder(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Add(ctx, "s1", "first")
	q.Add(ctx, "s1", "second")
	q.Add(ctx, "s2", "other scenario")

	var delivered []string
	q.Process(ctx, "s1", func(ctx context.Context, msg *domain.QueuedMessage) error {
		delivered = append(delivered, msg.Content)
		return nil
	})

	if len(delivered) != 2 || delivered[0] != "first" || delivered[1] != "second" {
		t.Errorf("expected FIFO delivery of s1 messages, got %v", delivered)
	}
	if q.Size(ctx) != 1 {
		t.Errorf("expected only the s2 message to remain, size=%d", q.Size(ctx))
	}
	if !q.HasPending(ctx, "s2") {
		t.Error("s2 message should still be pending")
	}
	if q.HasPending(ctx, "s1") {
		t.Error("s1 messages should be gone")
	}
}

func TestProcessPartialProgress(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Add(ctx, "s1", "ok")
	q.Add(ctx, "s1", "fails")

	q.Process(ctx, "s1", func(ctx context.Context, msg *domain.QueuedMessage) error {
		if msg.Content == "fails" {
			return errors.New("delivery refused")
		}
		return nil
	})

	msgs := q.Messages(ctx, "s1")
	if len(msgs) != 1 {
		t.Fatalf("expected one remaining message, got %d", len(msgs))
	}
	if msgs[0].Content != "fails" || msgs[0].RetryCount != 1 {
		t.Errorf("remaining message should have retry count 1: %+v", msgs[0])
	}
}

func TestRetryBoundAndExpiryCleanup(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Add(ctx, "s1", "doomed")

	failing := func(ctx context.Context, msg *domain.QueuedMessage) error {
		return errors.New("network down")
	}

	// Three failing passes exhaust the retry budget.
	for i := 0; i < 3; i++ {
		q.Process(ctx, "s1", failing)
	}

	msgs := q.Messages(ctx, "s1")
	if len(msgs) != 1 || msgs[0].RetryCount != 3 {
		t.Fatalf("expected retry count 3, got %+v", msgs)
	}

	// A fourth pass must not re-attempt delivery of the parked entry.
	attempts := 0
	q.Process(ctx, "s1", func(ctx context.Context, msg *domain.QueuedMessage) error {
		attempts++
		return nil
	})
	if attempts != 0 {
		t.Errorf("parked entry was re-attempted %d times", attempts)
	}

	// Expiry cleanup purges it.
	if dropped := q.ClearExpired(ctx); dropped != 1 {
		t.Errorf("expected 1 dropped entry, got %d", dropped)
	}
	if q.Size(ctx) != 0 {
		t.Errorf("queue should be empty after cleanup, size=%d", q.Size(ctx))
	}
}

func TestClearExpiredRemovesOldMessages(t *testing.T) {
	t.Parallel()

	q, repo := newTestQueue(t)
	ctx := context.Background()

	old := &domain.QueuedMessage{
		ID:         "old",
		ScenarioID: "s1",
		Content:    "stale",
		Timestamp:  time.Now().Add(-25 * time.Hour).UnixMilli(),
	}
	if err := repo.AppendQueued(ctx, old); err != nil {
		t.Fatalf("AppendQueued failed: %v", err)
	}
	q.Add(ctx, "s1", "fresh")

	if dropped := q.ClearExpired(ctx); dropped != 1 {
		t.Errorf("expected 1 dropped entry, got %d", dropped)
	}

	msgs := q.Messages(ctx, "s1")
	if len(msgs) != 1 || msgs[0].Content != "fresh" {
		t.Errorf("expected only fresh message to survive: %v", msgs)
	}
}

func TestClearExpiredNotifiesOnlyOnShrink(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Add(ctx, "s1", "fresh")

	notifications := 0
	q.Notify(func(size int) { notifications++ })

	q.ClearExpired(ctx)
	if notifications != 0 {
		t.Errorf("expected no notification when nothing was dropped, got %d", notifications)
	}
}
