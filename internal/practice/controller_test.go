package practice

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/queue"
	"github.com/hamardikan/pelajari-edge/internal/store"
)

// fakeClient scripts the remote session API.
type fakeClient struct {
	mu sync.Mutex

	startErr   error
	initialMsg string

	sendErr    error
	nilReply   bool
	replyCount int

	endErr     error
	evaluation *domain.SessionEvaluation

	// endStarted is closed when EndSession begins; endRelease blocks it
	// until closed. Both are optional and single-use.
	endStarted chan struct{}
	endRelease chan struct{}

	sentKeys []string
}

func (f *fakeClient) StartSession(ctx context.Context, scenarioID string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", "", f.startErr
	}
	return "sess-1", f.initialMsg, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, sessionID, clientMessageID, content string) (*Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentKeys = append(f.sentKeys, clientMessageID)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.nilReply {
		return nil, nil
	}
	f.replyCount++
	return &Reply{
		ID:        fmt.Sprintf("m%d", f.replyCount),
		Content:   "reply to: " + content,
		Timestamp: time.Now(),
	}, nil
}

func (f *fakeClient) EndSession(ctx context.Context, sessionID string) (*domain.SessionEvaluation, error) {
	if f.endStarted != nil {
		close(f.endStarted)
		f.endStarted = nil
	}
	if f.endRelease != nil {
		<-f.endRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endErr != nil {
		return nil, f.endErr
	}
	return f.evaluation, nil
}

func (f *fakeClient) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func newTestController(t *testing.T, client *fakeClient, online bool) *Controller {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return NewController(client, queue.New(repo), online)
}

func startSession(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Start(context.Background(), "scenario-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestOnlineRoundTrip(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, true)
	startSession(t, c)

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	transcript := c.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected 2 transcript entries, got %d", len(transcript))
	}
	if transcript[0].Sender != domain.SenderUser || transcript[0].Content != "Hello" {
		t.Errorf("unexpected user entry: %+v", transcript[0])
	}
	if transcript[1].Sender != domain.SenderAI || transcript[1].ID != "m1" {
		t.Errorf("unexpected AI entry: %+v", transcript[1])
	}
	if transcript[0].Pending {
		t.Error("delivered message must not be flagged pending")
	}
}

func TestStartFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{startErr: errors.New("upstream 503")}
	c := newTestController(t, client, true)

	if err := c.Start(context.Background(), "scenario-1"); err == nil {
		t.Fatal("expected start failure to surface")
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after failed start, got %s", c.State())
	}

	// Retry after the failure succeeds.
	client.mu.Lock()
	client.startErr = nil
	client.mu.Unlock()
	startSession(t, c)
	if c.State() != StateActive {
		t.Errorf("expected active after retry, got %s", c.State())
	}
}

func TestInitialMessagePopulatesTranscript(t *testing.T) {
	t.Parallel()

	client := &fakeClient{initialMsg: "Welcome to the interview."}
	c := newTestController(t, client, true)
	startSession(t, c)

	transcript := c.Transcript()
	if len(transcript) != 1 || transcript[0].Sender != domain.SenderAI {
		t.Fatalf("expected initial AI message, got %v", transcript)
	}
}

func TestOfflineSendQueuesWithoutError(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, false)
	startSession(t, c)

	ctx := context.Background()
	if err := c.Send(ctx, "Test"); err != nil {
		t.Fatalf("offline send must not error: %v", err)
	}
	if err := c.Send(ctx, "Test"); err != nil {
		t.Fatalf("offline send must not error: %v", err)
	}

	indicator := c.Indicator()
	if indicator.Online {
		t.Error("indicator should report offline")
	}
	if indicator.QueuedMessages != 2 {
		t.Errorf("expected 2 queued messages, got %d", indicator.QueuedMessages)
	}

	transcript := c.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected both echoes in transcript, got %d", len(transcript))
	}
	for _, msg := range transcript {
		if !msg.Pending {
			t.Errorf("queued echo should be flagged pending: %+v", msg)
		}
	}

	// No delivery was attempted while offline.
	client.mu.Lock()
	sends := len(client.sentKeys)
	client.mu.Unlock()
	if sends != 0 {
		t.Errorf("expected no delivery attempts while offline, got %d", sends)
	}
}

func TestReconnectDrainsQueueInOrder(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, false)
	startSession(t, c)

	ctx := context.Background()
	_ = c.Send(ctx, "first")
	_ = c.Send(ctx, "second")

	c.SetOnline(ctx, true)

	indicator := c.Indicator()
	if indicator.QueuedMessages != 0 {
		t.Errorf("expected empty queue after drain, got %d", indicator.QueuedMessages)
	}

	transcript := c.Transcript()
	if len(transcript) != 4 {
		t.Fatalf("expected 4 transcript entries, got %d", len(transcript))
	}
	// Echoes first (appended at submission), then replies in FIFO replay
	// order. Replay after later live sends is accepted non-determinism in
	// general; within one drain pass the order is fixed.
	if transcript[2].Content != "reply to: first" || transcript[3].Content != "reply to: second" {
		t.Errorf("replies out of order: %q, %q", transcript[2].Content, transcript[3].Content)
	}
	for _, msg := range transcript[:2] {
		if msg.Pending {
			t.Errorf("replayed echo should no longer be pending: %+v", msg)
		}
	}
}

func TestOnlineDeliveryFailureDegradesToQueue(t *testing.T) {
	t.Parallel()

	client := &fakeClient{sendErr: errors.New("gateway timeout")}
	c := newTestController(t, client, true)
	startSession(t, c)

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("delivery failure must not surface as an error: %v", err)
	}

	indicator := c.Indicator()
	if indicator.QueuedMessages != 1 {
		t.Errorf("expected message queued after failed delivery, got %d", indicator.QueuedMessages)
	}

	transcript := c.Transcript()
	if len(transcript) != 1 || !transcript[0].Pending {
		t.Errorf("echo should remain, flagged pending: %v", transcript)
	}
}

func TestIdempotencyKeyIsStableAcrossReplays(t *testing.T) {
	t.Parallel()

	client := &fakeClient{sendErr: errors.New("down")}
	c := newTestController(t, client, true)
	startSession(t, c)

	ctx := context.Background()
	_ = c.Send(ctx, "Hello")

	// Two failing drains plus the eventual success replay the same queued
	// entry; the delivery primitive must see the same key each time.
	c.DrainQueue(ctx)
	client.setSendErr(nil)
	c.DrainQueue(ctx)

	client.mu.Lock()
	keys := client.sentKeys
	client.mu.Unlock()

	if len(keys) != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", len(keys))
	}
	if keys[1] != keys[2] {
		t.Errorf("replayed message used different idempotency keys: %q vs %q", keys[1], keys[2])
	}
}

func TestEndFailureKeepsSessionActive(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		endErr: errors.New("upstream 500"),
		evaluation: &domain.SessionEvaluation{
			OverallScore: 4.2,
		},
	}
	c := newTestController(t, client, true)
	startSession(t, c)

	if err := c.End(context.Background()); err == nil {
		t.Fatal("expected end failure to surface")
	}
	if c.State() != StateActive {
		t.Errorf("session should remain active after failed end, got %s", c.State())
	}

	// Ending may be retried.
	client.mu.Lock()
	client.endErr = nil
	client.mu.Unlock()
	if err := c.End(context.Background()); err != nil {
		t.Fatalf("retried end failed: %v", err)
	}
	if c.State() != StateEnded {
		t.Errorf("expected ended, got %s", c.State())
	}
	if c.Evaluation() == nil || c.Evaluation().OverallScore != 4.2 {
		t.Errorf("evaluation not recorded: %v", c.Evaluation())
	}
	if c.Session().Status != domain.StatusCompleted {
		t.Errorf("session status not completed: %s", c.Session().Status)
	}
}

func TestClearDuringEndDropsStaleResult(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		evaluation: &domain.SessionEvaluation{OverallScore: 4},
		endStarted: make(chan struct{}),
		endRelease: make(chan struct{}),
	}
	c := newTestController(t, client, true)
	startSession(t, c)

	started := client.endStarted
	done := make(chan error, 1)
	go func() { done <- c.End(context.Background()) }()

	<-started
	c.Clear()
	close(client.endRelease)

	if err := <-done; !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession for cleared session, got %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected idle after clear, got %s", c.State())
	}
	if c.Session() != nil || c.Evaluation() != nil {
		t.Error("stale end result must not resurrect the cleared session")
	}

	// The controller is not wedged: a new session may start.
	startSession(t, c)
	if c.State() != StateActive {
		t.Errorf("expected active after restart, got %s", c.State())
	}
}

func TestClearDuringFailedEndDoesNotWedge(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		endErr:     errors.New("upstream 500"),
		endStarted: make(chan struct{}),
		endRelease: make(chan struct{}),
	}
	c := newTestController(t, client, true)
	startSession(t, c)

	started := client.endStarted
	done := make(chan error, 1)
	go func() { done <- c.End(context.Background()) }()

	<-started
	c.Clear()
	close(client.endRelease)

	if err := <-done; !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession for cleared session, got %v", err)
	}
	// The failed end must not flip the cleared controller back to active.
	if c.State() != StateIdle {
		t.Errorf("expected idle after clear, got %s", c.State())
	}
	if err := c.Send(context.Background(), "hello"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession from send, got %v", err)
	}
}

func TestDrainedEmptyReplyClearsPendingFlag(t *testing.T) {
	t.Parallel()

	client := &fakeClient{nilReply: true}
	c := newTestController(t, client, false)
	startSession(t, c)

	ctx := context.Background()
	_ = c.Send(ctx, "Hello")
	c.SetOnline(ctx, true)

	if got := c.Indicator().QueuedMessages; got != 0 {
		t.Fatalf("expected drained queue, got %d", got)
	}
	transcript := c.Transcript()
	if len(transcript) != 1 {
		t.Fatalf("expected only the echo in the transcript, got %d entries", len(transcript))
	}
	if transcript[0].Pending {
		t.Error("confirmed delivery must clear the pending flag even without a reply body")
	}

	c.mu.Lock()
	leaked := len(c.pendingEcho)
	c.mu.Unlock()
	if leaked != 0 {
		t.Errorf("expected empty pending-echo map, got %d entries", leaked)
	}
}

func TestSendAfterEndIsRejected(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, true)
	startSession(t, c)

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := c.Send(context.Background(), "too late"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestLateReplyAfterEndIsDropped(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, true)
	startSession(t, c)

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	before := len(c.Transcript())

	c.HandleSessionMessage("sess-1", &Reply{ID: "late", Content: "arrived after end"})

	if len(c.Transcript()) != before {
		t.Error("in-flight reply arriving after end must be dropped")
	}
}

func TestClearResetsToIdle(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, true)
	startSession(t, c)
	_ = c.Send(context.Background(), "Hello")

	c.Clear()

	if c.State() != StateIdle {
		t.Errorf("expected idle after clear, got %s", c.State())
	}
	if c.Session() != nil || len(c.Transcript()) != 0 {
		t.Error("clear must discard session and transcript")
	}

	// A reply for the cleared session must not resurrect the transcript.
	c.HandleSessionMessage("sess-1", &Reply{ID: "ghost", Content: "stale"})
	if len(c.Transcript()) != 0 {
		t.Error("reply for cleared session must be dropped")
	}
}

func TestHandleSessionEndedIgnoresOtherSessions(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, true)
	startSession(t, c)

	c.HandleSessionEnded("other-session", &domain.SessionEvaluation{OverallScore: 1})
	if c.State() != StateActive {
		t.Errorf("foreign session-ended event must be ignored, state=%s", c.State())
	}

	c.HandleSessionEnded("sess-1", &domain.SessionEvaluation{OverallScore: 3})
	if c.State() != StateEnded || c.Evaluation() == nil {
		t.Error("session-ended event for current session must end it")
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	c := newTestController(t, client, true)
	startSession(t, c)

	if err := c.Start(context.Background(), "scenario-2"); !errors.Is(err, ErrSessionInProgress) {
		t.Errorf("expected ErrSessionInProgress, got %v", err)
	}
}
