// Package practice implements the roleplay practice-session state machine:
// optimistic transcript echo, immediate delivery when online, offline
// queueing on failure, and queue replay on reconnection.
package practice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/queue"
)

// State identifies where the controller is in the session lifecycle.
type State string

// Session controller states.
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
	StateEnded    State = "ended"
)

// Sentinel errors for lifecycle misuse.
var (
	ErrNoActiveSession   = errors.New("no active session")
	ErrSessionInProgress = errors.New("a session is already in progress")
	ErrSessionEnded      = errors.New("session has ended")
)

// Reply is the success payload of the delivery primitive.
type Reply struct {
	ID        string
	Content   string
	Timestamp time.Time
}

// SessionClient is the remote session API consumed by the controller. The
// same SendMessage primitive serves live sends and queue replay;
// clientMessageID is the caller-minted idempotency key.
type SessionClient interface {
	StartSession(ctx context.Context, scenarioID string) (sessionID, initialMessage string, err error)
	SendMessage(ctx context.Context, sessionID, clientMessageID, content string) (*Reply, error)
	EndSession(ctx context.Context, sessionID string) (*domain.SessionEvaluation, error)
}

// Indicator carries the user-visible connectivity state.
type Indicator struct {
	Online         bool `json:"online"`
	QueuedMessages int  `json:"queued_messages"`
}

// Controller is the practice-session state machine. All exported methods are
// safe for concurrent use; the lock is never held across a network call, so
// a send in flight does not block new submissions.
type Controller struct {
	client SessionClient
	queue  *queue.Queue

	mu         sync.Mutex
	state      State
	online     bool
	session    *domain.RoleplaySession
	transcript []domain.SessionMessage
	evaluation *domain.SessionEvaluation
	queueSize  int

	// pendingEcho maps a queued message ID to the transcript entry it
	// shadows, so a confirmed replay can clear the Pending flag.
	pendingEcho map[string]string
}

// NewController creates a controller wired to the given session client and
// offline queue.
func NewController(client SessionClient, q *queue.Queue, online bool) *Controller {
	c := &Controller{
		client:      client,
		queue:       q,
		state:       StateIdle,
		online:      online,
		pendingEcho: make(map[string]string),
	}
	c.queueSize = q.Size(context.Background())
	q.Notify(func(size int) {
		c.mu.Lock()
		c.queueSize = size
		c.mu.Unlock()
	})
	return c
}

// Start begins a session for a scenario. On failure the controller returns
// to idle and the error is surfaced; starting may be retried.
func (c *Controller) Start(ctx context.Context, scenarioID string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionInProgress
	}
	c.state = StateStarting
	c.mu.Unlock()

	sessionID, initialMessage, err := c.client.StartSession(ctx, scenarioID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateIdle
		return err
	}

	c.session = &domain.RoleplaySession{
		ID:         sessionID,
		ScenarioID: scenarioID,
		Status:     domain.StatusActive,
		StartedAt:  time.Now(),
	}
	c.transcript = nil
	c.evaluation = nil
	c.pendingEcho = make(map[string]string)
	if initialMessage != "" {
		c.transcript = append(c.transcript, domain.SessionMessage{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Sender:    domain.SenderAI,
			Content:   initialMessage,
			Timestamp: time.Now(),
		})
	}
	c.state = StateActive
	slog.Info("practice session started", "session_id", sessionID, "scenario_id", scenarioID)
	return nil
}

// Send submits user text. The user echo is appended immediately and never
// rolled back. Delivery failures are not errors: the message is enqueued for
// replay and the caller sees only the queued indicator.
func (c *Controller) Send(ctx context.Context, content string) error {
	c.mu.Lock()
	if c.state != StateActive || c.session == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.evaluation != nil {
		c.mu.Unlock()
		return ErrSessionEnded
	}

	session := *c.session
	online := c.online
	echo := domain.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Sender:    domain.SenderUser,
		Content:   content,
		Timestamp: time.Now(),
	}
	c.transcript = append(c.transcript, echo)
	c.mu.Unlock()

	if !online {
		c.enqueue(ctx, session.ScenarioID, content, echo.ID)
		return nil
	}

	reply, err := c.client.SendMessage(ctx, session.ID, echo.ID, content)
	if err != nil {
		slog.Warn("message delivery failed, queueing", "session_id", session.ID, "error", err)
		c.enqueue(ctx, session.ScenarioID, content, echo.ID)
		return nil
	}

	c.appendReply(session.ID, reply, "")
	return nil
}

// enqueue stages undelivered content and flags the matching echo as pending.
func (c *Controller) enqueue(ctx context.Context, scenarioID, content, echoID string) {
	queued := c.queue.Add(ctx, scenarioID, content)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingEcho[queued.ID] = echoID
	for i := range c.transcript {
		if c.transcript[i].ID == echoID {
			c.transcript[i].Pending = true
			break
		}
	}
}

// appendReply appends an AI reply to the transcript, guarded against the
// session having been ended or cleared while the response was in flight.
// queuedID, when non-empty, identifies the replayed queue entry whose echo
// should lose its pending flag.
func (c *Controller) appendReply(sessionID string, reply *Reply, queuedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Confirmed delivery clears the echo's pending flag even when the
	// upstream produced no reply body.
	if queuedID != "" {
		if echoID, ok := c.pendingEcho[queuedID]; ok {
			for i := range c.transcript {
				if c.transcript[i].ID == echoID {
					c.transcript[i].Pending = false
					break
				}
			}
			delete(c.pendingEcho, queuedID)
		}
	}

	if reply == nil {
		return
	}
	if c.state != StateActive || c.session == nil || c.session.ID != sessionID {
		slog.Debug("dropping reply for stale session", "session_id", sessionID)
		return
	}

	ts := reply.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	c.transcript = append(c.transcript, domain.SessionMessage{
		ID:        reply.ID,
		SessionID: sessionID,
		Sender:    domain.SenderAI,
		Content:   reply.Content,
		Timestamp: ts,
	})
}

// SetOnline flips the connectivity flag. A transition to online drains the
// offline queue for the current scenario through the live delivery primitive.
func (c *Controller) SetOnline(ctx context.Context, online bool) {
	c.mu.Lock()
	c.online = online
	session := c.session
	active := c.state == StateActive
	c.mu.Unlock()

	if !online || !active || session == nil {
		return
	}
	c.DrainQueue(ctx)
}

// DrainQueue runs one replay pass over the current scenario's queued
// messages. Each confirmed delivery appends its AI reply in queue order.
// Interleaving with concurrent live sends is accepted: queue draining and
// live sending are independent flows.
func (c *Controller) DrainQueue(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateActive || c.session == nil {
		c.mu.Unlock()
		return
	}
	session := *c.session
	c.mu.Unlock()

	c.queue.Process(ctx, session.ScenarioID, func(ctx context.Context, msg *domain.QueuedMessage) error {
		reply, err := c.client.SendMessage(ctx, session.ID, msg.ID, msg.Content)
		if err != nil {
			return err
		}
		c.appendReply(session.ID, reply, msg.ID)
		return nil
	})
}

// End finishes the session and records its evaluation. On failure the
// session remains active and ending may be retried.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive || c.session == nil {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	c.state = StateEnding
	session := *c.session
	c.mu.Unlock()

	evaluation, err := c.client.EndSession(ctx, session.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEnding || c.session == nil || c.session.ID != session.ID {
		// The session was cleared while the end call was in flight. Drop
		// the stale result rather than mutating whatever replaced it.
		slog.Debug("dropping end result for stale session", "session_id", session.ID)
		return ErrNoActiveSession
	}
	if err != nil {
		c.state = StateActive
		return err
	}

	now := time.Now()
	c.session.Status = domain.StatusCompleted
	c.session.CompletedAt = &now
	c.evaluation = evaluation
	c.state = StateEnded
	slog.Info("practice session ended", "session_id", session.ID)
	return nil
}

// HandleSessionMessage processes an AI message pushed over the realtime
// channel. Messages for a stale or ended session are dropped.
func (c *Controller) HandleSessionMessage(sessionID string, reply *Reply) {
	c.appendReply(sessionID, reply, "")
}

// HandleSessionEnded processes a session-ended push event: the session
// becomes inactive and the evaluation record populates.
func (c *Controller) HandleSessionEnded(sessionID string, evaluation *domain.SessionEvaluation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.ID != sessionID {
		return
	}
	now := time.Now()
	c.session.Status = domain.StatusCompleted
	c.session.CompletedAt = &now
	c.evaluation = evaluation
	c.state = StateEnded
}

// Clear discards the in-memory transcript and session reference. Pure
// client-side cleanup; always succeeds.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.transcript = nil
	c.evaluation = nil
	c.pendingEcho = make(map[string]string)
	c.state = StateIdle
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session record, or nil.
func (c *Controller) Session() *domain.RoleplaySession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	session := *c.session
	return &session
}

// Transcript returns a copy of the transcript in insertion order.
func (c *Controller) Transcript() []domain.SessionMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.SessionMessage, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Evaluation returns the session evaluation, or nil if none was produced.
func (c *Controller) Evaluation() *domain.SessionEvaluation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evaluation
}

// Indicator returns the user-visible connectivity state and queued count.
func (c *Controller) Indicator() Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Indicator{Online: c.online, QueuedMessages: c.queueSize}
}
