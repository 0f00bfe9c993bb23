// Package ws maintains the realtime event channel to the Pelajari API. It
// dispatches session push events to the practice controller and doubles as
// the connectivity signal: a live socket means online, a failed one offline.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/hamardikan/pelajari-edge/internal/connectivity"
	"github.com/hamardikan/pelajari-edge/internal/domain"
	"github.com/hamardikan/pelajari-edge/internal/practice"
)

// maxReconnectAttempts bounds the exponential backoff growth. After this
// many consecutive failures the delay stops doubling but reconnection keeps
// being attempted.
const maxReconnectAttempts = 5

// Events receives dispatched session push events.
type Events interface {
	HandleSessionMessage(sessionID string, reply *practice.Reply)
	HandleSessionEnded(sessionID string, evaluation *domain.SessionEvaluation)
}

// event is the wire format of a push event.
type event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	Message   struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	} `json:"message"`
}

type sessionEndedPayload struct {
	SessionID  string                    `json:"sessionId"`
	Evaluation *domain.SessionEvaluation `json:"evaluation"`
}

type notificationPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Listener connects to the upstream WebSocket endpoint and dispatches events
// until its context is cancelled.
type Listener struct {
	url     string
	token   string
	events  Events
	monitor *connectivity.Monitor
}

// NewListener creates a listener for the given WebSocket URL.
func NewListener(url, token string, events Events, monitor *connectivity.Monitor) *Listener {
	return &Listener{
		url:     url,
		token:   token,
		events:  events,
		monitor: monitor,
	}
}

// Run connects and reads events, reconnecting with exponential backoff. It
// returns when ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := l.connectAndRead(ctx, func() { attempts = 0 })
		if ctx.Err() != nil {
			return
		}
		l.monitor.Set(false)
		if attempts < maxReconnectAttempts {
			attempts++
		}
		delay := time.Duration(1<<attempts) * time.Second
		slog.Warn("realtime channel lost, reconnecting", "error", err, "attempt", attempts, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndRead dials the socket and pumps events until the connection
// drops. onConnect fires after a successful dial.
func (l *Listener) connectAndRead(ctx context.Context, onConnect func()) error {
	opts := &websocket.DialOptions{}
	if l.token != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + l.token},
		}
	}

	conn, _, err := websocket.Dial(ctx, l.url, opts)
	if err != nil {
		return fmt.Errorf("dial realtime channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")

	slog.Info("realtime channel connected", "url", l.url)
	onConnect()
	l.monitor.Set(true)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read realtime event: %w", err)
		}
		l.dispatch(data)
	}
}

// dispatch decodes one event and routes it. Unknown event types are logged
// and dropped.
func (l *Listener) dispatch(data []byte) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("failed to decode realtime event", "error", err)
		return
	}

	switch ev.Type {
	case "session:message":
		var payload sessionMessagePayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("failed to decode session:message payload", "error", err)
			return
		}
		reply := &practice.Reply{
			ID:      payload.Message.ID,
			Content: payload.Message.Content,
		}
		if ts, err := time.Parse(time.RFC3339, payload.Message.Timestamp); err == nil {
			reply.Timestamp = ts
		}
		l.events.HandleSessionMessage(payload.SessionID, reply)

	case "session:ended":
		var payload sessionEndedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("failed to decode session:ended payload", "error", err)
			return
		}
		l.events.HandleSessionEnded(payload.SessionID, payload.Evaluation)

	case "notification":
		var payload notificationPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("failed to decode notification payload", "error", err)
			return
		}
		slog.Info("upstream notification", "type", payload.Type, "message", payload.Message)

	default:
		slog.Debug("ignoring unknown realtime event", "type", ev.Type)
	}
}
