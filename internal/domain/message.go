// Package domain contains core domain types for the Pelajari edge client.
package domain

import (
	"time"
)

// Sender identifies who authored a transcript message.
type Sender string

// Message senders.
const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// QueuedMessage is a chat message that could not be delivered immediately
// and is staged durably until replay succeeds or the entry expires.
type QueuedMessage struct {
	ID         string `json:"id"`
	ScenarioID string `json:"scenario_id"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
	RetryCount int    `json:"retry_count"`
}

// Age returns how long the message has been queued relative to now.
func (m *QueuedMessage) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.Timestamp))
}

// SessionMessage is a single transcript entry. Entries are immutable once
// appended except for the Pending flag, which flips to false when a deferred
// delivery is later confirmed.
type SessionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending,omitempty"`
}
