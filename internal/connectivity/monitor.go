// Package connectivity tracks the online/offline state of the upstream link
// and notifies subscribers on transitions.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor is an observer hub for connectivity transitions. The WebSocket
// listener drives it; the session controller and gateway subscribe.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []func(online bool)
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online returns the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback invoked on every state transition.
// Callbacks run synchronously on the goroutine that triggered the change.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Set updates the connectivity state. Subscribers are notified only on an
// actual transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	slog.Info("connectivity changed", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}
