package broadcast

// Package broadcast carries the cross-tab/cross-instance logout signal.
// Logout anywhere is observed everywhere; each observer independently
// redirects itself to the login page.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogoutEvent is the payload published when a session ends.
type LogoutEvent struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id,omitempty"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Logout reasons.
const (
	ReasonExplicit   = "logout"
	ReasonExpired    = "session_expired"
	ReasonInactivity = "inactivity"
)

// NewLogoutEvent builds an event with a fresh id and timestamp.
func NewLogoutEvent(userID, reason string) LogoutEvent {
	return LogoutEvent{
		ID:     uuid.NewString(),
		UserID: userID,
		Reason: reason,
		At:     time.Now().UTC(),
	}
}

// Broadcaster publishes logout events and lets observers subscribe to them.
type Broadcaster interface {
	Publish(ctx context.Context, ev LogoutEvent) error
	// Subscribe registers an observer. The returned cancel func removes it.
	Subscribe(fn func(LogoutEvent)) (cancel func())
	Close() error
}

// Memory is an in-process broadcaster: the shared-storage signal for a
// single-instance deployment.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(LogoutEvent)
}

var _ Broadcaster = (*Memory)(nil)

// NewMemory creates an in-process broadcaster.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]func(LogoutEvent))}
}

func (m *Memory) Publish(_ context.Context, ev LogoutEvent) error {
	m.mu.Lock()
	observers := make([]func(LogoutEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
	return nil
}

func (m *Memory) Subscribe(fn func(LogoutEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[int]func(LogoutEvent))
	return nil
}
