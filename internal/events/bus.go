// Package events carries cross-component notifications through explicit
// typed listener registration instead of ad-hoc callbacks. Publish is
// synchronous, so listeners observe events in publication order and every
// registered listener sees every event at least once.
package events

import (
	"sync"
	"time"
)

// Type enumerates the notification kinds exposed by the engine.
type Type string

const (
	Transcription Type = "transcription"
	Response      Type = "response"
	StateChange   Type = "state_change"
	Error         Type = "error"
)

// Event is one notification. Fields are populated per type: Text for
// transcriptions and responses, State for state changes, Err for errors.
type Event struct {
	Type      Type      `json:"type"`
	ChannelID string    `json:"channel_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text,omitempty"`
	State     string    `json:"state,omitempty"`
	Err       string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Listener receives published events. Listeners must not block; anything
// slow belongs behind a buffered goroutine (see the websocket sink).
type Listener func(Event)

// Bus fans published events out to subscribers. Zero value is unusable;
// call NewBus.
type Bus struct {
	mu       sync.RWMutex
	byType   map[Type][]Listener
	everyone []Listener
}

func NewBus() *Bus {
	return &Bus{byType: make(map[Type][]Listener)}
}

// Subscribe registers fn for events of type t.
func (b *Bus) Subscribe(t Type, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], fn)
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.everyone = append(b.everyone, fn)
}

// Publish delivers e synchronously to all matching listeners in
// registration order.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	typed := b.byType[e.Type]
	all := b.everyone
	b.mu.RUnlock()
	for _, fn := range typed {
		fn(e)
	}
	for _, fn := range all {
		fn(e)
	}
}
