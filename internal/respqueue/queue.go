// Package respqueue serializes spoken responses onto a channel's single
// audio output: a priority queue with one entry per user, a single
// exclusive playback slot, and interrupt signaling for cancellation.
package respqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// Response is one queued spoken reply. Priority orders playback (lower
// plays sooner); ties break on enqueue time.
type Response struct {
	UserID   string
	Username string
	Text     string
	Enqueued time.Time
	Priority int
}

// Queue holds pending responses for one output channel. At most one entry
// per user is queued at any time (the latest replaces earlier ones) and at
// most one response is ever playing.
type Queue struct {
	mu          sync.Mutex
	items       []*Response
	playing     bool
	playingUser string
	playCancel  func()
	ready       chan struct{}
	interrupts  []func()
}

func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Ready signals when the queue has work and nothing is playing. The
// playback loop blocks on this channel.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// OnInterrupt registers a handler fired when a currently playing response
// is cancelled. Handlers run outside the queue lock.
func (q *Queue) OnInterrupt(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.interrupts = append(q.interrupts, fn)
}

// Enqueue inserts r, replacing any existing entry for the same user, and
// re-sorts the queue by (priority, enqueue time). If nothing is currently
// playing it signals ready.
func (q *Queue) Enqueue(r Response) {
	if r.Enqueued.IsZero() {
		r.Enqueued = time.Now()
	}
	q.mu.Lock()
	q.removeLocked(r.UserID)
	item := r
	q.items = append(q.items, &item)
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority < q.items[j].Priority
		}
		return q.items[i].Enqueued.Before(q.items[j].Enqueued)
	})
	idle := !q.playing
	q.mu.Unlock()

	logging.Debugw("respqueue: enqueued response", logging.UserFields(r.UserID, r.Username)...)
	if idle {
		q.signalReady()
	}
}

// Dequeue pops and returns the head of the queue, or nil when empty.
func (q *Queue) Dequeue() *Response {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head
}

// CancelUser removes any queued entry for id. If none is queued but id's
// response is currently playing, it fires the interrupt handlers. Returns
// true when anything was cancelled, false for a pure no-op.
func (q *Queue) CancelUser(id string) bool {
	q.mu.Lock()
	removed := q.removeLocked(id)
	interrupting := !removed && q.playing && q.playingUser == id
	handlers := q.handlersLocked(interrupting)
	q.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	if removed || interrupting {
		logging.Debugw("respqueue: cancelled user", "user.id", id, "was_playing", interrupting)
		return true
	}
	return false
}

// CancelAll clears the queue and, if something is playing, fires the
// interrupt handlers. Idempotent.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	q.items = q.items[:0]
	handlers := q.handlersLocked(q.playing)
	q.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// InterruptPlayback fires the interrupt handlers if a response is playing,
// leaving the queue intact. Returns whether anything was playing.
func (q *Queue) InterruptPlayback() bool {
	q.mu.Lock()
	playing := q.playing
	handlers := q.handlersLocked(playing)
	q.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return playing
}

// BeginPlayback claims the single playback slot for r and records cancel
// as the way to interrupt it. It returns false if the slot is already
// taken; the caller must not play.
func (q *Queue) BeginPlayback(r *Response, cancel func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.playing {
		return false
	}
	q.playing = true
	q.playingUser = r.UserID
	q.playCancel = cancel
	return true
}

// EndPlayback releases the playback slot (and its cancel hook) and
// re-signals ready when more work is queued. Idempotent.
func (q *Queue) EndPlayback() {
	q.mu.Lock()
	q.playing = false
	q.playingUser = ""
	q.playCancel = nil
	pending := len(q.items) > 0
	q.mu.Unlock()
	if pending {
		q.signalReady()
	}
}

// Len reports the number of queued (not playing) responses.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Playing reports the user whose response currently occupies the playback
// slot, or "" when idle.
func (q *Queue) Playing() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.playing {
		return ""
	}
	return q.playingUser
}

func (q *Queue) removeLocked(userID string) bool {
	for i, it := range q.items {
		if it.UserID == userID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// handlersLocked snapshots the callbacks to fire for an interrupt: the
// in-flight playback's cancel hook plus every registered handler.
func (q *Queue) handlersLocked(fire bool) []func() {
	if !fire {
		return nil
	}
	out := make([]func(), 0, len(q.interrupts)+1)
	if q.playCancel != nil {
		out = append(out, q.playCancel)
	}
	out = append(out, q.interrupts...)
	return out
}

func (q *Queue) signalReady() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
