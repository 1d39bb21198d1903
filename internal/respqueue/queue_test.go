package respqueue

import (
	"testing"
	"time"
)

func TestEnqueueReplacesSameUser(t *testing.T) {
	q := New()
	q.Enqueue(Response{UserID: "u1", Text: "first"})
	q.Enqueue(Response{UserID: "u1", Text: "second"})

	if q.Len() != 1 {
		t.Fatalf("one entry per user: want=1 got=%d", q.Len())
	}
	r := q.Dequeue()
	if r == nil || r.Text != "second" {
		t.Fatalf("latest response must win, got %+v", r)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	base := time.Now()
	q.Enqueue(Response{UserID: "late-low", Priority: 0, Enqueued: base.Add(2 * time.Second)})
	q.Enqueue(Response{UserID: "high", Priority: 1, Enqueued: base})
	q.Enqueue(Response{UserID: "early-low", Priority: 0, Enqueued: base.Add(time.Second)})

	want := []string{"early-low", "late-low", "high"}
	for _, id := range want {
		r := q.Dequeue()
		if r == nil || r.UserID != id {
			t.Fatalf("ordering mismatch: want=%s got=%+v", id, r)
		}
	}
	if q.Dequeue() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestCancelUserQueued(t *testing.T) {
	q := New()
	q.Enqueue(Response{UserID: "u1"})
	q.Enqueue(Response{UserID: "u2"})

	if !q.CancelUser("u1") {
		t.Fatal("cancelling a queued user must report true")
	}
	if q.Len() != 1 {
		t.Fatalf("want 1 remaining, got %d", q.Len())
	}
	if r := q.Dequeue(); r.UserID != "u2" {
		t.Fatalf("wrong survivor: %s", r.UserID)
	}
}

func TestCancelUserNoop(t *testing.T) {
	q := New()
	if q.CancelUser("ghost") {
		t.Fatal("cancelling an absent user must be a no-op reporting false")
	}
	// Repeat to confirm idempotency.
	if q.CancelUser("ghost") {
		t.Fatal("second cancel must still be a no-op")
	}
}

func TestCancelPlayingFiresInterrupt(t *testing.T) {
	q := New()
	fired := 0
	q.OnInterrupt(func() { fired++ })

	r := &Response{UserID: "u1"}
	cancelled := false
	if !q.BeginPlayback(r, func() { cancelled = true }) {
		t.Fatal("slot should be free")
	}
	if !q.CancelUser("u1") {
		t.Fatal("cancelling the playing user must report true")
	}
	if !cancelled {
		t.Fatal("playback cancel hook not fired")
	}
	if fired != 1 {
		t.Fatalf("interrupt handlers fired %d times, want 1", fired)
	}
}

func TestInterruptPlaybackLeavesQueue(t *testing.T) {
	q := New()
	q.Enqueue(Response{UserID: "queued"})
	if q.InterruptPlayback() {
		t.Fatal("nothing playing, must report false")
	}

	cancelled := false
	q.BeginPlayback(&Response{UserID: "playing"}, func() { cancelled = true })
	if !q.InterruptPlayback() {
		t.Fatal("must report true while playing")
	}
	if !cancelled {
		t.Fatal("cancel hook not fired")
	}
	if q.Len() != 1 {
		t.Fatalf("queued entries must survive an interrupt, got %d", q.Len())
	}
}

func TestCancelAllIdempotent(t *testing.T) {
	q := New()
	q.Enqueue(Response{UserID: "u1"})
	q.Enqueue(Response{UserID: "u2"})
	q.CancelAll()
	q.CancelAll()
	if q.Len() != 0 {
		t.Fatalf("want empty queue, got %d", q.Len())
	}
}

func TestPlaybackSlotExclusive(t *testing.T) {
	q := New()
	if !q.BeginPlayback(&Response{UserID: "u1"}, func() {}) {
		t.Fatal("first claim must succeed")
	}
	if q.BeginPlayback(&Response{UserID: "u2"}, func() {}) {
		t.Fatal("second claim must fail while slot is held")
	}
	if q.Playing() != "u1" {
		t.Fatalf("playing user: want=u1 got=%s", q.Playing())
	}

	q.EndPlayback()
	q.EndPlayback() // idempotent
	if q.Playing() != "" {
		t.Fatal("slot must be free after EndPlayback")
	}
	if !q.BeginPlayback(&Response{UserID: "u2"}, func() {}) {
		t.Fatal("slot must be claimable again")
	}
}

func TestReadySignalledWhenIdle(t *testing.T) {
	q := New()
	q.Enqueue(Response{UserID: "u1"})
	select {
	case <-q.Ready():
	default:
		t.Fatal("enqueue on an idle queue must signal ready")
	}

	// While playing, enqueue must not signal.
	q.BeginPlayback(&Response{UserID: "u1"}, func() {})
	q.Enqueue(Response{UserID: "u2"})
	select {
	case <-q.Ready():
		t.Fatal("enqueue while playing must not signal ready")
	default:
	}

	// Releasing the slot with pending work re-signals.
	q.EndPlayback()
	select {
	case <-q.Ready():
	default:
		t.Fatal("EndPlayback with pending work must signal ready")
	}
}
