package respqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestPlayerSerializesPlayback enqueues responses for several users and
// checks that at most one is ever inside the play function at a time.
func TestPlayerSerializesPlayback(t *testing.T) {
	q := New()
	var (
		mu         sync.Mutex
		concurrent int
		max        int
		played     []string
	)
	done := make(chan struct{})
	p := NewPlayer(q, func(ctx context.Context, r *Response) error {
		mu.Lock()
		concurrent++
		if concurrent > max {
			max = concurrent
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		concurrent--
		played = append(played, r.UserID)
		if len(played) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	q.Enqueue(Response{UserID: "u1", Text: "a"})
	q.Enqueue(Response{UserID: "u2", Text: "b"})
	q.Enqueue(Response{UserID: "u3", Text: "c"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback")
	}
	mu.Lock()
	defer mu.Unlock()
	if max != 1 {
		t.Fatalf("playback overlapped: max concurrency %d", max)
	}
	if len(played) != 3 {
		t.Fatalf("want 3 played, got %d", len(played))
	}
}

// TestPlayerInterrupt cancels the in-flight play context through the
// queue's interrupt path and checks the loop moves on to the next entry.
func TestPlayerInterrupt(t *testing.T) {
	q := New()
	started := make(chan string, 4)
	finished := make(chan string, 4)
	p := NewPlayer(q, func(ctx context.Context, r *Response) error {
		started <- r.UserID
		if r.UserID == "victim" {
			<-ctx.Done()
			return ctx.Err()
		}
		finished <- r.UserID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	q.Enqueue(Response{UserID: "victim", Text: "long"})

	select {
	case id := <-started:
		if id != "victim" {
			t.Fatalf("unexpected first playback: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}

	q.Enqueue(Response{UserID: "next", Text: "short"})
	if !q.InterruptPlayback() {
		t.Fatal("expected something playing")
	}

	select {
	case id := <-finished:
		if id != "next" {
			t.Fatalf("want next to play after interrupt, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not continue past the interrupted response")
	}
}

// TestPlayerSurvivesErrors: a failing play never halts the loop.
func TestPlayerSurvivesErrors(t *testing.T) {
	q := New()
	finished := make(chan string, 2)
	p := NewPlayer(q, func(ctx context.Context, r *Response) error {
		if r.UserID == "bad" {
			return errors.New("synthesis exploded")
		}
		finished <- r.UserID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	q.Enqueue(Response{UserID: "bad", Priority: 0, Enqueued: time.Now()})
	q.Enqueue(Response{UserID: "good", Priority: 0, Enqueued: time.Now().Add(time.Millisecond)})

	select {
	case id := <-finished:
		if id != "good" {
			t.Fatalf("unexpected playback: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop halted after a play error")
	}
}
