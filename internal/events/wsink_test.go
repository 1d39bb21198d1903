package events

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWSSinkStreamsEvents(t *testing.T) {
	bus := NewBus()
	sink, err := NewWSSink(bus, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewWSSink: %v", err)
	}
	defer sink.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+sink.Addr()+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the server to register the client before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.clients)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(Event{Type: Transcription, UserID: "u1", Text: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != Transcription || got.Text != "hello" || got.UserID != "u1" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Time.IsZero() {
		t.Fatal("event time not stamped")
	}
}
