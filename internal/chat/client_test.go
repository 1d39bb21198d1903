package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func completionsHandler(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": reply}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestChatReply(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		completionsHandler("  hello there  ")(w, r)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "local-model", "", time.Second)
	reply, err := c.Chat(context.Background(), "u1", "hello", 2*time.Second)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("reply must be trimmed: %q", reply)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("wrong path: %s", gotPath)
	}
	if gotBody["model"] != "local-model" {
		t.Fatalf("model not sent: %v", gotBody["model"])
	}
}

func TestChatPermanentError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", "", time.Second)
	_, err := c.Chat(context.Background(), "u1", "hi", time.Second)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("401 must be permanent, got %v", err)
	}
}

func TestChatTransientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", "", time.Second)
	_, err := c.Chat(context.Background(), "u1", "hi", time.Second)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("503 must be transient, got %v", err)
	}
}

func TestChatRetriesServerErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		completionsHandler("recovered")(w, r)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", "", time.Second)
	reply, err := c.Chat(context.Background(), "u1", "hi", time.Second)
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if reply != "recovered" {
		t.Fatalf("reply: %q", reply)
	}
	if attempts != 3 {
		t.Fatalf("attempts: want=3 got=%d", attempts)
	}
}

func TestChatContextCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewClient(ts.URL, "", "", 10*time.Second)
	_, err := c.Chat(ctx, "u1", "hi", 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("caller deadline must surface as DeadlineExceeded, got %v", err)
	}
}

func TestChatUnconfigured(t *testing.T) {
	c := NewClient("", "", "", time.Second)
	_, err := c.Chat(context.Background(), "u1", "hi", time.Second)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("missing endpoint must be permanent, got %v", err)
	}
}
