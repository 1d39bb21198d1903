package httputil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRetriesServerErrors(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	resp, err := PostWithRetries(context.Background(), ts.Client(), ts.URL, "text/plain", []byte("x"), "", time.Second, 3)
	if err != nil {
		t.Fatalf("PostWithRetries: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", attempts)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer ts.Close()

	resp, err := PostWithRetries(context.Background(), ts.Client(), ts.URL, "text/plain", nil, "", time.Second, 3)
	if err != nil {
		t.Fatalf("PostWithRetries: %v", err)
	}
	resp.Body.Close()
	if attempts != 1 {
		t.Fatalf("4xx must not retry, attempts=%d", attempts)
	}
}

func TestAuthHeaderSet(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	resp, err := PostWithRetries(context.Background(), ts.Client(), ts.URL, "text/plain", nil, "secret-token", time.Second, 1)
	if err != nil {
		t.Fatalf("PostWithRetries: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header: %q", gotAuth)
	}
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := PostWithRetries(ctx, ts.Client(), ts.URL, "text/plain", nil, "", 10*time.Second, 5)
	if err == nil {
		t.Fatal("expected an error from the expired context")
	}
}
