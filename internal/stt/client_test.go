package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
)

func TestTranscribeSendsWAV(t *testing.T) {
	var gotContentType, gotLanguage string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotLanguage = r.URL.Query().Get("language")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"text": " hello world "}`))
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "en", "", time.Second)
	pcm := make([]int16, 16000)
	text, err := c.Transcribe(context.Background(), pcm, 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("transcript must be trimmed: %q", text)
	}
	if gotContentType != "audio/wav" {
		t.Fatalf("content type: %s", gotContentType)
	}
	if gotLanguage != "en" {
		t.Fatalf("language param: %s", gotLanguage)
	}

	decoded, rate, err := audio.DecodeWAV(gotBody)
	if err != nil {
		t.Fatalf("posted body is not a valid WAV: %v", err)
	}
	if rate != 16000 || len(decoded) != len(pcm) {
		t.Fatalf("wav payload mismatch: rate=%d samples=%d", rate, len(decoded))
	}
}

func TestTranscribeProviderError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "", "", time.Second)
	_, err := c.Transcribe(context.Background(), make([]int16, 160), 16000)
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("want ErrProvider, got %v", err)
	}
}

func TestTranscribeUnconfigured(t *testing.T) {
	c := NewClient("", "", "", time.Second)
	_, err := c.Transcribe(context.Background(), make([]int16, 160), 16000)
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("want ErrProvider, got %v", err)
	}
}
