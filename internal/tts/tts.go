// Package tts defines the text-to-speech collaborator interface and an
// HTTP client implementation.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/httputil"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// ErrProvider marks synthesis infrastructure failures. The current turn is
// abandoned; the pipeline resumes listening.
var ErrProvider = errors.New("tts provider error")

// Synthesizer renders text to playable audio bytes (WAV).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Client posts {"text": ...} to an HTTP synthesis endpoint and returns the
// raw audio bytes of the response body.
type Client struct {
	URL     string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
}

func NewClient(endpoint, token string, timeout time.Duration) *Client {
	return &Client{URL: endpoint, Token: token, Timeout: timeout, HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("%w: endpoint not configured", ErrProvider)
	}
	body, _ := json.Marshal(map[string]string{"text": text})
	resp, err := httputil.PostWithRetries(ctx, c.HTTP, c.URL, "application/json", body, c.Token, c.Timeout, 2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}
	audioBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProvider, err)
	}
	logging.DebugwCtx(ctx, "tts: synthesized audio", "text_len", len(text), "audio_bytes", len(audioBytes))
	return audioBytes, nil
}
