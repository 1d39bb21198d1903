package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
	"github.com/voice-interaction-lab/voicebot/internal/httputil"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// Client posts WAV-wrapped PCM to an HTTP transcription endpoint
// (faster-whisper style: POST audio/wav, JSON {"text": ...} back).
type Client struct {
	URL      string
	Language string
	Token    string
	Timeout  time.Duration
	HTTP     *http.Client
}

func NewClient(endpoint, language, token string, timeout time.Duration) *Client {
	return &Client{
		URL:      endpoint,
		Language: language,
		Token:    token,
		Timeout:  timeout,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// Transcribe wraps pcm in a WAV container and posts it, retrying transient
// failures. Errors wrap ErrProvider.
func (c *Client) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("%w: endpoint not configured", ErrProvider)
	}
	endpoint := c.URL
	if c.Language != "" {
		if u, err := url.Parse(c.URL); err == nil {
			q := u.Query()
			q.Set("language", c.Language)
			u.RawQuery = q.Encode()
			endpoint = u.String()
		}
	}

	wav := audio.EncodeWAV16(pcm, sampleRate)
	sent := time.Now()
	logging.DebugwCtx(ctx, "stt: sending audio", "bytes", len(wav), "samples", len(pcm),
		"duration_ms", audio.SamplesDuration(len(pcm), sampleRate).Milliseconds())

	resp, err := httputil.PostWithRetries(ctx, c.HTTP, endpoint, "audio/wav", wav, c.Token, c.Timeout, 3)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	transcript := strings.TrimSpace(out.Text)
	logging.InfowCtx(ctx, "stt: response received",
		"status", resp.StatusCode, "latency_ms", time.Since(sent).Milliseconds(), "transcript_len", len(transcript))
	return transcript, nil
}
