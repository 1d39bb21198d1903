package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/httputil"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// Client talks to an OpenAI-compatible chat completions endpoint. The
// system message carries speaker metadata so the backend can use it.
type Client struct {
	BaseURL string
	Model   string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
}

func NewClient(baseURL, model, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Token:   token,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Chat(ctx context.Context, userID, text string, duration time.Duration) (string, error) {
	if c.BaseURL == "" {
		return "", fmt.Errorf("%w: endpoint not configured", ErrPermanent)
	}
	payload := map[string]interface{}{
		"messages": []map[string]string{
			{"role": "system", "content": fmt.Sprintf("source: voicebot; user_id: %s; utterance_seconds: %.1f", userID, duration.Seconds())},
			{"role": "user", "content": text},
		},
	}
	if c.Model != "" {
		payload["model"] = c.Model
	}
	body, _ := json.Marshal(payload)

	url := c.BaseURL + "/chat/completions"
	resp, err := httputil.PostWithRetries(ctx, c.HTTP, url, "application/json", body, c.Token, c.Timeout, 3)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		reply := ""
		if len(out.Choices) > 0 {
			reply = strings.TrimSpace(out.Choices[0].Message.Content)
		}
		logging.InfowCtx(ctx, "chat: reply received", "user.id", userID, "reply_len", len(reply))
		return reply, nil
	case resp.StatusCode >= 500 || resp.StatusCode == 429:
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
}
