// Package chat defines the response-generation collaborator interface and
// an OpenAI-compatible HTTP client implementation.
package chat

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermanent marks failures that will not succeed on retry (4xx).
	ErrPermanent = errors.New("permanent error")
	// ErrTransient marks failures worth retrying (network, 5xx, 429).
	ErrTransient = errors.New("transient error")
)

// Responder generates one conversational reply. An empty string with a nil
// error signals "no reply" and nothing is played. Failures abandon the
// turn; a context deadline is treated by callers as a normal no-response.
type Responder interface {
	Chat(ctx context.Context, userID, text string, duration time.Duration) (string, error)
}
