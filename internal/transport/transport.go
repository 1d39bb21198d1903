// Package transport abstracts the raw audio transport: decoded per-user
// chunks in, one outbound playback stream per channel out. The engine core
// depends only on these interfaces; the Discord adapter lives alongside.
package transport

import (
	"context"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
)

// UserChunk is one decoded audio chunk attributed to a speaker.
type UserChunk struct {
	UserID   string
	Username string
	Chunk    audio.Chunk
}

// Channel is one joined voice channel. Receive and Play may be used
// concurrently; join/leave callbacks must be registered before the first
// Receive call.
type Channel interface {
	// Receive blocks until the next decoded chunk from any speaker.
	// Capture infrastructure failures wrap audio.ErrDevice.
	Receive(ctx context.Context) (UserChunk, error)
	// Play streams one WAV-encoded response onto the channel's single
	// output. It returns early when ctx is cancelled (interrupt).
	Play(ctx context.Context, wav []byte) error
	OnUserJoin(fn func(userID, username string))
	OnUserLeave(fn func(userID string))
	Close() error
}

// Transport joins voice channels.
type Transport interface {
	Join(ctx context.Context, channelID string) (Channel, error)
	Close() error
}
