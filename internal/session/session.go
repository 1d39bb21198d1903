package session

import "time"

// Mode is a channel's operating mode.
type Mode string

const (
	// ModeNormal gates utterances on the wake word / trigger phrase.
	ModeNormal Mode = "normal"
	// ModeSilent transcribes and publishes but never dispatches replies.
	ModeSilent Mode = "silent"
	// ModeFree skips wake-word/trigger gating entirely.
	ModeFree Mode = "free"
)

// InterruptPolicy decides what a newly accepted utterance does to another
// user's currently playing response.
type InterruptPolicy string

const (
	// PolicyDisplace cancels the playing response (default; latest speaker
	// takes the channel).
	PolicyDisplace InterruptPolicy = "displace"
	// PolicyQueue leaves playback alone and waits in line.
	PolicyQueue InterruptPolicy = "queue"
)

// UserSession is one user's per-channel state, owned exclusively by the
// channel's orchestrator. All access goes through the orchestrator mutex.
type UserSession struct {
	UserID       string
	Username     string
	Processing   bool
	LastActivity time.Time
}
