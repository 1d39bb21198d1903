package respqueue

import (
	"context"

	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// PlayFunc synthesizes and plays one response. It should honor ctx
// cancellation promptly: the player cancels the context when the response
// is interrupted.
type PlayFunc func(ctx context.Context, r *Response) error

// Player is the external playback loop consuming a Queue. It drains the
// queue one response at a time through the queue's single playback slot
// and wires queue interrupts to the in-flight play context.
type Player struct {
	queue *Queue
	play  PlayFunc
}

func NewPlayer(q *Queue, play PlayFunc) *Player {
	return &Player{queue: q, play: play}
}

// Run consumes the queue until ctx is done. A play error abandons that
// response and keeps the loop alive; one bad response never halts the
// shared playback loop.
func (p *Player) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Ready():
			p.drain(ctx)
		}
	}
}

func (p *Player) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		r := p.queue.Dequeue()
		if r == nil {
			return
		}
		p.playOne(ctx, r)
	}
}

func (p *Player) playOne(ctx context.Context, r *Response) {
	playCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !p.queue.BeginPlayback(r, cancel) {
		// Slot taken; requeue and let the current playback re-signal.
		p.queue.Enqueue(*r)
		return
	}
	defer p.queue.EndPlayback()

	if err := p.play(playCtx, r); err != nil {
		if playCtx.Err() != nil {
			logging.Infow("respqueue: playback interrupted", logging.UserFields(r.UserID, r.Username)...)
			return
		}
		logging.Warnw("respqueue: playback failed", "user.id", r.UserID, "err", err)
	}
}
