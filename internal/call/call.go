// Package call runs a single-party conversation: one remote party on a
// dedicated call session, driven through a listen, transcribe, respond,
// speak cycle. Signaling and audio routing are external collaborators;
// this package owns the call state machine and the turn loop.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voice-interaction-lab/voicebot/internal/config"
	"github.com/voice-interaction-lab/voicebot/internal/events"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
	"github.com/voice-interaction-lab/voicebot/internal/segment"
	"github.com/voice-interaction-lab/voicebot/internal/stt"
	"github.com/voice-interaction-lab/voicebot/internal/tts"
)

// State is the call lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateHangingUp State = "hanging-up"
)

// Result reports how a connection attempt ended.
type Result string

const (
	ResultConnected Result = "connected"
	ResultNoAnswer  Result = "no_answer"
)

// Signaler is the external call-control collaborator.
type Signaler interface {
	// Dial places an outbound call.
	Dial(ctx context.Context) error
	// Answer accepts an inbound call.
	Answer(ctx context.Context) error
	// WaitConnected blocks until the remote party is connected or ctx
	// expires.
	WaitConnected(ctx context.Context) error
	// HangUp ends the call. Must tolerate being called on an already
	// ended call.
	HangUp(ctx context.Context) error
}

// AudioOut plays synthesized audio to the remote party.
type AudioOut interface {
	Play(ctx context.Context, wav []byte) error
}

// RespondFunc produces the spoken reply for a transcript. A nil
// registration means the loop only transcribes and emits events.
type RespondFunc func(ctx context.Context, transcript string) (string, error)

// Deps bundles the loop's collaborators.
type Deps struct {
	Signaler Signaler
	Source   segment.ChunkSource
	Out      AudioOut
	STT      stt.Transcriber
	TTS      tts.Synthesizer
	Bus      *events.Bus
	Respond  RespondFunc
}

// Loop is the single-party conversation loop. One instance per call
// session; all public methods are safe for concurrent use.
type Loop struct {
	id     string
	cfg    config.Call
	segCfg segment.Config
	deps   Deps

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hallucinations map[string]struct{}
}

func NewLoop(cfg config.Call, segCfg segment.Config, deps Deps) *Loop {
	h := make(map[string]struct{}, len(cfg.HallucinationPhrases))
	for _, p := range cfg.HallucinationPhrases {
		h[normalize(p)] = struct{}{}
	}
	return &Loop{
		id:             uuid.NewString(),
		cfg:            cfg,
		segCfg:         segCfg,
		deps:           deps,
		state:          StateIdle,
		hallucinations: h,
	}
}

// State returns the current call state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ring marks an inbound call waiting to be answered. Only valid from
// idle.
func (l *Loop) Ring() error {
	return l.transition(StateIdle, StateRinging)
}

// StartCall dials out and waits for the remote party. A connection
// timeout is a normal no-answer outcome, not an error; the external call
// is hung up and the loop returns to idle.
func (l *Loop) StartCall(ctx context.Context) (Result, error) {
	if err := l.transition(StateIdle, StateCalling); err != nil {
		return "", err
	}
	if err := l.deps.Signaler.Dial(ctx); err != nil {
		l.setState(StateIdle)
		return "", fmt.Errorf("call: dial: %w", err)
	}
	return l.awaitConnection(ctx)
}

// AnswerCall accepts an inbound call. Valid from idle or ringing.
func (l *Loop) AnswerCall(ctx context.Context) (Result, error) {
	if err := l.transition(StateIdle, StateCalling); err != nil {
		if err = l.transition(StateRinging, StateCalling); err != nil {
			return "", err
		}
	}
	if err := l.deps.Signaler.Answer(ctx); err != nil {
		l.setState(StateIdle)
		return "", fmt.Errorf("call: answer: %w", err)
	}
	return l.awaitConnection(ctx)
}

func (l *Loop) awaitConnection(ctx context.Context) (Result, error) {
	wctx, wcancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout())
	defer wcancel()
	if err := l.deps.Signaler.WaitConnected(wctx); err != nil {
		hctx, hcancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout())
		defer hcancel()
		if herr := l.deps.Signaler.HangUp(hctx); herr != nil {
			logging.Warnw("call: hangup after failed connect", "err", herr)
		}
		l.setState(StateIdle)
		if errors.Is(err, context.DeadlineExceeded) {
			logging.Infow("call: no answer within timeout")
			return ResultNoAnswer, nil
		}
		return "", fmt.Errorf("call: waiting for connection: %w", err)
	}

	l.mu.Lock()
	if l.state != StateCalling {
		// HangUp won the race while the signaler was confirming; the
		// remote leg must not outlive the local abort.
		l.mu.Unlock()
		hctx, hcancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout())
		defer hcancel()
		if herr := l.deps.Signaler.HangUp(hctx); herr != nil {
			logging.Warnw("call: hangup after aborted connect", append(logging.CallFields(l.id, string(l.State())), "err", herr)...)
		}
		return ResultNoAnswer, nil
	}
	lctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.state = StateConnected
	l.wg.Add(1)
	l.mu.Unlock()
	l.publishState(StateConnected)

	go func() {
		defer l.wg.Done()
		l.run(lctx)
	}()
	return ResultConnected, nil
}

// HangUp ends the call from any non-idle state and returns to idle.
// Calling it while already idle is a no-op.
func (l *Loop) HangUp(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateIdle {
		l.mu.Unlock()
		return nil
	}
	l.state = StateHangingUp
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	l.publishState(StateHangingUp)

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	err := l.deps.Signaler.HangUp(ctx)
	l.setState(StateIdle)
	if err != nil {
		return fmt.Errorf("call: hangup: %w", err)
	}
	return nil
}

// run is the listen, process, speak cycle. Errors are contained per
// iteration: log, pause, resume. Only context cancellation ends the loop.
func (l *Loop) run(ctx context.Context) {
	seg := segment.New(l.deps.Source, l.segCfg)
	for ctx.Err() == nil {
		if err := l.iterate(ctx, seg); err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warnw("call: iteration failed", append(logging.CallFields(l.id, string(StateConnected)), "err", err)...)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.RetryDelay()):
			}
		}
	}
}

func (l *Loop) iterate(ctx context.Context, seg *segment.Segmenter) error {
	u, err := seg.Next(ctx, "caller")
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}

	text, err := l.deps.STT.Transcribe(ctx, u.PCM, u.SampleRate)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if l.isNoise(text) {
		logging.Debugw("call: transcript dropped as noise", "text", text)
		return nil
	}
	l.publish(events.Event{Type: events.Transcription, UserID: "caller", Text: text})

	if l.deps.Respond == nil {
		return nil
	}
	reply, err := l.deps.Respond(ctx, text)
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	if reply == "" {
		return nil
	}
	l.publish(events.Event{Type: events.Response, UserID: "caller", Text: reply})

	wav, err := l.deps.TTS.Synthesize(ctx, reply)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	if err := l.deps.Out.Play(ctx, wav); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// isNoise reports whether a transcript is a known STT hallucination or a
// degenerate repetition of a single word.
func (l *Loop) isNoise(text string) bool {
	n := normalize(text)
	if n == "" {
		return true
	}
	if _, ok := l.hallucinations[n]; ok {
		return true
	}
	words := strings.Fields(n)
	if len(words) < 2 {
		return false
	}
	for _, w := range words[1:] {
		if w != words[0] {
			return false
		}
	}
	return true
}

func (l *Loop) transition(from, to State) error {
	l.mu.Lock()
	if l.state != from {
		cur := l.state
		l.mu.Unlock()
		return fmt.Errorf("call: cannot enter %s from %s", to, cur)
	}
	l.state = to
	l.mu.Unlock()
	l.publishState(to)
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.publishState(s)
}

func (l *Loop) publishState(s State) {
	logging.Infow("call: state changed", logging.CallFields(l.id, string(s))...)
	l.publish(events.Event{Type: events.StateChange, State: string(s)})
}

func (l *Loop) publish(e events.Event) {
	if l.deps.Bus != nil {
		l.deps.Bus.Publish(e)
	}
}

func normalize(s string) string {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.Trim(n, " ,.!?;:-\"'`~")
	return strings.Join(strings.Fields(n), " ")
}
