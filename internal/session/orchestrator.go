// Package session owns per-channel orchestration: user sessions, wake-word
// and trigger gating, transcript filtering, and asynchronous dispatch of
// accepted turns into the response queue.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/chat"
	"github.com/voice-interaction-lab/voicebot/internal/config"
	"github.com/voice-interaction-lab/voicebot/internal/events"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
	"github.com/voice-interaction-lab/voicebot/internal/respqueue"
	"github.com/voice-interaction-lab/voicebot/internal/segment"
	"github.com/voice-interaction-lab/voicebot/internal/stt"
	"github.com/voice-interaction-lab/voicebot/internal/wakeword"
)

// Detector is the wake-word gate consumed by the orchestrator. Implemented
// by *wakeword.Cascade; nil disables cascade gating.
type Detector interface {
	Detect(pcm []int16, sampleRate int) (wakeword.Detection, error)
	Reset()
}

// Deps are the collaborators one orchestrator dispatches through.
type Deps struct {
	STT   stt.Transcriber
	Chat  chat.Responder
	Wake  Detector // optional
	Queue *respqueue.Queue
	Bus   *events.Bus
}

type inflight struct {
	cancel context.CancelFunc
}

// Orchestrator owns one channel's state. Per-user pipelines run as
// independent goroutines; the response queue is the only mutable state
// they share.
type Orchestrator struct {
	cfg       config.Session
	channelID string
	mode      Mode
	policy    InterruptPolicy
	deps      Deps
	trigger   *TriggerMatcher

	// wakeMu serializes Detect calls: the cascade instance is per-channel
	// and mutates its stage state in place.
	wakeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*UserSession
	requests map[string]*inflight

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the orchestrator for one channel. The mode overrides the
// configured default when non-empty.
func New(channelID string, mode Mode, cfg config.Session, deps Deps) *Orchestrator {
	if mode == "" {
		mode = Mode(cfg.Mode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		channelID: channelID,
		mode:      mode,
		policy:    InterruptPolicy(cfg.InterruptPolicy),
		deps:      deps,
		trigger:   NewTriggerMatcher(cfg.TriggerPhrases, cfg.TriggerWindowS),
		sessions:  make(map[string]*UserSession),
		requests:  make(map[string]*inflight),
		ctx:       ctx,
		cancel:    cancel,
	}
	if o.deps.Wake != nil {
		o.deps.Wake.Reset()
	}
	o.publishState("started")
	return o
}

// Mode returns the channel's operating mode.
func (o *Orchestrator) Mode() Mode { return o.mode }

// HandleUserJoin creates (or refreshes) the user's session.
func (o *Orchestrator) HandleUserJoin(userID, username string) {
	o.mu.Lock()
	s, ok := o.sessions[userID]
	if !ok {
		s = &UserSession{UserID: userID}
		o.sessions[userID] = s
	}
	if username != "" {
		s.Username = username
	}
	s.LastActivity = time.Now()
	o.mu.Unlock()
	logging.Infow("session: user joined", append(logging.ChannelFields(o.channelID), logging.UserFields(userID, username)...)...)
}

// HandleUserLeave destroys the user's session and cancels any in-flight
// request or queued response.
func (o *Orchestrator) HandleUserLeave(userID string) {
	o.mu.Lock()
	delete(o.sessions, userID)
	req := o.requests[userID]
	delete(o.requests, userID)
	o.mu.Unlock()
	if req != nil {
		req.cancel()
	}
	o.deps.Queue.CancelUser(userID)
	logging.Infow("session: user left", append(logging.ChannelFields(o.channelID), "user.id", userID)...)
}

// Interrupt cancels userID's in-flight request and queued/playing
// response. Empty userID interrupts everything on the channel. Idempotent.
func (o *Orchestrator) Interrupt(userID string) {
	if userID == "" {
		o.mu.Lock()
		reqs := make([]*inflight, 0, len(o.requests))
		for id, r := range o.requests {
			reqs = append(reqs, r)
			delete(o.requests, id)
		}
		o.mu.Unlock()
		for _, r := range reqs {
			r.cancel()
		}
		o.deps.Queue.CancelAll()
		return
	}
	o.mu.Lock()
	req := o.requests[userID]
	delete(o.requests, userID)
	o.mu.Unlock()
	if req != nil {
		req.cancel()
	}
	o.deps.Queue.CancelUser(userID)
}

// HandleUtterance runs the dispatch pipeline for one finalized utterance
// in its own goroutine. It never blocks the caller's capture loop.
func (o *Orchestrator) HandleUtterance(u *segment.Utterance) {
	if u == nil || o.ctx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.process(u)
	}()
}

// Stop tears the channel down: cancels every pipeline, waits for them and
// clears the queue.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.deps.Queue.CancelAll()
	o.mu.Lock()
	o.sessions = make(map[string]*UserSession)
	o.requests = make(map[string]*inflight)
	o.mu.Unlock()
	o.publishState("stopped")
}

func (o *Orchestrator) process(u *segment.Utterance) {
	// Latest speech wins per user: displace any prior in-flight request.
	pctx, cancel := context.WithCancel(o.ctx)
	pctx = logging.WithFields(pctx, "channel.id", o.channelID, "user.id", u.UserID, "correlation_id", u.CorrelationID)
	ctx := pctx
	req := &inflight{cancel: cancel}
	o.mu.Lock()
	if prev := o.requests[u.UserID]; prev != nil {
		prev.cancel()
	}
	o.requests[u.UserID] = req
	sess := o.sessionLocked(u.UserID)
	sess.LastActivity = time.Now()
	username := sess.Username
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		if o.requests[u.UserID] == req {
			delete(o.requests, u.UserID)
		}
		o.mu.Unlock()
	}()

	text, ok := o.gate(pctx, u)
	if !ok {
		return
	}

	normalized := strings.ToLower(strings.TrimSpace(text))
	if len(normalized) < o.cfg.MinTranscriptLen {
		logging.DebugwCtx(ctx, "session: transcript below minimum length, dropping")
		return
	}
	if o.matchesPhraseList(normalized, o.cfg.IgnorePhrases) {
		logging.DebugwCtx(ctx, "session: transcript on ignore list, dropping")
		return
	}
	if o.matchesPhraseList(normalized, o.cfg.StopPhrases) {
		logging.InfowCtx(ctx, "session: stop phrase recognized, interrupting")
		o.Interrupt(u.UserID)
		o.deps.Queue.InterruptPlayback()
		o.publishState("interrupted")
		return
	}

	o.publish(events.Event{
		Type: events.Transcription, ChannelID: o.channelID,
		UserID: u.UserID, Username: username, Text: text,
	})
	if o.mode == ModeSilent {
		return
	}

	// Displacement: the new speaker takes the channel from whoever is
	// playing. Queue policy waits in line instead.
	if o.policy == PolicyDisplace {
		if playing := o.deps.Queue.Playing(); playing != "" && playing != u.UserID {
			o.deps.Queue.InterruptPlayback()
		}
	}

	o.setProcessing(u.UserID, true)
	defer o.setProcessing(u.UserID, false)

	cctx, ccancel := context.WithTimeout(pctx, o.cfg.ChatTimeout())
	defer ccancel()
	reply, err := o.deps.Chat.Chat(cctx, u.UserID, text, u.Duration)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logging.DebugwCtx(ctx, "session: chat timed out, no response")
			return
		}
		if errors.Is(err, context.Canceled) {
			logging.DebugwCtx(ctx, "session: request displaced by newer utterance")
			return
		}
		logging.Errorw("session: chat backend failed", "channel.id", o.channelID, "user.id", u.UserID, "err", err)
		o.publish(events.Event{Type: events.Error, ChannelID: o.channelID, UserID: u.UserID, Err: err.Error()})
		return
	}
	if reply == "" {
		logging.DebugwCtx(ctx, "session: backend returned no reply")
		return
	}

	o.deps.Queue.Enqueue(respqueue.Response{
		UserID:   u.UserID,
		Username: username,
		Text:     reply,
	})
	o.publish(events.Event{
		Type: events.Response, ChannelID: o.channelID,
		UserID: u.UserID, Username: username, Text: reply,
	})
}

// gate applies mode and wake-word/trigger gating and returns the cleaned
// transcript. The bool is false when the utterance is dropped.
func (o *Orchestrator) gate(ctx context.Context, u *segment.Utterance) (string, bool) {
	switch {
	case o.mode == ModeFree:
		return o.transcribe(ctx, u)

	case o.deps.Wake != nil:
		o.wakeMu.Lock()
		det, err := o.deps.Wake.Detect(u.PCM, u.SampleRate)
		o.wakeMu.Unlock()
		if err != nil {
			logging.Warnw("session: wake-word detection failed", "user.id", u.UserID, "err", err)
			return "", false
		}
		if !det.Detected() {
			return "", false
		}
		logging.Debugw("session: wake word detected", "user.id", u.UserID, "keyword", det.Keyword, "confidence", det.Confidence)
		text, ok := o.transcribe(ctx, u)
		if !ok {
			return "", false
		}
		if matched, stripped := o.trigger.Match(text); matched {
			text = stripped
		}
		return text, true

	default:
		text, ok := o.transcribe(ctx, u)
		if !ok {
			return "", false
		}
		matched, stripped := o.trigger.Match(text)
		if !matched {
			return "", false
		}
		return stripped, true
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, u *segment.Utterance) (string, bool) {
	text, err := o.deps.STT.Transcribe(ctx, u.PCM, u.SampleRate)
	if err != nil {
		logging.Warnw("session: transcription failed, abandoning utterance", "user.id", u.UserID, "err", err)
		o.publish(events.Event{Type: events.Error, ChannelID: o.channelID, UserID: u.UserID, Err: err.Error()})
		return "", false
	}
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

func (o *Orchestrator) matchesPhraseList(normalized string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && normalized == p {
			return true
		}
	}
	return false
}

// sessionLocked fetches or lazily creates the user's session (first
// utterance may precede the join notification). Caller holds o.mu.
func (o *Orchestrator) sessionLocked(userID string) *UserSession {
	s, ok := o.sessions[userID]
	if !ok {
		s = &UserSession{UserID: userID}
		o.sessions[userID] = s
	}
	return s
}

func (o *Orchestrator) setProcessing(userID string, v bool) {
	o.mu.Lock()
	if s, ok := o.sessions[userID]; ok {
		s.Processing = v
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publish(e events.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(e)
	}
}

func (o *Orchestrator) publishState(state string) {
	o.publish(events.Event{Type: events.StateChange, ChannelID: o.channelID, State: state})
}
