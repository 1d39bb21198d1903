package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
	"github.com/voice-interaction-lab/voicebot/internal/chat"
	"github.com/voice-interaction-lab/voicebot/internal/config"
	"github.com/voice-interaction-lab/voicebot/internal/events"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
	"github.com/voice-interaction-lab/voicebot/internal/respqueue"
	"github.com/voice-interaction-lab/voicebot/internal/segment"
	"github.com/voice-interaction-lab/voicebot/internal/stt"
	"github.com/voice-interaction-lab/voicebot/internal/tts"
	"github.com/voice-interaction-lab/voicebot/internal/transport"
)

// CascadeFactory builds one wake-word provider instance. The engine calls
// it once per started channel: cascade state is mutated in place, so
// instances are never shared across channels. Nil disables wake gating.
type CascadeFactory func() (Detector, error)

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Transport  transport.Transport
	STT        stt.Transcriber
	TTS        tts.Synthesizer
	Chat       chat.Responder
	Bus        *events.Bus
	NewCascade CascadeFactory
}

// Engine is the outward interface of the voice interaction system: it
// starts/stops channels and routes join/leave and interrupt requests to
// the owning orchestrator. Each channel is fully independent; no state is
// shared between channels except read-only model weights.
type Engine struct {
	cfg     *config.Config
	deps    EngineDeps
	capture *audio.Capture

	mu       sync.Mutex
	channels map[string]*channelRuntime
}

type channelRuntime struct {
	orch   *Orchestrator
	queue  *respqueue.Queue
	ch     transport.Channel
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	users map[string]*userStream
}

// userStream feeds one speaker's chunks into their segmenter loop. It
// implements segment.ChunkSource. The chunk channel is never closed: the
// receive loop may still hold a reference when the user leaves, so
// teardown goes through the stream's context instead. Trailing chunks
// land in the buffer and are collected with it.
type userStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan audio.Chunk
}

func (u *userStream) RecordChunk(ctx context.Context) (audio.Chunk, error) {
	select {
	case <-ctx.Done():
		return audio.Chunk{}, ctx.Err()
	case <-u.ctx.Done():
		return audio.Chunk{}, u.ctx.Err()
	case c := <-u.chunks:
		return c, nil
	}
}

func NewEngine(cfg *config.Config, deps EngineDeps) *Engine {
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		capture:  audio.NewCapture(cfg.CaptureDir),
		channels: make(map[string]*channelRuntime),
	}
}

// Start joins the channel and runs its capture, dispatch and playback
// loops until Stop. The mode overrides the configured default when
// non-empty.
func (e *Engine) Start(channelID string, mode Mode) error {
	e.mu.Lock()
	if _, exists := e.channels[channelID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("engine: channel %s already started", channelID)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.deps.Transport.Join(ctx, channelID)
	if err != nil {
		cancel()
		return err
	}

	var wake Detector
	if e.deps.NewCascade != nil {
		wake, err = e.deps.NewCascade()
		if err != nil {
			cancel()
			_ = ch.Close()
			return fmt.Errorf("engine: wake-word provider unavailable: %w", err)
		}
	}

	queue := respqueue.New()
	orch := New(channelID, mode, e.cfg.Session, Deps{
		STT:   e.deps.STT,
		Chat:  e.deps.Chat,
		Wake:  wake,
		Queue: queue,
		Bus:   e.deps.Bus,
	})
	rt := &channelRuntime{
		orch:   orch,
		queue:  queue,
		ch:     ch,
		cancel: cancel,
		users:  make(map[string]*userStream),
	}

	ch.OnUserJoin(orch.HandleUserJoin)
	ch.OnUserLeave(func(userID string) {
		orch.HandleUserLeave(userID)
		rt.dropUser(userID)
	})

	player := respqueue.NewPlayer(queue, func(pctx context.Context, r *respqueue.Response) error {
		wav, err := e.deps.TTS.Synthesize(pctx, r.Text)
		if err != nil {
			return err
		}
		return ch.Play(pctx, wav)
	})
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		player.Run(ctx)
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		e.receiveLoop(ctx, rt)
	}()

	e.mu.Lock()
	e.channels[channelID] = rt
	e.mu.Unlock()
	logging.Infow("engine: channel started", append(logging.ChannelFields(channelID), "mode", string(orch.Mode()))...)
	return nil
}

// Stop tears the channel down and releases its transport connection.
func (e *Engine) Stop(channelID string) error {
	e.mu.Lock()
	rt, ok := e.channels[channelID]
	delete(e.channels, channelID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: channel %s not started", channelID)
	}
	rt.cancel()
	rt.orch.Stop()
	err := rt.ch.Close()
	rt.wg.Wait()
	logging.Infow("engine: channel stopped", logging.ChannelFields(channelID)...)
	return err
}

// StopAll stops every started channel.
func (e *Engine) StopAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Stop(id)
	}
}

// HandleUserJoin forwards an externally observed join to the channel's
// orchestrator.
func (e *Engine) HandleUserJoin(channelID, userID, username string) {
	if rt := e.runtime(channelID); rt != nil {
		rt.orch.HandleUserJoin(userID, username)
	}
}

// HandleUserLeave forwards an externally observed leave.
func (e *Engine) HandleUserLeave(channelID, userID string) {
	if rt := e.runtime(channelID); rt != nil {
		rt.orch.HandleUserLeave(userID)
		rt.dropUser(userID)
	}
}

// Interrupt cancels userID's in-flight work on the channel; empty userID
// interrupts everything.
func (e *Engine) Interrupt(channelID, userID string) {
	if rt := e.runtime(channelID); rt != nil {
		rt.orch.Interrupt(userID)
	}
}

func (e *Engine) runtime(channelID string) *channelRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[channelID]
}

// receiveLoop demultiplexes the channel's chunk stream into per-user
// segmenter pipelines. Each user's pipeline is an independent sequential
// flow; a failure in one never halts the others.
func (e *Engine) receiveLoop(ctx context.Context, rt *channelRuntime) {
	for {
		uc, err := rt.ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warnw("engine: receive error", "err", err)
			continue
		}
		stream := rt.stream(ctx, uc.UserID, func(s *userStream) { e.runUserPipeline(rt, s, uc.UserID) })
		select {
		case stream.chunks <- uc.Chunk:
		default:
			// Segmenter is behind; dropping beats blocking the shared
			// receive loop.
			logging.Debugw("engine: dropping chunk, user pipeline backlogged", "user.id", uc.UserID)
		}
	}
}

func (e *Engine) runUserPipeline(rt *channelRuntime, stream *userStream, userID string) {
	seg := segment.New(stream, segment.Config{
		VolumeThresholdDB: e.cfg.Segmenter.VolumeThresholdDB,
		Silence:           e.cfg.Segmenter.Silence(),
		MinSpeech:         e.cfg.Segmenter.MinSpeech(),
		MaxUtterance:      e.cfg.Segmenter.MaxUtterance(),
	})
	for {
		u, err := seg.Next(stream.ctx, userID)
		if err != nil {
			if stream.ctx.Err() == nil {
				logging.Warnw("engine: user pipeline stopped", "user.id", userID, "err", err)
			}
			return
		}
		if u != nil {
			e.capture.Save(u.UserID, u.CorrelationID, u.PCM, u.SampleRate)
			rt.orch.HandleUtterance(u)
		}
	}
}

func (rt *channelRuntime) stream(ctx context.Context, userID string, start func(*userStream)) *userStream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.users[userID]
	if !ok {
		sctx, cancel := context.WithCancel(ctx)
		s = &userStream{ctx: sctx, cancel: cancel, chunks: make(chan audio.Chunk, 64)}
		rt.users[userID] = s
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			start(s)
		}()
	}
	return s
}

func (rt *channelRuntime) dropUser(userID string) {
	rt.mu.Lock()
	s, ok := rt.users[userID]
	delete(rt.users, userID)
	rt.mu.Unlock()
	if ok {
		s.cancel()
	}
}
