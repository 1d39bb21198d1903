package segment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
)

// scriptedSource replays a fixed chunk sequence, then blocks until ctx is
// done.
type scriptedSource struct {
	chunks []audio.Chunk
	errs   []error
	i      int
}

func (s *scriptedSource) RecordChunk(ctx context.Context) (audio.Chunk, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		var err error
		if s.i < len(s.errs) {
			err = s.errs[s.i]
		}
		s.i++
		return c, err
	}
	<-ctx.Done()
	return audio.Chunk{}, ctx.Err()
}

// chunk builds a 100 ms chunk at 16 kHz with the requested loudness.
func chunk(loudDB float64) audio.Chunk {
	return audio.Chunk{
		PCM:        make([]int16, 1600),
		SampleRate: 16000,
		LoudnessDB: loudDB,
		Captured:   time.Now(),
	}
}

func speechChunks(n int) []audio.Chunk {
	out := make([]audio.Chunk, n)
	for i := range out {
		out[i] = chunk(-20)
	}
	return out
}

func silenceChunks(n int) []audio.Chunk {
	out := make([]audio.Chunk, n)
	for i := range out {
		out[i] = chunk(-60)
	}
	return out
}

func TestFinalizeOnSilence(t *testing.T) {
	// 800 ms speech then 1000 ms silence.
	src := &scriptedSource{chunks: append(speechChunks(8), silenceChunks(10)...)}
	seg := New(src, Config{
		VolumeThresholdDB: -40,
		Silence:           time.Second,
		MinSpeech:         500 * time.Millisecond,
	})

	u, err := seg.Next(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if u == nil {
		t.Fatal("expected a finalized utterance")
	}
	if u.UserID != "u1" {
		t.Fatalf("user mismatch: %s", u.UserID)
	}
	// All 18 buffered chunks, speech and trailing silence alike.
	if len(u.PCM) != 18*1600 {
		t.Fatalf("pcm length: want=%d got=%d", 18*1600, len(u.PCM))
	}
	if u.Speech != 800*time.Millisecond {
		t.Fatalf("speech duration: want=800ms got=%v", u.Speech)
	}
	if u.CorrelationID == "" {
		t.Fatal("missing correlation id")
	}
}

// TestShortBurstDiscarded: 400 ms of speech followed by 2000 ms of silence
// with a 500 ms minimum finalizes but is discarded without reaching the
// caller.
func TestShortBurstDiscarded(t *testing.T) {
	src := &scriptedSource{chunks: append(speechChunks(4), silenceChunks(20)...)}
	seg := New(src, Config{
		VolumeThresholdDB: -40,
		Silence:           time.Second,
		MinSpeech:         500 * time.Millisecond,
	})

	u, err := seg.Next(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if u != nil {
		t.Fatalf("short burst must be discarded, got %v of speech", u.Speech)
	}
}

// TestPreSpeechSilenceDropped: chunks before any speech never end up in
// the buffer.
func TestPreSpeechSilenceDropped(t *testing.T) {
	pre := silenceChunks(5)
	src := &scriptedSource{chunks: append(append(pre, speechChunks(6)...), silenceChunks(10)...)}
	seg := New(src, Config{
		VolumeThresholdDB: -40,
		Silence:           time.Second,
		MinSpeech:         500 * time.Millisecond,
	})

	u, err := seg.Next(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if u == nil {
		t.Fatal("expected an utterance")
	}
	if len(u.PCM) != 16*1600 {
		t.Fatalf("pre-speech silence leaked into buffer: %d samples", len(u.PCM))
	}
}

// TestInterveningSilenceResets: silence shorter than the timeout stays in
// the utterance and the silence counter restarts on new speech.
func TestInterveningSilenceResets(t *testing.T) {
	seq := append(speechChunks(3), silenceChunks(5)...) // 500 ms gap, below 1 s
	seq = append(seq, speechChunks(3)...)
	seq = append(seq, silenceChunks(10)...)
	src := &scriptedSource{chunks: seq}
	seg := New(src, Config{
		VolumeThresholdDB: -40,
		Silence:           time.Second,
		MinSpeech:         500 * time.Millisecond,
	})

	u, err := seg.Next(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if u == nil {
		t.Fatal("expected a single utterance spanning the short gap")
	}
	if u.Speech != 600*time.Millisecond {
		t.Fatalf("speech duration: want=600ms got=%v", u.Speech)
	}
	if len(u.PCM) != 21*1600 {
		t.Fatalf("pcm length: want=%d got=%d", 21*1600, len(u.PCM))
	}
}

func TestMaxUtteranceCap(t *testing.T) {
	// Continuous speech, no silence ever: the cap must force finalization.
	src := &scriptedSource{chunks: speechChunks(50)}
	seg := New(src, Config{
		VolumeThresholdDB: -40,
		Silence:           time.Second,
		MinSpeech:         100 * time.Millisecond,
		MaxUtterance:      2 * time.Second,
	})

	u, err := seg.Next(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if u == nil {
		t.Fatal("expected a capped utterance")
	}
	if u.Duration != 2*time.Second {
		t.Fatalf("capped duration: want=2s got=%v", u.Duration)
	}
}

func TestDeviceErrorSkipped(t *testing.T) {
	chunks := []audio.Chunk{{}, {}}
	chunks = append(chunks, speechChunks(6)...)
	chunks = append(chunks, silenceChunks(10)...)
	errs := []error{
		fmt.Errorf("capture: %w", audio.ErrDevice),
		fmt.Errorf("capture: %w", audio.ErrDevice),
	}
	src := &scriptedSource{chunks: chunks, errs: errs}
	seg := New(src, Config{
		VolumeThresholdDB: -40,
		Silence:           time.Second,
		MinSpeech:         500 * time.Millisecond,
	})

	u, err := seg.Next(context.Background(), "u1")
	if err != nil {
		t.Fatalf("device errors must be skipped, got %v", err)
	}
	if u == nil {
		t.Fatal("expected an utterance after the device recovered")
	}
}

func TestNonDeviceErrorPropagates(t *testing.T) {
	boom := errors.New("stream torn down")
	src := &scriptedSource{chunks: []audio.Chunk{{}}, errs: []error{boom}}
	seg := New(src, Config{VolumeThresholdDB: -40, Silence: time.Second})

	_, err := seg.Next(context.Background(), "u1")
	if !errors.Is(err, boom) {
		t.Fatalf("want propagated error, got %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &scriptedSource{}
	seg := New(src, Config{VolumeThresholdDB: -40, Silence: time.Second})

	_, err := seg.Next(ctx, "u1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
