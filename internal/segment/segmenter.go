// Package segment turns a continuous per-speaker chunk stream into
// discrete utterances bounded by silence.
package segment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// ChunkSource delivers one speaker's audio chunks. RecordChunk blocks until
// a chunk is available or ctx is done. Implementations report capture
// infrastructure failures with an error wrapping audio.ErrDevice; the
// segmenter logs those and retries on the next cycle.
type ChunkSource interface {
	RecordChunk(ctx context.Context) (audio.Chunk, error)
}

// Utterance is one continuous speech event from one user: the ordered
// concatenation of every buffered chunk, finalized on silence timeout.
type Utterance struct {
	UserID        string
	Username      string
	PCM           []int16
	SampleRate    int
	Duration      time.Duration
	Speech        time.Duration
	Created       time.Time
	CorrelationID string
}

// Config holds the voice-activity timing rules.
type Config struct {
	VolumeThresholdDB float64
	Silence           time.Duration
	MinSpeech         time.Duration
	// MaxUtterance force-finalizes never-silent input. Zero disables the cap.
	MaxUtterance time.Duration
}

// Segmenter applies the timing rules to one speaker's stream. One instance
// per speaker; instances are independent and share nothing.
type Segmenter struct {
	cfg Config
	src ChunkSource
}

func New(src ChunkSource, cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg, src: src}
}

// Next records chunks until an utterance finalizes and returns it. It
// returns (nil, nil) when a finalized utterance was shorter than the
// minimum speech duration (a noise burst, silently discarded). Non-speech
// chunks before any speech are dropped immediately, never buffered. The
// context error is returned when ctx is done.
func (s *Segmenter) Next(ctx context.Context, userID string) (*Utterance, error) {
	var (
		buf        []int16
		sampleRate int
		speech     time.Duration
		silence    time.Duration
		seenSpeech bool
		started    time.Time
	)

	corrID := uuid.NewString()

	for {
		chunk, err := s.src.RecordChunk(ctx)
		if err != nil {
			if errors.Is(err, audio.ErrDevice) {
				logging.Warnw("segment: capture device error, skipping chunk", "user.id", userID, "err", err)
				continue
			}
			return nil, err
		}
		if len(chunk.PCM) == 0 {
			continue
		}

		isSpeech := chunk.LoudnessDB > s.cfg.VolumeThresholdDB
		if !seenSpeech && !isSpeech {
			continue
		}
		if !seenSpeech {
			seenSpeech = true
			started = chunk.Captured
			if started.IsZero() {
				started = time.Now()
			}
			sampleRate = chunk.SampleRate
		}

		buf = append(buf, chunk.PCM...)
		dur := chunk.Duration()
		if isSpeech {
			speech += dur
			silence = 0
		} else {
			silence += dur
		}

		total := audio.SamplesDuration(len(buf), sampleRate)
		if silence >= s.cfg.Silence || (s.cfg.MaxUtterance > 0 && total >= s.cfg.MaxUtterance) {
			return s.finalize(userID, corrID, buf, sampleRate, speech, started)
		}
	}
}

func (s *Segmenter) finalize(userID, corrID string, buf []int16, sampleRate int, speech time.Duration, started time.Time) (*Utterance, error) {
	total := audio.SamplesDuration(len(buf), sampleRate)
	if speech < s.cfg.MinSpeech {
		logging.Debugw("segment: discarding short utterance",
			"user.id", userID, "speech_ms", speech.Milliseconds(), "min_ms", s.cfg.MinSpeech.Milliseconds(), "correlation_id", corrID)
		return nil, nil
	}
	u := &Utterance{
		UserID:        userID,
		PCM:           buf,
		SampleRate:    sampleRate,
		Duration:      total,
		Speech:        speech,
		Created:       started,
		CorrelationID: corrID,
	}
	logging.Debugw("segment: utterance finalized", logging.UtteranceFields(userID, int(total.Milliseconds()), corrID)...)
	return u, nil
}
