// Package stt defines the speech-to-text collaborator interface and a
// whisper-style HTTP client implementation.
package stt

import (
	"context"
	"errors"
)

// ErrProvider marks STT infrastructure failures (network, format, server).
// The current utterance is abandoned and the pipeline resumes listening.
var ErrProvider = errors.New("stt provider error")

// Transcriber converts one utterance of PCM16 audio into text. An empty
// transcript with a nil error means the recognizer heard nothing usable.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error)
}
