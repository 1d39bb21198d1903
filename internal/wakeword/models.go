package wakeword

import "fmt"

// The cascade runs four small models. Each stage is behind a narrow
// interface so the scoring pipeline can be exercised without an inference
// runtime; the ONNX-backed implementations live in onnx.go.

// SpectrogramModel computes mel-spectrogram rows for one 80 ms frame of
// 16 kHz audio. Each row is one mel sub-frame of melBands coefficients.
type SpectrogramModel interface {
	Mels(frame []float32) ([][]float32, error)
	Close() error
}

// EmbeddingModel summarizes a window of mel rows into a fixed-size vector.
type EmbeddingModel interface {
	Embed(window [][]float32) ([]float32, error)
	Close() error
}

// KeywordModel scores a flattened embedding history for one keyword,
// returning a confidence in [0,1].
type KeywordModel interface {
	Score(history []float32) (float32, error)
	Close() error
}

// VADModel is a stateful recurrent voice-activity detector. Detect carries
// hidden state across frames; Reset zeroes it for a new session.
type VADModel interface {
	Detect(frame []float32) (float32, error)
	Reset()
	Close() error
}

// ModelLoadError reports a missing or unreadable model file at initialize
// time. A provider that returns one is unusable and must not be used.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("wakeword: load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }
