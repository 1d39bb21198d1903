package audio

import (
	"errors"
	"math"
	"time"
)

// ErrDevice marks capture/playback infrastructure failures. Callers log and
// skip the current chunk, then retry on the next cycle.
var ErrDevice = errors.New("audio device unavailable")

// fullScale is the largest magnitude of a 16-bit PCM sample.
const fullScale = 32768.0

// Chunk is one fixed-duration block of mono PCM16 audio from a single
// speaker, with its measured loudness and capture timestamp.
type Chunk struct {
	PCM        []int16
	SampleRate int
	LoudnessDB float64
	Captured   time.Time
}

// Duration returns the play time of the chunk's samples.
func (c Chunk) Duration() time.Duration {
	return SamplesDuration(len(c.PCM), c.SampleRate)
}

// SamplesDuration converts a sample count at the given rate to a duration.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// MeanDB measures loudness as the mean absolute amplitude converted to dB
// relative to full scale. An empty or all-zero chunk yields -Inf (silence).
func MeanDB(pcm []int16) float64 {
	if len(pcm) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range pcm {
		sum += math.Abs(float64(s))
	}
	mean := sum / float64(len(pcm))
	if mean == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(mean/fullScale)
}

// PeakDB measures loudness as the peak absolute amplitude converted to dB
// relative to full scale. An empty or all-zero chunk yields -Inf.
func PeakDB(pcm []int16) float64 {
	var peak float64
	for _, s := range pcm {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	if peak == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(peak/fullScale)
}

// Loudness dispatches on the configured measurement mode ("peak" or the
// default "mean").
func Loudness(pcm []int16, mode string) float64 {
	if mode == "peak" {
		return PeakDB(pcm)
	}
	return MeanDB(pcm)
}
