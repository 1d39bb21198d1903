package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

// Capture writes finalized utterances to disk as WAV files for offline
// inspection. Best effort: write failures are logged, never surfaced to
// the pipeline.
type Capture struct {
	dir string
}

// NewCapture returns a writer rooted at dir, or nil when dir is empty.
func NewCapture(dir string) *Capture {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Warnw("capture: cannot create directory", "dir", dir, "err", err)
		return nil
	}
	return &Capture{dir: dir}
}

// Save writes pcm as <userID>-<correlationID>.wav. Safe on a nil receiver.
func (c *Capture) Save(userID, correlationID string, pcm []int16, sampleRate int) {
	if c == nil {
		return
	}
	name := fmt.Sprintf("%s-%s.wav", userID, correlationID)
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, EncodeWAV16(pcm, sampleRate), 0o644); err != nil {
		logging.Warnw("capture: write failed", "path", path, "err", err)
		return
	}
	logging.Debugw("capture: utterance saved", "path", path, "samples", len(pcm))
}
