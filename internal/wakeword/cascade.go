// Package wakeword implements the four-stage keyword detection cascade:
// mel-spectrogram features, sliding-window audio embeddings, per-keyword
// scoring over an embedding history, and a recurrent voice-activity gate.
package wakeword

import (
	"fmt"

	"github.com/voice-interaction-lab/voicebot/internal/audio"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
)

const (
	// TargetRate is the sample rate every input is resampled to.
	TargetRate = 16000
	// FrameSamples is one 80 ms processing frame at TargetRate.
	FrameSamples = 1280
	// melBands is the width of one mel sub-frame.
	melBands = 32
	// embWindow is how many mel rows feed one embedding extraction.
	embWindow = 76
	// embStep is how far the mel buffer advances after an extraction; the
	// overlap amortizes embedding-model calls across windows.
	embStep = 8
	// embDim is the size of one embedding vector.
	embDim = 96
	// DefaultKeywordWindow is the embedding history depth used when a
	// keyword model does not specify its own.
	DefaultKeywordWindow = 16
	// scoreHistoryLen bounds the rolling per-keyword score history.
	scoreHistoryLen = 16
	// vadGateThreshold is the voice-activity confidence above which the
	// gate is considered active.
	vadGateThreshold = 0.5
)

// Detection is the outcome of scoring one audio buffer: the single
// highest-confidence keyword hit, or the zero value when nothing matched.
type Detection struct {
	Keyword    string
	Confidence float32
}

// Detected reports whether the detection is a real hit.
func (d Detection) Detected() bool { return d.Keyword != "" }

// KeywordSpec binds a loaded keyword model to its name and history depth.
type KeywordSpec struct {
	Name   string
	Model  KeywordModel
	Window int // 0 means DefaultKeywordWindow
}

type keywordState struct {
	name    string
	model   KeywordModel
	window  int
	history [][]float32 // ring of the last `window` embeddings, oldest first
	scores  []float32   // rolling score history, newest last
}

func (k *keywordState) reset() {
	k.history = make([][]float32, k.window)
	for i := range k.history {
		k.history[i] = make([]float32, embDim)
	}
	k.scores = k.scores[:0]
}

func (k *keywordState) push(embedding []float32) {
	copy(k.history, k.history[1:])
	k.history[k.window-1] = embedding
}

func (k *keywordState) flatten() []float32 {
	flat := make([]float32, 0, k.window*embDim)
	for _, e := range k.history {
		flat = append(flat, e...)
	}
	return flat
}

func (k *keywordState) record(score float32) {
	if len(k.scores) == scoreHistoryLen {
		copy(k.scores, k.scores[1:])
		k.scores = k.scores[:scoreHistoryLen-1]
	}
	k.scores = append(k.scores, score)
}

// Cascade is one detection session. All stage state (mel buffer, embedding
// histories, VAD hidden/cell state) is mutated in place per processed
// frame, so a Cascade is NOT safe for concurrent Detect calls: use one
// instance per concurrent channel, or serialize callers. This is a hard
// contract, not an implementation detail. Model weights behind the stage
// interfaces may be shared read-only across instances.
type Cascade struct {
	sensitivity float64
	mel         SpectrogramModel
	emb         EmbeddingModel
	vad         VADModel
	keywords    []*keywordState

	melBuf   [][]float32
	residual []float32 // samples left over from the previous Detect call
	disposed bool
}

// NewFromModels assembles a cascade from already-loaded stage models.
// Initialize (onnx.go) is the production path; tests inject fakes here.
func NewFromModels(mel SpectrogramModel, emb EmbeddingModel, vad VADModel, keywords []KeywordSpec, sensitivity float64) (*Cascade, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("wakeword: no keywords configured")
	}
	if sensitivity <= 0 || sensitivity > 1 {
		return nil, fmt.Errorf("wakeword: sensitivity must be in (0,1], got %v", sensitivity)
	}
	if mel == nil || emb == nil || vad == nil {
		return nil, fmt.Errorf("wakeword: all cascade models are required")
	}
	c := &Cascade{sensitivity: sensitivity, mel: mel, emb: emb, vad: vad}
	for _, spec := range keywords {
		w := spec.Window
		if w <= 0 {
			w = DefaultKeywordWindow
		}
		c.keywords = append(c.keywords, &keywordState{name: spec.Name, model: spec.Model, window: w})
	}
	c.Reset()
	return c, nil
}

// Reset reinstates zeroed stage state without reloading weights. Called at
// session start and whenever a caller wants a clean detection session.
func (c *Cascade) Reset() {
	c.melBuf = c.melBuf[:0]
	c.residual = c.residual[:0]
	for _, k := range c.keywords {
		k.reset()
	}
	if c.vad != nil {
		c.vad.Reset()
	}
}

// Detect scores the buffer against every configured keyword and returns
// the single best detection across all frames, or a zero Detection. Input
// at a rate other than TargetRate is linearly resampled first. Detection
// requires both a keyword score above 1-sensitivity and an active
// voice-activity gate; a VAD runtime failure fails open (gate active)
// rather than silently dropping audio.
func (c *Cascade) Detect(pcm []int16, sampleRate int) (Detection, error) {
	if c.disposed {
		return Detection{}, fmt.Errorf("wakeword: cascade disposed")
	}
	samples := audio.Resample(pcm, sampleRate, TargetRate)
	f := make([]float32, 0, len(c.residual)+len(samples))
	f = append(f, c.residual...)
	for _, s := range samples {
		f = append(f, float32(s))
	}

	var best Detection
	off := 0
	for ; off+FrameSamples <= len(f); off += FrameSamples {
		d, err := c.processFrame(f[off : off+FrameSamples])
		if err != nil {
			return Detection{}, err
		}
		if d.Confidence > best.Confidence && d.Detected() {
			best = d
		}
	}
	c.residual = append(c.residual[:0], f[off:]...)
	return best, nil
}

// processFrame runs one 80 ms frame through every stage.
func (c *Cascade) processFrame(frame []float32) (Detection, error) {
	rows, err := c.mel.Mels(frame)
	if err != nil {
		return Detection{}, fmt.Errorf("wakeword: spectrogram: %w", err)
	}
	for _, row := range rows {
		norm := make([]float32, len(row))
		for i, v := range row {
			norm[i] = v/10 + 2
		}
		c.melBuf = append(c.melBuf, norm)
	}

	gate := true
	if conf, err := c.vad.Detect(frame); err != nil {
		// Fail open: a broken VAD must not silently drop audio.
		logging.Warnw("wakeword: vad inference failed, gating open", "err", err)
	} else {
		gate = conf > vadGateThreshold
	}

	var best Detection
	for len(c.melBuf) >= embWindow {
		embedding, err := c.emb.Embed(c.melBuf[:embWindow])
		if err != nil {
			return Detection{}, fmt.Errorf("wakeword: embedding: %w", err)
		}
		c.melBuf = c.melBuf[embStep:]

		for _, k := range c.keywords {
			k.push(embedding)
			score, err := k.model.Score(k.flatten())
			if err != nil {
				return Detection{}, fmt.Errorf("wakeword: keyword %s: %w", k.name, err)
			}
			k.record(score)
			if gate && float64(score) > 1-c.sensitivity && score > best.Confidence {
				best = Detection{Keyword: k.name, Confidence: score}
			}
		}
	}
	return best, nil
}

// Dispose releases every loaded inference session. The cascade must not be
// used afterwards.
func (c *Cascade) Dispose() error {
	if c.disposed {
		return nil
	}
	c.disposed = true
	var first error
	closeAll := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if c.mel != nil {
		closeAll(c.mel.Close())
	}
	if c.emb != nil {
		closeAll(c.emb.Close())
	}
	if c.vad != nil {
		closeAll(c.vad.Close())
	}
	for _, k := range c.keywords {
		closeAll(k.model.Close())
	}
	return first
}
