package wakeword

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Shared model files inside Config.ModelDir. Keyword model files are listed
// per keyword in the config.
const (
	melModelFile = "melspectrogram.onnx"
	embModelFile = "embedding_model.onnx"
	vadModelFile = "silero_vad.onnx"
)

// Config describes where the cascade's model files live and how sensitive
// detection is. Sensitivity s detects at keyword scores above 1-s.
type Config struct {
	ModelDir string
	// RuntimeLibrary optionally points at the onnxruntime shared library.
	// Empty uses the loader's default search path.
	RuntimeLibrary string
	Keywords       []KeywordFile
	Sensitivity    float64
}

// KeywordFile names one keyword model on disk.
type KeywordFile struct {
	Name      string
	ModelFile string
	Window    int
}

var (
	ortOnce sync.Once
	ortErr  error
)

// ensureRuntime initializes the process-wide ONNX Runtime environment once.
// The environment is shared read-only by every cascade instance.
func ensureRuntime(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if !ort.IsInitialized() {
			ortErr = ort.InitializeEnvironment()
		}
	})
	return ortErr
}

// Initialize loads every model of the cascade and returns a ready
// detection session. Any missing or unreadable model file is fatal: the
// returned error wraps *ModelLoadError and the provider must not be used.
func Initialize(cfg Config) (*Cascade, error) {
	if err := ensureRuntime(cfg.RuntimeLibrary); err != nil {
		return nil, &ModelLoadError{Path: cfg.RuntimeLibrary, Err: err}
	}

	mel, err := newMelSession(filepath.Join(cfg.ModelDir, melModelFile))
	if err != nil {
		return nil, err
	}
	emb, err := newEmbeddingSession(filepath.Join(cfg.ModelDir, embModelFile))
	if err != nil {
		mel.Close()
		return nil, err
	}
	vad, err := newVADSession(filepath.Join(cfg.ModelDir, vadModelFile))
	if err != nil {
		mel.Close()
		emb.Close()
		return nil, err
	}

	specs := make([]KeywordSpec, 0, len(cfg.Keywords))
	cleanup := func() {
		mel.Close()
		emb.Close()
		vad.Close()
		for _, s := range specs {
			s.Model.Close()
		}
	}
	for _, kw := range cfg.Keywords {
		window := kw.Window
		if window <= 0 {
			window = DefaultKeywordWindow
		}
		m, err := newKeywordSession(filepath.Join(cfg.ModelDir, kw.ModelFile), window)
		if err != nil {
			cleanup()
			return nil, err
		}
		specs = append(specs, KeywordSpec{Name: kw.Name, Model: m, Window: window})
	}

	c, err := NewFromModels(mel, emb, vad, specs, cfg.Sensitivity)
	if err != nil {
		cleanup()
		return nil, err
	}
	return c, nil
}

func newDynamicSession(path string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	s, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, nil)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	return s, nil
}

// onnxSpectrogram computes mel rows with the feed-forward melspectrogram
// model: input [1, samples], output [1, 1, rows, 32].
type onnxSpectrogram struct {
	session *ort.DynamicAdvancedSession
}

func newMelSession(path string) (*onnxSpectrogram, error) {
	s, err := newDynamicSession(path, []string{"input"}, []string{"output"})
	if err != nil {
		return nil, err
	}
	return &onnxSpectrogram{session: s}, nil
}

func (m *onnxSpectrogram) Mels(frame []float32) ([][]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(frame))), frame)
	if err != nil {
		return nil, err
	}
	defer in.Destroy()

	// One mel row per 10 ms hop minus the window warmup: 1280 samples -> 5.
	rows := int64(len(frame)/160 - 3)
	if rows < 1 {
		return nil, fmt.Errorf("frame of %d samples too short for spectrogram", len(frame))
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, rows, melBands))
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, err
	}
	data := out.GetData()
	result := make([][]float32, rows)
	for i := range result {
		row := make([]float32, melBands)
		copy(row, data[i*melBands:(i+1)*melBands])
		result[i] = row
	}
	return result, nil
}

func (m *onnxSpectrogram) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

// onnxEmbedding summarizes a 76x32 mel window into a 96-dim vector:
// input [1, 76, 32, 1], output [1, 1, 1, 96].
type onnxEmbedding struct {
	session *ort.DynamicAdvancedSession
}

func newEmbeddingSession(path string) (*onnxEmbedding, error) {
	s, err := newDynamicSession(path, []string{"input_1"}, []string{"conv2d_19"})
	if err != nil {
		return nil, err
	}
	return &onnxEmbedding{session: s}, nil
}

func (m *onnxEmbedding) Embed(window [][]float32) ([]float32, error) {
	flat := make([]float32, 0, len(window)*melBands)
	for _, row := range window {
		flat = append(flat, row...)
	}
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(window)), melBands, 1), flat)
	if err != nil {
		return nil, err
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, 1, embDim))
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return nil, err
	}
	embedding := make([]float32, embDim)
	copy(embedding, out.GetData())
	return embedding, nil
}

func (m *onnxEmbedding) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

// onnxKeyword scores a flattened embedding history:
// input [1, window, 96], output [1, 1].
type onnxKeyword struct {
	session *ort.DynamicAdvancedSession
	window  int
}

func newKeywordSession(path string, window int) (*onnxKeyword, error) {
	s, err := newDynamicSession(path, []string{"input"}, []string{"output"})
	if err != nil {
		return nil, err
	}
	return &onnxKeyword{session: s, window: window}, nil
}

func (m *onnxKeyword) Score(history []float32) (float32, error) {
	in, err := ort.NewTensor(ort.NewShape(1, int64(m.window), embDim), history)
	if err != nil {
		return 0, err
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, err
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.Value{in}, []ort.Value{out}); err != nil {
		return 0, err
	}
	return out.GetData()[0], nil
}

func (m *onnxKeyword) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

// onnxVAD is a silero-style recurrent voice-activity model. Hidden and
// cell state [2, 1, 64] are carried across frames in place.
type onnxVAD struct {
	session *ort.DynamicAdvancedSession
	hidden  []float32
	cell    []float32
}

const vadStateLen = 2 * 1 * 64

func newVADSession(path string) (*onnxVAD, error) {
	s, err := newDynamicSession(path,
		[]string{"input", "sr", "h", "c"},
		[]string{"output", "hn", "cn"})
	if err != nil {
		return nil, err
	}
	return &onnxVAD{
		session: s,
		hidden:  make([]float32, vadStateLen),
		cell:    make([]float32, vadStateLen),
	}, nil
}

func (m *onnxVAD) Detect(frame []float32) (float32, error) {
	// The model expects normalized samples; the spectrogram path feeds raw
	// int16-scale values so we normalize here.
	norm := make([]float32, len(frame))
	for i, v := range frame {
		norm[i] = v / 32768.0
	}
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(norm))), norm)
	if err != nil {
		return 0, err
	}
	defer in.Destroy()

	sr, err := ort.NewTensor(ort.NewShape(1), []int64{TargetRate})
	if err != nil {
		return 0, err
	}
	defer sr.Destroy()

	h, err := ort.NewTensor(ort.NewShape(2, 1, 64), append([]float32(nil), m.hidden...))
	if err != nil {
		return 0, err
	}
	defer h.Destroy()

	c, err := ort.NewTensor(ort.NewShape(2, 1, 64), append([]float32(nil), m.cell...))
	if err != nil {
		return 0, err
	}
	defer c.Destroy()

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, err
	}
	defer out.Destroy()

	hn, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 64))
	if err != nil {
		return 0, err
	}
	defer hn.Destroy()

	cn, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 64))
	if err != nil {
		return 0, err
	}
	defer cn.Destroy()

	if err := m.session.Run(
		[]ort.Value{in, sr, h, c},
		[]ort.Value{out, hn, cn},
	); err != nil {
		return 0, err
	}

	copy(m.hidden, hn.GetData())
	copy(m.cell, cn.GetData())
	return out.GetData()[0], nil
}

func (m *onnxVAD) Reset() {
	for i := range m.hidden {
		m.hidden[i] = 0
		m.cell[i] = 0
	}
}

func (m *onnxVAD) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}
