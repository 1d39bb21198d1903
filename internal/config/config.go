package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the single validated configuration structure for the engine.
// It is built once in main(), before any component starts; components never
// read environment variables at point of use.
type Config struct {
	LogLevel   string `mapstructure:"log_level"`
	CaptureDir string `mapstructure:"capture_dir"`

	Transport Transport `mapstructure:"transport"`
	Segmenter Segmenter `mapstructure:"segmenter"`
	WakeWord  WakeWord  `mapstructure:"wakeword"`
	Session   Session   `mapstructure:"session"`
	Call      Call      `mapstructure:"call"`
	Providers Providers `mapstructure:"providers"`
	Events    Events    `mapstructure:"events"`
}

// Transport configures the raw audio transport adapter.
type Transport struct {
	Token      string `mapstructure:"token"`
	GuildID    string `mapstructure:"guild_id"`
	ChannelID  string `mapstructure:"channel_id"`
	SampleRate int    `mapstructure:"sample_rate"`
	FrameMs    int    `mapstructure:"frame_ms"`
}

// Segmenter configures voice-activity utterance segmentation.
type Segmenter struct {
	VolumeThresholdDB float64 `mapstructure:"volume_threshold_db"`
	SilenceMs         int     `mapstructure:"silence_ms"`
	MinSpeechMs       int     `mapstructure:"min_speech_ms"`
	MaxUtteranceMs    int     `mapstructure:"max_utterance_ms"`
	LoudnessMode      string  `mapstructure:"loudness_mode"` // mean | peak
}

// Keyword configures one wake-word model.
type Keyword struct {
	Name      string `mapstructure:"name"`
	ModelFile string `mapstructure:"model_file"`
	Window    int    `mapstructure:"window"` // embedding history depth; 0 = default
}

// WakeWord configures the detection cascade.
type WakeWord struct {
	Enabled        bool      `mapstructure:"enabled"`
	ModelDir       string    `mapstructure:"model_dir"`
	RuntimeLibrary string    `mapstructure:"runtime_library"` // onnxruntime shared library; empty uses the platform default
	Keywords       []Keyword `mapstructure:"keywords"`
	Sensitivity    float64   `mapstructure:"sensitivity"`
}

// Session configures the per-channel orchestrator.
type Session struct {
	Mode             string   `mapstructure:"mode"`             // normal | silent | free
	InterruptPolicy  string   `mapstructure:"interrupt_policy"` // displace | queue
	TriggerPhrases   []string `mapstructure:"trigger_phrases"`
	TriggerWindowS   int      `mapstructure:"trigger_window_s"`
	IgnorePhrases    []string `mapstructure:"ignore_phrases"`
	StopPhrases      []string `mapstructure:"stop_phrases"`
	MinTranscriptLen int      `mapstructure:"min_transcript_len"`
	ChatTimeoutMs    int      `mapstructure:"chat_timeout_ms"`
}

// Call configures the single-party conversation loop.
type Call struct {
	ConnectTimeoutMs     int      `mapstructure:"connect_timeout_ms"`
	RetryDelayMs         int      `mapstructure:"retry_delay_ms"`
	HallucinationPhrases []string `mapstructure:"hallucination_phrases"`
}

// Providers configures the STT/TTS/chat backend clients.
type Providers struct {
	STTURL      string `mapstructure:"stt_url"`
	STTLanguage string `mapstructure:"stt_language"`
	TTSURL      string `mapstructure:"tts_url"`
	ChatURL     string `mapstructure:"chat_url"`
	ChatModel   string `mapstructure:"chat_model"`
	AuthToken   string `mapstructure:"auth_token"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
}

// Events configures the optional websocket event sink.
type Events struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty disables the sink
}

// Load reads the config file at path (optional), merges VOICELAB_* env
// overrides, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VOICELAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("transport.sample_rate", 48000)
	v.SetDefault("transport.frame_ms", 20)
	v.SetDefault("segmenter.volume_threshold_db", -40.0)
	v.SetDefault("segmenter.silence_ms", 1000)
	v.SetDefault("segmenter.min_speech_ms", 500)
	v.SetDefault("segmenter.max_utterance_ms", 15000)
	v.SetDefault("segmenter.loudness_mode", "mean")
	v.SetDefault("wakeword.sensitivity", 0.5)
	v.SetDefault("session.mode", "normal")
	v.SetDefault("session.interrupt_policy", "displace")
	v.SetDefault("session.trigger_window_s", 2)
	v.SetDefault("session.min_transcript_len", 3)
	v.SetDefault("session.chat_timeout_ms", 30000)
	v.SetDefault("session.stop_phrases", []string{"stop", "be quiet", "shut up"})
	v.SetDefault("call.connect_timeout_ms", 30000)
	v.SetDefault("call.retry_delay_ms", 500)
	v.SetDefault("providers.timeout_ms", 30000)
}

// Validate rejects invalid combinations up front. Anything that passes here
// is safe to hand to the components unchecked.
func (c *Config) Validate() error {
	switch c.Segmenter.LoudnessMode {
	case "mean", "peak":
	default:
		return fmt.Errorf("segmenter: unknown loudness_mode %q", c.Segmenter.LoudnessMode)
	}
	if c.Segmenter.SilenceMs <= 0 {
		return fmt.Errorf("segmenter: silence_ms must be positive, got %d", c.Segmenter.SilenceMs)
	}
	if c.Segmenter.MinSpeechMs < 0 {
		return fmt.Errorf("segmenter: min_speech_ms must not be negative, got %d", c.Segmenter.MinSpeechMs)
	}
	if c.Segmenter.MaxUtteranceMs > 0 && c.Segmenter.MaxUtteranceMs < c.Segmenter.MinSpeechMs {
		return fmt.Errorf("segmenter: max_utterance_ms %d below min_speech_ms %d", c.Segmenter.MaxUtteranceMs, c.Segmenter.MinSpeechMs)
	}
	if c.WakeWord.Enabled {
		if c.WakeWord.ModelDir == "" {
			return fmt.Errorf("wakeword: enabled but model_dir not set")
		}
		if len(c.WakeWord.Keywords) == 0 {
			return fmt.Errorf("wakeword: enabled but no keywords configured")
		}
		for i, k := range c.WakeWord.Keywords {
			if k.Name == "" || k.ModelFile == "" {
				return fmt.Errorf("wakeword: keyword %d missing name or model_file", i)
			}
			if k.Window < 0 {
				return fmt.Errorf("wakeword: keyword %q has negative window", k.Name)
			}
		}
		if c.WakeWord.Sensitivity <= 0 || c.WakeWord.Sensitivity > 1 {
			return fmt.Errorf("wakeword: sensitivity must be in (0,1], got %v", c.WakeWord.Sensitivity)
		}
	}
	switch c.Session.Mode {
	case "normal", "silent", "free":
	default:
		return fmt.Errorf("session: unknown mode %q", c.Session.Mode)
	}
	switch c.Session.InterruptPolicy {
	case "displace", "queue":
	default:
		return fmt.Errorf("session: unknown interrupt_policy %q", c.Session.InterruptPolicy)
	}
	if c.Session.ChatTimeoutMs <= 0 {
		return fmt.Errorf("session: chat_timeout_ms must be positive, got %d", c.Session.ChatTimeoutMs)
	}
	if c.Call.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("call: connect_timeout_ms must be positive, got %d", c.Call.ConnectTimeoutMs)
	}
	if c.Providers.TimeoutMs <= 0 {
		return fmt.Errorf("providers: timeout_ms must be positive, got %d", c.Providers.TimeoutMs)
	}
	return nil
}

// Durations derived from the millisecond fields. Components take
// time.Duration; the raw int fields exist only for config file ergonomics.

func (s Segmenter) Silence() time.Duration      { return time.Duration(s.SilenceMs) * time.Millisecond }
func (s Segmenter) MinSpeech() time.Duration    { return time.Duration(s.MinSpeechMs) * time.Millisecond }
func (s Segmenter) MaxUtterance() time.Duration {
	return time.Duration(s.MaxUtteranceMs) * time.Millisecond
}

func (s Session) ChatTimeout() time.Duration { return time.Duration(s.ChatTimeoutMs) * time.Millisecond }

func (c Call) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}
func (c Call) RetryDelay() time.Duration { return time.Duration(c.RetryDelayMs) * time.Millisecond }

func (p Providers) Timeout() time.Duration { return time.Duration(p.TimeoutMs) * time.Millisecond }
