package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voice-interaction-lab/voicebot/internal/chat"
	"github.com/voice-interaction-lab/voicebot/internal/config"
	"github.com/voice-interaction-lab/voicebot/internal/events"
	"github.com/voice-interaction-lab/voicebot/internal/logging"
	"github.com/voice-interaction-lab/voicebot/internal/session"
	"github.com/voice-interaction-lab/voicebot/internal/stt"
	"github.com/voice-interaction-lab/voicebot/internal/transport"
	"github.com/voice-interaction-lab/voicebot/internal/tts"
	"github.com/voice-interaction-lab/voicebot/internal/wakeword"
)

var configPath string

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "bot",
		Short: "Voice interaction engine for shared voice channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		logging.FatalExitf("bot exited with error", "err", err)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)
	defer func() { _ = logging.Sync() }()

	timeout := cfg.Providers.Timeout()
	deps := session.EngineDeps{
		STT:  stt.NewClient(cfg.Providers.STTURL, cfg.Providers.STTLanguage, cfg.Providers.AuthToken, timeout),
		TTS:  tts.NewClient(cfg.Providers.TTSURL, cfg.Providers.AuthToken, timeout),
		Chat: chat.NewClient(cfg.Providers.ChatURL, cfg.Providers.ChatModel, cfg.Providers.AuthToken, timeout),
		Bus:  events.NewBus(),
	}

	if cfg.WakeWord.Enabled {
		wcfg := wakeword.Config{
			ModelDir:       cfg.WakeWord.ModelDir,
			RuntimeLibrary: cfg.WakeWord.RuntimeLibrary,
			Sensitivity:    cfg.WakeWord.Sensitivity,
		}
		for _, k := range cfg.WakeWord.Keywords {
			wcfg.Keywords = append(wcfg.Keywords, wakeword.KeywordFile{
				Name:      k.Name,
				ModelFile: k.ModelFile,
				Window:    k.Window,
			})
		}
		deps.NewCascade = func() (session.Detector, error) {
			return wakeword.Initialize(wcfg)
		}
	}

	var sink *events.WSSink
	if cfg.Events.ListenAddr != "" {
		sink, err = events.NewWSSink(deps.Bus, cfg.Events.ListenAddr)
		if err != nil {
			return err
		}
		logging.Infow("event sink listening", "addr", sink.Addr())
		defer func() { _ = sink.Close() }()
	}

	dc, err := transport.NewDiscord(cfg.Transport, cfg.Segmenter.LoudnessMode)
	if err != nil {
		return err
	}
	deps.Transport = dc
	defer func() { _ = dc.Close() }()

	engine := session.NewEngine(cfg, deps)
	if err := engine.Start(cfg.Transport.ChannelID, session.Mode(cfg.Session.Mode)); err != nil {
		return err
	}
	logging.Infow("bot running", "channel.id", cfg.Transport.ChannelID, "mode", cfg.Session.Mode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Infow("shutting down", "signal", s.String())

	engine.StopAll()
	// Give the websocket sink a moment to flush queued events.
	if sink != nil {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}
