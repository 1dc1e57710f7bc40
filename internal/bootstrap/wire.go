package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"vivavoce/internal/audio"
	"vivavoce/internal/config"
	"vivavoce/internal/corrections"
	"vivavoce/internal/ports"
	"vivavoce/internal/providers/backend"
	"vivavoce/internal/providers/deepgram"
	"vivavoce/internal/providers/elevenlabs"
	"vivavoce/internal/telemetry"
	"vivavoce/internal/usecase"
)

// Version is stamped on trace resources.
var Version = "dev"

// Services is the assembled runtime graph. Each assessment attempt gets a
// fresh controller from NewSession; collaborators are shared.
type Services struct {
	Config   config.Config
	Logger   *slog.Logger
	Shutdown telemetry.Shutdown

	deps usecase.Dependencies
	cfg  usecase.Config
}

// NewSession builds a controller for one attempt that reports to events.
func (s Services) NewSession(events ports.EventSink) *usecase.SessionController {
	deps := s.deps
	deps.Events = events
	return usecase.NewSessionController(deps, s.cfg)
}

// Build wires all backend dependencies for the current runtime. webview is the
// player used when VIVAVOCE_PLAYER selects in-window playback.
func Build(ctx context.Context, webview ports.AudioPlayer) (Services, error) {
	return build(ctx, webview, os.Stderr)
}

func build(ctx context.Context, webview ports.AudioPlayer, logOut io.Writer) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	corrector, err := corrections.Load(cfg.Corrections.Path)
	if err != nil {
		return Services{}, err
	}
	if corrector.Len() > 0 {
		logger.Info("loaded term corrections", "path", cfg.Corrections.Path, "rules", corrector.Len())
	}

	client := backend.NewClient(backend.Config{
		BaseURL:       cfg.Backend.BaseURL,
		Timeout:       cfg.Backend.Timeout,
		MinAudioBytes: cfg.Backend.MinAudioBytes,
	})

	transcriber, err := selectTranscriber(cfg, client)
	if err != nil {
		return Services{}, err
	}
	synthesizer, err := selectSynthesizer(cfg, client)
	if err != nil {
		return Services{}, err
	}
	player, err := selectPlayer(cfg, webview)
	if err != nil {
		return Services{}, err
	}

	audioCfg := ports.AudioConfig{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}
	recorder := audio.NewRecorder(audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand), audioCfg, cfg.Audio.ChunkSize, logger)

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Enabled:  cfg.Telemetry.Enabled,
	}, Version)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}

	logger.Info("services ready",
		"backend", cfg.Backend.BaseURL,
		"transcriber", cfg.Speech.Transcriber,
		"synthesizer", cfg.Speech.Synthesizer,
		"player", cfg.Speech.Player,
	)

	return Services{
		Config:   cfg,
		Logger:   logger,
		Shutdown: shutdown,
		deps: usecase.Dependencies{
			Recorder:    recorder,
			Transcriber: transcriber,
			Synthesizer: synthesizer,
			Dialogue:    client,
			Evaluator:   client,
			Player:      player,
			Corrector:   corrector,
		},
		cfg: usecase.Config{
			SessionSeconds:    cfg.Session.Seconds,
			OpeningLine:       cfg.Session.OpeningLine,
			EvaluationTimeout: cfg.Session.EvaluationTimeout,
			Logger:            logger,
		},
	}, nil
}

func selectTranscriber(cfg config.Config, client *backend.Client) (ports.Transcriber, error) {
	if cfg.Speech.Transcriber != config.TranscriberDeepgram {
		return client, nil
	}
	if cfg.Deepgram.APIKey == "" {
		return nil, errors.New("VIVAVOCE_TRANSCRIBER=deepgram requires DEEPGRAM_API_KEY")
	}
	return deepgram.NewTranscriber(deepgram.Config{
		APIKey:      cfg.Deepgram.APIKey,
		APIBaseURL:  cfg.Deepgram.APIBaseURL,
		Model:       cfg.Deepgram.Model,
		Language:    cfg.Deepgram.Language,
		SmartFormat: cfg.Deepgram.SmartFormat,
	}), nil
}

func selectSynthesizer(cfg config.Config, client *backend.Client) (ports.Synthesizer, error) {
	if cfg.Speech.Synthesizer != config.SynthesizerElevenLabs {
		return client, nil
	}
	if cfg.ElevenLabs.APIKey == "" || cfg.ElevenLabs.VoiceID == "" {
		return nil, errors.New("VIVAVOCE_SYNTHESIZER=elevenlabs requires ELEVENLABS_API_KEY and ELEVENLABS_VOICE_ID")
	}
	return elevenlabs.NewSynthesizer(elevenlabs.Config{
		APIKey:        cfg.ElevenLabs.APIKey,
		VoiceID:       cfg.ElevenLabs.VoiceID,
		APIBaseURL:    cfg.ElevenLabs.APIBaseURL,
		Model:         cfg.ElevenLabs.Model,
		MinAudioBytes: cfg.Backend.MinAudioBytes,
	}), nil
}

func selectPlayer(cfg config.Config, webview ports.AudioPlayer) (ports.AudioPlayer, error) {
	if cfg.Speech.Player == config.PlayerFFPlay {
		return audio.NewFFPlayPlayer(cfg.Audio.PlayerCommand, ""), nil
	}
	if webview == nil {
		return nil, fmt.Errorf("VIVAVOCE_PLAYER=%s requires a webview player", cfg.Speech.Player)
	}
	return webview, nil
}
