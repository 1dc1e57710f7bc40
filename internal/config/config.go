package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config stores runtime configuration for the assessment shell.
type Config struct {
	Backend     BackendConfig
	Session     SessionConfig
	Speech      SpeechConfig
	Deepgram    DeepgramConfig
	ElevenLabs  ElevenLabsConfig
	Audio       AudioConfig
	Corrections CorrectionsConfig
	Telemetry   TelemetryConfig
	LogLevel    string `env:"VIVAVOCE_LOG_LEVEL" envDefault:"info"`
}

type BackendConfig struct {
	BaseURL       string        `env:"VIVAVOCE_API_URL" envDefault:"http://localhost:8000"`
	Timeout       time.Duration `env:"VIVAVOCE_HTTP_TIMEOUT" envDefault:"60s"`
	MinAudioBytes int           `env:"VIVAVOCE_MIN_AUDIO_BYTES" envDefault:"1000"`
}

type SessionConfig struct {
	Seconds           int           `env:"VIVAVOCE_SESSION_SECONDS" envDefault:"600"`
	OpeningLine       string        `env:"VIVAVOCE_OPENING_LINE"`
	EvaluationTimeout time.Duration `env:"VIVAVOCE_EVALUATION_TIMEOUT" envDefault:"30s"`
}

// SpeechConfig selects the collaborators for each half of the voice loop.
type SpeechConfig struct {
	Transcriber string `env:"VIVAVOCE_TRANSCRIBER" envDefault:"backend"`
	Synthesizer string `env:"VIVAVOCE_SYNTHESIZER" envDefault:"backend"`
	Player      string `env:"VIVAVOCE_PLAYER" envDefault:"webview"`
}

type DeepgramConfig struct {
	APIKey      string `env:"DEEPGRAM_API_KEY"`
	APIBaseURL  string `env:"DEEPGRAM_API_BASE" envDefault:"https://api.deepgram.com/v1"`
	Model       string `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	Language    string `env:"DEEPGRAM_LANGUAGE"`
	SmartFormat bool   `env:"DEEPGRAM_SMART_FORMAT" envDefault:"true"`
}

type ElevenLabsConfig struct {
	APIKey     string `env:"ELEVENLABS_API_KEY"`
	VoiceID    string `env:"ELEVENLABS_VOICE_ID"`
	APIBaseURL string `env:"ELEVENLABS_API_BASE" envDefault:"https://api.elevenlabs.io/v1"`
	Model      string `env:"ELEVENLABS_MODEL" envDefault:"eleven_multilingual_v2"`
}

type AudioConfig struct {
	RecorderCommand string `env:"VIVAVOCE_FFMPEG_COMMAND" envDefault:"ffmpeg"`
	PlayerCommand   string `env:"VIVAVOCE_FFPLAY_COMMAND" envDefault:"ffplay"`
	InputFormat     string `env:"VIVAVOCE_AUDIO_INPUT_FORMAT" envDefault:"pulse"`
	InputDevice     string `env:"VIVAVOCE_AUDIO_INPUT_DEVICE" envDefault:"default"`
	SampleRate      int    `env:"VIVAVOCE_SAMPLE_RATE" envDefault:"16000"`
	Channels        int    `env:"VIVAVOCE_CHANNELS" envDefault:"1"`
	ChunkSize       int    `env:"VIVAVOCE_AUDIO_CHUNK_SIZE" envDefault:"4096"`
}

type CorrectionsConfig struct {
	Path string `env:"VIVAVOCE_CORRECTIONS_FILE"`
}

type TelemetryConfig struct {
	Endpoint string `env:"VIVAVOCE_OTEL_ENDPOINT"`
	Enabled  bool   `env:"VIVAVOCE_OTEL_ENABLED" envDefault:"true"`
}

const (
	TranscriberBackend  = "backend"
	TranscriberDeepgram = "deepgram"

	SynthesizerBackend    = "backend"
	SynthesizerElevenLabs = "elevenlabs"

	PlayerWebview = "webview"
	PlayerFFPlay  = "ffplay"
)

// Load resolves configuration from the environment. Out-of-range values fall
// back to their defaults; values that do not parse are an error.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if strings.TrimSpace(cfg.Corrections.Path) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Corrections.Path = filepath.Join(home, ".config", "vivavoce", "corrections.rules")
		}
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = "http://localhost:8000"
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 60 * time.Second
	}
	if c.Backend.MinAudioBytes <= 0 {
		c.Backend.MinAudioBytes = 1000
	}

	if c.Session.Seconds <= 0 {
		c.Session.Seconds = 600
	}
	c.Session.OpeningLine = strings.TrimSpace(c.Session.OpeningLine)
	if c.Session.EvaluationTimeout <= 0 {
		c.Session.EvaluationTimeout = 30 * time.Second
	}

	c.Speech.Transcriber = oneOf(c.Speech.Transcriber, TranscriberBackend, TranscriberDeepgram)
	c.Speech.Synthesizer = oneOf(c.Speech.Synthesizer, SynthesizerBackend, SynthesizerElevenLabs)
	c.Speech.Player = oneOf(c.Speech.Player, PlayerWebview, PlayerFFPlay)

	c.Deepgram.APIKey = strings.TrimSpace(c.Deepgram.APIKey)
	c.ElevenLabs.APIKey = strings.TrimSpace(c.ElevenLabs.APIKey)
	c.ElevenLabs.VoiceID = strings.TrimSpace(c.ElevenLabs.VoiceID)

	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.ChunkSize < 256 {
		c.Audio.ChunkSize = 4096
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// oneOf returns value when it names one of the choices, otherwise the first
// choice.
func oneOf(value string, choices ...string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, choice := range choices {
		if value == choice {
			return value
		}
	}
	return choices[0]
}
