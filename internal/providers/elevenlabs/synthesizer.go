package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"vivavoce/internal/domain"
)

const (
	defaultAPIBase = "https://api.elevenlabs.io/v1"
	defaultModel   = "eleven_multilingual_v2"
)

// Config controls the ElevenLabs text-to-speech endpoint.
type Config struct {
	APIKey        string
	VoiceID       string
	APIBaseURL    string
	Model         string
	MinAudioBytes int
}

// Synthesizer renders reply text to mp3 through the ElevenLabs REST API.
type Synthesizer struct {
	cfg  Config
	http *http.Client
}

func NewSynthesizer(cfg Config) *Synthesizer {
	return NewSynthesizerWithClient(cfg, &http.Client{Timeout: 60 * time.Second})
}

func NewSynthesizerWithClient(cfg Config, client *http.Client) *Synthesizer {
	if client == nil {
		client = &http.Client{}
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.VoiceID = strings.TrimSpace(cfg.VoiceID)
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MinAudioBytes <= 0 {
		cfg.MinAudioBytes = 1000
	}
	return &Synthesizer{cfg: cfg, http: client}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (domain.AudioClip, error) {
	ctx, span := otel.Tracer("vivavoce/elevenlabs").Start(ctx, "elevenlabs.synthesize")
	defer span.End()

	data, err := s.synthesize(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.AudioClip{}, fmt.Errorf("%w: %v", domain.ErrSynthesisFailed, err)
	}
	span.SetAttributes(attribute.Int("audio.bytes", len(data)))
	return domain.AudioClip{Format: "mp3", Data: data}, nil
}

func (s *Synthesizer) synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.cfg.APIKey == "" {
		return nil, errors.New("ELEVENLABS_API_KEY is not configured")
	}
	if s.cfg.VoiceID == "" {
		return nil, errors.New("ELEVENLABS_VOICE_ID is not configured")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty text")
	}

	payload, err := json.Marshal(speechRequest{
		Text:          text,
		ModelID:       s.cfg.Model,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.5},
	})
	if err != nil {
		return nil, err
	}

	endpoint := s.cfg.APIBaseURL + "/text-to-speech/" + url.PathEscape(s.cfg.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) < s.cfg.MinAudioBytes {
		return nil, fmt.Errorf("audio payload too small (%d bytes)", len(data))
	}
	return data, nil
}
