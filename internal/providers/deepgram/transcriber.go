package deepgram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"vivavoce/internal/domain"
)

const (
	defaultChunkSize   = 4096
	defaultWaitTimeout = 10 * time.Second
)

// Transcriber sends a finished utterance over the Deepgram listen socket and
// joins the final segments it gets back.
type Transcriber struct {
	cfg         Config
	chunkSize   int
	waitTimeout time.Duration
}

func NewTranscriber(cfg Config) *Transcriber {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Transcriber{
		cfg:         cfg,
		chunkSize:   defaultChunkSize,
		waitTimeout: defaultWaitTimeout,
	}
}

func (t *Transcriber) Transcribe(ctx context.Context, blob domain.AudioBlob) (string, error) {
	ctx, span := otel.Tracer("vivavoce/deepgram").Start(ctx, "deepgram.transcribe")
	defer span.End()

	text, err := t.transcribe(ctx, blob)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("transcript.length", len(text)))
	return text, nil
}

func (t *Transcriber) transcribe(ctx context.Context, blob domain.AudioBlob) (string, error) {
	pcm := blob.PCM()
	if len(pcm) == 0 {
		return "", fmt.Errorf("%w: empty recording", domain.ErrTranscriptionFailed)
	}

	u, err := dialUtterance(ctx, t.cfg, streamConfig{SampleRate: blob.SampleRate, Channels: blob.Channels})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTranscriptionFailed, err)
	}
	defer u.close()

	chunkSize := t.chunkSize
	if chunkSize < 256 {
		chunkSize = defaultChunkSize
	}
	if err := u.upload(pcm, chunkSize); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTranscriptionFailed, err)
	}
	waitErr := u.await(ctx, t.waitTimeout)

	text := u.results.Text()
	if text == "" {
		if waitErr != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrTranscriptionFailed, waitErr)
		}
		return "", fmt.Errorf("%w: no speech recognized", domain.ErrTranscriptionFailed)
	}
	return text, nil
}

// transcriptAggregator keeps every final segment plus the latest interim one,
// which covers a trailing phrase the server never finalized. Only the read
// loop writes to it; Text is read after the loop has ended.
type transcriptAggregator struct {
	finals     []string
	lastSpoken string
}

func newTranscriptAggregator() *transcriptAggregator {
	return &transcriptAggregator{}
}

func (a *transcriptAggregator) Add(seg segment) {
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		return
	}
	a.lastSpoken = text
	if seg.Final {
		a.finals = append(a.finals, text)
	}
}

func (a *transcriptAggregator) Text() string {
	joined := strings.TrimSpace(strings.Join(a.finals, " "))
	switch {
	case joined == "":
		return a.lastSpoken
	case a.lastSpoken == "", strings.HasSuffix(joined, a.lastSpoken):
		return joined
	case len(a.lastSpoken) > len(joined):
		return strings.TrimSpace(joined + " " + a.lastSpoken)
	default:
		return joined
	}
}
