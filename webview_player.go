package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

const (
	eventAudioLoad    = "vivavoce:audio-load"
	eventAudioPlay    = "vivavoce:audio-play"
	eventAudioRelease = "vivavoce:audio-release"
)

// webviewPlayer hands clips to the frontend <audio> element. The page loads a
// clip on audio-load, plays it on audio-play, and answers with ReportPlayback.
type webviewPlayer struct {
	emit func(name string, data any)

	mu      sync.Mutex
	waiting map[string]chan ports.PlaybackOutcome
}

func newWebviewPlayer(emit func(name string, data any)) *webviewPlayer {
	return &webviewPlayer{emit: emit, waiting: map[string]chan ports.PlaybackOutcome{}}
}

func (p *webviewPlayer) Prepare(_ context.Context, clip domain.AudioClip) (ports.PreparedAudio, error) {
	if len(clip.Data) == 0 {
		return nil, fmt.Errorf("%w: empty clip", domain.ErrSynthesisFailed)
	}
	id := uuid.NewString()
	p.emit(eventAudioLoad, map[string]string{
		"id":   id,
		"mime": mimeType(clip.Format),
		"data": base64.StdEncoding.EncodeToString(clip.Data),
	})
	return &webviewClip{player: p, id: id}, nil
}

// Report resolves the playback started for id. Unknown ids are ignored so a
// late report for a released clip is harmless.
func (p *webviewPlayer) Report(id string, status string, detail string) error {
	outcome := ports.PlaybackOutcome{Status: ports.PlaybackStatus(status)}
	switch outcome.Status {
	case ports.PlaybackEnded:
	case ports.PlaybackBlocked:
		outcome.Err = domain.ErrAutoplayBlocked
	case ports.PlaybackFailed:
		if detail == "" {
			detail = "audio element error"
		}
		outcome.Err = errors.New(detail)
	default:
		return fmt.Errorf("unknown playback status %q", status)
	}

	p.mu.Lock()
	ch, ok := p.waiting[id]
	delete(p.waiting, id)
	p.mu.Unlock()
	if ok {
		ch <- outcome
	}
	return nil
}

func (p *webviewPlayer) forget(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

type webviewClip struct {
	player      *webviewPlayer
	id          string
	releaseOnce sync.Once
}

func (c *webviewClip) ID() string { return c.id }

func (c *webviewClip) Play(ctx context.Context, userInitiated bool) <-chan ports.PlaybackOutcome {
	reported := make(chan ports.PlaybackOutcome, 1)
	c.player.mu.Lock()
	c.player.waiting[c.id] = reported
	c.player.mu.Unlock()

	c.player.emit(eventAudioPlay, map[string]any{"id": c.id, "userInitiated": userInitiated})

	out := make(chan ports.PlaybackOutcome, 1)
	go func() {
		defer close(out)
		select {
		case outcome := <-reported:
			out <- outcome
		case <-ctx.Done():
			c.player.forget(c.id)
		}
	}()
	return out
}

func (c *webviewClip) Release() {
	c.releaseOnce.Do(func() {
		c.player.forget(c.id)
		c.player.emit(eventAudioRelease, map[string]string{"id": c.id})
	})
}

func mimeType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "ogg":
		return "audio/ogg"
	default:
		return "audio/mpeg"
	}
}
