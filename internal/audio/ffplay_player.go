package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

// FFPlayPlayer plays synthesized clips through an ffplay subprocess. Each
// prepared clip is staged in a temp file that Release removes.
type FFPlayPlayer struct {
	command string
	dir     string
}

func NewFFPlayPlayer(command string, dir string) *FFPlayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFPlayPlayer{command: command, dir: dir}
}

func (p *FFPlayPlayer) Prepare(_ context.Context, clip domain.AudioClip) (ports.PreparedAudio, error) {
	if len(clip.Data) == 0 {
		return nil, fmt.Errorf("%w: empty clip", domain.ErrSynthesisFailed)
	}
	format := clip.Format
	if format == "" {
		format = "mp3"
	}

	id := uuid.NewString()
	file, err := os.CreateTemp(p.dir, "vivavoce-"+id+"-*."+format)
	if err != nil {
		return nil, fmt.Errorf("stage clip: %w", err)
	}
	if _, err := file.Write(clip.Data); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, fmt.Errorf("stage clip: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return nil, fmt.Errorf("stage clip: %w", err)
	}
	return &ffplayClip{id: id, path: file.Name(), command: p.command}, nil
}

type ffplayClip struct {
	id      string
	path    string
	command string

	releaseOnce sync.Once
}

func (c *ffplayClip) ID() string { return c.id }

func (c *ffplayClip) Play(ctx context.Context, _ bool) <-chan ports.PlaybackOutcome {
	out := make(chan ports.PlaybackOutcome, 1)
	go func() {
		defer close(out)
		cmd := exec.CommandContext(ctx, c.command, "-nodisp", "-autoexit", "-loglevel", "error", c.path)
		stderr := &bytes.Buffer{}
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			if detail := trimOutput(stderr); detail != "" {
				err = fmt.Errorf("%w: %s", err, detail)
			}
			out <- ports.PlaybackOutcome{Status: ports.PlaybackFailed, Err: err}
			return
		}
		out <- ports.PlaybackOutcome{Status: ports.PlaybackEnded}
	}()
	return out
}

func (c *ffplayClip) Release() {
	c.releaseOnce.Do(func() {
		_ = os.Remove(c.path)
	})
}
