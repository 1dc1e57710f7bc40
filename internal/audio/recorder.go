package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

const defaultChunkSize = 4096

// Recorder captures one utterance at a time into a WAV blob.
type Recorder struct {
	capture   ports.AudioCapture
	cfg       ports.AudioConfig
	chunkSize int
	logger    *slog.Logger

	mu      sync.Mutex
	current *capture
}

type capture struct {
	session ports.AudioSession
	cancel  context.CancelFunc

	bufMu   sync.Mutex
	buf     bytes.Buffer
	readErr error
	done    chan struct{}
}

func NewRecorder(audioCapture ports.AudioCapture, cfg ports.AudioConfig, chunkSize int, logger *slog.Logger) *Recorder {
	if chunkSize < 256 {
		chunkSize = defaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		capture:   audioCapture,
		cfg:       normalizeAudioConfig(cfg),
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// RequestPermission opens the device and immediately releases it.
func (r *Recorder) RequestPermission(ctx context.Context) error {
	session, err := r.capture.Start(ctx, r.cfg)
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			return err
		}
		return errors.Join(domain.ErrPermissionDenied, err)
	}
	if err := session.Stop(); err != nil {
		r.logger.Debug("permission probe stop", "error", err)
	}
	return nil
}

// Begin opens a new capture. Only one capture may be open at a time.
func (r *Recorder) Begin(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return domain.ErrRecorderBusy
	}

	captureCtx, cancel := context.WithCancel(ctx)
	session, err := r.capture.Start(captureCtx, r.cfg)
	if err != nil {
		cancel()
		return err
	}

	c := &capture{session: session, cancel: cancel, done: make(chan struct{})}
	r.current = c
	go c.pump(r.chunkSize)
	return nil
}

// Stop ends the open capture and returns everything it recorded.
func (r *Recorder) Stop() (domain.AudioBlob, error) {
	c := r.take()
	if c == nil {
		return domain.AudioBlob{}, domain.ErrNoActiveRecording
	}
	pcm, err := c.finish()
	if err != nil {
		r.logger.Warn("audio capture did not stop cleanly", "error", err)
	}
	if len(pcm) == 0 {
		return domain.AudioBlob{}, domain.ErrNoActiveRecording
	}
	return domain.AudioBlob{
		Format:     "wav",
		Data:       domain.EncodeWAV(pcm, r.cfg.SampleRate, r.cfg.Channels),
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
	}, nil
}

// Abort releases the device and drops captured audio.
func (r *Recorder) Abort() {
	if c := r.take(); c != nil {
		_, _ = c.finish()
	}
}

func (r *Recorder) take() *capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.current
	r.current = nil
	return c
}

func (c *capture) pump(chunkSize int) {
	defer close(c.done)

	chunk := make([]byte, chunkSize)
	for {
		n, err := c.session.Read(chunk)
		if n > 0 {
			c.bufMu.Lock()
			c.buf.Write(chunk[:n])
			c.bufMu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.bufMu.Lock()
				c.readErr = err
				c.bufMu.Unlock()
			}
			return
		}
	}
}

func (c *capture) finish() ([]byte, error) {
	stopErr := c.session.Stop()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		_ = c.session.Close()
		<-c.done
	}
	c.cancel()

	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if stopErr == nil {
		stopErr = c.readErr
	}
	return append([]byte(nil), c.buf.Bytes()...), stopErr
}
