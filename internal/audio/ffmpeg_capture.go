package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

const (
	defaultStartupGrace = 250 * time.Millisecond
	defaultStopTimeout  = 1200 * time.Millisecond
)

// FFMPEGCapture reads microphone PCM from an ffmpeg subprocess.
type FFMPEGCapture struct {
	command      string
	startupGrace time.Duration
	stopTimeout  time.Duration
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{
		command:      command,
		startupGrace: defaultStartupGrace,
		stopTimeout:  defaultStopTimeout,
	}
}

// Start launches ffmpeg and waits a short grace period so that a missing or
// refused input device surfaces as ErrPermissionDenied instead of an empty read.
func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cfg = normalizeAudioConfig(cfg)

	cmd := exec.CommandContext(ctx, c.command, captureArgs(cfg)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", domain.ErrPermissionDenied, err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	select {
	case err := <-exited:
		detail := trimOutput(stderr)
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg exited before capture started: %v: %s", domain.ErrPermissionDenied, err, detail)
		}
		return nil, fmt.Errorf("%w: ffmpeg exited before capture started", domain.ErrPermissionDenied)
	case <-time.After(c.startupGrace):
	}

	return &ffmpegSession{
		stdout:      stdout,
		stderr:      stderr,
		process:     cmd.Process,
		exited:      exited,
		stopTimeout: c.stopTimeout,
	}, nil
}

func normalizeAudioConfig(cfg ports.AudioConfig) ports.AudioConfig {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return cfg
}

func captureArgs(cfg ports.AudioConfig) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process     *os.Process
	exited      <-chan error
	stopTimeout time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

// Stop interrupts ffmpeg so it flushes, then kills it if it lingers.
func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		var err error
		var ok bool
		select {
		case err, ok = <-s.exited:
		case <-time.After(s.stopTimeout):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok = <-s.exited
		}
		if ok {
			s.stopErr = ignoreExitStatus(err)
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = closeErr
		}
		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, trimOutput(s.stderr))
		}
	})
	return s.stopErr
}

// ignoreExitStatus treats a non-zero exit after an interrupt as a clean stop.
func ignoreExitStatus(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(buf *bytes.Buffer) string {
	if buf == nil {
		return ""
	}
	return string(bytes.TrimSpace(buf.Bytes()))
}
