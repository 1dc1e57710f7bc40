package audio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

func TestFFMPEGCaptureStartReadAndStop(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "capture.sh", "#!/usr/bin/env bash\nprintf 'hello'\nsleep 2\n")
	capture := NewFFMPEGCapture(script)

	session, err := capture.Start(context.Background(), ports.AudioConfig{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	buf := make([]byte, 8)
	n, readErr := session.Read(buf)
	if n <= 0 {
		t.Fatalf("expected audio bytes, got n=%d err=%v", n, readErr)
	}
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("unexpected bytes: %q", string(buf[:n]))
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestFFMPEGCaptureEarlyExitIsPermissionDenied(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "fail.sh", "#!/usr/bin/env bash\necho 'no such device' 1>&2\nexit 1\n")
	capture := NewFFMPEGCapture(script)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := capture.Start(ctx, ports.AudioConfig{})
	if err == nil {
		t.Fatalf("expected early exit error")
	}
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if !strings.Contains(err.Error(), "no such device") {
		t.Fatalf("expected stderr detail, got %v", err)
	}
}

func TestFFMPEGCaptureMissingBinaryIsPermissionDenied(t *testing.T) {
	t.Parallel()

	capture := NewFFMPEGCapture(filepath.Join(t.TempDir(), "missing-ffmpeg"))
	_, err := capture.Start(context.Background(), ports.AudioConfig{})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestCaptureArgsUseNormalizedConfig(t *testing.T) {
	t.Parallel()

	args := captureArgs(normalizeAudioConfig(ports.AudioConfig{InputFormat: "alsa"}))
	want := []string{"-f", "alsa", "-i", "default", "-ac", "1", "-ar", "16000", "-f", "s16le", "-"}
	if !slices.Equal(args[len(args)-len(want):], want) {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestIgnoreExitStatus(t *testing.T) {
	t.Parallel()

	err := exec.Command("bash", "-c", "exit 1").Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if got := ignoreExitStatus(err); got != nil {
		t.Fatalf("expected nil for exit error, got %v", got)
	}
	other := errors.New("pipe broke")
	if got := ignoreExitStatus(other); !errors.Is(got, other) {
		t.Fatalf("expected other errors to pass through, got %v", got)
	}
}

func TestTrimOutput(t *testing.T) {
	t.Parallel()

	if got := trimOutput(bytes.NewBufferString("  hi\n")); got != "hi" {
		t.Fatalf("unexpected trim result: %q", got)
	}
	if got := trimOutput(nil); got != "" {
		t.Fatalf("expected empty result for nil buffer, got %q", got)
	}
}

func writeScript(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}
