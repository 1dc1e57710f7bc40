package audio

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

func TestFFPlayPlayerPlaysStagedClip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := writeScript(t, "ffplay.sh", "#!/usr/bin/env bash\ntest -s \"${@: -1}\"\n")
	player := NewFFPlayPlayer(script, dir)

	prepared, err := player.Prepare(context.Background(), domain.AudioClip{Format: "mp3", Data: []byte("ID3 audio")})
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if prepared.ID() == "" {
		t.Fatalf("expected clip id")
	}

	outcome := waitOutcome(t, prepared.Play(context.Background(), false))
	if outcome.Status != ports.PlaybackEnded {
		t.Fatalf("expected ended, got %+v", outcome)
	}

	prepared.Release()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staged clip to be removed, found %d entries", len(entries))
	}
	prepared.Release()
}

func TestFFPlayPlayerReportsFailure(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "ffplay.sh", "#!/usr/bin/env bash\necho 'no audio device' 1>&2\nexit 1\n")
	player := NewFFPlayPlayer(script, t.TempDir())

	prepared, err := player.Prepare(context.Background(), domain.AudioClip{Data: []byte("x")})
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer prepared.Release()

	outcome := waitOutcome(t, prepared.Play(context.Background(), true))
	if outcome.Status != ports.PlaybackFailed || outcome.Err == nil {
		t.Fatalf("expected failure, got %+v", outcome)
	}
}

func TestFFPlayPlayerRejectsEmptyClip(t *testing.T) {
	t.Parallel()

	player := NewFFPlayPlayer("", t.TempDir())
	if _, err := player.Prepare(context.Background(), domain.AudioClip{}); !errors.Is(err, domain.ErrSynthesisFailed) {
		t.Fatalf("expected synthesis error, got %v", err)
	}
}

func waitOutcome(t *testing.T, ch <-chan ports.PlaybackOutcome) ports.PlaybackOutcome {
	t.Helper()
	select {
	case outcome := <-ch:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for playback")
	}
	return ports.PlaybackOutcome{}
}
