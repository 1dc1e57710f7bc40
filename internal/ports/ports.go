package ports

import (
	"context"
	"io"

	"vivavoce/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// TurnRecorder captures one bounded student utterance at a time.
type TurnRecorder interface {
	RequestPermission(ctx context.Context) error
	Begin(ctx context.Context) error
	Stop() (domain.AudioBlob, error)
	// Abort releases the device without producing audio. Safe to call when idle.
	Abort()
}

// Transcriber converts one recorded utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.AudioBlob) (string, error)
}

// Synthesizer converts reply text to playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (domain.AudioClip, error)
}

// DialogueService runs the remote AI side of the conversation.
type DialogueService interface {
	StartSession(ctx context.Context, studentID, assignmentID int) (domain.SessionHandle, error)
	Exchange(ctx context.Context, handle domain.SessionHandle, message string) (domain.Reply, error)
}

// Evaluator scores a finished dialogue session.
type Evaluator interface {
	Evaluate(ctx context.Context, handle domain.SessionHandle) (domain.Evaluation, error)
}

// TextCorrector rewrites transcribed text using deterministic rules.
type TextCorrector interface {
	Apply(text string) (string, error)
}

// PlaybackStatus reports how a playback attempt ended.
type PlaybackStatus string

const (
	PlaybackEnded   PlaybackStatus = "ended"
	PlaybackBlocked PlaybackStatus = "blocked"
	PlaybackFailed  PlaybackStatus = "failed"
)

// PlaybackOutcome is delivered once per Play call.
type PlaybackOutcome struct {
	Status PlaybackStatus
	Err    error
}

// PreparedAudio is a clip loaded into the host player. Release frees the
// underlying resource and must be called exactly once by the owner.
type PreparedAudio interface {
	ID() string
	// Play starts playback. userInitiated marks a play triggered by an explicit
	// user gesture, which hosts never block.
	Play(ctx context.Context, userInitiated bool) <-chan PlaybackOutcome
	Release()
}

// AudioPlayer loads synthesized clips for playback.
type AudioPlayer interface {
	Prepare(ctx context.Context, clip domain.AudioClip) (PreparedAudio, error)
}

// EventSink emits session state and events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason)
	TurnAppended(turn domain.Turn)
	TimerTick(remainingSeconds int)
	ManualPlayRequired(required bool)
	SessionError(code domain.ErrorCode, detail string)
	SessionCompleted(result domain.SessionResult)
}
