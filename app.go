package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"vivavoce/internal/bootstrap"
	"vivavoce/internal/domain"
	"vivavoce/internal/usecase"
)

const (
	eventSession    = "vivavoce:session"
	eventTurn       = "vivavoce:turn"
	eventTimer      = "vivavoce:timer"
	eventManualPlay = "vivavoce:manual-play"
	eventError      = "vivavoce:error"
	eventComplete   = "vivavoce:complete"
)

var errAssessmentInProgress = errors.New("an assessment is already in progress")

// App is the Wails application root.
type App struct {
	ctx    context.Context
	player *webviewPlayer

	services bootstrap.Services
	bootErr  error

	mu      sync.Mutex
	session *usecase.SessionController
}

func NewApp() *App {
	a := &App{}
	a.player = newWebviewPlayer(a.emit)
	return a
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(ctx, a.player)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}
	a.services = services
	a.SessionStateChanged(domain.SessionStateNotStarted, domain.SessionReasonCreated)
}

// shutdown ends a running attempt so the backend still scores it, then
// flushes traces.
func (a *App) shutdown(ctx context.Context) {
	if session := a.current(); session != nil {
		if err := session.EndSession(); err != nil && !errors.Is(err, domain.ErrSessionComplete) {
			a.services.Logger.Warn("end session on shutdown", "error", err)
		}
	}
	if a.services.Shutdown != nil {
		if err := a.services.Shutdown(ctx); err != nil {
			a.services.Logger.Warn("trace shutdown", "error", err)
		}
	}
}

// StartAssessment begins a new attempt, or restarts one whose start failed.
func (a *App) StartAssessment(studentID int, assignmentID int) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}

	a.mu.Lock()
	session := a.session
	switch {
	case session == nil || isDone(session):
		session = a.services.NewSession(a)
		a.session = session
	case session.Status().State != domain.SessionStateNotStarted:
		a.mu.Unlock()
		return session.Status(), errAssessmentInProgress
	}
	a.mu.Unlock()

	if err := session.Start(a.ctx, studentID, assignmentID); err != nil {
		return session.Status(), a.report(err)
	}
	return session.Status(), nil
}

// SubmitResponse finishes the student's spoken answer.
func (a *App) SubmitResponse() (domain.Status, error) {
	return a.withSession((*usecase.SessionController).SubmitCurrentRecording)
}

// PlayResponse plays a reply the webview refused to autoplay.
func (a *App) PlayResponse() (domain.Status, error) {
	return a.withSession((*usecase.SessionController).PlayPendingAudio)
}

// RetryStep retries a failed reply request or microphone start.
func (a *App) RetryStep() (domain.Status, error) {
	return a.withSession((*usecase.SessionController).Retry)
}

// EndSession ends the assessment early.
func (a *App) EndSession() (domain.Status, error) {
	return a.withSession((*usecase.SessionController).EndSession)
}

// ReportPlayback is called by the frontend when a clip finishes, fails, or is
// refused by the autoplay policy.
func (a *App) ReportPlayback(id string, status string, detail string) error {
	return a.player.Report(id, status, detail)
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if session := a.current(); session != nil {
		return session.Status()
	}
	status := domain.Status{State: domain.SessionStateNotStarted}
	if a.bootErr != nil {
		status.Message = a.bootErr.Error()
	}
	return status
}

// GetTranscript returns the conversation so far.
func (a *App) GetTranscript() domain.Transcript {
	if session := a.current(); session != nil {
		return session.Transcript()
	}
	return domain.Transcript{}
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	cfg := a.services.Config
	return map[string]string{
		"backend":         cfg.Backend.BaseURL,
		"transcriber":     cfg.Speech.Transcriber,
		"synthesizer":     cfg.Speech.Synthesizer,
		"player":          cfg.Speech.Player,
		"sessionSeconds":  strconv.Itoa(cfg.Session.Seconds),
		"correctionsFile": cfg.Corrections.Path,
		"audioInput":      cfg.Audio.InputDevice,
	}
}

func (a *App) withSession(op func(*usecase.SessionController) error) (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	session := a.current()
	if session == nil {
		return a.GetStatus(), domain.ErrInvalidTransition
	}
	if err := op(session); err != nil {
		return session.Status(), a.report(err)
	}
	return session.Status(), nil
}

// report surfaces unexpected command failures. Commands rejected because of
// the current state are returned without an error event.
func (a *App) report(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionComplete),
		errors.Is(err, domain.ErrNoActiveRecording):
	default:
		a.SessionError(domain.ErrorCodeFor(err), err.Error())
	}
	return err
}

func (a *App) current() *usecase.SessionController {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.ctx == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func isDone(session *usecase.SessionController) bool {
	select {
	case <-session.Done():
		return true
	default:
		return false
	}
}

func (a *App) emit(name string, data any) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, name, data)
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	a.emit(eventSession, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": sessionReasonMessage(reason),
	})
}

// TurnAppended emits each new transcript line.
func (a *App) TurnAppended(turn domain.Turn) {
	a.emit(eventTurn, turn)
}

// TimerTick emits the countdown.
func (a *App) TimerTick(remainingSeconds int) {
	a.emit(eventTimer, map[string]any{
		"remainingSeconds": remainingSeconds,
		"display":          formatClock(remainingSeconds),
	})
}

// ManualPlayRequired toggles the play button for a blocked reply.
func (a *App) ManualPlayRequired(required bool) {
	a.emit(eventManualPlay, map[string]bool{"required": required})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.emit(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

// SessionCompleted emits the final transcript and evaluation.
func (a *App) SessionCompleted(result domain.SessionResult) {
	a.emit(eventComplete, result)
}

func sessionReasonMessage(reason domain.SessionStateReason) string {
	switch reason {
	case domain.SessionReasonCreated:
		return "Ready to begin"
	case domain.SessionReasonStarting:
		return "Starting the conversation..."
	case domain.SessionReasonStartFailed:
		return "Could not start the conversation"
	case domain.SessionReasonAwaitingReply:
		return "Waiting for the professor..."
	case domain.SessionReasonExchangeFailed:
		return "The reply did not arrive"
	case domain.SessionReasonReplyPlaying:
		return "The professor is speaking"
	case domain.SessionReasonAutoplayBlocked:
		return "Press play to hear the reply"
	case domain.SessionReasonReplyTextOnly:
		return "Reply shown as text only"
	case domain.SessionReasonRecordingStarted:
		return "Your turn. Speak, then submit"
	case domain.SessionReasonRecordingUnavailable:
		return "Microphone unavailable"
	case domain.SessionReasonTranscribing:
		return "Transcribing your answer..."
	case domain.SessionReasonTranscriptionFailed:
		return "Could not transcribe that. Please try again"
	case domain.SessionReasonAutoEnded:
		return "The professor has ended the conversation"
	case domain.SessionReasonTimeExpired:
		return "Time is up"
	case domain.SessionReasonEndedByStudent:
		return "Assessment ended"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermission:
		return "Microphone access denied"
	case domain.ErrorCodeRecording:
		return "Recording error"
	case domain.ErrorCodeTranscription:
		return "Transcription error"
	case domain.ErrorCodeSessionStart:
		return "Could not start the AI session"
	case domain.ErrorCodeExchange:
		return "Could not get a reply"
	case domain.ErrorCodeSynthesis:
		return "Speech synthesis failed"
	case domain.ErrorCodePlayback:
		return "Playback failed"
	case domain.ErrorCodeEvaluation:
		return "Evaluation failed"
	case domain.ErrorCodeCorrections:
		return "Term corrections failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

// formatClock renders seconds as M:SS.
func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
