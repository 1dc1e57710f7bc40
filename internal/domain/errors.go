package domain

import "errors"

var (
	ErrPermissionDenied    = errors.New("microphone permission denied")
	ErrNoActiveRecording   = errors.New("no active recording")
	ErrRecorderBusy        = errors.New("recorder is already capturing")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrSynthesisFailed     = errors.New("speech synthesis failed")
	ErrSessionStartFailed  = errors.New("dialogue session start failed")
	ErrExchangeFailed      = errors.New("dialogue exchange failed")
	ErrEvaluationFailed    = errors.New("session evaluation failed")
	ErrAutoplayBlocked     = errors.New("autoplay blocked")
	ErrInvalidTransition   = errors.New("operation not valid in current session state")
	ErrSessionComplete     = errors.New("session already complete")
)

// ErrorCodeFor maps an error to the UI error code of the stage that produced it.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrorCodePermission
	case errors.Is(err, ErrNoActiveRecording), errors.Is(err, ErrRecorderBusy):
		return ErrorCodeRecording
	case errors.Is(err, ErrTranscriptionFailed):
		return ErrorCodeTranscription
	case errors.Is(err, ErrSynthesisFailed):
		return ErrorCodeSynthesis
	case errors.Is(err, ErrSessionStartFailed):
		return ErrorCodeSessionStart
	case errors.Is(err, ErrExchangeFailed):
		return ErrorCodeExchange
	case errors.Is(err, ErrEvaluationFailed):
		return ErrorCodeEvaluation
	case errors.Is(err, ErrAutoplayBlocked):
		return ErrorCodePlayback
	default:
		return ErrorCodeStartup
	}
}
