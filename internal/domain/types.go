package domain

// SessionState models the assessment conversation lifecycle.
type SessionState string

const (
	SessionStateNotStarted       SessionState = "not_started"
	SessionStateLoadingResponse  SessionState = "loading_response"
	SessionStateAISpeaking       SessionState = "ai_speaking"
	SessionStateStudentRecording SessionState = "student_recording"
	SessionStateProcessing       SessionState = "processing"
	SessionStateComplete         SessionState = "complete"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionStateComplete
}

// SessionStateReason provides a structured reason for state transitions.
type SessionStateReason string

const (
	SessionReasonCreated              SessionStateReason = "created"
	SessionReasonStarting             SessionStateReason = "starting"
	SessionReasonStartFailed          SessionStateReason = "start_failed"
	SessionReasonAwaitingReply        SessionStateReason = "awaiting_reply"
	SessionReasonExchangeFailed       SessionStateReason = "exchange_failed"
	SessionReasonReplyPlaying         SessionStateReason = "reply_playing"
	SessionReasonAutoplayBlocked      SessionStateReason = "autoplay_blocked"
	SessionReasonReplyTextOnly        SessionStateReason = "reply_text_only"
	SessionReasonRecordingStarted     SessionStateReason = "recording_started"
	SessionReasonRecordingUnavailable SessionStateReason = "recording_unavailable"
	SessionReasonTranscribing         SessionStateReason = "transcribing"
	SessionReasonTranscriptionFailed  SessionStateReason = "transcription_failed"
	SessionReasonAutoEnded            SessionStateReason = "auto_ended"
	SessionReasonTimeExpired          SessionStateReason = "time_expired"
	SessionReasonEndedByStudent       SessionStateReason = "ended_by_student"
)

// ErrorCode identifies errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodePermission    ErrorCode = "permission"
	ErrorCodeRecording     ErrorCode = "recording"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeSessionStart  ErrorCode = "session_start"
	ErrorCodeExchange      ErrorCode = "exchange"
	ErrorCodeSynthesis     ErrorCode = "synthesis"
	ErrorCodePlayback      ErrorCode = "playback"
	ErrorCodeEvaluation    ErrorCode = "evaluation"
	ErrorCodeCorrections   ErrorCode = "corrections"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerAI      Speaker = "ai"
)

// Turn is one utterance in the conversation.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Transcript is the ordered conversation so far.
type Transcript []Turn

// Clone returns an independent copy.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return Transcript{}
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// SessionHandle identifies a remote dialogue session.
type SessionHandle string

// Reply is one AI dialogue turn returned by the dialogue service.
type Reply struct {
	Text          string `json:"text"`
	AutoEnd       bool   `json:"autoEnd"`
	Phase         string `json:"phase,omitempty"`
	QuestionCount int    `json:"questionCount,omitempty"`
}

// AudioBlob is one captured student utterance.
type AudioBlob struct {
	Format     string
	Data       []byte
	SampleRate int
	Channels   int
}

// PCM returns the raw samples without the container header.
func (b AudioBlob) PCM() []byte {
	if b.Format == "wav" && len(b.Data) >= WAVHeaderSize {
		return b.Data[WAVHeaderSize:]
	}
	return b.Data
}

// AudioClip is synthesized speech ready for playback.
type AudioClip struct {
	Format string
	Data   []byte
}

// Evaluation is the scored outcome of a session.
type Evaluation struct {
	Score         int    `json:"score"`
	Category      string `json:"category"`
	Feedback      string `json:"feedback"`
	QuestionCount int    `json:"questionCount,omitempty"`
	// Unevaluated marks a locally produced placeholder that no evaluator scored.
	Unevaluated bool `json:"unevaluated"`
}

// SessionResult is delivered exactly once when a session completes.
type SessionResult struct {
	AttemptID  string             `json:"attemptId"`
	Transcript Transcript         `json:"transcript"`
	Evaluation *Evaluation        `json:"evaluation"`
	Reason     SessionStateReason `json:"reason"`
}

// Status summarizes the current session for rendering.
type Status struct {
	AttemptID          string       `json:"attemptId"`
	State              SessionState `json:"state"`
	Recording          bool         `json:"recording"`
	RemainingSeconds   int          `json:"remainingSeconds"`
	AwaitingManualPlay bool         `json:"awaitingManualPlay"`
	RetryAvailable     bool         `json:"retryAvailable"`
	CanEnd             bool         `json:"canEnd"`
	Turns              int          `json:"turns"`
	Message            string       `json:"message,omitempty"`
}
