package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

const (
	DefaultSessionSeconds = 600
	DefaultOpeningLine    = "Hello, I'm ready to begin discussing today's readings."
)

// Config controls assessment session behavior.
type Config struct {
	SessionSeconds    int
	TickInterval      time.Duration
	OpeningLine       string
	EvaluationTimeout time.Duration
	Logger            *slog.Logger
}

// Dependencies are the collaborators a session drives.
type Dependencies struct {
	Recorder    ports.TurnRecorder
	Transcriber ports.Transcriber
	Synthesizer ports.Synthesizer
	Dialogue    ports.DialogueService
	Evaluator   ports.Evaluator
	Player      ports.AudioPlayer
	Corrector   ports.TextCorrector
	Events      ports.EventSink
}

// SessionController runs one timed assessment conversation. All state is owned
// by a single loop goroutine; inbound calls and async completions are
// serialized through channels.
type SessionController struct {
	deps      Dependencies
	cfg       Config
	logger    *slog.Logger
	finalizer sessionFinalizer
	attemptID string

	commands chan command
	results  chan result
	done     chan struct{}
	loopOnce sync.Once

	newTicker func(time.Duration) (<-chan time.Time, func())

	mu         sync.Mutex
	status     domain.Status
	transcript domain.Transcript

	// Owned by the loop goroutine.
	state          domain.SessionState
	starting       bool
	studentID      int
	assignmentID   int
	recording      bool
	handle         domain.SessionHandle
	turns          domain.Transcript
	pendingMessage string
	retryExchange  bool
	autoEndPending bool
	pendingAudio   ports.PreparedAudio
	playingAudio   ports.PreparedAudio
	awaitingPlay   bool
	remaining      int
	tickC          <-chan time.Time
	stopTicker     func()
	epoch          uint64
	opsCtx         context.Context
	cancelOps      context.CancelFunc
	message        string
}

func NewSessionController(deps Dependencies, cfg Config) *SessionController {
	if cfg.SessionSeconds <= 0 {
		cfg.SessionSeconds = DefaultSessionSeconds
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if strings.TrimSpace(cfg.OpeningLine) == "" {
		cfg.OpeningLine = DefaultOpeningLine
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attemptID := uuid.NewString()
	logger = logger.With("attempt_id", attemptID)

	c := &SessionController{
		deps:      deps,
		cfg:       cfg,
		logger:    logger,
		finalizer: newSessionFinalizer(deps.Evaluator, deps.Events, cfg.EvaluationTimeout, logger),
		attemptID: attemptID,
		commands:  make(chan command),
		results:   make(chan result),
		done:      make(chan struct{}),
		state:     domain.SessionStateNotStarted,
		remaining: cfg.SessionSeconds,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
	c.opsCtx, c.cancelOps = context.WithCancel(context.Background())
	c.publish()
	return c
}

// AttemptID identifies this session attempt in logs and events.
func (c *SessionController) AttemptID() string {
	return c.attemptID
}

// Start requests microphone access, opens the dialogue session and plays the
// AI's greeting. Progress is reported through the event sink.
func (c *SessionController) Start(ctx context.Context, studentID, assignmentID int) error {
	c.loopOnce.Do(func() {
		c.cancelOps()
		c.opsCtx, c.cancelOps = context.WithCancel(ctx)
		go c.run()
	})
	return c.dispatch(command{kind: commandStart, studentID: studentID, assignmentID: assignmentID})
}

// SubmitCurrentRecording stops the open capture and sends it for transcription.
func (c *SessionController) SubmitCurrentRecording() error {
	return c.dispatch(command{kind: commandSubmit})
}

// PlayPendingAudio plays a reply whose autoplay was blocked.
func (c *SessionController) PlayPendingAudio() error {
	return c.dispatch(command{kind: commandPlay})
}

// Retry re-attempts the last failed exchange or a capture that failed to open.
func (c *SessionController) Retry() error {
	return c.dispatch(command{kind: commandRetry})
}

// EndSession completes the session immediately.
func (c *SessionController) EndSession() error {
	return c.dispatch(command{kind: commandEnd})
}

// Done is closed once the session has completed and the result was delivered.
func (c *SessionController) Done() <-chan struct{} {
	return c.done
}

// Status returns the latest session snapshot.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transcript returns a copy of the conversation so far.
func (c *SessionController) Transcript() domain.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Clone()
}

func (c *SessionController) dispatch(cmd command) error {
	c.loopOnce.Do(func() { go c.run() })

	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return domain.ErrSessionComplete
	}
	return <-cmd.reply
}

func (c *SessionController) run() {
	defer close(c.done)

	for !c.state.Terminal() {
		// A pending tick is handled before anything else so expiry is never
		// overtaken by a result that arrived at the same time.
		select {
		case <-c.tickC:
			c.handleTick()
			c.publish()
			continue
		default:
		}

		select {
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(cmd)
		case res := <-c.results:
			if res.epoch != c.epoch {
				c.logger.Debug("discarding stale result", "kind", res.kind, "epoch", res.epoch)
				res.release()
				continue
			}
			c.handleResult(res)
		case <-c.tickC:
			c.handleTick()
		}
		c.publish()
	}
}

func (c *SessionController) handleCommand(cmd command) error {
	switch cmd.kind {
	case commandStart:
		if c.state != domain.SessionStateNotStarted || c.starting {
			return domain.ErrInvalidTransition
		}
		c.starting = true
		c.message = ""
		c.studentID, c.assignmentID = cmd.studentID, cmd.assignmentID
		c.spawn(resultPermission, func(ctx context.Context) result {
			return result{err: c.deps.Recorder.RequestPermission(ctx)}
		})
		return nil

	case commandSubmit:
		if c.state != domain.SessionStateStudentRecording || !c.recording {
			return domain.ErrNoActiveRecording
		}
		c.recording = false
		c.setState(domain.SessionStateProcessing, domain.SessionReasonTranscribing)
		c.spawn(resultTranscription, c.transcribe)
		return nil

	case commandPlay:
		if !c.awaitingPlay || c.pendingAudio == nil {
			return domain.ErrInvalidTransition
		}
		c.awaitingPlay = false
		c.deps.Events.ManualPlayRequired(false)
		c.play(true)
		return nil

	case commandRetry:
		switch {
		case c.retryExchange:
			c.retryExchange = false
			c.message = ""
			c.setState(domain.SessionStateLoadingResponse, domain.SessionReasonAwaitingReply)
			c.spawnExchange()
			return nil
		case c.state == domain.SessionStateStudentRecording && !c.recording:
			c.beginRecording()
			return nil
		default:
			return domain.ErrInvalidTransition
		}

	case commandEnd:
		c.complete(domain.SessionReasonEndedByStudent)
		return nil
	}
	return domain.ErrInvalidTransition
}

func (c *SessionController) handleResult(res result) {
	switch res.kind {
	case resultPermission:
		if res.err != nil {
			c.starting = false
			c.fail(domain.ErrorCodePermission, res.err)
			return
		}
		c.setState(domain.SessionStateLoadingResponse, domain.SessionReasonStarting)
		studentID, assignmentID := c.studentID, c.assignmentID
		c.spawn(resultSessionStarted, func(ctx context.Context) result {
			handle, err := c.deps.Dialogue.StartSession(ctx, studentID, assignmentID)
			return result{handle: handle, err: err}
		})

	case resultSessionStarted:
		if res.err == nil && res.handle == "" {
			res.err = fmt.Errorf("%w: empty session id", domain.ErrSessionStartFailed)
		}
		if res.err != nil {
			c.starting = false
			c.fail(domain.ErrorCodeSessionStart, res.err)
			c.setState(domain.SessionStateNotStarted, domain.SessionReasonStartFailed)
			return
		}
		c.handle = res.handle
		c.pendingMessage = c.cfg.OpeningLine
		c.logger.Info("dialogue session started", "handle", string(c.handle))
		c.spawnExchange()

	case resultExchange:
		if res.err != nil {
			c.retryExchange = true
			c.fail(domain.ErrorCodeExchange, res.err)
			c.setState(domain.SessionStateLoadingResponse, domain.SessionReasonExchangeFailed)
			return
		}
		c.pendingMessage = ""
		c.autoEndPending = res.reply.AutoEnd
		c.appendTurn(domain.Turn{Speaker: domain.SpeakerAI, Text: res.reply.Text})
		c.startTimer()
		text := res.reply.Text
		c.spawn(resultSynthesis, func(ctx context.Context) result {
			clip, err := c.deps.Synthesizer.Synthesize(ctx, text)
			if err != nil {
				return result{err: err}
			}
			audio, err := c.deps.Player.Prepare(ctx, clip)
			if err != nil {
				return result{err: fmt.Errorf("prepare playback: %w", err)}
			}
			return result{audio: audio}
		})

	case resultSynthesis:
		if res.err != nil {
			c.fail(errorCode(res.err, domain.ErrorCodePlayback), res.err)
			c.setState(domain.SessionStateAISpeaking, domain.SessionReasonReplyTextOnly)
			c.afterAISpeech()
			return
		}
		c.setPendingAudio(res.audio)
		c.setState(domain.SessionStateAISpeaking, domain.SessionReasonReplyPlaying)
		c.play(false)

	case resultPlayback:
		switch res.outcome.Status {
		case ports.PlaybackBlocked:
			if c.playingAudio != nil {
				c.setPendingAudio(c.playingAudio)
				c.playingAudio = nil
			}
			c.awaitingPlay = true
			c.deps.Events.ManualPlayRequired(true)
			c.setState(domain.SessionStateAISpeaking, domain.SessionReasonAutoplayBlocked)
		case ports.PlaybackFailed:
			err := res.outcome.Err
			if err == nil {
				err = errors.New("playback failed")
			}
			c.fail(domain.ErrorCodePlayback, err)
			c.releasePlaying()
			c.afterAISpeech()
		default:
			c.releasePlaying()
			c.afterAISpeech()
		}

	case resultTranscription:
		if res.err != nil {
			c.fail(errorCode(res.err, domain.ErrorCodeTranscription), res.err)
			c.setState(domain.SessionStateStudentRecording, domain.SessionReasonTranscriptionFailed)
			c.beginRecording()
			return
		}
		if res.warning != nil {
			c.logger.Warn("term corrections failed", "error", res.warning)
			c.deps.Events.SessionError(domain.ErrorCodeCorrections, res.warning.Error())
		}
		c.appendTurn(domain.Turn{Speaker: domain.SpeakerStudent, Text: res.text})
		c.pendingMessage = res.text
		c.setState(domain.SessionStateLoadingResponse, domain.SessionReasonAwaitingReply)
		c.spawnExchange()
	}
}

func (c *SessionController) handleTick() {
	if c.remaining > 0 {
		c.remaining--
	}
	c.deps.Events.TimerTick(c.remaining)
	if c.remaining == 0 {
		c.complete(domain.SessionReasonTimeExpired)
	}
}

func (c *SessionController) transcribe(ctx context.Context) result {
	blob, err := c.deps.Recorder.Stop()
	if err != nil {
		return result{err: err}
	}
	text, err := c.deps.Transcriber.Transcribe(ctx, blob)
	if err != nil {
		return result{err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return result{err: fmt.Errorf("%w: no speech detected", domain.ErrTranscriptionFailed)}
	}
	if c.deps.Corrector == nil {
		return result{text: text}
	}
	corrected, err := c.deps.Corrector.Apply(text)
	if err != nil {
		return result{text: text, warning: err}
	}
	return result{text: corrected}
}

func (c *SessionController) spawnExchange() {
	handle, message := c.handle, c.pendingMessage
	c.spawn(resultExchange, func(ctx context.Context) result {
		reply, err := c.deps.Dialogue.Exchange(ctx, handle, message)
		if err == nil && strings.TrimSpace(reply.Text) == "" {
			err = fmt.Errorf("%w: empty reply", domain.ErrExchangeFailed)
		}
		return result{reply: reply, err: err}
	})
}

// spawn runs one suspension point off the loop. Only the most recently spawned
// step is current; anything it returns later than that is discarded.
func (c *SessionController) spawn(kind resultKind, fn func(ctx context.Context) result) {
	c.epoch++
	epoch := c.epoch
	ctx := c.opsCtx
	go func() {
		res := fn(ctx)
		res.kind = kind
		res.epoch = epoch
		c.post(res)
	}()
}

func (c *SessionController) post(res result) {
	select {
	case c.results <- res:
	case <-c.done:
		res.release()
	}
}

func (c *SessionController) play(userInitiated bool) {
	audio := c.pendingAudio
	c.pendingAudio = nil
	c.playingAudio = audio

	c.epoch++
	epoch := c.epoch
	outcomes := audio.Play(c.opsCtx, userInitiated)
	go func() {
		select {
		case outcome, ok := <-outcomes:
			if !ok {
				outcome = ports.PlaybackOutcome{Status: ports.PlaybackEnded}
			}
			c.post(result{kind: resultPlayback, epoch: epoch, outcome: outcome})
		case <-c.done:
		}
	}()
}

func (c *SessionController) afterAISpeech() {
	if c.autoEndPending {
		c.complete(domain.SessionReasonAutoEnded)
		return
	}
	c.setState(domain.SessionStateStudentRecording, domain.SessionReasonRecordingStarted)
	c.beginRecording()
}

// beginRecording opens a capture. The recorder is always stopped or aborted
// before this runs, so the device is never opened twice.
func (c *SessionController) beginRecording() {
	c.epoch++
	if err := c.deps.Recorder.Begin(c.opsCtx); err != nil {
		c.recording = false
		c.fail(domain.ErrorCodeRecording, err)
		c.setState(domain.SessionStateStudentRecording, domain.SessionReasonRecordingUnavailable)
		return
	}
	c.recording = true
	c.message = ""
}

func (c *SessionController) setPendingAudio(audio ports.PreparedAudio) {
	if c.pendingAudio != nil && c.pendingAudio != audio {
		c.pendingAudio.Release()
	}
	c.pendingAudio = audio
}

func (c *SessionController) releasePlaying() {
	if c.playingAudio != nil {
		c.playingAudio.Release()
		c.playingAudio = nil
	}
}

func (c *SessionController) startTimer() {
	if c.tickC != nil {
		return
	}
	c.tickC, c.stopTicker = c.newTicker(c.cfg.TickInterval)
	c.deps.Events.TimerTick(c.remaining)
}

func (c *SessionController) complete(reason domain.SessionStateReason) {
	if c.state.Terminal() {
		return
	}
	if c.stopTicker != nil {
		c.stopTicker()
		c.tickC, c.stopTicker = nil, nil
	}
	c.epoch++
	c.cancelOps()

	// Best effort: a capture may be open or mid-stop.
	c.deps.Recorder.Abort()
	c.recording = false
	c.starting = false
	c.retryExchange = false
	if c.awaitingPlay {
		c.awaitingPlay = false
		c.deps.Events.ManualPlayRequired(false)
	}
	if c.pendingAudio != nil {
		c.pendingAudio.Release()
		c.pendingAudio = nil
	}
	c.releasePlaying()

	c.setState(domain.SessionStateComplete, reason)
	c.publish()

	evaluation := c.finalizer.Finalize(context.Background(), c.handle)
	out := domain.SessionResult{
		AttemptID:  c.attemptID,
		Transcript: c.turns.Clone(),
		Evaluation: evaluation,
		Reason:     reason,
	}
	c.logger.Info("session complete",
		"reason", string(reason),
		"turns", len(out.Transcript),
		"score", evaluation.Score,
		"unevaluated", evaluation.Unevaluated,
	)
	c.publish()
	c.deps.Events.SessionCompleted(out)
}

func (c *SessionController) appendTurn(turn domain.Turn) {
	c.turns = append(c.turns, turn)
	c.deps.Events.TurnAppended(turn)
}

func (c *SessionController) setState(state domain.SessionState, reason domain.SessionStateReason) {
	c.state = state
	c.logger.Info("session state changed", "state", string(state), "reason", string(reason))
	c.deps.Events.SessionStateChanged(state, reason)
}

func (c *SessionController) fail(code domain.ErrorCode, err error) {
	c.message = err.Error()
	c.logger.Warn("session step failed", "code", string(code), "error", err)
	c.deps.Events.SessionError(code, err.Error())
}

func errorCode(err error, fallback domain.ErrorCode) domain.ErrorCode {
	if code := domain.ErrorCodeFor(err); code != domain.ErrorCodeStartup {
		return code
	}
	return fallback
}

func (c *SessionController) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = c.turns.Clone()
	c.status = domain.Status{
		AttemptID:          c.attemptID,
		State:              c.state,
		Recording:          c.recording,
		RemainingSeconds:   c.remaining,
		AwaitingManualPlay: c.awaitingPlay,
		RetryAvailable:     c.retryExchange || (c.state == domain.SessionStateStudentRecording && !c.recording),
		CanEnd:             !c.state.Terminal() && c.handle != "" && len(c.turns) > 0,
		Turns:              len(c.turns),
		Message:            c.message,
	}
}
