package usecase

import (
	"vivavoce/internal/domain"
	"vivavoce/internal/ports"
)

type commandKind int

const (
	commandStart commandKind = iota
	commandSubmit
	commandPlay
	commandRetry
	commandEnd
)

type command struct {
	kind         commandKind
	studentID    int
	assignmentID int
	reply        chan error
}

type resultKind int

const (
	resultPermission resultKind = iota
	resultSessionStarted
	resultExchange
	resultSynthesis
	resultPlayback
	resultTranscription
)

// result is the completion of one asynchronous step, tagged with the epoch it
// was started in. Results from an older epoch are stale.
type result struct {
	kind  resultKind
	epoch uint64
	err   error

	handle  domain.SessionHandle
	reply   domain.Reply
	text    string
	// warning is a non-fatal problem reported alongside a successful result.
	warning error
	audio   ports.PreparedAudio
	outcome ports.PlaybackOutcome
}

// release frees resources carried by a result that will never be applied.
func (r result) release() {
	if r.audio != nil {
		r.audio.Release()
	}
}
