package session

import (
	stderrors "errors"
	"time"
)

type State string

const (
	StateAwaitingIdentity          State = "awaiting_identity"
	StateAwaitingStartConfirmation State = "awaiting_start_confirmation"
	StateInitializing              State = "initializing"
	StateActive                    State = "active"
	StateEnded                     State = "ended"
)

type EndReason string

const (
	EndNone    EndReason = ""
	EndTimeout EndReason = "timeout"
	EndEarly   EndReason = "early_end"
)

// DefaultCountdown is the Active-state budget.
const DefaultCountdown = 20 * time.Minute

// Terminal pages used when no return URL was supplied.
const (
	TimeoutPath  = "/timeout"
	CompletePath = "/complete"
)

// User-facing alerts.
const (
	AlertStartFailed = "Failed to start the conversation. Please refresh and try again."
	AlertSaveFailed  = "Failed to save your message. Please refresh and try again."

	NoticeTimedOut = "Session time expired. The chat is now locked, but you can still view and copy your conversation history."
	NoticeEnded    = "Scenario ended. The chat is now locked, but you can still view and copy your conversation history."
)

var (
	ErrBusy         = stderrors.New("session: a submission is already in flight")
	ErrNotActive    = stderrors.New("session: not active")
	ErrWrongState   = stderrors.New("session: operation not allowed in current state")
	ErrEmptyMessage = stderrors.New("session: message is empty")
	ErrNotFound     = stderrors.New("session: not found")
)

// BlockingError is a persistence failure the participant has to see. The
// controller does not roll back; recovery is a manual retry or reload.
type BlockingError struct {
	Alert string
	Err   error
}

func (e *BlockingError) Error() string {
	if e.Err == nil {
		return e.Alert
	}
	return e.Alert + ": " + e.Err.Error()
}

func (e *BlockingError) Unwrap() error { return e.Err }

// Outcome is what became of a participant submission.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeModerated Outcome = "moderated"
	OutcomeApology   Outcome = "apology"
)
