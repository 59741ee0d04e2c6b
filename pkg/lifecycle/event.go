package lifecycle

import (
	"context"
	"time"
)

// Topic is the watermill topic (and redis stream) lifecycle events travel on.
const Topic = "study.lifecycle"

type Type string

const (
	TypeState   Type = "session.state"
	TypeTick    Type = "session.tick"
	TypeMessage Type = "session.message"
)

// MessagePayload is a transcript entry as seen by the browser.
type MessagePayload struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	SequenceNumber int       `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
}

// Event is one frame of session progress. Remaining is always encoded so a
// zero countdown is distinguishable from an absent one.
type Event struct {
	Type           Type            `json:"type"`
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	State          string          `json:"state,omitempty"`
	EndReason      string          `json:"end_reason,omitempty"`
	Remaining      int             `json:"remaining_seconds"`
	Redirect       string          `json:"redirect,omitempty"`
	Alert          string          `json:"alert,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	At             time.Time       `json:"at"`
}

// Publisher accepts lifecycle events. Publishing is best effort from the
// session's perspective: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory, for tests.
type Recorder struct {
	events chan Event
}

func NewRecorder(buffer int) *Recorder {
	return &Recorder{events: make(chan Event, buffer)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.events <- ev:
	default:
	}
	return nil
}

// Drain returns everything recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
