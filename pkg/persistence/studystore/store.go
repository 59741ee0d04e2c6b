package studystore

import (
	"context"
	stderrors "errors"
	"time"
)

// Role is the author of a stored message.
type Role string

const (
	RoleParticipant Role = "user"
	RoleAssistant   Role = "ai"
)

func (r Role) Valid() bool { return r == RoleParticipant || r == RoleAssistant }

// Participant is a study subject keyed by the platform-issued id.
type Participant struct {
	ID                 string    `json:"id"`
	ParticipantID      string    `json:"participant_id"`
	FirstSeen          time.Time `json:"first_seen"`
	TotalConversations int       `json:"total_conversations"`
}

// Conversation is one timed chat over one scenario.
type Conversation struct {
	ID                string         `json:"id"`
	ParticipantID     string         `json:"participant_id"`
	ScenarioID        string         `json:"scenario_id"`
	Category          string         `json:"category"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	DurationMs        *int64         `json:"duration_ms,omitempty"`
	InteractionCount  int            `json:"interaction_count"`
	CompletedNormally bool           `json:"completed_normally"`
	TimedOut          bool           `json:"timed_out"`
	UserAgent         string         `json:"user_agent,omitempty"`
	ClientMetadata    map[string]any `json:"client_metadata,omitempty"`
}

// Closed reports whether EndConversation already ran.
func (c Conversation) Closed() bool { return c.EndTime != nil }

// Message is one transcript entry. SequenceNumber is assigned by the caller.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber int       `json:"sequence_number"`
}

// NewConversation carries the fields a caller provides when opening a conversation.
type NewConversation struct {
	ParticipantID  string
	ScenarioID     string
	Category       string
	UserAgent      string
	ClientMetadata map[string]any
}

var (
	ErrNotFound           = stderrors.New("not found")
	ErrConversationClosed = stderrors.New("conversation already closed")
)

// PersistenceError is the single failure type of the store. Causes are not
// classified further beyond the sentinels above.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store is the persistence contract the session controller depends on, plus the
// read side used by tests and the transcript command.
type Store interface {
	CreateParticipantOrIncrement(ctx context.Context, participantID string) error
	CreateConversation(ctx context.Context, in NewConversation) (string, error)
	SaveMessage(ctx context.Context, conversationID string, msg Message) error
	EndConversation(ctx context.Context, conversationID string, timedOut bool) error

	GetParticipant(ctx context.Context, participantID string) (Participant, bool, error)
	GetConversation(ctx context.Context, conversationID string) (Conversation, bool, error)
	ListConversations(ctx context.Context, participantID string) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	GetIdentity(ctx context.Context, clientKey string) (string, bool, error)
	PutIdentity(ctx context.Context, clientKey, participantID string) error

	Close() error
}

// Clock returns the current time. Stores truncate to milliseconds.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC().Truncate(time.Millisecond)
	}
	return c().UTC().Truncate(time.Millisecond)
}
