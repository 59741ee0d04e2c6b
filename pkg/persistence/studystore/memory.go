package studystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryStore mirrors SQLiteStore semantics without durability.
type InMemoryStore struct {
	mu            sync.Mutex
	clock         Clock
	participants  map[string]Participant
	conversations map[string]Conversation
	messages      map[string][]Message
	identities    map[string]string
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(clock Clock) *InMemoryStore {
	return &InMemoryStore{
		clock:         clock,
		participants:  map[string]Participant{},
		conversations: map[string]Conversation{},
		messages:      map[string][]Message{},
		identities:    map[string]string{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateParticipantOrIncrement(_ context.Context, participantID string) error {
	const op = "in-memory study store: upsert participant"
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return opErr(op, errors.New("participant id is empty"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		p = Participant{
			ID:            uuid.NewString(),
			ParticipantID: participantID,
			FirstSeen:     s.clock.now(),
		}
	}
	p.TotalConversations++
	s.participants[participantID] = p
	return nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, in NewConversation) (string, error) {
	const op = "in-memory study store: create conversation"
	if strings.TrimSpace(in.ParticipantID) == "" || strings.TrimSpace(in.ScenarioID) == "" {
		return "", opErr(op, errors.New("participant id and scenario id are required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	var meta map[string]any
	if len(in.ClientMetadata) > 0 {
		meta = make(map[string]any, len(in.ClientMetadata))
		for k, v := range in.ClientMetadata {
			meta[k] = v
		}
	}
	s.conversations[id] = Conversation{
		ID:             id,
		ParticipantID:  in.ParticipantID,
		ScenarioID:     in.ScenarioID,
		Category:       in.Category,
		StartTime:      s.clock.now(),
		UserAgent:      in.UserAgent,
		ClientMetadata: meta,
	}
	return id, nil
}

func (s *InMemoryStore) SaveMessage(_ context.Context, conversationID string, msg Message) error {
	const op = "in-memory study store: save message"
	if err := validateMessage(conversationID, msg); err != nil {
		return opErr(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return opErr(op, ErrNotFound)
	}
	if c.Closed() {
		return opErr(op, ErrConversationClosed)
	}
	msg.ConversationID = conversationID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.now()
	} else {
		msg.Timestamp = msg.Timestamp.UTC().Truncate(time.Millisecond)
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)

	count := 0
	for _, m := range s.messages[conversationID] {
		if m.Role == RoleParticipant {
			count++
		}
	}
	c.InteractionCount = count
	s.conversations[conversationID] = c
	return nil
}

func (s *InMemoryStore) EndConversation(_ context.Context, conversationID string, timedOut bool) error {
	const op = "in-memory study store: end conversation"
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return opErr(op, ErrNotFound)
	}
	if c.Closed() {
		return opErr(op, ErrConversationClosed)
	}
	end := s.clock.now()
	duration := end.Sub(c.StartTime).Milliseconds()
	c.EndTime = &end
	c.DurationMs = &duration
	c.CompletedNormally = !timedOut
	c.TimedOut = timedOut
	s.conversations[conversationID] = c
	return nil
}

func (s *InMemoryStore) GetParticipant(_ context.Context, participantID string) (Participant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[strings.TrimSpace(participantID)]
	return p, ok, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, conversationID string) (Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	return c, ok, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, participantID string) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		if c.ParticipantID == participantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *InMemoryStore) GetIdentity(_ context.Context, clientKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[clientKey]
	return id, ok, nil
}

func (s *InMemoryStore) PutIdentity(_ context.Context, clientKey, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[clientKey] = participantID
	return nil
}
