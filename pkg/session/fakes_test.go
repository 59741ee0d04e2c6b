package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/study-chat/pkg/assistant"
	"github.com/go-go-golems/study-chat/pkg/identity"
	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

const testParticipant = "PROLIFIC0001"

var errInjected = stderrors.New("injected failure")

type bridgeCall struct {
	history  []assistant.Turn
	category scenarios.Category
}

type fakeBridge struct {
	mu    sync.Mutex
	calls []bridgeCall
	reply func(ctx context.Context, history []assistant.Turn) (string, error)
}

func (f *fakeBridge) Reply(ctx context.Context, history []assistant.Turn, category scenarios.Category) (string, error) {
	f.mu.Lock()
	cp := make([]assistant.Turn, len(history))
	copy(cp, history)
	f.calls = append(f.calls, bridgeCall{history: cp, category: category})
	fn := f.reply
	f.mu.Unlock()
	if fn == nil {
		return "That is an interesting point.", nil
	}
	return fn(ctx, history)
}

func (f *fakeBridge) Calls() []bridgeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridgeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// spyStore wraps a real store, counts EndConversation and injects failures.
type spyStore struct {
	studystore.Store

	mu               sync.Mutex
	endCalls         []bool
	failCreateConv   int
	failSaveMessages int
	failEnd          bool
}

func (s *spyStore) CreateConversation(ctx context.Context, in studystore.NewConversation) (string, error) {
	s.mu.Lock()
	if s.failCreateConv > 0 {
		s.failCreateConv--
		s.mu.Unlock()
		return "", &studystore.PersistenceError{Op: "create conversation", Err: errInjected}
	}
	s.mu.Unlock()
	return s.Store.CreateConversation(ctx, in)
}

func (s *spyStore) SaveMessage(ctx context.Context, conversationID string, msg studystore.Message) error {
	s.mu.Lock()
	if s.failSaveMessages > 0 {
		s.failSaveMessages--
		s.mu.Unlock()
		return &studystore.PersistenceError{Op: "save message", Err: errInjected}
	}
	s.mu.Unlock()
	return s.Store.SaveMessage(ctx, conversationID, msg)
}

func (s *spyStore) EndConversation(ctx context.Context, conversationID string, timedOut bool) error {
	s.mu.Lock()
	s.endCalls = append(s.endCalls, timedOut)
	fail := s.failEnd
	s.mu.Unlock()
	if fail {
		return &studystore.PersistenceError{Op: "end conversation", Err: errInjected}
	}
	return s.Store.EndConversation(ctx, conversationID, timedOut)
}

func (s *spyStore) EndCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.endCalls...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store  *spyStore
	bridge *fakeBridge
	clock  *manualClock
	events *lifecycle.Recorder
	gate   *identity.Gate
}

func newHarness() *harness {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := studystore.NewInMemoryStore(clock.Now)
	return &harness{
		store:  &spyStore{Store: mem},
		bridge: &fakeBridge{},
		clock:  clock,
		events: lifecycle.NewRecorder(4096),
		gate:   identity.NewGate(mem),
	}
}

func (h *harness) controller(t *testing.T, scenarioID string, launch Launch, countdown time.Duration) *Controller {
	t.Helper()
	sc, ok := scenarios.Default().Lookup(scenarioID)
	require.True(t, ok)
	ctrl, err := New(Options{
		Scenario:  sc,
		Launch:    launch,
		Store:     h.store,
		Assistant: h.bridge,
		Gate:      h.gate,
		Publisher: h.events,
		Countdown: countdown,
		Clock:     h.clock.Now,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return ctrl
}

// active returns a controller that has been opened with a valid launch id and started.
func (h *harness) active(t *testing.T, scenarioID string, countdown time.Duration) *Controller {
	t.Helper()
	ctrl := h.controller(t, scenarioID, Launch{ParticipantID: testParticipant, ClientKey: "browser-1"}, countdown)
	require.Equal(t, StateAwaitingStartConfirmation, ctrl.Open(context.Background()))
	require.NoError(t, ctrl.ConfirmStart(context.Background()))
	require.Equal(t, StateActive, ctrl.State())
	return ctrl
}

func (h *harness) messages(t *testing.T, conversationID string) []studystore.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), conversationID)
	require.NoError(t, err)
	return msgs
}

func (h *harness) conversation(t *testing.T, conversationID string) studystore.Conversation {
	t.Helper()
	c, ok, err := h.store.GetConversation(context.Background(), conversationID)
	require.NoError(t, err)
	require.True(t, ok)
	return c
}
