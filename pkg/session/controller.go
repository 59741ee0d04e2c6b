package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/study-chat/pkg/assistant"
	"github.com/go-go-golems/study-chat/pkg/identity"
	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/moderation"
	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

// Launch carries what the entry address and the browser supplied at open.
type Launch struct {
	ParticipantID string
	ReturnURL     string
	StudyID       string
	SessionID     string
	ClientKey     string
	UserAgent     string
}

type Options struct {
	ID        string
	Scenario  scenarios.Scenario
	Launch    Launch
	Store     studystore.Store
	Assistant assistant.Bridge
	Gate      *identity.Gate
	Publisher lifecycle.Publisher
	Countdown time.Duration
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// Controller owns one participant's session: identity, start, the timed chat
// and its single end. All methods are safe for concurrent use; the only
// suspension points are the store and the assistant round trip.
type Controller struct {
	id       string
	scenario scenarios.Scenario
	launch   Launch
	store    studystore.Store
	bridge   assistant.Bridge
	gate     *identity.Gate
	pub      lifecycle.Publisher
	clock    func() time.Time
	log      zerolog.Logger

	mu             sync.Mutex
	state          State
	endReason      EndReason
	participantID  identity.ParticipantID
	conversationID string
	counted        bool
	seeded         bool
	transcript     []studystore.Message
	remaining      int
	exchanges      int
	busy           bool
	pendingEnd     EndReason
	alert          string
	notice         string
	redirect       string
	lastErr        error
	done           chan struct{}
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Assistant == nil {
		return nil, errors.New("session: assistant is required")
	}
	if opts.Scenario.ID == "" || !opts.Scenario.Category.Valid() {
		return nil, errors.New("session: scenario is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Gate == nil {
		opts.Gate = identity.NewGate(nil)
	}
	if opts.Publisher == nil {
		opts.Publisher = lifecycle.Discard{}
	}
	if opts.Countdown <= 0 {
		opts.Countdown = DefaultCountdown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	seconds := int(opts.Countdown / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &Controller{
		id:        opts.ID,
		scenario:  opts.Scenario,
		launch:    opts.Launch,
		store:     opts.Store,
		bridge:    opts.Assistant,
		gate:      opts.Gate,
		pub:       opts.Publisher,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "session").Str("session_id", opts.ID).Logger(),
		state:     StateAwaitingIdentity,
		remaining: seconds,
		done:      make(chan struct{}),
	}, nil
}

func (c *Controller) ID() string { return c.id }

// Done is closed once the session has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Open resolves the participant from the launch parameter or the identity cache.
// A cache failure is logged and the participant is prompted instead.
func (c *Controller) Open(ctx context.Context) State {
	c.mu.Lock()
	if c.state != StateAwaitingIdentity {
		s := c.state
		c.mu.Unlock()
		return s
	}
	c.mu.Unlock()

	id, ok, err := c.gate.Resolve(ctx, c.launch.ClientKey, c.launch.ParticipantID)
	if err != nil {
		c.logger().Warn().Err(err).Msg("identity cache unavailable, prompting participant")
	}
	if !ok {
		return c.State()
	}
	return c.acceptIdentity(ctx, id)
}

// SubmitIdentity validates a manually entered participant id. Validation
// errors leave the state unchanged.
func (c *Controller) SubmitIdentity(ctx context.Context, raw string) (State, error) {
	c.mu.Lock()
	if c.state != StateAwaitingIdentity {
		s := c.state
		c.mu.Unlock()
		return s, ErrWrongState
	}
	c.mu.Unlock()

	id, err := c.gate.Submit(ctx, c.launch.ClientKey, raw)
	if err != nil {
		if identity.KindOf(err) != 0 {
			return c.State(), err
		}
		// the id is valid, only the cache write failed
		c.logger().Warn().Err(err).Msg("could not cache participant id")
		id, _ = identity.Validate(raw)
	}
	return c.acceptIdentity(ctx, id), nil
}

func (c *Controller) acceptIdentity(ctx context.Context, id identity.ParticipantID) State {
	c.mu.Lock()
	if c.state != StateAwaitingIdentity {
		s := c.state
		c.mu.Unlock()
		return s
	}
	c.participantID = id
	c.state = StateAwaitingStartConfirmation
	ev := c.stateEventLocked()
	c.mu.Unlock()

	c.publish(ctx, ev)
	return StateAwaitingStartConfirmation
}

// ConfirmStart creates the conversation and seeds the opening assistant line.
// On failure the controller stays in Initializing with the blocking alert set;
// calling ConfirmStart again resumes from the step that failed.
func (c *Controller) ConfirmStart(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state != StateAwaitingStartConfirmation && c.state != StateInitializing:
		c.mu.Unlock()
		return ErrWrongState
	case c.busy:
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	c.state = StateInitializing
	c.alert = ""
	ev := c.stateEventLocked()
	participantID := string(c.participantID)
	conversationID := c.conversationID
	counted := c.counted
	seeded := c.seeded
	c.mu.Unlock()
	c.publish(ctx, ev)

	fail := func(err error) error {
		c.mu.Lock()
		c.busy = false
		c.alert = AlertStartFailed
		c.lastErr = err
		ev := c.stateEventLocked()
		c.mu.Unlock()
		c.logger().Error().Err(err).Str("participant_id", participantID).Msg("failed to initialize conversation")
		c.publish(ctx, ev)
		return &BlockingError{Alert: AlertStartFailed, Err: err}
	}

	if !counted {
		if err := c.store.CreateParticipantOrIncrement(ctx, participantID); err != nil {
			return fail(err)
		}
		c.mu.Lock()
		c.counted = true
		c.mu.Unlock()
	}
	if conversationID == "" {
		id, err := c.store.CreateConversation(ctx, studystore.NewConversation{
			ParticipantID:  participantID,
			ScenarioID:     c.scenario.ID,
			Category:       string(c.scenario.Category),
			UserAgent:      c.launch.UserAgent,
			ClientMetadata: c.clientMetadata(),
		})
		if err != nil {
			return fail(err)
		}
		conversationID = id
		c.mu.Lock()
		c.conversationID = id
		c.mu.Unlock()
	}

	var opening studystore.Message
	if !seeded {
		opening = c.newMessage(studystore.RoleAssistant, c.scenario.OpeningLine, 1)
		if err := c.store.SaveMessage(ctx, conversationID, opening); err != nil {
			return fail(err)
		}
	}

	c.mu.Lock()
	if !seeded {
		c.transcript = append(c.transcript, opening)
		c.seeded = true
	}
	c.busy = false
	c.lastErr = nil
	c.state = StateActive
	stateEv := c.stateEventLocked()
	var msgEv lifecycle.Event
	if !seeded {
		msgEv = c.messageEventLocked(opening)
	}
	c.mu.Unlock()

	c.logger().Info().Str("scenario_id", c.scenario.ID).Msg("conversation started")
	c.publish(ctx, stateEv)
	if !seeded {
		c.publish(ctx, msgEv)
	}
	return nil
}

func (c *Controller) clientMetadata() map[string]any {
	meta := map[string]any{}
	if c.launch.StudyID != "" {
		meta["study_id"] = c.launch.StudyID
	}
	if c.launch.SessionID != "" {
		meta["session_id"] = c.launch.SessionID
	}
	if c.launch.ReturnURL != "" {
		meta["return_url"] = c.launch.ReturnURL
	}
	return meta
}

// Exchange is the result of one accepted submission.
type Exchange struct {
	Participant studystore.Message
	Reply       studystore.Message
	Outcome     Outcome
}

// Submit runs one participant turn: persist it, moderate it, ask the assistant
// and persist the reply. Only one submission may be in flight. A countdown that
// expires meanwhile is honored after the reply has been persisted.
func (c *Controller) Submit(ctx context.Context, text string) (Exchange, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Exchange{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return Exchange{}, ErrNotActive
	}
	if c.busy {
		c.mu.Unlock()
		return Exchange{}, ErrBusy
	}
	c.busy = true
	c.alert = ""
	userMsg := c.newMessage(studystore.RoleParticipant, text, len(c.transcript)+1)
	conversationID := c.conversationID
	c.mu.Unlock()

	// the round trip outlives a disconnected caller
	ctx = context.WithoutCancel(ctx)
	defer c.settle(ctx)

	if err := c.store.SaveMessage(ctx, conversationID, userMsg); err != nil {
		return Exchange{}, c.block(AlertSaveFailed, err)
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, userMsg)
	history := c.historyLocked()
	ev := c.messageEventLocked(userMsg)
	c.mu.Unlock()
	c.publish(ctx, ev)

	var (
		replyText string
		outcome   Outcome
	)
	if !moderation.IsAppropriate(text) {
		replyText, outcome = moderation.CivilityReply, OutcomeModerated
		c.logger().Info().Str("content", moderation.Redact(text)).Msg("submission tripped moderation")
	} else {
		reply, err := c.bridge.Reply(ctx, history, c.scenario.Category)
		if err != nil {
			c.logger().Warn().Err(err).Str("kind", assistant.KindOf(err).String()).Msg("assistant call failed")
			replyText, outcome = assistant.ApologyReply, OutcomeApology
		} else {
			replyText, outcome = reply, OutcomeReplied
		}
	}

	c.mu.Lock()
	replyMsg := c.newMessage(studystore.RoleAssistant, replyText, len(c.transcript)+1)
	c.mu.Unlock()

	saveErr := c.store.SaveMessage(ctx, conversationID, replyMsg)

	c.mu.Lock()
	c.transcript = append(c.transcript, replyMsg)
	if outcome == OutcomeReplied {
		c.exchanges++
	}
	ev = c.messageEventLocked(replyMsg)
	c.mu.Unlock()
	c.publish(ctx, ev)

	exchange := Exchange{Participant: userMsg, Reply: replyMsg, Outcome: outcome}
	if saveErr != nil {
		if outcome == OutcomeApology {
			// the apology already reports a failure
			c.logger().Error().Err(saveErr).Msg("could not persist apology")
			return exchange, nil
		}
		return exchange, c.block(AlertSaveFailed, saveErr)
	}
	return exchange, nil
}

func (c *Controller) block(alert string, err error) error {
	c.mu.Lock()
	c.alert = alert
	c.lastErr = err
	c.mu.Unlock()
	c.logger().Error().Err(err).Msg(alert)
	return &BlockingError{Alert: alert, Err: err}
}

// settle clears the in-flight flag and runs an end that arrived meanwhile.
func (c *Controller) settle(ctx context.Context) {
	c.mu.Lock()
	c.busy = false
	pending := c.pendingEnd
	c.pendingEnd = EndNone
	c.mu.Unlock()
	if pending != EndNone {
		c.end(ctx, pending)
	}
}

// Tick consumes one second of the countdown and returns what is left. Reaching
// zero ends the session with EndTimeout. Outside Active it does nothing.
func (c *Controller) Tick(ctx context.Context) int {
	c.mu.Lock()
	if c.state != StateActive {
		r := c.remaining
		c.mu.Unlock()
		return r
	}
	if c.remaining > 0 {
		c.remaining--
	}
	r := c.remaining
	ev := c.eventLocked(lifecycle.TypeTick)
	c.mu.Unlock()

	c.publish(ctx, ev)
	if r == 0 {
		c.end(ctx, EndTimeout)
	}
	return r
}

// EndEarly ends an Active session at the participant's request.
func (c *Controller) EndEarly(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.mu.Unlock()
	c.end(ctx, EndEarly)
	return nil
}

// end moves to Ended exactly once. While a submission is in flight the first
// requested reason is parked and applied by settle.
func (c *Controller) end(ctx context.Context, reason EndReason) bool {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return false
	}
	if c.busy {
		if c.pendingEnd == EndNone {
			c.pendingEnd = reason
		}
		c.mu.Unlock()
		return false
	}
	c.state = StateEnded
	c.endReason = reason
	c.redirect = c.redirectLocked()
	if reason == EndTimeout {
		c.notice = NoticeTimedOut
	} else {
		c.notice = NoticeEnded
	}
	close(c.done)
	conversationID := c.conversationID
	ev := c.stateEventLocked()
	c.mu.Unlock()

	if conversationID != "" {
		if err := c.store.EndConversation(context.WithoutCancel(ctx), conversationID, reason == EndTimeout); err != nil {
			c.logger().Error().Err(err).Str("reason", string(reason)).Msg("failed to end conversation")
		}
	}
	c.logger().Info().Str("reason", string(reason)).Msg("session ended")
	c.publish(ctx, ev)
	return true
}

func (c *Controller) redirectLocked() string {
	if c.launch.ReturnURL != "" {
		return c.launch.ReturnURL
	}
	if c.endReason == EndTimeout {
		return TimeoutPath
	}
	return CompletePath
}

// Run drives Tick from ticks until the session ends or ctx is done.
func (c *Controller) Run(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-ticks:
			c.Tick(ctx)
		}
	}
}

// Snapshot is a consistent copy of the session for rendering.
type Snapshot struct {
	SessionID      string               `json:"session_id"`
	ConversationID string               `json:"conversation_id,omitempty"`
	ParticipantID  string               `json:"participant_id,omitempty"`
	State          State                `json:"state"`
	EndReason      EndReason            `json:"end_reason,omitempty"`
	Scenario       scenarios.Scenario   `json:"scenario"`
	Remaining      int                  `json:"remaining_seconds"`
	ExchangeCount  int                  `json:"exchange_count"`
	Busy           bool                 `json:"busy"`
	Transcript     []studystore.Message `json:"transcript"`
	Alert          string               `json:"alert,omitempty"`
	Notice         string               `json:"notice,omitempty"`
	Redirect       string               `json:"redirect,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	transcript := make([]studystore.Message, len(c.transcript))
	copy(transcript, c.transcript)
	return Snapshot{
		SessionID:      c.id,
		ConversationID: c.conversationID,
		ParticipantID:  string(c.participantID),
		State:          c.state,
		EndReason:      c.endReason,
		Scenario:       c.scenario,
		Remaining:      c.remaining,
		ExchangeCount:  c.exchanges,
		Busy:           c.busy,
		Transcript:     transcript,
		Alert:          c.alert,
		Notice:         c.notice,
		Redirect:       c.redirect,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the most recent blocking failure, nil once recovered.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Outcome returns the end reason and redirect target once Ended.
func (c *Controller) Outcome() (EndReason, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEnded {
		return EndNone, "", false
	}
	return c.endReason, c.redirect, true
}

func (c *Controller) newMessage(role studystore.Role, content string, seq int) studystore.Message {
	now := c.clock()
	return studystore.Message{
		ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Role:           role,
		Content:        content,
		Timestamp:      now.UTC(),
		SequenceNumber: seq,
	}
}

func (c *Controller) historyLocked() []assistant.Turn {
	out := make([]assistant.Turn, 0, len(c.transcript))
	for _, m := range c.transcript {
		role := assistant.RoleAssistant
		if m.Role == studystore.RoleParticipant {
			role = assistant.RoleParticipant
		}
		out = append(out, assistant.Turn{Role: role, Content: m.Content})
	}
	return out
}

func (c *Controller) eventLocked(t lifecycle.Type) lifecycle.Event {
	return lifecycle.Event{
		Type:           t,
		SessionID:      c.id,
		ConversationID: c.conversationID,
		State:          string(c.state),
		EndReason:      string(c.endReason),
		Remaining:      c.remaining,
		Redirect:       c.redirect,
		Alert:          c.alert,
		At:             c.clock().UTC(),
	}
}

func (c *Controller) stateEventLocked() lifecycle.Event {
	return c.eventLocked(lifecycle.TypeState)
}

func (c *Controller) messageEventLocked(m studystore.Message) lifecycle.Event {
	ev := c.eventLocked(lifecycle.TypeMessage)
	ev.Message = &lifecycle.MessagePayload{
		ID:             m.ID,
		Role:           string(m.Role),
		Content:        m.Content,
		SequenceNumber: m.SequenceNumber,
		Timestamp:      m.Timestamp,
	}
	return ev
}

func (c *Controller) logger() *zerolog.Logger {
	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id == "" {
		return &c.log
	}
	l := c.log.With().Str("conversation_id", id).Logger()
	return &l
}

func (c *Controller) publish(ctx context.Context, ev lifecycle.Event) {
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger().Warn().Err(err).Str("type", string(ev.Type)).Msg("lifecycle publish failed")
	}
}
