package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/study-chat/pkg/assistant"
	"github.com/go-go-golems/study-chat/pkg/identity"
	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
	"github.com/go-go-golems/study-chat/pkg/scenarios"
)

type ManagerOptions struct {
	// BaseCtx bounds every countdown goroutine. StopCountdowns ends them earlier.
	BaseCtx   context.Context
	Catalog   *scenarios.Catalog
	Store     studystore.Store
	Assistant assistant.Bridge
	Gate      *identity.Gate
	Publisher lifecycle.Publisher
	Countdown time.Duration
	// TickInterval is one logical countdown second. Defaults to time.Second.
	TickInterval time.Duration
	Clock        func() time.Time
	Logger       zerolog.Logger

	// Retain vetoes eviction, e.g. while a browser is still connected.
	Retain func(sessionID string) bool
	// OnEvict runs after a session is dropped.
	OnEvict func(sessionID string)
}

type managed struct {
	ctrl         *Controller
	lastActivity time.Time
	started      bool
}

// Manager owns the live controllers of the process, keyed by session id.
type Manager struct {
	opts ManagerOptions
	log  zerolog.Logger

	runCtx   context.Context
	stopRuns context.CancelFunc
	runs     sync.WaitGroup

	mu            sync.Mutex
	sessions      map[string]*managed
	stopped       bool
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Catalog == nil {
		opts.Catalog = scenarios.Default()
	}
	if opts.Store == nil || opts.Assistant == nil {
		return nil, errors.New("session manager: store and assistant are required")
	}
	if opts.BaseCtx == nil {
		opts.BaseCtx = context.Background()
	}
	if opts.Gate == nil {
		opts.Gate = identity.NewGate(opts.Store)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	runCtx, stopRuns := context.WithCancel(opts.BaseCtx)
	return &Manager{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "session_manager").Logger(),
		runCtx:   runCtx,
		stopRuns: stopRuns,
		sessions: map[string]*managed{},
	}, nil
}

func (m *Manager) Catalog() *scenarios.Catalog { return m.opts.Catalog }

// Open creates a session for scenarioID and resolves its identity.
func (m *Manager) Open(ctx context.Context, scenarioID string, launch Launch) (*Controller, error) {
	sc, ok := m.opts.Catalog.Lookup(scenarioID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "scenario %q", scenarioID)
	}
	ctrl, err := New(Options{
		Scenario:  sc,
		Launch:    launch,
		Store:     m.opts.Store,
		Assistant: m.opts.Assistant,
		Gate:      m.opts.Gate,
		Publisher: m.opts.Publisher,
		Countdown: m.opts.Countdown,
		Clock:     m.opts.Clock,
		Logger:    m.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[ctrl.ID()] = &managed{ctrl: ctrl, lastActivity: m.opts.Clock()}
	m.mu.Unlock()

	ctrl.Open(ctx)
	m.log.Debug().Str("session_id", ctrl.ID()).Str("scenario_id", sc.ID).Msg("session opened")
	return ctrl, nil
}

// Get returns a live session and marks it active.
func (m *Manager) Get(id string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s.lastActivity = m.opts.Clock()
	return s.ctrl, true
}

// ConfirmStart starts the conversation and, once Active, its countdown.
func (m *Manager) ConfirmStart(ctx context.Context, id string) (*Controller, error) {
	ctrl, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := ctrl.ConfirmStart(ctx); err != nil {
		return ctrl, err
	}
	m.startCountdown(id)
	return ctrl, nil
}

func (m *Manager) startCountdown(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.started || m.stopped {
		m.mu.Unlock()
		return
	}
	s.started = true
	ctrl := s.ctrl
	m.runs.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.runs.Done()
		ticker := time.NewTicker(m.opts.TickInterval)
		defer ticker.Stop()
		if err := ctrl.Run(m.runCtx, ticker.C); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn().Err(err).Str("session_id", id).Msg("countdown stopped")
		}
	}()
}

// StopCountdowns cancels every countdown and waits for the goroutines to
// return, so no tick reaches the store afterwards. Sessions still Active stay
// open in the store with no end time. Countdowns are not restarted.
func (m *Manager) StopCountdowns(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	started := make([]*Controller, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.started {
			started = append(started, s.ctrl)
		}
	}
	m.mu.Unlock()
	m.stopRuns()

	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for countdowns")
	}
	open := 0
	for _, ctrl := range started {
		if ctrl.State() == StateActive {
			open++
		}
	}
	if open > 0 {
		m.log.Warn().Int("open", open).Msg("countdowns stopped with conversations still open")
	}
	return nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) SetEvictionConfig(idle, interval time.Duration) {
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

// RunEvictionLoop drops idle sessions until ctx is done. It returns
// immediately when eviction is not configured or already running.
func (m *Manager) RunEvictionLoop(ctx context.Context) error {
	m.mu.Lock()
	if m.evictRunning || m.evictIdle <= 0 || m.evictInterval <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.evictRunning = true
	interval := m.evictInterval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return nil
		case <-ticker.C:
			if n := m.evictIdleOnce(m.opts.Clock()); n > 0 {
				m.log.Debug().Int("evicted", n).Msg("evicted idle sessions")
			}
		}
	}
}

func (m *Manager) evictIdleOnce(now time.Time) int {
	m.mu.Lock()
	idle := m.evictIdle
	if idle <= 0 {
		m.mu.Unlock()
		return 0
	}
	candidates := make([]*managed, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range candidates {
		if !m.shouldEvict(now, idle, s) {
			continue
		}
		id := s.ctrl.ID()
		m.mu.Lock()
		current, ok := m.sessions[id]
		if !ok || current != s {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, id)
		m.mu.Unlock()

		if m.opts.OnEvict != nil {
			m.opts.OnEvict(id)
		}
		evicted++
	}
	return evicted
}

// Active sessions are never evicted: the countdown ends them.
func (m *Manager) shouldEvict(now time.Time, idle time.Duration, s *managed) bool {
	snap := s.ctrl.Snapshot()
	if snap.State == StateActive || snap.Busy {
		return false
	}
	if m.opts.Retain != nil && m.opts.Retain(snap.SessionID) {
		return false
	}
	m.mu.Lock()
	last := s.lastActivity
	m.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
