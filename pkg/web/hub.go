package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/study-chat/pkg/lifecycle"
)

// Hub routes lifecycle events from the bus to the pool of the session they
// belong to.
type Hub struct {
	mu          sync.Mutex
	pools       map[string]*ConnectionPool
	idleTimeout time.Duration
	log         zerolog.Logger
}

func NewHub(idleTimeout time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		pools:       map[string]*ConnectionPool{},
		idleTimeout: idleTimeout,
		log:         logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Pool returns the pool for sessionID, creating it on first use. An idle pool
// removes itself once its last connection has been gone for idleTimeout.
func (h *Hub) Pool(sessionID string) *ConnectionPool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pools[sessionID]; ok {
		return p
	}
	var p *ConnectionPool
	p = NewConnectionPool(sessionID, h.idleTimeout, func() {
		h.mu.Lock()
		if h.pools[sessionID] == p {
			delete(h.pools, sessionID)
		}
		h.mu.Unlock()
	})
	h.pools[sessionID] = p
	return p
}

func (h *Hub) lookup(sessionID string) (*ConnectionPool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pools[sessionID]
	return p, ok
}

// Connected reports whether any browser is attached to sessionID.
func (h *Hub) Connected(sessionID string) bool {
	p, ok := h.lookup(sessionID)
	return ok && !p.IsEmpty()
}

// Drop closes and forgets the pool of an evicted session.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	p, ok := h.pools[sessionID]
	delete(h.pools, sessionID)
	h.mu.Unlock()
	if ok {
		p.CloseAll()
	}
}

// Dispatch sends one event to its session's pool, if any.
func (h *Hub) Dispatch(ev lifecycle.Event) {
	p, ok := h.lookup(ev.SessionID)
	if !ok {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", ev.SessionID).Msg("encode lifecycle frame")
		return
	}
	p.Broadcast(data)
}

// Run dispatches events until the channel closes or ctx is done.
func (h *Hub) Run(ctx context.Context, events <-chan lifecycle.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.Dispatch(ev)
		}
	}
}
