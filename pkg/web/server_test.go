package web

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
	"github.com/go-go-golems/study-chat/pkg/session"
)

// countdownCloser records how far a session's countdown had run when closed.
type countdownCloser struct {
	ctrl *session.Controller

	mu        sync.Mutex
	closed    int
	remaining int
}

func (c *countdownCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.remaining = c.ctrl.Snapshot().Remaining
	return nil
}

func (c *countdownCloser) state() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.remaining
}

func TestServer_RunStopsCountdownsBeforeClosers(t *testing.T) {
	store := studystore.NewInMemoryStore(nil)
	bus := lifecycle.NewInMemoryBus(zerolog.Nop())
	hub := NewHub(time.Minute, zerolog.Nop())
	mgr, err := session.NewManager(session.ManagerOptions{
		Store:        store,
		Assistant:    echoBridge{},
		Publisher:    bus,
		Countdown:    time.Hour,
		TickInterval: time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl, err := mgr.Open(ctx, "aita-1", session.Launch{ParticipantID: "PROLIFIC0004"})
	require.NoError(t, err)
	_, err = mgr.ConfirmStart(ctx, ctrl.ID())
	require.NoError(t, err)

	closer := &countdownCloser{ctrl: ctrl}
	srv, err := NewServer(ServerOptions{
		Addr:    "127.0.0.1:0",
		Manager: mgr,
		Hub:     hub,
		Bus:     bus,
		Logger:  zerolog.Nop(),
		Closers: []io.Closer{closer},
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	closed, remaining := closer.state()
	require.Equal(t, 1, closed)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, remaining, ctrl.Snapshot().Remaining)
	require.Equal(t, session.StateActive, ctrl.State())
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(ServerOptions{})
	require.Error(t, err)
}
