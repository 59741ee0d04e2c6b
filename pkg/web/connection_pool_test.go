package web

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func (s *stubConn) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

func (s *stubConn) Closed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func TestConnectionPoolBroadcastsInOrder(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))

	for _, c := range []*stubConn{a, b} {
		require.Eventually(t, func() bool { return len(c.Writes()) == 2 }, time.Second, 5*time.Millisecond)
		require.Equal(t, []string{"one", "two"}, c.Writes())
	}
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	slow := newStubConn(true)
	fast := newStubConn(false)
	pool.Add(slow)
	pool.Add(fast)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool { return pool.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, slow.Closed, time.Second, 5*time.Millisecond)
	require.False(t, fast.Closed())
}

func TestConnectionPoolSendToOne(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)

	pool.SendToOne(a, []byte("hello"))
	require.Eventually(t, func() bool { return len(a.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, b.Writes())

	// unknown connections are ignored
	pool.SendToOne(newStubConn(false), []byte("nope"))
}

func TestConnectionPoolIdleCallback(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("s1", 10*time.Millisecond, func() { idle <- struct{}{} })
	conn := newStubConn(false)
	pool.Add(conn)
	pool.Remove(conn)
	require.True(t, conn.Closed())

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback did not fire")
	}
	require.True(t, pool.IsEmpty())
}

func TestConnectionPoolCloseAll(t *testing.T) {
	pool := NewConnectionPool("s1", 0, nil)
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)
	pool.CloseAll()
	require.True(t, pool.IsEmpty())
	require.True(t, a.Closed())
	require.True(t, b.Closed())
}
