package web

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	once sync.Once
}

func (c *poolClient) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans lifecycle frames out to every browser tab attached to one
// session. Each connection has its own bounded queue; a connection that falls
// behind is dropped rather than slowing the others.
type ConnectionPool struct {
	sessionID    string
	mu           sync.Mutex
	clients      map[wsConn]*poolClient
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewConnectionPool(sessionID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		clients:      map[wsConn]*poolClient{},
		sendBuffer:   64,
		writeTimeout: 5 * time.Second,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	client := &poolClient{conn: conn, send: make(chan []byte, cp.sendBuffer)}
	cp.mu.Lock()
	cp.clients[conn] = client
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(client)
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for data := range c.send {
		if cp.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "web").Str("session_id", cp.sessionID).Msg("ws write failed, dropping connection")
			cp.Remove(c.conn)
			return
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	client, ok := cp.clients[conn]
	delete(cp.clients, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		client.close()
	} else {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var dropped []*poolClient
	cp.mu.Lock()
	for conn, client := range cp.clients {
		select {
		case client.send <- data:
		default:
			log.Warn().Str("component", "web").Str("session_id", cp.sessionID).Msg("ws send buffer full, dropping connection")
			delete(cp.clients, conn)
			dropped = append(dropped, client)
		}
	}
	if len(dropped) > 0 {
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
	for _, c := range dropped {
		c.close()
	}
}

// SendToOne queues data for a single attached connection.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	client, ok := cp.clients[conn]
	if !ok {
		cp.mu.Unlock()
		return
	}
	select {
	case client.send <- data:
		cp.mu.Unlock()
	default:
		delete(cp.clients, conn)
		cp.scheduleIdleTimerLocked()
		cp.mu.Unlock()
		client.close()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*poolClient, 0, len(cp.clients))
	for conn, client := range cp.clients {
		clients = append(clients, client)
		delete(cp.clients, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.clients) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.clients) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
