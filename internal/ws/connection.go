package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound queue capacity per connection
	sendBufferSize = 256
)

// ConnState tracks where a connection is in its lifecycle.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateAuthenticated
	StateDisconnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves this state.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// Conn is the subset of *websocket.Conn the engine needs. The transport
// handle is borrowed, not owned; closing it is the last step of cleanup.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// outbound is one prepared payload waiting in a connection's send queue.
// Binary payloads are gzip-compressed frames.
type outbound struct {
	data   []byte
	binary bool
}

// Connection is one client transport session. It is created at accept time,
// mutated by the dispatcher, broadcast processor and heartbeat monitor, and
// destroyed exactly once through Manager.cleanup.
type Connection struct {
	id   string
	conn Conn

	state    atomic.Int32
	userID   string
	channels map[string]struct{}

	connectedAt time.Time
	lastPing    atomic.Int64 // unix nanos
	lastPong    atomic.Int64 // unix nanos

	messageCount  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	// Fixed-window rate limiting, owned by the connection's read loop.
	limiter rateLimiter

	metadata map[string]any

	send       chan outbound
	ctx        context.Context
	cancel     context.CancelFunc
	sendClosed atomic.Bool
	cleanedUp  atomic.Bool

	mu sync.RWMutex
}

func newConnection(conn Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	c := &Connection{
		id:          uuid.New().String()[:12],
		conn:        conn,
		channels:    make(map[string]struct{}),
		connectedAt: now,
		metadata:    make(map[string]any),
		send:        make(chan outbound, sendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.state.Store(int32(StateConnecting))
	c.lastPing.Store(now.UnixNano())
	c.lastPong.Store(now.UnixNano())
	return c
}

// ID returns the opaque connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the authenticated identity, or "" before auth.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// setState applies a transition unless the connection already reached a
// terminal state.
func (c *Connection) setState(next ConnState) bool {
	for {
		cur := ConnState(c.state.Load())
		if cur.Terminal() {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// authenticate records the identity established by the auth handler. The
// user ID is set at most once and never reassigned.
func (c *Connection) authenticate(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return false
	}
	if !c.setState(StateAuthenticated) {
		return false
	}
	c.userID = userID
	return true
}

// active reports whether channel and auth operations are permitted.
func (c *Connection) active() bool {
	s := c.State()
	return s == StateConnected || s == StateAuthenticated
}

// Channels returns the names of the channels this connection belongs to.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	return names
}

// addChannel and removeChannel are only called by the Manager while it
// holds its registry lock, keeping the channel set and the reverse index
// consistent with each other.
func (c *Connection) addChannel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[name] = struct{}{}
}

func (c *Connection) removeChannel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
}

func (c *Connection) inChannel(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[name]
	return ok
}

// SetMetadata attaches an application-defined value to the connection.
func (c *Connection) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

func (c *Connection) metadataCopy() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// enqueue places a prepared payload on the outbound queue. It never blocks:
// a full queue means the client is too slow to keep up and the payload is
// dropped so the shared broadcast path stays unblocked.
func (c *Connection) enqueue(msg outbound) error {
	if c.sendClosed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		slog.Warn("send buffer full, dropping payload", "connID", c.id, "userID", c.UserID())
		return ErrSendBufferFull
	}
}

// closeSend marks the outbound queue closed so no further payloads are
// accepted. The channel itself is never closed: a sender that passed the
// flag check before teardown may still be committed to a buffered send,
// and the write pump exits through context cancellation instead.
func (c *Connection) closeSend() {
	c.sendClosed.Store(true)
}

// writePump drains the outbound queue onto the transport and keeps the
// protocol-level heartbeat going. One per connection; it exits when the
// context is cancelled or a write fails.
func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			msgType := websocket.TextMessage
			if msg.binary {
				msgType = websocket.BinaryMessage
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, msg.data); err != nil {
				slog.Debug("write failed", "connID", c.id, "error", err)
				return
			}
			c.bytesSent.Add(int64(len(msg.data)))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("ping failed", "connID", c.id, "error", err)
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// ConnectionInfo is a read-only snapshot of one connection.
type ConnectionInfo struct {
	ID            string         `json:"id"`
	State         string         `json:"state"`
	Channels      []string       `json:"channels"`
	UserID        string         `json:"user_id,omitempty"`
	ConnectedAt   time.Time      `json:"connected_at"`
	LastPing      time.Time      `json:"last_ping"`
	LastPong      time.Time      `json:"last_pong"`
	MessageCount  int64          `json:"message_count"`
	BytesSent     int64          `json:"bytes_sent"`
	BytesReceived int64          `json:"bytes_received"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Info captures the connection's current state for introspection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:            c.id,
		State:         c.State().String(),
		Channels:      c.Channels(),
		UserID:        c.UserID(),
		ConnectedAt:   c.connectedAt,
		LastPing:      time.Unix(0, c.lastPing.Load()),
		LastPong:      time.Unix(0, c.lastPong.Load()),
		MessageCount:  c.messageCount.Load(),
		BytesSent:     c.bytesSent.Load(),
		BytesReceived: c.bytesReceived.Load(),
		Metadata:      c.metadataCopy(),
	}
}
