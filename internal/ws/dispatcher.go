package ws

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// readLoop reads frames from one connection until the transport dies. Each
// frame is counted, rate-checked and dispatched by kind. Protocol and
// capacity violations answer with an error frame and keep the loop going;
// only transport failure exits it. The read error that ended the loop is
// returned so the caller can tell a clean close from a transport fault.
func (m *Manager) readLoop(c *Connection) error {
	c.conn.SetReadLimit(maxMessageSize)
	pongWait := m.opts.PingInterval + m.opts.PongTimeout
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for c.active() {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("read error", "connID", c.id, "error", err)
			}
			return err
		}

		c.messageCount.Add(1)
		c.bytesReceived.Add(int64(len(raw)))
		m.metrics.messagesReceived.Add(1)
		m.metrics.bytesTransferred.Add(int64(len(raw)))

		m.dispatch(c, raw)
	}
	return nil
}

// cleanClose reports whether a read error is an orderly end of the
// session rather than a transport fault.
func cleanClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// dispatch routes one inbound frame. Rate limiting happens before parsing
// so a flooding client pays for malformed frames too; a violation is
// answered with an error and never drops the connection.
func (m *Manager) dispatch(c *Connection, raw []byte) {
	if !c.limiter.allow(m.effectiveRateLimit(c), m.opts.RateLimitWindow, time.Now()) {
		m.sendError(c, ErrCodeRateLimitExceeded, "too many messages, slow down")
		return
	}

	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.sendError(c, ErrCodeInvalidFormat, "invalid JSON frame")
		return
	}

	switch frame.Type {
	case KindPing:
		m.handlePing(c)
	case KindAuth:
		m.handleAuth(c, frame.Token)
	case KindSubscribe:
		m.subscribe(c, frame.Channel)
	case KindUnsubscribe:
		m.unsubscribe(c, frame.Channel)
	default:
		if !m.notifyMessage(frame.Type, c, raw) {
			// Unknown kind with no registered handler: acknowledged
			// silently, never an error.
			m.logger.Debug("unhandled message kind", "connID", c.id, "kind", frame.Type)
		}
	}
}

func (m *Manager) handlePing(c *Connection) {
	c.lastPing.Store(time.Now().UnixNano())
	c.lastPong.Store(time.Now().UnixNano())
	m.sendFrame(c, NewPongFrame())
}

// handleAuth consults the external token validator. A failed validation
// leaves the connection usable and unauthenticated.
func (m *Manager) handleAuth(c *Connection, token string) {
	if token == "" {
		m.sendError(c, ErrCodeMissingToken, "token required")
		return
	}

	userID, err := m.validator.Validate(token)
	if err != nil || userID == "" {
		m.sendError(c, ErrCodeInvalidToken, "token verification failed")
		return
	}

	if !c.authenticate(userID) {
		if existing := c.UserID(); existing != "" {
			// Identity is set at most once per connection.
			m.sendFrame(c, NewStatusFrame(map[string]any{
				"authenticated": true,
				"user_id":       existing,
			}))
			return
		}
		// Terminal state: the session ended before auth completed.
		m.sendError(c, ErrCodeNotConnected, "connection is not active")
		return
	}

	m.mu.Lock()
	// Same liveness re-check as subscribe: cleanup may have swept the user
	// index between authenticate and this insert.
	if c.cleanedUp.Load() {
		m.mu.Unlock()
		return
	}
	if m.userConns[userID] == nil {
		m.userConns[userID] = make(map[string]*Connection)
	}
	m.userConns[userID][c.id] = c
	m.mu.Unlock()

	m.sendFrame(c, NewStatusFrame(map[string]any{
		"authenticated": true,
		"user_id":       userID,
	}))

	m.logger.Info("authenticated", "connID", c.id, "userID", userID)
}
