package ws

import (
	"bytes"
	"context"
	"time"

	"github.com/klauspost/compress/gzip"
)

// BroadcastMessage is one unit of outbound fan-out work.
type BroadcastMessage struct {
	Channel      string         `json:"channel,omitempty"`
	Kind         MessageKind    `json:"kind"`
	Payload      map[string]any `json:"payload"`
	Timestamp    time.Time      `json:"timestamp"`
	TargetUsers  []string       `json:"target_users,omitempty"`
	ExcludeUsers []string       `json:"exclude_users,omitempty"`

	// Convenience-wrapper targeting. A user-addressed or global message
	// bypasses channel membership resolution.
	TargetUser string `json:"target_user,omitempty"`
	ToAll      bool   `json:"to_all,omitempty"`
}

// BroadcastToChannel enqueues a data message for every current subscriber
// of the channel, optionally narrowed by an allow-list or deny-list of
// user IDs. Delivery is at-most-once and strictly FIFO per channel.
func (m *Manager) BroadcastToChannel(channel string, payload map[string]any, targetUsers, excludeUsers []string) error {
	if _, ok := m.channels[channel]; !ok {
		return ErrUnknownChannel
	}
	return m.enqueueBroadcast(&BroadcastMessage{
		Channel:      channel,
		Kind:         KindData,
		Payload:      payload,
		Timestamp:    time.Now(),
		TargetUsers:  targetUsers,
		ExcludeUsers: excludeUsers,
	})
}

// BroadcastToUser enqueues a data message for every live connection of one
// authenticated user.
func (m *Manager) BroadcastToUser(userID string, payload map[string]any) error {
	return m.enqueueBroadcast(&BroadcastMessage{
		Kind:       KindData,
		Payload:    payload,
		Timestamp:  time.Now(),
		TargetUser: userID,
	})
}

// BroadcastToAll enqueues a data message for every live connection.
func (m *Manager) BroadcastToAll(payload map[string]any) error {
	return m.enqueueBroadcast(&BroadcastMessage{
		Kind:      KindData,
		Payload:   payload,
		Timestamp: time.Now(),
		ToAll:     true,
	})
}

// enqueueBroadcast queues a message locally and hands it to the
// cross-instance bridge when one is attached.
func (m *Manager) enqueueBroadcast(msg *BroadcastMessage) error {
	if err := m.enqueueLocal(msg); err != nil {
		return err
	}
	if m.bridge != nil {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
		defer cancel()
		if err := m.bridge.Publish(ctx, msg); err != nil {
			m.logger.Warn("bridge publish failed", "channel", msg.Channel, "error", err)
		}
	}
	return nil
}

// enqueueLocal places the message on the ordered queue. A full queue
// degrades by dropping the oldest queued message rather than blocking the
// caller or crashing the processor.
func (m *Manager) enqueueLocal(msg *BroadcastMessage) error {
	select {
	case <-m.ctx.Done():
		return ErrShuttingDown
	default:
	}

	for {
		select {
		case m.queue <- msg:
			return nil
		default:
		}
		select {
		case dropped := <-m.queue:
			m.metrics.errors.Add(1)
			m.logger.Warn("broadcast queue full, dropped oldest", "channel", dropped.Channel)
		default:
		}
	}
}

// runBroadcastProcessor is the single ordered consumer of the queue. FIFO
// consumption is what gives same-channel broadcasts their delivery order.
func (m *Manager) runBroadcastProcessor() {
	for {
		select {
		case msg := <-m.queue:
			m.processBroadcast(msg)
		case <-m.ctx.Done():
			return
		}
	}
}

// processBroadcast fans one message out. Membership resolution, per-target
// enqueueing and the replay-buffer append happen under one registry lock so
// subscribe cannot interleave and observe a half-delivered message. The
// enqueues themselves never block; each connection's write pump drains its
// own bounded queue independently.
func (m *Manager) processBroadcast(msg *BroadcastMessage) {
	if msg.TargetUser != "" || msg.ToAll {
		m.deliverDirect(msg)
		return
	}

	ch, ok := m.channels[msg.Channel]
	if !ok {
		return
	}

	frame := NewDataFrame(msg.Channel, msg.Payload)
	frame.Timestamp = msg.Timestamp.Format(time.RFC3339)
	if msg.Kind != "" {
		frame.Type = msg.Kind
	}
	encoded, err := frame.Encode()
	if err != nil {
		m.metrics.errors.Add(1)
		m.logger.Error("broadcast encode failed", "channel", msg.Channel, "error", err)
		return
	}

	// One prepared payload shared by every subscriber, compressed before
	// the lock is taken.
	payload := m.prepare(&ch, encoded)

	m.mu.Lock()
	for _, c := range m.channelConns[msg.Channel] {
		if !userAllowed(c.UserID(), msg.TargetUsers, msg.ExcludeUsers) {
			continue
		}
		m.deliver(c, payload)
	}
	m.replay[msg.Channel].append(encoded, msg.Timestamp)
	m.mu.Unlock()
}

// deliverDirect handles the user-addressed and broadcast-to-all wrappers.
// These are not channel-scoped, so they skip the replay buffer.
func (m *Manager) deliverDirect(msg *BroadcastMessage) {
	frame := NewDataFrame("", msg.Payload)
	frame.Timestamp = msg.Timestamp.Format(time.RFC3339)
	encoded, err := frame.Encode()
	if err != nil {
		m.metrics.errors.Add(1)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if msg.ToAll {
		for _, c := range m.conns {
			if c.active() {
				m.deliver(c, outbound{data: encoded})
			}
		}
		return
	}

	for _, c := range m.userConns[msg.TargetUser] {
		m.deliver(c, outbound{data: encoded})
	}
}

// userAllowed applies the allow-list / deny-list narrowing.
func userAllowed(userID string, target, exclude []string) bool {
	if len(target) > 0 {
		found := false
		for _, t := range target {
			if userID == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, e := range exclude {
		if userID != "" && userID == e {
			return false
		}
	}
	return true
}

// prepare builds the outbound payload for one encoded frame, compressing
// large payloads when the channel allows it. Compression is skipped, not
// retried, when it fails to shrink the payload.
func (m *Manager) prepare(ch *ChannelConfig, encoded []byte) outbound {
	if ch != nil && ch.CompressionEnabled && len(encoded) > m.opts.CompressionThreshold {
		if compressed, ok := gzipCompress(encoded); ok {
			return outbound{data: compressed, binary: true}
		}
	}
	return outbound{data: encoded}
}

// deliver enqueues one prepared payload for a connection.
func (m *Manager) deliver(c *Connection, payload outbound) {
	if err := c.enqueue(payload); err != nil {
		m.metrics.errors.Add(1)
		return
	}
	m.metrics.messagesSent.Add(1)
	m.metrics.bytesTransferred.Add(int64(len(payload.data)))
}

// sendFrame encodes and enqueues a control frame for one connection.
func (m *Manager) sendFrame(c *Connection, frame *OutboundFrame) {
	encoded, err := frame.Encode()
	if err != nil {
		m.metrics.errors.Add(1)
		m.logger.Error("frame encode failed", "connID", c.id, "error", err)
		return
	}
	m.deliver(c, outbound{data: encoded})
}

// sendError sends a structured error frame. Protocol and capacity errors
// are recovered locally; the connection survives.
func (m *Manager) sendError(c *Connection, code, message string) {
	m.sendFrame(c, NewErrorFrame(code, message))
}

func gzipCompress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}
