package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

// fakeConn is an in-memory transport standing in for *websocket.Conn.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, frame, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeValidator maps tokens to user IDs.
type fakeValidator struct {
	users map[string]string
}

func (v *fakeValidator) Validate(token string) (string, error) {
	userID, ok := v.users[token]
	if !ok {
		return "", errors.New("bad token")
	}
	return userID, nil
}

func testCatalog() []ChannelConfig {
	return []ChannelConfig{
		{
			Name:               "telemetry",
			Description:        "open data channel",
			MaxConnections:     10,
			RateLimitPerMinute: 60,
			CompressionEnabled: true,
			MessageBufferSize:  5,
		},
		{
			Name:               "alerts",
			Description:        "authenticated alerts",
			MaxConnections:     2,
			RateLimitPerMinute: 120,
			AuthRequired:       true,
			MessageBufferSize:  3,
		},
		{
			Name:               "maintenance",
			Description:        "low-rate channel",
			MaxConnections:     10,
			RateLimitPerMinute: 5,
			MessageBufferSize:  2,
		},
	}
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	validator := &fakeValidator{users: map[string]string{
		"token-a": "user-a",
		"token-b": "user-b",
		"token-c": "user-c",
	}}
	return NewManager(testCatalog(), validator, opts)
}

// connect registers a connection over a fake transport and discards the
// welcome traffic so tests only see the frames they provoke.
func connect(t *testing.T, m *Manager) (*Connection, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	c := m.register(fc, "")
	drain(c)
	return c, fc
}

// drain empties the connection's outbound queue.
func drain(c *Connection) []outbound {
	var out []outbound
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

// drainFrames decodes the pending outbound queue, gunzipping binary
// payloads first.
func drainFrames(t *testing.T, c *Connection) []OutboundFrame {
	t.Helper()
	var frames []OutboundFrame
	for _, msg := range drain(c) {
		data := msg.data
		if msg.binary {
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("gzip reader: %v", err)
			}
			decompressed, err := io.ReadAll(zr)
			if err != nil {
				t.Fatalf("gunzip: %v", err)
			}
			data = decompressed
		}
		var frame OutboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

// dispatchJSON feeds one raw frame through the dispatcher.
func dispatchJSON(t *testing.T, m *Manager, c *Connection, frame string) {
	t.Helper()
	m.dispatch(c, []byte(frame))
}

func authenticate(t *testing.T, m *Manager, c *Connection, token string) {
	t.Helper()
	m.handleAuth(c, token)
	frames := drainFrames(t, c)
	if len(frames) == 0 || frames[0].Type != KindStatus {
		t.Fatalf("expected auth status frame, got %+v", frames)
	}
}

// broadcastFor builds the message BroadcastToChannel would enqueue.
func broadcastFor(_ *Manager, channel string, payload map[string]any) *BroadcastMessage {
	return &BroadcastMessage{
		Channel:   channel,
		Kind:      KindData,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

func errorCode(frame OutboundFrame) string {
	code, _ := frame.Data["error_code"].(string)
	return code
}
