package ws

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatchPingRepliesPong(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	before := c.lastPing.Load()
	dispatchJSON(t, m, c, `{"type":"ping"}`)

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != KindPong {
		t.Fatalf("expected a single pong, got %v", frames)
	}
	if c.lastPing.Load() == before {
		t.Error("ping should refresh the liveness timestamp")
	}
}

func TestDispatchInvalidJSON(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	dispatchJSON(t, m, c, `{"type":`)

	frames := drainFrames(t, c)
	if len(frames) != 1 {
		t.Fatalf("expected 1 error frame, got %d", len(frames))
	}
	if code := errorCode(frames[0]); code != ErrCodeInvalidFormat {
		t.Errorf("expected %s, got %q", ErrCodeInvalidFormat, code)
	}
	if !c.active() {
		t.Error("a malformed frame must not drop the connection")
	}
}

func TestAuthMissingToken(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	dispatchJSON(t, m, c, `{"type":"auth"}`)

	frames := drainFrames(t, c)
	if code := errorCode(frames[0]); code != ErrCodeMissingToken {
		t.Errorf("expected %s, got %q", ErrCodeMissingToken, code)
	}
	if c.UserID() != "" {
		t.Error("connection must stay unauthenticated")
	}
}

func TestAuthInvalidToken(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	dispatchJSON(t, m, c, `{"type":"auth","token":"bogus"}`)

	frames := drainFrames(t, c)
	if code := errorCode(frames[0]); code != ErrCodeInvalidToken {
		t.Errorf("expected %s, got %q", ErrCodeInvalidToken, code)
	}
	if c.State() == StateAuthenticated {
		t.Error("failed validation must not authenticate the connection")
	}
}

func TestAuthSuccess(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	dispatchJSON(t, m, c, `{"type":"auth","token":"token-a"}`)

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != KindStatus {
		t.Fatalf("expected a status frame, got %v", frames)
	}
	if frames[0].Data["authenticated"] != true || frames[0].Data["user_id"] != "user-a" {
		t.Errorf("status frame should confirm identity, got %v", frames[0].Data)
	}
	if c.UserID() != "user-a" {
		t.Errorf("expected user-a, got %q", c.UserID())
	}
	if c.State() != StateAuthenticated {
		t.Errorf("expected authenticated state, got %s", c.State())
	}

	m.mu.RLock()
	_, indexed := m.userConns["user-a"][c.ID()]
	m.mu.RUnlock()
	if !indexed {
		t.Error("authenticated connection must appear in the user index")
	}
}

func TestAuthIdentitySetOnce(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	authenticate(t, m, c, "token-a")
	dispatchJSON(t, m, c, `{"type":"auth","token":"token-b"}`)

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != KindStatus {
		t.Fatalf("re-auth should answer with a status frame, got %v", frames)
	}
	if c.UserID() != "user-a" {
		t.Errorf("identity is set once per connection, got %q", c.UserID())
	}
	m.mu.RLock()
	_, leaked := m.userConns["user-b"]
	m.mu.RUnlock()
	if leaked {
		t.Error("re-auth must not index the connection under a second user")
	}
}

func TestAuthAfterCleanupNotIndexed(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	m.cleanup(c, StateDisconnected, "heartbeat timeout")
	m.handleAuth(c, "token-a")

	if c.UserID() != "" {
		t.Errorf("terminated connection must not gain an identity, got %q", c.UserID())
	}
	m.mu.RLock()
	_, indexed := m.userConns["user-a"]
	m.mu.RUnlock()
	if indexed {
		t.Error("dead connection must not enter the user index")
	}
	if frames := drainFrames(t, c); len(frames) != 0 {
		for _, f := range frames {
			if f.Data["authenticated"] == true {
				t.Error("terminated connection must not be told it authenticated")
			}
		}
	}
}

func TestDispatchUnknownKindInvokesHandler(t *testing.T) {
	m := newTestManager(t, Options{})

	var gotKind MessageKind
	var gotRaw []byte
	m.RegisterMessageCallback("telemetry_push", func(c *Connection, raw json.RawMessage) {
		gotKind = "telemetry_push"
		gotRaw = raw
	})

	c, _ := connect(t, m)
	dispatchJSON(t, m, c, `{"type":"telemetry_push","channel":"telemetry"}`)

	if gotKind != "telemetry_push" {
		t.Fatal("registered handler was not invoked")
	}
	if len(gotRaw) == 0 {
		t.Error("handler should receive the raw frame")
	}
	if frames := drainFrames(t, c); len(frames) != 0 {
		t.Errorf("handled custom kinds produce no reply, got %v", frames)
	}
}

// faultyConn fails every read with a transport-level error.
type faultyConn struct {
	*fakeConn
}

func (f *faultyConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("connection reset by peer")
}

func TestTransportFaultCountsAsError(t *testing.T) {
	m := newTestManager(t, Options{})
	m.running.Store(true)

	fc := &faultyConn{fakeConn: newFakeConn()}
	m.Serve(fc, "")

	if errs := m.metrics.errors.Load(); errs != 1 {
		t.Errorf("transport fault should bump the error counter, got %d", errs)
	}
	if !fc.isClosed() {
		t.Error("faulted transport must be closed")
	}
}

func TestCleanCloseIsNotAnError(t *testing.T) {
	m := newTestManager(t, Options{})
	m.running.Store(true)

	fc := newFakeConn()
	close(fc.inbound)
	m.Serve(fc, "")

	if errs := m.metrics.errors.Load(); errs != 0 {
		t.Errorf("clean close must not count as an error, got %d", errs)
	}
	if errs := m.metrics.disconnections.Load(); errs != 1 {
		t.Error("clean close still counts as a disconnection")
	}
}

func TestDispatchUnknownKindWithoutHandlerIsSilent(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	dispatchJSON(t, m, c, `{"type":"wharrgarbl"}`)

	if frames := drainFrames(t, c); len(frames) != 0 {
		t.Errorf("unknown kinds without a handler are ignored, got %v", frames)
	}
	if !c.active() {
		t.Error("unknown kinds must not drop the connection")
	}
}
