package ws

import (
	"fmt"
	"testing"
)

func TestSubscribeUnknownChannel(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	m.subscribe(c, "nope")

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != KindError {
		t.Fatalf("expected one error frame, got %+v", frames)
	}
	if errorCode(frames[0]) != ErrCodeInvalidChannel {
		t.Errorf("expected %s, got %s", ErrCodeInvalidChannel, errorCode(frames[0]))
	}
	if len(c.Channels()) != 0 {
		t.Errorf("channel set should be empty, got %v", c.Channels())
	}
}

func TestSubscribeAuthRequired(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	m.subscribe(c, "alerts")

	frames := drainFrames(t, c)
	if len(frames) != 1 || errorCode(frames[0]) != ErrCodeAuthRequired {
		t.Fatalf("expected auth_required error, got %+v", frames)
	}
	if m.subscriberCount("alerts") != 0 {
		t.Errorf("registry should not be mutated on failed subscribe")
	}
}

func TestSubscribeAfterAuth(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	authenticate(t, m, c, "token-a")
	m.subscribe(c, "alerts")

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != KindStatus {
		t.Fatalf("expected status confirmation, got %+v", frames)
	}
	if !c.inChannel("alerts") {
		t.Error("channel missing from connection's set")
	}
	if m.subscriberCount("alerts") != 1 {
		t.Error("connection missing from reverse index")
	}
}

func TestSubscribeChannelFull(t *testing.T) {
	m := newTestManager(t, Options{})

	// alerts caps at 2 subscribers.
	for _, token := range []string{"token-a", "token-b"} {
		c, _ := connect(t, m)
		authenticate(t, m, c, token)
		m.subscribe(c, "alerts")
		drain(c)
	}

	c3, _ := connect(t, m)
	authenticate(t, m, c3, "token-c")
	m.subscribe(c3, "alerts")

	frames := drainFrames(t, c3)
	if len(frames) != 1 || errorCode(frames[0]) != ErrCodeChannelFull {
		t.Fatalf("expected channel_full, got %+v", frames)
	}
	if m.subscriberCount("alerts") != 2 {
		t.Errorf("registry mutated by rejected subscribe: %d subscribers", m.subscriberCount("alerts"))
	}
	if c3.inChannel("alerts") {
		t.Error("rejected connection should not hold the channel")
	}
}

func TestBidirectionalMembershipInvariant(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	m.subscribe(c, "telemetry")
	drain(c)

	if !c.inChannel("telemetry") || m.subscriberCount("telemetry") != 1 {
		t.Fatal("membership must be reflected on both sides after subscribe")
	}

	m.unsubscribe(c, "telemetry")
	drain(c)

	if c.inChannel("telemetry") || m.subscriberCount("telemetry") != 0 {
		t.Fatal("membership must be cleared on both sides after unsubscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	m := newTestManager(t, Options{})
	c, _ := connect(t, m)

	m.unsubscribe(c, "telemetry")

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Type != KindStatus {
		t.Fatalf("unsubscribe of a channel never joined should still confirm, got %+v", frames)
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	m := newTestManager(t, Options{})

	for i := 0; i < 3; i++ {
		m.processBroadcast(broadcastFor(m, "telemetry", map[string]any{"seq": i}))
	}

	c, _ := connect(t, m)
	m.subscribe(c, "telemetry")

	frames := drainFrames(t, c)
	if len(frames) != 4 {
		t.Fatalf("expected 3 replayed frames plus confirmation, got %d", len(frames))
	}
	for i := 0; i < 3; i++ {
		if frames[i].Type != KindData {
			t.Fatalf("frame %d should be data, got %s", i, frames[i].Type)
		}
		if seq := frames[i].Data["seq"].(float64); int(seq) != i {
			t.Errorf("replay out of order: frame %d carries seq %v", i, seq)
		}
	}
	if frames[3].Type != KindStatus {
		t.Errorf("confirmation should follow the replay, got %s", frames[3].Type)
	}
}

func TestReplayBufferBounded(t *testing.T) {
	m := newTestManager(t, Options{})

	// alerts buffers at most 3 frames.
	for i := 0; i < 5; i++ {
		m.processBroadcast(broadcastFor(m, "alerts", map[string]any{"seq": i}))
	}

	c, _ := connect(t, m)
	authenticate(t, m, c, "token-a")
	m.subscribe(c, "alerts")

	frames := drainFrames(t, c)
	if len(frames) != 4 {
		t.Fatalf("expected 3 replayed frames plus confirmation, got %d", len(frames))
	}
	for i, want := range []int{2, 3, 4} {
		if seq := frames[i].Data["seq"].(float64); int(seq) != want {
			t.Errorf("frame %d: want seq %d, got %v (oldest should be evicted first)", i, want, seq)
		}
	}
}

// The walkthrough scenario: alerts has max_connections=2, auth_required,
// message_buffer_size=3.
func TestAlertsScenario(t *testing.T) {
	m := newTestManager(t, Options{})

	connA, _ := connect(t, m)
	authenticate(t, m, connA, "token-a")
	m.subscribe(connA, "alerts")

	frames := drainFrames(t, connA)
	if len(frames) != 1 || frames[0].Type != KindStatus {
		t.Fatalf("A should get only a confirmation (0 buffered), got %+v", frames)
	}

	for i := 0; i < 3; i++ {
		m.processBroadcast(broadcastFor(m, "alerts", map[string]any{"alert": fmt.Sprintf("a%d", i)}))
	}
	if got := len(drainFrames(t, connA)); got != 3 {
		t.Fatalf("A should receive the 3 live broadcasts, got %d", got)
	}

	connB, _ := connect(t, m)
	authenticate(t, m, connB, "token-b")
	m.subscribe(connB, "alerts")

	bFrames := drainFrames(t, connB)
	if len(bFrames) != 4 {
		t.Fatalf("B should get 3 buffered frames plus confirmation, got %d", len(bFrames))
	}
	for i := 0; i < 3; i++ {
		if alert := bFrames[i].Data["alert"].(string); alert != fmt.Sprintf("a%d", i) {
			t.Errorf("replay order broken at %d: %s", i, alert)
		}
	}

	connC, _ := connect(t, m)
	authenticate(t, m, connC, "token-c")
	m.subscribe(connC, "alerts")

	cFrames := drainFrames(t, connC)
	if len(cFrames) != 1 || errorCode(cFrames[0]) != ErrCodeChannelFull {
		t.Fatalf("C should be rejected with channel_full, got %+v", cFrames)
	}
}
