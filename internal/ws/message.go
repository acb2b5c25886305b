package ws

import (
	"encoding/json"
	"time"
)

// MessageKind represents the type of a WebSocket frame using a custom enum
// type for better type safety
type MessageKind string

const (
	KindPing        MessageKind = "ping"
	KindPong        MessageKind = "pong"
	KindAuth        MessageKind = "auth"
	KindSubscribe   MessageKind = "subscribe"
	KindUnsubscribe MessageKind = "unsubscribe"
	KindData        MessageKind = "data"
	KindError       MessageKind = "error"
	KindStatus      MessageKind = "status"
)

// String returns the string representation of the MessageKind
func (k MessageKind) String() string {
	return string(k)
}

// Reserved reports whether the kind is handled by the dispatcher itself.
// Anything else is routed to application-level message callbacks.
func (k MessageKind) Reserved() bool {
	switch k {
	case KindPing, KindAuth, KindSubscribe, KindUnsubscribe:
		return true
	default:
		return false
	}
}

// Stable error codes carried in error frames.
const (
	ErrCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrCodeInvalidFormat     = "invalid_format"
	ErrCodeInvalidChannel    = "invalid_channel"
	ErrCodeAuthRequired      = "auth_required"
	ErrCodeChannelFull       = "channel_full"
	ErrCodeInvalidToken      = "invalid_token"
	ErrCodeMissingToken      = "missing_token"
	ErrCodeNotConnected      = "not_connected"
)

// InboundFrame is one JSON object read from a client. The dispatcher only
// decodes the fields it routes on; application callbacks receive the raw
// frame untouched.
type InboundFrame struct {
	Type    MessageKind `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Token   string      `json:"token,omitempty"`
}

// OutboundFrame is one JSON object written to a client.
type OutboundFrame struct {
	Type      MessageKind    `json:"type"`
	Channel   string         `json:"channel,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

func newFrame(kind MessageKind, channel string, data map[string]any) *OutboundFrame {
	if data == nil {
		data = make(map[string]any)
	}
	return &OutboundFrame{
		Type:      kind,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// NewStatusFrame creates a status confirmation frame.
func NewStatusFrame(data map[string]any) *OutboundFrame {
	return newFrame(KindStatus, "", data)
}

// NewErrorFrame creates an error frame with a stable error code.
func NewErrorFrame(code, message string) *OutboundFrame {
	return newFrame(KindError, "", map[string]any{
		"error_code": code,
		"message":    message,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// NewPongFrame creates the reply to an application-level ping.
func NewPongFrame() *OutboundFrame {
	return newFrame(KindPong, "", map[string]any{
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// NewDataFrame creates a data frame scoped to a channel.
func NewDataFrame(channel string, data map[string]any) *OutboundFrame {
	return newFrame(KindData, channel, data)
}

// Encode marshals the frame to its wire form.
func (f *OutboundFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
