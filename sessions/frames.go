package sessions

import (
	"encoding/json"

	"github.com/ggoodman/livegate/internal/jsoncodec"
)

// Error codes carried by in-session error frames.
const (
	CodeInvalidJSON     = "invalid_json"
	CodeMissingType     = "missing_type"
	CodeUnknownType     = "unknown_type"
	CodeUnsupportedData = "unsupported_frame"
	CodeHandlerFailed   = "handler_error"
	CodeInvalidTopic    = "invalid_topic"
)

// FrameTypeEvent is the type of frames carrying published events.
const FrameTypeEvent = "event"

// Message is an inbound frame after its type has been read.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the whole frame into v.
func (m Message) Decode(v any) error {
	return jsoncodec.Unmarshal(m.Raw, v)
}

// ErrorFrame is sent back to a session when one of its frames is rejected.
type ErrorFrame struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: ErrorDetail{Code: code, Message: message}}
}

// PingFrame asks the server to answer with a PongFrame.
type PingFrame struct {
	Type string `json:"type" jsonschema:"enum=ping"`
}

type PongFrame struct {
	Type string `json:"type"`
}

// SubscribeFrame adds a topic to (or, with type unsubscribe, removes it
// from) the session's topic set.
type SubscribeFrame struct {
	Type  string `json:"type" jsonschema:"enum=subscribe,enum=unsubscribe"`
	Topic string `json:"topic" jsonschema:"minLength=1"`
}

// SubscriptionAck confirms a subscribe or unsubscribe frame.
type SubscriptionAck struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// EventFrame carries an event published to a topic.
type EventFrame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type envelopeHead struct {
	Type *string `json:"type"`
}
