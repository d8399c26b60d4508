package ws

import (
	"encoding/json"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// Envelope is an inbound client event.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame is everything the server writes: broadcast events, acks and errors.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

const (
	FrameAck   = "ack"
	FrameError = "error"

	CodeRateLimited  = "rate_limited"
	CodeUnknownEvent = "unknown_event"
)

func ackFrame(requestID string, data any) Frame {
	return Frame{Type: FrameAck, RequestID: requestID, Data: data}
}

func errorFrame(requestID string, err error) Frame {
	return Frame{Type: FrameError, RequestID: requestID, Code: domain.ErrorCode(err), Message: domain.PublicMessage(err)}
}
