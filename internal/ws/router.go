package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/metric"
	"github.com/fathima-sithara/securechat/internal/utils"
)

// HandlerFunc handles one client event. The returned value is sent back in
// the ack frame.
type HandlerFunc func(ctx context.Context, s *Session, payload json.RawMessage) (any, error)

// Router dispatches client events by type. Unknown types are rejected.
type Router struct {
	hub      *Hub
	handlers map[string]HandlerFunc
	log      *zap.SugaredLogger
}

func NewRouter(hub *Hub, logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{hub: hub, handlers: make(map[string]HandlerFunc), log: logger}
}

func (r *Router) Handle(event string, h HandlerFunc) {
	if _, dup := r.handlers[event]; dup {
		panic("ws: duplicate handler for " + event)
	}
	r.handlers[event] = h
}

// Events lists the registered client event types.
func (r *Router) Events() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}

// Typed adapts a handler that takes a decoded, validated payload.
func Typed[T any](fn func(ctx context.Context, s *Session, in T) (any, error)) HandlerFunc {
	return func(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
		var in T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("%w: malformed payload", domain.ErrBadRequest)
			}
		}
		if errs := utils.ValidateStruct(in); len(errs) > 0 {
			return nil, fmt.Errorf("%w: %s", domain.ErrBadRequest, errs[0].Message)
		}
		return fn(ctx, s, in)
	}
}

// Dispatch runs the handler for one raw frame and answers the sender. Acks
// are only sent when the client asked for one with a requestId; errors are
// always reported.
func (r *Router) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		metric.InboundEvents.WithLabelValues("invalid", "error").Inc()
		r.hub.SendTo(s, errorFrame("", fmt.Errorf("%w: malformed event", domain.ErrBadRequest)))
		return
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		metric.InboundEvents.WithLabelValues("unknown", "error").Inc()
		r.hub.SendTo(s, Frame{Type: FrameError, RequestID: env.RequestID, Code: CodeUnknownEvent, Message: "unknown event " + env.Type})
		return
	}

	data, err := h(ctx, s, env.Payload)
	if err != nil {
		metric.InboundEvents.WithLabelValues(env.Type, domain.ErrorCode(err)).Inc()
		if domain.ErrorCode(err) == domain.CodeInternal {
			r.log.Errorw("event handler failed", "type", env.Type, "session_id", s.ID(), "user_id", s.UserID(), "error", err)
		}
		r.hub.SendTo(s, errorFrame(env.RequestID, err))
		return
	}
	metric.InboundEvents.WithLabelValues(env.Type, "ok").Inc()
	if env.RequestID != "" {
		r.hub.SendTo(s, ackFrame(env.RequestID, data))
	}
}
