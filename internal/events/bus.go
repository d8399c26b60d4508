package events

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/metric"
)

type sink struct {
	name string
	pub  Publisher
	cb   *gobreaker.CircuitBreaker
}

// Bus sends message events to one publisher and conversation events to
// another. Each publisher sits behind its own circuit breaker so a dead
// broker costs one fast failure per event instead of a timeout.
type Bus struct {
	messages     *sink
	conversation *sink
	timeout      time.Duration
	log          *zap.SugaredLogger
}

func NewBus(messages, conversations Publisher, logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	b := &Bus{timeout: 3 * time.Second, log: logger}
	if messages != nil {
		b.messages = newSink("kafka", messages, logger)
	}
	if conversations != nil {
		b.conversation = newSink("nats", conversations, logger)
	}
	return b
}

func newSink(name string, pub Publisher, logger *zap.SugaredLogger) *sink {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnw("event breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &sink{name: name, pub: pub, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	s := b.conversation
	if ev.IsMessageEvent() {
		s = b.messages
	}
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.pub.Publish(ctx, ev)
	})
	if err != nil {
		metric.EventPublishFailures.WithLabelValues(s.name).Inc()
		b.log.Warnw("publish event failed", "broker", s.name, "type", ev.Type, "conversation_id", ev.ConversationID, "error", err)
	}
	return err
}
