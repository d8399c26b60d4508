package events

import (
	"context"
	"strings"
	"time"
)

const (
	MessageSent     = "message.sent"
	MessageEdited   = "message.edited"
	MessageDeleted  = "message.deleted"
	MessageReaction = "message.reaction"
	MessageRead     = "message.read"

	ConversationCreated      = "conversation.created"
	ConversationDeleted      = "conversation.deleted"
	ConversationParticipants = "conversation.participants"
)

// Event is a committed domain change announced to other services.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	ActorID        string    `json:"actor_id"`
	Data           any       `json:"data,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (e Event) IsMessageEvent() bool { return strings.HasPrefix(e.Type, "message.") }

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
