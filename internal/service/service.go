package service

import (
	"context"
	"time"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// Realtime event names pushed to rooms after a commit.
const (
	EventNewMessage          = "new_message"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
	EventReactionAdded       = "reaction_added"
	EventReactionRemoved     = "reaction_removed"
	EventMessagesRead        = "messages_read"
	EventUserTyping          = "user_typing"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventConversationCreated = "conversation_created"
	EventConversationDeleted = "conversation_deleted"
	EventParticipantsAdded   = "participants_added"
	EventParticipantRemoved  = "participant_removed"
)

// Fanout delivers committed changes to live sessions. The realtime hub
// implements it.
type Fanout interface {
	Broadcast(conversationID, event string, payload any, excludeSession string)
	JoinUsers(conversationID string, userIDs []string)
	EvictUser(conversationID, userID string)
	CloseRoom(conversationID string)
}

type nopFanout struct{}

func (nopFanout) Broadcast(string, string, any, string) {}
func (nopFanout) JoinUsers(string, []string)            {}
func (nopFanout) EvictUser(string, string)              {}
func (nopFanout) CloseRoom(string)                      {}

type originKey struct{}

// WithOrigin marks ctx as coming from a live session, which is then left out
// of the resulting broadcast because it gets an ack instead.
func WithOrigin(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, originKey{}, sessionID)
}

func originFrom(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}

type MessagePayload struct {
	ConversationID string          `json:"conversationId"`
	Message        *domain.Message `json:"message"`
}

type MessageDeletedPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type ReactionPayload struct {
	ConversationID string            `json:"conversationId"`
	MessageID      string            `json:"messageId"`
	UserID         string            `json:"userId"`
	Emoji          string            `json:"emoji"`
	Reactions      []domain.Reaction `json:"reactions"`
}

type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	Count          int       `json:"count"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
}

type ConversationPayload struct {
	Conversation *domain.Conversation `json:"conversation"`
}

type ParticipantsPayload struct {
	ConversationID string   `json:"conversationId"`
	Added          []string `json:"added,omitempty"`
	Removed        string   `json:"removed,omitempty"`
	Participants   []string `json:"participants"`
	GroupAdmin     string   `json:"groupAdmin,omitempty"`
}

type ConversationDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
}
