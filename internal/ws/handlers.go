package ws

import (
	"context"
	"fmt"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/service"
)

// Client event types.
const (
	EventSendMessage       = "send_message"
	EventEditMessage       = "edit_message"
	EventDeleteMessage     = "delete_message"
	EventAddReaction       = "add_reaction"
	EventRemoveReaction    = "remove_reaction"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

type SendMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId,omitempty" validate:"omitempty,max=64"`
	service.MessageInput
}

type EditMessagePayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
	service.MessageInput
}

type MessageRefPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
}

type ReactionEventPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
	Emoji          string `json:"emoji" validate:"required,max=32"`
}

type ConversationRefPayload struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

// Handlers binds the client event taxonomy to the services. Each mutating
// handler makes one service call, which commits and then broadcasts.
type Handlers struct {
	cmd   *service.CommandService
	query *service.QueryService
	hub   *Hub
}

func NewHandlers(cmd *service.CommandService, query *service.QueryService, hub *Hub) *Handlers {
	return &Handlers{cmd: cmd, query: query, hub: hub}
}

func (h *Handlers) Register(r *Router) {
	r.Handle(EventSendMessage, Typed(h.sendMessage))
	r.Handle(EventEditMessage, Typed(h.editMessage))
	r.Handle(EventDeleteMessage, Typed(h.deleteMessage))
	r.Handle(EventAddReaction, Typed(h.addReaction))
	r.Handle(EventRemoveReaction, Typed(h.removeReaction))
	r.Handle(EventTypingStart, Typed(h.typing(true)))
	r.Handle(EventTypingStop, Typed(h.typing(false)))
	r.Handle(EventMarkRead, Typed(h.markRead))
	r.Handle(EventJoinConversation, Typed(h.join))
	r.Handle(EventLeaveConversation, Typed(h.leave))
}

func (h *Handlers) sendMessage(ctx context.Context, s *Session, in SendMessagePayload) (any, error) {
	body, err := in.Body()
	if err != nil {
		return nil, err
	}
	return h.cmd.SendMessage(service.WithOrigin(ctx, s.ID()), service.SendMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       s.UserID(),
		MessageID:      in.MessageID,
		Body:           body,
		Attachments:    in.Attachments,
		ReplyTo:        in.ReplyTo,
	})
}

func (h *Handlers) editMessage(ctx context.Context, s *Session, in EditMessagePayload) (any, error) {
	body, err := in.Body()
	if err != nil {
		return nil, err
	}
	return h.cmd.EditMessage(service.WithOrigin(ctx, s.ID()), in.ConversationID, in.MessageID, s.UserID(), body)
}

func (h *Handlers) deleteMessage(ctx context.Context, s *Session, in MessageRefPayload) (any, error) {
	m, err := h.cmd.DeleteMessage(service.WithOrigin(ctx, s.ID()), in.ConversationID, in.MessageID, s.UserID())
	if err != nil {
		return nil, err
	}
	return service.MessageDeletedPayload{ConversationID: in.ConversationID, MessageID: m.ID, DeletedAt: *m.DeletedAt}, nil
}

func (h *Handlers) addReaction(ctx context.Context, s *Session, in ReactionEventPayload) (any, error) {
	m, added, err := h.cmd.ToggleReaction(service.WithOrigin(ctx, s.ID()), in.ConversationID, in.MessageID, s.UserID(), in.Emoji)
	if err != nil {
		return nil, err
	}
	return map[string]any{"added": added, "reactions": m.Reactions}, nil
}

func (h *Handlers) removeReaction(ctx context.Context, s *Session, in ReactionEventPayload) (any, error) {
	m, err := h.cmd.RemoveReaction(service.WithOrigin(ctx, s.ID()), in.ConversationID, in.MessageID, s.UserID(), in.Emoji)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reactions": m.Reactions}, nil
}

func (h *Handlers) markRead(ctx context.Context, s *Session, in ConversationRefPayload) (any, error) {
	n, err := h.cmd.MarkRead(service.WithOrigin(ctx, s.ID()), in.ConversationID, s.UserID())
	if err != nil {
		return nil, err
	}
	return map[string]int{"count": n}, nil
}

// typing is ephemeral: nothing is stored, and only sessions already in the
// room may signal it.
func (h *Handlers) typing(isTyping bool) func(context.Context, *Session, ConversationRefPayload) (any, error) {
	return func(_ context.Context, s *Session, in ConversationRefPayload) (any, error) {
		if !h.hub.InRoom(s.ID(), in.ConversationID) {
			return nil, domain.ErrConversationNotFound
		}
		h.hub.Broadcast(in.ConversationID, service.EventUserTyping, service.TypingPayload{
			ConversationID: in.ConversationID,
			UserID:         s.UserID(),
			IsTyping:       isTyping,
		}, s.ID())
		return nil, nil
	}
}

func (h *Handlers) join(ctx context.Context, s *Session, in ConversationRefPayload) (any, error) {
	if err := h.query.IsParticipant(ctx, in.ConversationID, s.UserID()); err != nil {
		return nil, err
	}
	if !h.hub.Join(s.ID(), in.ConversationID) {
		return nil, fmt.Errorf("session %s is no longer registered", s.ID())
	}
	// A removal that committed between the check and the join has already
	// run its eviction, so look again.
	if err := h.query.IsParticipant(ctx, in.ConversationID, s.UserID()); err != nil {
		h.hub.Leave(s.ID(), in.ConversationID)
		return nil, err
	}
	return map[string]string{"conversationId": in.ConversationID}, nil
}

func (h *Handlers) leave(_ context.Context, s *Session, in ConversationRefPayload) (any, error) {
	h.hub.Leave(s.ID(), in.ConversationID)
	return map[string]string{"conversationId": in.ConversationID}, nil
}
