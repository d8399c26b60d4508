package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/events"
	"github.com/fathima-sithara/securechat/internal/metric"
	"github.com/fathima-sithara/securechat/internal/repository"
	"github.com/fathima-sithara/securechat/internal/utils"
)

// CommandService runs every conversation mutation as one atomic store
// update, then fans the committed result out. Nothing is broadcast or
// published for a write that failed.
type CommandService struct {
	store  repository.ConversationStore
	fanout Fanout
	pub    events.Publisher
	log    *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

func NewCommandService(store repository.ConversationStore, pub events.Publisher, logger *zap.SugaredLogger) *CommandService {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandService{
		store:  store,
		fanout: nopFanout{},
		pub:    pub,
		log:    logger,
		now:    utils.NowUTC,
		newID:  uuid.NewString,
	}
}

// SetFanout attaches the realtime hub. The hub itself depends on the
// services, so it is wired after construction.
func (s *CommandService) SetFanout(f Fanout) {
	if f == nil {
		f = nopFanout{}
	}
	s.fanout = f
}

func (s *CommandService) publish(ctx context.Context, typ, conversationID, actorID string, data any) {
	ev := events.Event{Type: typ, ConversationID: conversationID, ActorID: actorID, Data: data, OccurredAt: s.now()}
	// best effort: the commit already happened
	_ = s.pub.Publish(context.WithoutCancel(ctx), ev)
}

type CreateConversationInput struct {
	CreatorID      string
	ParticipantIDs []string
	IsGroup        bool
	GroupName      string
}

// CreateConversation returns the existing private conversation for the same
// pair instead of creating a second one; created reports which happened.
func (s *CommandService) CreateConversation(ctx context.Context, in CreateConversationInput) (*domain.Conversation, bool, error) {
	c, err := domain.NewConversation(s.newID(), domain.NewConversationParams{
		CreatorID:      in.CreatorID,
		ParticipantIDs: in.ParticipantIDs,
		IsGroup:        in.IsGroup,
		GroupName:      in.GroupName,
	}, s.now())
	if err != nil {
		return nil, false, err
	}
	conv, created, err := s.store.Create(ctx, c)
	if err != nil {
		s.log.Errorw("create conversation failed", "creator", in.CreatorID, "error", err)
		return nil, false, err
	}
	if !created {
		return conv, false, nil
	}

	s.log.Infow("conversation created", "conversation_id", conv.ID, "is_group", conv.IsGroup, "participants", len(conv.Participants))
	s.fanout.JoinUsers(conv.ID, conv.Participants)
	s.fanout.Broadcast(conv.ID, EventConversationCreated, ConversationPayload{Conversation: conv.WithoutMessages()}, originFrom(ctx))
	s.publish(ctx, events.ConversationCreated, conv.ID, in.CreatorID, map[string]any{
		"participants": conv.Participants,
		"is_group":     conv.IsGroup,
		"group_name":   conv.GroupName,
	})
	return conv, true, nil
}

type SendMessageInput struct {
	ConversationID string
	SenderID       string
	// MessageID lets a client pick the id; a fresh one is generated if empty.
	MessageID   string
	Body        domain.Body
	Attachments []domain.Attachment
	ReplyTo     string
}

func (s *CommandService) SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	id := in.MessageID
	if id == "" {
		id = s.newID()
	}
	now := s.now()

	var sent *domain.Message
	_, err := s.store.Update(ctx, in.ConversationID, func(c *domain.Conversation) error {
		m, err := c.AppendMessage(domain.SendParams{
			ID:          id,
			SenderID:    in.SenderID,
			Body:        in.Body,
			Attachments: in.Attachments,
			ReplyTo:     in.ReplyTo,
		}, now)
		sent = m
		return err
	})
	if err != nil {
		return nil, s.failed(err, "send message", in.ConversationID, in.SenderID)
	}

	kind := "plain"
	if _, enc := sent.Encrypted(); enc {
		kind = "encrypted"
	}
	metric.MessagesSent.WithLabelValues(kind).Inc()

	s.fanout.Broadcast(in.ConversationID, EventNewMessage, MessagePayload{ConversationID: in.ConversationID, Message: sent}, originFrom(ctx))
	s.publish(ctx, events.MessageSent, in.ConversationID, in.SenderID, map[string]any{
		"message_id": sent.ID,
		"encrypted":  kind == "encrypted",
		"reply_to":   sent.ReplyTo,
	})
	return sent, nil
}

func (s *CommandService) EditMessage(ctx context.Context, conversationID, messageID, requesterID string, body domain.Body) (*domain.Message, error) {
	now := s.now()
	var edited *domain.Message
	_, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		m, err := c.EditMessage(messageID, requesterID, body, now)
		edited = m
		return err
	})
	if err != nil {
		return nil, s.failed(err, "edit message", conversationID, requesterID)
	}

	s.fanout.Broadcast(conversationID, EventMessageEdited, MessagePayload{ConversationID: conversationID, Message: edited}, originFrom(ctx))
	s.publish(ctx, events.MessageEdited, conversationID, requesterID, map[string]any{"message_id": messageID})
	return edited, nil
}

// DeleteMessage tombstones the message. A repeat delete succeeds without
// broadcasting again.
func (s *CommandService) DeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) (*domain.Message, error) {
	now := s.now()
	var (
		deleted *domain.Message
		changed bool
	)
	_, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		m, ch, err := c.DeleteMessage(messageID, requesterID, now)
		deleted, changed = m, ch
		return err
	})
	if err != nil {
		return nil, s.failed(err, "delete message", conversationID, requesterID)
	}
	if !changed {
		return deleted, nil
	}

	s.fanout.Broadcast(conversationID, EventMessageDeleted, MessageDeletedPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		DeletedAt:      *deleted.DeletedAt,
	}, originFrom(ctx))
	s.publish(ctx, events.MessageDeleted, conversationID, requesterID, map[string]any{"message_id": messageID})
	return deleted, nil
}

// ToggleReaction adds the reaction or, if the user already left the same
// emoji, removes it. added reports which.
func (s *CommandService) ToggleReaction(ctx context.Context, conversationID, messageID, userID, emoji string) (*domain.Message, bool, error) {
	now := s.now()
	var (
		msg   *domain.Message
		added bool
	)
	_, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		m, a, err := c.ToggleReaction(messageID, userID, emoji, now)
		msg, added = m, a
		return err
	})
	if err != nil {
		return nil, false, s.failed(err, "toggle reaction", conversationID, userID)
	}

	event := EventReactionRemoved
	if added {
		event = EventReactionAdded
	}
	s.broadcastReaction(ctx, event, conversationID, userID, emoji, msg)
	s.publish(ctx, events.MessageReaction, conversationID, userID, map[string]any{"message_id": messageID, "emoji": emoji, "added": added})
	return msg, added, nil
}

// RemoveReaction never adds. Removing an absent reaction is a silent no-op.
func (s *CommandService) RemoveReaction(ctx context.Context, conversationID, messageID, userID, emoji string) (*domain.Message, error) {
	now := s.now()
	var (
		msg     *domain.Message
		changed bool
	)
	_, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		m, ch, err := c.RemoveReaction(messageID, userID, emoji, now)
		msg, changed = m, ch
		return err
	})
	if err != nil {
		return nil, s.failed(err, "remove reaction", conversationID, userID)
	}
	if !changed {
		return msg, nil
	}
	s.broadcastReaction(ctx, EventReactionRemoved, conversationID, userID, emoji, msg)
	s.publish(ctx, events.MessageReaction, conversationID, userID, map[string]any{"message_id": messageID, "emoji": emoji, "added": false})
	return msg, nil
}

func (s *CommandService) broadcastReaction(ctx context.Context, event, conversationID, userID, emoji string, msg *domain.Message) {
	reactions := msg.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	s.fanout.Broadcast(conversationID, event, ReactionPayload{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		UserID:         userID,
		Emoji:          emoji,
		Reactions:      reactions,
	}, originFrom(ctx))
}

// MarkRead returns how many messages gained a receipt. Zero means nothing is
// broadcast.
func (s *CommandService) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	now := s.now()
	var n int
	_, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		var err error
		n, err = c.MarkRead(userID, now)
		if err == nil && n == 0 {
			return errNothingToRead
		}
		return err
	})
	if errors.Is(err, errNothingToRead) {
		return 0, nil
	}
	if err != nil {
		return 0, s.failed(err, "mark read", conversationID, userID)
	}

	s.fanout.Broadcast(conversationID, EventMessagesRead, ReadPayload{ConversationID: conversationID, UserID: userID, ReadAt: now, Count: n}, originFrom(ctx))
	s.publish(ctx, events.MessageRead, conversationID, userID, map[string]any{"count": n})
	return n, nil
}

func (s *CommandService) AddParticipants(ctx context.Context, conversationID, requesterID string, userIDs []string) ([]string, error) {
	now := s.now()
	var added []string
	conv, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		var err error
		added, err = c.AddParticipants(requesterID, userIDs, now)
		return err
	})
	if err != nil {
		return nil, s.failed(err, "add participants", conversationID, requesterID)
	}

	s.log.Infow("participants added", "conversation_id", conversationID, "by", requesterID, "added", added)
	s.fanout.JoinUsers(conversationID, added)
	s.fanout.Broadcast(conversationID, EventParticipantsAdded, ParticipantsPayload{
		ConversationID: conversationID,
		Added:          added,
		Participants:   conv.Participants,
		GroupAdmin:     conv.GroupAdmin,
	}, originFrom(ctx))
	s.publish(ctx, events.ConversationParticipants, conversationID, requesterID, map[string]any{"added": added})
	return added, nil
}

func (s *CommandService) RemoveParticipant(ctx context.Context, conversationID, requesterID, targetID string) error {
	now := s.now()
	conv, err := s.store.Update(ctx, conversationID, func(c *domain.Conversation) error {
		return c.RemoveParticipant(requesterID, targetID, now)
	})
	if err != nil {
		return s.failed(err, "remove participant", conversationID, requesterID)
	}

	s.log.Infow("participant removed", "conversation_id", conversationID, "by", requesterID, "removed", targetID)
	payload := ParticipantsPayload{
		ConversationID: conversationID,
		Removed:        targetID,
		Participants:   conv.Participants,
		GroupAdmin:     conv.GroupAdmin,
	}
	// the removed user hears about it once, then loses the room
	s.fanout.Broadcast(conversationID, EventParticipantRemoved, payload, originFrom(ctx))
	s.fanout.EvictUser(conversationID, targetID)
	s.publish(ctx, events.ConversationParticipants, conversationID, requesterID, map[string]any{"removed": targetID})
	return nil
}

// DeleteConversation lets any participant remove the whole aggregate.
func (s *CommandService) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	_, err := s.store.Delete(ctx, conversationID, func(c *domain.Conversation) error {
		return c.AuthorizeDelete(requesterID)
	})
	if err != nil {
		return s.failed(err, "delete conversation", conversationID, requesterID)
	}

	s.log.Infow("conversation deleted", "conversation_id", conversationID, "by", requesterID)
	s.fanout.Broadcast(conversationID, EventConversationDeleted, ConversationDeletedPayload{ConversationID: conversationID, DeletedBy: requesterID}, originFrom(ctx))
	s.fanout.CloseRoom(conversationID)
	s.publish(ctx, events.ConversationDeleted, conversationID, requesterID, nil)
	return nil
}

// failed logs persistence failures with context. Domain rejections are the
// caller's problem and are returned untouched.
func (s *CommandService) failed(err error, op, conversationID, userID string) error {
	if isDomainError(err) {
		return err
	}
	s.log.Errorw(op+" failed", "conversation_id", conversationID, "user_id", userID, "error", err)
	return err
}
