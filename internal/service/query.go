package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/repository"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	MaxSearchHits   = 50
)

type QueryService struct {
	store repository.ConversationStore
}

func NewQueryService(store repository.ConversationStore) *QueryService {
	return &QueryService{store: store}
}

// ListConversations returns the caller's conversations without messages,
// most recently updated first.
func (s *QueryService) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	return s.store.ListForUser(ctx, userID)
}

// ConversationIDs is what a freshly connected session auto-joins.
func (s *QueryService) ConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return s.store.ListIDsForUser(ctx, userID)
}

// GetConversation hides tombstoned messages. A non-participant gets the same
// not-found as a missing conversation.
func (s *QueryService) GetConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	c, err := s.load(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return c.WithVisibleMessages(), nil
}

// IsParticipant is used to authorize joining a room.
func (s *QueryService) IsParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := s.load(ctx, conversationID, userID)
	return err
}

func (s *QueryService) load(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	c, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, domain.ErrConversationNotFound
	}
	return c, nil
}

type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// ClampLimit applies the page-size default and bounds.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// GetMessages pages backwards from before (zero means the newest) and
// returns the page in ascending order.
func (s *QueryService) GetMessages(ctx context.Context, conversationID, userID string, before time.Time, limit int) (MessagePage, error) {
	c, err := s.load(ctx, conversationID, userID)
	if err != nil {
		return MessagePage{}, err
	}
	msgs, more := c.Page(before, ClampLimit(limit))
	return MessagePage{Messages: msgs, HasMore: more}, nil
}

func (s *QueryService) SearchMessages(ctx context.Context, userID, query, conversationID string) ([]domain.SearchHit, error) {
	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) < domain.MinSearchQueryLen {
		return nil, fmt.Errorf("%w: search query must be at least %d characters", domain.ErrBadRequest, domain.MinSearchQueryLen)
	}
	if conversationID != "" {
		if _, err := s.load(ctx, conversationID, userID); err != nil {
			return nil, err
		}
	}
	return s.store.Search(ctx, userID, q, conversationID, MaxSearchHits)
}
