package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// MutateFunc edits a private copy of the aggregate. Returning an error
// discards the copy. It may run more than once when writes contend, so it
// must not have side effects outside the aggregate.
type MutateFunc func(c *domain.Conversation) error

// ConversationStore persists conversation aggregates. Update and Delete are
// atomic read-modify-write operations per aggregate.
type ConversationStore interface {
	// Create inserts c. For private conversations an existing aggregate for
	// the same participant pair is returned instead, with created=false.
	Create(ctx context.Context, c *domain.Conversation) (conv *domain.Conversation, created bool, err error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	// ListForUser omits message bodies and sorts by updatedAt descending.
	ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error)
	ListIDsForUser(ctx context.Context, userID string) ([]string, error)
	Update(ctx context.Context, id string, mutate MutateFunc) (*domain.Conversation, error)
	// Delete removes the aggregate if guard accepts it.
	Delete(ctx context.Context, id string, guard func(c *domain.Conversation) error) (*domain.Conversation, error)
	// Search matches live plaintext messages newest first. conversationID
	// narrows the scope when set.
	Search(ctx context.Context, userID, query, conversationID string, limit int) ([]domain.SearchHit, error)
}

// KeyStore persists device public keys.
type KeyStore interface {
	// UpsertKey creates or replaces the key for (UserID, DeviceID) and marks it active.
	UpsertKey(ctx context.Context, k domain.DeviceKey) (*domain.DeviceKey, error)
	GetKey(ctx context.Context, userID, deviceID string) (*domain.DeviceKey, error)
	// ListActiveKeys returns active keys for the users, most recently updated first.
	ListActiveKeys(ctx context.Context, userIDs []string) ([]domain.DeviceKey, error)
	DeactivateKey(ctx context.Context, userID, deviceID string, now time.Time) error
	DeleteUserKeys(ctx context.Context, userID string) (int64, error)
}
