package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence is the last known state of a user. Keys:
//   - <prefix>:presence:<userID> -> json {status, last_seen}
type Presence struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

func (p Presence) Online() bool { return p.Status == StatusOnline }

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceStore mirrors hub presence transitions into Redis so other
// services can read them.
type PresenceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPresenceStore keeps online records for ttl; a crashed instance's users
// drop out once it lapses. Offline records do not expire.
func NewPresenceStore(r *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	return &PresenceStore{client: r, prefix: prefix, ttl: ttl}
}

func (s *PresenceStore) key(userID string) string { return fmt.Sprintf("%s:presence:%s", s.prefix, userID) }

func (s *PresenceStore) SetOnline(ctx context.Context, userID string) error {
	return s.set(ctx, Presence{UserID: userID, Status: StatusOnline, LastSeen: time.Now().Unix()}, s.ttl)
}

func (s *PresenceStore) SetOffline(ctx context.Context, userID string) error {
	return s.set(ctx, Presence{UserID: userID, Status: StatusOffline, LastSeen: time.Now().Unix()}, 0)
}

func (s *PresenceStore) set(ctx context.Context, p Presence, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(p.UserID), b, ttl).Err()
}

// Get reports an unknown user as offline with LastSeen 0.
func (s *PresenceStore) Get(ctx context.Context, userID string) (Presence, error) {
	b, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Presence{UserID: userID, Status: StatusOffline}, nil
	}
	if err != nil {
		return Presence{}, err
	}
	var p Presence
	if err := json.Unmarshal(b, &p); err != nil {
		return Presence{}, err
	}
	return p, nil
}
