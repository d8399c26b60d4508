package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// MemoryConversationStore keeps aggregates in process. Writes to one
// aggregate are serialized by that aggregate's own mutex.
type MemoryConversationStore struct {
	mu    sync.RWMutex
	convs map[string]*domain.Conversation
	pairs map[string]string // pair key -> conversation id
	locks map[string]*sync.Mutex
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		convs: make(map[string]*domain.Conversation),
		pairs: make(map[string]string),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryConversationStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryConversationStore) Create(_ context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk := c.PairKey()
	if pk != "" {
		if id, ok := s.pairs[pk]; ok {
			if existing, ok := s.convs[id]; ok {
				return existing.Clone(), false, nil
			}
		}
	}
	if _, dup := s.convs[c.ID]; dup {
		return nil, false, domain.ErrConflict
	}
	if pk != "" {
		s.pairs[pk] = c.ID
	}
	stored := c.Clone()
	stored.Version = 1
	s.convs[c.ID] = stored
	return stored.Clone(), true, nil
}

func (s *MemoryConversationStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryConversationStore) ListForUser(_ context.Context, userID string) ([]*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.Conversation{}
	for _, c := range s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c.WithoutMessages())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryConversationStore) ListIDsForUser(ctx context.Context, userID string) ([]string, error) {
	convs, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids, nil
}

func (s *MemoryConversationStore) Update(_ context.Context, id string, mutate MutateFunc) (*domain.Conversation, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrConversationNotFound
	}

	work := cur.Clone()
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.Version = cur.Version + 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, still := s.convs[id]; !still {
		return nil, domain.ErrConversationNotFound
	}
	s.convs[id] = work
	return work.Clone(), nil
}

func (s *MemoryConversationStore) Delete(_ context.Context, id string, guard func(*domain.Conversation) error) (*domain.Conversation, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	if guard != nil {
		if err := guard(cur.Clone()); err != nil {
			return nil, err
		}
	}
	delete(s.convs, id)
	delete(s.locks, id)
	if pk := cur.PairKey(); pk != "" && s.pairs[pk] == id {
		delete(s.pairs, pk)
	}
	return cur.Clone(), nil
}

func (s *MemoryConversationStore) Search(_ context.Context, userID, query, conversationID string, limit int) ([]domain.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []domain.SearchHit
	for _, c := range s.convs {
		if conversationID != "" && c.ID != conversationID {
			continue
		}
		if !c.HasParticipant(userID) {
			continue
		}
		for _, m := range c.Search(query) {
			hits = append(hits, domain.SearchHit{ConversationID: c.ID, Message: m})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Message.CreatedAt.After(hits[j].Message.CreatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []domain.SearchHit{}
	}
	return hits, nil
}

// MemoryKeyStore is the in-process KeyStore.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[domain.PayloadKey]domain.DeviceKey
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[domain.PayloadKey]domain.DeviceKey)}
}

func (s *MemoryKeyStore) UpsertKey(_ context.Context, k domain.DeviceKey) (*domain.DeviceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := k.PayloadKey()
	if prev, ok := s.keys[id]; ok {
		k.CreatedAt = prev.CreatedAt
	} else if k.CreatedAt.IsZero() {
		k.CreatedAt = k.UpdatedAt
	}
	k.IsActive = true
	k.PublicKey = append([]byte(nil), k.PublicKey...)
	s.keys[id] = k
	return copyKey(k), nil
}

func (s *MemoryKeyStore) GetKey(_ context.Context, userID, deviceID string) (*domain.DeviceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[domain.PayloadKey{UserID: userID, DeviceID: deviceID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyKey(k), nil
}

func (s *MemoryKeyStore) ListActiveKeys(_ context.Context, userIDs []string) ([]domain.DeviceKey, error) {
	want := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		want[u] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.DeviceKey{}
	for _, k := range s.keys {
		if _, ok := want[k.UserID]; ok && k.IsActive {
			out = append(out, *copyKey(k))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return strings.Compare(out[i].DeviceID, out[j].DeviceID) < 0
	})
	return out, nil
}

func (s *MemoryKeyStore) DeactivateKey(_ context.Context, userID, deviceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := domain.PayloadKey{UserID: userID, DeviceID: deviceID}
	k, ok := s.keys[id]
	if !ok {
		return domain.ErrNotFound
	}
	if k.IsActive {
		k.IsActive = false
		k.UpdatedAt = now
		s.keys[id] = k
	}
	return nil
}

func (s *MemoryKeyStore) DeleteUserKeys(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id := range s.keys {
		if id.UserID == userID {
			delete(s.keys, id)
			n++
		}
	}
	return n, nil
}

func copyKey(k domain.DeviceKey) *domain.DeviceKey {
	k.PublicKey = append([]byte(nil), k.PublicKey...)
	return &k
}
