package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/securechat/internal/metric"
	"github.com/fathima-sithara/securechat/internal/service"
)

// PresenceSink mirrors online/offline transitions somewhere outside the
// process.
type PresenceSink interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

type presenceUpdate struct {
	userID string
	online bool
}

// Hub tracks live sessions, which rooms they joined and which users are
// online. All four indexes change together under mu.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	userSessions map[string]map[string]*Session
	rooms        map[string]map[string]*Session
	sessionRooms map[string]map[string]struct{}

	presence  PresenceSink
	presenceQ chan presenceUpdate
	log       *zap.SugaredLogger
}

func NewHub(presence PresenceSink, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]map[string]*Session),
		rooms:        make(map[string]map[string]*Session),
		sessionRooms: make(map[string]map[string]struct{}),
		presence:     presence,
		presenceQ:    make(chan presenceUpdate, 1024),
		log:          logger,
	}
}

// Run drains presence updates into the sink, in order, until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.presenceQ:
			if h.presence == nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			if u.online {
				err = h.presence.SetOnline(pctx, u.userID)
			} else {
				err = h.presence.SetOffline(pctx, u.userID)
			}
			cancel()
			if err != nil {
				h.log.Warnw("presence mirror failed", "user_id", u.userID, "online", u.online, "error", err)
			}
		}
	}
}

// Register adds s. The user's first session announces them online.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.sessionRooms[s.id] = make(map[string]struct{})
	set, ok := h.userSessions[s.userID]
	if !ok {
		set = make(map[string]*Session)
		h.userSessions[s.userID] = set
	}
	set[s.id] = s
	var slow []*Session
	if len(set) == 1 {
		slow = h.announceLocked(s.userID, true)
	}
	online := len(h.userSessions)
	h.mu.Unlock()

	metric.Connections.Inc()
	metric.OnlineUsers.Set(float64(online))
	h.log.Infow("session registered", "session_id", s.id, "user_id", s.userID)
	h.dropSlow(slow, service.EventUserOnline)
}

// Unregister removes s from every index and closes it. Only the first call
// for a session has any effect, so the offline transition fires once.
func (h *Hub) Unregister(s *Session) bool {
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return false
	}
	h.detachLocked(s)
	var slow []*Session
	if set := h.userSessions[s.userID]; set != nil {
		delete(set, s.id)
		if len(set) == 0 {
			delete(h.userSessions, s.userID)
			slow = h.announceLocked(s.userID, false)
		}
	}
	online := len(h.userSessions)
	h.mu.Unlock()

	s.close()
	metric.Connections.Dec()
	metric.OnlineUsers.Set(float64(online))
	h.log.Infow("session unregistered", "session_id", s.id, "user_id", s.userID)
	h.dropSlow(slow, service.EventUserOffline)
	return true
}

func (h *Hub) detachLocked(s *Session) {
	for convID := range h.sessionRooms[s.id] {
		if members := h.rooms[convID]; members != nil {
			delete(members, s.id)
			if len(members) == 0 {
				delete(h.rooms, convID)
			}
		}
	}
	delete(h.sessionRooms, s.id)
	delete(h.sessions, s.id)
}

// announceLocked queues a presence transition for peers and the sink while
// h.mu is held, so a user's transitions reach both in the order they
// happened. Nothing here blocks. It returns sessions that could not keep up.
func (h *Hub) announceLocked(userID string, online bool) []*Session {
	event := service.EventUserOffline
	if online {
		event = service.EventUserOnline
	}
	var slow []*Session
	b, err := json.Marshal(Frame{Type: event, Data: service.PresencePayload{UserID: userID}})
	if err != nil {
		h.log.Errorw("marshal presence failed", "user_id", userID, "error", err)
	} else {
		for _, s := range h.sessions {
			if s.userID != userID && !s.enqueue(b) {
				slow = append(slow, s)
			}
		}
	}

	if h.presence != nil {
		select {
		case h.presenceQ <- presenceUpdate{userID: userID, online: online}:
		default:
			h.log.Warnw("presence queue full, dropping update", "user_id", userID, "online", online)
		}
	}
	return slow
}

// Join is idempotent. It reports false if the session is gone.
func (h *Hub) Join(sessionID, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.joinLocked(sessionID, conversationID)
}

func (h *Hub) joinLocked(sessionID, conversationID string) bool {
	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	members := h.rooms[conversationID]
	if members == nil {
		members = make(map[string]*Session)
		h.rooms[conversationID] = members
	}
	members[sessionID] = s
	h.sessionRooms[sessionID][conversationID] = struct{}{}
	return true
}

// Leave is idempotent.
func (h *Hub) Leave(sessionID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, conversationID)
}

func (h *Hub) leaveLocked(sessionID, conversationID string) {
	if members := h.rooms[conversationID]; members != nil {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if joined := h.sessionRooms[sessionID]; joined != nil {
		delete(joined, conversationID)
	}
}

// InRoom reports whether the session has joined the conversation's room.
func (h *Hub) InRoom(sessionID, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][sessionID]
	return ok
}

// JoinUsers adds every live session of the given users to the room.
func (h *Hub) JoinUsers(conversationID string, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range userIDs {
		for id := range h.userSessions[u] {
			h.joinLocked(id, conversationID)
		}
	}
}

// EvictUser removes every session of userID from the room.
func (h *Hub) EvictUser(conversationID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.userSessions[userID] {
		h.leaveLocked(id, conversationID)
	}
}

// CloseRoom drops the room and every membership in it.
func (h *Hub) CloseRoom(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.rooms[conversationID] {
		delete(h.sessionRooms[id], conversationID)
	}
	delete(h.rooms, conversationID)
}

// Broadcast sends an event to every session in the room except
// excludeSession. Delivery is best effort.
func (h *Hub) Broadcast(conversationID, event string, payload any, excludeSession string) {
	b, err := json.Marshal(Frame{Type: event, Data: payload})
	if err != nil {
		h.log.Errorw("marshal broadcast failed", "event", event, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[conversationID]))
	for id, s := range h.rooms[conversationID] {
		if id != excludeSession {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, b, event)
}

// SendTo writes a frame to one session.
func (h *Hub) SendTo(s *Session, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Errorw("marshal frame failed", "type", f.Type, "error", err)
		return
	}
	h.deliver([]*Session{s}, b, f.Type)
}

// deliver drops a session whose buffer is full. It can't keep up and will
// have to resync over REST after reconnecting.
func (h *Hub) deliver(targets []*Session, b []byte, event string) {
	var slow []*Session
	for _, s := range targets {
		if !s.enqueue(b) {
			slow = append(slow, s)
		}
	}
	h.dropSlow(slow, event)
}

func (h *Hub) dropSlow(slow []*Session, event string) {
	for _, s := range slow {
		metric.DroppedFrames.Inc()
		select {
		case <-s.done:
			continue
		default:
		}
		h.log.Warnw("slow consumer, closing session", "session_id", s.id, "user_id", s.userID, "event", event)
		h.Unregister(s)
	}
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userSessions[userID]) > 0
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize is the number of sessions joined to the room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Shutdown closes every session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.Unregister(s)
	}
}
