package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/events"
	"github.com/fathima-sithara/securechat/internal/repository"
	"github.com/fathima-sithara/securechat/internal/service"
)

type pingPayload struct {
	Name string `json:"name" validate:"required"`
}

func newTestRouter(t *testing.T) (*Router, *Session) {
	t.Helper()
	hub := NewHub(nil, nil)
	r := NewRouter(hub, nil)
	r.Handle("ping", Typed(func(_ context.Context, _ *Session, in pingPayload) (any, error) {
		return map[string]string{"hello": in.Name}, nil
	}))
	r.Handle("boom", func(context.Context, *Session, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	r.Handle("forbidden", func(context.Context, *Session, json.RawMessage) (any, error) {
		return nil, domain.ErrForbidden
	})
	s := NewSession("alice", 16)
	hub.Register(s)
	return r, s
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		code    string
		message string
	}{
		{"ack with request id", `{"type":"ping","requestId":"r1","payload":{"name":"bob"}}`, []string{FrameAck}, "", ""},
		{"no ack without request id", `{"type":"ping","payload":{"name":"bob"}}`, nil, "", ""},
		{"validation error", `{"type":"ping","requestId":"r2","payload":{}}`, []string{FrameError}, domain.CodeBadRequest, ""},
		{"payload of wrong shape", `{"type":"ping","payload":[1,2]}`, []string{FrameError}, domain.CodeBadRequest, ""},
		{"malformed frame", `not json`, []string{FrameError}, domain.CodeBadRequest, ""},
		{"missing type", `{"payload":{}}`, []string{FrameError}, domain.CodeBadRequest, ""},
		{"unknown event", `{"type":"teleport","requestId":"r3"}`, []string{FrameError}, CodeUnknownEvent, "unknown event teleport"},
		{"internal error hides detail", `{"type":"boom"}`, []string{FrameError}, domain.CodeInternal, "internal server error"},
		{"domain error keeps its code", `{"type":"forbidden"}`, []string{FrameError}, domain.CodeForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, s := newTestRouter(t)
			r.Dispatch(context.Background(), s, []byte(tt.raw))

			frames := drain(t, s)
			if tt.want == nil {
				assert.Empty(t, frames)
				return
			}
			require.Equal(t, tt.want, types(frames))
			assert.Equal(t, tt.code, frames[0].Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, frames[0].Message)
			}
		})
	}
}

func TestDispatchAckCarriesResult(t *testing.T) {
	r, s := newTestRouter(t)
	r.Dispatch(context.Background(), s, []byte(`{"type":"ping","requestId":"r9","payload":{"name":"bob"}}`))

	frames := drain(t, s)
	require.Len(t, frames, 1)
	assert.Equal(t, "r9", frames[0].RequestID)
	assert.JSONEq(t, `{"hello":"bob"}`, string(frames[0].Data))
}

func TestDuplicateHandlerPanics(t *testing.T) {
	r, _ := newTestRouter(t)
	assert.Panics(t, func() {
		r.Handle("ping", func(context.Context, *Session, json.RawMessage) (any, error) { return nil, nil })
	})
}

// chatRig wires the real services over the memory store, the way the
// server does, without a network connection.
type chatRig struct {
	hub    *Hub
	router *Router
	cmd    *service.CommandService
	query  *service.QueryService
}

func newChatRig(t *testing.T) *chatRig {
	t.Helper()
	store := repository.NewMemoryConversationStore()
	cmd := service.NewCommandService(store, events.Nop{}, nil)
	query := service.NewQueryService(store)
	hub := NewHub(nil, nil)
	cmd.SetFanout(hub)
	router := NewRouter(hub, nil)
	NewHandlers(cmd, query, hub).Register(router)
	return &chatRig{hub: hub, router: router, cmd: cmd, query: query}
}

func (r *chatRig) connect(t *testing.T, userID string) *Session {
	t.Helper()
	s := NewSession(userID, 64)
	r.hub.Register(s)
	return s
}

func (r *chatRig) send(t *testing.T, s *Session, typ, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env, err := json.Marshal(Envelope{Type: typ, RequestID: requestID, Payload: raw})
	require.NoError(t, err)
	r.router.Dispatch(context.Background(), s, env)
}

func drainAll(t *testing.T, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		drain(t, s)
	}
}

func TestRealtimeConversationFlow(t *testing.T) {
	rig := newChatRig(t)
	alicePhone := rig.connect(t, "alice")
	aliceLaptop := rig.connect(t, "alice")
	bob := rig.connect(t, "bob")
	carol := rig.connect(t, "carol")

	conv, created, err := rig.cmd.CreateConversation(context.Background(), service.CreateConversationInput{
		CreatorID:      "alice",
		ParticipantIDs: []string{"bob"},
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 3, rig.hub.RoomSize(conv.ID), "live sessions of both participants join the new room")
	assert.Equal(t, []string{service.EventConversationCreated}, types(drain(t, bob)))
	drainAll(t, alicePhone, aliceLaptop, carol)

	rig.send(t, alicePhone, EventSendMessage, "r1", map[string]any{
		"conversationId": conv.ID,
		"messageId":      "m1",
		"content":        "hello bob",
	})

	ack := drain(t, alicePhone)
	require.Equal(t, []string{FrameAck}, types(ack), "the sender gets an ack, not an echo")
	var sent domain.Message
	require.NoError(t, json.Unmarshal(ack[0].Data, &sent))
	assert.Equal(t, "m1", sent.ID)
	assert.Equal(t, "hello bob", sent.Content())

	for _, s := range []*Session{aliceLaptop, bob} {
		frames := drain(t, s)
		require.Equal(t, []string{service.EventNewMessage}, types(frames))
		var p struct {
			ConversationID string         `json:"conversationId"`
			Message        domain.Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal(frames[0].Data, &p))
		assert.Equal(t, conv.ID, p.ConversationID)
		assert.Equal(t, "m1", p.Message.ID)
	}
	assert.Empty(t, drain(t, carol))

	t.Run("typing reaches the room but not the typist", func(t *testing.T) {
		rig.send(t, bob, EventTypingStart, "", map[string]string{"conversationId": conv.ID})
		assert.Empty(t, drain(t, bob))
		for _, s := range []*Session{alicePhone, aliceLaptop} {
			frames := drain(t, s)
			require.Equal(t, []string{service.EventUserTyping}, types(frames))
			assert.JSONEq(t, `{"conversationId":"`+conv.ID+`","userId":"bob","isTyping":true}`, string(frames[0].Data))
		}
	})

	t.Run("outsiders can neither type nor join", func(t *testing.T) {
		rig.send(t, carol, EventTypingStart, "t1", map[string]string{"conversationId": conv.ID})
		frames := drain(t, carol)
		require.Equal(t, []string{FrameError}, types(frames))
		assert.Equal(t, domain.CodeNotFound, frames[0].Code)

		rig.send(t, carol, EventJoinConversation, "j1", map[string]string{"conversationId": conv.ID})
		frames = drain(t, carol)
		require.Equal(t, []string{FrameError}, types(frames))
		assert.Equal(t, domain.CodeNotFound, frames[0].Code)
		assert.False(t, rig.hub.InRoom(carol.ID(), conv.ID))
		drainAll(t, alicePhone, aliceLaptop, bob)
	})

	t.Run("reaction toggles and is broadcast", func(t *testing.T) {
		rig.send(t, bob, EventAddReaction, "x1", map[string]string{"conversationId": conv.ID, "messageId": "m1", "emoji": "👍"})
		ack := drain(t, bob)
		require.Equal(t, []string{FrameAck}, types(ack))
		assert.Contains(t, string(ack[0].Data), `"added":true`)
		assert.Equal(t, []string{service.EventReactionAdded}, types(drain(t, alicePhone)))

		rig.send(t, bob, EventAddReaction, "x2", map[string]string{"conversationId": conv.ID, "messageId": "m1", "emoji": "👍"})
		ack = drain(t, bob)
		require.Equal(t, []string{FrameAck}, types(ack))
		assert.Contains(t, string(ack[0].Data), `"added":false`)
		assert.Equal(t, []string{service.EventReactionAdded, service.EventReactionRemoved}, types(drain(t, aliceLaptop)))
		drainAll(t, alicePhone)
	})

	t.Run("mark read broadcasts once", func(t *testing.T) {
		rig.send(t, bob, EventMarkRead, "rd1", map[string]string{"conversationId": conv.ID})
		ack := drain(t, bob)
		require.Equal(t, []string{FrameAck}, types(ack))
		assert.JSONEq(t, `{"count":1}`, string(ack[0].Data))
		assert.Equal(t, []string{service.EventMessagesRead}, types(drain(t, alicePhone)))

		rig.send(t, bob, EventMarkRead, "rd2", map[string]string{"conversationId": conv.ID})
		ack = drain(t, bob)
		assert.JSONEq(t, `{"count":0}`, string(ack[0].Data))
		assert.Empty(t, drain(t, alicePhone))
		drainAll(t, aliceLaptop)
	})

	t.Run("only the sender may edit", func(t *testing.T) {
		rig.send(t, bob, EventEditMessage, "e1", map[string]string{"conversationId": conv.ID, "messageId": "m1", "content": "hijack"})
		frames := drain(t, bob)
		require.Equal(t, []string{FrameError}, types(frames))
		assert.Equal(t, domain.CodeForbidden, frames[0].Code)

		rig.send(t, alicePhone, EventEditMessage, "e2", map[string]string{"conversationId": conv.ID, "messageId": "m1", "content": "hello, bob"})
		require.Equal(t, []string{FrameAck}, types(drain(t, alicePhone)))
		assert.Equal(t, []string{service.EventMessageEdited}, types(drain(t, bob)))
		drainAll(t, aliceLaptop)
	})

	t.Run("delete tombstones the message", func(t *testing.T) {
		rig.send(t, alicePhone, EventDeleteMessage, "d1", map[string]string{"conversationId": conv.ID, "messageId": "m1"})
		require.Equal(t, []string{FrameAck}, types(drain(t, alicePhone)))
		frames := drain(t, bob)
		require.Equal(t, []string{service.EventMessageDeleted}, types(frames))
		assert.Contains(t, string(frames[0].Data), `"messageId":"m1"`)

		page, err := rig.query.GetMessages(context.Background(), conv.ID, "bob", time.Time{}, 0)
		require.NoError(t, err)
		assert.Empty(t, page.Messages)
		drainAll(t, aliceLaptop)
	})

	t.Run("a new device joins explicitly and leaves", func(t *testing.T) {
		bobTablet := rig.connect(t, "bob")
		rig.send(t, bobTablet, EventJoinConversation, "j2", map[string]string{"conversationId": conv.ID})
		require.Equal(t, []string{FrameAck}, types(drain(t, bobTablet)))
		assert.True(t, rig.hub.InRoom(bobTablet.ID(), conv.ID))

		rig.send(t, bobTablet, EventLeaveConversation, "l1", map[string]string{"conversationId": conv.ID})
		require.Equal(t, []string{FrameAck}, types(drain(t, bobTablet)))
		assert.False(t, rig.hub.InRoom(bobTablet.ID(), conv.ID))
	})
}

func TestSendMessageValidation(t *testing.T) {
	rig := newChatRig(t)
	alice := rig.connect(t, "alice")

	tests := []struct {
		name    string
		payload map[string]any
		code    string
	}{
		{"missing conversation", map[string]any{"content": "hi"}, domain.CodeBadRequest},
		{"unknown conversation", map[string]any{"conversationId": "nope", "content": "hi"}, domain.CodeNotFound},
		{"bad nonce", map[string]any{
			"conversationId":    "nope",
			"encrypted":         true,
			"encryptedPayloads": map[string]string{"bob:phone": "AAAA"},
			"nonce":             "%%%",
			"senderDeviceId":    "laptop",
		}, domain.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig.send(t, alice, EventSendMessage, "r", tt.payload)
			frames := drain(t, alice)
			require.Equal(t, []string{FrameError}, types(frames))
			assert.Equal(t, tt.code, frames[0].Code)
			assert.Equal(t, "r", frames[0].RequestID)
		})
	}
}

// racingStore runs afterRead once, right after the next read it serves,
// so a concurrent write lands between a membership check and its use.
type racingStore struct {
	repository.ConversationStore
	afterRead func()
}

func (s *racingStore) fire() {
	if f := s.afterRead; f != nil {
		s.afterRead = nil
		f()
	}
}

func (s *racingStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := s.ConversationStore.Get(ctx, id)
	s.fire()
	return c, err
}

func (s *racingStore) ListIDsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.ConversationStore.ListIDsForUser(ctx, userID)
	s.fire()
	return ids, err
}

func TestRemovedUserCannotRaceBackIntoRoom(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*racingStore, *service.CommandService, *Hub, string) {
		inner := repository.NewMemoryConversationStore()
		store := &racingStore{ConversationStore: inner}
		cmd := service.NewCommandService(inner, events.Nop{}, nil)
		hub := NewHub(nil, nil)
		cmd.SetFanout(hub)
		conv, _, err := cmd.CreateConversation(ctx, service.CreateConversationInput{
			CreatorID: "alice", ParticipantIDs: []string{"bob", "carol"}, IsGroup: true, GroupName: "crew",
		})
		require.NoError(t, err)
		return store, cmd, hub, conv.ID
	}

	t.Run("explicit join", func(t *testing.T) {
		store, cmd, hub, convID := setup(t)
		query := service.NewQueryService(store)
		router := NewRouter(hub, nil)
		NewHandlers(cmd, query, hub).Register(router)
		carol := NewSession("carol", 64)
		hub.Register(carol)

		store.afterRead = func() {
			require.NoError(t, cmd.RemoveParticipant(ctx, convID, "alice", "carol"))
		}
		env, err := json.Marshal(Envelope{Type: EventJoinConversation, RequestID: "j1", Payload: json.RawMessage(`{"conversationId":"` + convID + `"}`)})
		require.NoError(t, err)
		router.Dispatch(ctx, carol, env)

		assert.False(t, hub.InRoom(carol.ID(), convID))
		frames := drain(t, carol)
		require.NotEmpty(t, frames)
		assert.Equal(t, domain.CodeNotFound, frames[len(frames)-1].Code)
	})

	t.Run("auto join on connect", func(t *testing.T) {
		store, cmd, hub, convID := setup(t)
		query := service.NewQueryService(store)
		srv := NewServer(hub, cmd, query, nil, ClientConfig{}, nil)
		carol := NewSession("carol", 64)
		hub.Register(carol)

		store.afterRead = func() {
			require.NoError(t, cmd.RemoveParticipant(ctx, convID, "alice", "carol"))
		}
		srv.autoJoin(ctx, carol)

		assert.False(t, hub.InRoom(carol.ID(), convID))
	})
}
