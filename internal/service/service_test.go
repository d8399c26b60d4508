package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/securechat/internal/domain"
	"github.com/fathima-sithara/securechat/internal/events"
	"github.com/fathima-sithara/securechat/internal/repository"
)

type broadcast struct {
	conv, event string
	payload     any
	exclude     string
}

type fakeFanout struct {
	mu      sync.Mutex
	sent    []broadcast
	joined  map[string][]string
	evicted map[string][]string
	closed  []string
}

func newFakeFanout() *fakeFanout {
	return &fakeFanout{joined: map[string][]string{}, evicted: map[string][]string{}}
}

func (f *fakeFanout) Broadcast(conv, event string, payload any, exclude string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, broadcast{conv, event, payload, exclude})
}

func (f *fakeFanout) JoinUsers(conv string, users []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[conv] = append(f.joined[conv], users...)
}

func (f *fakeFanout) EvictUser(conv, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted[conv] = append(f.evicted[conv], user)
}

func (f *fakeFanout) CloseRoom(conv string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, conv)
}

func (f *fakeFanout) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = b.event
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	cmd    *CommandService
	query  *QueryService
	fanout *fakeFanout
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryConversationStore()
	pub := &recordingPublisher{}
	cmd := NewCommandService(store, pub, nil)
	fan := newFakeFanout()
	cmd.SetFanout(fan)

	clock := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	cmd.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	cmd.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return &fixture{cmd: cmd, query: NewQueryService(store), fanout: fan, pub: pub}
}

func (f *fixture) group(t *testing.T, admin string, others ...string) *domain.Conversation {
	t.Helper()
	c, created, err := f.cmd.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID: admin, ParticipantIDs: others, IsGroup: true, GroupName: "team",
	})
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func (f *fixture) send(t *testing.T, conv, from, text string) *domain.Message {
	t.Helper()
	m, err := f.cmd.SendMessage(context.Background(), SendMessageInput{
		ConversationID: conv, SenderID: from, Body: domain.PlainBody{Content: text},
	})
	require.NoError(t, err)
	return m
}

func TestCreatePrivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.cmd.CreateConversation(ctx, CreateConversationInput{CreatorID: "alice", ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.ElementsMatch(t, []string{"alice", "bob"}, f.fanout.joined[first.ID])

	again, created, err := f.cmd.CreateConversation(ctx, CreateConversationInput{CreatorID: "bob", ParticipantIDs: []string{"alice"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	assert.Equal(t, []string{EventConversationCreated}, f.fanout.events())
	assert.Equal(t, []string{events.ConversationCreated}, f.pub.types())
}

func TestSendMessageBroadcastsAfterCommit(t *testing.T) {
	f := newFixture(t)
	c := f.group(t, "alice", "bob")

	ctx := WithOrigin(context.Background(), "session-1")
	m, err := f.cmd.SendMessage(ctx, SendMessageInput{ConversationID: c.ID, SenderID: "bob", Body: domain.PlainBody{Content: "hi"}})
	require.NoError(t, err)

	last := f.fanout.sent[len(f.fanout.sent)-1]
	assert.Equal(t, EventNewMessage, last.event)
	assert.Equal(t, "session-1", last.exclude)
	assert.Equal(t, m.ID, last.payload.(MessagePayload).Message.ID)

	before := len(f.fanout.sent)
	_, err = f.cmd.SendMessage(ctx, SendMessageInput{ConversationID: c.ID, SenderID: "mallory", Body: domain.PlainBody{Content: "x"}})
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.cmd.SendMessage(ctx, SendMessageInput{ConversationID: c.ID, SenderID: "bob"})
	require.ErrorIs(t, err, domain.ErrBadRequest)
	assert.Len(t, f.fanout.sent, before, "failed writes are not broadcast")

	got, err := f.query.GetConversation(context.Background(), c.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.LastMessage.Content)
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")
	m := f.send(t, c.ID, "alice", "frist")

	_, err := f.cmd.EditMessage(ctx, c.ID, m.ID, "bob", domain.PlainBody{Content: "hacked"})
	require.ErrorIs(t, err, domain.ErrForbidden)

	edited, err := f.cmd.EditMessage(ctx, c.ID, m.ID, "alice", domain.PlainBody{Content: "first"})
	require.NoError(t, err)
	assert.Equal(t, "first", edited.Content())
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, m.CreatedAt, edited.CreatedAt)

	_, err = f.cmd.DeleteMessage(ctx, c.ID, m.ID, "alice")
	require.NoError(t, err)
	_, err = f.cmd.DeleteMessage(ctx, c.ID, m.ID, "alice")
	require.NoError(t, err)

	_, err = f.cmd.EditMessage(ctx, c.ID, m.ID, "alice", domain.PlainBody{Content: "back"})
	require.ErrorIs(t, err, domain.ErrBadRequest)

	var deletes int
	for _, e := range f.fanout.events() {
		if e == EventMessageDeleted {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes, "repeat delete does not broadcast")

	page, err := f.query.GetMessages(ctx, c.ID, "bob", time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

func TestReactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")
	m := f.send(t, c.ID, "alice", "vote")

	_, added, err := f.cmd.ToggleReaction(ctx, c.ID, m.ID, "bob", "👍")
	require.NoError(t, err)
	assert.True(t, added)
	msg, added, err := f.cmd.ToggleReaction(ctx, c.ID, m.ID, "bob", "👍")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, msg.Reactions)

	n := len(f.fanout.sent)
	_, err = f.cmd.RemoveReaction(ctx, c.ID, m.ID, "bob", "👍")
	require.NoError(t, err)
	assert.Len(t, f.fanout.sent, n, "removing an absent reaction is silent")

	evs := f.fanout.events()
	assert.Equal(t, []string{EventReactionAdded, EventReactionRemoved}, evs[len(evs)-2:])
}

func TestMarkReadOnlyBroadcastsChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")
	f.send(t, c.ID, "alice", "one")
	f.send(t, c.ID, "alice", "two")

	n, err := f.cmd.MarkRead(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	before := len(f.fanout.sent)
	n, err = f.cmd.MarkRead(ctx, c.ID, "bob")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.fanout.sent, before)

	_, err = f.cmd.MarkRead(ctx, c.ID, "mallory")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveParticipantScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "A", "B", "C")

	require.NoError(t, f.cmd.RemoveParticipant(ctx, c.ID, "A", "C"))
	assert.Equal(t, []string{"C"}, f.fanout.evicted[c.ID])

	_, err := f.query.GetConversation(ctx, c.ID, "C")
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = f.cmd.RemoveParticipant(ctx, c.ID, "B", "A")
	require.ErrorIs(t, err, domain.ErrForbidden)

	// leaving is always allowed
	require.NoError(t, f.cmd.RemoveParticipant(ctx, c.ID, "B", "B"))
}

func TestAddParticipantsJoinsRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")

	added, err := f.cmd.AddParticipants(ctx, c.ID, "bob", []string{"carol", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, added)
	assert.Contains(t, f.fanout.joined[c.ID], "carol")

	_, err = f.cmd.AddParticipants(ctx, c.ID, "bob", []string{"carol"})
	require.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")

	require.ErrorIs(t, f.cmd.DeleteConversation(ctx, c.ID, "mallory"), domain.ErrNotFound)
	require.NoError(t, f.cmd.DeleteConversation(ctx, c.ID, "bob"))
	assert.Equal(t, []string{c.ID}, f.fanout.closed)
	assert.Contains(t, f.pub.types(), events.ConversationDeleted)

	_, err := f.query.GetConversation(ctx, c.ID, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetMessagesPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")
	var msgs []*domain.Message
	for i := 0; i < 100; i++ {
		msgs = append(msgs, f.send(t, c.ID, "alice", fmt.Sprintf("m%d", i)))
	}

	page, err := f.query.GetMessages(ctx, c.ID, "bob", msgs[50].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 10)
	assert.True(t, page.HasMore)
	assert.Equal(t, msgs[40].ID, page.Messages[0].ID)
	assert.Equal(t, msgs[49].ID, page.Messages[9].ID)

	page, err = f.query.GetMessages(ctx, c.ID, "bob", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, DefaultPageSize)

	page, err = f.query.GetMessages(ctx, c.ID, "bob", time.Time{}, 1000)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 100)
	assert.True(t, page.HasMore)
}

func TestSearchMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.group(t, "alice", "bob")
	f.send(t, c.ID, "alice", "Pizza tonight?")
	f.send(t, c.ID, "bob", "pizza again")

	_, err := f.query.SearchMessages(ctx, "alice", " p ", "")
	require.ErrorIs(t, err, domain.ErrBadRequest)

	hits, err := f.query.SearchMessages(ctx, "alice", "PIZZA", "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "pizza again", hits[0].Message.Content())

	_, err = f.query.SearchMessages(ctx, "carol", "pizza", c.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMessageInputBody(t *testing.T) {
	body, err := MessageInput{Content: "hi"}.Body()
	require.NoError(t, err)
	assert.Equal(t, domain.PlainBody{Content: "hi"}, body)

	body, err = MessageInput{Attachments: []domain.Attachment{{Filename: "a.png"}}}.Body()
	require.NoError(t, err)
	assert.Nil(t, body)

	body, err = MessageInput{
		Encrypted:         true,
		EncryptedPayloads: map[string]string{"bob:dev1": "Y3Q="},
		Nonce:             "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		SenderDeviceID:    "a1",
	}.Body()
	require.NoError(t, err)
	enc, ok := body.(domain.EncryptedBody)
	require.True(t, ok)
	assert.Equal(t, []byte("ct"), enc.Payloads[domain.PayloadKey{UserID: "bob", DeviceID: "dev1"}])
	assert.Len(t, enc.Nonce, domain.NonceSize)

	_, err = MessageInput{Encrypted: true, EncryptedPayloads: map[string]string{"nocolon": "Y3Q="}}.Body()
	require.ErrorIs(t, err, domain.ErrBadRequest)
}

func TestGetMessagesPagingWithWallClock(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryConversationStore()
	cmd := NewCommandService(store, &recordingPublisher{}, nil)
	cmd.SetFanout(newFakeFanout())
	query := NewQueryService(store)

	c, _, err := cmd.CreateConversation(ctx, CreateConversationInput{
		CreatorID: "alice", ParticipantIDs: []string{"bob"}, IsGroup: true, GroupName: "burst",
	})
	require.NoError(t, err)

	var msgs []*domain.Message
	for i := 0; i < 100; i++ {
		m, err := cmd.SendMessage(ctx, SendMessageInput{
			ConversationID: c.ID, SenderID: "alice", Body: domain.PlainBody{Content: fmt.Sprintf("m%d", i)},
		})
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	page, err := query.GetMessages(ctx, c.ID, "bob", msgs[50].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 10)
	for i, m := range page.Messages {
		assert.Equal(t, msgs[40+i].ID, m.ID)
	}

	// walking the cursor back from the newest message visits every message once
	seen := 0
	before := time.Time{}
	for {
		page, err := query.GetMessages(ctx, c.ID, "bob", before, 7)
		require.NoError(t, err)
		seen += len(page.Messages)
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
		before = page.Messages[0].CreatedAt
	}
	assert.Equal(t, 100, seen)
}
