package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	EncryptedPlaceholder = "[Encrypted Message]"
	DeletedPlaceholder   = "[Message deleted]"

	MinSearchQueryLen = 2
)

type LastMessage struct {
	Content   string    `json:"content" bson:"content"`
	From      string    `json:"from" bson:"from"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Conversation is the unit of atomic mutation. Every method that changes it
// is meant to run inside a single store read-modify-write.
type Conversation struct {
	ID           string       `json:"id"`
	Participants []string     `json:"participants"`
	IsGroup      bool         `json:"isGroup"`
	GroupName    string       `json:"groupName,omitempty"`
	GroupAdmin   string       `json:"groupAdmin,omitempty"`
	Messages     []Message    `json:"messages,omitempty"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Version      int64        `json:"-"`
}

type NewConversationParams struct {
	CreatorID      string
	ParticipantIDs []string
	IsGroup        bool
	GroupName      string
}

// NewConversation validates the participant set and builds an unsaved aggregate.
func NewConversation(id string, p NewConversationParams, now time.Time) (*Conversation, error) {
	if p.CreatorID == "" {
		return nil, badRequest("creator is required")
	}
	if len(p.ParticipantIDs) == 0 {
		return nil, badRequest("participants are required")
	}
	participants := uniqueUnion([]string{p.CreatorID}, p.ParticipantIDs)

	c := &Conversation{
		ID:           id,
		Participants: participants,
		IsGroup:      p.IsGroup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.IsGroup {
		name := strings.TrimSpace(p.GroupName)
		if name == "" {
			return nil, badRequest("groupName is required for group conversations")
		}
		if len(participants) < 2 {
			return nil, badRequest("group conversations need at least 2 participants")
		}
		c.GroupName = name
		c.GroupAdmin = p.CreatorID
		return c, nil
	}
	if len(participants) != 2 {
		return nil, badRequest("private conversations need exactly 2 participants, got %d", len(participants))
	}
	return c, nil
}

// PairKey identifies a private conversation by its unordered participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// PairKey returns "" for groups.
func (c *Conversation) PairKey() string {
	if c.IsGroup || len(c.Participants) != 2 {
		return ""
	}
	return PairKey(c.Participants[0], c.Participants[1])
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) requireParticipant(userID string) error {
	if !c.HasParticipant(userID) {
		return ErrConversationNotFound
	}
	return nil
}

func (c *Conversation) messageIndex(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) findMessage(id string) (*Message, error) {
	i := c.messageIndex(id)
	if i < 0 {
		return nil, notFound("message not found")
	}
	return &c.Messages[i], nil
}

type SendParams struct {
	ID          string
	SenderID    string
	Body        Body
	Attachments []Attachment
	ReplyTo     string
}

// AppendMessage adds a message and refreshes the lastMessage summary.
func (c *Conversation) AppendMessage(p SendParams, now time.Time) (*Message, error) {
	if err := c.requireParticipant(p.SenderID); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, badRequest("message id is required")
	}
	if c.messageIndex(p.ID) >= 0 {
		return nil, badRequest("duplicate message id %s", p.ID)
	}
	switch b := p.Body.(type) {
	case PlainBody:
		if len(p.Attachments) == 0 {
			if err := b.validate(); err != nil {
				return nil, err
			}
		}
	case EncryptedBody:
		if err := b.validate(); err != nil {
			return nil, err
		}
	case nil:
		if len(p.Attachments) == 0 {
			return nil, badRequest("content is required unless attachments or an encrypted bundle is present")
		}
		p.Body = PlainBody{}
	default:
		return nil, badRequest("unsupported message body %T", p.Body)
	}
	if p.ReplyTo != "" && c.messageIndex(p.ReplyTo) < 0 {
		return nil, badRequest("replyTo %s is not a message in this conversation", p.ReplyTo)
	}
	// createdAt is the paging cursor, so it must be strictly increasing
	// at the millisecond precision the store keeps.
	if n := len(c.Messages); n > 0 {
		if floor := c.Messages[n-1].CreatedAt.Add(time.Millisecond); now.Before(floor) {
			now = floor
		}
	}

	m := Message{
		ID:          p.ID,
		From:        p.SenderID,
		Body:        p.Body,
		Attachments: p.Attachments,
		ReplyTo:     p.ReplyTo,
		CreatedAt:   now,
	}
	c.Messages = append(c.Messages, m)
	c.LastMessage = summarize(&m)
	c.UpdatedAt = now
	out := c.Messages[len(c.Messages)-1].clone()
	return &out, nil
}

// EditMessage replaces the body of a live message owned by requesterID. The
// new body must be the same variant as the original.
func (c *Conversation) EditMessage(messageID, requesterID string, body Body, now time.Time) (*Message, error) {
	if err := c.requireParticipant(requesterID); err != nil {
		return nil, err
	}
	m, err := c.findMessage(messageID)
	if err != nil {
		return nil, err
	}
	if m.From != requesterID {
		return nil, forbidden("only the sender can edit a message")
	}
	if m.IsDeleted() {
		return nil, badRequest("message has been deleted")
	}
	switch b := body.(type) {
	case PlainBody:
		if _, enc := m.Body.(EncryptedBody); enc {
			return nil, badRequest("encrypted messages must be edited with an encrypted bundle")
		}
		if err := b.validate(); err != nil {
			return nil, err
		}
	case EncryptedBody:
		if _, plain := m.Body.(PlainBody); plain {
			return nil, badRequest("plain messages must be edited with plain content")
		}
		if err := b.validate(); err != nil {
			return nil, err
		}
	default:
		return nil, badRequest("content is required")
	}
	m.Body = body
	m.EditedAt = &now
	if c.isLast(messageID) {
		c.LastMessage = summarize(m)
	}
	c.UpdatedAt = now
	out := m.clone()
	return &out, nil
}

// DeleteMessage tombstones a message. Repeating it is a no-op that reports
// changed=false.
func (c *Conversation) DeleteMessage(messageID, requesterID string, now time.Time) (*Message, bool, error) {
	if err := c.requireParticipant(requesterID); err != nil {
		return nil, false, err
	}
	m, err := c.findMessage(messageID)
	if err != nil {
		return nil, false, err
	}
	if m.From != requesterID {
		return nil, false, forbidden("only the sender can delete a message")
	}
	if m.IsDeleted() {
		out := m.clone()
		return &out, false, nil
	}
	m.DeletedAt = &now
	m.Body = nil
	m.Attachments = nil
	c.LastMessage = c.latestSummary()
	c.UpdatedAt = now
	out := m.clone()
	return &out, true, nil
}

// ToggleReaction adds the (userID, emoji) reaction if absent and removes it
// otherwise. Tombstoned messages still accept reactions.
func (c *Conversation) ToggleReaction(messageID, userID, emoji string, now time.Time) (*Message, bool, error) {
	if err := c.requireParticipant(userID); err != nil {
		return nil, false, err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, false, badRequest("emoji is required")
	}
	m, err := c.findMessage(messageID)
	if err != nil {
		return nil, false, err
	}
	added := false
	if i := m.hasReaction(userID, emoji); i >= 0 {
		m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
	} else {
		m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: userID, CreatedAt: now})
		added = true
	}
	c.UpdatedAt = now
	out := m.clone()
	return &out, added, nil
}

// RemoveReaction removes the reaction if present; changed reports whether it was.
func (c *Conversation) RemoveReaction(messageID, userID, emoji string, now time.Time) (*Message, bool, error) {
	if err := c.requireParticipant(userID); err != nil {
		return nil, false, err
	}
	m, err := c.findMessage(messageID)
	if err != nil {
		return nil, false, err
	}
	i := m.hasReaction(userID, strings.TrimSpace(emoji))
	if i < 0 {
		out := m.clone()
		return &out, false, nil
	}
	m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
	c.UpdatedAt = now
	out := m.clone()
	return &out, true, nil
}

// MarkRead appends a receipt for userID to every message that lacks one and
// returns how many were updated.
func (c *Conversation) MarkRead(userID string, now time.Time) (int, error) {
	if err := c.requireParticipant(userID); err != nil {
		return 0, err
	}
	n := 0
	for i := range c.Messages {
		if c.Messages[i].readBy(userID) {
			continue
		}
		c.Messages[i].ReadBy = append(c.Messages[i].ReadBy, ReadReceipt{UserID: userID, ReadAt: now})
		n++
	}
	return n, nil
}

// AddParticipants returns the ids actually added.
func (c *Conversation) AddParticipants(requesterID string, userIDs []string, now time.Time) ([]string, error) {
	if err := c.requireParticipant(requesterID); err != nil {
		return nil, err
	}
	if !c.IsGroup {
		return nil, badRequest("participants can only be added to group conversations")
	}
	var added []string
	for _, id := range uniqueUnion(nil, userIDs) {
		if !c.HasParticipant(id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return nil, badRequest("no new participants to add")
	}
	c.Participants = append(c.Participants, added...)
	c.UpdatedAt = now
	return added, nil
}

// RemoveParticipant lets the admin remove anyone and everyone else remove
// only themself. When the admin leaves, the longest-standing remaining
// participant becomes admin.
func (c *Conversation) RemoveParticipant(requesterID, targetID string, now time.Time) error {
	if err := c.requireParticipant(requesterID); err != nil {
		return err
	}
	if !c.IsGroup {
		return badRequest("participants can only be removed from group conversations")
	}
	if !c.HasParticipant(targetID) {
		return notFound("participant not found")
	}
	if requesterID != c.GroupAdmin && requesterID != targetID {
		return forbidden("only the group admin can remove other participants")
	}
	kept := c.Participants[:0]
	for _, p := range c.Participants {
		if p != targetID {
			kept = append(kept, p)
		}
	}
	c.Participants = kept
	if targetID == c.GroupAdmin {
		c.GroupAdmin = ""
		if len(kept) > 0 {
			c.GroupAdmin = kept[0]
		}
	}
	c.UpdatedAt = now
	return nil
}

// AuthorizeDelete allows any participant to delete the conversation.
func (c *Conversation) AuthorizeDelete(requesterID string) error {
	return c.requireParticipant(requesterID)
}

// VisibleMessages returns the non-tombstoned messages in log order.
func (c *Conversation) VisibleMessages() []Message {
	out := make([]Message, 0, len(c.Messages))
	for i := range c.Messages {
		if !c.Messages[i].IsDeleted() {
			out = append(out, c.Messages[i].clone())
		}
	}
	return out
}

// Page returns up to limit visible messages created strictly before `before`
// (zero means no bound), in ascending order. hasMore is len(result) == limit.
func (c *Conversation) Page(before time.Time, limit int) ([]Message, bool) {
	if limit <= 0 {
		return []Message{}, false
	}
	eligible := make([]Message, 0, len(c.Messages))
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.IsDeleted() {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		eligible = append(eligible, *m)
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	out := make([]Message, len(eligible))
	for i := range eligible {
		out[i] = eligible[i].clone()
	}
	return out, len(out) == limit
}

// Search matches plaintext, non-deleted messages case-insensitively.
func (c *Conversation) Search(query string) []Message {
	q := strings.ToLower(query)
	var out []Message
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.IsDeleted() {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content()), q) {
			out = append(out, m.clone())
		}
	}
	return out
}

// WithoutMessages is the list-view projection.
func (c *Conversation) WithoutMessages() *Conversation {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Messages = nil
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// WithVisibleMessages is the single-conversation read projection.
func (c *Conversation) WithVisibleMessages() *Conversation {
	out := c.WithoutMessages()
	out.Messages = c.VisibleMessages()
	return out
}

// Clone deep-copies the aggregate so a failed mutation can be discarded.
func (c *Conversation) Clone() *Conversation {
	out := c.WithoutMessages()
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i := range c.Messages {
			out.Messages[i] = c.Messages[i].clone()
		}
	}
	return out
}

func (c *Conversation) isLast(messageID string) bool {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if !c.Messages[i].IsDeleted() {
			return c.Messages[i].ID == messageID
		}
	}
	return false
}

func (c *Conversation) latestSummary() *LastMessage {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if !c.Messages[i].IsDeleted() {
			return summarize(&c.Messages[i])
		}
	}
	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		return &LastMessage{Content: DeletedPlaceholder, From: last.From, CreatedAt: last.CreatedAt}
	}
	return nil
}

func summarize(m *Message) *LastMessage {
	lm := &LastMessage{From: m.From, CreatedAt: m.CreatedAt}
	switch b := m.Body.(type) {
	case EncryptedBody:
		lm.Content = EncryptedPlaceholder
	case PlainBody:
		lm.Content = b.Content
	}
	if strings.TrimSpace(lm.Content) == "" && len(m.Attachments) > 0 {
		lm.Content = attachmentLabel(len(m.Attachments))
	}
	return lm
}

func attachmentLabel(n int) string {
	if n == 1 {
		return "📎 1 attachment"
	}
	return fmt.Sprintf("📎 %d attachments", n)
}

func uniqueUnion(first []string, rest []string) []string {
	seen := make(map[string]struct{}, len(first)+len(rest))
	out := make([]string, 0, len(first)+len(rest))
	for _, list := range [][]string{first, rest} {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// SearchHit is one message matched by a search, with its conversation.
type SearchHit struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}
