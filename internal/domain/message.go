package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Body is either a PlainBody or an EncryptedBody. A tombstoned message has a nil Body.
type Body interface {
	isBody()
}

type PlainBody struct {
	Content string
}

type EncryptedBody struct {
	Payloads       Payloads
	Nonce          []byte
	SenderDeviceID string
}

func (PlainBody) isBody()     {}
func (EncryptedBody) isBody() {}

func (b PlainBody) validate() error {
	if strings.TrimSpace(b.Content) == "" {
		return badRequest("content is required")
	}
	return nil
}

func (b EncryptedBody) validate() error {
	if len(b.Nonce) != NonceSize {
		return badRequest("nonce must be %d bytes", NonceSize)
	}
	if len(b.Payloads) == 0 {
		return badRequest("encrypted message has no payloads")
	}
	for k, ct := range b.Payloads {
		if k.UserID == "" || k.DeviceID == "" {
			return badRequest("payload key %q is incomplete", k.String())
		}
		if len(ct) == 0 {
			return badRequest("payload %s is empty", k.String())
		}
	}
	if b.SenderDeviceID == "" {
		return badRequest("senderDeviceId is required for encrypted messages")
	}
	return nil
}

type Attachment struct {
	Filename     string `json:"filename" bson:"filename"`
	OriginalName string `json:"originalName" bson:"original_name"`
	URL          string `json:"url" bson:"url"`
	MimeType     string `json:"mimeType" bson:"mime_type"`
	Size         int64  `json:"size" bson:"size"`
}

type ReadReceipt struct {
	UserID string    `json:"userId" bson:"user_id"`
	ReadAt time.Time `json:"readAt" bson:"read_at"`
}

type Reaction struct {
	Emoji     string    `json:"emoji" bson:"emoji"`
	UserID    string    `json:"userId" bson:"user_id"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// Message is a flat record; DeletedAt marks a tombstone.
type Message struct {
	ID          string
	From        string
	Body        Body
	Attachments []Attachment
	ReadBy      []ReadReceipt
	Reactions   []Reaction
	ReplyTo     string
	EditedAt    *time.Time
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// Content returns the plaintext, or "" for encrypted and deleted messages.
func (m *Message) Content() string {
	if b, ok := m.Body.(PlainBody); ok {
		return b.Content
	}
	return ""
}

func (m *Message) Encrypted() (EncryptedBody, bool) {
	b, ok := m.Body.(EncryptedBody)
	return b, ok
}

func (m *Message) hasReaction(userID, emoji string) int {
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return i
		}
	}
	return -1
}

func (m *Message) readBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (m Message) clone() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	out.ReadBy = append([]ReadReceipt(nil), m.ReadBy...)
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if eb, ok := m.Body.(EncryptedBody); ok {
		out.Body = EncryptedBody{
			Payloads:       eb.Payloads.clone(),
			Nonce:          append([]byte(nil), eb.Nonce...),
			SenderDeviceID: eb.SenderDeviceID,
		}
	}
	return out
}

type messageJSON struct {
	ID                string        `json:"id"`
	From              string        `json:"from"`
	Content           string        `json:"content"`
	Encrypted         bool          `json:"encrypted"`
	EncryptedPayloads Payloads      `json:"encryptedPayloads,omitempty"`
	Nonce             []byte        `json:"nonce,omitempty"`
	SenderDeviceID    string        `json:"senderDeviceId,omitempty"`
	Attachments       []Attachment  `json:"attachments"`
	ReadBy            []ReadReceipt `json:"readBy"`
	Reactions         []Reaction    `json:"reactions"`
	ReplyTo           string        `json:"replyTo,omitempty"`
	EditedAt          *time.Time    `json:"editedAt,omitempty"`
	DeletedAt         *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:          m.ID,
		From:        m.From,
		Attachments: nonNil(m.Attachments),
		ReadBy:      nonNil(m.ReadBy),
		Reactions:   nonNil(m.Reactions),
		ReplyTo:     m.ReplyTo,
		EditedAt:    m.EditedAt,
		DeletedAt:   m.DeletedAt,
		CreatedAt:   m.CreatedAt,
	}
	switch b := m.Body.(type) {
	case PlainBody:
		out.Content = b.Content
	case EncryptedBody:
		out.Encrypted = true
		out.EncryptedPayloads = b.Payloads
		out.Nonce = b.Nonce
		out.SenderDeviceID = b.SenderDeviceID
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{
		ID:          in.ID,
		From:        in.From,
		Attachments: in.Attachments,
		ReadBy:      in.ReadBy,
		Reactions:   in.Reactions,
		ReplyTo:     in.ReplyTo,
		EditedAt:    in.EditedAt,
		DeletedAt:   in.DeletedAt,
		CreatedAt:   in.CreatedAt,
	}
	switch {
	case in.DeletedAt != nil:
	case in.Encrypted:
		m.Body = EncryptedBody{Payloads: in.EncryptedPayloads, Nonce: in.Nonce, SenderDeviceID: in.SenderDeviceID}
	default:
		m.Body = PlainBody{Content: in.Content}
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
