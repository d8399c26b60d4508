package repository

import (
	"time"

	"github.com/fathima-sithara/securechat/internal/domain"
)

type conversationDoc struct {
	ID           string              `bson:"_id"`
	Participants []string            `bson:"participants"`
	IsGroup      bool                `bson:"is_group"`
	GroupName    string              `bson:"group_name,omitempty"`
	GroupAdmin   string              `bson:"group_admin,omitempty"`
	PairKey      string              `bson:"pair_key,omitempty"`
	Messages     []messageDoc        `bson:"messages"`
	LastMessage  *domain.LastMessage `bson:"last_message,omitempty"`
	CreatedAt    time.Time           `bson:"created_at"`
	UpdatedAt    time.Time           `bson:"updated_at"`
	Version      int64               `bson:"version"`
}

type payloadDoc struct {
	UserID     string `bson:"user_id"`
	DeviceID   string `bson:"device_id"`
	Ciphertext []byte `bson:"ciphertext"`
}

type messageDoc struct {
	ID                string               `bson:"id"`
	From              string               `bson:"from"`
	Content           string               `bson:"content"`
	Encrypted         bool                 `bson:"encrypted"`
	EncryptedPayloads []payloadDoc         `bson:"encrypted_payloads,omitempty"`
	Nonce             []byte               `bson:"nonce,omitempty"`
	SenderDeviceID    string               `bson:"sender_device_id,omitempty"`
	Attachments       []domain.Attachment  `bson:"attachments,omitempty"`
	ReadBy            []domain.ReadReceipt `bson:"read_by"`
	Reactions         []domain.Reaction    `bson:"reactions"`
	ReplyTo           string               `bson:"reply_to,omitempty"`
	EditedAt          *time.Time           `bson:"edited_at,omitempty"`
	DeletedAt         *time.Time           `bson:"deleted_at,omitempty"`
	CreatedAt         time.Time            `bson:"created_at"`
}

type deviceKeyDoc struct {
	UserID      string    `bson:"user_id"`
	DeviceID    string    `bson:"device_id"`
	PublicKey   []byte    `bson:"public_key"`
	Fingerprint string    `bson:"fingerprint"`
	IsActive    bool      `bson:"is_active"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func toConversationDoc(c *domain.Conversation) conversationDoc {
	d := conversationDoc{
		ID:           c.ID,
		Participants: c.Participants,
		IsGroup:      c.IsGroup,
		GroupName:    c.GroupName,
		GroupAdmin:   c.GroupAdmin,
		PairKey:      c.PairKey(),
		Messages:     make([]messageDoc, len(c.Messages)),
		LastMessage:  c.LastMessage,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		Version:      c.Version,
	}
	for i := range c.Messages {
		d.Messages[i] = toMessageDoc(&c.Messages[i])
	}
	return d
}

func (d *conversationDoc) toDomain() *domain.Conversation {
	c := &domain.Conversation{
		ID:           d.ID,
		Participants: d.Participants,
		IsGroup:      d.IsGroup,
		GroupName:    d.GroupName,
		GroupAdmin:   d.GroupAdmin,
		LastMessage:  d.LastMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		Version:      d.Version,
	}
	if c.Participants == nil {
		c.Participants = []string{}
	}
	if d.Messages != nil {
		c.Messages = make([]domain.Message, len(d.Messages))
		for i := range d.Messages {
			c.Messages[i] = d.Messages[i].toDomain()
		}
	}
	return c
}

func toMessageDoc(m *domain.Message) messageDoc {
	d := messageDoc{
		ID:          m.ID,
		From:        m.From,
		Attachments: m.Attachments,
		ReadBy:      m.ReadBy,
		Reactions:   m.Reactions,
		ReplyTo:     m.ReplyTo,
		EditedAt:    m.EditedAt,
		DeletedAt:   m.DeletedAt,
		CreatedAt:   m.CreatedAt,
	}
	if d.ReadBy == nil {
		d.ReadBy = []domain.ReadReceipt{}
	}
	if d.Reactions == nil {
		d.Reactions = []domain.Reaction{}
	}
	switch b := m.Body.(type) {
	case domain.PlainBody:
		d.Content = b.Content
	case domain.EncryptedBody:
		d.Encrypted = true
		d.Nonce = b.Nonce
		d.SenderDeviceID = b.SenderDeviceID
		for _, k := range b.Payloads.Keys() {
			d.EncryptedPayloads = append(d.EncryptedPayloads, payloadDoc{UserID: k.UserID, DeviceID: k.DeviceID, Ciphertext: b.Payloads[k]})
		}
	}
	return d
}

func (d *messageDoc) toDomain() domain.Message {
	m := domain.Message{
		ID:          d.ID,
		From:        d.From,
		Attachments: d.Attachments,
		ReadBy:      d.ReadBy,
		Reactions:   d.Reactions,
		ReplyTo:     d.ReplyTo,
		EditedAt:    d.EditedAt,
		DeletedAt:   d.DeletedAt,
		CreatedAt:   d.CreatedAt,
	}
	switch {
	case d.DeletedAt != nil:
	case d.Encrypted:
		payloads := make(domain.Payloads, len(d.EncryptedPayloads))
		for _, p := range d.EncryptedPayloads {
			payloads[domain.PayloadKey{UserID: p.UserID, DeviceID: p.DeviceID}] = p.Ciphertext
		}
		m.Body = domain.EncryptedBody{Payloads: payloads, Nonce: d.Nonce, SenderDeviceID: d.SenderDeviceID}
	default:
		m.Body = domain.PlainBody{Content: d.Content}
	}
	return m
}

func toDeviceKeyDoc(k domain.DeviceKey) deviceKeyDoc {
	return deviceKeyDoc{
		UserID:      k.UserID,
		DeviceID:    k.DeviceID,
		PublicKey:   k.PublicKey,
		Fingerprint: k.Fingerprint,
		IsActive:    k.IsActive,
		CreatedAt:   k.CreatedAt,
		UpdatedAt:   k.UpdatedAt,
	}
}

func (d *deviceKeyDoc) toDomain() domain.DeviceKey {
	return domain.DeviceKey{
		UserID:      d.UserID,
		DeviceID:    d.DeviceID,
		PublicKey:   d.PublicKey,
		Fingerprint: d.Fingerprint,
		IsActive:    d.IsActive,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
