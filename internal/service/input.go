package service

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// MessageInput is the body of a send or edit, shared by REST and the socket.
type MessageInput struct {
	Content           string              `json:"content" validate:"max=10000"`
	Encrypted         bool                `json:"encrypted"`
	EncryptedPayloads map[string]string   `json:"encryptedPayloads"`
	Nonce             string              `json:"nonce"`
	SenderDeviceID    string              `json:"senderDeviceId"`
	Attachments       []domain.Attachment `json:"attachments" validate:"max=20"`
	ReplyTo           string              `json:"replyTo"`
}

// Body picks the message variant. A nil body with no error means the caller
// sent only attachments.
func (in MessageInput) Body() (domain.Body, error) {
	if in.Encrypted || len(in.EncryptedPayloads) > 0 {
		payloads, err := domain.DecodePayloads(in.EncryptedPayloads)
		if err != nil {
			return nil, err
		}
		nonce, err := base64.StdEncoding.DecodeString(in.Nonce)
		if err != nil {
			return nil, fmt.Errorf("%w: nonce is not base64", domain.ErrBadRequest)
		}
		return domain.EncryptedBody{Payloads: payloads, Nonce: nonce, SenderDeviceID: in.SenderDeviceID}, nil
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, nil
	}
	return domain.PlainBody{Content: in.Content}, nil
}
