package e2ee

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/fathima-sithara/securechat/internal/domain"
)

var (
	ErrInvalidKey   = errors.New("invalid key")
	ErrNoPayload    = errors.New("no payload for this device")
	ErrDecrypt      = errors.New("decryption failed")
	ErrNoRecipients = errors.New("no recipient devices")
	ErrNotEncrypted = errors.New("message is not encrypted")
)

// Placeholders shown in place of text that cannot be decrypted.
const (
	PlaceholderNoKey  = "[Unable to decrypt: message was not encrypted for this device]"
	PlaceholderFailed = "[Unable to decrypt message]"
	PlaceholderNoKeys = "[Unable to decrypt: keys unavailable]"
)

// KeyDirectory is the read side of the device key registry.
type KeyDirectory interface {
	GetBulkKeys(ctx context.Context, userIDs []string) (map[string][]domain.DeviceKey, error)
}

// DeviceTarget is one recipient device's public key.
type DeviceTarget struct {
	DeviceID  string
	PublicKey []byte
}

// Recipients maps user id to that user's device targets.
type Recipients map[string][]DeviceTarget

// Device is the local identity of the device running the engine.
type Device struct {
	UserID   string
	DeviceID string
	Keys     *KeyPair
}

type Engine struct {
	nonces  *NonceGuard
	dir     KeyDirectory
	logger  *zap.SugaredLogger
	strict  bool
	randSrc io.Reader
	window  int
}

type Option func(*Engine)

// WithStrictDeviceMatch disables the fallback to another payload addressed to
// the same user when the exact device entry is missing.
func WithStrictDeviceMatch() Option { return func(e *Engine) { e.strict = true } }

func WithRandom(r io.Reader) Option { return func(e *Engine) { e.randSrc = r } }

func WithNonceWindow(n int) Option { return func(e *Engine) { e.window = n } }

func NewEngine(dir KeyDirectory, logger *zap.SugaredLogger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{dir: dir, logger: logger}
	for _, o := range opts {
		o(e)
	}
	g, err := NewNonceGuard(e.window, e.randSrc)
	if err != nil {
		return nil, err
	}
	e.nonces = g
	return e, nil
}

// Encrypt seals plaintext once per recipient device under a single fresh
// nonce. A device whose key is unusable is logged and left out.
func (e *Engine) Encrypt(plaintext string, recipients Recipients, senderPrivate *[domain.KeySize]byte, senderDeviceID string) (domain.EncryptedBody, error) {
	if senderPrivate == nil {
		return domain.EncryptedBody{}, fmt.Errorf("%w: sender private key missing", ErrInvalidKey)
	}
	if senderDeviceID == "" {
		return domain.EncryptedBody{}, fmt.Errorf("%w: sender device id missing", ErrInvalidKey)
	}
	nonce, err := e.nonces.Next()
	if err != nil {
		return domain.EncryptedBody{}, err
	}

	payloads := make(domain.Payloads)
	for userID, devices := range recipients {
		for _, d := range devices {
			key := domain.PayloadKey{UserID: userID, DeviceID: d.DeviceID}
			ct, err := seal([]byte(plaintext), &nonce, d.PublicKey, senderPrivate)
			if err != nil {
				e.logger.Warnw("skipping recipient device", "recipient", key.String(), "error", err)
				continue
			}
			payloads[key] = ct
		}
	}
	if len(payloads) == 0 {
		return domain.EncryptedBody{}, ErrNoRecipients
	}
	return domain.EncryptedBody{
		Payloads:       payloads,
		Nonce:          append([]byte(nil), nonce[:]...),
		SenderDeviceID: senderDeviceID,
	}, nil
}

// EncryptForParticipants looks up every participant's active devices and
// encrypts for all of them, including the sender's own devices.
func (e *Engine) EncryptForParticipants(ctx context.Context, sender Device, plaintext string, participants []string) (domain.EncryptedBody, error) {
	if e.dir == nil {
		return domain.EncryptedBody{}, errors.New("engine has no key directory")
	}
	if sender.Keys == nil {
		return domain.EncryptedBody{}, fmt.Errorf("%w: own keys missing", ErrInvalidKey)
	}
	keys, err := e.dir.GetBulkKeys(ctx, participants)
	if err != nil {
		return domain.EncryptedBody{}, fmt.Errorf("fetch device keys: %w", err)
	}
	recipients := make(Recipients, len(keys))
	for userID, list := range keys {
		for _, k := range list {
			if !k.IsActive {
				continue
			}
			recipients[userID] = append(recipients[userID], DeviceTarget{DeviceID: k.DeviceID, PublicKey: k.PublicKey})
		}
	}
	return e.Encrypt(plaintext, recipients, &sender.Keys.Private, sender.DeviceID)
}

// Decrypt returns the plaintext addressed to (userID, deviceID). Plain
// messages pass through unchanged.
func (e *Engine) Decrypt(msg *domain.Message, userID, deviceID string, myPrivate *[domain.KeySize]byte, senderPublic []byte) (string, error) {
	switch b := msg.Body.(type) {
	case domain.PlainBody:
		return b.Content, nil
	case domain.EncryptedBody:
		return e.open(msg.ID, b, userID, deviceID, myPrivate, senderPublic)
	default:
		return "", ErrNotEncrypted
	}
}

func (e *Engine) open(msgID string, b domain.EncryptedBody, userID, deviceID string, myPrivate *[domain.KeySize]byte, senderPublic []byte) (string, error) {
	if myPrivate == nil {
		e.logger.Warnw("own private key unavailable", "message", msgID)
		return "", fmt.Errorf("%w: own private key missing", ErrInvalidKey)
	}
	senderKey, err := ParsePublicKey(senderPublic)
	if err != nil {
		e.logger.Warnw("sender public key unavailable", "message", msgID, "sender_device", b.SenderDeviceID)
		return "", err
	}
	if len(b.Nonce) != domain.NonceSize {
		e.logger.Warnw("message nonce malformed", "message", msgID, "len", len(b.Nonce))
		return "", ErrDecrypt
	}
	var nonce [domain.NonceSize]byte
	copy(nonce[:], b.Nonce)

	exact := domain.PayloadKey{UserID: userID, DeviceID: deviceID}
	candidates := []domain.PayloadKey{exact}
	if _, ok := b.Payloads[exact]; !ok {
		if e.strict {
			e.logger.Infow("no payload for this device", "message", msgID, "device", exact.String())
			return "", ErrNoPayload
		}
		candidates = b.Payloads.ForUser(userID)
		if len(candidates) == 0 {
			e.logger.Infow("no payload for this user", "message", msgID, "device", exact.String())
			return "", ErrNoPayload
		}
		e.logger.Debugw("exact device payload missing, trying user fallback", "message", msgID, "device", exact.String(), "candidates", len(candidates))
	}

	for _, k := range candidates {
		plain, ok := box.Open(nil, b.Payloads[k], &nonce, senderKey, myPrivate)
		if ok {
			return string(plain), nil
		}
	}
	e.logger.Warnw("payload authentication failed", "message", msgID, "device", exact.String())
	return "", ErrDecrypt
}

// DisplayText never fails: decryption errors become placeholders.
func (e *Engine) DisplayText(msg *domain.Message, userID, deviceID string, myPrivate *[domain.KeySize]byte, senderPublic []byte) string {
	text, err := e.Decrypt(msg, userID, deviceID, myPrivate, senderPublic)
	switch {
	case err == nil:
		return text
	case errors.Is(err, ErrNoPayload):
		return PlaceholderNoKey
	case errors.Is(err, ErrInvalidKey):
		return PlaceholderNoKeys
	case errors.Is(err, ErrNotEncrypted):
		return ""
	default:
		return PlaceholderFailed
	}
}

// EncryptFile seals raw bytes for a single recipient.
func (e *Engine) EncryptFile(data []byte, recipientPublic []byte, senderPrivate *[domain.KeySize]byte) ([]byte, []byte, error) {
	if senderPrivate == nil {
		return nil, nil, fmt.Errorf("%w: sender private key missing", ErrInvalidKey)
	}
	nonce, err := e.nonces.Next()
	if err != nil {
		return nil, nil, err
	}
	ct, err := seal(data, &nonce, recipientPublic, senderPrivate)
	if err != nil {
		return nil, nil, err
	}
	return ct, append([]byte(nil), nonce[:]...), nil
}

// DecryptFile reverses EncryptFile.
func DecryptFile(ciphertext, nonce, senderPublic []byte, myPrivate *[domain.KeySize]byte) ([]byte, error) {
	if myPrivate == nil {
		return nil, fmt.Errorf("%w: own private key missing", ErrInvalidKey)
	}
	pub, err := ParsePublicKey(senderPublic)
	if err != nil {
		return nil, err
	}
	if len(nonce) != domain.NonceSize {
		return nil, ErrDecrypt
	}
	var n [domain.NonceSize]byte
	copy(n[:], nonce)
	out, ok := box.Open(nil, ciphertext, &n, pub, myPrivate)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

func seal(msg []byte, nonce *Nonce, recipientPublic []byte, senderPrivate *[domain.KeySize]byte) ([]byte, error) {
	pub, err := ParsePublicKey(recipientPublic)
	if err != nil {
		return nil, err
	}
	// Low-order points yield an all-zero shared secret.
	if _, err := curve25519.X25519(senderPrivate[:], pub[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return box.Seal(nil, msg, (*[domain.NonceSize]byte)(nonce), pub, senderPrivate), nil
}
