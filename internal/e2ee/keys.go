package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/fathima-sithara/securechat/internal/domain"
)

// KeyPair is one device's static box key pair.
type KeyPair struct {
	Public  [domain.KeySize]byte
	Private [domain.KeySize]byte
}

func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box keypair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// PublicKeyBase64 is the form POST /keys expects.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

// ParsePublicKey checks the length of a raw public key.
func ParsePublicKey(raw []byte) (*[domain.KeySize]byte, error) {
	if len(raw) != domain.KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, domain.KeySize, len(raw))
	}
	var out [domain.KeySize]byte
	copy(out[:], raw)
	return &out, nil
}
