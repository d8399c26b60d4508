package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	// KeySize is the length of a device public key.
	KeySize = 32
	// NonceSize is the length of the per-message nonce shared by every payload.
	NonceSize = 24
)

// PayloadKey addresses one ciphertext inside an encrypted message.
type PayloadKey struct {
	UserID   string
	DeviceID string
}

func (k PayloadKey) String() string { return k.UserID + ":" + k.DeviceID }

// ParsePayloadKey splits on the first colon, so device ids may contain colons
// but user ids may not.
func ParsePayloadKey(s string) (PayloadKey, error) {
	user, device, ok := strings.Cut(s, ":")
	if !ok || user == "" || device == "" {
		return PayloadKey{}, fmt.Errorf("%w: malformed payload key %q", ErrBadRequest, s)
	}
	return PayloadKey{UserID: user, DeviceID: device}, nil
}

// Payloads maps each recipient device to its ciphertext.
type Payloads map[PayloadKey][]byte

// Keys returns the payload keys in a stable order.
func (p Payloads) Keys() []PayloadKey {
	out := make([]PayloadKey, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// ForUser returns the keys belonging to userID in stable order.
func (p Payloads) ForUser(userID string) []PayloadKey {
	var out []PayloadKey
	for _, k := range p.Keys() {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out
}

func (p Payloads) clone() Payloads {
	if p == nil {
		return nil
	}
	out := make(Payloads, len(p))
	for k, v := range p {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// EncodeStrings renders the wire form: "userId:deviceId" -> base64 ciphertext.
func (p Payloads) EncodeStrings() map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k.String()] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

// DecodePayloads parses the wire form produced by EncodeStrings.
func DecodePayloads(in map[string]string) (Payloads, error) {
	out := make(Payloads, len(in))
	for raw, b64 := range in {
		k, err := ParsePayloadKey(raw)
		if err != nil {
			return nil, err
		}
		ct, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("%w: payload %s is not base64", ErrBadRequest, raw)
		}
		out[k] = ct
	}
	return out, nil
}

func (p Payloads) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.EncodeStrings())
}

func (p *Payloads) UnmarshalJSON(b []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	decoded, err := DecodePayloads(raw)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}
