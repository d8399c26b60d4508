package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayloadKey(t *testing.T) {
	k, err := ParsePayloadKey("bob:laptop:2")
	require.NoError(t, err)
	assert.Equal(t, PayloadKey{UserID: "bob", DeviceID: "laptop:2"}, k)

	for _, bad := range []string{"", "bob", "bob:", ":dev"} {
		_, err := ParsePayloadKey(bad)
		assert.ErrorIs(t, err, ErrBadRequest, bad)
	}
}

func TestEncryptedMessageWireShape(t *testing.T) {
	m := Message{
		ID:   "m1",
		From: "alice",
		Body: EncryptedBody{
			Payloads:       Payloads{{UserID: "bob", DeviceID: "dev1"}: []byte("ct")},
			Nonce:          make([]byte, NonceSize),
			SenderDeviceID: "a1",
		},
		CreatedAt: t0,
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, true, wire["encrypted"])
	assert.Equal(t, "", wire["content"])
	assert.Equal(t, map[string]any{"bob:dev1": "Y3Q="}, wire["encryptedPayloads"])
	assert.Equal(t, "a1", wire["senderDeviceId"])
	assert.Equal(t, []any{}, wire["reactions"])

	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	eb, ok := back.Encrypted()
	require.True(t, ok)
	assert.Equal(t, []byte("ct"), eb.Payloads[PayloadKey{UserID: "bob", DeviceID: "dev1"}])
}

func TestDeletedMessageHasNoBody(t *testing.T) {
	raw := []byte(`{"id":"m1","from":"a","content":"","encrypted":false,"deletedAt":"2026-01-02T15:04:05Z","createdAt":"2026-01-02T15:04:05Z"}`)
	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.True(t, m.IsDeleted())
	assert.Nil(t, m.Body)
}
