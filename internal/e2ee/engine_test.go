package e2ee

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/securechat/internal/domain"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(nil, nil, opts...)
	require.NoError(t, err)
	return e
}

func mustKeys(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := newEngine(t)
	alice := mustKeys(t)
	bobDev1, bobDev2 := mustKeys(t), mustKeys(t)

	tests := []string{"hello", "", "unicode ✓ 🔐", string(bytes.Repeat([]byte("x"), 10000))}
	for _, plaintext := range tests {
		body, err := e.Encrypt(plaintext, Recipients{
			"bob": {{DeviceID: "dev1", PublicKey: bobDev1.Public[:]}, {DeviceID: "dev2", PublicKey: bobDev2.Public[:]}},
		}, &alice.Private, "a1")
		require.NoError(t, err)

		msg := &domain.Message{ID: "m", From: "alice", Body: body}
		for dev, kp := range map[string]*KeyPair{"dev1": bobDev1, "dev2": bobDev2} {
			got, err := e.Decrypt(msg, "bob", dev, &kp.Private, alice.Public[:])
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		}
	}
}

func TestScenarioEncryptedForTwoDevices(t *testing.T) {
	e := newEngine(t, WithStrictDeviceMatch())
	alice := mustKeys(t)
	bobDev1, bobDev2, bobDev3 := mustKeys(t), mustKeys(t), mustKeys(t)

	body, err := e.Encrypt("meet at noon", Recipients{
		"B": {{DeviceID: "dev1", PublicKey: bobDev1.Public[:]}, {DeviceID: "dev2", PublicKey: bobDev2.Public[:]}},
	}, &alice.Private, "a1")
	require.NoError(t, err)

	assert.Equal(t, []domain.PayloadKey{{UserID: "B", DeviceID: "dev1"}, {UserID: "B", DeviceID: "dev2"}}, body.Payloads.Keys())
	msg := &domain.Message{ID: "m1", From: "A", Body: body}
	assert.Empty(t, msg.Content())

	got, err := e.Decrypt(msg, "B", "dev1", &bobDev1.Private, alice.Public[:])
	require.NoError(t, err)
	assert.Equal(t, "meet at noon", got)

	_, err = e.Decrypt(msg, "B", "dev3", &bobDev3.Private, alice.Public[:])
	assert.ErrorIs(t, err, ErrNoPayload)
	assert.Equal(t, PlaceholderNoKey, e.DisplayText(msg, "B", "dev3", &bobDev3.Private, alice.Public[:]))
}

func TestDecryptFallbackByUser(t *testing.T) {
	e := newEngine(t)
	alice := mustKeys(t)
	bob := mustKeys(t)
	other := mustKeys(t)

	body, err := e.Encrypt("hi", Recipients{"bob": {{DeviceID: "old-id", PublicKey: bob.Public[:]}}}, &alice.Private, "a1")
	require.NoError(t, err)
	msg := &domain.Message{ID: "m1", Body: body}

	got, err := e.Decrypt(msg, "bob", "renamed-id", &bob.Private, alice.Public[:])
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	_, err = e.Decrypt(msg, "bob", "dev3", &other.Private, alice.Public[:])
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = e.Decrypt(msg, "carol", "c1", &other.Private, alice.Public[:])
	assert.ErrorIs(t, err, ErrNoPayload)
}

func TestDecryptFailures(t *testing.T) {
	e := newEngine(t)
	alice, bob, mallory := mustKeys(t), mustKeys(t), mustKeys(t)

	body, err := e.Encrypt("secret", Recipients{"bob": {{DeviceID: "d", PublicKey: bob.Public[:]}}}, &alice.Private, "a1")
	require.NoError(t, err)
	msg := &domain.Message{ID: "m1", Body: body}

	_, err = e.Decrypt(msg, "bob", "d", &bob.Private, mallory.Public[:])
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.Equal(t, PlaceholderFailed, e.DisplayText(msg, "bob", "d", &bob.Private, mallory.Public[:]))

	_, err = e.Decrypt(msg, "bob", "d", &bob.Private, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	ct := append([]byte(nil), body.Payloads[domain.PayloadKey{UserID: "bob", DeviceID: "d"}]...)
	ct[0] ^= 0xff
	tampered := body
	tampered.Payloads = domain.Payloads{{UserID: "bob", DeviceID: "d"}: ct}
	_, err = e.Decrypt(&domain.Message{ID: "m2", Body: tampered}, "bob", "d", &bob.Private, alice.Public[:])
	assert.ErrorIs(t, err, ErrDecrypt)

	plain := &domain.Message{ID: "m3", Body: domain.PlainBody{Content: "legacy"}}
	got, err := e.Decrypt(plain, "bob", "d", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "legacy", got)
}

func TestEncryptPartialFanOut(t *testing.T) {
	e := newEngine(t)
	alice, bob := mustKeys(t), mustKeys(t)

	body, err := e.Encrypt("hi", Recipients{
		"bob":   {{DeviceID: "good", PublicKey: bob.Public[:]}, {DeviceID: "short", PublicKey: []byte{1, 2, 3}}},
		"carol": {{DeviceID: "zero", PublicKey: make([]byte, domain.KeySize)}},
	}, &alice.Private, "a1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PayloadKey{{UserID: "bob", DeviceID: "good"}}, body.Payloads.Keys())

	_, err = e.Encrypt("hi", Recipients{"carol": {{DeviceID: "zero", PublicKey: make([]byte, domain.KeySize)}}}, &alice.Private, "a1")
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestNonceUniqueness(t *testing.T) {
	e := newEngine(t)
	alice, bob := mustKeys(t), mustKeys(t)
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		body, err := e.Encrypt("x", Recipients{"bob": {{DeviceID: "d", PublicKey: bob.Public[:]}}}, &alice.Private, "a1")
		require.NoError(t, err)
		require.Len(t, body.Nonce, domain.NonceSize)
		_, dup := seen[string(body.Nonce)]
		require.False(t, dup, "nonce reused at send %d", i)
		seen[string(body.Nonce)] = struct{}{}
	}
}

type constReader struct{}

func (constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 7
	}
	return len(p), nil
}

func TestNonceGuardRefusesRepeat(t *testing.T) {
	g, err := NewNonceGuard(16, constReader{})
	require.NoError(t, err)

	_, err = g.Next()
	require.NoError(t, err)
	_, err = g.Next()
	assert.ErrorIs(t, err, ErrNonceExhausted)
}

func TestFileRoundTrip(t *testing.T) {
	e := newEngine(t)
	alice, bob := mustKeys(t), mustKeys(t)
	data := []byte{0, 1, 2, 3, 0xff, 0xfe}

	ct, nonce, err := e.EncryptFile(data, bob.Public[:], &alice.Private)
	require.NoError(t, err)
	assert.NotEqual(t, data, ct)

	out, err := DecryptFile(ct, nonce, alice.Public[:], &bob.Private)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = DecryptFile(ct, nonce, bob.Public[:], &bob.Private)
	assert.ErrorIs(t, err, ErrDecrypt)
}

type fakeDirectory map[string][]domain.DeviceKey

func (f fakeDirectory) GetBulkKeys(_ context.Context, userIDs []string) (map[string][]domain.DeviceKey, error) {
	out := map[string][]domain.DeviceKey{}
	for _, id := range userIDs {
		if ks, ok := f[id]; ok {
			out[id] = ks
		}
	}
	return out, nil
}

type failingDirectory struct{}

func (failingDirectory) GetBulkKeys(context.Context, []string) (map[string][]domain.DeviceKey, error) {
	return nil, errors.New("registry down")
}

func TestEncryptForParticipants(t *testing.T) {
	alicePhone, aliceLaptop, bob, bobOld := mustKeys(t), mustKeys(t), mustKeys(t), mustKeys(t)
	dir := fakeDirectory{
		"alice": {
			{UserID: "alice", DeviceID: "phone", PublicKey: alicePhone.Public[:], IsActive: true},
			{UserID: "alice", DeviceID: "laptop", PublicKey: aliceLaptop.Public[:], IsActive: true},
		},
		"bob": {
			{UserID: "bob", DeviceID: "b1", PublicKey: bob.Public[:], IsActive: true},
			{UserID: "bob", DeviceID: "revoked", PublicKey: bobOld.Public[:], IsActive: false},
		},
	}
	e, err := NewEngine(dir, nil)
	require.NoError(t, err)

	sender := Device{UserID: "alice", DeviceID: "phone", Keys: alicePhone}
	body, err := e.EncryptForParticipants(context.Background(), sender, "group hello", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []domain.PayloadKey{
		{UserID: "alice", DeviceID: "laptop"},
		{UserID: "alice", DeviceID: "phone"},
		{UserID: "bob", DeviceID: "b1"},
	}, body.Payloads.Keys())
	assert.Equal(t, "phone", body.SenderDeviceID)

	msg := &domain.Message{ID: "m", Body: body}
	got, err := e.Decrypt(msg, "alice", "laptop", &aliceLaptop.Private, alicePhone.Public[:])
	require.NoError(t, err)
	assert.Equal(t, "group hello", got)

	bad, err := NewEngine(failingDirectory{}, nil)
	require.NoError(t, err)
	_, err = bad.EncryptForParticipants(context.Background(), sender, "x", []string{"bob"})
	assert.Error(t, err)
}

func TestFingerprints(t *testing.T) {
	kp := mustKeys(t)
	fp := Fingerprint(kp.Public[:])
	assert.Len(t, fp, 32)
	assert.Equal(t, fp, Fingerprint(kp.Public[:]))

	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))

	other := Fingerprint(mustKeys(t).Public[:])
	assert.Equal(t, SafetyNumber(fp, other), SafetyNumber(other, fp))
	assert.Equal(t, SafetyNumber(FormatFingerprint(fp), other), SafetyNumber(fp, other))
	assert.Len(t, SafetyNumber(fp, other), 64+15)
}
