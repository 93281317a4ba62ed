package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/fleetdesk/fleetdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestEngine(t *testing.T, keyIDs []string, active string) (*Engine, map[string][]byte) {
	t.Helper()
	keys := make(map[string][]byte, len(keyIDs))
	for _, id := range keyIDs {
		keys[id] = testKey(t)
	}
	engine, err := NewEngine(keys, active)
	require.NoError(t, err)
	return engine, keys
}

func TestEngine_RoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, []string{"k1"}, "k1")

	payloads := [][]byte{
		[]byte("signature image bytes"),
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, plaintext := range payloads {
		encrypted, err := engine.EncryptForStorage(plaintext)
		require.NoError(t, err)
		assert.True(t, engine.IsEncrypted(encrypted))

		opened, err := engine.DecryptPayload(encrypted)
		require.NoError(t, err)
		assert.True(t, opened.Encrypted)
		assert.Equal(t, "k1", opened.KeyID)
		assert.Equal(t, plaintext, opened.Data)
	}
}

func TestEngine_EncryptIdempotentUnderActiveKey(t *testing.T) {
	engine, _ := newTestEngine(t, []string{"k1"}, "k1")

	first, err := engine.EncryptForStorage([]byte("payload"))
	require.NoError(t, err)
	second, err := engine.EncryptForStorage(first)
	require.NoError(t, err)

	// Already wrapped under the active key: byte-identical, no re-wrap.
	assert.Equal(t, first, second)
}

func TestEngine_NilPassesThrough(t *testing.T) {
	engine, _ := newTestEngine(t, []string{"k1"}, "k1")

	encrypted, err := engine.EncryptForStorage(nil)
	require.NoError(t, err)
	assert.Nil(t, encrypted)

	opened, err := engine.DecryptPayload(nil)
	require.NoError(t, err)
	assert.False(t, opened.Encrypted)
	assert.Empty(t, opened.Data)
}

func TestEngine_LegacyPlaintextPassesThrough(t *testing.T) {
	engine, _ := newTestEngine(t, []string{"k1"}, "k1")

	legacy := []byte("\x89PNG legacy signature row")
	opened, err := engine.DecryptPayload(legacy)
	require.NoError(t, err)
	assert.False(t, opened.Encrypted)
	assert.Equal(t, legacy, opened.Data)

	needs, err := engine.NeedsRotation(legacy)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestEngine_StaleKeyNeedsRotation(t *testing.T) {
	oldEngine, keys := newTestEngine(t, []string{"k1"}, "k1")

	encrypted, err := oldEngine.EncryptForStorage([]byte("payload"))
	require.NoError(t, err)

	// New active key k2, with k1 still configured for reads.
	keys["k2"] = testKey(t)
	rotated, err := NewEngine(keys, "k2")
	require.NoError(t, err)

	needs, err := rotated.NeedsRotation(encrypted)
	require.NoError(t, err)
	assert.True(t, needs)

	opened, err := rotated.DecryptPayload(encrypted)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened.Data)

	rewrapped, err := rotated.EncryptForStorage(encrypted)
	require.NoError(t, err)
	needs, err = rotated.NeedsRotation(rewrapped)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestEngine_MissingKeyUnavailable(t *testing.T) {
	oldEngine, _ := newTestEngine(t, []string{"k1"}, "k1")

	encrypted, err := oldEngine.EncryptForStorage([]byte("payload"))
	require.NoError(t, err)

	// k1 dropped from configuration entirely.
	withoutK1, _ := newTestEngine(t, []string{"k2"}, "k2")
	_, err = withoutK1.DecryptPayload(encrypted)
	assert.ErrorIs(t, err, models.ErrKeyUnavailable)
}

func TestEngine_TamperedCiphertextFails(t *testing.T) {
	engine, _ := newTestEngine(t, []string{"k1"}, "k1")

	encrypted, err := engine.EncryptForStorage([]byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte{}, encrypted...)
	tampered[len(tampered)-5] ^= 0xFF

	_, err = engine.DecryptPayload(tampered)
	assert.ErrorIs(t, err, models.ErrDecryptionFailed)
}

func TestEngine_CorruptEnvelopeFails(t *testing.T) {
	engine, _ := newTestEngine(t, []string{"k1"}, "k1")

	_, err := engine.DecryptPayload([]byte("sigenc:v1:{not json"))
	assert.ErrorIs(t, err, models.ErrDecryptionFailed)
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil, "k1")
	assert.Error(t, err)

	_, err = NewEngine(map[string][]byte{"k1": []byte("short")}, "k1")
	assert.Error(t, err)

	_, err = NewEngine(map[string][]byte{"k1": make([]byte, 32)}, "missing")
	assert.Error(t, err)
}
