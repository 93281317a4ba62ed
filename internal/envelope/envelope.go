// Package envelope implements encryption of opaque stored blobs under a
// per-blob data key, wrapped by one of several configured master keys.
// Only the active key is used for wrapping; old keys stay configured for
// unwrapping so storage can converge onto the active key over time.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fleetdesk/fleetdesk/internal/models"
)

const (
	keyLength = 32
	nonceLen  = 12
)

// envelopePrefix identifies versioned envelope payloads. Anything without
// it is a legacy plaintext row.
var envelopePrefix = []byte("sigenc:v1:")

type wireEnvelope struct {
	Version   int    `json:"v"`
	KeyID     string `json:"kid"`
	DEKNonce  string `json:"dek_nonce"`
	DEKCt     string `json:"dek_ct"`
	DataNonce string `json:"data_nonce"`
	DataCt    string `json:"data_ct"`
}

// Decrypted is the result of opening a stored payload.
type Decrypted struct {
	Data      []byte
	KeyID     string
	Encrypted bool
}

// Engine wraps and unwraps per-blob data keys under AES-256-GCM master keys.
type Engine struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewEngine validates the key map (32-byte keys, active id present) and
// returns an Engine.
func NewEngine(keys map[string][]byte, activeKeyID string) (*Engine, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one master key is required")
	}
	for id, key := range keys {
		if len(key) != keyLength {
			return nil, fmt.Errorf("master key %q must be %d bytes, got %d", id, keyLength, len(key))
		}
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active key id %q is not configured", activeKeyID)
	}
	return &Engine{keys: keys, activeKeyID: activeKeyID}, nil
}

// ActiveKeyID returns the id used for wrapping new envelopes.
func (e *Engine) ActiveKeyID() string {
	return e.activeKeyID
}

// IsEncrypted reports whether payload carries the envelope prefix.
func (e *Engine) IsEncrypted(payload []byte) bool {
	return bytes.HasPrefix(payload, envelopePrefix)
}

// DecryptPayload opens a stored payload. Empty input short-circuits and
// legacy plaintext passes through unchanged. Corrupt envelopes and
// authentication failures surface as ErrDecryptionFailed; a missing
// master key as ErrKeyUnavailable. Garbage is never returned silently.
func (e *Engine) DecryptPayload(payload []byte) (*Decrypted, error) {
	if len(payload) == 0 {
		return &Decrypted{Data: payload}, nil
	}
	if !e.IsEncrypted(payload) {
		// Rows written before encryption was introduced.
		return &Decrypted{Data: payload}, nil
	}

	var env wireEnvelope
	if err := json.Unmarshal(payload[len(envelopePrefix):], &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", models.ErrDecryptionFailed, err)
	}
	if env.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", models.ErrDecryptionFailed, env.Version)
	}

	kek, ok := e.keys[env.KeyID]
	if !ok {
		return nil, fmt.Errorf("%w: key id %q", models.ErrKeyUnavailable, env.KeyID)
	}

	dekNonce, err := b64Decode(env.DEKNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad dek nonce: %v", models.ErrDecryptionFailed, err)
	}
	wrappedDEK, err := b64Decode(env.DEKCt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad dek ciphertext: %v", models.ErrDecryptionFailed, err)
	}
	dataNonce, err := b64Decode(env.DataNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: bad data nonce: %v", models.ErrDecryptionFailed, err)
	}
	dataCt, err := b64Decode(env.DataCt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad data ciphertext: %v", models.ErrDecryptionFailed, err)
	}

	dek, err := aeadOpen(kek, dekNonce, wrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping data key: %v", models.ErrDecryptionFailed, err)
	}
	plaintext, err := aeadOpen(dek, dataNonce, dataCt)
	if err != nil {
		return nil, fmt.Errorf("%w: opening payload: %v", models.ErrDecryptionFailed, err)
	}

	return &Decrypted{Data: plaintext, KeyID: env.KeyID, Encrypted: true}, nil
}

// EncryptForStorage produces an envelope under the active key. Payloads
// already wrapped under the active key are returned unchanged; stale or
// legacy payloads are opened first and re-wrapped.
func (e *Engine) EncryptForStorage(payload []byte) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}

	opened, err := e.DecryptPayload(payload)
	if err != nil {
		return nil, err
	}
	if opened.Encrypted && opened.KeyID == e.activeKeyID {
		return payload, nil
	}

	dek := make([]byte, keyLength)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	dekNonce, wrappedDEK, err := aeadSeal(e.keys[e.activeKeyID], dek)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	dataNonce, dataCt, err := aeadSeal(dek, opened.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	env := wireEnvelope{
		Version:   1,
		KeyID:     e.activeKeyID,
		DEKNonce:  b64Encode(dekNonce),
		DEKCt:     b64Encode(wrappedDEK),
		DataNonce: b64Encode(dataNonce),
		DataCt:    b64Encode(dataCt),
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return append(append([]byte{}, envelopePrefix...), encoded...), nil
}

// NeedsRotation reports whether a payload should be re-encrypted: legacy
// plaintext rows always, envelope rows when wrapped under a stale key.
func (e *Engine) NeedsRotation(payload []byte) (bool, error) {
	if len(payload) == 0 {
		return false, nil
	}
	opened, err := e.DecryptPayload(payload)
	if err != nil {
		return false, err
	}
	if !opened.Encrypted {
		return true, nil
	}
	return opened.KeyID != e.activeKeyID, nil
}

func aeadSeal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func aeadOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceLen {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func b64Encode(raw []byte) string {
	return base64.URLEncoding.EncodeToString(raw)
}

func b64Decode(value string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(value)
}
