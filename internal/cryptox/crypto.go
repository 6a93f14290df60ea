// Package cryptox seals small JSON payloads with AES-GCM under a key derived
// from a server secret, producing URL-safe strings that can travel inside a
// signed session assertion.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
)

// ErrMalformed is returned when a sealed string cannot be opened.
var ErrMalformed = errors.New("malformed sealed payload")

// DeriveKey stretches secret into a 32-byte AES-256 key. purpose acts as the
// salt so that one secret yields independent keys per use.
func DeriveKey(secret []byte, purpose string) []byte {
	return argon2.IDKey(secret, []byte(purpose), 1, 64*1024, 4, 32)
}

// SealJSON marshals v to JSON and encrypts it with AES-GCM under key. The
// result is base64url(nonce || ciphertext).
func SealJSON(v any, key []byte) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aesgcm.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenJSON reverses SealJSON into v.
func OpenJSON(sealed string, key []byte, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return ErrMalformed
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return err
	}

	if len(raw) < aesgcm.NonceSize() {
		return ErrMalformed
	}
	nonce, ciphertext := raw[:aesgcm.NonceSize()], raw[aesgcm.NonceSize():]

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrMalformed
	}

	return json.Unmarshal(plaintext, v)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
