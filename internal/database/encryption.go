package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"chatsync/internal/constants"
	"chatsync/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

// sealedPrefix marks payloads written with encryption enabled, so a cache that
// was created without a secret can still be read after one is configured.
const sealedPrefix = "v1:"

// encryptor seals message payloads at rest. Each payload is bound to its row id,
// so a sealed blob copied onto another message fails to open.
type encryptor struct {
	gcm cipher.AEAD
}

// newEncryptor derives an AES-256 key from secret. An empty secret disables encryption.
func newEncryptor(secret string) (*encryptor, error) {
	if secret == "" {
		return &encryptor{}, nil
	}
	if len(secret) < models.MinSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", models.MinSecretLength)
	}

	key := pbkdf2.Key([]byte(secret), []byte(constants.EncryptionSalt), models.Iterations, models.KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, models.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &encryptor{gcm: gcm}, nil
}

func (e *encryptor) enabled() bool {
	return e != nil && e.gcm != nil
}

// Seal encrypts payload for the row id.
func (e *encryptor) Seal(id string, payload []byte) (string, error) {
	if !e.enabled() {
		return string(payload), nil
	}

	nonce := make([]byte, models.NonceSize, models.NonceSize+len(payload)+e.gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, payload, []byte(id))
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Rows stored before encryption was enabled are returned as is.
func (e *encryptor) Open(id, stored string) ([]byte, error) {
	if len(stored) < len(sealedPrefix) || stored[:len(sealedPrefix)] != sealedPrefix {
		return []byte(stored), nil
	}
	if !e.enabled() {
		return nil, fmt.Errorf("row %s is encrypted but no secret is configured", id)
	}

	data, err := base64.StdEncoding.DecodeString(stored[len(sealedPrefix):])
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < models.NonceSize+e.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:models.NonceSize], data[models.NonceSize:]
	plain, err := e.gcm.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}
