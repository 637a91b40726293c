// Package secrets implements the AEAD encryption used for credential
// storage. Each blob is laid out as nonce(12 bytes) followed by the
// AES-GCM ciphertext; the key is derived once from a secret via SHA-256.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/flowforge/flowforge/pkg/models"
)

var (
	// ErrEmptySecret is returned when the encryptor is constructed
	// without key material.
	ErrEmptySecret = errors.New("encryption secret cannot be empty")

	errShortCiphertext = errors.New("ciphertext shorter than nonce")
)

// Encryptor encrypts and decrypts secret blobs. It is safe for concurrent
// use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256-GCM key from the given secret.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. Encrypting the same
// plaintext twice yields different blobs.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())

	_, err := rand.Read(nonce)
	if err != nil {
		return nil, &models.EncryptionError{Op: "encrypt", Err: err}
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed blob. Malformed or tampered blobs fail
// with an EncryptionError; a partially decrypted result is never returned.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < e.aead.NonceSize() {
		return nil, &models.EncryptionError{Op: "decrypt", Err: errShortCiphertext}
	}

	nonce, ciphertext := blob[:e.aead.NonceSize()], blob[e.aead.NonceSize():]

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &models.EncryptionError{Op: "decrypt", Err: err}
	}

	return plaintext, nil
}

// EncryptString is a convenience wrapper around Encrypt.
func (e *Encryptor) EncryptString(plaintext string) ([]byte, error) {
	return e.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper around Decrypt.
func (e *Encryptor) DecryptString(blob []byte) (string, error) {
	plaintext, err := e.Decrypt(blob)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
