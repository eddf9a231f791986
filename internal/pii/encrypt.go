package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecryptionFailed is returned for malformed ciphertext or a wrong key.
var ErrDecryptionFailed = errors.New("pii: decryption failed")

// Encryptor seals values with AES-256-GCM.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds an Encryptor from key.
//
// A key that is base64 of exactly 32 bytes is used as is; anything else is
// treated as a passphrase and hashed with SHA-256.
func NewEncryptor(key string) (*Encryptor, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("pii: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pii: gcm: %w", err)
	}
	return &Encryptor{gcm: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag). "" stays "".
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("pii: nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. "" stays "".
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: base64", ErrDecryptionFailed)
	}
	n := e.gcm.NonceSize()
	if len(data) < n+e.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plain, err := e.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication", ErrDecryptionFailed)
	}
	return string(plain), nil
}

// EncryptCPF normalizes value and encrypts the digits.
func (e *Encryptor) EncryptCPF(value string) (string, error) {
	return e.Encrypt(NormalizeCPF(value))
}

// DecryptCPF returns the normalized digits sealed by EncryptCPF.
func (e *Encryptor) DecryptCPF(encoded string) (string, error) {
	return e.Decrypt(encoded)
}
