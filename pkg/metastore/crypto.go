package metastore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100_000
	keyLength     = 32
	saltLength    = 16
)

// SettingCipher encrypts setting values with AES-GCM under a
// passphrase-derived key. Output layout: salt || nonce || ciphertext.
type SettingCipher struct {
	passphrase []byte
}

// NewSettingCipher derives nothing up front; each encryption uses a fresh
// salt so identical plaintexts never share ciphertext.
func NewSettingCipher(passphrase string) (*SettingCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("setting cipher passphrase is empty")
	}
	return &SettingCipher{passphrase: []byte(passphrase)}, nil
}

func (c *SettingCipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext.
func (c *SettingCipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *SettingCipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltLength {
		return nil, fmt.Errorf("encrypted blob too short")
	}
	salt := blob[:saltLength]
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	rest := blob[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("encrypted blob too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt setting: %w", err)
	}
	return plaintext, nil
}
