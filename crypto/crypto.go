// Package crypto seals workspace credentials at rest with AES-256-GCM.
//
// Ciphertexts are bound to the workspace they belong to: the workspace ID is
// passed as GCM additional data, so a token copied onto another workspace row
// fails authentication instead of silently decrypting.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Version values stored next to sealed columns.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

// ErrOpen is returned when a ciphertext cannot be authenticated.
var ErrOpen = errors.New("crypto: authentication failed")

// Sealer encrypts and decrypts credential values bound to an owner ID.
type Sealer interface {
	Seal(plaintext []byte, owner string) ([]byte, error)
	Open(ciphertext []byte, owner string) ([]byte, error)
	KeyID() string
}

// AESSealer implements Sealer with AES-256-GCM. Output layout: nonce || ciphertext || tag.
type AESSealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key
// (generate with `openssl rand -base64 32`). keyID is recorded next to sealed rows.
func NewAESSealer(base64Key, keyID string) (*AESSealer, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if keyID == "" {
		keyID = "default"
	}
	return &AESSealer{aead: aead, keyID: keyID}, nil
}

func (s *AESSealer) KeyID() string { return s.keyID }

func (s *AESSealer) Seal(plaintext []byte, owner string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(owner)), nil
}

func (s *AESSealer) Open(ciphertext []byte, owner string) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(ciphertext) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], []byte(owner))
	if err != nil {
		// never surface the underlying cipher error
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals a string for a text column. Empty input stays empty.
func SealString(s Sealer, plaintext, owner string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := s.Seal([]byte(plaintext), owner)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenString reverses SealString.
func OpenString(s Sealer, sealed, owner string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := s.Open(ct, owner)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
