// Package cryptoutil seals tokens kept outside the process, such as linked
// Microsoft account refresh tokens held in Redis.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Sealer encrypts values bound to a context string, usually the owning subject id.
// A value sealed for one context does not open under another.
type Sealer interface {
	Seal(plaintext []byte, context string) (string, error)
	Open(sealed string, context string) ([]byte, error)
}

const (
	// Versioned prefix to allow future key/algorithm rotations without data migrations.
	sealedPrefixV1 = "v1:"
	plainPrefix    = "plain:"
)

// ErrUnknownFormat is returned for values that carry neither known prefix.
var ErrUnknownFormat = errors.New("unknown sealed value format")

// AESGCM seals values with AES-256-GCM and the context as additional data.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM constructs an AESGCM sealer. Key must be 32 bytes (AES-256).
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aes-gcm key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

// NewSealer builds a sealer from an operator-supplied key. A 64 character hex
// key is used as is; any other non-empty key is hashed to 32 bytes. An empty
// key yields Plain.
//
//nolint:ireturn // the sealer is chosen by configuration.
func NewSealer(key string) (Sealer, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Plain{}, nil
	}
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == 32 {
		return NewAESGCM(decoded)
	}
	sum := sha256.Sum256([]byte(key))
	return NewAESGCM(sum[:])
}

// Seal encrypts plaintext with a random nonce and returns a versioned base64 string.
func (s *AESGCM) Seal(plaintext []byte, context string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	// nonce||ciphertext
	buf := s.aead.Seal(nonce, nonce, plaintext, []byte(context))
	return sealedPrefixV1 + base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts a value produced by Seal. Values written by Plain before a key
// was configured still open.
func (s *AESGCM) Open(sealed string, context string) ([]byte, error) {
	if strings.HasPrefix(sealed, plainPrefix) {
		return Plain{}.Open(sealed, context)
	}
	if !strings.HasPrefix(sealed, sealedPrefixV1) {
		return nil, ErrUnknownFormat
	}
	data, err := base64.StdEncoding.DecodeString(sealed[len(sealedPrefixV1):])
	if err != nil {
		return nil, fmt.Errorf("decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("sealed value too short")
	}
	pt, err := s.aead.Open(nil, data[:n], data[n:], []byte(context))
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return pt, nil
}

// Plain only encodes. It is used when no key is configured and in tests.
type Plain struct{}

func (Plain) Seal(plaintext []byte, _ string) (string, error) {
	return plainPrefix + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (Plain) Open(sealed string, _ string) ([]byte, error) {
	if !strings.HasPrefix(sealed, plainPrefix) {
		return nil, ErrUnknownFormat
	}
	return base64.StdEncoding.DecodeString(sealed[len(plainPrefix):])
}

// SealString seals s, passing the empty string through unchanged.
func SealString(sealer Sealer, s, context string) (string, error) {
	if s == "" || sealer == nil {
		return s, nil
	}
	return sealer.Seal([]byte(s), context)
}

// OpenString reverses SealString.
func OpenString(sealer Sealer, s, context string) (string, error) {
	if s == "" || sealer == nil {
		return s, nil
	}
	pt, err := sealer.Open(s, context)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
