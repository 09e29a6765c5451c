// Package secrets seals provider credentials at rest with NaCl secretbox.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey = errors.New("invalid credentials key")
	ErrOpen       = errors.New("credentials could not be opened")
)

// Config holds the key used for credential blobs
type Config struct {
	Key string `envconfig:"CREDENTIALS_KEY" required:"true"`
}

// Box seals and opens credential blobs. Sealed blobs are nonce || ciphertext.
type Box struct {
	key [keySize]byte
}

// New creates a box from a 32-byte key encoded as hex or base64.
func New(cfg Config) (*Box, error) {
	key, err := ParseKey(cfg.Key)
	if err != nil {
		return nil, err
	}
	return NewBox(key), nil
}

// NewBox creates a box from a raw key.
func NewBox(key [keySize]byte) *Box {
	return &Box{key: key}
}

// ParseKey decodes a hex or base64 encoded 32-byte key.
func ParseKey(s string) ([keySize]byte, error) {
	var key [keySize]byte
	s = strings.TrimSpace(s)

	raw, err := hex.DecodeString(s)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil || len(raw) != keySize {
		return key, fmt.Errorf("%w: want %d bytes as hex or base64", ErrInvalidKey, keySize)
	}
	copy(key[:], raw)
	return key, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: blob too short", ErrOpen)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
