// Package vault seals contact files at rest and issues the certificate
// used by the TLS line protocol listener.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrKeySize = fmt.Errorf("vault key must be %d bytes", KeySize)
	// ErrTampered is returned when a sealed payload fails authentication.
	ErrTampered = errors.New("decryption failed (wrong key or tampered data)")
)

// ParseKey accepts a key either as 32 raw bytes or as 64 hex digits.
func ParseKey(s string) ([]byte, error) {
	if len(s) == KeySize {
		return []byte(s), nil
	}
	if len(s) == 2*KeySize {
		key, err := hex.DecodeString(s)
		if err == nil {
			return key, nil
		}
	}
	return nil, ErrKeySize
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with AES-GCM and returns the nonce-prefixed
// ciphertext, hex encoded.
func Seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, hex.EncodedLen(len(sealed)))
	hex.Encode(out, sealed)
	return out, nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, hex.DecodedLen(len(sealed)))
	if _, err := hex.Decode(raw, sealed); err != nil {
		return nil, fmt.Errorf("sealed payload is not hex: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}
