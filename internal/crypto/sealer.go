// Package crypto wraps credential material for storage. Tokens produced by
// Sealer are encrypted with AES-256-GCM and signed with HMAC-SHA256, both keys
// derived from the server secret. Tokens carry no expiry.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignature is returned when a token was not produced by this
// server's secret, usually because the secret was rotated.
var ErrInvalidSignature = errors.New("invalid signature")

const tokenVersion = "v1"

// Sealer seals and opens tokens under one server secret.
type Sealer struct {
	aead   cipher.AEAD
	macKey []byte
}

// NewSealer derives the sealing keys from secret.
func NewSealer(secret string) (*Sealer, error) {
	encKey, err := DeriveSubkey([]byte(secret), purposeSeal)
	if err != nil {
		return nil, err
	}
	macKey, err := DeriveSubkey([]byte(secret), purposeSign)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("sealer cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealer gcm: %w", err)
	}
	return &Sealer{aead: aead, macKey: macKey}, nil
}

// Seal returns "v1.<payload>.<signature>" for plaintext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	payload := base64.RawURLEncoding.EncodeToString(sealed)
	sig := s.sign(payload)
	return tokenVersion + "." + payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Open verifies and decrypts a token produced by Seal.
func (s *Sealer) Open(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return nil, fmt.Errorf("malformed token: %w", ErrInvalidSignature)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", ErrInvalidSignature)
	}
	if !hmac.Equal(sig, s.sign(parts[1])) {
		return nil, ErrInvalidSignature
	}
	sealed, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", ErrInvalidSignature)
	}
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("payload too short: %w", ErrInvalidSignature)
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return plaintext, nil
}

func (s *Sealer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write([]byte(tokenVersion + "." + payload))
	return mac.Sum(nil)
}
