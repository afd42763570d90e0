package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyLen = 32 // 256 bits

// Subkey purposes. Each purpose yields an independent key from the same
// server secret.
const (
	purposeSeal = "corpusx/seal/aes-256-gcm"
	purposeSign = "corpusx/seal/hmac-sha256"
)

// DeriveSubkey expands secret into a 256-bit key bound to purpose.
func DeriveSubkey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("derive %s: empty secret", purpose)
	}
	key := make([]byte, keyLen)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", purpose, err)
	}
	return key, nil
}
