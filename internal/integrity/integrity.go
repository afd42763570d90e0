// Package integrity provides the content hashes shared by uploads, artifacts
// and search results, plus the one-way hash used for inbound API keys.
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// apiKeyAlgorithm prefixes stored API key hashes.
const apiKeyAlgorithm = "sha512"

// HashBytes returns the lowercase hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the SHA-256 digest of the file at path without loading it
// into memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// Equal compares two hex digests in constant time. Case is ignored so that
// peers sending uppercase hex still verify.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// HashAPIKey hashes a raw API key as "sha512$$<hex>". No salt is used, which
// is only acceptable because keys are generated with high entropy; never use
// this for passwords.
func HashAPIKey(raw string) string {
	sum := sha512.Sum512([]byte(raw))
	return apiKeyAlgorithm + "$$" + hex.EncodeToString(sum[:])
}

// VerifyAPIKey reports whether raw hashes to stored.
func VerifyAPIKey(raw, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(HashAPIKey(raw)), []byte(stored)) == 1
}
