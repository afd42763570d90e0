package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	apiKeyPrefixLen = 8
	apiKeySecretLen = 32
	apiKeyAlphabet  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// GenerateAPIKey returns a fresh raw key of the form "<prefix>.<secret>".
func GenerateAPIKey() (string, error) {
	prefix, err := randomLetters(apiKeyPrefixLen)
	if err != nil {
		return "", err
	}
	secret, err := randomLetters(apiKeySecretLen)
	if err != nil {
		return "", err
	}
	return prefix + "." + secret, nil
}

func randomLetters(n int) (string, error) {
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		b[i] = apiKeyAlphabet[idx.Int64()]
	}
	return string(b), nil
}
