package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestSealer(t *testing.T, secret string) *Sealer {
	t.Helper()
	s, err := NewSealer(secret)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealer_Roundtrip(t *testing.T) {
	s := newTestSealer(t, "server-secret")
	inputs := [][]byte{
		{},
		[]byte("abcdefgh.ABCDEFGHIJKLMNOPQRSTUVWXYZabcdef"),
		bytes.Repeat([]byte{0x00, 0xff}, 300),
	}
	for _, in := range inputs {
		token, err := s.Seal(in)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		out, err := s.Open(token)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("roundtrip mismatch: got %q, want %q", out, in)
		}
	}
}

func TestSealer_RotatedSecretFails(t *testing.T) {
	token, err := newTestSealer(t, "old-secret").Seal([]byte("peer-key"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, err = newTestSealer(t, "new-secret").Open(token)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSealer_TamperedPayloadFails(t *testing.T) {
	s := newTestSealer(t, "server-secret")
	token, err := s.Seal([]byte("peer-key"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	parts := strings.Split(token, ".")
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]
	if _, err := s.Open(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := s.Open("garbage"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for malformed token, got %v", err)
	}
}

func TestNewSealer_EmptySecret(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestDeriveSubkey_IndependentPurposes(t *testing.T) {
	a, err := DeriveSubkey([]byte("secret"), purposeSeal)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveSubkey([]byte("secret"), purposeSign)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != keyLen || bytes.Equal(a, b) {
		t.Fatal("subkeys must be 32 bytes and differ per purpose")
	}
}

func TestGenerateAPIKey_Shape(t *testing.T) {
	k, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	parts := strings.Split(k, ".")
	if len(parts) != 2 || len(parts[0]) != apiKeyPrefixLen || len(parts[1]) != apiKeySecretLen {
		t.Fatalf("unexpected key shape %q", k)
	}
	k2, _ := GenerateAPIKey()
	if k == k2 {
		t.Fatal("keys should be random")
	}
}
