package crypto

import (
	"bytes"
	"testing"
)

func TestNewSalt(t *testing.T) {
	t.Parallel()

	a, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	b, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt(2): %v", err)
	}
	if len(a) != SaltLen || len(b) != SaltLen {
		t.Fatalf("len=%d/%d, want %d", len(a), len(b), SaltLen)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two salts are equal")
	}
}

func TestHashSignature(t *testing.T) {
	t.Parallel()

	salt := []byte("0123456789abcdef")
	h1, err := HashSignature("sig-1", salt)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := HashSignature("sig-1", salt)
	if !bytes.Equal(h1, h2) {
		t.Fatalf("hash not deterministic for same input")
	}
	if h3, _ := HashSignature("sig-1", []byte("fedcba9876543210")); bytes.Equal(h1, h3) {
		t.Fatalf("hash should differ when salt differs")
	}
	if h4, _ := HashSignature("sig-2", salt); bytes.Equal(h1, h4) {
		t.Fatalf("hash should differ when signature differs")
	}
	if _, err := HashSignature("", salt); err == nil {
		t.Fatalf("want error for empty signature")
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	salt, _ := NewSalt()
	want, err := HashSignature("app-signature", salt)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if !VerifySignature("app-signature", salt, want) {
		t.Fatalf("expected true for the registered signature")
	}
	if VerifySignature("app-signature!", salt, want) {
		t.Fatalf("expected false for a different signature")
	}
	if VerifySignature("app-signature", []byte("other-salt------"), want) {
		t.Fatalf("expected false for a different salt")
	}
	if VerifySignature("", salt, want) {
		t.Fatalf("expected false for an empty signature")
	}
}
