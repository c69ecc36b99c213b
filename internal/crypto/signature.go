// Package crypto hashes the app signatures the backend stores.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/argon2"
)

// SaltLen is the length of the salt NewSalt returns.
const SaltLen = 16

// Argon2id parameters. Verification is memoized by the caller, so a full
// hash runs once per app key and signature.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// NewSalt returns SaltLen random bytes.
func NewSalt() ([]byte, error) {
	b := make([]byte, SaltLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HashSignature returns the Argon2id hash of signature under salt.
func HashSignature(signature string, salt []byte) ([]byte, error) {
	if signature == "" {
		return nil, errors.New("empty app signature")
	}
	return argon2.IDKey([]byte(signature), salt, argonTime, argonMemory, argonThreads, argonKeyLen), nil
}

// VerifySignature reports whether signature hashes to want under salt.
func VerifySignature(signature string, salt, want []byte) bool {
	got, err := HashSignature(signature, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
