// Package recordcrypto contains client-side primitives for encrypting persisted records.
package recordcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// KeyLen is the size of identity encryption keys issued by the backend.
const KeyLen = 16

var (
	errBlobTooShort = errors.New("blob too short")
	errEmptyKey     = errors.New("empty key")
)

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveRecordKey derives a per-record key via HKDF-SHA256 using the record name as info.
// The derived key has the same length as the identity key.
func DeriveRecordKey(identityKey []byte, name string) ([]byte, error) {
	if len(identityKey) == 0 {
		return nil, errEmptyKey
	}
	r := hkdf.New(sha256.New, identityKey, nil, []byte(name))
	key := make([]byte, len(identityKey))
	_, err := r.Read(key)
	return key, err
}

// Encrypt seals plaintext with AES-GCM under key and a random nonce.
// Output layout: nonce || ciphertext || tag.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt.
func Decrypt(key, blob []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, errBlobTooShort
	}
	nonce := blob[:aead.NonceSize()]
	ct := blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, errEmptyKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}
