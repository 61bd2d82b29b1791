// Package cryptobox provides the symmetric authenticated encryption primitive
// used for all at-rest data, plus deterministic per-user key derivation.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of a derived encryption key (AES-256).
const KeySize = 32

// MinRootSecretSize is the minimum length of the device root secret.
const MinRootSecretSize = 32

// Cryptographic errors.
var (
	// ErrAuthenticationFailed is returned when a ciphertext fails its
	// integrity check. The data is either corrupted or was sealed under a
	// different key. No partial plaintext is ever returned.
	ErrAuthenticationFailed = errors.New("cryptobox: authentication failed")

	// ErrCiphertextTooShort is returned when a ciphertext is shorter than
	// the nonce prefix and cannot possibly be valid.
	ErrCiphertextTooShort = errors.New("cryptobox: ciphertext too short")

	// ErrRootSecretTooShort is returned when the device root secret is
	// below MinRootSecretSize.
	ErrRootSecretTooShort = errors.New("cryptobox: root secret too short")

	// ErrEmptyUserID is returned when key derivation is attempted for an
	// empty user identifier.
	ErrEmptyUserID = errors.New("cryptobox: user ID cannot be empty")
)

// derivationSalt domain-separates chartsync keys from any other use of the
// same root secret. Changing it invalidates every key ever derived.
var derivationSalt = []byte("chartsync/securestore/v1")

// Key is a derived symmetric key.
type Key [KeySize]byte

// Deriver produces per-user keys from a device root secret using
// HKDF-SHA256. Derivation is deterministic: the same user ID always yields
// the same key on the same device.
type Deriver struct {
	rootSecret []byte
}

// NewDeriver creates a Deriver from the device root secret.
func NewDeriver(rootSecret []byte) (*Deriver, error) {
	if len(rootSecret) < MinRootSecretSize {
		return nil, ErrRootSecretTooShort
	}
	secret := make([]byte, len(rootSecret))
	copy(secret, rootSecret)
	return &Deriver{rootSecret: secret}, nil
}

// DeriveKey derives the encryption key for the given user.
// Distinct user IDs yield unrelated keys, which is the basis of per-user
// namespace isolation in the secure store.
func (d *Deriver) DeriveKey(userID string) (Key, error) {
	var key Key
	if userID == "" {
		return key, ErrEmptyUserID
	}
	r := hkdf.New(sha256.New, d.rootSecret, derivationSalt, []byte(userID))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Key{}, fmt.Errorf("cryptobox: key derivation failed: %w", err)
	}
	return key, nil
}

// Seal encrypts and authenticates plaintext with AES-256-GCM.
// A fresh random nonce is generated per call and prepended to the
// ciphertext, so sealing the same plaintext twice produces different
// outputs.
func Seal(key Key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: nonce generation failed: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a ciphertext produced by Seal.
// It fails closed: any tag mismatch returns ErrAuthenticationFailed and no
// plaintext.
func Open(key Key, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// newGCM constructs the AEAD for a key.
func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptobox: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: GCM init failed: %w", err)
	}
	return aead, nil
}
