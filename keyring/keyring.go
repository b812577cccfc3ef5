// Package keyring implements the key hierarchy: operator passphrase →
// master key → per-user keys → per-message ciphertext, plus board keys.
// Keys at rest are always AEAD-wrapped; the master key lives only in memory.
package keyring

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize  = 32
	SaltSize = 16
)

var (
	// ErrWrongPassphrase is returned when a wrapped key fails to
	// authenticate under the derived master key.
	ErrWrongPassphrase = errors.New("wrong passphrase: wrapped key failed to authenticate")

	// ErrAuthTag is returned when a ciphertext fails authentication.
	// Treated as tampering; the operation fails.
	ErrAuthTag = errors.New("ciphertext authentication failed")
)

// Params are the argon2id tuning knobs. Defaults target a Raspberry Pi.
type Params struct {
	Time        uint32
	MemoryKB    uint32
	Parallelism uint8
}

func DefaultParams() Params {
	return Params{Time: 3, MemoryKB: 32 * 1024, Parallelism: 1}
}

// DeriveKey runs argon2id over a password and salt, producing a 32-byte key.
func DeriveKey(password string, salt []byte, p Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKB, p.Parallelism, KeySize)
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// NewKey returns a fresh random encryption key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// messageAAD binds uuid||created_at_us into a ciphertext so swapping
// ciphertexts across rows fails authentication.
func messageAAD(uuid string, createdMicros int64) []byte {
	return []byte(uuid + strconv.FormatInt(createdMicros, 10))
}

// Seal AEAD-encrypts plaintext under key with a random 12-byte nonce,
// binding the message identity into the associated data. Output is
// nonce || ciphertext.
func Seal(plaintext, key []byte, uuid string, createdMicros int64) ([]byte, error) {
	return seal(plaintext, key, messageAAD(uuid, createdMicros))
}

// Open reverses Seal. Fails with ErrAuthTag if the key or the bound
// (uuid, created_at) do not match.
func Open(ciphertext, key []byte, uuid string, createdMicros int64) ([]byte, error) {
	return open(ciphertext, key, messageAAD(uuid, createdMicros))
}

// WrapKey encrypts an inner key under an outer key for storage at rest.
func WrapKey(inner, outer []byte) ([]byte, error) {
	return seal(inner, outer, []byte("advbbs-key-wrap"))
}

// UnwrapKey reverses WrapKey. Fails with ErrWrongPassphrase when the outer
// key (typically derived from the operator passphrase) is wrong.
func UnwrapKey(wrapped, outer []byte) ([]byte, error) {
	inner, err := open(wrapped, outer, []byte("advbbs-key-wrap"))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return inner, nil
}

func seal(plaintext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(ciphertext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, ErrAuthTag
	}
	nonce, body := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrAuthTag
	}
	return plaintext, nil
}

// Verifier is a stored password verifier: per-user salt plus argon2id hash.
type Verifier struct {
	Salt []byte
	Hash []byte
}

// NewVerifier hashes a password with a fresh per-user salt.
func NewVerifier(password string, p Params) (*Verifier, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	return &Verifier{Salt: salt, Hash: DeriveKey(password, salt, p)}, nil
}

// Check reports whether password matches the verifier, in constant time.
func (v *Verifier) Check(password string, p Params) bool {
	hash := DeriveKey(password, v.Salt, p)
	return subtle.ConstantTimeCompare(hash, v.Hash) == 1
}

// Zero clears key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
