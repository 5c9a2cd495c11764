/*
Package security provides the authenticated-encryption envelope the
Storage Backend uses to seal every value it persists, and key
derivation from the enclave's master-key handle.

# Architecture

Every value written to storage passes through a Sealer before it
touches disk:

	┌────────────────────────────────────────────┐
	│                  Sealer                      │
	│   Seal(plaintext)   -> nonce || ciphertext    │
	│   Open(sealed)      -> plaintext, error       │
	└────────────────────┬─────────────────────────┘
	                     │ AES-256-GCM
	                     ▼
	        32-byte key derived from the master-key
	        handle via DeriveKey (SHA-256)

A failed Open (MAC mismatch, truncated input) never decrypts partial
data — it returns an error and nothing else, so a caller cannot
accidentally trust bit-flipped plaintext.
*/
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// Sealer seals and opens values with AES-256-GCM under a single key.
// It has no notion of entity kind or key layout — that belongs to the
// storage package, which treats Sealer as an opaque envelope.
type Sealer struct {
	key []byte // 32 bytes for AES-256
}

// NewSealer constructs a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Sealer{key: key}, nil
}

// NewSealerFromMasterKeyHandle derives a sealer key from the enclave's
// master-key handle material (§6's environment contract: a handle or
// path, never the plaintext key itself, in the persisted config).
func NewSealerFromMasterKeyHandle(handle []byte) (*Sealer, error) {
	if len(handle) == 0 {
		return nil, fmt.Errorf("master-key handle must not be empty")
	}
	return NewSealer(DeriveKey(handle))
}

// DeriveKey derives a 32-byte AES-256 key from arbitrary handle
// material via SHA-256.
func DeriveKey(handle []byte) []byte {
	sum := sha256.Sum256(handle)
	return sum[:]
}

// Seal encrypts plaintext with AES-256-GCM, prepending the nonce to
// the returned ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal. Any authentication failure
// is reported as an opaque error; the caller (pkg/storage) is
// responsible for translating that into apierr.Integrity.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}
