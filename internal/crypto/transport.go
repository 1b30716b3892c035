// Package crypto implements CryptoEnvelope in both of its modes
// (spec.md §4.3): a transport envelope wrapping per-message session
// traffic in AES-256-GCM under a fixed connection key, and an at-rest
// envelope protecting persisted keyshares under a passphrase-derived
// key. Both are adapted from the teacher's storage.go AES-GCM/PBKDF2
// pair, split out into standalone, reusable envelope types.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"sync"

	"github.com/collider/dkls-engine/internal/engineerr"
)

const (
	transportKeySize = 32 // AES-256
	transportIVSize  = 12 // GCM standard nonce size
)

// TransportEnvelope wraps per-message traffic on a single connection.
// The key is write-once: Encrypt/Decrypt before SetKey return a Fatal
// error. Concurrent Encrypt calls on the same envelope are rejected
// with a Fatal error (spec.md §4.3's recursion guard, §8's boundary
// behavior).
type TransportEnvelope struct {
	mu        sync.Mutex
	key       []byte
	encrypting bool
}

// NewTransportEnvelope returns an envelope with no key set.
func NewTransportEnvelope() *TransportEnvelope {
	return &TransportEnvelope{}
}

// SetKey installs the fixed 32-byte AES-256 key for this connection.
// Calling it a second time is rejected: the key is fixed once set.
func (e *TransportEnvelope) SetKey(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(key) != transportKeySize {
		return engineerr.New(engineerr.Fatal, "transport key must be 32 bytes")
	}
	if e.key != nil {
		return engineerr.New(engineerr.Fatal, "transport key already set")
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	e.key = cp
	return nil
}

// HasKey reports whether SetKey has been called.
func (e *TransportEnvelope) HasKey() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key != nil
}

// Encrypt produces base64(IV ‖ AES-256-GCM(plaintext, tag)) with a
// fresh 12-byte IV. Rejects a recursive call made while another
// Encrypt on the same envelope is in flight (the cooperative model's
// stand-in for the spec's "reentrant encrypt during await" guard).
func (e *TransportEnvelope) Encrypt(plaintext string) (string, error) {
	e.mu.Lock()
	if e.encrypting {
		e.mu.Unlock()
		return "", engineerr.New(engineerr.Fatal, "recursive encrypt call rejected")
	}
	if e.key == nil {
		e.mu.Unlock()
		return "", engineerr.New(engineerr.Fatal, "encryption key not set")
	}
	e.encrypting = true
	key := e.key
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.encrypting = false
		e.mu.Unlock()
	}()

	gcm, err := newGCM(key, transportIVSize)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Fatal, "failed to build cipher", err)
	}

	iv := make([]byte, transportIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", engineerr.Wrap(engineerr.Fatal, "failed to generate iv", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	out := append(iv, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt is the inverse of Encrypt. Any failure (malformed base64,
// short input, authentication failure) is reported as an
// InvalidMessage error: the caller is expected to drop the single
// message, not tear down the connection (spec.md §4.3, §7).
func (e *TransportEnvelope) Decrypt(encoded string) (string, error) {
	e.mu.Lock()
	key := e.key
	e.mu.Unlock()
	if key == nil {
		return "", engineerr.New(engineerr.Fatal, "decryption key not set")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", engineerr.Wrap(engineerr.InvalidMessage, "malformed base64 payload", err)
	}
	if len(raw) < transportIVSize {
		return "", engineerr.New(engineerr.InvalidMessage, "payload shorter than iv")
	}

	gcm, err := newGCM(key, transportIVSize)
	if err != nil {
		return "", engineerr.Wrap(engineerr.Fatal, "failed to build cipher", err)
	}

	iv, ciphertext := raw[:transportIVSize], raw[transportIVSize:]
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", engineerr.Wrap(engineerr.InvalidMessage, "decryption failed", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if nonceSize == 12 {
		return cipher.NewGCM(block)
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
