package crypto

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/collider/dkls-engine/internal/engineerr"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, transportKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return key
}

func TestTransportEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "short message", plaintext: "hello"},
		{name: "empty message", plaintext: ""},
		{name: "json payload", plaintext: `{"round":1,"content":"abc"}`},
	}

	env := NewTransportEnvelope()
	if err := env.SetKey(mustKey(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := env.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("unexpected error encrypting: %v", err)
			}
			plaintext, err := env.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("unexpected error decrypting: %v", err)
			}
			if plaintext != tt.plaintext {
				t.Errorf("got %q, want %q", plaintext, tt.plaintext)
			}
		})
	}
}

func TestTransportEnvelopeFreshIVPerMessage(t *testing.T) {
	env := NewTransportEnvelope()
	if err := env.SetKey(mustKey(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, err := env.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := env.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Error("expected distinct ciphertexts for identical plaintext (fresh iv per message)")
	}
}

func TestTransportEnvelopeSetKeyTwiceFails(t *testing.T) {
	env := NewTransportEnvelope()
	if err := env.SetKey(mustKey(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.SetKey(mustKey(t)); !engineerr.Is(err, engineerr.Fatal) {
		t.Errorf("expected Fatal error on second SetKey, got %v", err)
	}
}

func TestTransportEnvelopeEncryptWithoutKeyFails(t *testing.T) {
	env := NewTransportEnvelope()
	if _, err := env.Encrypt("x"); !engineerr.Is(err, engineerr.Fatal) {
		t.Errorf("expected Fatal error, got %v", err)
	}
}

func TestTransportEnvelopeDecryptWrongKeyFails(t *testing.T) {
	envA := NewTransportEnvelope()
	_ = envA.SetKey(mustKey(t))
	envB := NewTransportEnvelope()
	_ = envB.SetKey(mustKey(t))

	ciphertext, err := envA.Encrypt("secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := envB.Decrypt(ciphertext); !engineerr.Is(err, engineerr.InvalidMessage) {
		t.Errorf("expected InvalidMessage error decrypting under wrong key, got %v", err)
	}
}

func TestTransportEnvelopeDecryptMalformedFails(t *testing.T) {
	env := NewTransportEnvelope()
	_ = env.SetKey(mustKey(t))

	if _, err := env.Decrypt("not-valid-base64!!"); !engineerr.Is(err, engineerr.InvalidMessage) {
		t.Errorf("expected InvalidMessage error, got %v", err)
	}
}

func TestTransportEnvelopeRecursionGuard(t *testing.T) {
	env := NewTransportEnvelope()
	_ = env.SetKey(mustKey(t))

	env.mu.Lock()
	env.encrypting = true
	env.mu.Unlock()

	if _, err := env.Encrypt("x"); !engineerr.Is(err, engineerr.Fatal) {
		t.Errorf("expected Fatal error from recursion guard, got %v", err)
	}

	env.mu.Lock()
	env.encrypting = false
	env.mu.Unlock()
}

func TestTransportEnvelopeOutputIsNotPlaintext(t *testing.T) {
	env := NewTransportEnvelope()
	_ = env.SetKey(mustKey(t))

	plaintext := "do not leak this"
	ciphertext, err := env.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bytes.Contains([]byte(ciphertext), []byte(plaintext)) {
		t.Error("ciphertext should not contain the plaintext")
	}
}
