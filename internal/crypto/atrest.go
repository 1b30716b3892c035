package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/collider/dkls-engine/internal/engineerr"
)

const (
	atRestSaltSize    = 32
	atRestIVSize      = 16
	atRestKeySize     = 32 // AES-256
	atRestIterations  = 100000
	atRestVersion     = "1.0"
	atRestAlgorithm   = "AES-256-GCM"
	atRestKeyDerivation = "PBKDF2-SHA256"
)

// AtRestEnvelope is the persisted, self-describing encryption record
// for a keyshare (spec.md §4.3). Every field needed to decrypt (salt,
// iv, algorithm, iteration count) travels with the ciphertext.
type AtRestEnvelope struct {
	Version       string            `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Salt          []byte            `json:"salt"`
	IV            []byte            `json:"iv"`
	EncryptedData []byte            `json:"encrypted_data"`
	Checksum      string            `json:"checksum"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Algorithm     string            `json:"algorithm"`
	KeyDerivation string            `json:"key_derivation"`
	Iterations    int               `json:"iterations"`
	UsePasskey    bool              `json:"use_passkey"`
}

// Seal encrypts plaintext under a key derived from passphrase with a
// fresh random salt and IV, returning a fully self-describing
// envelope.
func Seal(plaintext []byte, passphrase string, metadata map[string]string) (*AtRestEnvelope, error) {
	salt := make([]byte, atRestSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to generate salt", err)
	}
	iv := make([]byte, atRestIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to generate iv", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, atRestIterations, atRestKeySize, sha256.New)
	gcm, err := newGCM(key, atRestIVSize)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to build cipher", err)
	}

	encrypted := gcm.Seal(nil, iv, plaintext, nil)
	checksum := sha256.Sum256(encrypted)

	return &AtRestEnvelope{
		Version:       atRestVersion,
		Timestamp:     time.Now(),
		Salt:          salt,
		IV:            iv,
		EncryptedData: encrypted,
		Checksum:      hex.EncodeToString(checksum[:]),
		Metadata:      metadata,
		Algorithm:     atRestAlgorithm,
		KeyDerivation: atRestKeyDerivation,
		Iterations:    atRestIterations,
		UsePasskey:    false,
	}, nil
}

// Open validates env structurally and by checksum, then decrypts it
// under a key derived from passphrase using env's own salt and
// iteration count. Any structural or checksum failure is reported as
// CorruptData (spec.md §4.3, §7); the caller may fall back to a .bak
// copy.
func Open(env *AtRestEnvelope, passphrase string) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}

	checksum := sha256.Sum256(env.EncryptedData)
	if hex.EncodeToString(checksum[:]) != env.Checksum {
		return nil, engineerr.New(engineerr.CorruptData, "checksum mismatch")
	}

	iterations := env.Iterations
	if iterations <= 0 {
		iterations = atRestIterations
	}
	key := pbkdf2.Key([]byte(passphrase), env.Salt, iterations, atRestKeySize, sha256.New)

	gcm, err := newGCM(key, atRestIVSize)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.Fatal, "failed to build cipher", err)
	}

	plaintext, err := gcm.Open(nil, env.IV, env.EncryptedData, nil)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CorruptData, "decryption failed", err)
	}
	return plaintext, nil
}

func validateEnvelope(env *AtRestEnvelope) error {
	if env == nil {
		return engineerr.New(engineerr.CorruptData, "envelope is nil")
	}
	if len(env.Salt) != atRestSaltSize {
		return engineerr.New(engineerr.CorruptData, fmt.Sprintf("salt must be %d bytes", atRestSaltSize))
	}
	if len(env.IV) != atRestIVSize {
		return engineerr.New(engineerr.CorruptData, fmt.Sprintf("iv must be %d bytes", atRestIVSize))
	}
	if len(env.EncryptedData) == 0 {
		return engineerr.New(engineerr.CorruptData, "encrypted_data is empty")
	}
	if env.Checksum == "" {
		return engineerr.New(engineerr.CorruptData, "checksum is missing")
	}
	if env.Algorithm == "" {
		return engineerr.New(engineerr.CorruptData, "algorithm is missing")
	}
	return nil
}
