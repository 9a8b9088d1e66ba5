// Package crypto provides AES-256-GCM encryption for service connection
// credentials stored at rest.
//
// Each encryption uses a fresh random nonce, so encrypting the same
// credential twice produces different ciphertexts. The key is derived from
// the configured passphrase with PBKDF2 so any non-empty passphrase yields
// a full-strength 32-byte AES key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"triggerhappy/internal/common/errors"
)

// pbkdf2Salt is static: the derived key only needs to be deterministic per
// passphrase, uniqueness across records comes from the per-message nonce.
var pbkdf2Salt = []byte("triggerhappy-credential-store")

const pbkdf2Iterations = 10000

// CredentialEncryptor encrypts and decrypts opaque credential strings.
// Safe for concurrent use.
type CredentialEncryptor struct {
	key []byte
}

// NewCredentialEncryptor derives an AES-256 key from the passphrase
func NewCredentialEncryptor(passphrase string) (*CredentialEncryptor, error) {
	if passphrase == "" {
		return nil, errors.ConfigError("encryption passphrase must not be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), pbkdf2Salt, pbkdf2Iterations, 32, sha256.New)
	return &CredentialEncryptor{key: key}, nil
}

// Encrypt returns the base64 ciphertext of plaintext
func (e *CredentialEncryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("creating cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("creating GCM", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("generating nonce", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Fails if the ciphertext was tampered with or
// produced under a different passphrase.
func (e *CredentialEncryptor) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.ValidationError("ciphertext is not valid base64")
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", errors.InternalError("creating cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.InternalError("creating GCM", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.ValidationError("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.AuthError("credential decryption failed")
	}

	return string(plaintext), nil
}
