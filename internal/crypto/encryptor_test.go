package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-passphrase")
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("oauth-token-secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, "oauth-token-secret-value", ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "oauth-token-secret-value", plaintext)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-passphrase")
	require.NoError(t, err)

	first, err := enc.Encrypt("same-secret")
	require.NoError(t, err)
	second, err := enc.Encrypt("same-secret")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptWithWrongPassphrase(t *testing.T) {
	enc1, err := NewCredentialEncryptor("passphrase-one")
	require.NoError(t, err)
	enc2, err := NewCredentialEncryptor("passphrase-two")
	require.NoError(t, err)

	ciphertext, err := enc1.Encrypt("secret")
	require.NoError(t, err)

	_, err = enc2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, err := NewCredentialEncryptor("test-passphrase")
	require.NoError(t, err)

	_, err = enc.Decrypt("not base64!!!")
	assert.Error(t, err)

	_, err = enc.Decrypt("aGVsbG8=") // valid base64, too short for a nonce
	assert.Error(t, err)
}

func TestEmptyPassphraseRejected(t *testing.T) {
	_, err := NewCredentialEncryptor("")
	assert.Error(t, err)
}
