package security

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKeyPair(t *testing.T) ([]byte, []byte) {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return privKey.Serialize(), privKey.PubKey().SerializeCompressed()
}

func randomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestECIESEncrypt_Basic(t *testing.T) {
	_, recipientPubKey := generateTestKeyPair(t)
	ciphertext, err := ECIESEncrypt(recipientPubKey, randomBytes(t, 32), randomBytes(t, 32))
	require.NoError(t, err)
	assert.Equal(t, 97, len(ciphertext))
}

func TestECIESEncrypt_Deterministic(t *testing.T) {
	_, recipientPubKey := generateTestKeyPair(t)
	plaintext := randomBytes(t, 32)
	randomness := randomBytes(t, 32)

	ciphertext1, err := ECIESEncrypt(recipientPubKey, plaintext, randomness)
	require.NoError(t, err)
	ciphertext2, err := ECIESEncrypt(recipientPubKey, plaintext, randomness)
	require.NoError(t, err)
	assert.Equal(t, ciphertext1, ciphertext2)
	assert.True(t, ECIESVerifyCiphertext(recipientPubKey, plaintext, randomness, ciphertext1))
	assert.False(t, ECIESVerifyCiphertext(recipientPubKey, randomBytes(t, 32), randomness, ciphertext1))
}

func TestECIESDecrypt_RoundTrip(t *testing.T) {
	priv, pub := generateTestKeyPair(t)
	plaintext := randomBytes(t, 32)

	ciphertext, err := ECIESEncryptRandom(pub, plaintext)
	require.NoError(t, err)

	got, err := ECIESDecrypt(priv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestECIESDecrypt_WrongKey(t *testing.T) {
	_, pub := generateTestKeyPair(t)
	otherPriv, _ := generateTestKeyPair(t)

	ciphertext, err := ECIESEncryptRandom(pub, randomBytes(t, 32))
	require.NoError(t, err)

	_, err = ECIESDecrypt(otherPriv, ciphertext)
	assert.ErrorIs(t, err, ErrMacVerificationFailed)
}

func TestECIESDecrypt_Tampered(t *testing.T) {
	priv, pub := generateTestKeyPair(t)
	ciphertext, err := ECIESEncryptRandom(pub, randomBytes(t, 32))
	require.NoError(t, err)

	ciphertext[40] ^= 0x01
	_, err = ECIESDecrypt(priv, ciphertext)
	assert.ErrorIs(t, err, ErrMacVerificationFailed)

	_, err = ECIESDecrypt(priv, ciphertext[:Overhead])
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = ECIESDecrypt(priv[:31], ciphertext)
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestOperatorPubKey(t *testing.T) {
	priv, pub := generateTestKeyPair(t)
	got, err := OperatorPubKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}
