package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestNewEncryptorRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "empty", key: ""},
		{name: "too short", key: "abcd"},
		{name: "not hex", key: strings.Repeat("zz", 32)},
		{name: "odd length", key: strings.Repeat("a", 63)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEncryptor(tt.key, false)
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey, false)
	require.NoError(t, err)

	plaintext := []byte(`{"score":7,"level":"suspicious"}`)
	sealed, err := enc.Encrypt(plaintext)
	require.NoError(t, err)

	assert.True(t, IsEncryptedValue(sealed))
	assert.NotContains(t, sealed, "suspicious")

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncryptUsesFreshIV(t *testing.T) {
	enc, err := NewEncryptor(testKey, false)
	require.NoError(t, err)

	a, err := enc.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := enc.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptLegacyPlaintext(t *testing.T) {
	enc, err := NewEncryptor(testKey, false)
	require.NoError(t, err)

	opened, err := enc.Decrypt(`{"cached":"before-encryption-rollout"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"cached":"before-encryption-rollout"}`, string(opened))
}

func TestDecryptStrictModeRejectsPlaintext(t *testing.T) {
	enc, err := NewEncryptor(testKey, true)
	require.NoError(t, err)

	_, err = enc.Decrypt("plain value")
	assert.ErrorIs(t, err, ErrPlaintextRejected)
}

func TestDecryptTamperedValueFails(t *testing.T) {
	enc, err := NewEncryptor(testKey, false)
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	// Flip a ciphertext character while keeping the format valid.
	tampered := []byte(sealed)
	last := tampered[len(tampered)-1]
	if last == 'a' {
		tampered[len(tampered)-1] = 'b'
	} else {
		tampered[len(tampered)-1] = 'a'
	}

	_, err = enc.Decrypt(string(tampered))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc, err := NewEncryptor(testKey, false)
	require.NoError(t, err)
	other, err := NewEncryptor(strings.Repeat("ef", 32), false)
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestIsEncryptedValue(t *testing.T) {
	assert.False(t, IsEncryptedValue("plain"))
	assert.False(t, IsEncryptedValue("a:b:c"))
	assert.False(t, IsEncryptedValue(strings.Repeat("0", 32)+":"+strings.Repeat("0", 31)+":aa"))
	assert.True(t, IsEncryptedValue(strings.Repeat("0", 32)+":"+strings.Repeat("f", 32)+":deadbeef"))
}
