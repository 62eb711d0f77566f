package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	ivSize  = 16
	tagSize = 16
)

var (
	ErrInvalidKey        = errors.New("cache: encryption key must be 64 hex characters")
	ErrInvalidCiphertext = errors.New("cache: invalid encrypted value format")
	ErrPlaintextRejected = errors.New("cache: plaintext value rejected in strict mode")
)

var encryptedShape = regexp.MustCompile(`^[a-fA-F0-9]{32}:[a-fA-F0-9]{32}:[a-fA-F0-9]*$`)

// Encryptor seals cache values with AES-256-GCM. The wire format is
// iv:authTag:ciphertext, each part hex-encoded. When Strict is false a stored
// value that does not match the format is passed through as legacy plaintext,
// which allows key rollout without flushing the cache.
type Encryptor struct {
	aead   cipher.AEAD
	strict bool
}

// NewEncryptor builds an Encryptor from a 64-hex-character key.
func NewEncryptor(keyHex string, strict bool) (*Encryptor, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead, strict: strict}, nil
}

// Encrypt seals plaintext into the iv:authTag:ciphertext format.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := e.aead.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag after the ciphertext.
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt opens a value produced by Encrypt. Values that do not match the
// encrypted shape are returned verbatim unless strict mode is enabled.
func (e *Encryptor) Decrypt(value string) ([]byte, error) {
	if !IsEncryptedValue(value) {
		if e.strict {
			return nil, ErrPlaintextRejected
		}
		return []byte(value), nil
	}
	parts := strings.SplitN(value, ":", 3)
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// IsEncryptedValue reports whether value matches the iv:authTag:ciphertext
// shape produced by Encrypt.
func IsEncryptedValue(value string) bool {
	return encryptedShape.MatchString(value)
}
