package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// OverEncryptionKeySize is the required length of an over-encryption key:
// 32 bytes for the cipher, 32 bytes for the authentication tag.
const OverEncryptionKeySize = 64

// ErrOverEncryptionKeyMismatch reports that the over-encryption key does not
// match the one the data was wrapped under. Detected from the authentication
// tag before any decryption attempt.
var ErrOverEncryptionKeyMismatch = fmt.Errorf("over-encryption key mismatch")

func splitOverEncryptionKey(key []byte) (encKey, macKey []byte, err error) {
	if len(key) != OverEncryptionKeySize {
		return nil, nil, fmt.Errorf("over-encryption key must be %d bytes, got %d", OverEncryptionKeySize, len(key))
	}
	return key[:32], key[32:], nil
}

// OverEncrypt additionally wraps data under a 64-byte over-encryption key.
// Output format: [HMAC-SHA256 tag (32 bytes)][nonce][ciphertext].
func OverEncrypt(key, data []byte) ([]byte, error) {
	encKey, macKey, err := splitOverEncryptionKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, data, nil)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(sealed)
	return append(mac.Sum(nil), sealed...), nil
}

// OverDecrypt unwraps data wrapped with OverEncrypt. A wrong key is reported
// as ErrOverEncryptionKeyMismatch from the tag check, before any decryption
// attempt.
func OverDecrypt(key, encrypted []byte) ([]byte, error) {
	encKey, macKey, err := splitOverEncryptionKey(key)
	if err != nil {
		return nil, err
	}
	if len(encrypted) < sha256.Size {
		return nil, fmt.Errorf("over-encrypted data too short")
	}

	tag, sealed := encrypted[:sha256.Size], encrypted[sha256.Size:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(sealed)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, ErrOverEncryptionKeyMismatch
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("over-encrypted data too short")
	}
	plaintext, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DeriveOverEncryptionKey creates a deterministic 64-byte over-encryption
// key from a password using Argon2id, for password-protected identity
// backups. The salt should be stable per user, for example the user id.
func DeriveOverEncryptionKey(password string, salt []byte) []byte {
	// Parameters: time=1, memory=64MB, threads=4.
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, OverEncryptionKeySize)
}
