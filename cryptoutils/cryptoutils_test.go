package cryptoutils

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypairWrapUnwrap(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "symmetric key", data: bytes.Repeat([]byte{0xAB}, 32)},
		{name: "short", data: []byte("s")},
		{name: "binary", data: []byte{0x00, 0x01, 0xFF, 0xFE}},
		{name: "long", data: make([]byte, 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := EncryptWithPublicKey(pub, tc.data)
			require.NoError(t, err)

			decrypted, err := DecryptWithPrivateKey(priv, encrypted)
			require.NoError(t, err)
			assert.Equal(t, tc.data, decrypted)

			// Fresh ephemeral key per wrap
			encrypted2, err := EncryptWithPublicKey(pub, tc.data)
			require.NoError(t, err)
			assert.NotEqual(t, encrypted, encrypted2, "wrapping must not be deterministic")
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	pub, _, err := GenerateKeypair()
	require.NoError(t, err)
	_, otherPriv, err := GenerateKeypair()
	require.NoError(t, err)

	encrypted, err := EncryptWithPublicKey(pub, []byte("secret"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPriv, encrypted)
	assert.Error(t, err, "decrypting with a different private key should fail")
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	data := []byte("sigchain transaction payload")
	sig, err := Sign(priv, data)
	require.NoError(t, err)

	assert.NoError(t, Verify(pub, data, sig))
	assert.Error(t, Verify(pub, []byte("tampered"), sig))

	otherPub, _, err := GenerateKeypair()
	require.NoError(t, err)
	assert.Error(t, Verify(otherPub, data, sig))
}

func TestMessageRoundTrip(t *testing.T) {
	key, err := NewSymmetricKey()
	require.NoError(t, err)
	sessionID := uuid.NewString()

	encrypted, err := key.EncryptMessage(sessionID, "hello veil")
	require.NoError(t, err)

	parsedID, err := SessionIDFromMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, sessionID, parsedID)

	clear, err := key.DecryptMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "hello veil", clear)

	// A different session key must not open the container.
	otherKey, err := NewSymmetricKey()
	require.NoError(t, err)
	_, err = otherKey.DecryptMessage(encrypted)
	assert.Error(t, err)
}

func TestFileRoundTrip(t *testing.T) {
	key, err := NewSymmetricKey()
	require.NoError(t, err)
	sessionID := uuid.NewString()
	content := make([]byte, 1<<16)
	_, err = rand.Read(content)
	require.NoError(t, err)

	encrypted, err := key.EncryptFile(sessionID, "report.pdf", content)
	require.NoError(t, err)

	parsedID, err := SessionIDFromFile(encrypted)
	require.NoError(t, err)
	assert.Equal(t, sessionID, parsedID)

	gotID, filename, gotContent, err := key.DecryptFile(encrypted)
	require.NoError(t, err)
	assert.Equal(t, sessionID, gotID)
	assert.Equal(t, "report.pdf", filename)
	assert.Equal(t, content, gotContent)
}

func TestFileContainerRejectsGarbage(t *testing.T) {
	key, err := NewSymmetricKey()
	require.NoError(t, err)

	_, _, _, err = key.DecryptFile([]byte("not a container at all"))
	assert.Error(t, err)

	_, err = SessionIDFromFile([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestRawEncryptDecrypt(t *testing.T) {
	key, err := NewSymmetricKey()
	require.NoError(t, err)
	inner, err := NewSymmetricKey()
	require.NoError(t, err)

	wrapped, err := key.Encrypt(inner)
	require.NoError(t, err)
	unwrapped, err := key.Decrypt(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte(inner), unwrapped)
}

func TestOverEncryption(t *testing.T) {
	key := make([]byte, OverEncryptionKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	data := []byte("doubly wrapped session key")
	wrapped, err := OverEncrypt(key, data)
	require.NoError(t, err)

	unwrapped, err := OverDecrypt(key, wrapped)
	require.NoError(t, err)
	assert.Equal(t, data, unwrapped)
}

func TestOverEncryptionKeyMismatch(t *testing.T) {
	key := make([]byte, OverEncryptionKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	wrapped, err := OverEncrypt(key, []byte("payload"))
	require.NoError(t, err)

	wrongKey := make([]byte, OverEncryptionKeySize)
	_, err = rand.Read(wrongKey)
	require.NoError(t, err)

	_, err = OverDecrypt(wrongKey, wrapped)
	assert.ErrorIs(t, err, ErrOverEncryptionKeyMismatch)
}

func TestOverEncryptionKeyLength(t *testing.T) {
	_, err := OverEncrypt(make([]byte, 32), []byte("payload"))
	assert.Error(t, err, "a 32-byte key must be rejected")

	_, err = OverDecrypt(make([]byte, 65), []byte("payload"))
	assert.Error(t, err, "a 65-byte key must be rejected")
}

func TestDeriveOverEncryptionKey(t *testing.T) {
	key1 := DeriveOverEncryptionKey("correct horse battery staple", []byte("user-1"))
	key2 := DeriveOverEncryptionKey("correct horse battery staple", []byte("user-1"))
	assert.Equal(t, key1, key2, "derivation must be deterministic")
	assert.Len(t, key1, OverEncryptionKeySize)

	key3 := DeriveOverEncryptionKey("correct horse battery staple", []byte("user-2"))
	assert.NotEqual(t, key1, key3, "different salts must derive different keys")
}
