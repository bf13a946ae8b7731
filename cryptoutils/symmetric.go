package cryptoutils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// SymmetricKeySize is the length of a session content key.
const SymmetricKeySize = 32

// SymmetricKey is a session's symmetric content key.
type SymmetricKey []byte

// NewSymmetricKey generates a fresh random content key.
func NewSymmetricKey() (SymmetricKey, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("could not generate symmetric key: %w", err)
	}
	return key, nil
}

// Validate checks the key length.
func (k SymmetricKey) Validate() error {
	if len(k) != SymmetricKeySize {
		return fmt.Errorf("symmetric key must be %d bytes, got %d", SymmetricKeySize, len(k))
	}
	return nil
}

const (
	containerVersion = 1
	// messageOverhead is version byte + session uuid + GCM nonce.
	messageOverhead = 1 + 16 + 12
)

// fileMagic marks an encrypted file container.
var fileMagic = []byte("VEILSF")

func (k SymmetricKey) gcm() (cipher.AEAD, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// seal produces [version][session uuid][nonce][ciphertext].
func (k SymmetricKey) seal(sessionID string, plaintext []byte) ([]byte, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	aead, err := k.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, messageOverhead+len(plaintext)+aead.Overhead())
	out = append(out, containerVersion)
	out = append(out, id[:]...)
	out = append(out, nonce...)
	// The clear header is bound into the authentication tag.
	return aead.Seal(out, nonce, plaintext, out[:messageOverhead]), nil
}

// open parses rest of a container after its magic (if any) and decrypts it.
func (k SymmetricKey) open(container []byte) (string, []byte, error) {
	sessionID, err := sessionIDFromContainer(container)
	if err != nil {
		return "", nil, err
	}
	aead, err := k.gcm()
	if err != nil {
		return "", nil, err
	}
	nonce := container[1+16 : messageOverhead]
	plaintext, err := aead.Open(nil, nonce, container[messageOverhead:], container[:messageOverhead])
	if err != nil {
		return "", nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return sessionID, plaintext, nil
}

func sessionIDFromContainer(container []byte) (string, error) {
	if len(container) < messageOverhead {
		return "", errors.New("container too short")
	}
	if container[0] != containerVersion {
		return "", fmt.Errorf("unsupported container version %d", container[0])
	}
	id, err := uuid.FromBytes(container[1 : 1+16])
	if err != nil {
		return "", fmt.Errorf("invalid session id in container: %w", err)
	}
	return id.String(), nil
}

// EncryptMessage seals a clear message for the given session and returns the
// base64 container string.
func (k SymmetricKey) EncryptMessage(sessionID, clearMessage string) (string, error) {
	sealed, err := k.seal(sessionID, []byte(clearMessage))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptMessage opens a base64 container string and returns the clear
// message. The container must belong to the session this key is for.
func (k SymmetricKey) DecryptMessage(encryptedMessage string) (string, error) {
	container, err := base64.StdEncoding.DecodeString(encryptedMessage)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted message encoding: %w", err)
	}
	_, plaintext, err := k.open(container)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SessionIDFromMessage extracts the session id from an encrypted message
// without decrypting it.
func SessionIDFromMessage(encryptedMessage string) (string, error) {
	container, err := base64.StdEncoding.DecodeString(encryptedMessage)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted message encoding: %w", err)
	}
	return sessionIDFromContainer(container)
}

// EncryptFile seals a file's content and name for the given session.
// Output format: [magic][container], where the container plaintext is
// [filename length (2 bytes)][filename][content].
func (k SymmetricKey) EncryptFile(sessionID, filename string, content []byte) ([]byte, error) {
	if len(filename) > 0xffff {
		return nil, errors.New("filename too long")
	}
	plaintext := make([]byte, 0, 2+len(filename)+len(content))
	plaintext = binary.BigEndian.AppendUint16(plaintext, uint16(len(filename)))
	plaintext = append(plaintext, filename...)
	plaintext = append(plaintext, content...)

	sealed, err := k.seal(sessionID, plaintext)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, fileMagic...), sealed...), nil
}

// DecryptFile opens an encrypted file container and returns the session id,
// filename and content.
func (k SymmetricKey) DecryptFile(encryptedFile []byte) (sessionID, filename string, content []byte, err error) {
	if !bytes.HasPrefix(encryptedFile, fileMagic) {
		return "", "", nil, errors.New("not an encrypted file container")
	}
	sessionID, plaintext, err := k.open(encryptedFile[len(fileMagic):])
	if err != nil {
		return "", "", nil, err
	}
	if len(plaintext) < 2 {
		return "", "", nil, errors.New("corrupt file container")
	}
	nameLen := int(binary.BigEndian.Uint16(plaintext[:2]))
	if len(plaintext) < 2+nameLen {
		return "", "", nil, errors.New("corrupt file container")
	}
	return sessionID, string(plaintext[2 : 2+nameLen]), plaintext[2+nameLen:], nil
}

// SessionIDFromFile extracts the session id from an encrypted file without
// decrypting it.
func SessionIDFromFile(encryptedFile []byte) (string, error) {
	if !bytes.HasPrefix(encryptedFile, fileMagic) {
		return "", errors.New("not an encrypted file container")
	}
	return sessionIDFromContainer(encryptedFile[len(fileMagic):])
}

// Encrypt seals raw data under the key, without a session header. Used to
// wrap one session key under another for proxy links.
// Output format: [nonce][ciphertext].
func (k SymmetricKey) Encrypt(data []byte) ([]byte, error) {
	aead, err := k.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data sealed with Encrypt.
func (k SymmetricKey) Decrypt(encrypted []byte) ([]byte, error) {
	aead, err := k.gcm()
	if err != nil {
		return nil, err
	}
	if len(encrypted) < aead.NonceSize() {
		return nil, errors.New("encrypted data too short")
	}
	plaintext, err := aead.Open(nil, encrypted[:aead.NonceSize()], encrypted[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
