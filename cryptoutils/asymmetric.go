package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// EncryptWithPublicKey wraps data to the given PEM public key using ECIES:
// ECDH key agreement with a fresh ephemeral key, SHA-256 key derivation and
// AES-GCM authenticated encryption. Every call produces a different
// ciphertext for the same input.
//
// Output format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext].
func EncryptWithPublicKey(pubPEM PublicKey, data []byte) ([]byte, error) {
	publicKey, err := ParsePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := ecdsa.GenerateKey(publicKey.Curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	// ECDH shared secret
	x, _ := publicKey.Curve.ScalarMult(publicKey.X, publicKey.Y, ephemeralKey.D.Bytes())
	sharedSecret := sha256.Sum256(x.Bytes())

	nonce := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aesBlock, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, nonce, data, nil)
	ephemeralPub := elliptic.Marshal(ephemeralKey.Curve, ephemeralKey.X, ephemeralKey.Y)

	result := make([]byte, 2+len(ephemeralPub)+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPub)))
	copy(result[2:2+len(ephemeralPub)], ephemeralPub)
	copy(result[2+len(ephemeralPub):2+len(ephemeralPub)+len(nonce)], nonce)
	copy(result[2+len(ephemeralPub)+len(nonce):], ciphertext)
	return result, nil
}

// DecryptWithPrivateKey unwraps data encrypted with EncryptWithPublicKey
// using the corresponding PEM private key.
func DecryptWithPrivateKey(privPEM PrivateKey, encrypted []byte) ([]byte, error) {
	privateKey, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, err
	}

	if len(encrypted) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	ephemeralKeyLen := binary.BigEndian.Uint16(encrypted[0:2])
	if len(encrypted) < int(2+ephemeralKeyLen+12) {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKeyBytes := encrypted[2 : 2+ephemeralKeyLen]
	x, y := elliptic.Unmarshal(privateKey.Curve, ephemeralKeyBytes)
	if x == nil {
		return nil, errors.New("failed to unmarshal ephemeral public key")
	}

	xShared, _ := privateKey.Curve.ScalarMult(x, y, privateKey.D.Bytes())
	sharedSecret := sha256.Sum256(xShared.Bytes())

	nonceStart := 2 + ephemeralKeyLen
	nonce := encrypted[nonceStart : nonceStart+12]
	ciphertext := encrypted[nonceStart+12:]

	aesBlock, err := aes.NewCipher(sharedSecret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
