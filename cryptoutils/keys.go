package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKey is a PEM-encoded ECDSA public key.
type PublicKey []byte

// PrivateKey is a PEM-encoded ECDSA private key.
type PrivateKey []byte

// GenerateKeypair creates a fresh P-256 keypair in PEM encoding.
func GenerateKeypair() (PublicKey, PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	return pubPEM, privPEM, nil
}

// ParsePublicKey decodes a PEM-encoded ECDSA public key.
func ParsePublicKey(pubPEM PublicKey) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := keyAny.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return key, nil
}

// ParsePrivateKey decodes a PEM-encoded ECDSA private key.
func ParsePrivateKey(privPEM PrivateKey) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := keyAny.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an ECDSA private key")
	}
	return key, nil
}

// PublicKeyOf extracts the PEM public key matching a PEM private key.
func PublicKeyOf(privPEM PrivateKey) (PublicKey, error) {
	key, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), nil
}

// Sign produces an ASN.1 ECDSA signature over the SHA-256 digest of data.
func Sign(privPEM PrivateKey, data []byte) ([]byte, error) {
	key, err := ParsePrivateKey(privPEM)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// Verify checks an ASN.1 ECDSA signature over the SHA-256 digest of data.
func Verify(pubPEM PublicKey, data, sig []byte) error {
	key, err := ParsePublicKey(pubPEM)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(key, digest[:], sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
