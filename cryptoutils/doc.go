// Package cryptoutils provides the cryptographic capability of the Veil SDK:
// device and group keypairs, asymmetric wrapping of session keys, symmetric
// message and file containers, over-encryption for factor-gated accesses,
// and password-based key derivation.
//
// # Keypairs
//
// Device and group keypairs are ECDSA P-256 keys in PEM encoding. Asymmetric
// wrapping uses ECIES: ECDH agreement with a fresh ephemeral key, SHA-256
// key derivation, and AES-256-GCM authenticated encryption, so every wrap is
// non-deterministic and forward secret with respect to the ephemeral key.
//
// # Symmetric Containers
//
// Session content keys are 32 random bytes. Messages and files are sealed
// into versioned containers that carry the session id in the clear, so the
// session can be located from any ciphertext, and the payload under
// AES-256-GCM.
//
// # Over-Encryption
//
// Factor-gated accesses and identity backups are additionally wrapped under
// a 64-byte over-encryption key: the first 32 bytes key an AES-256-GCM
// cipher, the last 32 bytes key an HMAC-SHA256 tag checked before any
// decryption attempt, so a wrong key is detected without oracle behavior.
// DeriveOverEncryptionKey produces such a key from a password with Argon2id.
package cryptoutils
