// Package ssks saves device identities to a BackupStorage so they survive
// the loss of the device that created them. Each flow derives two things
// from a user-held secret: a storage locator and a 64-byte over-encryption
// key. The identity export is over-encrypted before it touches the backend,
// so the backend holds ciphertext only and the locator reveals nothing
// about the user.
//
// Two flows are provided: the password flow derives both values from a
// password with argon2id, and the TMR flow takes a raw 64-byte key held by
// the application's own backend, tied to an authentication factor.
package ssks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/crypto/argon2"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/storage"
)

var (
	// ErrInvalidPassword indicates the stored identity could not be
	// decrypted with the given password or raw key.
	ErrInvalidPassword = errors.New("could not decrypt stored identity")

	// ErrInvalidStorageKey indicates a raw storage key with forbidden
	// characters or excessive length.
	ErrInvalidStorageKey = errors.New("invalid raw storage key")
)

// rawStorageKeyPattern is the allowed shape of a caller-chosen storage key.
var rawStorageKeyPattern = regexp.MustCompile(`^[A-Za-z0-9+/=\-_@.]{1,256}$`)

// argon2 parameters for password derivation. Fixed: changing them silently
// would orphan every existing backup.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Store saves and retrieves identity backups through a BackupStorage.
// Locators are scoped by application ID, so several apps can share a
// backend without colliding.
type Store struct {
	storage storage.BackupStorage
	appID   string
	log     *slog.Logger
}

// NewStore creates an identity backup store on top of backend.
func NewStore(backend storage.BackupStorage, appID string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		storage: backend,
		appID:   appID,
		log:     log.With("component", "ssks"),
	}
}

// deriveFromPassword stretches the password into a storage locator and an
// over-encryption key. The salt binds the derivation to this app and user,
// so the same password produces unrelated backups elsewhere.
func (s *Store) deriveFromPassword(userID, password string) (storage.BackupID, interfaces.OverEncryptionKey) {
	salt := sha256.Sum256([]byte("veil-ssks-password:" + s.appID + ":" + userID))
	derived := argon2.IDKey([]byte(password), salt[:], argonTime, argonMemory, argonThreads, 32+interfaces.OverEncryptionKeySize)
	locator := storage.BackupID(hex.EncodeToString(derived[:32]))
	return locator, interfaces.OverEncryptionKey(derived[32:])
}

// save over-encrypts the identity and writes it under the locator. Returns
// the backup id as a string handle for the caller's backend.
func (s *Store) save(ctx context.Context, id storage.BackupID, key interfaces.OverEncryptionKey, identity []byte) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}

	encrypted, err := cryptoutils.OverEncrypt(key, identity)
	if err != nil {
		return "", fmt.Errorf("could not encrypt identity: %w", err)
	}
	if err := s.storage.Save(ctx, id, encrypted); err != nil {
		return "", err
	}

	s.log.Debug("identity backup saved", "backend", s.storage.Name())
	return string(id), nil
}

// load reads and decrypts a backup. A decryption failure means the wrong
// password or key, not a corrupted backend, and is reported as such.
func (s *Store) load(ctx context.Context, id storage.BackupID, key interfaces.OverEncryptionKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	encrypted, err := s.storage.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	identity, err := cryptoutils.OverDecrypt(key, encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return identity, nil
}

// SaveIdentityFromPassword saves the identity for userID, encrypted with a
// key derived from the password. Returns the backup id under which it is
// stored.
func (s *Store) SaveIdentityFromPassword(ctx context.Context, userID, password string, identity []byte) (string, error) {
	id, key := s.deriveFromPassword(userID, password)
	return s.save(ctx, id, key, identity)
}

// RetrieveIdentityFromPassword retrieves and decrypts the identity stored
// for userID with the given password. A wrong password surfaces either as
// storage.ErrBackupNotFound (the derived locator points nowhere) or as
// ErrInvalidPassword.
func (s *Store) RetrieveIdentityFromPassword(ctx context.Context, userID, password string) ([]byte, error) {
	id, key := s.deriveFromPassword(userID, password)
	return s.load(ctx, id, key)
}

// ChangeIdentityPassword re-encrypts the stored identity under a new
// password and removes the old backup. Returns the new backup id.
func (s *Store) ChangeIdentityPassword(ctx context.Context, userID, currentPassword, newPassword string) (string, error) {
	identity, err := s.RetrieveIdentityFromPassword(ctx, userID, currentPassword)
	if err != nil {
		return "", err
	}

	newID, err := s.SaveIdentityFromPassword(ctx, userID, newPassword, identity)
	if err != nil {
		return "", err
	}

	oldID, _ := s.deriveFromPassword(userID, currentPassword)
	if string(oldID) != newID {
		if err := s.storage.Delete(ctx, oldID); err != nil && !errors.Is(err, storage.ErrBackupNotFound) {
			s.log.Warn("could not remove backup under previous password", "err", err)
		}
	}
	return newID, nil
}

// SaveIdentityFromRawKeys saves the identity under a caller-chosen storage
// key, encrypted with a caller-held raw 64-byte key. The storage key must
// be a secret known only to this user: anyone who learns it can delete the
// backup.
func (s *Store) SaveIdentityFromRawKeys(ctx context.Context, rawStorageKey string, rawEncryptionKey interfaces.OverEncryptionKey, identity []byte) (string, error) {
	if !rawStorageKeyPattern.MatchString(rawStorageKey) {
		return "", ErrInvalidStorageKey
	}
	return s.save(ctx, s.rawLocator(rawStorageKey), rawEncryptionKey, identity)
}

// RetrieveIdentityFromRawKeys retrieves and decrypts an identity saved with
// SaveIdentityFromRawKeys.
func (s *Store) RetrieveIdentityFromRawKeys(ctx context.Context, rawStorageKey string, rawEncryptionKey interfaces.OverEncryptionKey) ([]byte, error) {
	if !rawStorageKeyPattern.MatchString(rawStorageKey) {
		return nil, ErrInvalidStorageKey
	}
	return s.load(ctx, s.rawLocator(rawStorageKey), rawEncryptionKey)
}

// DeleteIdentityFromRawKeys removes a backup saved with
// SaveIdentityFromRawKeys.
func (s *Store) DeleteIdentityFromRawKeys(ctx context.Context, rawStorageKey string) error {
	if !rawStorageKeyPattern.MatchString(rawStorageKey) {
		return ErrInvalidStorageKey
	}
	return s.storage.Delete(ctx, s.rawLocator(rawStorageKey))
}

func (s *Store) rawLocator(rawStorageKey string) storage.BackupID {
	return storage.BackupID("veil-ssks-raw:" + s.appID + ":" + rawStorageKey)
}
