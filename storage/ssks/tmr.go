package ssks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/storage"
)

// tmrLocator derives the storage locator for a factor-bound backup. The
// factor value is normalized the way the backend normalizes connector
// values so an email saved as "A@B.com" is found again as "a@b.com".
func (s *Store) tmrLocator(factor interfaces.AuthFactor) storage.BackupID {
	value := factor.Value
	if factor.Type == interfaces.AuthFactorEmail {
		value = strings.ToLower(strings.TrimSpace(value))
	}
	h := sha256.Sum256([]byte("veil-ssks-tmr:" + s.appID + ":" + string(factor.Type) + ":" + value))
	return storage.BackupID(hex.EncodeToString(h[:]))
}

// SaveIdentityFromTMR saves the identity bound to an authentication factor,
// encrypted with a raw 64-byte key held by the application's backend. The
// application is expected to challenge the factor (send the email or SMS)
// before handing the key to the user; this store only does the storage and
// encryption half.
func (s *Store) SaveIdentityFromTMR(ctx context.Context, factor interfaces.AuthFactor, rawTMRKey interfaces.OverEncryptionKey, identity []byte) (string, error) {
	if err := factor.Validate(); err != nil {
		return "", err
	}
	return s.save(ctx, s.tmrLocator(factor), rawTMRKey, identity)
}

// RetrieveIdentityFromTMR retrieves and decrypts the identity bound to an
// authentication factor.
func (s *Store) RetrieveIdentityFromTMR(ctx context.Context, factor interfaces.AuthFactor, rawTMRKey interfaces.OverEncryptionKey) ([]byte, error) {
	if err := factor.Validate(); err != nil {
		return nil, err
	}
	return s.load(ctx, s.tmrLocator(factor), rawTMRKey)
}

// DeleteIdentityFromTMR removes the backup bound to an authentication
// factor.
func (s *Store) DeleteIdentityFromTMR(ctx context.Context, factor interfaces.AuthFactor) error {
	if err := factor.Validate(); err != nil {
		return err
	}
	return s.storage.Delete(ctx, s.tmrLocator(factor))
}
