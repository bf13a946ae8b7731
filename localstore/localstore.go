// Package localstore persists the SDK's local identity in an embedded
// Badger database. Records are sealed with a caller-supplied 64-byte
// database key before they reach disk, so the database files alone never
// reveal a device's private key. Opening without a path runs the store
// fully in memory, which is what tests and throwaway identities use.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

var identityKey = []byte("veil/identity")

// Identity is the locally persisted account state: who the device belongs
// to and the private key material it operates with.
type Identity struct {
	UserID        interfaces.UserID      `json:"user_id"`
	DeviceID      interfaces.DeviceID    `json:"device_id"`
	DeviceName    string                 `json:"device_name,omitempty"`
	DeviceExpires time.Time              `json:"device_expires"`
	PrivateKey    cryptoutils.PrivateKey `json:"private_key"`
	// Token is the bearer token authenticating this device against the
	// backend. Opaque to the SDK.
	Token string `json:"token,omitempty"`
}

// Validate checks that the identity carries the fields the SDK needs to
// operate.
func (id *Identity) Validate() error {
	if id.UserID == "" || id.DeviceID == "" {
		return errors.New("identity is missing user or device id")
	}
	if _, err := cryptoutils.ParsePrivateKey(id.PrivateKey); err != nil {
		return fmt.Errorf("identity private key: %w", err)
	}
	return nil
}

// Marshal serializes the identity for export. The output is sensitive: it
// contains the device private key.
func (id *Identity) Marshal() ([]byte, error) {
	return json.Marshal(id)
}

// UnmarshalIdentity parses an identity previously produced by Marshal.
func UnmarshalIdentity(data []byte) (*Identity, error) {
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("could not parse identity: %w", err)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &id, nil
}

// Options configures a Store.
type Options struct {
	// Path is the database directory. Empty runs the store in memory.
	Path string

	// EncryptionKey seals records at rest. Must be 64 bytes.
	EncryptionKey interfaces.OverEncryptionKey

	Logger *slog.Logger
}

// Store is an encrypted local database holding the device identity.
type Store struct {
	db  *badger.DB
	key interfaces.OverEncryptionKey
	log *slog.Logger
}

// Open opens or creates the store at opts.Path.
func Open(opts Options) (*Store, error) {
	if err := opts.EncryptionKey.Validate(); err != nil {
		return nil, interfaces.ErrInvalidDatabaseKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var badgerOpts badger.Options
	if opts.Path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts.Logger = nil
	badgerOpts.SyncWrites = true

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("could not open local database: %w", err)
	}

	return &Store{db: db, key: opts.EncryptionKey, log: opts.Logger}, nil
}

// SaveIdentity seals and persists the identity, replacing any previous one.
func (s *Store) SaveIdentity(id *Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	plaintext, err := id.Marshal()
	if err != nil {
		return err
	}
	sealed, err := cryptoutils.OverEncrypt(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("could not seal identity: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(identityKey, sealed)
	})
	if err != nil {
		return fmt.Errorf("could not persist identity: %w", err)
	}
	s.log.Debug("persisted local identity", "user", id.UserID, "device", id.DeviceID)
	return nil
}

// LoadIdentity returns the persisted identity, or ErrNoAccount when the
// store holds none. A database key that does not match the one the record
// was sealed with fails the integrity check and is reported as an error.
func (s *Store) LoadIdentity() (*Identity, error) {
	var sealed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(identityKey)
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrNoAccount
	}
	if err != nil {
		return nil, fmt.Errorf("could not read identity: %w", err)
	}

	plaintext, err := cryptoutils.OverDecrypt(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("could not unseal identity: %w", err)
	}
	return UnmarshalIdentity(plaintext)
}

// DeleteIdentity removes the persisted identity. Deleting an absent
// identity is not an error.
func (s *Store) DeleteIdentity() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(identityKey)
	})
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
