// Package storage persists over-encrypted identity backups outside the
// device that created them. A backup is an opaque blob saved under a
// caller-chosen identifier; backends never see plaintext keys, only the
// over-encrypted export produced by the ssks helpers (or by the caller).
//
// Backends are created from location URIs by the Factory:
//
//	file:///var/lib/veil/backups
//	s3://bucket/prefix?region=eu-west-3
//	vault://vault.example.com:8200/secret/veil?token=...
//	ipfs://127.0.0.1:5001
//
// A MultiBackend aggregates several backends for redundancy.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrBackupNotFound indicates no backup exists under the identifier.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackendUnavailable indicates the backend cannot be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI indicates a location URI could not be parsed.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// BackupID identifies a stored backup. Callers pick it; typical values are
// a user identifier or a key derived from one. Backends never use it as a
// path directly, only its digest.
type BackupID string

// locator maps a backup identifier to a fixed-width hex name safe for any
// backend's key space.
func (id BackupID) locator() string {
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:])
}

// BackupStorage stores and retrieves opaque backup blobs by identifier.
type BackupStorage interface {
	// Save writes data under id, replacing any previous backup.
	Save(ctx context.Context, id BackupID, data []byte) error

	// Load returns the backup stored under id, or ErrBackupNotFound.
	Load(ctx context.Context, id BackupID) ([]byte, error)

	// Delete removes the backup stored under id. Deleting a missing
	// backup is ErrBackupNotFound.
	Delete(ctx context.Context, id BackupID) error

	// Available reports whether the backend is currently reachable.
	Available(ctx context.Context) bool

	// Name returns a short identifier for logs.
	Name() string

	// LocationURI returns the URI this backend was created from.
	LocationURI() string
}
