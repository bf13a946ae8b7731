package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileBackend stores backups as files in a local directory, one file per
// backup named by the identifier's digest.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir, creating
// the directory if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Save writes the backup, replacing any previous one under the same id.
func (b *FileBackend) Save(ctx context.Context, id BackupID, data []byte) error {
	path := filepath.Join(b.baseDir, id.locator())
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	b.log.Debug("Stored backup on disk",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return nil
}

// Load reads a backup. Returns ErrBackupNotFound if no file exists.
func (b *FileBackend) Load(ctx context.Context, id BackupID) ([]byte, error) {
	path := filepath.Join(b.baseDir, id.locator())

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}

	b.log.Debug("Fetched backup from disk",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Delete removes a backup file.
func (b *FileBackend) Delete(ctx context.Context, id BackupID) error {
	path := filepath.Join(b.baseDir, id.locator())

	err := os.Remove(path)
	if os.IsNotExist(err) {
		return ErrBackupNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete backup file: %w", err)
	}
	return nil
}

// Available checks that the base directory still exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}
