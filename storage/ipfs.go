package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	ipfsapi "github.com/ipfs/go-ipfs-api"
)

// IPFSBackend stores backups on an IPFS node through its Files (MFS) API,
// which gives the content-addressed store a mutable, keyed namespace.
type IPFSBackend struct {
	shell       *ipfsapi.Shell
	host        string
	port        string
	rootDir     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates an IPFS storage backend connected to the node API
// at host:port. Backups live under the node's MFS root in rootDir.
func NewIPFSBackend(host, port, rootDir string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	if rootDir == "" {
		rootDir = "/veil-backups"
	}
	if !strings.HasPrefix(rootDir, "/") {
		rootDir = "/" + rootDir
	}

	return &IPFSBackend{
		shell:       ipfsapi.NewShell(apiURL),
		host:        host,
		port:        port,
		rootDir:     rootDir,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, rootDir),
	}, nil
}

func (b *IPFSBackend) filePath(id BackupID) string {
	return path.Join(b.rootDir, id.locator())
}

// Save writes the backup into the node's MFS, replacing any previous file.
func (b *IPFSBackend) Save(ctx context.Context, id BackupID, data []byte) error {
	if !b.shell.IsUp() {
		return ErrBackendUnavailable
	}

	filePath := b.filePath(id)
	err := b.shell.FilesWrite(ctx, filePath, bytes.NewReader(data),
		ipfsapi.FilesWrite.Create(true),
		ipfsapi.FilesWrite.Parents(true),
		ipfsapi.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write backup to IPFS: %w", err)
	}

	b.log.Debug("Stored backup in IPFS",
		slog.String("path", filePath),
		slog.Int("size", len(data)))
	return nil
}

// Load reads a backup from the node's MFS.
func (b *IPFSBackend) Load(ctx context.Context, id BackupID) ([]byte, error) {
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, ErrBackendUnavailable
	}

	filePath := b.filePath(id)
	reader, err := b.shell.FilesRead(ctx, filePath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, ErrBackupNotFound
		}
		return nil, fmt.Errorf("failed to read backup from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup from IPFS: %w", err)
	}

	b.log.Debug("Fetched backup from IPFS",
		slog.String("path", filePath),
		slog.Int("size", len(data)))
	return data, nil
}

// Delete removes a backup from the node's MFS.
func (b *IPFSBackend) Delete(ctx context.Context, id BackupID) error {
	if !b.shell.IsUp() {
		return ErrBackendUnavailable
	}

	err := b.shell.FilesRm(ctx, b.filePath(id), true)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return ErrBackupNotFound
		}
		return fmt.Errorf("failed to delete backup from IPFS: %w", err)
	}
	return nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
