package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultBackend stores backups in a HashiCorp Vault KV v2 mount, one secret
// per backup.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault storage backend using token
// authentication.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "veil/backups")
//   - token: Vault token; when empty the VAULT_TOKEN environment variable
//     applies
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(address, "https://"), mountPath, dataPath),
	}, nil
}

// secretPath builds the KV v2 data path for a backup.
func (b *VaultBackend) secretPath(id BackupID) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, id.locator())
}

// Save writes the backup as a KV v2 secret, replacing any previous version.
func (b *VaultBackend) Save(ctx context.Context, id BackupID, data []byte) error {
	start := time.Now()
	path := b.secretPath(id)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"backup": base64.StdEncoding.EncodeToString(data),
		},
	}

	_, err := b.client.Logical().WriteWithContext(ctx, path, secretData)
	if err != nil {
		b.log.Error("Failed to write backup to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored backup in Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Load reads a backup from Vault. Returns ErrBackupNotFound when no secret
// exists under the identifier.
func (b *VaultBackend) Load(ctx context.Context, id BackupID) ([]byte, error) {
	start := time.Now()
	path := b.secretPath(id)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read backup from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrBackupNotFound
	}

	// KV v2 wraps the payload in a "data" map.
	inner, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := inner["backup"].(string)
	if !ok {
		return nil, fmt.Errorf("backup key not found in Vault data")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode backup from Vault: %w", err)
	}

	b.log.Debug("Fetched backup from Vault",
		slog.String("path", path),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Delete removes all versions and metadata of a backup secret.
func (b *VaultBackend) Delete(ctx context.Context, id BackupID) error {
	if _, err := b.Load(ctx, id); err != nil {
		return err
	}

	metaPath := fmt.Sprintf("%s/metadata/%s/%s", b.mountPath, b.dataPath, id.locator())
	_, err := b.client.Logical().DeleteWithContext(ctx, metaPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
