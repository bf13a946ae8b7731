package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Factory creates storage backends from location URIs and assembles
// multi-backend configurations for redundant storage.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a factory that can build storage backends.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2
//   - ipfs:// - IPFS node (Files API)
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) BackendFor(locationURI string) (BackupStorage, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileBackend(u)
	case "s3":
		return f.createS3Backend(u)
	case "vault":
		return f.createVaultBackend(u)
	case "ipfs":
		return f.createIPFSBackend(u)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", u.Scheme)
	}
}

// MultiBackendFor creates a multi-storage backend from a list of location
// URIs. URIs that fail to produce a backend are skipped with a warning;
// at least one must succeed.
func (f *Factory) MultiBackendFor(locationURIs []string) (BackupStorage, error) {
	backends := make([]BackupStorage, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := f.BackendFor(uri)
		if err != nil {
			f.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiBackend(backends, f.log), nil
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path or file://./relative/path
func (f *Factory) createFileBackend(u *url.URL) (BackupStorage, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %q", ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, f.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-3&endpoint=minio.local:9000
func (f *Factory) createS3Backend(u *url.URL) (BackupStorage, error) {
	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI %q", ErrInvalidLocationURI, u.String())
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createVaultBackend creates a Vault storage backend.
// URI format: vault://host:port/mount/data/path?token=...&scheme=https
func (f *Factory) createVaultBackend(u *url.URL) (BackupStorage, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in Vault URI %q", ErrInvalidLocationURI, u.String())
	}

	query := u.Query()
	scheme := query.Get("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI needs /mount/path, got %q", ErrInvalidLocationURI, u.Path)
	}

	return NewVaultBackend(address, parts[0], parts[1], query.Get("token"), f.log)
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/root-dir
func (f *Factory) createIPFSBackend(u *url.URL) (BackupStorage, error) {
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in IPFS URI %q", ErrInvalidLocationURI, u.String())
	}
	port := u.Port()
	if port == "" {
		port = "5001"
	}

	return NewIPFSBackend(host, port, u.Path, f.log)
}
