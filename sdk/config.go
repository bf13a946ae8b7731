package sdk

import (
	"errors"
	"log/slog"
	"time"

	"github.com/veilcrypt/veil-go/interfaces"
)

// Session cache TTL sentinels for Config.EncryptionSessionCacheTTL.
const (
	// CacheForever keeps cached sessions until the instance is closed.
	CacheForever time.Duration = -1
	// CacheDisabled turns the session cache off entirely.
	CacheDisabled time.Duration = 0
)

// Config configures an Sdk instance.
type Config struct {
	// ApiURL is the base URL of the backend, for example
	// "https://api.example.com". Ignored when Backend is set.
	ApiURL string

	// AppID identifies the application on the backend. Forwarded opaquely
	// with signup tokens.
	AppID string

	// DatabasePath is the directory of the local encrypted database. Empty
	// runs the database in memory; the identity is then lost on Close.
	DatabasePath string

	// DatabaseEncryptionKey seals the local database. Must be exactly 64
	// bytes of cryptographically random material.
	DatabaseEncryptionKey interfaces.OverEncryptionKey

	// InstanceName tags this instance in log output.
	InstanceName string

	// EncryptionSessionCacheTTL bounds how long retrieved sessions are kept
	// in the in-memory cache. CacheForever (-1) never expires entries,
	// CacheDisabled (0) disables the cache, a positive duration expires
	// entries after that long.
	EncryptionSessionCacheTTL time.Duration

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Backend overrides the HTTP transport, mainly for in-process use and
	// tests. When nil a backend.Client is built from ApiURL.
	Backend interfaces.Backend
}

func (c *Config) validate() error {
	if err := c.DatabaseEncryptionKey.Validate(); err != nil {
		return interfaces.ErrInvalidDatabaseKey
	}
	if c.ApiURL == "" && c.Backend == nil {
		return errors.New("config needs an ApiURL or a Backend")
	}
	return nil
}
