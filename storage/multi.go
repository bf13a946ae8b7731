package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MultiBackend replicates backups across several backends. Saves go to all
// available backends, loads return the first hit.
type MultiBackend struct {
	backends []BackupStorage
	log      *slog.Logger
}

// NewMultiBackend creates a multi-storage backend with fallback.
func NewMultiBackend(backends []BackupStorage, log *slog.Logger) *MultiBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MultiBackend{
		backends: backends,
		log:      log,
	}
}

// Save writes the backup to every available backend. It succeeds if at
// least one backend accepted the write.
func (m *MultiBackend) Save(ctx context.Context, id BackupID, data []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Save(ctx, id, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to save to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All backends failed to save backup",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to save backup: %v", errs)
	}
	return nil
}

// Load returns the backup from the first backend that has it.
func (m *MultiBackend) Load(ctx context.Context, id BackupID) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Load(ctx, id)
		if err == nil {
			m.log.Debug("Fetched backup",
				slog.String("backend_name", backend.Name()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		if !errors.Is(err, ErrBackupNotFound) {
			notFound = false
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}

	if notFound {
		return nil, ErrBackupNotFound
	}
	return nil, fmt.Errorf("all backends failed to load backup: %v", errs)
}

// Delete removes the backup from every backend that has it. A backup
// missing everywhere is ErrBackupNotFound.
func (m *MultiBackend) Delete(ctx context.Context, id BackupID) error {
	var deleted bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}

		err := backend.Delete(ctx, id)
		if err == nil {
			deleted = true
			continue
		}
		if !errors.Is(err, ErrBackupNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("some backends failed to delete backup: %v", errs)
	}
	if !deleted {
		return ErrBackupNotFound
	}
	return nil
}

// Available checks if any backend is available.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the combined URI of all aggregated backends.
func (m *MultiBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
