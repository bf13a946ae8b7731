package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))

	id := BackupID("user-42")
	_, err = backend.Load(ctx, id)
	require.ErrorIs(t, err, ErrBackupNotFound)

	require.NoError(t, backend.Save(ctx, id, []byte("first")))
	data, err := backend.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	// Saving again replaces.
	require.NoError(t, backend.Save(ctx, id, []byte("second")))
	data, err = backend.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	require.NoError(t, backend.Delete(ctx, id))
	require.ErrorIs(t, backend.Delete(ctx, id), ErrBackupNotFound)
	_, err = backend.Load(ctx, id)
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func TestFileBackendIsolatesIdentifiers(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.Save(ctx, "alice", []byte("a")))
	require.NoError(t, backend.Save(ctx, "../alice", []byte("b")))

	data, err := backend.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

// flakyBackend wraps a FileBackend and can be switched off.
type flakyBackend struct {
	*FileBackend
	down bool
}

func (f *flakyBackend) Available(ctx context.Context) bool {
	return !f.down && f.FileBackend.Available(ctx)
}

func newFlakyBackend(t *testing.T) *flakyBackend {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	return &flakyBackend{FileBackend: backend}
}

func TestMultiBackendReplicatesAndFallsBack(t *testing.T) {
	first := newFlakyBackend(t)
	second := newFlakyBackend(t)
	multi := NewMultiBackend([]BackupStorage{first, second}, testLogger())
	ctx := context.Background()

	id := BackupID("user-1")
	require.NoError(t, multi.Save(ctx, id, []byte("payload")))

	// Both replicas hold the backup; losing one is invisible.
	first.down = true
	data, err := multi.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	first.down = false
	second.down = true
	data, err = multi.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestMultiBackendSaveNeedsOneReplica(t *testing.T) {
	first := newFlakyBackend(t)
	second := newFlakyBackend(t)
	multi := NewMultiBackend([]BackupStorage{first, second}, testLogger())
	ctx := context.Background()

	first.down = true
	require.NoError(t, multi.Save(ctx, "partial", []byte("x")))

	second.down = true
	require.Error(t, multi.Save(ctx, "nobody-home", []byte("x")))
	assert.False(t, multi.Available(ctx))
}

func TestMultiBackendDelete(t *testing.T) {
	first := newFlakyBackend(t)
	second := newFlakyBackend(t)
	multi := NewMultiBackend([]BackupStorage{first, second}, testLogger())
	ctx := context.Background()

	require.ErrorIs(t, multi.Delete(ctx, "missing"), ErrBackupNotFound)

	require.NoError(t, multi.Save(ctx, "gone", []byte("x")))
	require.NoError(t, multi.Delete(ctx, "gone"))
	_, err := multi.Load(ctx, "gone")
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func TestFactorySchemes(t *testing.T) {
	factory := NewFactory(testLogger())

	backend, err := factory.BackendFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.BackendFor("s3://bucket/backups?region=eu-west-3")
	require.NoError(t, err)
	assert.IsType(t, &S3Backend{}, backend)

	backend, err = factory.BackendFor("vault://vault.local:8200/secret/veil?token=t")
	require.NoError(t, err)
	assert.IsType(t, &VaultBackend{}, backend)

	backend, err = factory.BackendFor("ipfs://127.0.0.1:5001")
	require.NoError(t, err)
	assert.IsType(t, &IPFSBackend{}, backend)

	_, err = factory.BackendFor("gopher://nope")
	require.Error(t, err)

	_, err = factory.BackendFor("vault://vault.local:8200/secret")
	require.ErrorIs(t, err, ErrInvalidLocationURI)
}

func TestFactoryMultiBackend(t *testing.T) {
	factory := NewFactory(testLogger())

	// Invalid URIs are skipped as long as one backend survives.
	backend, err := factory.MultiBackendFor([]string{
		"file://" + t.TempDir(),
		"gopher://nope",
	})
	require.NoError(t, err)
	assert.Contains(t, backend.LocationURI(), "multi:[")

	_, err = factory.MultiBackendFor([]string{"gopher://nope"})
	require.Error(t, err)
}
