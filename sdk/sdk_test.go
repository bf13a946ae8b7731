package sdk

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/sigchain"
)

func newTestServer(t *testing.T) *backend.Server {
	t.Helper()
	srv, err := backend.NewServer(backend.ServerConfig{})
	require.NoError(t, err)
	return srv
}

func newDatabaseKey(t *testing.T) interfaces.OverEncryptionKey {
	t.Helper()
	key := make([]byte, interfaces.OverEncryptionKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestSdk(t *testing.T, srv *backend.Server, name string) *Sdk {
	t.Helper()
	s, err := New(Config{
		Backend:                   backend.NewLocalBackend(srv),
		DatabaseEncryptionKey:     newDatabaseKey(t),
		InstanceName:              name,
		EncryptionSessionCacheTTL: CacheForever,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAccount(t *testing.T, srv *backend.Server, name string) *Sdk {
	t.Helper()
	s := newTestSdk(t, srv, name)
	_, err := s.CreateAccount(context.Background(), CreateAccountOptions{
		SignupJWT:   "signup-jwt",
		DisplayName: name,
		DeviceName:  name + "-device",
	})
	require.NoError(t, err)
	return s
}

func TestNewRejectsBadDatabaseKey(t *testing.T) {
	_, err := New(Config{
		Backend:               backend.NewLocalBackend(newTestServer(t)),
		DatabaseEncryptionKey: []byte("short"),
	})
	require.ErrorIs(t, err, interfaces.ErrInvalidDatabaseKey)
}

func TestNoAccount(t *testing.T) {
	s := newTestSdk(t, newTestServer(t), "fresh")

	_, err := s.CurrentAccountInfo()
	require.ErrorIs(t, err, interfaces.ErrNoAccount)
	_, err = s.ExportIdentity()
	require.ErrorIs(t, err, interfaces.ErrNoAccount)
	_, err = s.CreateEncryptionSession(context.Background(), nil, false)
	require.ErrorIs(t, err, interfaces.ErrNoAccount)
}

func TestCreateAccount(t *testing.T) {
	srv := newTestServer(t)
	s := newTestSdk(t, srv, "alice")
	ctx := context.Background()

	info, err := s.CreateAccount(ctx, CreateAccountOptions{
		SignupJWT:   "signup-jwt",
		DisplayName: "Alice",
		DeviceName:  "laptop",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, info.UserID)
	assert.NotEmpty(t, info.DeviceID)
	assert.WithinDuration(t, time.Now().Add(backend.DefaultDeviceExpiry), info.DeviceExpires, time.Minute)

	// A second signup on the same instance is refused.
	_, err = s.CreateAccount(ctx, CreateAccountOptions{SignupJWT: "signup-jwt"})
	require.ErrorIs(t, err, interfaces.ErrAccountExists)

	require.NoError(t, s.Heartbeat(ctx))
	require.NoError(t, s.PushJWT(ctx, "app-jwt"))
}

func TestIdentityPersistsOnDisk(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()
	key := newDatabaseKey(t)

	s, err := New(Config{
		Backend:               backend.NewLocalBackend(srv),
		DatabasePath:          dir,
		DatabaseEncryptionKey: key,
	})
	require.NoError(t, err)
	info, err := s.CreateAccount(context.Background(), CreateAccountOptions{SignupJWT: "signup-jwt", DeviceName: "phone"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(Config{
		Backend:               backend.NewLocalBackend(srv),
		DatabasePath:          dir,
		DatabaseEncryptionKey: key,
	})
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.CurrentAccountInfo()
	require.NoError(t, err)
	assert.Equal(t, info.UserID, loaded.UserID)
	assert.Equal(t, info.DeviceID, loaded.DeviceID)
	require.NoError(t, reopened.Heartbeat(context.Background()))
}

func TestExportImportIdentity(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	exported, err := alice.ExportIdentity()
	require.NoError(t, err)

	other := newTestSdk(t, srv, "alice-restore")
	require.NoError(t, other.ImportIdentity(exported))

	info, err := alice.CurrentAccountInfo()
	require.NoError(t, err)
	restored, err := other.CurrentAccountInfo()
	require.NoError(t, err)
	assert.Equal(t, info.UserID, restored.UserID)
	assert.Equal(t, info.DeviceID, restored.DeviceID)

	// The restored instance operates as the same device.
	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)
	retrieved, err := other.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, session.Key, retrieved.Key)

	// Importing over an existing account is refused.
	require.ErrorIs(t, other.ImportIdentity(exported), interfaces.ErrAccountExists)
	require.ErrorIs(t, alice.ImportIdentity([]byte("{")), interfaces.ErrAccountExists)
}

func TestRenewKeys(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	before, err := alice.CurrentAccountInfo()
	require.NoError(t, err)
	require.NoError(t, alice.RenewKeys(ctx, 24*time.Hour))

	after, err := alice.CurrentAccountInfo()
	require.NoError(t, err)
	assert.Equal(t, before.DeviceID, after.DeviceID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), after.DeviceExpires, time.Minute)

	// Sessions created after the renewal are wrapped to the new key.
	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)
	retrieved, err := alice.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, session.Key, retrieved.Key)
}

func TestConnectors(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	conn, err := alice.AddConnector(ctx, interfaces.AuthFactorEmail, "alice@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "pending", conn.State)

	// A pending connector does not resolve yet.
	found, err := bob.LookupUsers(ctx, []interfaces.AuthFactor{{Type: interfaces.AuthFactorEmail, Value: "alice@example.com"}})
	require.NoError(t, err)
	assert.Empty(t, found)

	challenge, err := srv.ConnectorChallenge(conn.ID)
	require.NoError(t, err)
	validated, err := alice.ValidateConnector(ctx, conn.ID, challenge)
	require.NoError(t, err)
	assert.Equal(t, "validated", validated.State)

	info, err := alice.CurrentAccountInfo()
	require.NoError(t, err)
	found, err = bob.LookupUsers(ctx, []interfaces.AuthFactor{{Type: interfaces.AuthFactorEmail, Value: "alice@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.UserID{info.UserID}, found)

	listed, err := alice.ListConnectors(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = alice.RemoveConnector(ctx, conn.ID)
	require.NoError(t, err)
	listed, err = alice.ListConnectors(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestSigchainHashes(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	_, err := alice.CreateSubIdentity(ctx, CreateSubIdentityOptions{DeviceName: "tablet"})
	require.NoError(t, err)

	info, err := alice.CurrentAccountInfo()
	require.NoError(t, err)

	latest, err := alice.GetSigchainHash(ctx, info.UserID, sigchain.PositionLatest)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Position)

	// Every position's hash is found exactly where it was issued.
	for pos := 0; pos <= latest.Position; pos++ {
		at, err := alice.GetSigchainHash(ctx, info.UserID, pos)
		require.NoError(t, err)
		check, err := alice.CheckSigchainHash(ctx, info.UserID, at.Hash, pos)
		require.NoError(t, err)
		assert.True(t, check.Found)
		assert.Equal(t, pos, check.Position)
		assert.Equal(t, latest.Position, check.LastPosition)
	}

	anywhere, err := alice.CheckSigchainHash(ctx, info.UserID, latest.Hash, sigchain.PositionLatest)
	require.NoError(t, err)
	assert.True(t, anywhere.Found)
	assert.Equal(t, latest.Position, anywhere.Position)

	missing, err := alice.CheckSigchainHash(ctx, info.UserID, "deadbeef", sigchain.PositionLatest)
	require.NoError(t, err)
	assert.False(t, missing.Found)
	assert.Equal(t, 0, missing.Position)

	_, err = alice.GetSigchainHash(ctx, info.UserID, 17)
	require.ErrorIs(t, err, interfaces.ErrSigchainPosition)
}

func TestClose(t *testing.T) {
	s := newTestSdk(t, newTestServer(t), "closing")
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), interfaces.ErrClosed)
	_, err := s.CurrentAccountInfo()
	require.ErrorIs(t, err, interfaces.ErrClosed)
	_, err = s.CreateAccount(context.Background(), CreateAccountOptions{SignupJWT: "x"})
	require.ErrorIs(t, err, interfaces.ErrClosed)
}
