package sdk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/interfaces"
)

func fastReencryptOptions() interfaces.MassReencryptOptions {
	opts := interfaces.DefaultMassReencryptOptions()
	opts.WaitBetweenRetries = time.Millisecond
	opts.WaitProvisioningTime = time.Millisecond
	opts.WaitProvisioningTimeStep = time.Millisecond
	opts.WaitProvisioningTimeMax = 5 * time.Millisecond
	opts.WaitProvisioningRetries = 3
	return opts
}

func TestMassReencryptConvergence(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	sessions := make([]*EncryptionSession, 3)
	encrypted := make([]string, 3)
	for i := range sessions {
		session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
		require.NoError(t, err)
		msg, err := session.EncryptMessage("backlog")
		require.NoError(t, err)
		sessions[i] = session
		encrypted[i] = msg
	}

	sub, err := alice.CreateSubIdentity(ctx, CreateSubIdentityOptions{DeviceName: "laptop"})
	require.NoError(t, err)

	missing, err := alice.DevicesMissingKeys(ctx, false)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, sub.DeviceID, missing[0].DeviceID)

	resp, err := alice.MassReencrypt(ctx, sub.DeviceID, fastReencryptOptions())
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Reencrypted)
	assert.Equal(t, 0, resp.Failed)

	missing, err = alice.DevicesMissingKeys(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// The new device can now use every pre-existing session on its own.
	laptop := newTestSdk(t, srv, "alice-laptop")
	require.NoError(t, laptop.ImportIdentity(sub.BackupKey))
	for i, session := range sessions {
		retrieved, err := laptop.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
		require.NoError(t, err)
		assert.Equal(t, interfaces.RetrievalDirect, retrieved.RetrievalDetails.Flow)
		decrypted, err := retrieved.DecryptMessage(encrypted[i])
		require.NoError(t, err)
		assert.Equal(t, "backlog", decrypted)
	}
}

func TestMassReencryptBatching(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
		require.NoError(t, err)
	}

	sub, err := alice.CreateSubIdentity(ctx, CreateSubIdentityOptions{})
	require.NoError(t, err)

	// A batch size smaller than the backlog forces multiple pages.
	opts := fastReencryptOptions()
	opts.RetrieveBatchSize = 2
	resp, err := alice.MassReencrypt(ctx, sub.DeviceID, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, resp.Reencrypted)
	assert.Equal(t, 0, resp.Failed)
}

func TestMassReencryptZeroOptions(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
		require.NoError(t, err)
	}
	sub, err := alice.CreateSubIdentity(ctx, CreateSubIdentityOptions{})
	require.NoError(t, err)

	// A zero-value options struct runs with the documented defaults.
	resp, err := alice.MassReencrypt(ctx, sub.DeviceID, interfaces.MassReencryptOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Reencrypted)
	assert.Equal(t, 0, resp.Failed)
}

func TestMassReencryptZeroOptionsWaitForProvisioning(t *testing.T) {
	srv, err := backend.NewServer(backend.ServerConfig{ProvisioningDelay: time.Hour})
	require.NoError(t, err)
	alice := newTestAccount(t, srv, "alice")

	sub, err := alice.CreateSubIdentity(context.Background(), CreateSubIdentityOptions{})
	require.NoError(t, err)

	// With defaults applied the run polls for the device instead of failing
	// right away, so cancelling the context is what ends it.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = alice.MassReencrypt(ctx, sub.DeviceID, interfaces.MassReencryptOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMassReencryptProvisioningTimeout(t *testing.T) {
	srv, err := backend.NewServer(backend.ServerConfig{ProvisioningDelay: time.Hour})
	require.NoError(t, err)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	sub, err := alice.CreateSubIdentity(ctx, CreateSubIdentityOptions{})
	require.NoError(t, err)

	// The device stays unprovisioned for an hour; a short poll budget
	// must give up with a timeout.
	opts := fastReencryptOptions()
	_, err = alice.MassReencrypt(ctx, sub.DeviceID, opts)
	require.ErrorIs(t, err, interfaces.ErrProvisioningTimeout)

	opts.WaitProvisioning = false
	_, err = alice.MassReencrypt(ctx, sub.DeviceID, opts)
	require.ErrorIs(t, err, interfaces.ErrProvisioningTimeout)
}
