package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/sigchain"
)

type testUser struct {
	userID   interfaces.UserID
	deviceID interfaces.DeviceID
	priv     cryptoutils.PrivateKey
	pub      cryptoutils.PublicKey
	backend  *LocalBackend
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{})
	require.NoError(t, err)
	return srv
}

func registerUser(t *testing.T, srv *Server, name string) *testUser {
	t.Helper()
	pub, priv, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	userID := interfaces.UserID("user-" + name)
	deviceID := interfaces.DeviceID("device-" + name)
	genesis, err := sigchain.NewGenesis(userID, deviceID, pub, priv, time.Now())
	require.NoError(t, err)

	b := NewLocalBackend(srv)
	resp, err := b.CreateAccount(context.Background(), interfaces.CreateAccountRequest{
		SignupJWT:       "signup-token",
		DisplayName:     name,
		DeviceName:      name + "-laptop",
		DevicePublicKey: pub,
		Genesis:         genesis,
	})
	require.NoError(t, err)
	require.Equal(t, userID, resp.UserID)
	require.NotEmpty(t, resp.Token)

	return &testUser{userID: userID, deviceID: deviceID, priv: priv, pub: pub, backend: b}
}

// wrapTo wraps a session key to a device public key, the way the SDK does
// before uploading a grant.
func wrapTo(t *testing.T, pub cryptoutils.PublicKey, key []byte) []byte {
	t.Helper()
	ciphertext, err := cryptoutils.EncryptWithPublicKey(pub, key)
	require.NoError(t, err)
	return ciphertext
}

func createSession(t *testing.T, creator *testUser, extra ...interfaces.SessionGrant) (interfaces.SessionID, cryptoutils.SymmetricKey) {
	t.Helper()
	key, err := cryptoutils.NewSymmetricKey()
	require.NoError(t, err)

	grants := append([]interfaces.SessionGrant{{
		RecipientID: creator.userID.String(),
		Rights:      interfaces.CreatorRights(),
		Keys: []interfaces.WrappedKey{{
			UserID:     creator.userID,
			DeviceID:   creator.deviceID,
			Ciphertext: wrapTo(t, creator.pub, key[:]),
		}},
	}}, extra...)

	id, err := creator.backend.CreateSession(context.Background(), interfaces.CreateSessionRequest{Grants: grants})
	require.NoError(t, err)
	return id, key
}

func grantFor(t *testing.T, user *testUser, key cryptoutils.SymmetricKey, rights interfaces.RecipientRights) interfaces.SessionGrant {
	t.Helper()
	return interfaces.SessionGrant{
		RecipientID: user.userID.String(),
		Rights:      rights,
		Keys: []interfaces.WrappedKey{{
			UserID:     user.userID,
			DeviceID:   user.deviceID,
			Ciphertext: wrapTo(t, user.pub, key[:]),
		}},
	}
}

func TestCreateAccount(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")

	caller, err := srv.Authenticate(alice.backend.server.mustToken(t, alice.userID, alice.deviceID))
	require.NoError(t, err)
	assert.Equal(t, alice.userID, caller.UserID)

	t.Run("duplicate account", func(t *testing.T) {
		genesis, err := sigchain.NewGenesis(alice.userID, "device-other", alice.pub, alice.priv, time.Now())
		require.NoError(t, err)
		_, err = NewLocalBackend(srv).CreateAccount(context.Background(), interfaces.CreateAccountRequest{
			SignupJWT:       "signup-token",
			DevicePublicKey: alice.pub,
			Genesis:         genesis,
		})
		assert.ErrorIs(t, err, interfaces.ErrAccountExists)
	})

	t.Run("bad token", func(t *testing.T) {
		_, err := srv.Authenticate("garbage")
		assert.ErrorIs(t, err, interfaces.ErrTokenInvalid)
	})
}

func (s *Server) mustToken(t *testing.T, userID interfaces.UserID, deviceID interfaces.DeviceID) string {
	t.Helper()
	token, err := s.MintToken(userID, deviceID)
	require.NoError(t, err)
	return token
}

func TestSessionRetrievalAndRevocation(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")
	ctx := context.Background()

	id, key := createSession(t, alice, grantFor(t, bob, key0(t), interfaces.DefaultRights()))

	// Bob's grant was wrapped with a throwaway key above; replace it so the
	// unwrap below checks the real key path.
	statuses, err := alice.backend.AddSessionKeys(ctx, id, []interfaces.SessionGrant{grantFor(t, bob, key, interfaces.DefaultRights())})
	require.NoError(t, err)
	assert.True(t, statuses[bob.userID.String()].Success)

	retrieved, err := bob.backend.RetrieveSessionKey(ctx, id)
	require.NoError(t, err)
	unwrapped, err := cryptoutils.DecryptWithPrivateKey(bob.priv, retrieved.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), unwrapped)
	assert.False(t, retrieved.Rights.Revoke)

	t.Run("revoke requires right", func(t *testing.T) {
		_, err := bob.backend.RevokeRecipients(ctx, id, []string{alice.userID.String()}, nil)
		assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			result, err := alice.backend.RevokeRecipients(ctx, id, []string{bob.userID.String()}, nil)
			require.NoError(t, err)
			assert.True(t, result.Recipients[bob.userID.String()].Success)
		}
		_, err := bob.backend.RetrieveSessionKey(ctx, id)
		assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	})

	t.Run("last revoker is protected", func(t *testing.T) {
		id2, key2 := createSession(t, alice, grantFor(t, bob, key0(t), interfaces.DefaultRights()))
		_ = key2
		result, err := alice.backend.RevokeRecipients(ctx, id2, []string{alice.userID.String()}, nil)
		require.NoError(t, err)
		assert.False(t, result.Recipients[alice.userID.String()].Success)
		assert.Equal(t, "last_revoker", result.Recipients[alice.userID.String()].ErrorCode)
	})

	t.Run("revoke all", func(t *testing.T) {
		result, err := alice.backend.RevokeAll(ctx, id)
		require.NoError(t, err)
		assert.True(t, result.Recipients[alice.userID.String()].Success)

		// The id stays known; only the grants are gone.
		_, err = alice.backend.RetrieveSessionKey(ctx, id)
		assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	})
}

// key0 generates a throwaway symmetric key.
func key0(t *testing.T) cryptoutils.SymmetricKey {
	t.Helper()
	key, err := cryptoutils.NewSymmetricKey()
	require.NoError(t, err)
	return key
}

func TestCreatorOmittedSession(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")
	ctx := context.Background()

	// Grants are taken as given: a caller that leaves itself out creates a
	// session it cannot reach afterwards.
	key := key0(t)
	id, err := alice.backend.CreateSession(ctx, interfaces.CreateSessionRequest{Grants: []interfaces.SessionGrant{
		grantFor(t, bob, key, interfaces.DefaultRights()),
	}})
	require.NoError(t, err)

	_, err = alice.backend.RetrieveSessionKey(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	_, err = alice.backend.RevokeAll(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)

	retrieved, err := bob.backend.RetrieveSessionKey(ctx, id)
	require.NoError(t, err)
	unwrapped, err := cryptoutils.DecryptWithPrivateKey(bob.priv, retrieved.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), unwrapped)
}

func TestRevokedSessionIsTombstoned(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	ctx := context.Background()

	id, _ := createSession(t, alice)
	_, err := alice.backend.RevokeAll(ctx, id)
	require.NoError(t, err)

	// The terminated id is still distinguishable from one that never
	// existed.
	_, err = alice.backend.RetrieveSessionKey(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	_, err = alice.backend.RetrieveSessionKey(ctx, interfaces.NewSessionID())
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	// No grants survive, so nothing can be added back.
	_, err = alice.backend.AddSessionKeys(ctx, id, []interfaces.SessionGrant{
		grantFor(t, alice, key0(t), interfaces.CreatorRights()),
	})
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
}

func TestRevokeOthers(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")
	ctx := context.Background()

	id, key := createSession(t, alice, grantFor(t, bob, key0(t), interfaces.DefaultRights()))
	_ = key

	result, err := alice.backend.RevokeOthers(ctx, id)
	require.NoError(t, err)
	assert.True(t, result.Recipients[bob.userID.String()].Success)
	assert.NotContains(t, result.Recipients, alice.userID.String())

	_, err = alice.backend.RetrieveSessionKey(ctx, id)
	assert.NoError(t, err)
	_, err = bob.backend.RetrieveSessionKey(ctx, id)
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
}

func TestProxySessionRetrieval(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")
	ctx := context.Background()

	mainID, mainKey := createSession(t, alice)
	proxyID, proxyKey := createSession(t, alice, grantFor(t, bob, key0(t), interfaces.DefaultRights()))

	// Replace bob's throwaway wrap on the proxy session with the real key.
	_, err := alice.backend.AddSessionKeys(ctx, proxyID, []interfaces.SessionGrant{grantFor(t, bob, proxyKey, interfaces.DefaultRights())})
	require.NoError(t, err)

	ciphertext, err := proxyKey.Encrypt(mainKey[:])
	require.NoError(t, err)
	require.NoError(t, alice.backend.AddProxySession(ctx, interfaces.AddProxySessionRequest{
		SessionID:      mainID,
		ProxySessionID: proxyID,
		Rights:         interfaces.DefaultRights(),
		Ciphertext:     ciphertext,
	}))

	retrieved, err := bob.backend.RetrieveSessionKeyViaProxy(ctx, mainID)
	require.NoError(t, err)
	assert.Equal(t, proxyID, retrieved.ProxySessionID)

	proxyKeyBytes, err := cryptoutils.DecryptWithPrivateKey(bob.priv, retrieved.EncryptedProxyKey)
	require.NoError(t, err)
	mainKeyBytes, err := cryptoutils.SymmetricKey(proxyKeyBytes).Decrypt(retrieved.EncryptedSessionKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(mainKey), mainKeyBytes)

	t.Run("link requires direct grant on proxy", func(t *testing.T) {
		otherID, _ := createSession(t, bob)
		err := bob.backend.AddProxySession(ctx, interfaces.AddProxySessionRequest{
			SessionID:      otherID,
			ProxySessionID: mainID,
			Rights:         interfaces.DefaultRights(),
			Ciphertext:     []byte("x"),
		})
		assert.ErrorIs(t, err, interfaces.ErrProxyNotAuthorized)
	})
}

func TestGroupLifecycle(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")
	carol := registerUser(t, srv, "carol")
	ctx := context.Background()

	groupPub, groupPriv, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	groupID, err := alice.backend.CreateGroup(ctx, interfaces.CreateGroupRequest{
		Name:      "team",
		Members:   []interfaces.UserID{alice.userID, bob.userID},
		Admins:    []interfaces.UserID{alice.userID},
		PublicKey: groupPub,
		Keys: []interfaces.WrappedKey{
			{UserID: alice.userID, DeviceID: alice.deviceID, Ciphertext: wrapTo(t, alice.pub, groupPriv)},
			{UserID: bob.userID, DeviceID: bob.deviceID, Ciphertext: wrapTo(t, bob.pub, groupPriv)},
		},
	})
	require.NoError(t, err)

	t.Run("admins must be members", func(t *testing.T) {
		_, err := alice.backend.CreateGroup(ctx, interfaces.CreateGroupRequest{
			Members: []interfaces.UserID{alice.userID},
			Admins:  []interfaces.UserID{alice.userID, bob.userID},
		})
		assert.ErrorIs(t, err, interfaces.ErrAdminsNotSubset)
	})

	// Session granted to the group, key wrapped to the group public key.
	sessionKey := key0(t)
	sessionID, err := alice.backend.CreateSession(ctx, interfaces.CreateSessionRequest{Grants: []interfaces.SessionGrant{
		grantFor(t, alice, sessionKey, interfaces.CreatorRights()),
		{
			RecipientID: groupID.String(),
			Rights:      interfaces.DefaultRights(),
			Keys:        []interfaces.WrappedKey{{Ciphertext: wrapTo(t, groupPub, sessionKey[:])}},
		},
	}})
	require.NoError(t, err)

	retrieved, err := bob.backend.RetrieveSessionKeyViaGroup(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, groupID, retrieved.GroupID)

	unwrappedGroupPriv, err := cryptoutils.DecryptWithPrivateKey(bob.priv, retrieved.EncryptedGroupKey)
	require.NoError(t, err)
	unwrappedSessionKey, err := cryptoutils.DecryptWithPrivateKey(unwrappedGroupPriv, retrieved.EncryptedSessionKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(sessionKey), unwrappedSessionKey)

	t.Run("non-member has no group path", func(t *testing.T) {
		_, err := carol.backend.RetrieveSessionKeyViaGroup(ctx, sessionID)
		assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	})

	t.Run("member management is admin-only", func(t *testing.T) {
		err := bob.backend.RemoveGroupMembers(ctx, groupID, []interfaces.UserID{alice.userID})
		assert.ErrorIs(t, err, interfaces.ErrNotGroupAdmin)
	})

	t.Run("removed member loses the key path", func(t *testing.T) {
		require.NoError(t, alice.backend.RemoveGroupMembers(ctx, groupID, []interfaces.UserID{bob.userID}))
		_, err := bob.backend.RetrieveSessionKeyViaGroup(ctx, sessionID)
		assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)

		info, err := alice.backend.Group(ctx, groupID)
		require.NoError(t, err)
		assert.NotContains(t, info.Members, bob.userID)
	})
}

func TestTMRAccessConversion(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	bob := registerUser(t, srv, "bob")
	ctx := context.Background()

	id, key := createSession(t, alice)
	factor := interfaces.AuthFactor{Type: interfaces.AuthFactorEmail, Value: "bob@example.com"}

	overKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)
	doublyWrapped, err := cryptoutils.OverEncrypt(overKey, key[:])
	require.NoError(t, err)

	statuses, err := alice.backend.AddTMRAccesses(ctx, id, []interfaces.TMRAccessUpload{{
		AuthFactor:   factor,
		Rights:       interfaces.DefaultRights(),
		EncryptedKey: doublyWrapped,
	}})
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	token, err := srv.MintFactorToken(factor)
	require.NoError(t, err)

	accesses, err := bob.backend.SearchTMRAccesses(ctx, token, interfaces.TMRAccessesConvertFilters{})
	require.NoError(t, err)
	require.Len(t, accesses, 1)

	unwrapped, err := cryptoutils.OverDecrypt(overKey, accesses[0].EncryptedKey)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), unwrapped)

	result, err := bob.backend.ConvertTMRAccesses(ctx, interfaces.ConvertTMRAccessesRequest{
		Token: token,
		Conversions: []interfaces.TMRConversion{{
			AccessID:  accesses[0].ID,
			SessionID: id,
			Keys: []interfaces.WrappedKey{{
				UserID:     bob.userID,
				DeviceID:   bob.deviceID,
				Ciphertext: wrapTo(t, bob.pub, unwrapped),
			}},
		}},
		DeleteOnConvert: true,
	})
	require.NoError(t, err)
	assert.True(t, result[accesses[0].ID].Success)

	retrieved, err := bob.backend.RetrieveSessionKey(ctx, id)
	require.NoError(t, err)
	got, err := cryptoutils.DecryptWithPrivateKey(bob.priv, retrieved.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), got)

	t.Run("deleted on convert", func(t *testing.T) {
		remaining, err := bob.backend.SearchTMRAccesses(ctx, token, interfaces.TMRAccessesConvertFilters{})
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})
}

func TestRecoveryFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")
	ctx := context.Background()

	id, key := createSession(t, alice)

	// A second device joins; it has no wrapped key for the session yet.
	newPub, newPriv, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	chain, err := alice.backend.SigchainTransactions(ctx, alice.userID)
	require.NoError(t, err)
	tx, err := sigchain.NewTransaction(&chain[len(chain)-1], sigchain.TypeDeviceAdded, alice.userID, "device-alice-2", newPub, newPriv, time.Now())
	require.NoError(t, err)
	created, err := alice.backend.CreateDevice(ctx, interfaces.CreateDeviceRequest{
		DeviceName:      "phone",
		DevicePublicKey: newPub,
		Transaction:     tx,
	})
	require.NoError(t, err)

	devices, err := alice.backend.DevicesMissingKeys(ctx, true)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, created.Device.ID, devices[0].DeviceID)

	page, err := alice.backend.MissingSessionKeys(ctx, created.Device.ID, 1, 100)
	require.NoError(t, err)
	require.Len(t, page.Keys, 1)
	assert.Equal(t, id, page.Keys[0].SessionID)

	// Re-wrap to the new device and upload.
	raw, err := cryptoutils.DecryptWithPrivateKey(alice.priv, page.Keys[0].Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), raw)
	stored, err := alice.backend.UploadReencryptedKeys(ctx, created.Device.ID, []interfaces.ReencryptedKey{{
		SessionID:  id,
		Ciphertext: wrapTo(t, newPub, raw),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	devices, err = alice.backend.DevicesMissingKeys(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestIntercept(t *testing.T) {
	srv := newTestServer(t)
	alice := registerUser(t, srv, "alice")

	srv.Intercept = func(op string) error {
		if op == "Heartbeat" {
			return &interfaces.APIError{Status: 429, Code: "throttled", RetryAfter: 2}
		}
		return nil
	}
	err := alice.backend.Heartbeat(context.Background())
	seconds, throttled := interfaces.IsThrottled(err)
	assert.True(t, throttled)
	assert.Equal(t, 2, seconds)
}
