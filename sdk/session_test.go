package sdk

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/interfaces"
)

func userIDOf(t *testing.T, s *Sdk) interfaces.UserID {
	t.Helper()
	info, err := s.CurrentAccountInfo()
	require.NoError(t, err)
	return info.UserID
}

// recipientsOf lists the creator and any further accounts as session
// recipients. Creators are never granted implicitly, so every session a test
// wants to reuse must list its creator here.
func recipientsOf(t *testing.T, creator *Sdk, others ...*Sdk) []interfaces.RecipientWithRights {
	t.Helper()
	recipients := []interfaces.RecipientWithRights{{RecipientID: userIDOf(t, creator).String()}}
	for _, other := range others {
		recipients = append(recipients, interfaces.RecipientWithRights{RecipientID: userIDOf(t, other).String()})
	}
	return recipients
}

func TestMessageRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RetrievalCreated, session.RetrievalDetails.Flow)

	encrypted, err := session.EncryptMessage("attack at dawn")
	require.NoError(t, err)
	decrypted, err := session.DecryptMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", decrypted)

	// The message embeds the session id, so retrieval works from the
	// ciphertext alone.
	retrieved, err := alice.RetrieveEncryptionSessionFromMessage(ctx, encrypted, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, session.ID, retrieved.ID)
	assert.Equal(t, interfaces.RetrievalDirect, retrieved.RetrievalDetails.Flow)
	decrypted, err = retrieved.DecryptMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", decrypted)
}

func TestFileRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)

	content := []byte("file contents, not particularly secret")
	encrypted, err := session.EncryptFile("notes.txt", content)
	require.NoError(t, err)

	retrieved, err := alice.RetrieveEncryptionSessionFromFile(ctx, encrypted, false, false, false)
	require.NoError(t, err)
	clear, err := retrieved.DecryptFile(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", clear.Filename)
	assert.Equal(t, session.ID, clear.SessionID)
	assert.Equal(t, content, clear.Content)
}

func TestCreatorOmittedCannotRetrieve(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	// Alice grants only bob. The returned handle still carries the key,
	// but the backend holds no grant for alice.
	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, bob), false)
	require.NoError(t, err)
	encrypted, err := session.EncryptMessage("readable by bob alone")
	require.NoError(t, err)

	_, err = alice.RetrieveEncryptionSession(ctx, session.ID, false, true, true)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)

	bobSession, err := bob.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	decrypted, err := bobSession.DecryptMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "readable by bob alone", decrypted)
}

func TestEndToEndRevocation(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice, bob), false)
	require.NoError(t, err)

	// Bob is a default recipient: read and forward, no revoke.
	bobSession, err := bob.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RetrievalDirect, bobSession.RetrievalDetails.Flow)
	_, err = bobSession.RevokeAll(ctx)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)

	result, err := session.RevokeRecipients(ctx, []string{userIDOf(t, bob).String()}, nil)
	require.NoError(t, err)
	assert.True(t, result.Recipients[userIDOf(t, bob).String()].Success)

	_, err = bob.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)

	// Revoking again is an idempotent no-op success.
	result, err = session.RevokeRecipients(ctx, []string{userIDOf(t, bob).String()}, nil)
	require.NoError(t, err)
	assert.True(t, result.Recipients[userIDOf(t, bob).String()].Success)
	assert.Equal(t, "not_found", result.Recipients[userIDOf(t, bob).String()].Result)

	// Full revocation leaves the id known but unusable.
	_, err = session.RevokeAll(ctx)
	require.NoError(t, err)
	_, err = alice.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)
}

func TestDefaultRecipientCanForward(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	carol := newTestAccount(t, srv, "carol")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice, bob), false)
	require.NoError(t, err)

	bobSession, err := bob.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	statuses, err := bobSession.AddRecipients(ctx, []interfaces.RecipientWithRights{
		{RecipientID: userIDOf(t, carol).String()},
	})
	require.NoError(t, err)
	assert.True(t, statuses[userIDOf(t, carol).String()].Success)

	_, err = carol.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)

	// Bob still cannot revoke.
	_, err = bobSession.RevokeRecipients(ctx, []string{userIDOf(t, carol).String()}, nil)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)
}

func TestAddRecipientsPartialFailure(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)

	// Unknown recipients fail during key wrapping, before upload.
	_, err = session.AddRecipients(ctx, []interfaces.RecipientWithRights{
		{RecipientID: userIDOf(t, bob).String()},
		{RecipientID: "nobody-here"},
	})
	require.Error(t, err)

	statuses, err := session.AddRecipients(ctx, []interfaces.RecipientWithRights{
		{RecipientID: userIDOf(t, bob).String()},
	})
	require.NoError(t, err)
	assert.True(t, statuses[userIDOf(t, bob).String()].Success)
}

func TestCacheProvenance(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), true)
	require.NoError(t, err)

	cached, err := alice.RetrieveEncryptionSession(ctx, session.ID, true, false, false)
	require.NoError(t, err)
	assert.True(t, cached.RetrievalDetails.FromCache)
	assert.Equal(t, session.Key, cached.Key)

	// Bypassing the cache resolves the direct grant again.
	direct, err := alice.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	assert.False(t, direct.RetrievalDetails.FromCache)
	assert.Equal(t, interfaces.RetrievalDirect, direct.RetrievalDetails.Flow)

	hits, _ := alice.CacheStats()
	assert.Greater(t, hits, int64(0))
}

func TestConcurrentRetrievalsShareOneResolution(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)

	// The first resolution holds at the gate until every worker has been
	// launched, so the rest either join its flight or hit the write-back.
	resolutions := atomic.NewInt64(0)
	release := make(chan struct{})
	srv.Intercept = func(op string) error {
		if op == "RetrieveSessionKey" {
			<-release
			resolutions.Inc()
		}
		return nil
	}

	const workers = 8
	retrieved := make([]*EncryptionSession, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			retrieved[i], errs[i] = alice.RetrieveEncryptionSession(ctx, session.ID, true, false, false)
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), resolutions.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, session.Key, retrieved[i].Key)
	}
}

func TestCacheDisabled(t *testing.T) {
	srv := newTestServer(t)
	s, err := New(Config{
		Backend:                   backend.NewLocalBackend(srv),
		DatabaseEncryptionKey:     newDatabaseKey(t),
		EncryptionSessionCacheTTL: CacheDisabled,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	_, err = s.CreateAccount(ctx, CreateAccountOptions{SignupJWT: "signup-jwt"})
	require.NoError(t, err)

	session, err := s.CreateEncryptionSession(ctx, recipientsOf(t, s), true)
	require.NoError(t, err)
	retrieved, err := s.RetrieveEncryptionSession(ctx, session.ID, true, false, false)
	require.NoError(t, err)
	assert.False(t, retrieved.RetrievalDetails.FromCache)
	assert.Equal(t, interfaces.RetrievalDirect, retrieved.RetrievalDetails.Flow)
}

func TestProxySessionRetrieval(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	carol := newTestAccount(t, srv, "carol")
	ctx := context.Background()

	proxy, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice, carol), false)
	require.NoError(t, err)
	main, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)

	require.NoError(t, main.AddProxySession(ctx, proxy.ID, nil))

	// Carol is only a recipient of the proxy, yet can reach the main
	// session through it.
	viaProxy, err := carol.RetrieveEncryptionSession(ctx, main.ID, false, true, false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RetrievalViaProxy, viaProxy.RetrievalDetails.Flow)
	assert.Equal(t, proxy.ID, viaProxy.RetrievalDetails.ProxySessionID)
	assert.Equal(t, main.Key, viaProxy.Key)

	// Proxy resolution must be asked for explicitly.
	_, err = carol.RetrieveEncryptionSession(ctx, main.ID, false, false, false)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)

	// Linking a proxy the caller cannot read directly is refused.
	carolOnly, err := carol.CreateEncryptionSession(ctx, recipientsOf(t, carol), false)
	require.NoError(t, err)
	err = main.AddProxySession(ctx, carolOnly.ID, nil)
	require.ErrorIs(t, err, interfaces.ErrProxyNotAuthorized)
}

func TestRetrieveMultiple(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	ctx := context.Background()

	var ids []interfaces.SessionID
	for i := 0; i < 3; i++ {
		session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
		require.NoError(t, err)
		ids = append(ids, session.ID)
	}

	sessions, err := alice.RetrieveMultipleEncryptionSessions(ctx, ids, false, false, false)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	for i, session := range sessions {
		assert.Equal(t, ids[i], session.ID)
	}

	// One failing id fails the whole batch.
	_, err = alice.RetrieveMultipleEncryptionSessions(ctx, append(ids, interfaces.NewSessionID()), false, false, false)
	require.Error(t, err)
}

func TestRetrieveByTMR(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)
	encrypted, err := session.EncryptMessage("for whoever owns the mailbox")
	require.NoError(t, err)

	factor := interfaces.AuthFactor{Type: interfaces.AuthFactorEmail, Value: "bob@example.com"}
	overKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)

	accessID, err := session.AddTMRAccess(ctx, interfaces.TMRRecipientWithRights{
		AuthFactor:        factor,
		OverEncryptionKey: overKey,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, accessID)

	token, err := srv.MintFactorToken(factor)
	require.NoError(t, err)

	// A short key is rejected before any lookup.
	_, err = bob.RetrieveEncryptionSessionByTMR(ctx, token, session.ID, []byte("short"), nil, false)
	require.ErrorIs(t, err, interfaces.ErrInvalidOverEncryptionKey)

	// The token alone is not enough: the wrong over-encryption key fails.
	wrongKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)
	_, err = bob.RetrieveEncryptionSessionByTMR(ctx, token, session.ID, wrongKey, nil, false)
	require.ErrorIs(t, err, interfaces.ErrTMRKeyMismatch)

	viaTMR, err := bob.RetrieveEncryptionSessionByTMR(ctx, token, session.ID, overKey, nil, false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RetrievalViaTMRAccess, viaTMR.RetrievalDetails.Flow)
	decrypted, err := viaTMR.DecryptMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "for whoever owns the mailbox", decrypted)
}

func TestRetrieveByTMRAmbiguity(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)
	factor := interfaces.AuthFactor{Type: interfaces.AuthFactorEmail, Value: "bob@example.com"}
	overKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = session.AddTMRAccess(ctx, interfaces.TMRRecipientWithRights{
			AuthFactor:        factor,
			OverEncryptionKey: overKey,
		})
		require.NoError(t, err)
	}
	token, err := srv.MintFactorToken(factor)
	require.NoError(t, err)

	_, err = bob.RetrieveEncryptionSessionByTMR(ctx, token, session.ID, overKey, nil, false)
	require.ErrorIs(t, err, interfaces.ErrTMRAmbiguous)

	viaTMR, err := bob.RetrieveEncryptionSessionByTMR(ctx, token, session.ID, overKey, nil, true)
	require.NoError(t, err)
	assert.Equal(t, session.Key, viaTMR.Key)
}

func TestConvertTMRAccesses(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	ctx := context.Background()

	session, err := alice.CreateEncryptionSession(ctx, recipientsOf(t, alice), false)
	require.NoError(t, err)
	factor := interfaces.AuthFactor{Type: interfaces.AuthFactorEmail, Value: "bob@example.com"}
	overKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)
	accessID, err := session.AddTMRAccess(ctx, interfaces.TMRRecipientWithRights{
		AuthFactor:        factor,
		OverEncryptionKey: overKey,
	})
	require.NoError(t, err)

	token, err := srv.MintFactorToken(factor)
	require.NoError(t, err)

	// A mismatched key counts as errored, not fatal.
	wrongKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)
	result, err := bob.ConvertTMRAccesses(ctx, token, wrongKey, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "ko", result.Status)
	assert.Equal(t, 0, result.Succeeded)
	assert.Equal(t, 1, result.Errored)

	result, err = bob.ConvertTMRAccesses(ctx, token, overKey, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{accessID}, result.Converted)

	// The conversion produced a durable direct grant.
	direct, err := bob.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RetrievalDirect, direct.RetrievalDetails.Flow)
	assert.Equal(t, session.Key, direct.Key)

	// deleteOnConvert removed the entry: nothing left to convert.
	result, err = bob.ConvertTMRAccesses(ctx, token, overKey, nil, true)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 0, result.Succeeded)
}
