package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/sigchain"
)

func newTestServer(t *testing.T) (*httptest.Server, *backend.Server) {
	t.Helper()
	model, err := backend.NewServer(backend.ServerConfig{})
	require.NoError(t, err)
	srv, err := New(&Config{}, model)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, model
}

func registerClient(t *testing.T, ts *httptest.Server, name string) (*backend.Client, cryptoutils.PrivateKey, cryptoutils.PublicKey, interfaces.UserID, interfaces.DeviceID) {
	t.Helper()
	pub, priv, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	userID := interfaces.UserID("user-" + name)
	deviceID := interfaces.DeviceID("device-" + name)
	genesis, err := sigchain.NewGenesis(userID, deviceID, pub, priv, time.Now())
	require.NoError(t, err)

	client := &backend.Client{ServerAddr: ts.URL}
	resp, err := client.CreateAccount(context.Background(), interfaces.CreateAccountRequest{
		SignupJWT:       "signup-token",
		DisplayName:     name,
		DevicePublicKey: pub,
		Genesis:         genesis,
	})
	require.NoError(t, err)
	require.NotEmpty(t, client.Token())
	return client, priv, pub, resp.UserID, resp.DeviceID
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	client := &backend.Client{ServerAddr: ts.URL}

	err := client.Heartbeat(context.Background())
	var apiErr *interfaces.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}

func TestSessionOverHTTP(t *testing.T) {
	ts, model := newTestServer(t)
	ctx := context.Background()

	alice, alicePriv, alicePub, aliceID, aliceDeviceID := registerClient(t, ts, "alice")
	bob, bobPriv, bobPub, bobID, bobDeviceID := registerClient(t, ts, "bob")

	key, err := cryptoutils.NewSymmetricKey()
	require.NoError(t, err)
	wrapToAlice, err := cryptoutils.EncryptWithPublicKey(alicePub, key)
	require.NoError(t, err)
	wrapToBob, err := cryptoutils.EncryptWithPublicKey(bobPub, key)
	require.NoError(t, err)

	id, err := alice.CreateSession(ctx, interfaces.CreateSessionRequest{Grants: []interfaces.SessionGrant{
		{
			RecipientID: aliceID.String(),
			Rights:      interfaces.CreatorRights(),
			Keys:        []interfaces.WrappedKey{{UserID: aliceID, DeviceID: aliceDeviceID, Ciphertext: wrapToAlice}},
		},
		{
			RecipientID: bobID.String(),
			Rights:      interfaces.DefaultRights(),
			Keys:        []interfaces.WrappedKey{{UserID: bobID, DeviceID: bobDeviceID, Ciphertext: wrapToBob}},
		},
	}})
	require.NoError(t, err)

	retrieved, err := bob.RetrieveSessionKey(ctx, id)
	require.NoError(t, err)
	unwrapped, err := cryptoutils.DecryptWithPrivateKey(bobPriv, retrieved.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte(key), unwrapped)

	t.Run("heartbeat", func(t *testing.T) {
		assert.NoError(t, alice.Heartbeat(ctx))
	})

	t.Run("revoke and error mapping", func(t *testing.T) {
		result, err := alice.RevokeAll(ctx, id)
		require.NoError(t, err)
		assert.True(t, result.Recipients[bobID.String()].Success)

		// The terminated session is tombstoned: known id, no access.
		_, err = bob.RetrieveSessionKey(ctx, id)
		var apiErr *interfaces.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.False(t, interfaces.IsTransient(err))
	})

	t.Run("throttling surfaces retry-after", func(t *testing.T) {
		model.Intercept = func(op string) error {
			if op == "Heartbeat" {
				return &interfaces.APIError{Status: 429, Code: "throttled", RetryAfter: 3}
			}
			return nil
		}
		defer func() { model.Intercept = nil }()

		err := alice.Heartbeat(ctx)
		seconds, throttled := interfaces.IsThrottled(err)
		assert.True(t, throttled)
		assert.Equal(t, 3, seconds)
	})

	_ = alicePriv
}

func TestFactorTokenEndpoint(t *testing.T) {
	ts, model := newTestServer(t)
	ctx := context.Background()

	alice, _, _, aliceID, aliceDeviceID := registerClient(t, ts, "alice")
	_ = aliceID
	_ = aliceDeviceID

	resp, err := http.Post(ts.URL+"/api/v1/dev/factor-token", "application/json",
		strings.NewReader(`{"factor":{"type":"EM","value":"carol@example.com"}}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The minted token searches cleanly even with no accesses yet.
	var out backend.FactorTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	accesses, err := alice.SearchTMRAccesses(ctx, out.Token, interfaces.TMRAccessesConvertFilters{})
	require.NoError(t, err)
	assert.Empty(t, accesses)
	_ = model
}
