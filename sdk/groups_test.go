package sdk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcrypt/veil-go/interfaces"
)

func TestGroupLifecycle(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	carol := newTestAccount(t, srv, "carol")
	ctx := context.Background()

	aliceID := userIDOf(t, alice)
	bobID := userIDOf(t, bob)
	carolID := userIDOf(t, carol)

	groupID, err := alice.CreateGroup(ctx, "team", []interfaces.UserID{aliceID, bobID}, []interfaces.UserID{aliceID})
	require.NoError(t, err)

	session, err := alice.CreateEncryptionSession(ctx, append(recipientsOf(t, alice),
		interfaces.RecipientWithRights{RecipientID: groupID.String()}), false)
	require.NoError(t, err)
	encrypted, err := session.EncryptMessage("team only")
	require.NoError(t, err)

	// Bob reaches the session through group membership.
	viaGroup, err := bob.RetrieveEncryptionSession(ctx, session.ID, false, false, true)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RetrievalViaGroup, viaGroup.RetrievalDetails.Flow)
	assert.Equal(t, groupID, viaGroup.RetrievalDetails.GroupID)
	decrypted, err := viaGroup.DecryptMessage(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "team only", decrypted)

	// Group resolution must be asked for, and non-members get nothing.
	_, err = bob.RetrieveEncryptionSession(ctx, session.ID, false, false, false)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	_, err = carol.RetrieveEncryptionSession(ctx, session.ID, false, false, true)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)

	// Only admins manage membership.
	require.ErrorIs(t, bob.AddGroupMembers(ctx, groupID, []interfaces.UserID{carolID}, nil), interfaces.ErrNotGroupAdmin)
	require.NoError(t, alice.AddGroupMembers(ctx, groupID, []interfaces.UserID{carolID}, nil))

	_, err = carol.RetrieveEncryptionSession(ctx, session.ID, false, false, true)
	require.NoError(t, err)

	// Membership edit and key rotation are two explicit steps.
	require.NoError(t, alice.RemoveGroupMembers(ctx, groupID, []interfaces.UserID{carolID}))
	require.NoError(t, alice.RenewGroupKey(ctx, groupID))

	fresh, err := alice.CreateEncryptionSession(ctx, append(recipientsOf(t, alice),
		interfaces.RecipientWithRights{RecipientID: groupID.String()}), false)
	require.NoError(t, err)

	_, err = carol.RetrieveEncryptionSession(ctx, fresh.ID, false, false, true)
	require.ErrorIs(t, err, interfaces.ErrNotAuthorized)
	stillMember, err := bob.RetrieveEncryptionSession(ctx, fresh.ID, false, false, true)
	require.NoError(t, err)
	assert.Equal(t, fresh.Key, stillMember.Key)
}

func TestSetGroupAdmins(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	bob := newTestAccount(t, srv, "bob")
	carol := newTestAccount(t, srv, "carol")
	ctx := context.Background()

	aliceID := userIDOf(t, alice)
	bobID := userIDOf(t, bob)
	carolID := userIDOf(t, carol)

	groupID, err := alice.CreateGroup(ctx, "team", []interfaces.UserID{aliceID, bobID}, []interfaces.UserID{aliceID})
	require.NoError(t, err)

	// Non-members cannot be made admin.
	require.ErrorIs(t, alice.SetGroupAdmins(ctx, groupID, []interfaces.UserID{carolID}, nil), interfaces.ErrAdminsNotSubset)

	require.NoError(t, alice.SetGroupAdmins(ctx, groupID, []interfaces.UserID{bobID}, nil))
	require.NoError(t, bob.AddGroupMembers(ctx, groupID, []interfaces.UserID{carolID}, nil))

	info, err := bob.GroupInfo(ctx, groupID)
	require.NoError(t, err)
	assert.Contains(t, info.Members, carolID)
	assert.Contains(t, info.Admins, bobID)
}

func TestGroupTMRTemporaryKey(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestAccount(t, srv, "alice")
	carol := newTestAccount(t, srv, "carol")
	ctx := context.Background()

	aliceID := userIDOf(t, alice)
	carolID := userIDOf(t, carol)

	groupID, err := alice.CreateGroup(ctx, "team", []interfaces.UserID{aliceID}, []interfaces.UserID{aliceID})
	require.NoError(t, err)
	session, err := alice.CreateEncryptionSession(ctx, append(recipientsOf(t, alice),
		interfaces.RecipientWithRights{RecipientID: groupID.String()}), false)
	require.NoError(t, err)

	factor := interfaces.AuthFactor{Type: interfaces.AuthFactorSMS, Value: "+15550100"}
	overKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)

	tmpKey, err := alice.CreateGroupTMRTemporaryKey(ctx, groupID, factor, true, overKey)
	require.NoError(t, err)
	assert.Equal(t, groupID, tmpKey.GroupID)
	assert.True(t, tmpKey.IsAdmin)
	assert.Equal(t, interfaces.AuthFactorSMS, tmpKey.AuthFactorType)

	listed, err := alice.ListGroupTMRTemporaryKeys(ctx, groupID, 1, false)
	require.NoError(t, err)
	require.Len(t, listed.Keys, 1)
	assert.Equal(t, tmpKey.ID, listed.Keys[0].ID)

	token, err := srv.MintFactorToken(factor)
	require.NoError(t, err)

	found, err := carol.SearchGroupTMRTemporaryKeys(ctx, token, nil)
	require.NoError(t, err)
	require.Len(t, found.Keys, 1)

	// The wrong out-of-band key cannot convert, even with a valid token.
	wrongKey, err := interfaces.NewOverEncryptionKey()
	require.NoError(t, err)
	err = carol.ConvertGroupTMRTemporaryKey(ctx, groupID, tmpKey.ID, token, wrongKey, true)
	require.ErrorIs(t, err, interfaces.ErrTMRKeyMismatch)

	require.NoError(t, carol.ConvertGroupTMRTemporaryKey(ctx, groupID, tmpKey.ID, token, overKey, true))

	info, err := carol.GroupInfo(ctx, groupID)
	require.NoError(t, err)
	assert.Contains(t, info.Members, carolID)
	assert.Contains(t, info.Admins, carolID)

	// Carol joined with the current group key and can use group sessions.
	viaGroup, err := carol.RetrieveEncryptionSession(ctx, session.ID, false, false, true)
	require.NoError(t, err)
	assert.Equal(t, session.Key, viaGroup.Key)

	// The temporary key was deleted on convert.
	err = carol.ConvertGroupTMRTemporaryKey(ctx, groupID, tmpKey.ID, token, overKey, true)
	require.Error(t, err)
}
