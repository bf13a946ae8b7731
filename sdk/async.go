package sdk

import (
	"context"
	"time"

	"github.com/veilcrypt/veil-go/interfaces"
)

// Result is the outcome of an asynchronous call.
type Result[T any] struct {
	Value T
	Err   error
}

// future schedules fn on its own goroutine and returns a buffered channel
// carrying its single outcome. Every ...Async method is this wrapper around
// the corresponding blocking call; semantics are identical.
func future[T any](fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		value, err := fn()
		ch <- Result[T]{Value: value, Err: err}
	}()
	return ch
}

// futureErr is future for calls returning only an error.
func futureErr(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- fn()
	}()
	return ch
}

// CreateAccountAsync is the non-blocking variant of CreateAccount.
func (s *Sdk) CreateAccountAsync(ctx context.Context, opts CreateAccountOptions) <-chan Result[*interfaces.AccountInfo] {
	return future(func() (*interfaces.AccountInfo, error) { return s.CreateAccount(ctx, opts) })
}

// RenewKeysAsync is the non-blocking variant of RenewKeys.
func (s *Sdk) RenewKeysAsync(ctx context.Context, expireAfter time.Duration) <-chan error {
	return futureErr(func() error { return s.RenewKeys(ctx, expireAfter) })
}

// CreateSubIdentityAsync is the non-blocking variant of CreateSubIdentity.
func (s *Sdk) CreateSubIdentityAsync(ctx context.Context, opts CreateSubIdentityOptions) <-chan Result[*SubIdentity] {
	return future(func() (*SubIdentity, error) { return s.CreateSubIdentity(ctx, opts) })
}

// CreateEncryptionSessionAsync is the non-blocking variant of
// CreateEncryptionSession.
func (s *Sdk) CreateEncryptionSessionAsync(ctx context.Context, recipients []interfaces.RecipientWithRights, cacheable bool) <-chan Result[*EncryptionSession] {
	return future(func() (*EncryptionSession, error) {
		return s.CreateEncryptionSession(ctx, recipients, cacheable)
	})
}

// RetrieveEncryptionSessionAsync is the non-blocking variant of
// RetrieveEncryptionSession.
func (s *Sdk) RetrieveEncryptionSessionAsync(ctx context.Context, id interfaces.SessionID, useCache, lookupProxyKey, lookupGroupKey bool) <-chan Result[*EncryptionSession] {
	return future(func() (*EncryptionSession, error) {
		return s.RetrieveEncryptionSession(ctx, id, useCache, lookupProxyKey, lookupGroupKey)
	})
}

// RetrieveEncryptionSessionFromMessageAsync is the non-blocking variant of
// RetrieveEncryptionSessionFromMessage.
func (s *Sdk) RetrieveEncryptionSessionFromMessageAsync(ctx context.Context, encryptedMessage string, useCache, lookupProxyKey, lookupGroupKey bool) <-chan Result[*EncryptionSession] {
	return future(func() (*EncryptionSession, error) {
		return s.RetrieveEncryptionSessionFromMessage(ctx, encryptedMessage, useCache, lookupProxyKey, lookupGroupKey)
	})
}

// RetrieveEncryptionSessionFromFileAsync is the non-blocking variant of
// RetrieveEncryptionSessionFromFile.
func (s *Sdk) RetrieveEncryptionSessionFromFileAsync(ctx context.Context, encryptedFile []byte, useCache, lookupProxyKey, lookupGroupKey bool) <-chan Result[*EncryptionSession] {
	return future(func() (*EncryptionSession, error) {
		return s.RetrieveEncryptionSessionFromFile(ctx, encryptedFile, useCache, lookupProxyKey, lookupGroupKey)
	})
}

// RetrieveEncryptionSessionFromFilePathAsync is the non-blocking variant of
// RetrieveEncryptionSessionFromFilePath.
func (s *Sdk) RetrieveEncryptionSessionFromFilePathAsync(ctx context.Context, path string, useCache, lookupProxyKey, lookupGroupKey bool) <-chan Result[*EncryptionSession] {
	return future(func() (*EncryptionSession, error) {
		return s.RetrieveEncryptionSessionFromFilePath(ctx, path, useCache, lookupProxyKey, lookupGroupKey)
	})
}

// RetrieveMultipleEncryptionSessionsAsync is the non-blocking variant of
// RetrieveMultipleEncryptionSessions.
func (s *Sdk) RetrieveMultipleEncryptionSessionsAsync(ctx context.Context, ids []interfaces.SessionID, useCache, lookupProxyKey, lookupGroupKey bool) <-chan Result[[]*EncryptionSession] {
	return future(func() ([]*EncryptionSession, error) {
		return s.RetrieveMultipleEncryptionSessions(ctx, ids, useCache, lookupProxyKey, lookupGroupKey)
	})
}

// RetrieveEncryptionSessionByTMRAsync is the non-blocking variant of
// RetrieveEncryptionSessionByTMR.
func (s *Sdk) RetrieveEncryptionSessionByTMRAsync(ctx context.Context, token string, id interfaces.SessionID, overKey interfaces.OverEncryptionKey, filters *interfaces.TMRAccessesRetrievalFilters, tryAllIfMultiple bool) <-chan Result[*EncryptionSession] {
	return future(func() (*EncryptionSession, error) {
		return s.RetrieveEncryptionSessionByTMR(ctx, token, id, overKey, filters, tryAllIfMultiple)
	})
}

// ConvertTMRAccessesAsync is the non-blocking variant of ConvertTMRAccesses.
func (s *Sdk) ConvertTMRAccessesAsync(ctx context.Context, token string, overKey interfaces.OverEncryptionKey, filters *interfaces.TMRAccessesConvertFilters, deleteOnConvert bool) <-chan Result[*interfaces.ConvertTMRAccessesResult] {
	return future(func() (*interfaces.ConvertTMRAccessesResult, error) {
		return s.ConvertTMRAccesses(ctx, token, overKey, filters, deleteOnConvert)
	})
}

// CreateGroupAsync is the non-blocking variant of CreateGroup.
func (s *Sdk) CreateGroupAsync(ctx context.Context, name string, members, admins []interfaces.UserID) <-chan Result[interfaces.GroupID] {
	return future(func() (interfaces.GroupID, error) { return s.CreateGroup(ctx, name, members, admins) })
}

// AddGroupMembersAsync is the non-blocking variant of AddGroupMembers.
func (s *Sdk) AddGroupMembersAsync(ctx context.Context, groupID interfaces.GroupID, toAdd, toMakeAdmin []interfaces.UserID) <-chan error {
	return futureErr(func() error { return s.AddGroupMembers(ctx, groupID, toAdd, toMakeAdmin) })
}

// RemoveGroupMembersAsync is the non-blocking variant of RemoveGroupMembers.
func (s *Sdk) RemoveGroupMembersAsync(ctx context.Context, groupID interfaces.GroupID, toRemove []interfaces.UserID) <-chan error {
	return futureErr(func() error { return s.RemoveGroupMembers(ctx, groupID, toRemove) })
}

// RenewGroupKeyAsync is the non-blocking variant of RenewGroupKey.
func (s *Sdk) RenewGroupKeyAsync(ctx context.Context, groupID interfaces.GroupID) <-chan error {
	return futureErr(func() error { return s.RenewGroupKey(ctx, groupID) })
}

// SetGroupAdminsAsync is the non-blocking variant of SetGroupAdmins.
func (s *Sdk) SetGroupAdminsAsync(ctx context.Context, groupID interfaces.GroupID, addToAdmins, removeFromAdmins []interfaces.UserID) <-chan error {
	return futureErr(func() error { return s.SetGroupAdmins(ctx, groupID, addToAdmins, removeFromAdmins) })
}

// DevicesMissingKeysAsync is the non-blocking variant of DevicesMissingKeys.
func (s *Sdk) DevicesMissingKeysAsync(ctx context.Context, forceRefresh bool) <-chan Result[[]interfaces.DeviceMissingKeys] {
	return future(func() ([]interfaces.DeviceMissingKeys, error) { return s.DevicesMissingKeys(ctx, forceRefresh) })
}

// MassReencryptAsync is the non-blocking variant of MassReencrypt.
func (s *Sdk) MassReencryptAsync(ctx context.Context, deviceID interfaces.DeviceID, opts interfaces.MassReencryptOptions) <-chan Result[*interfaces.MassReencryptResponse] {
	return future(func() (*interfaces.MassReencryptResponse, error) { return s.MassReencrypt(ctx, deviceID, opts) })
}

// GetSigchainHashAsync is the non-blocking variant of GetSigchainHash.
func (s *Sdk) GetSigchainHashAsync(ctx context.Context, userID interfaces.UserID, position int) <-chan Result[*interfaces.GetSigchainResponse] {
	return future(func() (*interfaces.GetSigchainResponse, error) { return s.GetSigchainHash(ctx, userID, position) })
}

// CheckSigchainHashAsync is the non-blocking variant of CheckSigchainHash.
func (s *Sdk) CheckSigchainHashAsync(ctx context.Context, userID interfaces.UserID, expectedHash string, position int) <-chan Result[*interfaces.CheckSigchainResponse] {
	return future(func() (*interfaces.CheckSigchainResponse, error) {
		return s.CheckSigchainHash(ctx, userID, expectedHash, position)
	})
}

// GroupInfoAsync is the non-blocking variant of GroupInfo.
func (s *Sdk) GroupInfoAsync(ctx context.Context, groupID interfaces.GroupID) <-chan Result[*interfaces.GroupInfo] {
	return future(func() (*interfaces.GroupInfo, error) { return s.GroupInfo(ctx, groupID) })
}

// CreateGroupTMRTemporaryKeyAsync is the non-blocking variant of
// CreateGroupTMRTemporaryKey.
func (s *Sdk) CreateGroupTMRTemporaryKeyAsync(ctx context.Context, groupID interfaces.GroupID, factor interfaces.AuthFactor, isAdmin bool, overKey interfaces.OverEncryptionKey) <-chan Result[*interfaces.GroupTMRTemporaryKey] {
	return future(func() (*interfaces.GroupTMRTemporaryKey, error) {
		return s.CreateGroupTMRTemporaryKey(ctx, groupID, factor, isAdmin, overKey)
	})
}

// ListGroupTMRTemporaryKeysAsync is the non-blocking variant of
// ListGroupTMRTemporaryKeys.
func (s *Sdk) ListGroupTMRTemporaryKeysAsync(ctx context.Context, groupID interfaces.GroupID, page int, all bool) <-chan Result[*interfaces.ListedGroupTMRTemporaryKeys] {
	return future(func() (*interfaces.ListedGroupTMRTemporaryKeys, error) {
		return s.ListGroupTMRTemporaryKeys(ctx, groupID, page, all)
	})
}

// SearchGroupTMRTemporaryKeysAsync is the non-blocking variant of
// SearchGroupTMRTemporaryKeys.
func (s *Sdk) SearchGroupTMRTemporaryKeysAsync(ctx context.Context, token string, opts *interfaces.SearchGroupTMRTemporaryKeysOpts) <-chan Result[*interfaces.ListedGroupTMRTemporaryKeys] {
	return future(func() (*interfaces.ListedGroupTMRTemporaryKeys, error) {
		return s.SearchGroupTMRTemporaryKeys(ctx, token, opts)
	})
}

// ConvertGroupTMRTemporaryKeyAsync is the non-blocking variant of
// ConvertGroupTMRTemporaryKey.
func (s *Sdk) ConvertGroupTMRTemporaryKeyAsync(ctx context.Context, groupID interfaces.GroupID, temporaryKeyID, token string, overKey interfaces.OverEncryptionKey, deleteOnConvert bool) <-chan error {
	return futureErr(func() error {
		return s.ConvertGroupTMRTemporaryKey(ctx, groupID, temporaryKeyID, token, overKey, deleteOnConvert)
	})
}

// DeleteGroupTMRTemporaryKeyAsync is the non-blocking variant of
// DeleteGroupTMRTemporaryKey.
func (s *Sdk) DeleteGroupTMRTemporaryKeyAsync(ctx context.Context, groupID interfaces.GroupID, temporaryKeyID string) <-chan error {
	return futureErr(func() error { return s.DeleteGroupTMRTemporaryKey(ctx, groupID, temporaryKeyID) })
}

// UpdateCurrentDeviceAsync is the non-blocking variant of UpdateCurrentDevice.
func (s *Sdk) UpdateCurrentDeviceAsync(ctx context.Context) <-chan error {
	return futureErr(func() error { return s.UpdateCurrentDevice(ctx) })
}

// HeartbeatAsync is the non-blocking variant of Heartbeat.
func (s *Sdk) HeartbeatAsync(ctx context.Context) <-chan error {
	return futureErr(func() error { return s.Heartbeat(ctx) })
}

// PushJWTAsync is the non-blocking variant of PushJWT.
func (s *Sdk) PushJWTAsync(ctx context.Context, jwt string) <-chan error {
	return futureErr(func() error { return s.PushJWT(ctx, jwt) })
}

// AddConnectorAsync is the non-blocking variant of AddConnector.
func (s *Sdk) AddConnectorAsync(ctx context.Context, factorType interfaces.AuthFactorType, value, preValidationToken string) <-chan Result[*interfaces.Connector] {
	return future(func() (*interfaces.Connector, error) {
		return s.AddConnector(ctx, factorType, value, preValidationToken)
	})
}

// ValidateConnectorAsync is the non-blocking variant of ValidateConnector.
func (s *Sdk) ValidateConnectorAsync(ctx context.Context, connectorID, challenge string) <-chan Result[*interfaces.Connector] {
	return future(func() (*interfaces.Connector, error) { return s.ValidateConnector(ctx, connectorID, challenge) })
}

// RemoveConnectorAsync is the non-blocking variant of RemoveConnector.
func (s *Sdk) RemoveConnectorAsync(ctx context.Context, connectorID string) <-chan Result[*interfaces.Connector] {
	return future(func() (*interfaces.Connector, error) { return s.RemoveConnector(ctx, connectorID) })
}

// RetrieveConnectorAsync is the non-blocking variant of RetrieveConnector.
func (s *Sdk) RetrieveConnectorAsync(ctx context.Context, connectorID string) <-chan Result[*interfaces.Connector] {
	return future(func() (*interfaces.Connector, error) { return s.RetrieveConnector(ctx, connectorID) })
}

// ListConnectorsAsync is the non-blocking variant of ListConnectors.
func (s *Sdk) ListConnectorsAsync(ctx context.Context) <-chan Result[[]interfaces.Connector] {
	return future(func() ([]interfaces.Connector, error) { return s.ListConnectors(ctx) })
}

// LookupUsersAsync is the non-blocking variant of LookupUsers.
func (s *Sdk) LookupUsersAsync(ctx context.Context, factors []interfaces.AuthFactor) <-chan Result[[]interfaces.UserID] {
	return future(func() ([]interfaces.UserID, error) { return s.LookupUsers(ctx, factors) })
}

// AddRecipientsAsync is the non-blocking variant of AddRecipients.
func (es *EncryptionSession) AddRecipientsAsync(ctx context.Context, recipients []interfaces.RecipientWithRights) <-chan Result[map[string]interfaces.ActionStatus] {
	return future(func() (map[string]interfaces.ActionStatus, error) { return es.AddRecipients(ctx, recipients) })
}

// AddProxySessionAsync is the non-blocking variant of AddProxySession.
func (es *EncryptionSession) AddProxySessionAsync(ctx context.Context, proxySessionID interfaces.SessionID, rights *interfaces.RecipientRights) <-chan error {
	return futureErr(func() error { return es.AddProxySession(ctx, proxySessionID, rights) })
}

// RevokeRecipientsAsync is the non-blocking variant of RevokeRecipients.
func (es *EncryptionSession) RevokeRecipientsAsync(ctx context.Context, recipients []string, proxySessionIDs []interfaces.SessionID) <-chan Result[*interfaces.RevokeResult] {
	return future(func() (*interfaces.RevokeResult, error) { return es.RevokeRecipients(ctx, recipients, proxySessionIDs) })
}

// RevokeAllAsync is the non-blocking variant of RevokeAll.
func (es *EncryptionSession) RevokeAllAsync(ctx context.Context) <-chan Result[*interfaces.RevokeResult] {
	return future(func() (*interfaces.RevokeResult, error) { return es.RevokeAll(ctx) })
}

// RevokeOthersAsync is the non-blocking variant of RevokeOthers.
func (es *EncryptionSession) RevokeOthersAsync(ctx context.Context) <-chan Result[*interfaces.RevokeResult] {
	return future(func() (*interfaces.RevokeResult, error) { return es.RevokeOthers(ctx) })
}

// EncryptMessageAsync is the non-blocking variant of EncryptMessage.
func (es *EncryptionSession) EncryptMessageAsync(clearMessage string) <-chan Result[string] {
	return future(func() (string, error) { return es.EncryptMessage(clearMessage) })
}

// DecryptMessageAsync is the non-blocking variant of DecryptMessage.
func (es *EncryptionSession) DecryptMessageAsync(encryptedMessage string) <-chan Result[string] {
	return future(func() (string, error) { return es.DecryptMessage(encryptedMessage) })
}

// EncryptFileAsync is the non-blocking variant of EncryptFile.
func (es *EncryptionSession) EncryptFileAsync(filename string, content []byte) <-chan Result[[]byte] {
	return future(func() ([]byte, error) { return es.EncryptFile(filename, content) })
}

// DecryptFileAsync is the non-blocking variant of DecryptFile.
func (es *EncryptionSession) DecryptFileAsync(encryptedFile []byte) <-chan Result[*interfaces.ClearFile] {
	return future(func() (*interfaces.ClearFile, error) { return es.DecryptFile(encryptedFile) })
}

// AddTMRAccessAsync is the non-blocking variant of AddTMRAccess.
func (es *EncryptionSession) AddTMRAccessAsync(ctx context.Context, recipient interfaces.TMRRecipientWithRights) <-chan Result[string] {
	return future(func() (string, error) { return es.AddTMRAccess(ctx, recipient) })
}

// AddMultipleTMRAccessesAsync is the non-blocking variant of
// AddMultipleTMRAccesses.
func (es *EncryptionSession) AddMultipleTMRAccessesAsync(ctx context.Context, recipients []interfaces.TMRRecipientWithRights) <-chan Result[map[string]interfaces.ActionStatus] {
	return future(func() (map[string]interfaces.ActionStatus, error) {
		return es.AddMultipleTMRAccesses(ctx, recipients)
	})
}
