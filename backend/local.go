package backend

import (
	"context"
	"sync"

	"github.com/veilcrypt/veil-go/interfaces"
)

// LocalBackend binds a Server to one calling device and implements
// interfaces.Backend in-process. Tests and the embedded dev-server mode use
// it to run the full SDK without HTTP in between.
type LocalBackend struct {
	server *Server

	mu     sync.Mutex
	caller Caller
}

var _ interfaces.Backend = (*LocalBackend)(nil)

// NewLocalBackend returns an unauthenticated local backend. The caller is
// bound by CreateAccount or Bind.
func NewLocalBackend(server *Server) *LocalBackend {
	return &LocalBackend{server: server}
}

// Bind sets the calling identity, for imported identities that never go
// through CreateAccount on this instance.
func (b *LocalBackend) Bind(userID interfaces.UserID, deviceID interfaces.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caller = Caller{UserID: userID, DeviceID: deviceID}
}

func (b *LocalBackend) who() Caller {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caller
}

func (b *LocalBackend) CreateAccount(ctx context.Context, req interfaces.CreateAccountRequest) (*interfaces.CreateAccountResponse, error) {
	resp, err := b.server.CreateAccount(req)
	if err != nil {
		return nil, err
	}
	b.Bind(resp.UserID, resp.DeviceID)
	return resp, nil
}

func (b *LocalBackend) UpdateCurrentDevice(ctx context.Context) (*interfaces.Device, error) {
	return b.server.CurrentDevice(b.who())
}

func (b *LocalBackend) CreateDevice(ctx context.Context, req interfaces.CreateDeviceRequest) (*interfaces.CreateDeviceResponse, error) {
	return b.server.CreateDevice(b.who(), req)
}

func (b *LocalBackend) RenewDevice(ctx context.Context, req interfaces.RenewDeviceRequest) (*interfaces.Device, error) {
	return b.server.RenewDevice(b.who(), req)
}

func (b *LocalBackend) Heartbeat(ctx context.Context) error {
	return b.server.Heartbeat(b.who())
}

func (b *LocalBackend) PushJWT(ctx context.Context, jwt string) error {
	return b.server.PushJWT(b.who(), jwt)
}

func (b *LocalBackend) UserDevices(ctx context.Context, userID interfaces.UserID) ([]interfaces.Device, error) {
	return b.server.UserDevices(b.who(), userID)
}

func (b *LocalBackend) DeviceProvisioned(ctx context.Context, deviceID interfaces.DeviceID) (bool, error) {
	return b.server.DeviceProvisioned(b.who(), deviceID)
}

func (b *LocalBackend) SigchainTransactions(ctx context.Context, userID interfaces.UserID) ([]interfaces.SigchainTransaction, error) {
	return b.server.SigchainTransactions(b.who(), userID)
}

func (b *LocalBackend) AddConnector(ctx context.Context, req interfaces.AddConnectorRequest) (*interfaces.Connector, error) {
	return b.server.AddConnector(b.who(), req)
}

func (b *LocalBackend) ValidateConnector(ctx context.Context, connectorID, challenge string) (*interfaces.Connector, error) {
	return b.server.ValidateConnector(b.who(), connectorID, challenge)
}

func (b *LocalBackend) RemoveConnector(ctx context.Context, connectorID string) (*interfaces.Connector, error) {
	return b.server.RemoveConnector(b.who(), connectorID)
}

func (b *LocalBackend) RetrieveConnector(ctx context.Context, connectorID string) (*interfaces.Connector, error) {
	return b.server.RetrieveConnector(b.who(), connectorID)
}

func (b *LocalBackend) ListConnectors(ctx context.Context) ([]interfaces.Connector, error) {
	return b.server.ListConnectors(b.who())
}

func (b *LocalBackend) LookupUsers(ctx context.Context, factors []interfaces.AuthFactor) ([]interfaces.UserID, error) {
	return b.server.LookupUsers(b.who(), factors)
}

func (b *LocalBackend) CreateSession(ctx context.Context, req interfaces.CreateSessionRequest) (interfaces.SessionID, error) {
	return b.server.CreateSession(b.who(), req)
}

func (b *LocalBackend) RetrieveSessionKey(ctx context.Context, id interfaces.SessionID) (*interfaces.RetrievedKey, error) {
	return b.server.RetrieveSessionKey(b.who(), id)
}

func (b *LocalBackend) RetrieveSessionKeyViaGroup(ctx context.Context, id interfaces.SessionID) (*interfaces.GroupRetrievedKey, error) {
	return b.server.RetrieveSessionKeyViaGroup(b.who(), id)
}

func (b *LocalBackend) RetrieveSessionKeyViaProxy(ctx context.Context, id interfaces.SessionID) (*interfaces.ProxyRetrievedKey, error) {
	return b.server.RetrieveSessionKeyViaProxy(b.who(), id)
}

func (b *LocalBackend) AddSessionKeys(ctx context.Context, id interfaces.SessionID, grants []interfaces.SessionGrant) (map[string]interfaces.ActionStatus, error) {
	return b.server.AddSessionKeys(b.who(), id, grants)
}

func (b *LocalBackend) AddProxySession(ctx context.Context, req interfaces.AddProxySessionRequest) error {
	return b.server.AddProxySession(b.who(), req)
}

func (b *LocalBackend) RevokeRecipients(ctx context.Context, id interfaces.SessionID, recipients []string, proxies []interfaces.SessionID) (*interfaces.RevokeResult, error) {
	return b.server.RevokeRecipients(b.who(), id, recipients, proxies)
}

func (b *LocalBackend) RevokeAll(ctx context.Context, id interfaces.SessionID) (*interfaces.RevokeResult, error) {
	return b.server.RevokeAll(b.who(), id)
}

func (b *LocalBackend) RevokeOthers(ctx context.Context, id interfaces.SessionID) (*interfaces.RevokeResult, error) {
	return b.server.RevokeOthers(b.who(), id)
}

func (b *LocalBackend) AddTMRAccesses(ctx context.Context, id interfaces.SessionID, entries []interfaces.TMRAccessUpload) (map[string]interfaces.ActionStatus, error) {
	return b.server.AddTMRAccesses(b.who(), id, entries)
}

func (b *LocalBackend) ListTMRAccesses(ctx context.Context, token string, id interfaces.SessionID, filters interfaces.TMRAccessesRetrievalFilters) ([]interfaces.TMRAccess, error) {
	return b.server.ListTMRAccesses(b.who(), token, id, filters)
}

func (b *LocalBackend) SearchTMRAccesses(ctx context.Context, token string, filters interfaces.TMRAccessesConvertFilters) ([]interfaces.TMRAccess, error) {
	return b.server.SearchTMRAccesses(b.who(), token, filters)
}

func (b *LocalBackend) ConvertTMRAccesses(ctx context.Context, req interfaces.ConvertTMRAccessesRequest) (map[string]interfaces.ActionStatus, error) {
	return b.server.ConvertTMRAccesses(b.who(), req)
}

func (b *LocalBackend) CreateGroup(ctx context.Context, req interfaces.CreateGroupRequest) (interfaces.GroupID, error) {
	return b.server.CreateGroup(b.who(), req)
}

func (b *LocalBackend) Group(ctx context.Context, id interfaces.GroupID) (*interfaces.GroupInfo, error) {
	return b.server.Group(b.who(), id)
}

func (b *LocalBackend) GroupKey(ctx context.Context, id interfaces.GroupID) ([]byte, error) {
	return b.server.GroupKey(b.who(), id)
}

func (b *LocalBackend) AddGroupMembers(ctx context.Context, req interfaces.AddGroupMembersRequest) error {
	return b.server.AddGroupMembers(b.who(), req)
}

func (b *LocalBackend) RemoveGroupMembers(ctx context.Context, id interfaces.GroupID, toRemove []interfaces.UserID) error {
	return b.server.RemoveGroupMembers(b.who(), id, toRemove)
}

func (b *LocalBackend) RenewGroupKey(ctx context.Context, req interfaces.RenewGroupKeyRequest) error {
	return b.server.RenewGroupKey(b.who(), req)
}

func (b *LocalBackend) SetGroupAdmins(ctx context.Context, id interfaces.GroupID, add, remove []interfaces.UserID) error {
	return b.server.SetGroupAdmins(b.who(), id, add, remove)
}

func (b *LocalBackend) CreateGroupTMRKey(ctx context.Context, req interfaces.CreateGroupTMRKeyRequest) (*interfaces.GroupTMRTemporaryKey, error) {
	return b.server.CreateGroupTMRKey(b.who(), req)
}

func (b *LocalBackend) ListGroupTMRKeys(ctx context.Context, id interfaces.GroupID, page interfaces.Pagination) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	return b.server.ListGroupTMRKeys(b.who(), id, page)
}

func (b *LocalBackend) SearchGroupTMRKeys(ctx context.Context, token string, opts interfaces.SearchGroupTMRTemporaryKeysOpts) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	return b.server.SearchGroupTMRKeys(b.who(), token, opts)
}

func (b *LocalBackend) GroupTMRKeyData(ctx context.Context, token string, id interfaces.GroupID, keyID string) (*interfaces.GroupTMRKeyData, error) {
	return b.server.GroupTMRKeyData(b.who(), token, id, keyID)
}

func (b *LocalBackend) ConvertGroupTMRKey(ctx context.Context, req interfaces.ConvertGroupTMRKeyRequest) error {
	return b.server.ConvertGroupTMRKey(b.who(), req)
}

func (b *LocalBackend) DeleteGroupTMRKey(ctx context.Context, id interfaces.GroupID, keyID string) error {
	return b.server.DeleteGroupTMRKey(b.who(), id, keyID)
}

func (b *LocalBackend) DevicesMissingKeys(ctx context.Context, forceRefresh bool) ([]interfaces.DeviceMissingKeys, error) {
	return b.server.DevicesMissingKeys(b.who(), forceRefresh)
}

func (b *LocalBackend) MissingSessionKeys(ctx context.Context, deviceID interfaces.DeviceID, page, pageSize int) (*interfaces.MissingKeysPage, error) {
	return b.server.MissingSessionKeys(b.who(), deviceID, page, pageSize)
}

func (b *LocalBackend) UploadReencryptedKeys(ctx context.Context, deviceID interfaces.DeviceID, keys []interfaces.ReencryptedKey) (int, error) {
	return b.server.UploadReencryptedKeys(b.who(), deviceID, keys)
}
