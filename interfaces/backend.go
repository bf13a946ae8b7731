package interfaces

import (
	"context"
	"time"
)

// WrappedKey is a key ciphertext encrypted to one device's public key.
// DeviceID is empty when the ciphertext is wrapped to a group's public key
// instead of a device's.
type WrappedKey struct {
	UserID     UserID   `json:"user_id,omitempty"`
	DeviceID   DeviceID `json:"device_id,omitempty"`
	Ciphertext []byte   `json:"ciphertext"`
}

// SessionGrant is one recipient grant uploaded with a session: the recipient
// id (user or group), the rights to attach, and the session key wrapped to
// each of the recipient's devices (or once to the group public key).
type SessionGrant struct {
	RecipientID string          `json:"recipient_id"`
	Rights      RecipientRights `json:"rights"`
	Keys        []WrappedKey    `json:"keys"`
}

// CreateSessionRequest uploads a new session and its initial grants.
type CreateSessionRequest struct {
	Grants []SessionGrant `json:"grants"`
}

// CreateAccountRequest registers a new user and its first device.
type CreateAccountRequest struct {
	// SignupJWT authorizes the account creation. Forwarded verbatim.
	SignupJWT   string `json:"signup_jwt"`
	DisplayName string `json:"display_name"`
	DeviceName  string `json:"device_name"`
	// DevicePublicKey is the PEM-encoded public key of the first device.
	DevicePublicKey []byte `json:"device_public_key"`
	// ExpireAfter is the device key validity period. Zero means the default
	// of five years.
	ExpireAfter time.Duration `json:"expire_after"`
	// Genesis is the first, self-signed sigchain transaction.
	Genesis SigchainTransaction `json:"genesis"`
}

// CreateAccountResponse carries the backend-assigned identifiers and the
// bearer token authenticating subsequent calls from this device.
type CreateAccountResponse struct {
	UserID        UserID    `json:"user_id"`
	DeviceID      DeviceID  `json:"device_id"`
	DeviceExpires time.Time `json:"device_expires"`
	Token         string    `json:"token,omitempty"`
}

// CreateDeviceRequest registers an additional device for the current user.
// The new device is not immediately provisioned server-side.
type CreateDeviceRequest struct {
	DeviceName      string        `json:"device_name"`
	DevicePublicKey []byte        `json:"device_public_key"`
	ExpireAfter     time.Duration `json:"expire_after"`
	// Transaction is the sigchain transaction adding the device, signed by
	// the current device.
	Transaction SigchainTransaction `json:"transaction"`
}

// CreateDeviceResponse carries the registered device and a bearer token for
// it, so the new device can authenticate before its first key renewal.
type CreateDeviceResponse struct {
	Device Device `json:"device"`
	Token  string `json:"token,omitempty"`
}

// RenewDeviceRequest replaces the current device's keypair.
type RenewDeviceRequest struct {
	DevicePublicKey []byte              `json:"device_public_key"`
	ExpireAfter     time.Duration       `json:"expire_after"`
	Transaction     SigchainTransaction `json:"transaction"`
}

// SigchainTransaction is one position of a user's append-only key history.
// Hash is the Keccak-256 of the transaction's canonical encoding chained
// onto PrevHash; positions are monotonically increasing and immutable once
// issued.
type SigchainTransaction struct {
	Position int      `json:"position"`
	Type     string   `json:"type"`
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
	// PublicKey is the PEM-encoded device public key introduced or renewed
	// by this transaction.
	PublicKey []byte    `json:"public_key,omitempty"`
	Created   time.Time `json:"created"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	// Signature by the signing device over Hash. The genesis transaction is
	// self-signed.
	Signature []byte `json:"signature"`
}

// RetrievedKey is a direct-grant session key for the calling device.
type RetrievedKey struct {
	// Ciphertext is the session key wrapped to the calling device.
	Ciphertext []byte          `json:"ciphertext"`
	Rights     RecipientRights `json:"rights"`
}

// GroupRetrievedKey is a session key reachable through group membership.
type GroupRetrievedKey struct {
	GroupID GroupID `json:"group_id"`
	// EncryptedGroupKey is the group private key wrapped to the calling
	// device.
	EncryptedGroupKey []byte `json:"encrypted_group_key"`
	// EncryptedSessionKey is the session key wrapped to the group public
	// key.
	EncryptedSessionKey []byte `json:"encrypted_session_key"`
}

// ProxyRetrievedKey is a session key reachable through a proxy session the
// caller is a direct recipient of.
type ProxyRetrievedKey struct {
	ProxySessionID SessionID `json:"proxy_session_id"`
	// EncryptedProxyKey is the proxy session key wrapped to the calling
	// device.
	EncryptedProxyKey []byte `json:"encrypted_proxy_key"`
	// EncryptedSessionKey is the session key encrypted under the proxy
	// session's symmetric key.
	EncryptedSessionKey []byte `json:"encrypted_session_key"`
}

// AddProxySessionRequest links a proxy session to a session. Ciphertext is
// the session key encrypted under the proxy session's symmetric key.
type AddProxySessionRequest struct {
	SessionID      SessionID       `json:"session_id"`
	ProxySessionID SessionID       `json:"proxy_session_id"`
	Rights         RecipientRights `json:"rights"`
	Ciphertext     []byte          `json:"ciphertext"`
}

// TMRAccessUpload creates one factor-gated access on a session.
// EncryptedKey is the session key wrapped once normally and once more under
// the entry's over-encryption key.
type TMRAccessUpload struct {
	AuthFactor   AuthFactor      `json:"auth_factor"`
	Rights       RecipientRights `json:"rights"`
	EncryptedKey []byte          `json:"encrypted_key"`
}

// TMRConversion turns one factor-gated entry into durable grants for the
// calling user: the unwrapped session key re-wrapped to each of the caller's
// devices.
type TMRConversion struct {
	AccessID  string       `json:"access_id"`
	SessionID SessionID    `json:"session_id"`
	Keys      []WrappedKey `json:"keys"`
}

// ConvertTMRAccessesRequest applies a batch of conversions authenticated by
// a factor token.
type ConvertTMRAccessesRequest struct {
	Token           string          `json:"token"`
	Conversions     []TMRConversion `json:"conversions"`
	DeleteOnConvert bool            `json:"delete_on_convert"`
}

// GroupInfo is the backend's view of a group.
type GroupInfo struct {
	ID      GroupID  `json:"id"`
	Name    string   `json:"name"`
	Members []UserID `json:"members"`
	Admins  []UserID `json:"admins"`
	// PublicKey is the PEM-encoded current group public key.
	PublicKey []byte `json:"public_key"`
}

// CreateGroupRequest registers a group with its initial membership. Keys
// holds the group private key wrapped to every member device.
type CreateGroupRequest struct {
	Name      string       `json:"name"`
	Members   []UserID     `json:"members"`
	Admins    []UserID     `json:"admins"`
	PublicKey []byte       `json:"public_key"`
	Keys      []WrappedKey `json:"keys"`
}

// AddGroupMembersRequest adds members, wrapping the current group key to
// their devices.
type AddGroupMembersRequest struct {
	GroupID     GroupID      `json:"group_id"`
	ToAdd       []UserID     `json:"to_add"`
	AdminsToSet []UserID     `json:"admins_to_set"`
	Keys        []WrappedKey `json:"keys"`
}

// RenewGroupKeyRequest rotates the group keypair, re-wrapping the new
// private key to all current member devices.
type RenewGroupKeyRequest struct {
	GroupID   GroupID      `json:"group_id"`
	PublicKey []byte       `json:"public_key"`
	Keys      []WrappedKey `json:"keys"`
}

// CreateGroupTMRKeyRequest creates a factor-gated temporary key giving
// access to a group. EncryptedKey is the group private key wrapped under the
// entry's over-encryption key.
type CreateGroupTMRKeyRequest struct {
	GroupID      GroupID    `json:"group_id"`
	AuthFactor   AuthFactor `json:"auth_factor"`
	IsAdmin      bool       `json:"is_admin"`
	EncryptedKey []byte     `json:"encrypted_key"`
}

// GroupTMRKeyData is the convertible payload of a group TMR temporary key,
// released only to a caller presenting a valid factor token.
type GroupTMRKeyData struct {
	Key GroupTMRTemporaryKey `json:"key"`
	// EncryptedKey is the group private key wrapped under the entry's
	// over-encryption key.
	EncryptedKey []byte `json:"encrypted_key"`
	// GroupPublicKey is the current group public key.
	GroupPublicKey []byte `json:"group_public_key"`
}

// ConvertGroupTMRKeyRequest joins the calling user to the group after a
// successful unwrap. Keys holds the group private key wrapped to the
// caller's devices.
type ConvertGroupTMRKeyRequest struct {
	GroupID         GroupID      `json:"group_id"`
	TemporaryKeyID  string       `json:"temporary_key_id"`
	Token           string       `json:"token"`
	Keys            []WrappedKey `json:"keys"`
	DeleteOnConvert bool         `json:"delete_on_convert"`
}

// MissingSessionKey is one session key absent from a device, wrapped to the
// calling device so it can be re-encrypted.
type MissingSessionKey struct {
	SessionID  SessionID `json:"session_id"`
	Ciphertext []byte    `json:"ciphertext"`
}

// MissingKeysPage is one page of missing session keys.
type MissingKeysPage struct {
	NbPage int                 `json:"nb_page"`
	Keys   []MissingSessionKey `json:"keys"`
}

// ReencryptedKey is a session key re-wrapped to the target device.
type ReencryptedKey struct {
	SessionID  SessionID `json:"session_id"`
	Ciphertext []byte    `json:"ciphertext"`
}

// AddConnectorRequest attaches an external identifier to the current user.
type AddConnectorRequest struct {
	Type  AuthFactorType `json:"type"`
	Value string         `json:"value"`
	// PreValidationToken lets the application server vouch for the
	// connector so no challenge round-trip is needed. Forwarded verbatim.
	PreValidationToken string `json:"pre_validation_token,omitempty"`
}

// Backend is the authenticated transport collaborator. Implementations
// perform the actual RPCs against the authorization server; the in-process
// reference implementation lives in package backend. All methods are safe
// for concurrent use. Bearer tokens are forwarded verbatim and never parsed
// by the SDK.
type Backend interface {
	// Account and devices.
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResponse, error)
	UpdateCurrentDevice(ctx context.Context) (*Device, error)
	CreateDevice(ctx context.Context, req CreateDeviceRequest) (*CreateDeviceResponse, error)
	RenewDevice(ctx context.Context, req RenewDeviceRequest) (*Device, error)
	Heartbeat(ctx context.Context) error
	PushJWT(ctx context.Context, jwt string) error
	UserDevices(ctx context.Context, userID UserID) ([]Device, error)
	DeviceProvisioned(ctx context.Context, deviceID DeviceID) (bool, error)
	SigchainTransactions(ctx context.Context, userID UserID) ([]SigchainTransaction, error)

	// Connectors.
	AddConnector(ctx context.Context, req AddConnectorRequest) (*Connector, error)
	ValidateConnector(ctx context.Context, connectorID, challenge string) (*Connector, error)
	RemoveConnector(ctx context.Context, connectorID string) (*Connector, error)
	RetrieveConnector(ctx context.Context, connectorID string) (*Connector, error)
	ListConnectors(ctx context.Context) ([]Connector, error)
	LookupUsers(ctx context.Context, factors []AuthFactor) ([]UserID, error)

	// Sessions.
	CreateSession(ctx context.Context, req CreateSessionRequest) (SessionID, error)
	RetrieveSessionKey(ctx context.Context, id SessionID) (*RetrievedKey, error)
	RetrieveSessionKeyViaGroup(ctx context.Context, id SessionID) (*GroupRetrievedKey, error)
	RetrieveSessionKeyViaProxy(ctx context.Context, id SessionID) (*ProxyRetrievedKey, error)
	AddSessionKeys(ctx context.Context, id SessionID, grants []SessionGrant) (map[string]ActionStatus, error)
	AddProxySession(ctx context.Context, req AddProxySessionRequest) error
	RevokeRecipients(ctx context.Context, id SessionID, recipients []string, proxies []SessionID) (*RevokeResult, error)
	RevokeAll(ctx context.Context, id SessionID) (*RevokeResult, error)
	RevokeOthers(ctx context.Context, id SessionID) (*RevokeResult, error)

	// TMR accesses.
	AddTMRAccesses(ctx context.Context, id SessionID, entries []TMRAccessUpload) (map[string]ActionStatus, error)
	ListTMRAccesses(ctx context.Context, token string, id SessionID, filters TMRAccessesRetrievalFilters) ([]TMRAccess, error)
	SearchTMRAccesses(ctx context.Context, token string, filters TMRAccessesConvertFilters) ([]TMRAccess, error)
	ConvertTMRAccesses(ctx context.Context, req ConvertTMRAccessesRequest) (map[string]ActionStatus, error)

	// Groups.
	CreateGroup(ctx context.Context, req CreateGroupRequest) (GroupID, error)
	Group(ctx context.Context, id GroupID) (*GroupInfo, error)
	GroupKey(ctx context.Context, id GroupID) ([]byte, error)
	AddGroupMembers(ctx context.Context, req AddGroupMembersRequest) error
	RemoveGroupMembers(ctx context.Context, id GroupID, toRemove []UserID) error
	RenewGroupKey(ctx context.Context, req RenewGroupKeyRequest) error
	SetGroupAdmins(ctx context.Context, id GroupID, add, remove []UserID) error

	// Group TMR temporary keys.
	CreateGroupTMRKey(ctx context.Context, req CreateGroupTMRKeyRequest) (*GroupTMRTemporaryKey, error)
	ListGroupTMRKeys(ctx context.Context, id GroupID, page Pagination) (*ListedGroupTMRTemporaryKeys, error)
	SearchGroupTMRKeys(ctx context.Context, token string, opts SearchGroupTMRTemporaryKeysOpts) (*ListedGroupTMRTemporaryKeys, error)
	GroupTMRKeyData(ctx context.Context, token string, id GroupID, keyID string) (*GroupTMRKeyData, error)
	ConvertGroupTMRKey(ctx context.Context, req ConvertGroupTMRKeyRequest) error
	DeleteGroupTMRKey(ctx context.Context, id GroupID, keyID string) error

	// Recovery.
	DevicesMissingKeys(ctx context.Context, forceRefresh bool) ([]DeviceMissingKeys, error)
	MissingSessionKeys(ctx context.Context, deviceID DeviceID, page, pageSize int) (*MissingKeysPage, error)
	UploadReencryptedKeys(ctx context.Context, deviceID DeviceID, keys []ReencryptedKey) (int, error)
}
