package backend

import "github.com/veilcrypt/veil-go/interfaces"

// Wire envelopes shared by the HTTP client and the dev server, for
// operations whose input or result is not already a single struct.

type PushJWTRequest struct {
	Token string `json:"token"`
}

type ProvisionedResponse struct {
	Provisioned bool `json:"provisioned"`
}

type DevicesResponse struct {
	Devices []interfaces.Device `json:"devices"`
}

type SigchainListResponse struct {
	Transactions []interfaces.SigchainTransaction `json:"transactions"`
}

type ValidateConnectorRequest struct {
	Challenge string `json:"challenge"`
}

type ConnectorsResponse struct {
	Connectors []interfaces.Connector `json:"connectors"`
}

type LookupUsersRequest struct {
	Factors []interfaces.AuthFactor `json:"factors"`
}

type LookupUsersResponse struct {
	Users []interfaces.UserID `json:"users"`
}

type CreateSessionResponse struct {
	SessionID interfaces.SessionID `json:"session_id"`
}

type AddSessionKeysRequest struct {
	Grants []interfaces.SessionGrant `json:"grants"`
}

type StatusesResponse struct {
	Statuses map[string]interfaces.ActionStatus `json:"statuses"`
}

type RevokeRequest struct {
	Recipients    []string               `json:"recipients"`
	ProxySessions []interfaces.SessionID `json:"proxy_sessions"`
}

type AddTMRAccessesRequest struct {
	Entries []interfaces.TMRAccessUpload `json:"entries"`
}

type ListTMRAccessesRequest struct {
	Token   string                                 `json:"token"`
	Filters interfaces.TMRAccessesRetrievalFilters `json:"filters"`
}

type SearchTMRAccessesRequest struct {
	Token   string                               `json:"token"`
	Filters interfaces.TMRAccessesConvertFilters `json:"filters"`
}

type TMRAccessesResponse struct {
	Accesses []interfaces.TMRAccess `json:"accesses"`
}

type CreateGroupResponse struct {
	GroupID interfaces.GroupID `json:"group_id"`
}

type GroupKeyResponse struct {
	Key []byte `json:"key"`
}

type RemoveGroupMembersRequest struct {
	ToRemove []interfaces.UserID `json:"to_remove"`
}

type SetGroupAdminsRequest struct {
	Add    []interfaces.UserID `json:"add"`
	Remove []interfaces.UserID `json:"remove"`
}

type ListGroupTMRKeysRequest struct {
	Pagination interfaces.Pagination `json:"pagination"`
}

type SearchGroupTMRKeysRequest struct {
	Token string                                     `json:"token"`
	Opts  interfaces.SearchGroupTMRTemporaryKeysOpts `json:"opts"`
}

type GroupTMRKeyDataRequest struct {
	Token string `json:"token"`
}

type DevicesMissingKeysResponse struct {
	Devices []interfaces.DeviceMissingKeys `json:"devices"`
}

type MissingSessionKeysRequest struct {
	DeviceID interfaces.DeviceID `json:"device_id"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

type UploadReencryptedKeysRequest struct {
	DeviceID interfaces.DeviceID         `json:"device_id"`
	Keys     []interfaces.ReencryptedKey `json:"keys"`
}

type UploadReencryptedKeysResponse struct {
	Stored int `json:"stored"`
}

// FactorTokenRequest asks the dev server to mint a factor token without a
// real challenge. Development only.
type FactorTokenRequest struct {
	Factor interfaces.AuthFactor `json:"factor"`
}

// FactorTokenResponse carries a minted factor token.
type FactorTokenResponse struct {
	Token string `json:"token"`
}
