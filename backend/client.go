package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/veilcrypt/veil-go/interfaces"
)

// Client implements interfaces.Backend over HTTP against a veil dev server
// or any server speaking the same API.
type Client struct {
	// ServerAddr is the base URL of the server, without trailing slash.
	ServerAddr string

	// HTTPClient is used for all requests. http.DefaultClient when nil.
	HTTPClient *http.Client

	mu    sync.RWMutex
	token string
}

var _ interfaces.Backend = (*Client)(nil)

// SetToken installs the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ServerAddr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("could not reach %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse %s response: %w", path, err)
	}
	return nil
}

func parseAPIError(resp *http.Response) error {
	apiErr := &interfaces.APIError{Status: resp.StatusCode}
	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			apiErr.RetryAfter = seconds
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil && len(body) > 0 {
		// Best effort: servers speaking this API return a JSON error body,
		// anything else becomes the description verbatim.
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
			apiErr.Description = string(body)
		}
	}
	return apiErr
}

func get[T any](ctx context.Context, c *Client, path string) (*T, error) {
	var out T
	if err := c.roundTrip(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func post[T any](ctx context.Context, c *Client, path string, body any) (*T, error) {
	var out T
	if err := c.roundTrip(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateAccount(ctx context.Context, req interfaces.CreateAccountRequest) (*interfaces.CreateAccountResponse, error) {
	resp, err := post[interfaces.CreateAccountResponse](ctx, c, "/api/v1/account", req)
	if err != nil {
		return nil, err
	}
	if resp.Token != "" {
		c.SetToken(resp.Token)
	}
	return resp, nil
}

func (c *Client) UpdateCurrentDevice(ctx context.Context) (*interfaces.Device, error) {
	return get[interfaces.Device](ctx, c, "/api/v1/device")
}

func (c *Client) CreateDevice(ctx context.Context, req interfaces.CreateDeviceRequest) (*interfaces.CreateDeviceResponse, error) {
	return post[interfaces.CreateDeviceResponse](ctx, c, "/api/v1/devices", req)
}

func (c *Client) RenewDevice(ctx context.Context, req interfaces.RenewDeviceRequest) (*interfaces.Device, error) {
	return post[interfaces.Device](ctx, c, "/api/v1/device/renew", req)
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/heartbeat", nil, nil)
}

func (c *Client) PushJWT(ctx context.Context, jwt string) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/jwt", PushJWTRequest{Token: jwt}, nil)
}

func (c *Client) UserDevices(ctx context.Context, userID interfaces.UserID) ([]interfaces.Device, error) {
	resp, err := get[DevicesResponse](ctx, c, "/api/v1/users/"+url.PathEscape(userID.String())+"/devices")
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) DeviceProvisioned(ctx context.Context, deviceID interfaces.DeviceID) (bool, error) {
	resp, err := get[ProvisionedResponse](ctx, c, "/api/v1/devices/"+url.PathEscape(deviceID.String())+"/provisioned")
	if err != nil {
		return false, err
	}
	return resp.Provisioned, nil
}

func (c *Client) SigchainTransactions(ctx context.Context, userID interfaces.UserID) ([]interfaces.SigchainTransaction, error) {
	resp, err := get[SigchainListResponse](ctx, c, "/api/v1/users/"+url.PathEscape(userID.String())+"/sigchain")
	if err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *Client) AddConnector(ctx context.Context, req interfaces.AddConnectorRequest) (*interfaces.Connector, error) {
	return post[interfaces.Connector](ctx, c, "/api/v1/connectors", req)
}

func (c *Client) ValidateConnector(ctx context.Context, connectorID, challenge string) (*interfaces.Connector, error) {
	return post[interfaces.Connector](ctx, c, "/api/v1/connectors/"+url.PathEscape(connectorID)+"/validate", ValidateConnectorRequest{Challenge: challenge})
}

func (c *Client) RemoveConnector(ctx context.Context, connectorID string) (*interfaces.Connector, error) {
	var out interfaces.Connector
	if err := c.roundTrip(ctx, http.MethodDelete, "/api/v1/connectors/"+url.PathEscape(connectorID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RetrieveConnector(ctx context.Context, connectorID string) (*interfaces.Connector, error) {
	return get[interfaces.Connector](ctx, c, "/api/v1/connectors/"+url.PathEscape(connectorID))
}

func (c *Client) ListConnectors(ctx context.Context) ([]interfaces.Connector, error) {
	resp, err := get[ConnectorsResponse](ctx, c, "/api/v1/connectors")
	if err != nil {
		return nil, err
	}
	return resp.Connectors, nil
}

func (c *Client) LookupUsers(ctx context.Context, factors []interfaces.AuthFactor) ([]interfaces.UserID, error) {
	resp, err := post[LookupUsersResponse](ctx, c, "/api/v1/users/lookup", LookupUsersRequest{Factors: factors})
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) CreateSession(ctx context.Context, req interfaces.CreateSessionRequest) (interfaces.SessionID, error) {
	resp, err := post[CreateSessionResponse](ctx, c, "/api/v1/sessions", req)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (c *Client) RetrieveSessionKey(ctx context.Context, id interfaces.SessionID) (*interfaces.RetrievedKey, error) {
	return get[interfaces.RetrievedKey](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/key")
}

func (c *Client) RetrieveSessionKeyViaGroup(ctx context.Context, id interfaces.SessionID) (*interfaces.GroupRetrievedKey, error) {
	return get[interfaces.GroupRetrievedKey](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/key/group")
}

func (c *Client) RetrieveSessionKeyViaProxy(ctx context.Context, id interfaces.SessionID) (*interfaces.ProxyRetrievedKey, error) {
	return get[interfaces.ProxyRetrievedKey](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/key/proxy")
}

func (c *Client) AddSessionKeys(ctx context.Context, id interfaces.SessionID, grants []interfaces.SessionGrant) (map[string]interfaces.ActionStatus, error) {
	resp, err := post[StatusesResponse](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/keys", AddSessionKeysRequest{Grants: grants})
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

func (c *Client) AddProxySession(ctx context.Context, req interfaces.AddProxySessionRequest) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/sessions/proxy", req, nil)
}

func (c *Client) RevokeRecipients(ctx context.Context, id interfaces.SessionID, recipients []string, proxies []interfaces.SessionID) (*interfaces.RevokeResult, error) {
	return post[interfaces.RevokeResult](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/revoke", RevokeRequest{Recipients: recipients, ProxySessions: proxies})
}

func (c *Client) RevokeAll(ctx context.Context, id interfaces.SessionID) (*interfaces.RevokeResult, error) {
	return post[interfaces.RevokeResult](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/revoke/all", nil)
}

func (c *Client) RevokeOthers(ctx context.Context, id interfaces.SessionID) (*interfaces.RevokeResult, error) {
	return post[interfaces.RevokeResult](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/revoke/others", nil)
}

func (c *Client) AddTMRAccesses(ctx context.Context, id interfaces.SessionID, entries []interfaces.TMRAccessUpload) (map[string]interfaces.ActionStatus, error) {
	resp, err := post[StatusesResponse](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/tmr", AddTMRAccessesRequest{Entries: entries})
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

func (c *Client) ListTMRAccesses(ctx context.Context, token string, id interfaces.SessionID, filters interfaces.TMRAccessesRetrievalFilters) ([]interfaces.TMRAccess, error) {
	resp, err := post[TMRAccessesResponse](ctx, c, "/api/v1/sessions/"+url.PathEscape(id.String())+"/tmr/list", ListTMRAccessesRequest{Token: token, Filters: filters})
	if err != nil {
		return nil, err
	}
	return resp.Accesses, nil
}

func (c *Client) SearchTMRAccesses(ctx context.Context, token string, filters interfaces.TMRAccessesConvertFilters) ([]interfaces.TMRAccess, error) {
	resp, err := post[TMRAccessesResponse](ctx, c, "/api/v1/tmr/search", SearchTMRAccessesRequest{Token: token, Filters: filters})
	if err != nil {
		return nil, err
	}
	return resp.Accesses, nil
}

func (c *Client) ConvertTMRAccesses(ctx context.Context, req interfaces.ConvertTMRAccessesRequest) (map[string]interfaces.ActionStatus, error) {
	resp, err := post[StatusesResponse](ctx, c, "/api/v1/tmr/convert", req)
	if err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

func (c *Client) CreateGroup(ctx context.Context, req interfaces.CreateGroupRequest) (interfaces.GroupID, error) {
	resp, err := post[CreateGroupResponse](ctx, c, "/api/v1/groups", req)
	if err != nil {
		return "", err
	}
	return resp.GroupID, nil
}

func (c *Client) Group(ctx context.Context, id interfaces.GroupID) (*interfaces.GroupInfo, error) {
	return get[interfaces.GroupInfo](ctx, c, "/api/v1/groups/"+url.PathEscape(id.String()))
}

func (c *Client) GroupKey(ctx context.Context, id interfaces.GroupID) ([]byte, error) {
	resp, err := get[GroupKeyResponse](ctx, c, "/api/v1/groups/"+url.PathEscape(id.String())+"/key")
	if err != nil {
		return nil, err
	}
	return resp.Key, nil
}

func (c *Client) AddGroupMembers(ctx context.Context, req interfaces.AddGroupMembersRequest) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/groups/members", req, nil)
}

func (c *Client) RemoveGroupMembers(ctx context.Context, id interfaces.GroupID, toRemove []interfaces.UserID) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(id.String())+"/members/remove", RemoveGroupMembersRequest{ToRemove: toRemove}, nil)
}

func (c *Client) RenewGroupKey(ctx context.Context, req interfaces.RenewGroupKeyRequest) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/groups/key/renew", req, nil)
}

func (c *Client) SetGroupAdmins(ctx context.Context, id interfaces.GroupID, add, remove []interfaces.UserID) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/groups/"+url.PathEscape(id.String())+"/admins", SetGroupAdminsRequest{Add: add, Remove: remove}, nil)
}

func (c *Client) CreateGroupTMRKey(ctx context.Context, req interfaces.CreateGroupTMRKeyRequest) (*interfaces.GroupTMRTemporaryKey, error) {
	return post[interfaces.GroupTMRTemporaryKey](ctx, c, "/api/v1/groups/tmr", req)
}

func (c *Client) ListGroupTMRKeys(ctx context.Context, id interfaces.GroupID, page interfaces.Pagination) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	return post[interfaces.ListedGroupTMRTemporaryKeys](ctx, c, "/api/v1/groups/"+url.PathEscape(id.String())+"/tmr/list", ListGroupTMRKeysRequest{Pagination: page})
}

func (c *Client) SearchGroupTMRKeys(ctx context.Context, token string, opts interfaces.SearchGroupTMRTemporaryKeysOpts) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	return post[interfaces.ListedGroupTMRTemporaryKeys](ctx, c, "/api/v1/groups/tmr/search", SearchGroupTMRKeysRequest{Token: token, Opts: opts})
}

func (c *Client) GroupTMRKeyData(ctx context.Context, token string, id interfaces.GroupID, keyID string) (*interfaces.GroupTMRKeyData, error) {
	return post[interfaces.GroupTMRKeyData](ctx, c, "/api/v1/groups/"+url.PathEscape(id.String())+"/tmr/"+url.PathEscape(keyID)+"/data", GroupTMRKeyDataRequest{Token: token})
}

func (c *Client) ConvertGroupTMRKey(ctx context.Context, req interfaces.ConvertGroupTMRKeyRequest) error {
	return c.roundTrip(ctx, http.MethodPost, "/api/v1/groups/tmr/convert", req, nil)
}

func (c *Client) DeleteGroupTMRKey(ctx context.Context, id interfaces.GroupID, keyID string) error {
	return c.roundTrip(ctx, http.MethodDelete, "/api/v1/groups/"+url.PathEscape(id.String())+"/tmr/"+url.PathEscape(keyID), nil, nil)
}

func (c *Client) DevicesMissingKeys(ctx context.Context, forceRefresh bool) ([]interfaces.DeviceMissingKeys, error) {
	path := "/api/v1/recovery/devices"
	if forceRefresh {
		path += "?force=true"
	}
	resp, err := get[DevicesMissingKeysResponse](ctx, c, path)
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (c *Client) MissingSessionKeys(ctx context.Context, deviceID interfaces.DeviceID, page, pageSize int) (*interfaces.MissingKeysPage, error) {
	return post[interfaces.MissingKeysPage](ctx, c, "/api/v1/recovery/missing", MissingSessionKeysRequest{DeviceID: deviceID, Page: page, PageSize: pageSize})
}

func (c *Client) UploadReencryptedKeys(ctx context.Context, deviceID interfaces.DeviceID, keys []interfaces.ReencryptedKey) (int, error) {
	resp, err := post[UploadReencryptedKeysResponse](ctx, c, "/api/v1/recovery/upload", UploadReencryptedKeysRequest{DeviceID: deviceID, Keys: keys})
	if err != nil {
		return 0, err
	}
	return resp.Stored, nil
}
