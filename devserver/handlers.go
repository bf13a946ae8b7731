package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/interfaces"
)

type callerContextKey struct{}

func (srv *Server) mountAPI(mux chi.Router) {
	// Account creation is the only unauthenticated call.
	mux.Post("/account", srv.handleCreateAccount)
	mux.Post("/dev/factor-token", srv.handleFactorToken)

	mux.Group(func(mux chi.Router) {
		mux.Use(srv.withAuth)

		mux.Get("/device", srv.handleCurrentDevice)
		mux.Post("/devices", srv.handleCreateDevice)
		mux.Post("/device/renew", srv.handleRenewDevice)
		mux.Post("/heartbeat", srv.handleHeartbeat)
		mux.Post("/jwt", srv.handlePushJWT)
		mux.Get("/users/{userID}/devices", srv.handleUserDevices)
		mux.Get("/devices/{deviceID}/provisioned", srv.handleDeviceProvisioned)
		mux.Get("/users/{userID}/sigchain", srv.handleSigchain)
		mux.Post("/users/lookup", srv.handleLookupUsers)

		mux.Post("/connectors", srv.handleAddConnector)
		mux.Get("/connectors", srv.handleListConnectors)
		mux.Get("/connectors/{connectorID}", srv.handleRetrieveConnector)
		mux.Delete("/connectors/{connectorID}", srv.handleRemoveConnector)
		mux.Post("/connectors/{connectorID}/validate", srv.handleValidateConnector)

		mux.Post("/sessions", srv.handleCreateSession)
		mux.Get("/sessions/{sessionID}/key", srv.handleRetrieveSessionKey)
		mux.Get("/sessions/{sessionID}/key/group", srv.handleRetrieveSessionKeyViaGroup)
		mux.Get("/sessions/{sessionID}/key/proxy", srv.handleRetrieveSessionKeyViaProxy)
		mux.Post("/sessions/{sessionID}/keys", srv.handleAddSessionKeys)
		mux.Post("/sessions/proxy", srv.handleAddProxySession)
		mux.Post("/sessions/{sessionID}/revoke", srv.handleRevokeRecipients)
		mux.Post("/sessions/{sessionID}/revoke/all", srv.handleRevokeAll)
		mux.Post("/sessions/{sessionID}/revoke/others", srv.handleRevokeOthers)
		mux.Post("/sessions/{sessionID}/tmr", srv.handleAddTMRAccesses)
		mux.Post("/sessions/{sessionID}/tmr/list", srv.handleListTMRAccesses)
		mux.Post("/tmr/search", srv.handleSearchTMRAccesses)
		mux.Post("/tmr/convert", srv.handleConvertTMRAccesses)

		mux.Post("/groups", srv.handleCreateGroup)
		mux.Get("/groups/{groupID}", srv.handleGroup)
		mux.Get("/groups/{groupID}/key", srv.handleGroupKey)
		mux.Post("/groups/members", srv.handleAddGroupMembers)
		mux.Post("/groups/{groupID}/members/remove", srv.handleRemoveGroupMembers)
		mux.Post("/groups/key/renew", srv.handleRenewGroupKey)
		mux.Post("/groups/{groupID}/admins", srv.handleSetGroupAdmins)

		mux.Post("/groups/tmr", srv.handleCreateGroupTMRKey)
		mux.Post("/groups/tmr/search", srv.handleSearchGroupTMRKeys)
		mux.Post("/groups/tmr/convert", srv.handleConvertGroupTMRKey)
		mux.Post("/groups/{groupID}/tmr/list", srv.handleListGroupTMRKeys)
		mux.Post("/groups/{groupID}/tmr/{keyID}/data", srv.handleGroupTMRKeyData)
		mux.Delete("/groups/{groupID}/tmr/{keyID}", srv.handleDeleteGroupTMRKey)

		mux.Get("/recovery/devices", srv.handleDevicesMissingKeys)
		mux.Post("/recovery/missing", srv.handleMissingSessionKeys)
		mux.Post("/recovery/upload", srv.handleUploadReencryptedKeys)
	})
}

func (srv *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			srv.writeError(w, interfaces.ErrTokenInvalid)
			return
		}
		caller, err := srv.model.Authenticate(token)
		if err != nil {
			srv.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerContextKey{}, caller)))
	})
}

func callerFrom(r *http.Request) backend.Caller {
	caller, _ := r.Context().Value(callerContextKey{}).(backend.Caller)
	return caller
}

func decode[T any](r *http.Request) (T, error) {
	var out T
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		return out, &interfaces.APIError{Status: http.StatusBadRequest, Code: "bad_request", Description: err.Error()}
	}
	return out, nil
}

func (srv *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if v == nil {
		w.Write([]byte(`{}`))
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.log.Error("could not encode response", "err", err)
	}
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	var apiErr *interfaces.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.Status)
		json.NewEncoder(w).Encode(apiErr)
		return
	}

	status := http.StatusInternalServerError
	code := "internal"
	switch {
	case errors.Is(err, interfaces.ErrTokenInvalid):
		status, code = http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, interfaces.ErrNotAuthorized),
		errors.Is(err, interfaces.ErrNotGroupAdmin),
		errors.Is(err, interfaces.ErrNotGroupMember),
		errors.Is(err, interfaces.ErrProxyNotAuthorized):
		status, code = http.StatusForbidden, "not_authorized"
	case errors.Is(err, interfaces.ErrSessionNotFound),
		errors.Is(err, interfaces.ErrGroupNotFound),
		errors.Is(err, interfaces.ErrUserNotFound),
		errors.Is(err, interfaces.ErrDeviceNotFound),
		errors.Is(err, interfaces.ErrConnectorNotFound),
		errors.Is(err, interfaces.ErrTMRAccessNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, interfaces.ErrAccountExists):
		status, code = http.StatusConflict, "account_exists"
	case errors.Is(err, interfaces.ErrEmptyRecipients),
		errors.Is(err, interfaces.ErrAdminsNotSubset),
		errors.Is(err, interfaces.ErrInvalidSessionID):
		status, code = http.StatusBadRequest, "bad_request"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&interfaces.APIError{Status: status, Code: code, Description: err.Error()})
}

// respond writes out or the error, whichever is set.
func respond[T any](srv *Server, w http.ResponseWriter, out T, err error) {
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, out)
}

func sessionIDParam(r *http.Request) interfaces.SessionID {
	return interfaces.SessionID(chi.URLParam(r, "sessionID"))
}

func groupIDParam(r *http.Request) interfaces.GroupID {
	return interfaces.GroupID(chi.URLParam(r, "groupID"))
}

func (srv *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.CreateAccountRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	resp, err := srv.model.CreateAccount(req)
	respond(srv, w, resp, err)
}

func (srv *Server) handleFactorToken(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.FactorTokenRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	token, err := srv.model.MintFactorToken(req.Factor)
	respond(srv, w, backend.FactorTokenResponse{Token: token}, err)
}

func (srv *Server) handleCurrentDevice(w http.ResponseWriter, r *http.Request) {
	device, err := srv.model.CurrentDevice(callerFrom(r))
	respond(srv, w, device, err)
}

func (srv *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.CreateDeviceRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	resp, err := srv.model.CreateDevice(callerFrom(r), req)
	respond(srv, w, resp, err)
}

func (srv *Server) handleRenewDevice(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.RenewDeviceRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	device, err := srv.model.RenewDevice(callerFrom(r), req)
	respond(srv, w, device, err)
}

func (srv *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	respond[any](srv, w, nil, srv.model.Heartbeat(callerFrom(r)))
}

func (srv *Server) handlePushJWT(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.PushJWTRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.PushJWT(callerFrom(r), req.Token))
}

func (srv *Server) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := srv.model.UserDevices(callerFrom(r), interfaces.UserID(chi.URLParam(r, "userID")))
	respond(srv, w, backend.DevicesResponse{Devices: devices}, err)
}

func (srv *Server) handleDeviceProvisioned(w http.ResponseWriter, r *http.Request) {
	provisioned, err := srv.model.DeviceProvisioned(callerFrom(r), interfaces.DeviceID(chi.URLParam(r, "deviceID")))
	respond(srv, w, backend.ProvisionedResponse{Provisioned: provisioned}, err)
}

func (srv *Server) handleSigchain(w http.ResponseWriter, r *http.Request) {
	txns, err := srv.model.SigchainTransactions(callerFrom(r), interfaces.UserID(chi.URLParam(r, "userID")))
	respond(srv, w, backend.SigchainListResponse{Transactions: txns}, err)
}

func (srv *Server) handleLookupUsers(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.LookupUsersRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	users, err := srv.model.LookupUsers(callerFrom(r), req.Factors)
	respond(srv, w, backend.LookupUsersResponse{Users: users}, err)
}

func (srv *Server) handleAddConnector(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.AddConnectorRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	connector, err := srv.model.AddConnector(callerFrom(r), req)
	respond(srv, w, connector, err)
}

func (srv *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	connectors, err := srv.model.ListConnectors(callerFrom(r))
	respond(srv, w, backend.ConnectorsResponse{Connectors: connectors}, err)
}

func (srv *Server) handleRetrieveConnector(w http.ResponseWriter, r *http.Request) {
	connector, err := srv.model.RetrieveConnector(callerFrom(r), chi.URLParam(r, "connectorID"))
	respond(srv, w, connector, err)
}

func (srv *Server) handleRemoveConnector(w http.ResponseWriter, r *http.Request) {
	connector, err := srv.model.RemoveConnector(callerFrom(r), chi.URLParam(r, "connectorID"))
	respond(srv, w, connector, err)
}

func (srv *Server) handleValidateConnector(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.ValidateConnectorRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	connector, err := srv.model.ValidateConnector(callerFrom(r), chi.URLParam(r, "connectorID"), req.Challenge)
	respond(srv, w, connector, err)
}

func (srv *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.CreateSessionRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	id, err := srv.model.CreateSession(callerFrom(r), req)
	respond(srv, w, backend.CreateSessionResponse{SessionID: id}, err)
}

func (srv *Server) handleRetrieveSessionKey(w http.ResponseWriter, r *http.Request) {
	key, err := srv.model.RetrieveSessionKey(callerFrom(r), sessionIDParam(r))
	respond(srv, w, key, err)
}

func (srv *Server) handleRetrieveSessionKeyViaGroup(w http.ResponseWriter, r *http.Request) {
	key, err := srv.model.RetrieveSessionKeyViaGroup(callerFrom(r), sessionIDParam(r))
	respond(srv, w, key, err)
}

func (srv *Server) handleRetrieveSessionKeyViaProxy(w http.ResponseWriter, r *http.Request) {
	key, err := srv.model.RetrieveSessionKeyViaProxy(callerFrom(r), sessionIDParam(r))
	respond(srv, w, key, err)
}

func (srv *Server) handleAddSessionKeys(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.AddSessionKeysRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	statuses, err := srv.model.AddSessionKeys(callerFrom(r), sessionIDParam(r), req.Grants)
	respond(srv, w, backend.StatusesResponse{Statuses: statuses}, err)
}

func (srv *Server) handleAddProxySession(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.AddProxySessionRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.AddProxySession(callerFrom(r), req))
}

func (srv *Server) handleRevokeRecipients(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.RevokeRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	result, err := srv.model.RevokeRecipients(callerFrom(r), sessionIDParam(r), req.Recipients, req.ProxySessions)
	respond(srv, w, result, err)
}

func (srv *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	result, err := srv.model.RevokeAll(callerFrom(r), sessionIDParam(r))
	respond(srv, w, result, err)
}

func (srv *Server) handleRevokeOthers(w http.ResponseWriter, r *http.Request) {
	result, err := srv.model.RevokeOthers(callerFrom(r), sessionIDParam(r))
	respond(srv, w, result, err)
}

func (srv *Server) handleAddTMRAccesses(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.AddTMRAccessesRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	statuses, err := srv.model.AddTMRAccesses(callerFrom(r), sessionIDParam(r), req.Entries)
	respond(srv, w, backend.StatusesResponse{Statuses: statuses}, err)
}

func (srv *Server) handleListTMRAccesses(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.ListTMRAccessesRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	accesses, err := srv.model.ListTMRAccesses(callerFrom(r), req.Token, sessionIDParam(r), req.Filters)
	respond(srv, w, backend.TMRAccessesResponse{Accesses: accesses}, err)
}

func (srv *Server) handleSearchTMRAccesses(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.SearchTMRAccessesRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	accesses, err := srv.model.SearchTMRAccesses(callerFrom(r), req.Token, req.Filters)
	respond(srv, w, backend.TMRAccessesResponse{Accesses: accesses}, err)
}

func (srv *Server) handleConvertTMRAccesses(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.ConvertTMRAccessesRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	statuses, err := srv.model.ConvertTMRAccesses(callerFrom(r), req)
	respond(srv, w, backend.StatusesResponse{Statuses: statuses}, err)
}

func (srv *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.CreateGroupRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	id, err := srv.model.CreateGroup(callerFrom(r), req)
	respond(srv, w, backend.CreateGroupResponse{GroupID: id}, err)
}

func (srv *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	group, err := srv.model.Group(callerFrom(r), groupIDParam(r))
	respond(srv, w, group, err)
}

func (srv *Server) handleGroupKey(w http.ResponseWriter, r *http.Request) {
	key, err := srv.model.GroupKey(callerFrom(r), groupIDParam(r))
	respond(srv, w, backend.GroupKeyResponse{Key: key}, err)
}

func (srv *Server) handleAddGroupMembers(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.AddGroupMembersRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.AddGroupMembers(callerFrom(r), req))
}

func (srv *Server) handleRemoveGroupMembers(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.RemoveGroupMembersRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.RemoveGroupMembers(callerFrom(r), groupIDParam(r), req.ToRemove))
}

func (srv *Server) handleRenewGroupKey(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.RenewGroupKeyRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.RenewGroupKey(callerFrom(r), req))
}

func (srv *Server) handleSetGroupAdmins(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.SetGroupAdminsRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.SetGroupAdmins(callerFrom(r), groupIDParam(r), req.Add, req.Remove))
}

func (srv *Server) handleCreateGroupTMRKey(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.CreateGroupTMRKeyRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	key, err := srv.model.CreateGroupTMRKey(callerFrom(r), req)
	respond(srv, w, key, err)
}

func (srv *Server) handleListGroupTMRKeys(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.ListGroupTMRKeysRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	keys, err := srv.model.ListGroupTMRKeys(callerFrom(r), groupIDParam(r), req.Pagination)
	respond(srv, w, keys, err)
}

func (srv *Server) handleSearchGroupTMRKeys(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.SearchGroupTMRKeysRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	keys, err := srv.model.SearchGroupTMRKeys(callerFrom(r), req.Token, req.Opts)
	respond(srv, w, keys, err)
}

func (srv *Server) handleGroupTMRKeyData(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.GroupTMRKeyDataRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	data, err := srv.model.GroupTMRKeyData(callerFrom(r), req.Token, groupIDParam(r), chi.URLParam(r, "keyID"))
	respond(srv, w, data, err)
}

func (srv *Server) handleConvertGroupTMRKey(w http.ResponseWriter, r *http.Request) {
	req, err := decode[interfaces.ConvertGroupTMRKeyRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	respond[any](srv, w, nil, srv.model.ConvertGroupTMRKey(callerFrom(r), req))
}

func (srv *Server) handleDeleteGroupTMRKey(w http.ResponseWriter, r *http.Request) {
	respond[any](srv, w, nil, srv.model.DeleteGroupTMRKey(callerFrom(r), groupIDParam(r), chi.URLParam(r, "keyID")))
}

func (srv *Server) handleDevicesMissingKeys(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	devices, err := srv.model.DevicesMissingKeys(callerFrom(r), force)
	respond(srv, w, backend.DevicesMissingKeysResponse{Devices: devices}, err)
}

func (srv *Server) handleMissingSessionKeys(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.MissingSessionKeysRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	page, err := srv.model.MissingSessionKeys(callerFrom(r), req.DeviceID, req.Page, req.PageSize)
	respond(srv, w, page, err)
}

func (srv *Server) handleUploadReencryptedKeys(w http.ResponseWriter, r *http.Request) {
	req, err := decode[backend.UploadReencryptedKeysRequest](r)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	stored, err := srv.model.UploadReencryptedKeys(callerFrom(r), req.DeviceID, req.Keys)
	respond(srv, w, backend.UploadReencryptedKeysResponse{Stored: stored}, err)
}
