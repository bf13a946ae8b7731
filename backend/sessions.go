package backend

import (
	"fmt"
	"time"

	"github.com/veilcrypt/veil-go/interfaces"
)

type grantRecord struct {
	recipientID string
	isGroup     bool
	rights      interfaces.RecipientRights
	// keys holds the session key wrapped per device of the recipient, or
	// under a single empty device id when the recipient is a group.
	keys map[interfaces.DeviceID][]byte
}

type proxyRecord struct {
	proxySessionID interfaces.SessionID
	rights         interfaces.RecipientRights
	// ciphertext is the session key encrypted under the proxy session's
	// symmetric key.
	ciphertext []byte
}

type sessionRecord struct {
	id        interfaces.SessionID
	createdBy interfaces.UserID
	created   time.Time
	grants    map[string]*grantRecord
	proxies   map[interfaces.SessionID]*proxyRecord
}

func (rec *sessionRecord) revokers() int {
	n := 0
	for _, g := range rec.grants {
		if g.rights.Revoke {
			n++
		}
	}
	return n
}

func (s *Server) applyGrant(rec *sessionRecord, grant interfaces.SessionGrant) error {
	_, isGroup := s.groups[interfaces.GroupID(grant.RecipientID)]
	if !isGroup {
		if _, ok := s.users[interfaces.UserID(grant.RecipientID)]; !ok {
			return interfaces.ErrUserNotFound
		}
	}
	if len(grant.Keys) == 0 {
		return fmt.Errorf("grant for %s carries no wrapped keys", grant.RecipientID)
	}

	existing, ok := rec.grants[grant.RecipientID]
	if !ok {
		existing = &grantRecord{
			recipientID: grant.RecipientID,
			isGroup:     isGroup,
			rights:      grant.Rights,
			keys:        make(map[interfaces.DeviceID][]byte),
		}
		rec.grants[grant.RecipientID] = existing
	}
	for _, key := range grant.Keys {
		existing.keys[key.DeviceID] = key.Ciphertext
	}
	return nil
}

// CreateSession registers a new session with its initial grants. The grants
// are taken as given: a caller that omits itself creates a session it cannot
// retrieve or revoke afterwards.
func (s *Server) CreateSession(caller Caller, req interfaces.CreateSessionRequest) (interfaces.SessionID, error) {
	if err := s.intercept("CreateSession"); err != nil {
		return "", err
	}
	if len(req.Grants) == 0 {
		return "", interfaces.ErrEmptyRecipients
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &sessionRecord{
		id:        interfaces.NewSessionID(),
		createdBy: caller.UserID,
		created:   s.now().UTC(),
		grants:    make(map[string]*grantRecord),
		proxies:   make(map[interfaces.SessionID]*proxyRecord),
	}
	for _, grant := range req.Grants {
		if err := s.applyGrant(rec, grant); err != nil {
			return "", fmt.Errorf("grant for %s rejected: %w", grant.RecipientID, err)
		}
	}
	s.sessions[rec.id] = rec
	s.invalidateMissingCaches()
	s.log.Info("session created", "session", rec.id, "creator", caller.UserID, "grants", len(rec.grants))
	return rec.id, nil
}

// RetrieveSessionKey returns the caller's direct-grant wrapped session key.
func (s *Server) RetrieveSessionKey(caller Caller, id interfaces.SessionID) (*interfaces.RetrievedKey, error) {
	if err := s.intercept("RetrieveSessionKey"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	grant, ok := rec.grants[caller.UserID.String()]
	if !ok || !grant.rights.Read {
		return nil, interfaces.ErrNotAuthorized
	}
	ciphertext, ok := grant.keys[caller.DeviceID]
	if !ok {
		return nil, interfaces.ErrNotAuthorized
	}
	return &interfaces.RetrievedKey{Ciphertext: ciphertext, Rights: grant.rights}, nil
}

// RetrieveSessionKeyViaGroup returns the session key through a group the
// caller belongs to, together with the group key wrapped to the calling
// device.
func (s *Server) RetrieveSessionKeyViaGroup(caller Caller, id interfaces.SessionID) (*interfaces.GroupRetrievedKey, error) {
	if err := s.intercept("RetrieveSessionKeyViaGroup"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	for recipientID, grant := range rec.grants {
		if !grant.isGroup || !grant.rights.Read {
			continue
		}
		group, ok := s.groups[interfaces.GroupID(recipientID)]
		if !ok || !group.members[caller.UserID] {
			continue
		}
		groupKey, ok := group.keys[caller.DeviceID]
		if !ok {
			continue
		}
		sessionKey, ok := grant.keys[""]
		if !ok {
			continue
		}
		return &interfaces.GroupRetrievedKey{
			GroupID:             group.id,
			EncryptedGroupKey:   groupKey,
			EncryptedSessionKey: sessionKey,
		}, nil
	}
	return nil, interfaces.ErrNotAuthorized
}

// RetrieveSessionKeyViaProxy returns the session key through a proxy session
// the caller is a direct recipient of.
func (s *Server) RetrieveSessionKeyViaProxy(caller Caller, id interfaces.SessionID) (*interfaces.ProxyRetrievedKey, error) {
	if err := s.intercept("RetrieveSessionKeyViaProxy"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	for _, proxy := range rec.proxies {
		proxySession, ok := s.sessions[proxy.proxySessionID]
		if !ok {
			continue
		}
		grant, ok := proxySession.grants[caller.UserID.String()]
		if !ok || !grant.rights.Read {
			continue
		}
		proxyKey, ok := grant.keys[caller.DeviceID]
		if !ok {
			continue
		}
		return &interfaces.ProxyRetrievedKey{
			ProxySessionID:      proxy.proxySessionID,
			EncryptedProxyKey:   proxyKey,
			EncryptedSessionKey: proxy.ciphertext,
		}, nil
	}
	return nil, interfaces.ErrNotAuthorized
}

// AddSessionKeys adds recipients to an existing session. The caller needs a
// forward grant. Outcomes are reported per recipient; one failing recipient
// does not fail the others.
func (s *Server) AddSessionKeys(caller Caller, id interfaces.SessionID, grants []interfaces.SessionGrant) (map[string]interfaces.ActionStatus, error) {
	if err := s.intercept("AddSessionKeys"); err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, interfaces.ErrEmptyRecipients
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	callerGrant, ok := rec.grants[caller.UserID.String()]
	if !ok || !callerGrant.rights.Forward {
		return nil, interfaces.ErrNotAuthorized
	}

	out := make(map[string]interfaces.ActionStatus, len(grants))
	for _, grant := range grants {
		if err := s.applyGrant(rec, grant); err != nil {
			out[grant.RecipientID] = interfaces.ActionStatus{Success: false, ErrorCode: "grant_rejected", Result: err.Error()}
			continue
		}
		out[grant.RecipientID] = interfaces.ActionStatus{Success: true, Result: "added"}
	}
	s.invalidateMissingCaches()
	return out, nil
}

// AddProxySession links a proxy session onto a session. The caller needs a
// forward grant on the session and a direct read grant on the proxy session;
// the link never forms before that direct grant exists.
func (s *Server) AddProxySession(caller Caller, req interfaces.AddProxySessionRequest) error {
	if err := s.intercept("AddProxySession"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[req.SessionID]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	callerGrant, ok := rec.grants[caller.UserID.String()]
	if !ok || !callerGrant.rights.Forward {
		return interfaces.ErrNotAuthorized
	}
	proxySession, ok := s.sessions[req.ProxySessionID]
	if !ok {
		return interfaces.ErrProxyNotAuthorized
	}
	proxyGrant, ok := proxySession.grants[caller.UserID.String()]
	if !ok || !proxyGrant.rights.Read {
		return interfaces.ErrProxyNotAuthorized
	}
	if req.SessionID == req.ProxySessionID {
		return fmt.Errorf("a session cannot proxy itself")
	}

	rec.proxies[req.ProxySessionID] = &proxyRecord{
		proxySessionID: req.ProxySessionID,
		rights:         req.Rights,
		ciphertext:     req.Ciphertext,
	}
	s.log.Info("proxy session linked", "session", req.SessionID, "proxy", req.ProxySessionID)
	return nil
}

// RevokeRecipients removes the named recipients and proxy links from a
// session. The caller needs a revoke grant. Absent targets are reported as
// no-op successes. A removal that would leave other recipients behind with
// no revoker is refused per target.
func (s *Server) RevokeRecipients(caller Caller, id interfaces.SessionID, recipients []string, proxies []interfaces.SessionID) (*interfaces.RevokeResult, error) {
	if err := s.intercept("RevokeRecipients"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	callerGrant, ok := rec.grants[caller.UserID.String()]
	if !ok || !callerGrant.rights.Revoke {
		return nil, interfaces.ErrNotAuthorized
	}

	result := &interfaces.RevokeResult{
		Recipients:    make(map[string]interfaces.ActionStatus),
		ProxySessions: make(map[string]interfaces.ActionStatus),
	}
	for _, recipientID := range recipients {
		grant, ok := rec.grants[recipientID]
		if !ok {
			result.Recipients[recipientID] = interfaces.ActionStatus{Success: true, Result: "not_found"}
			continue
		}
		if grant.rights.Revoke && rec.revokers() == 1 && len(rec.grants) > 1 {
			result.Recipients[recipientID] = interfaces.ActionStatus{Success: false, ErrorCode: "last_revoker"}
			continue
		}
		delete(rec.grants, recipientID)
		result.Recipients[recipientID] = interfaces.ActionStatus{Success: true, Result: "revoked"}
	}
	for _, proxyID := range proxies {
		if _, ok := rec.proxies[proxyID]; !ok {
			result.ProxySessions[proxyID.String()] = interfaces.ActionStatus{Success: true, Result: "not_found"}
			continue
		}
		delete(rec.proxies, proxyID)
		result.ProxySessions[proxyID.String()] = interfaces.ActionStatus{Success: true, Result: "revoked"}
	}
	if len(rec.grants) == 0 {
		s.dropSession(rec)
	}
	s.invalidateMissingCaches()
	return result, nil
}

// RevokeAll revokes every recipient and proxy link. The session becomes
// permanently unreadable, including by the caller.
func (s *Server) RevokeAll(caller Caller, id interfaces.SessionID) (*interfaces.RevokeResult, error) {
	if err := s.intercept("RevokeAll"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	caller_, ok := rec.grants[caller.UserID.String()]
	if !ok || !caller_.rights.Revoke {
		return nil, interfaces.ErrNotAuthorized
	}

	result := &interfaces.RevokeResult{
		Recipients:    make(map[string]interfaces.ActionStatus),
		ProxySessions: make(map[string]interfaces.ActionStatus),
	}
	for recipientID := range rec.grants {
		result.Recipients[recipientID] = interfaces.ActionStatus{Success: true, Result: "revoked"}
	}
	for proxyID := range rec.proxies {
		result.ProxySessions[proxyID.String()] = interfaces.ActionStatus{Success: true, Result: "revoked"}
	}
	s.dropSession(rec)
	s.invalidateMissingCaches()
	s.log.Info("session revoked", "session", id, "by", caller.UserID)
	return result, nil
}

// RevokeOthers revokes every recipient and proxy link except the caller's
// own grant.
func (s *Server) RevokeOthers(caller Caller, id interfaces.SessionID) (*interfaces.RevokeResult, error) {
	if err := s.intercept("RevokeOthers"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	callerGrant, ok := rec.grants[caller.UserID.String()]
	if !ok || !callerGrant.rights.Revoke {
		return nil, interfaces.ErrNotAuthorized
	}

	result := &interfaces.RevokeResult{
		Recipients:    make(map[string]interfaces.ActionStatus),
		ProxySessions: make(map[string]interfaces.ActionStatus),
	}
	for recipientID := range rec.grants {
		if recipientID == caller.UserID.String() {
			continue
		}
		delete(rec.grants, recipientID)
		result.Recipients[recipientID] = interfaces.ActionStatus{Success: true, Result: "revoked"}
	}
	for proxyID := range rec.proxies {
		delete(rec.proxies, proxyID)
		result.ProxySessions[proxyID.String()] = interfaces.ActionStatus{Success: true, Result: "revoked"}
	}
	s.invalidateMissingCaches()
	return result, nil
}

// dropSession terminates a session: every grant, proxy link and TMR access
// is removed, but the record itself stays as a tombstone. The id remains
// known and later access attempts fail authorization instead of reporting
// an unknown session.
func (s *Server) dropSession(rec *sessionRecord) {
	rec.grants = make(map[string]*grantRecord)
	rec.proxies = make(map[interfaces.SessionID]*proxyRecord)
	for id, access := range s.tmrAccesses {
		if access.access.SessionID == rec.id {
			delete(s.tmrAccesses, id)
		}
	}
}
