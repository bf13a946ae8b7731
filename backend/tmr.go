package backend

import (
	"sort"

	"github.com/veilcrypt/veil-go/interfaces"
)

type tmrAccessRecord struct {
	access interfaces.TMRAccess
	factor interfaces.AuthFactor
}

// AddTMRAccesses creates factor-gated access entries on a session. The
// caller needs a forward grant. Outcomes are reported per entry, keyed by
// the assigned access id (or the factor value when creation failed before an
// id was assigned).
func (s *Server) AddTMRAccesses(caller Caller, id interfaces.SessionID, entries []interfaces.TMRAccessUpload) (map[string]interfaces.ActionStatus, error) {
	if err := s.intercept("AddTMRAccesses"); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, interfaces.ErrEmptyRecipients
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	grant, ok := rec.grants[caller.UserID.String()]
	if !ok || !grant.rights.Forward {
		return nil, interfaces.ErrNotAuthorized
	}

	out := make(map[string]interfaces.ActionStatus, len(entries))
	for _, entry := range entries {
		if err := entry.AuthFactor.Validate(); err != nil {
			out[entry.AuthFactor.Value] = interfaces.ActionStatus{Success: false, ErrorCode: "invalid_auth_factor", Result: err.Error()}
			continue
		}
		access := &tmrAccessRecord{
			access: interfaces.TMRAccess{
				ID:           newID("tmr"),
				SessionID:    id,
				CreatedByID:  caller.UserID,
				Created:      s.now().UTC(),
				Rights:       entry.Rights,
				EncryptedKey: entry.EncryptedKey,
			},
			factor: entry.AuthFactor,
		}
		s.tmrAccesses[access.access.ID] = access
		out[access.access.ID] = interfaces.ActionStatus{Success: true, Result: "added"}
	}
	return out, nil
}

func sortTMRAccesses(accesses []interfaces.TMRAccess) {
	sort.Slice(accesses, func(i, j int) bool {
		if accesses[i].Created.Equal(accesses[j].Created) {
			return accesses[i].ID < accesses[j].ID
		}
		return accesses[i].Created.Before(accesses[j].Created)
	})
}

// ListTMRAccesses returns the factor's accesses on one session, oldest
// first, narrowed by the retrieval filters.
func (s *Server) ListTMRAccesses(caller Caller, token string, id interfaces.SessionID, filters interfaces.TMRAccessesRetrievalFilters) ([]interfaces.TMRAccess, error) {
	if err := s.intercept("ListTMRAccesses"); err != nil {
		return nil, err
	}
	factor, err := s.authenticateFactor(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	var out []interfaces.TMRAccess
	for _, rec := range s.tmrAccesses {
		if rec.access.SessionID != id || rec.factor != factor {
			continue
		}
		if filters.CreatedByID != "" && rec.access.CreatedByID != filters.CreatedByID {
			continue
		}
		if filters.TMRAccessID != "" && rec.access.ID != filters.TMRAccessID {
			continue
		}
		out = append(out, rec.access)
	}
	sortTMRAccesses(out)
	return out, nil
}

// SearchTMRAccesses returns all the factor's accesses across sessions,
// oldest first, narrowed by the convert filters.
func (s *Server) SearchTMRAccesses(caller Caller, token string, filters interfaces.TMRAccessesConvertFilters) ([]interfaces.TMRAccess, error) {
	if err := s.intercept("SearchTMRAccesses"); err != nil {
		return nil, err
	}
	factor, err := s.authenticateFactor(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []interfaces.TMRAccess
	for _, rec := range s.tmrAccesses {
		if rec.factor != factor {
			continue
		}
		if filters.SessionID != "" && rec.access.SessionID != filters.SessionID {
			continue
		}
		if filters.CreatedByID != "" && rec.access.CreatedByID != filters.CreatedByID {
			continue
		}
		if filters.TMRAccessID != "" && rec.access.ID != filters.TMRAccessID {
			continue
		}
		out = append(out, rec.access)
	}
	sortTMRAccesses(out)
	return out, nil
}

// ConvertTMRAccesses turns factor-gated entries into durable grants for the
// calling user. Each conversion is reported individually; a conversion
// referencing a missing or foreign entry errors without failing the batch.
// With DeleteOnConvert a converted entry is deleted exactly once.
func (s *Server) ConvertTMRAccesses(caller Caller, req interfaces.ConvertTMRAccessesRequest) (map[string]interfaces.ActionStatus, error) {
	if err := s.intercept("ConvertTMRAccesses"); err != nil {
		return nil, err
	}
	factor, err := s.authenticateFactor(req.Token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]interfaces.ActionStatus, len(req.Conversions))
	for _, conv := range req.Conversions {
		rec, ok := s.tmrAccesses[conv.AccessID]
		if !ok || rec.access.SessionID != conv.SessionID {
			out[conv.AccessID] = interfaces.ActionStatus{Success: false, ErrorCode: "not_found"}
			continue
		}
		if rec.factor != factor {
			out[conv.AccessID] = interfaces.ActionStatus{Success: false, ErrorCode: "factor_mismatch"}
			continue
		}
		session, ok := s.sessions[conv.SessionID]
		if !ok {
			out[conv.AccessID] = interfaces.ActionStatus{Success: false, ErrorCode: "session_not_found"}
			continue
		}
		if err := s.applyGrant(session, interfaces.SessionGrant{
			RecipientID: caller.UserID.String(),
			Rights:      rec.access.Rights,
			Keys:        conv.Keys,
		}); err != nil {
			out[conv.AccessID] = interfaces.ActionStatus{Success: false, ErrorCode: "grant_rejected", Result: err.Error()}
			continue
		}
		if req.DeleteOnConvert {
			delete(s.tmrAccesses, conv.AccessID)
		}
		out[conv.AccessID] = interfaces.ActionStatus{Success: true, Result: "converted"}
	}
	s.invalidateMissingCaches()
	return out, nil
}
