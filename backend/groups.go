package backend

import (
	"fmt"
	"sort"

	"github.com/veilcrypt/veil-go/interfaces"
)

type groupRecord struct {
	id          interfaces.GroupID
	name        string
	members     map[interfaces.UserID]bool
	admins      map[interfaces.UserID]bool
	memberOrder []interfaces.UserID
	publicKey   []byte
	// keys holds the group private key wrapped per member device.
	keys map[interfaces.DeviceID][]byte
}

func (g *groupRecord) info() *interfaces.GroupInfo {
	members := append([]interfaces.UserID{}, g.memberOrder...)
	var admins []interfaces.UserID
	for _, m := range g.memberOrder {
		if g.admins[m] {
			admins = append(admins, m)
		}
	}
	return &interfaces.GroupInfo{
		ID:        g.id,
		Name:      g.name,
		Members:   members,
		Admins:    admins,
		PublicKey: g.publicKey,
	}
}

func (g *groupRecord) addMember(userID interfaces.UserID) {
	if !g.members[userID] {
		g.members[userID] = true
		g.memberOrder = append(g.memberOrder, userID)
	}
}

func (g *groupRecord) removeMember(userID interfaces.UserID) {
	delete(g.members, userID)
	delete(g.admins, userID)
	for i, m := range g.memberOrder {
		if m == userID {
			g.memberOrder = append(g.memberOrder[:i], g.memberOrder[i+1:]...)
			break
		}
	}
}

func (g *groupRecord) applyKeys(keys []interfaces.WrappedKey) {
	for _, key := range keys {
		if key.DeviceID != "" {
			g.keys[key.DeviceID] = key.Ciphertext
		}
	}
}

// CreateGroup registers a group. Admins must be a subset of members and the
// caller must appear in both.
func (s *Server) CreateGroup(caller Caller, req interfaces.CreateGroupRequest) (interfaces.GroupID, error) {
	if err := s.intercept("CreateGroup"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make(map[interfaces.UserID]bool, len(req.Members))
	for _, m := range req.Members {
		if _, ok := s.users[m]; !ok {
			return "", fmt.Errorf("member %s: %w", m, interfaces.ErrUserNotFound)
		}
		members[m] = true
	}
	admins := make(map[interfaces.UserID]bool, len(req.Admins))
	for _, a := range req.Admins {
		if !members[a] {
			return "", interfaces.ErrAdminsNotSubset
		}
		admins[a] = true
	}
	if !members[caller.UserID] || !admins[caller.UserID] {
		return "", fmt.Errorf("group creator must be an admin member: %w", interfaces.ErrAdminsNotSubset)
	}

	group := &groupRecord{
		id:        interfaces.GroupID(newID("group")),
		name:      req.Name,
		members:   members,
		admins:    admins,
		publicKey: req.PublicKey,
		keys:      make(map[interfaces.DeviceID][]byte),
	}
	for _, m := range req.Members {
		if !contains(group.memberOrder, m) {
			group.memberOrder = append(group.memberOrder, m)
		}
	}
	group.applyKeys(req.Keys)

	s.groups[group.id] = group
	s.log.Info("group created", "group", group.id, "members", len(members))
	return group.id, nil
}

func contains(ids []interfaces.UserID, id interfaces.UserID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Group returns a group's metadata. Any authenticated user may look a group
// up; only the key material is member-scoped.
func (s *Server) Group(caller Caller, id interfaces.GroupID) (*interfaces.GroupInfo, error) {
	if err := s.intercept("Group"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		return nil, interfaces.ErrGroupNotFound
	}
	return group.info(), nil
}

// GroupKey returns the group private key wrapped to the calling device. The
// caller must be a member.
func (s *Server) GroupKey(caller Caller, id interfaces.GroupID) ([]byte, error) {
	if err := s.intercept("GroupKey"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[id]
	if !ok {
		return nil, interfaces.ErrGroupNotFound
	}
	if !group.members[caller.UserID] {
		return nil, interfaces.ErrNotGroupMember
	}
	key, ok := group.keys[caller.DeviceID]
	if !ok {
		return nil, interfaces.ErrNotGroupMember
	}
	return key, nil
}

// AddGroupMembers adds members to a group, storing the current group key
// wrapped to their devices. The caller must be a group admin.
func (s *Server) AddGroupMembers(caller Caller, req interfaces.AddGroupMembersRequest) error {
	if err := s.intercept("AddGroupMembers"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[req.GroupID]
	if !ok {
		return interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return interfaces.ErrNotGroupAdmin
	}
	for _, m := range req.ToAdd {
		if _, ok := s.users[m]; !ok {
			return fmt.Errorf("member %s: %w", m, interfaces.ErrUserNotFound)
		}
	}
	for _, a := range req.AdminsToSet {
		if !contains(req.ToAdd, a) {
			return interfaces.ErrAdminsNotSubset
		}
	}

	for _, m := range req.ToAdd {
		group.addMember(m)
	}
	for _, a := range req.AdminsToSet {
		group.admins[a] = true
	}
	group.applyKeys(req.Keys)
	return nil
}

// RemoveGroupMembers removes members from a group and drops their wrapped
// group keys. The group key itself is not rotated here; callers are expected
// to follow up with RenewGroupKey.
func (s *Server) RemoveGroupMembers(caller Caller, id interfaces.GroupID, toRemove []interfaces.UserID) error {
	if err := s.intercept("RemoveGroupMembers"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[id]
	if !ok {
		return interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return interfaces.ErrNotGroupAdmin
	}
	for _, m := range toRemove {
		if !group.members[m] {
			return fmt.Errorf("user %s: %w", m, interfaces.ErrNotGroupMember)
		}
	}
	adminsLeft := len(group.admins)
	for _, m := range toRemove {
		if group.admins[m] {
			adminsLeft--
		}
	}
	if adminsLeft == 0 {
		return fmt.Errorf("removal would leave the group without admins: %w", interfaces.ErrNotGroupAdmin)
	}

	for _, m := range toRemove {
		user := s.users[m]
		if user != nil {
			for deviceID := range user.devices {
				delete(group.keys, deviceID)
			}
		}
		group.removeMember(m)
	}
	return nil
}

// RenewGroupKey rotates the group keypair. Keys must re-wrap the new private
// key to every current member device; previously removed members never see
// the new key.
func (s *Server) RenewGroupKey(caller Caller, req interfaces.RenewGroupKeyRequest) error {
	if err := s.intercept("RenewGroupKey"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[req.GroupID]
	if !ok {
		return interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return interfaces.ErrNotGroupAdmin
	}
	group.publicKey = req.PublicKey
	group.keys = make(map[interfaces.DeviceID][]byte)
	group.applyKeys(req.Keys)
	s.log.Info("group key renewed", "group", group.id)
	return nil
}

// SetGroupAdmins grants and withdraws admin status. Admins must stay a
// subset of members and the group must keep at least one admin.
func (s *Server) SetGroupAdmins(caller Caller, id interfaces.GroupID, add, remove []interfaces.UserID) error {
	if err := s.intercept("SetGroupAdmins"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[id]
	if !ok {
		return interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return interfaces.ErrNotGroupAdmin
	}
	for _, a := range add {
		if !group.members[a] {
			return interfaces.ErrAdminsNotSubset
		}
	}

	for _, a := range add {
		group.admins[a] = true
	}
	for _, a := range remove {
		delete(group.admins, a)
	}
	if len(group.admins) == 0 {
		// Roll back rather than leave an unadministrable group.
		group.admins[caller.UserID] = true
		return fmt.Errorf("a group must keep at least one admin: %w", interfaces.ErrNotGroupAdmin)
	}
	return nil
}

type groupTMRKeyRecord struct {
	key    interfaces.GroupTMRTemporaryKey
	factor interfaces.AuthFactor
	// encryptedKey is the group private key wrapped under the entry's
	// over-encryption key.
	encryptedKey []byte
}

// CreateGroupTMRKey creates a factor-gated temporary key on a group. The
// caller must be a group admin.
func (s *Server) CreateGroupTMRKey(caller Caller, req interfaces.CreateGroupTMRKeyRequest) (*interfaces.GroupTMRTemporaryKey, error) {
	if err := s.intercept("CreateGroupTMRKey"); err != nil {
		return nil, err
	}
	if err := req.AuthFactor.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[req.GroupID]
	if !ok {
		return nil, interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return nil, interfaces.ErrNotGroupAdmin
	}

	rec := &groupTMRKeyRecord{
		key: interfaces.GroupTMRTemporaryKey{
			ID:             newID("gtmr"),
			GroupID:        req.GroupID,
			IsAdmin:        req.IsAdmin,
			CreatedByID:    caller.UserID,
			Created:        s.now().UTC(),
			AuthFactorType: req.AuthFactor.Type,
		},
		factor:       req.AuthFactor,
		encryptedKey: req.EncryptedKey,
	}
	s.groupTMRKeys[rec.key.ID] = rec
	return &rec.key, nil
}

const groupTMRKeyPageSize = 10

func paginateGroupTMRKeys(keys []interfaces.GroupTMRTemporaryKey, page interfaces.Pagination) *interfaces.ListedGroupTMRTemporaryKeys {
	page = page.Normalize()
	nbPage := (len(keys) + groupTMRKeyPageSize - 1) / groupTMRKeyPageSize
	if nbPage == 0 {
		nbPage = 1
	}
	start := (page.Page - 1) * groupTMRKeyPageSize
	if start > len(keys) {
		start = len(keys)
	}
	end := len(keys)
	if !page.All && start+groupTMRKeyPageSize < end {
		end = start + groupTMRKeyPageSize
	}
	return &interfaces.ListedGroupTMRTemporaryKeys{NbPage: nbPage, Keys: keys[start:end]}
}

func sortGroupTMRKeys(keys []interfaces.GroupTMRTemporaryKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Created.Equal(keys[j].Created) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].Created.Before(keys[j].Created)
	})
}

// ListGroupTMRKeys lists a group's temporary keys. The caller must be a
// group admin.
func (s *Server) ListGroupTMRKeys(caller Caller, id interfaces.GroupID, page interfaces.Pagination) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	if err := s.intercept("ListGroupTMRKeys"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[id]
	if !ok {
		return nil, interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return nil, interfaces.ErrNotGroupAdmin
	}
	var keys []interfaces.GroupTMRTemporaryKey
	for _, rec := range s.groupTMRKeys {
		if rec.key.GroupID == id {
			keys = append(keys, rec.key)
		}
	}
	sortGroupTMRKeys(keys)
	return paginateGroupTMRKeys(keys, page), nil
}

// SearchGroupTMRKeys lists the temporary keys reachable with a factor token,
// optionally scoped to one group.
func (s *Server) SearchGroupTMRKeys(caller Caller, token string, opts interfaces.SearchGroupTMRTemporaryKeysOpts) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	if err := s.intercept("SearchGroupTMRKeys"); err != nil {
		return nil, err
	}
	factor, err := s.authenticateFactor(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []interfaces.GroupTMRTemporaryKey
	for _, rec := range s.groupTMRKeys {
		if rec.factor != factor {
			continue
		}
		if opts.GroupID != "" && rec.key.GroupID != opts.GroupID {
			continue
		}
		keys = append(keys, rec.key)
	}
	sortGroupTMRKeys(keys)
	return paginateGroupTMRKeys(keys, opts.Pagination), nil
}

// GroupTMRKeyData releases a temporary key's convertible payload to a caller
// presenting a valid factor token for it.
func (s *Server) GroupTMRKeyData(caller Caller, token string, id interfaces.GroupID, keyID string) (*interfaces.GroupTMRKeyData, error) {
	if err := s.intercept("GroupTMRKeyData"); err != nil {
		return nil, err
	}
	factor, err := s.authenticateFactor(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.groupTMRKeys[keyID]
	if !ok || rec.key.GroupID != id {
		return nil, interfaces.ErrTMRAccessNotFound
	}
	if rec.factor != factor {
		return nil, interfaces.ErrNotAuthorized
	}
	group, ok := s.groups[id]
	if !ok {
		return nil, interfaces.ErrGroupNotFound
	}
	return &interfaces.GroupTMRKeyData{
		Key:            rec.key,
		EncryptedKey:   rec.encryptedKey,
		GroupPublicKey: group.publicKey,
	}, nil
}

// ConvertGroupTMRKey joins the calling user to the group after a client-side
// unwrap, storing the group key wrapped to the caller's devices.
func (s *Server) ConvertGroupTMRKey(caller Caller, req interfaces.ConvertGroupTMRKeyRequest) error {
	if err := s.intercept("ConvertGroupTMRKey"); err != nil {
		return err
	}
	factor, err := s.authenticateFactor(req.Token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.groupTMRKeys[req.TemporaryKeyID]
	if !ok || rec.key.GroupID != req.GroupID {
		return interfaces.ErrTMRAccessNotFound
	}
	if rec.factor != factor {
		return interfaces.ErrNotAuthorized
	}
	group, ok := s.groups[req.GroupID]
	if !ok {
		return interfaces.ErrGroupNotFound
	}

	group.addMember(caller.UserID)
	if rec.key.IsAdmin {
		group.admins[caller.UserID] = true
	}
	group.applyKeys(req.Keys)
	if req.DeleteOnConvert {
		delete(s.groupTMRKeys, req.TemporaryKeyID)
	}
	s.log.Info("group TMR key converted", "group", req.GroupID, "user", caller.UserID, "admin", rec.key.IsAdmin)
	return nil
}

// DeleteGroupTMRKey removes a temporary key. The caller must be a group
// admin.
func (s *Server) DeleteGroupTMRKey(caller Caller, id interfaces.GroupID, keyID string) error {
	if err := s.intercept("DeleteGroupTMRKey"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[id]
	if !ok {
		return interfaces.ErrGroupNotFound
	}
	if !group.admins[caller.UserID] {
		return interfaces.ErrNotGroupAdmin
	}
	rec, ok := s.groupTMRKeys[keyID]
	if !ok || rec.key.GroupID != id {
		return interfaces.ErrTMRAccessNotFound
	}
	delete(s.groupTMRKeys, keyID)
	return nil
}
