package sdk

import (
	"context"
	"fmt"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

// groupPrivateKey fetches and unwraps the group's current private key. The
// caller must be a group member with the key wrapped to its device.
func (s *Sdk) groupPrivateKey(ctx context.Context, groupID interfaces.GroupID) (cryptoutils.PrivateKey, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}
	wrapped, err := s.backend.GroupKey(ctx, groupID)
	if err != nil {
		return nil, err
	}
	groupPriv, err := cryptoutils.DecryptWithPrivateKey(identity.PrivateKey, wrapped)
	if err != nil {
		return nil, fmt.Errorf("could not unwrap group key: %w", err)
	}
	return groupPriv, nil
}

// wrapKeyForUsers wraps key to every device of every given user.
func (s *Sdk) wrapKeyForUsers(ctx context.Context, users []interfaces.UserID, key []byte) ([]interfaces.WrappedKey, error) {
	var wrapped []interfaces.WrappedKey
	for _, userID := range users {
		devices, err := s.backend.UserDevices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", userID, err)
		}
		for _, device := range devices {
			ciphertext, err := cryptoutils.EncryptWithPublicKey(device.PublicKey, key)
			if err != nil {
				return nil, fmt.Errorf("could not wrap key for device %s: %w", device.ID, err)
			}
			wrapped = append(wrapped, interfaces.WrappedKey{
				UserID:     userID,
				DeviceID:   device.ID,
				Ciphertext: ciphertext,
			})
		}
	}
	return wrapped, nil
}

// CreateGroup registers a group, generates its keypair and distributes the
// private key to every member device. Admins must be a subset of members and
// the caller must appear in both sets.
func (s *Sdk) CreateGroup(ctx context.Context, name string, members, admins []interfaces.UserID) (interfaces.GroupID, error) {
	if _, err := s.currentIdentity(); err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", interfaces.ErrEmptyRecipients
	}

	pub, priv, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return "", err
	}
	keys, err := s.wrapKeyForUsers(ctx, members, priv)
	if err != nil {
		return "", err
	}
	groupID, err := s.backend.CreateGroup(ctx, interfaces.CreateGroupRequest{
		Name:      name,
		Members:   members,
		Admins:    admins,
		PublicKey: pub,
		Keys:      keys,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("group created", "group", groupID, "members", len(members))
	return groupID, nil
}

// GroupInfo returns the backend's view of a group.
func (s *Sdk) GroupInfo(ctx context.Context, groupID interfaces.GroupID) (*interfaces.GroupInfo, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.Group(ctx, groupID)
}

// AddGroupMembers adds members to a group, wrapping the current group key to
// their devices. Ids in toMakeAdmin must appear in toAdd. The caller must be
// a group admin.
func (s *Sdk) AddGroupMembers(ctx context.Context, groupID interfaces.GroupID, toAdd, toMakeAdmin []interfaces.UserID) error {
	groupPriv, err := s.groupPrivateKey(ctx, groupID)
	if err != nil {
		return err
	}
	keys, err := s.wrapKeyForUsers(ctx, toAdd, groupPriv)
	if err != nil {
		return err
	}
	return s.backend.AddGroupMembers(ctx, interfaces.AddGroupMembersRequest{
		GroupID:     groupID,
		ToAdd:       toAdd,
		AdminsToSet: toMakeAdmin,
		Keys:        keys,
	})
}

// RemoveGroupMembers removes members from a group. The group key is NOT
// rotated here: call RenewGroupKey separately before treating new grants to
// the group as safe from the removed members.
func (s *Sdk) RemoveGroupMembers(ctx context.Context, groupID interfaces.GroupID, toRemove []interfaces.UserID) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	return s.backend.RemoveGroupMembers(ctx, groupID, toRemove)
}

// RenewGroupKey rotates the group keypair and re-wraps the new private key
// to every current member device. Session keys already granted to the group
// remain wrapped to the old key; mass re-encryption handles those.
func (s *Sdk) RenewGroupKey(ctx context.Context, groupID interfaces.GroupID) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	group, err := s.backend.Group(ctx, groupID)
	if err != nil {
		return err
	}

	pub, priv, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return err
	}
	keys, err := s.wrapKeyForUsers(ctx, group.Members, priv)
	if err != nil {
		return err
	}
	if err := s.backend.RenewGroupKey(ctx, interfaces.RenewGroupKeyRequest{
		GroupID:   groupID,
		PublicKey: pub,
		Keys:      keys,
	}); err != nil {
		return err
	}
	s.log.Info("group key renewed", "group", groupID)
	return nil
}

// SetGroupAdmins grants and removes group admin status. Both sets operate on
// existing members only; the caller must be an admin.
func (s *Sdk) SetGroupAdmins(ctx context.Context, groupID interfaces.GroupID, addToAdmins, removeFromAdmins []interfaces.UserID) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	return s.backend.SetGroupAdmins(ctx, groupID, addToAdmins, removeFromAdmins)
}

// CreateGroupTMRTemporaryKey creates a factor-gated temporary key for a
// group: whoever presents a token for the factor plus the over-encryption
// key can join the group, as admin when isAdmin is set. The caller must be a
// group admin.
func (s *Sdk) CreateGroupTMRTemporaryKey(ctx context.Context, groupID interfaces.GroupID, factor interfaces.AuthFactor, isAdmin bool, overKey interfaces.OverEncryptionKey) (*interfaces.GroupTMRTemporaryKey, error) {
	if err := factor.Validate(); err != nil {
		return nil, err
	}
	if err := overKey.Validate(); err != nil {
		return nil, err
	}
	groupPriv, err := s.groupPrivateKey(ctx, groupID)
	if err != nil {
		return nil, err
	}
	encryptedKey, err := cryptoutils.OverEncrypt(overKey, groupPriv)
	if err != nil {
		return nil, err
	}
	return s.backend.CreateGroupTMRKey(ctx, interfaces.CreateGroupTMRKeyRequest{
		GroupID:      groupID,
		AuthFactor:   factor,
		IsAdmin:      isAdmin,
		EncryptedKey: encryptedKey,
	})
}

// ListGroupTMRTemporaryKeys lists a group's temporary keys, oldest first.
// With all set, the given page and every subsequent one are concatenated.
func (s *Sdk) ListGroupTMRTemporaryKeys(ctx context.Context, groupID interfaces.GroupID, page int, all bool) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.ListGroupTMRKeys(ctx, groupID, interfaces.Pagination{Page: page, All: all})
}

// SearchGroupTMRTemporaryKeys lists the temporary keys reachable with a
// factor token, optionally narrowed to one group.
func (s *Sdk) SearchGroupTMRTemporaryKeys(ctx context.Context, token string, opts *interfaces.SearchGroupTMRTemporaryKeysOpts) (*interfaces.ListedGroupTMRTemporaryKeys, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	var o interfaces.SearchGroupTMRTemporaryKeysOpts
	if opts != nil {
		o = *opts
	}
	return s.backend.SearchGroupTMRKeys(ctx, token, o)
}

// ConvertGroupTMRTemporaryKey joins the current user to the group behind a
// temporary key: the factor token proves the factor, the over-encryption key
// unwraps the group private key, which is then re-wrapped to the caller's
// own devices. With deleteOnConvert the temporary key is removed afterwards.
func (s *Sdk) ConvertGroupTMRTemporaryKey(ctx context.Context, groupID interfaces.GroupID, temporaryKeyID, token string, overKey interfaces.OverEncryptionKey, deleteOnConvert bool) error {
	if err := overKey.Validate(); err != nil {
		return err
	}
	identity, err := s.currentIdentity()
	if err != nil {
		return err
	}

	data, err := s.backend.GroupTMRKeyData(ctx, token, groupID, temporaryKeyID)
	if err != nil {
		return err
	}
	groupPriv, err := cryptoutils.OverDecrypt(overKey, data.EncryptedKey)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTMRKeyMismatch, err)
	}
	keys, err := s.wrapKeyForUsers(ctx, []interfaces.UserID{identity.UserID}, groupPriv)
	if err != nil {
		return err
	}
	return s.backend.ConvertGroupTMRKey(ctx, interfaces.ConvertGroupTMRKeyRequest{
		GroupID:         groupID,
		TemporaryKeyID:  temporaryKeyID,
		Token:           token,
		Keys:            keys,
		DeleteOnConvert: deleteOnConvert,
	})
}

// DeleteGroupTMRTemporaryKey removes a temporary key. The caller must be a
// group admin.
func (s *Sdk) DeleteGroupTMRTemporaryKey(ctx context.Context, groupID interfaces.GroupID, temporaryKeyID string) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	return s.backend.DeleteGroupTMRKey(ctx, groupID, temporaryKeyID)
}
