package sdk

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/localstore"
)

// isNoAccess reports whether err means "this retrieval path is closed to the
// caller", as opposed to a transport failure worth surfacing. The HTTP
// transport reports these as structured 403/404 responses rather than the
// in-process sentinels.
func isNoAccess(err error) bool {
	if errors.Is(err, interfaces.ErrSessionNotFound) ||
		errors.Is(err, interfaces.ErrNotAuthorized) ||
		errors.Is(err, interfaces.ErrProxyNotAuthorized) {
		return true
	}
	var apiErr *interfaces.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 403 || apiErr.Status == 404
	}
	return false
}

func isNotFound(err error) bool {
	if errors.Is(err, interfaces.ErrUserNotFound) ||
		errors.Is(err, interfaces.ErrGroupNotFound) ||
		errors.Is(err, interfaces.ErrDeviceNotFound) {
		return true
	}
	var apiErr *interfaces.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 404
	}
	return false
}

// grantFor wraps key for one recipient. Users get one ciphertext per device;
// a recipient id that is not a user is tried as a group and gets a single
// ciphertext wrapped to the group public key, with an empty device id.
func (s *Sdk) grantFor(ctx context.Context, recipientID string, rights interfaces.RecipientRights, key []byte) (interfaces.SessionGrant, error) {
	devices, err := s.backend.UserDevices(ctx, interfaces.UserID(recipientID))
	if err == nil {
		keys := make([]interfaces.WrappedKey, 0, len(devices))
		for _, device := range devices {
			ciphertext, err := cryptoutils.EncryptWithPublicKey(device.PublicKey, key)
			if err != nil {
				return interfaces.SessionGrant{}, fmt.Errorf("could not wrap key for device %s: %w", device.ID, err)
			}
			keys = append(keys, interfaces.WrappedKey{
				UserID:     interfaces.UserID(recipientID),
				DeviceID:   device.ID,
				Ciphertext: ciphertext,
			})
		}
		return interfaces.SessionGrant{RecipientID: recipientID, Rights: rights, Keys: keys}, nil
	}
	if !isNotFound(err) {
		return interfaces.SessionGrant{}, err
	}

	group, groupErr := s.backend.Group(ctx, interfaces.GroupID(recipientID))
	if groupErr != nil {
		return interfaces.SessionGrant{}, fmt.Errorf("recipient %s: %w", recipientID, err)
	}
	ciphertext, err := cryptoutils.EncryptWithPublicKey(group.PublicKey, key)
	if err != nil {
		return interfaces.SessionGrant{}, fmt.Errorf("could not wrap key for group %s: %w", recipientID, err)
	}
	return interfaces.SessionGrant{
		RecipientID: recipientID,
		Rights:      rights,
		Keys:        []interfaces.WrappedKey{{Ciphertext: ciphertext}},
	}, nil
}

func (s *Sdk) grantsFor(ctx context.Context, recipients []interfaces.RecipientWithRights, key []byte) ([]interfaces.SessionGrant, error) {
	grants := make([]interfaces.SessionGrant, 0, len(recipients))
	for _, recipient := range recipients {
		grant, err := s.grantFor(ctx, recipient.RecipientID, recipient.EffectiveRights(), key)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

// CreateEncryptionSession generates a session key and registers the session
// with the given recipients. Only listed recipients are granted access: a
// creator that wants to retrieve the session later must include its own user
// id in recipients. When the creator lists itself with nil Rights it gets
// CreatorRights instead of the read-and-forward defaults.
func (s *Sdk) CreateEncryptionSession(ctx context.Context, recipients []interfaces.RecipientWithRights, cacheable bool) (*EncryptionSession, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}

	key, err := cryptoutils.NewSymmetricKey()
	if err != nil {
		return nil, err
	}
	resolved := make([]interfaces.RecipientWithRights, len(recipients))
	for i, recipient := range recipients {
		if recipient.RecipientID == identity.UserID.String() && recipient.Rights == nil {
			creatorRights := interfaces.CreatorRights()
			recipient.Rights = &creatorRights
		}
		resolved[i] = recipient
	}

	grants, err := s.grantsFor(ctx, resolved, key)
	if err != nil {
		return nil, err
	}
	id, err := s.backend.CreateSession(ctx, interfaces.CreateSessionRequest{Grants: grants})
	if err != nil {
		return nil, err
	}

	details := interfaces.RetrievalDetails{Flow: interfaces.RetrievalCreated}
	if cacheable {
		s.cache.put(id, key, details)
	}
	s.log.Debug("encryption session created", "session", id, "recipients", len(grants))
	return &EncryptionSession{sdk: s, ID: id, Key: key, RetrievalDetails: details}, nil
}

type resolved struct {
	key     cryptoutils.SymmetricKey
	details interfaces.RetrievalDetails
}

// resolveSession walks the retrieval paths in order: direct grant, then
// group membership, then proxy link. The first open path wins.
func (s *Sdk) resolveSession(ctx context.Context, identity *localstore.Identity, id interfaces.SessionID, lookupGroupKey, lookupProxyKey bool) (resolved, error) {
	direct, err := s.backend.RetrieveSessionKey(ctx, id)
	if err == nil {
		keyBytes, err := cryptoutils.DecryptWithPrivateKey(identity.PrivateKey, direct.Ciphertext)
		if err != nil {
			return resolved{}, fmt.Errorf("could not unwrap session key: %w", err)
		}
		return resolved{
			key:     cryptoutils.SymmetricKey(keyBytes),
			details: interfaces.RetrievalDetails{Flow: interfaces.RetrievalDirect},
		}, nil
	}
	if !isNoAccess(err) {
		return resolved{}, err
	}
	lastErr := err

	if lookupGroupKey {
		viaGroup, err := s.backend.RetrieveSessionKeyViaGroup(ctx, id)
		if err == nil {
			groupPriv, err := cryptoutils.DecryptWithPrivateKey(identity.PrivateKey, viaGroup.EncryptedGroupKey)
			if err != nil {
				return resolved{}, fmt.Errorf("could not unwrap group key: %w", err)
			}
			keyBytes, err := cryptoutils.DecryptWithPrivateKey(groupPriv, viaGroup.EncryptedSessionKey)
			if err != nil {
				return resolved{}, fmt.Errorf("could not unwrap session key with group key: %w", err)
			}
			return resolved{
				key: cryptoutils.SymmetricKey(keyBytes),
				details: interfaces.RetrievalDetails{
					Flow:    interfaces.RetrievalViaGroup,
					GroupID: viaGroup.GroupID,
				},
			}, nil
		}
		if !isNoAccess(err) {
			return resolved{}, err
		}
		lastErr = err
	}

	if lookupProxyKey {
		viaProxy, err := s.backend.RetrieveSessionKeyViaProxy(ctx, id)
		if err == nil {
			proxyKeyBytes, err := cryptoutils.DecryptWithPrivateKey(identity.PrivateKey, viaProxy.EncryptedProxyKey)
			if err != nil {
				return resolved{}, fmt.Errorf("could not unwrap proxy session key: %w", err)
			}
			keyBytes, err := cryptoutils.SymmetricKey(proxyKeyBytes).Decrypt(viaProxy.EncryptedSessionKey)
			if err != nil {
				return resolved{}, fmt.Errorf("could not unwrap session key with proxy key: %w", err)
			}
			return resolved{
				key: cryptoutils.SymmetricKey(keyBytes),
				details: interfaces.RetrievalDetails{
					Flow:           interfaces.RetrievalViaProxy,
					ProxySessionID: viaProxy.ProxySessionID,
				},
			}, nil
		}
		if !isNoAccess(err) {
			return resolved{}, err
		}
		lastErr = err
	}
	return resolved{}, lastErr
}

// RetrieveEncryptionSession fetches a session key by id. Resolution tries
// the direct grant first, then group membership when lookupGroupKey is set,
// then proxy links when lookupProxyKey is set. With useCache both cache
// reads and the write-back of the resolved key are enabled; a cache hit
// reports FromCache provenance. Concurrent retrievals of the same id share
// one resolution.
func (s *Sdk) RetrieveEncryptionSession(ctx context.Context, id interfaces.SessionID, useCache, lookupProxyKey, lookupGroupKey bool) (*EncryptionSession, error) {
	if _, err := interfaces.ParseSessionID(id.String()); err != nil {
		return nil, err
	}
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}

	if useCache {
		if entry, ok := s.cache.get(id); ok {
			details := entry.details
			details.FromCache = true
			return &EncryptionSession{sdk: s, ID: id, Key: entry.key, RetrievalDetails: details}, nil
		}
	}

	value, err, _ := s.resolve.Do(id.String(), func() (any, error) {
		res, err := s.resolveSession(ctx, identity, id, lookupGroupKey, lookupProxyKey)
		if err != nil {
			return nil, err
		}
		if useCache {
			s.cache.put(id, res.key, res.details)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	res := value.(resolved)
	s.log.Debug("encryption session retrieved", "session", id, "flow", res.details.Flow.String())
	return &EncryptionSession{sdk: s, ID: id, Key: res.key, RetrievalDetails: res.details}, nil
}

// RetrieveEncryptionSessionFromMessage reads the session id embedded in an
// encrypted message and retrieves that session.
func (s *Sdk) RetrieveEncryptionSessionFromMessage(ctx context.Context, encryptedMessage string, useCache, lookupProxyKey, lookupGroupKey bool) (*EncryptionSession, error) {
	id, err := cryptoutils.SessionIDFromMessage(encryptedMessage)
	if err != nil {
		return nil, err
	}
	return s.RetrieveEncryptionSession(ctx, interfaces.SessionID(id), useCache, lookupProxyKey, lookupGroupKey)
}

// RetrieveEncryptionSessionFromFile reads the session id embedded in an
// encrypted file and retrieves that session.
func (s *Sdk) RetrieveEncryptionSessionFromFile(ctx context.Context, encryptedFile []byte, useCache, lookupProxyKey, lookupGroupKey bool) (*EncryptionSession, error) {
	id, err := cryptoutils.SessionIDFromFile(encryptedFile)
	if err != nil {
		return nil, err
	}
	return s.RetrieveEncryptionSession(ctx, interfaces.SessionID(id), useCache, lookupProxyKey, lookupGroupKey)
}

// RetrieveEncryptionSessionFromFilePath reads the session id embedded in an
// encrypted file on disk and retrieves that session.
func (s *Sdk) RetrieveEncryptionSessionFromFilePath(ctx context.Context, path string, useCache, lookupProxyKey, lookupGroupKey bool) (*EncryptionSession, error) {
	encryptedFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read encrypted file: %w", err)
	}
	return s.RetrieveEncryptionSessionFromFile(ctx, encryptedFile, useCache, lookupProxyKey, lookupGroupKey)
}

// RetrieveMultipleEncryptionSessions retrieves several sessions at once.
// The output order matches the input order; any single failure fails the
// whole batch.
func (s *Sdk) RetrieveMultipleEncryptionSessions(ctx context.Context, ids []interfaces.SessionID, useCache, lookupProxyKey, lookupGroupKey bool) ([]*EncryptionSession, error) {
	sessions := make([]*EncryptionSession, 0, len(ids))
	for _, id := range ids {
		session, err := s.RetrieveEncryptionSession(ctx, id, useCache, lookupProxyKey, lookupGroupKey)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// RetrieveEncryptionSessionByTMR retrieves a session through a factor-gated
// access: the factor token proves the factor, the over-encryption key
// unwraps the entry. When several entries match, tryAllIfMultiple attempts
// them oldest first; otherwise the ambiguity is an error.
func (s *Sdk) RetrieveEncryptionSessionByTMR(ctx context.Context, token string, id interfaces.SessionID, overKey interfaces.OverEncryptionKey, filters *interfaces.TMRAccessesRetrievalFilters, tryAllIfMultiple bool) (*EncryptionSession, error) {
	if err := overKey.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	var f interfaces.TMRAccessesRetrievalFilters
	if filters != nil {
		f = *filters
	}

	accesses, err := s.backend.ListTMRAccesses(ctx, token, id, f)
	if err != nil {
		return nil, err
	}
	if len(accesses) == 0 {
		return nil, interfaces.ErrTMRAccessNotFound
	}
	if len(accesses) > 1 && !tryAllIfMultiple {
		return nil, fmt.Errorf("%w: %d entries", interfaces.ErrTMRAmbiguous, len(accesses))
	}

	for _, access := range accesses {
		keyBytes, err := cryptoutils.OverDecrypt(overKey, access.EncryptedKey)
		if err != nil || len(keyBytes) != cryptoutils.SymmetricKeySize {
			continue
		}
		key := cryptoutils.SymmetricKey(keyBytes)
		details := interfaces.RetrievalDetails{Flow: interfaces.RetrievalViaTMRAccess}
		s.cache.put(id, key, details)
		return &EncryptionSession{sdk: s, ID: id, Key: key, RetrievalDetails: details}, nil
	}
	return nil, interfaces.ErrTMRKeyMismatch
}
