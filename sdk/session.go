package sdk

import (
	"context"
	"fmt"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

// EncryptionSession is one content key shared with a recipient set. Values
// are obtained from CreateEncryptionSession or one of the retrieval calls;
// the zero value is not usable.
type EncryptionSession struct {
	sdk *Sdk

	// ID of the session.
	ID interfaces.SessionID
	// Key is the symmetric content key.
	Key cryptoutils.SymmetricKey
	// RetrievalDetails records how this instance obtained the key.
	RetrievalDetails interfaces.RetrievalDetails
}

// AddRecipients grants the session to more users or groups. The caller
// needs forward rights. Outcomes are reported per recipient; one failing
// recipient does not block the others.
func (es *EncryptionSession) AddRecipients(ctx context.Context, recipients []interfaces.RecipientWithRights) (map[string]interfaces.ActionStatus, error) {
	if len(recipients) == 0 {
		return nil, interfaces.ErrEmptyRecipients
	}
	if _, err := es.sdk.currentIdentity(); err != nil {
		return nil, err
	}
	grants, err := es.sdk.grantsFor(ctx, recipients, es.Key)
	if err != nil {
		return nil, err
	}
	return es.sdk.backend.AddSessionKeys(ctx, es.ID, grants)
}

// AddProxySession links proxySessionID as a proxy: everyone already granted
// the proxy session gains access to this one. The caller must hold a direct
// read grant on the proxy session; nil rights means the defaults.
func (es *EncryptionSession) AddProxySession(ctx context.Context, proxySessionID interfaces.SessionID, rights *interfaces.RecipientRights) error {
	// Direct grant only: resolving the proxy through another group or proxy
	// would build a multi-hop chain, which retrieval does not follow.
	proxy, err := es.sdk.RetrieveEncryptionSession(ctx, proxySessionID, true, false, false)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrProxyNotAuthorized, err)
	}
	ciphertext, err := proxy.Key.Encrypt(es.Key)
	if err != nil {
		return err
	}
	effective := interfaces.DefaultRights()
	if rights != nil {
		effective = *rights
	}
	return es.sdk.backend.AddProxySession(ctx, interfaces.AddProxySessionRequest{
		SessionID:      es.ID,
		ProxySessionID: proxySessionID,
		Rights:         effective,
		Ciphertext:     ciphertext,
	})
}

// RevokeRecipients removes recipients and proxy links from the session. The
// caller needs revoke rights. Revoking an absent target reports a no-op
// success.
func (es *EncryptionSession) RevokeRecipients(ctx context.Context, recipients []string, proxySessionIDs []interfaces.SessionID) (*interfaces.RevokeResult, error) {
	if _, err := es.sdk.currentIdentity(); err != nil {
		return nil, err
	}
	return es.sdk.backend.RevokeRecipients(ctx, es.ID, recipients, proxySessionIDs)
}

// RevokeAll revokes every recipient and proxy link. The session becomes
// permanently unreadable, including by the caller; the local cache entry is
// dropped.
func (es *EncryptionSession) RevokeAll(ctx context.Context) (*interfaces.RevokeResult, error) {
	if _, err := es.sdk.currentIdentity(); err != nil {
		return nil, err
	}
	result, err := es.sdk.backend.RevokeAll(ctx, es.ID)
	if err != nil {
		return nil, err
	}
	es.sdk.cache.drop(es.ID)
	return result, nil
}

// RevokeOthers revokes every recipient and proxy link except the caller's
// own grant.
func (es *EncryptionSession) RevokeOthers(ctx context.Context) (*interfaces.RevokeResult, error) {
	if _, err := es.sdk.currentIdentity(); err != nil {
		return nil, err
	}
	return es.sdk.backend.RevokeOthers(ctx, es.ID)
}

// EncryptMessage encrypts a string for this session. The output embeds the
// session id, so the matching session can later be found with
// RetrieveEncryptionSessionFromMessage.
func (es *EncryptionSession) EncryptMessage(clearMessage string) (string, error) {
	return es.Key.EncryptMessage(es.ID.String(), clearMessage)
}

// DecryptMessage decrypts a message produced by EncryptMessage with this
// session's key.
func (es *EncryptionSession) DecryptMessage(encryptedMessage string) (string, error) {
	return es.Key.DecryptMessage(encryptedMessage)
}

// EncryptFile encrypts a file payload for this session, embedding the
// filename and session id.
func (es *EncryptionSession) EncryptFile(filename string, content []byte) ([]byte, error) {
	return es.Key.EncryptFile(es.ID.String(), filename, content)
}

// DecryptFile decrypts a file produced by EncryptFile.
func (es *EncryptionSession) DecryptFile(encryptedFile []byte) (*interfaces.ClearFile, error) {
	sessionID, filename, content, err := es.Key.DecryptFile(encryptedFile)
	if err != nil {
		return nil, err
	}
	return &interfaces.ClearFile{
		Filename:  filename,
		SessionID: interfaces.SessionID(sessionID),
		Content:   content,
	}, nil
}

// AddTMRAccess grants the session to an authentication factor. The session
// key is wrapped under the recipient's over-encryption key, so retrieval
// needs both a factor token and that key. Returns the created access id.
func (es *EncryptionSession) AddTMRAccess(ctx context.Context, recipient interfaces.TMRRecipientWithRights) (string, error) {
	statuses, err := es.AddMultipleTMRAccesses(ctx, []interfaces.TMRRecipientWithRights{recipient})
	if err != nil {
		return "", err
	}
	for id, status := range statuses {
		if status.Success {
			return id, nil
		}
		return "", fmt.Errorf("tmr access rejected: %s", status.ErrorCode)
	}
	return "", fmt.Errorf("tmr access rejected")
}

// AddMultipleTMRAccesses grants the session to several authentication
// factors at once. Every entry is validated before any network interaction;
// outcomes are reported per entry, keyed by the assigned access id.
func (es *EncryptionSession) AddMultipleTMRAccesses(ctx context.Context, recipients []interfaces.TMRRecipientWithRights) (map[string]interfaces.ActionStatus, error) {
	if len(recipients) == 0 {
		return nil, interfaces.ErrEmptyRecipients
	}
	if _, err := es.sdk.currentIdentity(); err != nil {
		return nil, err
	}
	for _, recipient := range recipients {
		if err := recipient.Validate(); err != nil {
			return nil, err
		}
	}

	uploads := make([]interfaces.TMRAccessUpload, 0, len(recipients))
	for _, recipient := range recipients {
		encryptedKey, err := cryptoutils.OverEncrypt(recipient.OverEncryptionKey, es.Key)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, interfaces.TMRAccessUpload{
			AuthFactor:   recipient.AuthFactor,
			Rights:       recipient.EffectiveRights(),
			EncryptedKey: encryptedKey,
		})
	}
	return es.sdk.backend.AddTMRAccesses(ctx, es.ID, uploads)
}
