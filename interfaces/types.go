package interfaces

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserID identifies a user account on the backend.
type UserID string

// DeviceID identifies one device of a user. Each device owns its own
// asymmetric keypair.
type DeviceID string

// GroupID identifies a group. Groups are addressable as recipients and own a
// shared keypair distributed to their members.
type GroupID string

// SessionID identifies an encryption session.
type SessionID string

// String returns the id as a plain string.
func (id UserID) String() string { return string(id) }

// String returns the id as a plain string.
func (id DeviceID) String() string { return string(id) }

// String returns the id as a plain string.
func (id GroupID) String() string { return string(id) }

// String returns the id as a plain string.
func (id SessionID) String() string { return string(id) }

// NewSessionID generates a fresh random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ParseSessionID validates that s is a well-formed session id.
func ParseSessionID(s string) (SessionID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
	}
	return SessionID(s), nil
}

// OverEncryptionKeySize is the required length of an over-encryption key.
// The first half keys the cipher, the second half keys the authentication
// tag.
const OverEncryptionKeySize = 64

// OverEncryptionKey is the out-of-band secret wrapping keys handed out
// through TMR accesses and identity backups. It must be exactly 64 bytes of
// cryptographically random material.
type OverEncryptionKey []byte

// NewOverEncryptionKey generates a fresh random over-encryption key.
func NewOverEncryptionKey() (OverEncryptionKey, error) {
	key := make([]byte, OverEncryptionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("could not generate over-encryption key: %w", err)
	}
	return key, nil
}

// Validate checks the key length. It is called before any lookup or network
// interaction so a malformed key never reaches the backend.
func (k OverEncryptionKey) Validate() error {
	if len(k) != OverEncryptionKeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidOverEncryptionKey, len(k), OverEncryptionKeySize)
	}
	return nil
}

// RecipientRights is the set of capabilities a recipient holds over an
// encryption session.
type RecipientRights struct {
	// Read allows decrypting the session's content.
	Read bool `json:"read"`
	// Forward allows adding new recipients to the session.
	Forward bool `json:"forward"`
	// Revoke allows removing recipients, or the whole session.
	Revoke bool `json:"revoke"`
}

// DefaultRights are the rights granted to an externally added recipient when
// none are specified.
func DefaultRights() RecipientRights {
	return RecipientRights{Read: true, Forward: true, Revoke: false}
}

// CreatorRights are the rights a session creator gets when it lists itself
// as a recipient without explicit rights.
func CreatorRights() RecipientRights {
	return RecipientRights{Read: true, Forward: true, Revoke: true}
}

// RecipientWithRights binds a recipient id to the rights it should be
// granted. A nil Rights means DefaultRights.
type RecipientWithRights struct {
	// RecipientID is a user id or a group id.
	RecipientID string `json:"recipient_id"`
	// Rights for the recipient, or nil for the defaults.
	Rights *RecipientRights `json:"rights,omitempty"`
}

// EffectiveRights resolves the nil-rights default.
func (r RecipientWithRights) EffectiveRights() RecipientRights {
	if r.Rights == nil {
		return DefaultRights()
	}
	return *r.Rights
}

// ActionStatus reports the outcome of an operation on a single recipient,
// proxy session or device.
type ActionStatus struct {
	// Success is true when the action succeeded for this target.
	Success bool `json:"success"`
	// ErrorCode is a machine-readable code when the action failed, empty
	// otherwise.
	ErrorCode string `json:"error_code,omitempty"`
	// Result carries additional outcome detail, such as "revoked" or
	// "not_found".
	Result string `json:"result,omitempty"`
}

// RevokeResult reports per-target outcomes of a revocation operation.
type RevokeResult struct {
	// Recipients maps each addressed recipient id to its outcome.
	Recipients map[string]ActionStatus `json:"recipients"`
	// ProxySessions maps each addressed proxy session id to its outcome.
	ProxySessions map[string]ActionStatus `json:"proxy_sessions"`
}

// RetrievalFlow describes the path through which an encryption session was
// obtained.
type RetrievalFlow int

const (
	// RetrievalCreated means the session was created locally.
	RetrievalCreated RetrievalFlow = iota
	// RetrievalDirect means the caller is a direct recipient.
	RetrievalDirect
	// RetrievalViaGroup means access was granted through group membership.
	RetrievalViaGroup
	// RetrievalViaProxy means access was granted through a proxy session.
	RetrievalViaProxy
	// RetrievalViaTMRAccess means access was unlocked with an authentication
	// factor token and an over-encryption key.
	RetrievalViaTMRAccess
)

// String returns the flow name.
func (f RetrievalFlow) String() string {
	switch f {
	case RetrievalCreated:
		return "created"
	case RetrievalDirect:
		return "direct"
	case RetrievalViaGroup:
		return "via_group"
	case RetrievalViaProxy:
		return "via_proxy"
	case RetrievalViaTMRAccess:
		return "via_tmr_access"
	default:
		return "unknown"
	}
}

// RetrievalDetails describes how an encryption session was retrieved. Only
// the fields relevant to the flow are set: GroupID for RetrievalViaGroup,
// ProxySessionID for RetrievalViaProxy.
type RetrievalDetails struct {
	Flow RetrievalFlow `json:"flow"`
	// GroupID is the group through which the session was retrieved, when
	// Flow is RetrievalViaGroup.
	GroupID GroupID `json:"group_id,omitempty"`
	// ProxySessionID is the proxy session through which the session was
	// retrieved, when Flow is RetrievalViaProxy.
	ProxySessionID SessionID `json:"proxy_session_id,omitempty"`
	// FromCache indicates the session was served from the local cache.
	FromCache bool `json:"from_cache"`
}

// AccountInfo describes the local account of an SDK instance.
type AccountInfo struct {
	// UserID is the id of the current user.
	UserID UserID `json:"user_id"`
	// DeviceID is the id of the current device.
	DeviceID DeviceID `json:"device_id"`
	// DeviceExpires is when the current device keys expire. Zero when not
	// known locally.
	DeviceExpires time.Time `json:"device_expires"`
}

// Device describes one device of a user, as known by the backend.
type Device struct {
	ID DeviceID `json:"id"`
	// PublicKey is the PEM-encoded device public key.
	PublicKey []byte    `json:"public_key"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
}

// Connector links an external identifier (an email address or a phone
// number) to a user id.
type Connector struct {
	ID     string `json:"id"`
	UserID UserID `json:"user_id"`
	// Type is an AuthFactorType value.
	Type  AuthFactorType `json:"type"`
	Value string         `json:"value"`
	// State is one of "pending", "validated", "revoked".
	State string `json:"state"`
}

// ClearFile is a decrypted file payload.
type ClearFile struct {
	// Filename of the decrypted file.
	Filename string
	// SessionID of the session the file belongs to.
	SessionID SessionID
	// Content of the decrypted file.
	Content []byte
}

// Pagination selects a page of a listing. Page numbers start at 1. When All
// is set the selected page and every subsequent page are fetched and
// concatenated.
type Pagination struct {
	Page int  `json:"page"`
	All  bool `json:"all"`
}

// Normalize clamps the page number to the first page.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	return p
}
