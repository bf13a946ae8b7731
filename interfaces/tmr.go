package interfaces

import (
	"errors"
	"time"
)

// AuthFactorType is the kind of authentication factor a TMR access is bound
// to.
type AuthFactorType string

const (
	// AuthFactorEmail is an email-address factor.
	AuthFactorEmail AuthFactorType = "EM"
	// AuthFactorSMS is a phone-number factor.
	AuthFactorSMS AuthFactorType = "SMS"
)

// Validate checks that the factor type is known.
func (t AuthFactorType) Validate() error {
	switch t {
	case AuthFactorEmail, AuthFactorSMS:
		return nil
	default:
		return errors.New("auth factor type must be EM or SMS")
	}
}

// AuthFactor describes an authentication factor: an email address or a phone
// number, without any durable identity attached.
type AuthFactor struct {
	Type  AuthFactorType `json:"type"`
	Value string         `json:"value"`
}

// Validate checks the factor for obvious malformations before any I/O.
func (f AuthFactor) Validate() error {
	if err := f.Type.Validate(); err != nil {
		return err
	}
	if f.Value == "" {
		return errors.New("auth factor value must not be empty")
	}
	return nil
}

// TMRRecipientWithRights describes a factor-gated recipient to add to a
// session: the authentication factor, the out-of-band over-encryption key
// and the rights to grant. A nil Rights means DefaultRights.
type TMRRecipientWithRights struct {
	AuthFactor        AuthFactor
	OverEncryptionKey OverEncryptionKey
	Rights            *RecipientRights
}

// EffectiveRights resolves the nil-rights default.
func (r TMRRecipientWithRights) EffectiveRights() RecipientRights {
	if r.Rights == nil {
		return DefaultRights()
	}
	return *r.Rights
}

// Validate checks the entry before any network interaction.
func (r TMRRecipientWithRights) Validate() error {
	if err := r.AuthFactor.Validate(); err != nil {
		return err
	}
	return r.OverEncryptionKey.Validate()
}

// TMRAccess is a factor-gated access entry to an encryption session, as
// stored by the backend. The session key inside EncryptedKey is wrapped both
// for the authenticated factor and under the entry's over-encryption key.
type TMRAccess struct {
	ID          string          `json:"id"`
	SessionID   SessionID       `json:"session_id"`
	CreatedByID UserID          `json:"created_by_id"`
	Created     time.Time       `json:"created"`
	Rights      RecipientRights `json:"rights"`
	// EncryptedKey is the doubly wrapped session key.
	EncryptedKey []byte `json:"encrypted_key"`
}

// TMRAccessesRetrievalFilters narrows the TMR accesses considered when
// retrieving an encryption session by TMR. Empty fields do not filter.
type TMRAccessesRetrievalFilters struct {
	// CreatedByID keeps only entries created by this user.
	CreatedByID UserID `json:"created_by_id,omitempty"`
	// TMRAccessID keeps only the entry with this id.
	TMRAccessID string `json:"tmr_access_id,omitempty"`
}

// TMRAccessesConvertFilters narrows the TMR accesses considered for
// conversion. Empty fields do not filter.
type TMRAccessesConvertFilters struct {
	// SessionID keeps only entries granting this session.
	SessionID SessionID `json:"session_id,omitempty"`
	// CreatedByID keeps only entries created by this user.
	CreatedByID UserID `json:"created_by_id,omitempty"`
	// TMRAccessID keeps only the entry with this id.
	TMRAccessID string `json:"tmr_access_id,omitempty"`
}

// ConvertTMRAccessesResult reports the outcome of a conversion run.
type ConvertTMRAccessesResult struct {
	// Status is "ok" when no conversion errored, "ko" otherwise.
	Status string `json:"status"`
	// Succeeded is the number of entries converted into durable grants.
	Succeeded int `json:"succeeded"`
	// Errored is the number of entries that could not be converted, for
	// example because they were wrapped under a different over-encryption
	// key.
	Errored int `json:"errored"`
	// Converted lists the ids of the fully converted entries.
	Converted []string `json:"converted"`
}

// GroupTMRTemporaryKey is a factor-gated access entry scoped to a group
// instead of a session. Converting it joins the group, with admin status
// when IsAdmin is set.
type GroupTMRTemporaryKey struct {
	ID             string         `json:"id"`
	GroupID        GroupID        `json:"group_id"`
	IsAdmin        bool           `json:"is_admin"`
	CreatedByID    UserID         `json:"created_by_id"`
	Created        time.Time      `json:"created"`
	AuthFactorType AuthFactorType `json:"auth_factor_type"`
}

// ListedGroupTMRTemporaryKeys is one page (or the concatenation of all
// remaining pages) of group TMR temporary keys.
type ListedGroupTMRTemporaryKeys struct {
	// NbPage is the total number of pages available.
	NbPage int `json:"nb_page"`
	// Keys are the temporary keys found.
	Keys []GroupTMRTemporaryKey `json:"keys"`
}

// SearchGroupTMRTemporaryKeysOpts filters a search of group TMR temporary
// keys reachable with a factor token.
type SearchGroupTMRTemporaryKeysOpts struct {
	// GroupID keeps only keys giving access to this group.
	GroupID GroupID `json:"group_id,omitempty"`
	// Pagination of the result set.
	Pagination
}
