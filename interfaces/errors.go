package interfaces

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Validation and authorization
// errors are fatal and never retried; not-found errors are fatal for
// single-target calls and become failed ActionStatus entries for
// multi-target calls.
var (
	// ErrInvalidSessionID reports a malformed session id.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidOverEncryptionKey reports an over-encryption key that is not
	// exactly 64 bytes. Detected before any network interaction.
	ErrInvalidOverEncryptionKey = errors.New("invalid over-encryption key")

	// ErrInvalidDatabaseKey reports a local database encryption key that is
	// not exactly 64 bytes.
	ErrInvalidDatabaseKey = errors.New("invalid database encryption key")

	// ErrNoAccount indicates the SDK instance has no account yet.
	ErrNoAccount = errors.New("no account for this sdk instance")

	// ErrAccountExists indicates the SDK instance already has an account.
	ErrAccountExists = errors.New("sdk instance already has an account")

	// ErrSessionNotFound indicates an unknown session id, or a session the
	// caller holds no key for.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAuthorized indicates the caller lacks the right to perform the
	// requested operation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrGroupNotFound indicates an unknown group id.
	ErrGroupNotFound = errors.New("group not found")

	// ErrNotGroupAdmin indicates the caller is not an admin of the group.
	ErrNotGroupAdmin = errors.New("caller is not a group admin")

	// ErrNotGroupMember indicates a target user is not a member of the group.
	ErrNotGroupMember = errors.New("user is not a group member")

	// ErrAdminsNotSubset reports group admins that are not also members.
	ErrAdminsNotSubset = errors.New("group admins must be a subset of members")

	// ErrEmptyRecipients reports an empty mandatory recipient list.
	ErrEmptyRecipients = errors.New("recipients must not be empty")

	// ErrProxyNotAuthorized indicates the caller holds no direct read grant
	// on the session it tries to use as a proxy.
	ErrProxyNotAuthorized = errors.New("caller has no direct read access to proxy session")

	// ErrTMRAccessNotFound indicates an unknown or already converted TMR
	// access entry.
	ErrTMRAccessNotFound = errors.New("tmr access not found")

	// ErrTMRAmbiguous indicates several TMR accesses match the factor and
	// filters while tryIfMultiple is disabled.
	ErrTMRAmbiguous = errors.New("multiple tmr accesses match")

	// ErrTMRKeyMismatch indicates the provided over-encryption key does not
	// unwrap the TMR access.
	ErrTMRKeyMismatch = errors.New("over-encryption key does not match tmr access")

	// ErrTokenInvalid reports a rejected authentication factor token.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrDeviceNotFound indicates an unknown device id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrProvisioningTimeout is the fatal outcome of mass re-encryption when
	// the target device never became visible within the polling budget.
	ErrProvisioningTimeout = errors.New("device provisioning timed out")

	// ErrConnectorNotFound indicates an unknown connector id.
	ErrConnectorNotFound = errors.New("connector not found")

	// ErrUserNotFound indicates an unknown user id.
	ErrUserNotFound = errors.New("user not found")

	// ErrSigchainPosition reports a sigchain position outside the chain.
	ErrSigchainPosition = errors.New("sigchain position out of range")

	// ErrClosed indicates the SDK instance has been closed.
	ErrClosed = errors.New("sdk instance is closed")
)

// APIError is a structured error returned by the backend. Status carries the
// HTTP-like status code, Code a stable machine-readable identifier and ID the
// unique identifier of the throw site. RetryAfter is set on throttling
// errors (status 429) and tells the caller how many seconds to wait before
// retrying.
type APIError struct {
	Status      int    `json:"status"`
	Code        string `json:"code"`
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("api error %d (%s): %s, retry after %ds", e.Status, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Description)
}

// IsThrottled reports whether err is a backend throttling hint, and returns
// the number of seconds to wait.
func IsThrottled(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == 429 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying. Only server-side and
// network failures qualify; validation, authorization and not-found errors
// are fatal.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrInvalidOverEncryptionKey):
		return false
	}
	// Unclassified errors from the transport are assumed transient.
	return true
}
