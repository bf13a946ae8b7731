// Package interfaces defines core types and contracts for the Veil SDK,
// separating the domain model from implementations.
//
// The package provides:
//
// # Identity Types
//
// UserID, DeviceID, GroupID and SessionID: opaque string identifiers issued
// by the backend. OverEncryptionKey: exactly 64 bytes of random material used
// to additionally wrap keys handed out through TMR accesses or identity
// backups.
//
// # Rights Model
//
// RecipientRights is the {Read, Forward, Revoke} triple attached to every
// grant. RecipientWithRights binds a recipient id to its rights; a nil rights
// pointer means the defaults (read and forward, no revoke).
//
// # Multi-Target Results
//
// ActionStatus reports the outcome of an operation on a single recipient or
// device, and RevokeResult groups them per revoked recipient and proxy
// session. Operations addressing several independent targets always report
// per-target outcomes instead of failing on the first error.
//
// # Retrieval Provenance
//
// RetrievalFlow and RetrievalDetails describe how an encryption session was
// obtained: created locally, as a direct recipient, through a group, through
// a proxy session, or through a TMR access, and whether it was served from
// the local cache.
//
// # Backend Contract
//
// Backend is the authenticated transport collaborator performing the actual
// RPCs against the authorization server. The SDK never interprets bearer
// tokens; they are forwarded verbatim.
package interfaces
