// Package sdk is the client facade of veil. An Sdk instance owns one device
// identity, a local encrypted database and a session cache, and talks to the
// backend through the interfaces.Backend collaborator.
//
// The entry point is New. A fresh instance has no account until CreateAccount
// or ImportIdentity is called; every other operation fails with
// interfaces.ErrNoAccount before that.
//
// All exported methods are blocking and safe for concurrent use. Each one has
// an ...Async variant returning a future channel with identical semantics.
package sdk
