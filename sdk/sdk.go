package sdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/veilcrypt/veil-go/backend"
	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/localstore"
	"github.com/veilcrypt/veil-go/sigchain"
)

// Sdk is one device identity talking to the backend. Create it with New.
type Sdk struct {
	backend interfaces.Backend
	store   *localstore.Store
	log     *slog.Logger

	cache   *sessionCache
	resolve singleflight.Group

	mu       sync.RWMutex
	identity *localstore.Identity
	closed   bool
}

// tokenCarrier is implemented by transports that authenticate with a bearer
// token, such as backend.Client.
type tokenCarrier interface {
	SetToken(token string)
}

// callerBinder is implemented by in-process transports that need an explicit
// caller identity, such as backend.LocalBackend.
type callerBinder interface {
	Bind(userID interfaces.UserID, deviceID interfaces.DeviceID)
}

// New opens the local database and builds an Sdk instance. A previously
// persisted identity is loaded and re-authenticated; otherwise the instance
// starts without an account.
func New(cfg Config) (*Sdk, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.InstanceName != "" {
		log = log.With("instance", cfg.InstanceName)
	}
	if cfg.AppID != "" {
		log = log.With("app", cfg.AppID)
	}

	store, err := localstore.Open(localstore.Options{
		Path:          cfg.DatabasePath,
		EncryptionKey: cfg.DatabaseEncryptionKey,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	be := cfg.Backend
	if be == nil {
		be = &backend.Client{ServerAddr: cfg.ApiURL}
	}

	s := &Sdk{
		backend: be,
		store:   store,
		log:     log,
		cache:   newSessionCache(cfg.EncryptionSessionCacheTTL),
	}

	identity, err := store.LoadIdentity()
	switch {
	case err == nil:
		s.identity = identity
		s.rebind(identity)
		log.Debug("loaded local identity", "user", identity.UserID, "device", identity.DeviceID)
	case errors.Is(err, interfaces.ErrNoAccount):
		// Fresh instance.
	default:
		store.Close()
		return nil, err
	}
	return s, nil
}

// rebind pushes the identity's credentials into the transport.
func (s *Sdk) rebind(identity *localstore.Identity) {
	if tc, ok := s.backend.(tokenCarrier); ok && identity.Token != "" {
		tc.SetToken(identity.Token)
	}
	if cb, ok := s.backend.(callerBinder); ok {
		cb.Bind(identity.UserID, identity.DeviceID)
	}
}

// currentIdentity returns the account identity, or ErrNoAccount / ErrClosed.
func (s *Sdk) currentIdentity() (*localstore.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, interfaces.ErrClosed
	}
	if s.identity == nil {
		return nil, interfaces.ErrNoAccount
	}
	return s.identity, nil
}

func (s *Sdk) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return interfaces.ErrClosed
	}
	return nil
}

// Close releases the local database. Further calls fail with ErrClosed.
func (s *Sdk) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrClosed
	}
	s.closed = true
	return s.store.Close()
}

// CacheStats reports session cache hit and miss counts.
func (s *Sdk) CacheStats() (hits, misses int64) {
	return s.cache.stats()
}

// CreateAccountOptions configures CreateAccount.
type CreateAccountOptions struct {
	// SignupJWT authorizes the signup. Forwarded verbatim to the backend.
	SignupJWT   string
	DisplayName string
	DeviceName  string
	// ExpireAfter is the device key validity. Zero means the backend default
	// of five years.
	ExpireAfter time.Duration
}

// CreateAccount generates this device's keypair, signs the genesis sigchain
// transaction and registers the account. It fails with ErrAccountExists when
// the instance already has one.
func (s *Sdk) CreateAccount(ctx context.Context, opts CreateAccountOptions) (*interfaces.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, interfaces.ErrClosed
	}
	if s.identity != nil {
		return nil, interfaces.ErrAccountExists
	}

	pub, priv, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	userID := interfaces.UserID(uuid.NewString())
	deviceID := interfaces.DeviceID(uuid.NewString())
	genesis, err := sigchain.NewGenesis(userID, deviceID, pub, priv, time.Now())
	if err != nil {
		return nil, err
	}

	resp, err := s.backend.CreateAccount(ctx, interfaces.CreateAccountRequest{
		SignupJWT:       opts.SignupJWT,
		DisplayName:     opts.DisplayName,
		DeviceName:      opts.DeviceName,
		DevicePublicKey: pub,
		ExpireAfter:     opts.ExpireAfter,
		Genesis:         genesis,
	})
	if err != nil {
		return nil, fmt.Errorf("account creation rejected: %w", err)
	}

	identity := &localstore.Identity{
		UserID:        resp.UserID,
		DeviceID:      resp.DeviceID,
		DeviceName:    opts.DeviceName,
		DeviceExpires: resp.DeviceExpires,
		PrivateKey:    priv,
		Token:         resp.Token,
	}
	if err := s.store.SaveIdentity(identity); err != nil {
		return nil, err
	}
	s.identity = identity
	s.rebind(identity)
	s.log.Info("account created", "user", identity.UserID, "device", identity.DeviceID)
	return &interfaces.AccountInfo{
		UserID:        identity.UserID,
		DeviceID:      identity.DeviceID,
		DeviceExpires: identity.DeviceExpires,
	}, nil
}

// CurrentAccountInfo returns the local account, or ErrNoAccount.
func (s *Sdk) CurrentAccountInfo() (*interfaces.AccountInfo, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}
	return &interfaces.AccountInfo{
		UserID:        identity.UserID,
		DeviceID:      identity.DeviceID,
		DeviceExpires: identity.DeviceExpires,
	}, nil
}

// RenewKeys replaces this device's keypair, appending a renewal transaction
// to the sigchain. Existing session keys stay wrapped to the old key; run
// MassReencrypt afterwards to copy them over.
func (s *Sdk) RenewKeys(ctx context.Context, expireAfter time.Duration) error {
	identity, err := s.currentIdentity()
	if err != nil {
		return err
	}

	newPub, newPriv, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return err
	}
	chain, err := s.backend.SigchainTransactions(ctx, identity.UserID)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return sigchain.ErrEmptyChain
	}
	last := chain[len(chain)-1]
	tx, err := sigchain.NewTransaction(&last, sigchain.TypeRenewal, identity.UserID, identity.DeviceID, newPub, newPriv, time.Now())
	if err != nil {
		return err
	}

	device, err := s.backend.RenewDevice(ctx, interfaces.RenewDeviceRequest{
		DevicePublicKey: newPub,
		ExpireAfter:     expireAfter,
		Transaction:     tx,
	})
	if err != nil {
		return fmt.Errorf("key renewal rejected: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.PrivateKey = newPriv
	s.identity.DeviceExpires = device.Expires
	if err := s.store.SaveIdentity(s.identity); err != nil {
		return err
	}
	s.log.Info("device keys renewed", "device", identity.DeviceID, "expires", device.Expires)
	return nil
}

// SubIdentity is a newly created additional device for the current account.
// BackupKey is the exported identity of the new device; import it on the
// target with ImportIdentity, then run MassReencrypt for the device.
type SubIdentity struct {
	DeviceID  interfaces.DeviceID
	BackupKey []byte
}

// CreateSubIdentityOptions configures CreateSubIdentity.
type CreateSubIdentityOptions struct {
	DeviceName  string
	ExpireAfter time.Duration
}

// CreateSubIdentity registers an additional device for the current account.
// The new device stays unprovisioned server-side for a while and has none of
// the account's session keys until a mass re-encryption runs.
func (s *Sdk) CreateSubIdentity(ctx context.Context, opts CreateSubIdentityOptions) (*SubIdentity, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}

	pub, priv, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	deviceID := interfaces.DeviceID(uuid.NewString())
	chain, err := s.backend.SigchainTransactions(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, sigchain.ErrEmptyChain
	}
	last := chain[len(chain)-1]
	tx, err := sigchain.NewTransaction(&last, sigchain.TypeDeviceAdded, identity.UserID, deviceID, pub, priv, time.Now())
	if err != nil {
		return nil, err
	}

	resp, err := s.backend.CreateDevice(ctx, interfaces.CreateDeviceRequest{
		DeviceName:      opts.DeviceName,
		DevicePublicKey: pub,
		ExpireAfter:     opts.ExpireAfter,
		Transaction:     tx,
	})
	if err != nil {
		return nil, fmt.Errorf("sub identity rejected: %w", err)
	}

	sub := &localstore.Identity{
		UserID:        identity.UserID,
		DeviceID:      resp.Device.ID,
		DeviceName:    opts.DeviceName,
		DeviceExpires: resp.Device.Expires,
		PrivateKey:    priv,
		Token:         resp.Token,
	}
	backup, err := sub.Marshal()
	if err != nil {
		return nil, err
	}
	s.log.Info("sub identity created", "device", resp.Device.ID)
	return &SubIdentity{DeviceID: resp.Device.ID, BackupKey: backup}, nil
}

// ExportIdentity serializes the current identity, private key included.
// Handle the output like a secret.
func (s *Sdk) ExportIdentity() ([]byte, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}
	return identity.Marshal()
}

// ImportIdentity loads an identity previously produced by ExportIdentity or
// CreateSubIdentity into this instance. The instance must not already have
// an account.
func (s *Sdk) ImportIdentity(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrClosed
	}
	if s.identity != nil {
		return interfaces.ErrAccountExists
	}

	identity, err := localstore.UnmarshalIdentity(data)
	if err != nil {
		return err
	}
	if err := s.store.SaveIdentity(identity); err != nil {
		return err
	}
	s.identity = identity
	s.rebind(identity)
	s.log.Info("identity imported", "user", identity.UserID, "device", identity.DeviceID)
	return nil
}

// UpdateCurrentDevice refreshes the locally known device metadata from the
// backend.
func (s *Sdk) UpdateCurrentDevice(ctx context.Context) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	device, err := s.backend.UpdateCurrentDevice(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity.DeviceExpires = device.Expires
	return s.store.SaveIdentity(s.identity)
}

// Heartbeat checks that the backend is reachable and the credentials are
// still accepted.
func (s *Sdk) Heartbeat(ctx context.Context) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	return s.backend.Heartbeat(ctx)
}

// PushJWT forwards an application JWT to the backend, which may attach
// connectors or permissions to the account based on its claims. The token is
// never parsed locally.
func (s *Sdk) PushJWT(ctx context.Context, jwt string) error {
	if _, err := s.currentIdentity(); err != nil {
		return err
	}
	return s.backend.PushJWT(ctx, jwt)
}

// AddConnector attaches an email address or phone number to the current
// account. Without a pre-validation token the connector starts pending and
// must be confirmed with ValidateConnector.
func (s *Sdk) AddConnector(ctx context.Context, factorType interfaces.AuthFactorType, value, preValidationToken string) (*interfaces.Connector, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	factor := interfaces.AuthFactor{Type: factorType, Value: value}
	if err := factor.Validate(); err != nil {
		return nil, err
	}
	return s.backend.AddConnector(ctx, interfaces.AddConnectorRequest{
		Type:               factorType,
		Value:              value,
		PreValidationToken: preValidationToken,
	})
}

// ValidateConnector confirms a pending connector with the challenge sent to
// it out-of-band.
func (s *Sdk) ValidateConnector(ctx context.Context, connectorID, challenge string) (*interfaces.Connector, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.ValidateConnector(ctx, connectorID, challenge)
}

// RemoveConnector detaches a connector from the current account.
func (s *Sdk) RemoveConnector(ctx context.Context, connectorID string) (*interfaces.Connector, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.RemoveConnector(ctx, connectorID)
}

// RetrieveConnector returns one connector of the current account.
func (s *Sdk) RetrieveConnector(ctx context.Context, connectorID string) (*interfaces.Connector, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.RetrieveConnector(ctx, connectorID)
}

// ListConnectors returns the current account's connectors.
func (s *Sdk) ListConnectors(ctx context.Context) ([]interfaces.Connector, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.ListConnectors(ctx)
}

// LookupUsers resolves validated connectors to user ids, deduplicated and
// sorted.
func (s *Sdk) LookupUsers(ctx context.Context, factors []interfaces.AuthFactor) ([]interfaces.UserID, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	for _, f := range factors {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	return s.backend.LookupUsers(ctx, factors)
}

// GetSigchainHash returns the hash of a user's sigchain at position, with
// sigchain.PositionLatest addressing the most recent transaction. The chain
// is structurally verified before the hash is trusted.
func (s *Sdk) GetSigchainHash(ctx context.Context, userID interfaces.UserID, position int) (*interfaces.GetSigchainResponse, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	txns, err := s.backend.SigchainTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := sigchain.VerifyChain(txns); err != nil {
		return nil, err
	}
	return sigchain.HashAt(txns, position)
}

// CheckSigchainHash looks for expectedHash in a user's sigchain. With
// sigchain.PositionLatest the whole chain is searched; a specific position
// compares exactly at that transaction.
func (s *Sdk) CheckSigchainHash(ctx context.Context, userID interfaces.UserID, expectedHash string, position int) (*interfaces.CheckSigchainResponse, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	txns, err := s.backend.SigchainTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := sigchain.VerifyChain(txns); err != nil {
		return nil, err
	}
	return sigchain.CheckHash(txns, expectedHash, position)
}
