// Package backend provides the two halves of the SDK's server contract: an
// HTTP Client implementing interfaces.Backend against a remote authorization
// server, and an in-memory Server holding the authoritative model the dev
// server and the test suites run against.
//
// The Server never sees plaintext key material. Every session key, group key
// and recovery payload it stores arrives wrapped to a device or group public
// key by the caller; the Server only enforces who may read which ciphertext.
package backend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/sigchain"
)

// DefaultDeviceExpiry is applied when a registration does not specify a key
// validity period.
const DefaultDeviceExpiry = 5 * 365 * 24 * time.Hour

// Caller identifies the authenticated device behind a request.
type Caller struct {
	UserID   interfaces.UserID
	DeviceID interfaces.DeviceID
}

type deviceRecord struct {
	device           interfaces.Device
	name             string
	provisionedAfter time.Time
}

type userRecord struct {
	id          interfaces.UserID
	displayName string
	devices     map[interfaces.DeviceID]*deviceRecord
	deviceOrder []interfaces.DeviceID
	chain       []interfaces.SigchainTransaction
	lastJWT     string
}

type connectorRecord struct {
	connector interfaces.Connector
	challenge string
}

// ServerConfig configures the in-memory server.
type ServerConfig struct {
	// SigningKey is the HMAC secret for bearer and factor tokens. Generated
	// when empty.
	SigningKey []byte

	// ProvisioningDelay is how long a newly created device stays
	// unprovisioned. Zero provisions devices immediately.
	ProvisioningDelay time.Duration

	Logger *slog.Logger
}

// Server is the authoritative in-memory model.
type Server struct {
	log               *slog.Logger
	signingKey        []byte
	provisioningDelay time.Duration
	now               func() time.Time

	// Intercept, when set, runs before every operation and may fail it.
	// Tests use it to inject throttling and transient failures.
	Intercept func(op string) error

	mu           sync.Mutex
	users        map[interfaces.UserID]*userRecord
	sessions     map[interfaces.SessionID]*sessionRecord
	groups       map[interfaces.GroupID]*groupRecord
	connectors   map[string]*connectorRecord
	tmrAccesses  map[string]*tmrAccessRecord
	groupTMRKeys map[string]*groupTMRKeyRecord
	missingCache map[interfaces.UserID]*missingCacheEntry
}

// NewServer builds an empty model.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = make([]byte, 32)
		if _, err := rand.Read(cfg.SigningKey); err != nil {
			return nil, fmt.Errorf("could not generate signing key: %w", err)
		}
	}
	return &Server{
		log:               cfg.Logger,
		signingKey:        cfg.SigningKey,
		provisioningDelay: cfg.ProvisioningDelay,
		now:               time.Now,
		users:             make(map[interfaces.UserID]*userRecord),
		sessions:          make(map[interfaces.SessionID]*sessionRecord),
		groups:            make(map[interfaces.GroupID]*groupRecord),
		connectors:        make(map[string]*connectorRecord),
		tmrAccesses:       make(map[string]*tmrAccessRecord),
		groupTMRKeys:      make(map[string]*groupTMRKeyRecord),
		missingCache:      make(map[interfaces.UserID]*missingCacheEntry),
	}, nil
}

func (s *Server) intercept(op string) error {
	if s.Intercept != nil {
		return s.Intercept(op)
	}
	return nil
}

// tokenClaims are the custom claims of a device bearer token.
type tokenClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// factorClaims are the claims of an authentication factor token.
type factorClaims struct {
	FactorType  string `json:"factor_type"`
	FactorValue string `json:"factor_value"`
	jwt.RegisteredClaims
}

// MintToken issues a bearer token binding a user and device.
func (s *Server) MintToken(userID interfaces.UserID, deviceID interfaces.DeviceID) (string, error) {
	claims := tokenClaims{
		DeviceID: deviceID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    "veil-devserver",
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(365 * 24 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

// Authenticate resolves a bearer token to the device it was minted for.
func (s *Server) Authenticate(token string) (Caller, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", interfaces.ErrTokenInvalid, err)
	}
	caller := Caller{
		UserID:   interfaces.UserID(claims.Subject),
		DeviceID: interfaces.DeviceID(claims.DeviceID),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[caller.UserID]
	if !ok {
		return Caller{}, interfaces.ErrTokenInvalid
	}
	if _, ok := user.devices[caller.DeviceID]; !ok {
		return Caller{}, interfaces.ErrTokenInvalid
	}
	return caller, nil
}

// MintFactorToken issues a token proving control of an authentication
// factor. The dev server hands these out without any real challenge; a
// production deployment delegates this to an identity provider.
func (s *Server) MintFactorToken(factor interfaces.AuthFactor) (string, error) {
	if err := factor.Validate(); err != nil {
		return "", err
	}
	claims := factorClaims{
		FactorType:  string(factor.Type),
		FactorValue: factor.Value,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "veil-devserver",
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *Server) authenticateFactor(token string) (interfaces.AuthFactor, error) {
	var claims factorClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return interfaces.AuthFactor{}, fmt.Errorf("%w: %v", interfaces.ErrTokenInvalid, err)
	}
	factor := interfaces.AuthFactor{
		Type:  interfaces.AuthFactorType(claims.FactorType),
		Value: claims.FactorValue,
	}
	if err := factor.Validate(); err != nil {
		return interfaces.AuthFactor{}, interfaces.ErrTokenInvalid
	}
	return factor, nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// CreateAccount registers a new user with its first device. The genesis
// sigchain transaction must be self-consistent and carry the device public
// key being registered.
func (s *Server) CreateAccount(req interfaces.CreateAccountRequest) (*interfaces.CreateAccountResponse, error) {
	if err := s.intercept("CreateAccount"); err != nil {
		return nil, err
	}
	if req.SignupJWT == "" {
		return nil, fmt.Errorf("%w: missing signup token", interfaces.ErrTokenInvalid)
	}
	genesis := req.Genesis
	if err := sigchain.VerifyChain([]interfaces.SigchainTransaction{genesis}); err != nil {
		return nil, fmt.Errorf("invalid genesis transaction: %w", err)
	}
	if string(genesis.PublicKey) != string(req.DevicePublicKey) {
		return nil, fmt.Errorf("genesis transaction does not carry the registered device key")
	}
	expireAfter := req.ExpireAfter
	if expireAfter <= 0 {
		expireAfter = DefaultDeviceExpiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userID := genesis.UserID
	deviceID := genesis.DeviceID
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("genesis transaction is missing identifiers")
	}
	if _, exists := s.users[userID]; exists {
		return nil, interfaces.ErrAccountExists
	}

	now := s.now().UTC()
	device := &deviceRecord{
		device: interfaces.Device{
			ID:        deviceID,
			PublicKey: req.DevicePublicKey,
			Created:   now,
			Expires:   now.Add(expireAfter),
		},
		name: req.DeviceName,
		// The first device is provisioned immediately.
		provisionedAfter: now,
	}
	s.users[userID] = &userRecord{
		id:          userID,
		displayName: req.DisplayName,
		devices:     map[interfaces.DeviceID]*deviceRecord{deviceID: device},
		deviceOrder: []interfaces.DeviceID{deviceID},
		chain:       []interfaces.SigchainTransaction{genesis},
	}

	token, err := s.MintToken(userID, deviceID)
	if err != nil {
		return nil, err
	}
	s.log.Info("account created", "user", userID, "device", deviceID)
	return &interfaces.CreateAccountResponse{
		UserID:        userID,
		DeviceID:      deviceID,
		DeviceExpires: device.device.Expires,
		Token:         token,
	}, nil
}

// CreateDevice registers an additional device for the calling user. The new
// device stays unprovisioned for the configured delay.
func (s *Server) CreateDevice(caller Caller, req interfaces.CreateDeviceRequest) (*interfaces.CreateDeviceResponse, error) {
	if err := s.intercept("CreateDevice"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[caller.UserID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	tx := req.Transaction
	if err := sigchain.VerifyChain(append(append([]interfaces.SigchainTransaction{}, user.chain...), tx)); err != nil {
		return nil, fmt.Errorf("sigchain extension rejected: %w", err)
	}
	deviceID := tx.DeviceID
	if _, exists := user.devices[deviceID]; exists {
		return nil, fmt.Errorf("device %s already registered", deviceID)
	}
	expireAfter := req.ExpireAfter
	if expireAfter <= 0 {
		expireAfter = DefaultDeviceExpiry
	}

	now := s.now().UTC()
	rec := &deviceRecord{
		device: interfaces.Device{
			ID:        deviceID,
			PublicKey: req.DevicePublicKey,
			Created:   now,
			Expires:   now.Add(expireAfter),
		},
		name:             req.DeviceName,
		provisionedAfter: now.Add(s.provisioningDelay),
	}
	user.devices[deviceID] = rec
	user.deviceOrder = append(user.deviceOrder, deviceID)
	user.chain = append(user.chain, tx)
	delete(s.missingCache, caller.UserID)

	token, err := s.MintToken(caller.UserID, deviceID)
	if err != nil {
		return nil, err
	}
	s.log.Info("device created", "user", caller.UserID, "device", deviceID)
	return &interfaces.CreateDeviceResponse{Device: rec.device, Token: token}, nil
}

// RenewDevice replaces the calling device's keypair.
func (s *Server) RenewDevice(caller Caller, req interfaces.RenewDeviceRequest) (*interfaces.Device, error) {
	if err := s.intercept("RenewDevice"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[caller.UserID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	rec, ok := user.devices[caller.DeviceID]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}
	tx := req.Transaction
	if tx.DeviceID != caller.DeviceID {
		return nil, fmt.Errorf("renewal transaction addresses device %s, caller is %s", tx.DeviceID, caller.DeviceID)
	}
	if err := sigchain.VerifyChain(append(append([]interfaces.SigchainTransaction{}, user.chain...), tx)); err != nil {
		return nil, fmt.Errorf("sigchain extension rejected: %w", err)
	}
	expireAfter := req.ExpireAfter
	if expireAfter <= 0 {
		expireAfter = DefaultDeviceExpiry
	}

	rec.device.PublicKey = req.DevicePublicKey
	rec.device.Expires = s.now().UTC().Add(expireAfter)
	user.chain = append(user.chain, tx)
	s.log.Info("device renewed", "user", caller.UserID, "device", caller.DeviceID)
	out := rec.device
	return &out, nil
}

// CurrentDevice returns the calling device as the backend knows it.
func (s *Server) CurrentDevice(caller Caller) (*interfaces.Device, error) {
	if err := s.intercept("CurrentDevice"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[caller.UserID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	rec, ok := user.devices[caller.DeviceID]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}
	out := rec.device
	return &out, nil
}

// Heartbeat verifies connectivity and authentication, nothing more.
func (s *Server) Heartbeat(caller Caller) error {
	if err := s.intercept("Heartbeat"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[caller.UserID]; !ok {
		return interfaces.ErrUserNotFound
	}
	return nil
}

// PushJWT records an application-issued JWT for the calling user. The dev
// server stores it verbatim.
func (s *Server) PushJWT(caller Caller, token string) error {
	if err := s.intercept("PushJWT"); err != nil {
		return err
	}
	if token == "" {
		return interfaces.ErrTokenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[caller.UserID]
	if !ok {
		return interfaces.ErrUserNotFound
	}
	user.lastJWT = token
	return nil
}

// UserDevices lists a user's registered devices in creation order.
func (s *Server) UserDevices(caller Caller, userID interfaces.UserID) ([]interfaces.Device, error) {
	if err := s.intercept("UserDevices"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	devices := make([]interfaces.Device, 0, len(user.deviceOrder))
	for _, id := range user.deviceOrder {
		devices = append(devices, user.devices[id].device)
	}
	return devices, nil
}

// DeviceProvisioned reports whether one of the caller's devices has passed
// its provisioning delay.
func (s *Server) DeviceProvisioned(caller Caller, deviceID interfaces.DeviceID) (bool, error) {
	if err := s.intercept("DeviceProvisioned"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[caller.UserID]
	if !ok {
		return false, interfaces.ErrUserNotFound
	}
	rec, ok := user.devices[deviceID]
	if !ok {
		return false, interfaces.ErrDeviceNotFound
	}
	return !s.now().Before(rec.provisionedAfter), nil
}

// SigchainTransactions returns a user's full sigchain.
func (s *Server) SigchainTransactions(caller Caller, userID interfaces.UserID) ([]interfaces.SigchainTransaction, error) {
	if err := s.intercept("SigchainTransactions"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	return append([]interfaces.SigchainTransaction{}, user.chain...), nil
}

// AddConnector attaches an external identifier to the calling user. With a
// pre-validation token the connector is validated immediately; otherwise a
// challenge is generated and must be confirmed through ValidateConnector.
func (s *Server) AddConnector(caller Caller, req interfaces.AddConnectorRequest) (*interfaces.Connector, error) {
	if err := s.intercept("AddConnector"); err != nil {
		return nil, err
	}
	factor := interfaces.AuthFactor{Type: req.Type, Value: req.Value}
	if err := factor.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[caller.UserID]; !ok {
		return nil, interfaces.ErrUserNotFound
	}
	rec := &connectorRecord{
		connector: interfaces.Connector{
			ID:     newID("connector"),
			UserID: caller.UserID,
			Type:   req.Type,
			Value:  req.Value,
			State:  "pending",
		},
	}
	if req.PreValidationToken != "" {
		rec.connector.State = "validated"
	} else {
		challenge := make([]byte, 8)
		if _, err := rand.Read(challenge); err != nil {
			return nil, fmt.Errorf("could not generate challenge: %w", err)
		}
		rec.challenge = hex.EncodeToString(challenge)
	}
	s.connectors[rec.connector.ID] = rec
	out := rec.connector
	return &out, nil
}

// ConnectorChallenge exposes the pending challenge for a connector. Only the
// dev server uses this; production delivers challenges out of band.
func (s *Server) ConnectorChallenge(connectorID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connectors[connectorID]
	if !ok {
		return "", interfaces.ErrConnectorNotFound
	}
	return rec.challenge, nil
}

// ValidateConnector confirms a pending connector with its challenge.
func (s *Server) ValidateConnector(caller Caller, connectorID, challenge string) (*interfaces.Connector, error) {
	if err := s.intercept("ValidateConnector"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connectors[connectorID]
	if !ok || rec.connector.UserID != caller.UserID {
		return nil, interfaces.ErrConnectorNotFound
	}
	if rec.connector.State != "pending" {
		return nil, fmt.Errorf("connector %s is %s, not pending", connectorID, rec.connector.State)
	}
	if rec.challenge != challenge {
		return nil, fmt.Errorf("connector challenge mismatch")
	}
	rec.connector.State = "validated"
	rec.challenge = ""
	out := rec.connector
	return &out, nil
}

// RemoveConnector revokes a connector of the calling user.
func (s *Server) RemoveConnector(caller Caller, connectorID string) (*interfaces.Connector, error) {
	if err := s.intercept("RemoveConnector"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connectors[connectorID]
	if !ok || rec.connector.UserID != caller.UserID {
		return nil, interfaces.ErrConnectorNotFound
	}
	rec.connector.State = "revoked"
	out := rec.connector
	delete(s.connectors, connectorID)
	return &out, nil
}

// RetrieveConnector returns one connector of the calling user.
func (s *Server) RetrieveConnector(caller Caller, connectorID string) (*interfaces.Connector, error) {
	if err := s.intercept("RetrieveConnector"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.connectors[connectorID]
	if !ok || rec.connector.UserID != caller.UserID {
		return nil, interfaces.ErrConnectorNotFound
	}
	out := rec.connector
	return &out, nil
}

// ListConnectors lists the calling user's connectors.
func (s *Server) ListConnectors(caller Caller) ([]interfaces.Connector, error) {
	if err := s.intercept("ListConnectors"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []interfaces.Connector
	for _, rec := range s.connectors {
		if rec.connector.UserID == caller.UserID {
			out = append(out, rec.connector)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LookupUsers resolves authentication factors to user ids through validated
// connectors. Unknown factors are skipped, not an error.
func (s *Server) LookupUsers(caller Caller, factors []interfaces.AuthFactor) ([]interfaces.UserID, error) {
	if err := s.intercept("LookupUsers"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[interfaces.UserID]bool)
	var out []interfaces.UserID
	for _, factor := range factors {
		for _, rec := range s.connectors {
			c := rec.connector
			if c.State == "validated" && c.Type == factor.Type && c.Value == factor.Value && !seen[c.UserID] {
				seen[c.UserID] = true
				out = append(out, c.UserID)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Server) publicKeyOfDevice(userID interfaces.UserID, deviceID interfaces.DeviceID) ([]byte, bool) {
	user, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	rec, ok := user.devices[deviceID]
	if !ok {
		return nil, false
	}
	return rec.device.PublicKey, true
}
