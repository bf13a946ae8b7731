package backend

import (
	"sort"
	"time"

	"github.com/veilcrypt/veil-go/interfaces"
)

// missingCacheTTL bounds how stale a cached missing-keys listing may get
// before it is recomputed.
const missingCacheTTL = time.Minute

type missingCacheEntry struct {
	at      time.Time
	devices []interfaces.DeviceMissingKeys
}

func (s *Server) invalidateMissingCaches() {
	for k := range s.missingCache {
		delete(s.missingCache, k)
	}
}

// missingSessionsForDevice lists the sessions where the device's user holds
// a direct grant but the device has no wrapped key yet, together with the
// ciphertext wrapped to the reference device so a peer can re-encrypt.
func (s *Server) missingSessionsForDevice(userID interfaces.UserID, deviceID, referenceDevice interfaces.DeviceID) []interfaces.MissingSessionKey {
	var out []interfaces.MissingSessionKey
	for _, session := range s.sessions {
		grant, ok := session.grants[userID.String()]
		if !ok {
			continue
		}
		if _, has := grant.keys[deviceID]; has {
			continue
		}
		ciphertext, ok := grant.keys[referenceDevice]
		if !ok {
			continue
		}
		out = append(out, interfaces.MissingSessionKey{SessionID: session.id, Ciphertext: ciphertext})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// DevicesMissingKeys lists the caller's devices that are missing session
// keys. Results are cached briefly; forceRefresh recomputes.
func (s *Server) DevicesMissingKeys(caller Caller, forceRefresh bool) ([]interfaces.DeviceMissingKeys, error) {
	if err := s.intercept("DevicesMissingKeys"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !forceRefresh {
		if entry, ok := s.missingCache[caller.UserID]; ok && s.now().Sub(entry.at) < missingCacheTTL {
			return append([]interfaces.DeviceMissingKeys{}, entry.devices...), nil
		}
	}

	user, ok := s.users[caller.UserID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	var devices []interfaces.DeviceMissingKeys
	for _, deviceID := range user.deviceOrder {
		if deviceID == caller.DeviceID {
			continue
		}
		if len(s.missingSessionsForDevice(caller.UserID, deviceID, caller.DeviceID)) > 0 {
			devices = append(devices, interfaces.DeviceMissingKeys{DeviceID: deviceID})
		}
	}
	s.missingCache[caller.UserID] = &missingCacheEntry{at: s.now(), devices: devices}
	return append([]interfaces.DeviceMissingKeys{}, devices...), nil
}

// MissingSessionKeys returns one page of the session keys a device is
// missing, each wrapped to the calling device. Pages are 1-based.
func (s *Server) MissingSessionKeys(caller Caller, deviceID interfaces.DeviceID, page, pageSize int) (*interfaces.MissingKeysPage, error) {
	if err := s.intercept("MissingSessionKeys"); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[caller.UserID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	if _, ok := user.devices[deviceID]; !ok {
		return nil, interfaces.ErrDeviceNotFound
	}

	keys := s.missingSessionsForDevice(caller.UserID, deviceID, caller.DeviceID)
	nbPage := (len(keys) + pageSize - 1) / pageSize
	if nbPage == 0 {
		nbPage = 1
	}
	start := (page - 1) * pageSize
	if start > len(keys) {
		start = len(keys)
	}
	end := start + pageSize
	if end > len(keys) {
		end = len(keys)
	}
	return &interfaces.MissingKeysPage{NbPage: nbPage, Keys: keys[start:end]}, nil
}

// UploadReencryptedKeys stores session keys re-wrapped to the target device.
// Keys for sessions the user no longer holds are skipped; the count of
// stored keys is returned.
func (s *Server) UploadReencryptedKeys(caller Caller, deviceID interfaces.DeviceID, keys []interfaces.ReencryptedKey) (int, error) {
	if err := s.intercept("UploadReencryptedKeys"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[caller.UserID]
	if !ok {
		return 0, interfaces.ErrUserNotFound
	}
	if _, ok := user.devices[deviceID]; !ok {
		return 0, interfaces.ErrDeviceNotFound
	}

	stored := 0
	for _, key := range keys {
		session, ok := s.sessions[key.SessionID]
		if !ok {
			continue
		}
		grant, ok := session.grants[caller.UserID.String()]
		if !ok {
			continue
		}
		grant.keys[deviceID] = key.Ciphertext
		stored++
	}
	s.invalidateMissingCaches()
	s.log.Info("re-encrypted keys uploaded", "device", deviceID, "stored", stored, "submitted", len(keys))
	return stored, nil
}
