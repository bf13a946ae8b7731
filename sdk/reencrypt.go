package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
	"github.com/veilcrypt/veil-go/localstore"
)

// DevicesMissingKeys lists the current account's devices that are missing
// previously granted session keys and should be mass re-encrypted for. With
// forceRefresh the backend bypasses its short-lived cache.
func (s *Sdk) DevicesMissingKeys(ctx context.Context, forceRefresh bool) ([]interfaces.DeviceMissingKeys, error) {
	if _, err := s.currentIdentity(); err != nil {
		return nil, err
	}
	return s.backend.DevicesMissingKeys(ctx, forceRefresh)
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitProvisioned polls until the device is visible and provisioned
// server-side, with a linearly growing delay capped at the configured
// maximum. Exhausting the polling budget is ErrProvisioningTimeout.
func (s *Sdk) waitProvisioned(ctx context.Context, deviceID interfaces.DeviceID, opts interfaces.MassReencryptOptions) error {
	provisioned, err := s.backend.DeviceProvisioned(ctx, deviceID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if provisioned {
		return nil
	}
	if !opts.WaitProvisioning {
		return interfaces.ErrProvisioningTimeout
	}

	delay := opts.WaitProvisioningTime
	for attempt := 0; attempt < opts.WaitProvisioningRetries; attempt++ {
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		provisioned, err := s.backend.DeviceProvisioned(ctx, deviceID)
		if err != nil && !isNotFound(err) {
			return err
		}
		if provisioned {
			return nil
		}
		delay += opts.WaitProvisioningTimeStep
		if delay > opts.WaitProvisioningTimeMax {
			delay = opts.WaitProvisioningTimeMax
		}
	}
	return interfaces.ErrProvisioningTimeout
}

// withRetries runs fn, retrying transient failures up to opts.Retries times
// with a fixed delay in between.
func withRetries(ctx context.Context, opts interfaces.MassReencryptOptions, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= opts.Retries || !interfaces.IsTransient(err) {
			return err
		}
		if serr := sleep(ctx, opts.WaitBetweenRetries); serr != nil {
			return serr
		}
	}
}

// collectMissingKeys pages through every session key missing on deviceID.
// Enumeration completes before any upload, so pagination stays stable.
func (s *Sdk) collectMissingKeys(ctx context.Context, deviceID interfaces.DeviceID, opts interfaces.MassReencryptOptions) ([]interfaces.MissingSessionKey, error) {
	var missing []interfaces.MissingSessionKey
	page := 1
	for {
		var current *interfaces.MissingKeysPage
		err := withRetries(ctx, opts, func() error {
			var err error
			current, err = s.backend.MissingSessionKeys(ctx, deviceID, page, opts.RetrieveBatchSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		missing = append(missing, current.Keys...)
		if page >= current.NbPage || len(current.Keys) == 0 {
			return missing, nil
		}
		page++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// MassReencrypt copies every session key missing on deviceID: each key,
// returned wrapped to this calling device, is unwrapped locally and
// re-wrapped under the target device's public key. The target must belong
// to the current account. Individual key failures are counted, not fatal; a
// device that never finishes provisioning within the polling budget is.
func (s *Sdk) MassReencrypt(ctx context.Context, deviceID interfaces.DeviceID, opts interfaces.MassReencryptOptions) (*interfaces.MassReencryptResponse, error) {
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}
	// A zero-value options struct means the caller did not tune anything:
	// run with the documented defaults rather than 0 retries and no
	// provisioning wait.
	if opts == (interfaces.MassReencryptOptions{}) {
		opts = interfaces.DefaultMassReencryptOptions()
	}
	if opts.RetrieveBatchSize <= 0 {
		opts.RetrieveBatchSize = interfaces.DefaultMassReencryptOptions().RetrieveBatchSize
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ForceLocalAccountUpdate {
		if err := s.UpdateCurrentDevice(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.waitProvisioned(ctx, deviceID, opts); err != nil {
		return nil, err
	}

	devices, err := s.backend.UserDevices(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	var targetKey cryptoutils.PublicKey
	for _, device := range devices {
		if device.ID == deviceID {
			targetKey = device.PublicKey
			break
		}
	}
	if targetKey == nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrDeviceNotFound, deviceID)
	}

	missing, err := s.collectMissingKeys(ctx, deviceID, opts)
	if err != nil {
		return nil, err
	}

	resp := &interfaces.MassReencryptResponse{}
	for start := 0; start < len(missing); start += opts.RetrieveBatchSize {
		end := start + opts.RetrieveBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		rewrapped := make([]interfaces.ReencryptedKey, 0, len(batch))
		for _, key := range batch {
			reencrypted, err := reencryptKey(identity, targetKey, key)
			if err != nil {
				s.log.Warn("could not re-encrypt session key", "session", key.SessionID, "err", err)
				resp.Failed++
				continue
			}
			rewrapped = append(rewrapped, reencrypted)
		}
		if len(rewrapped) == 0 {
			continue
		}

		var stored int
		err := withRetries(ctx, opts, func() error {
			var err error
			stored, err = s.backend.UploadReencryptedKeys(ctx, deviceID, rewrapped)
			return err
		})
		if err != nil {
			resp.Failed += len(rewrapped)
			return resp, err
		}
		resp.Reencrypted += stored
		resp.Failed += len(rewrapped) - stored

		if err := ctx.Err(); err != nil {
			return resp, err
		}
	}
	s.log.Info("mass re-encryption finished", "device", deviceID, "reencrypted", resp.Reencrypted, "failed", resp.Failed)
	return resp, nil
}

// reencryptKey unwraps one session key with the local device key and wraps
// it under the target device's public key.
func reencryptKey(identity *localstore.Identity, targetKey cryptoutils.PublicKey, key interfaces.MissingSessionKey) (interfaces.ReencryptedKey, error) {
	keyBytes, err := cryptoutils.DecryptWithPrivateKey(identity.PrivateKey, key.Ciphertext)
	if err != nil {
		return interfaces.ReencryptedKey{}, err
	}
	ciphertext, err := cryptoutils.EncryptWithPublicKey(targetKey, keyBytes)
	if err != nil {
		return interfaces.ReencryptedKey{}, err
	}
	return interfaces.ReencryptedKey{SessionID: key.SessionID, Ciphertext: ciphertext}, nil
}
