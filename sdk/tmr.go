package sdk

import (
	"context"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

// ConvertTMRAccesses turns factor-gated accesses into durable grants for the
// current user. Every access matching the token's factor and the filters is
// unwrapped with overKey and re-wrapped to the caller's devices; entries
// sealed under a different key count as errored without failing the run.
// With deleteOnConvert each converted entry is removed, so it cannot be
// converted twice.
func (s *Sdk) ConvertTMRAccesses(ctx context.Context, token string, overKey interfaces.OverEncryptionKey, filters *interfaces.TMRAccessesConvertFilters, deleteOnConvert bool) (*interfaces.ConvertTMRAccessesResult, error) {
	if err := overKey.Validate(); err != nil {
		return nil, err
	}
	identity, err := s.currentIdentity()
	if err != nil {
		return nil, err
	}
	var f interfaces.TMRAccessesConvertFilters
	if filters != nil {
		f = *filters
	}

	accesses, err := s.backend.SearchTMRAccesses(ctx, token, f)
	if err != nil {
		return nil, err
	}
	result := &interfaces.ConvertTMRAccessesResult{Status: "ok"}
	if len(accesses) == 0 {
		return result, nil
	}

	devices, err := s.backend.UserDevices(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	var conversions []interfaces.TMRConversion
	for _, access := range accesses {
		keyBytes, err := cryptoutils.OverDecrypt(overKey, access.EncryptedKey)
		if err != nil || len(keyBytes) != cryptoutils.SymmetricKeySize {
			result.Errored++
			continue
		}
		keys := make([]interfaces.WrappedKey, 0, len(devices))
		wrapFailed := false
		for _, device := range devices {
			ciphertext, err := cryptoutils.EncryptWithPublicKey(device.PublicKey, keyBytes)
			if err != nil {
				wrapFailed = true
				break
			}
			keys = append(keys, interfaces.WrappedKey{
				UserID:     identity.UserID,
				DeviceID:   device.ID,
				Ciphertext: ciphertext,
			})
		}
		if wrapFailed {
			result.Errored++
			continue
		}
		conversions = append(conversions, interfaces.TMRConversion{
			AccessID:  access.ID,
			SessionID: access.SessionID,
			Keys:      keys,
		})
	}

	if len(conversions) > 0 {
		statuses, err := s.backend.ConvertTMRAccesses(ctx, interfaces.ConvertTMRAccessesRequest{
			Token:           token,
			Conversions:     conversions,
			DeleteOnConvert: deleteOnConvert,
		})
		if err != nil {
			return nil, err
		}
		for _, conversion := range conversions {
			if status, ok := statuses[conversion.AccessID]; ok && status.Success {
				result.Succeeded++
				result.Converted = append(result.Converted, conversion.AccessID)
			} else {
				result.Errored++
			}
		}
	}
	if result.Errored > 0 {
		result.Status = "ko"
	}
	s.log.Debug("tmr accesses converted", "succeeded", result.Succeeded, "errored", result.Errored)
	return result, nil
}
