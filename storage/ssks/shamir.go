package ssks

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/veilcrypt/veil-go/interfaces"
)

// SplitBackupKey splits a raw over-encryption key into shares using
// Shamir's Secret Sharing, so no single holder can decrypt the backup.
// Any threshold of the shares reconstructs the key; fewer reveal nothing.
func SplitBackupKey(key interfaces.OverEncryptionKey, shares, threshold int) ([][]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if shares < threshold {
		return nil, fmt.Errorf("cannot require %d of %d shares", threshold, shares)
	}

	parts, err := shamir.Split(key, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split backup key: %w", err)
	}
	return parts, nil
}

// CombineBackupKey reconstructs an over-encryption key from at least the
// threshold number of shares. Combining too few shares yields garbage, not
// an error; the key is validated by length only and proves itself by
// decrypting the backup.
func CombineBackupKey(shares [][]byte) (interfaces.OverEncryptionKey, error) {
	if len(shares) < 2 {
		return nil, errors.New("at least 2 shares are required")
	}

	key, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	if err := interfaces.OverEncryptionKey(key).Validate(); err != nil {
		return nil, err
	}
	return interfaces.OverEncryptionKey(key), nil
}
