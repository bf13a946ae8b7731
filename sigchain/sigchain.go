// Package sigchain builds and verifies the append-only, hash-linked history
// of a user's device transactions. Every transaction is chained onto its
// predecessor with a Keccak-256 hash and signed by the device key it
// introduces, so a full chain can be audited without trusting any single
// snapshot.
package sigchain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

// Transaction types.
const (
	// TypeCreation is the genesis transaction creating the user and its
	// first device.
	TypeCreation = "creation"
	// TypeDeviceAdded introduces an additional device.
	TypeDeviceAdded = "device_added"
	// TypeRenewal replaces a device's keypair.
	TypeRenewal = "renewal"
)

// PositionLatest addresses the most recent transaction.
const PositionLatest = -1

var (
	// ErrEmptyChain reports an empty sigchain.
	ErrEmptyChain = errors.New("sigchain is empty")
	// ErrBrokenChain reports a transaction that does not link onto its
	// predecessor.
	ErrBrokenChain = errors.New("sigchain hash link broken")
)

// computePayload is the canonical encoding hashed into a transaction.
func computePayload(tx interfaces.SigchainTransaction) []byte {
	return fmt.Appendf(nil, "%d|%s|%s|%s|%x|%d|%s",
		tx.Position, tx.Type, tx.UserID, tx.DeviceID, tx.PublicKey, tx.Created.UTC().Unix(), tx.PrevHash)
}

// ComputeHash returns the hex Keccak-256 hash of the transaction's canonical
// payload.
func ComputeHash(tx interfaces.SigchainTransaction) string {
	return hex.EncodeToString(crypto.Keccak256(computePayload(tx)))
}

// NewGenesis builds the self-signed first transaction of a user's chain.
func NewGenesis(userID interfaces.UserID, deviceID interfaces.DeviceID, pubKey cryptoutils.PublicKey, privKey cryptoutils.PrivateKey, created time.Time) (interfaces.SigchainTransaction, error) {
	return NewTransaction(nil, TypeCreation, userID, deviceID, pubKey, privKey, created)
}

// NewTransaction builds and signs the transaction following prev. The
// transaction is signed with privKey, which must correspond to the public
// key it introduces. A nil prev builds a genesis transaction.
func NewTransaction(prev *interfaces.SigchainTransaction, txType string, userID interfaces.UserID, deviceID interfaces.DeviceID, pubKey cryptoutils.PublicKey, privKey cryptoutils.PrivateKey, created time.Time) (interfaces.SigchainTransaction, error) {
	tx := interfaces.SigchainTransaction{
		Type:      txType,
		UserID:    userID,
		DeviceID:  deviceID,
		PublicKey: pubKey,
		Created:   created.UTC(),
	}
	if prev != nil {
		tx.Position = prev.Position + 1
		tx.PrevHash = prev.Hash
	}
	tx.Hash = ComputeHash(tx)

	sig, err := cryptoutils.Sign(privKey, []byte(tx.Hash))
	if err != nil {
		return interfaces.SigchainTransaction{}, fmt.Errorf("could not sign sigchain transaction: %w", err)
	}
	tx.Signature = sig
	return tx, nil
}

// VerifyChain checks structural integrity of a full chain: monotonically
// increasing positions, unbroken hash links, correct transaction hashes and
// valid signatures by the introduced device keys.
func VerifyChain(txns []interfaces.SigchainTransaction) error {
	if len(txns) == 0 {
		return ErrEmptyChain
	}
	for i, tx := range txns {
		if tx.Position != i {
			return fmt.Errorf("%w: transaction %d has position %d", ErrBrokenChain, i, tx.Position)
		}
		if i == 0 {
			if tx.PrevHash != "" {
				return fmt.Errorf("%w: genesis has a predecessor hash", ErrBrokenChain)
			}
			if tx.Type != TypeCreation {
				return fmt.Errorf("%w: genesis has type %q", ErrBrokenChain, tx.Type)
			}
		} else if tx.PrevHash != txns[i-1].Hash {
			return fmt.Errorf("%w: transaction %d does not link onto %d", ErrBrokenChain, i, i-1)
		}
		if ComputeHash(tx) != tx.Hash {
			return fmt.Errorf("%w: transaction %d hash mismatch", ErrBrokenChain, i)
		}
		if len(tx.PublicKey) > 0 {
			if err := cryptoutils.Verify(tx.PublicKey, []byte(tx.Hash), tx.Signature); err != nil {
				return fmt.Errorf("transaction %d signature invalid: %w", i, err)
			}
		}
	}
	return nil
}

// HashAt returns the hash at the given position, with PositionLatest
// addressing the most recent transaction.
func HashAt(txns []interfaces.SigchainTransaction, position int) (*interfaces.GetSigchainResponse, error) {
	if len(txns) == 0 {
		return nil, ErrEmptyChain
	}
	if position == PositionLatest {
		position = len(txns) - 1
	}
	if position < 0 || position >= len(txns) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", interfaces.ErrSigchainPosition, position, len(txns)-1)
	}
	return &interfaces.GetSigchainResponse{Hash: txns[position].Hash, Position: position}, nil
}

// CheckHash looks for expectedHash in the chain. With PositionLatest the
// whole chain is searched and the position where the hash was found is
// reported (0 when absent); with a specific position the hash is compared
// exactly at that transaction.
func CheckHash(txns []interfaces.SigchainTransaction, expectedHash string, position int) (*interfaces.CheckSigchainResponse, error) {
	if len(txns) == 0 {
		return nil, ErrEmptyChain
	}
	resp := &interfaces.CheckSigchainResponse{LastPosition: len(txns) - 1}

	if position == PositionLatest {
		for _, tx := range txns {
			if tx.Hash == expectedHash {
				resp.Found = true
				resp.Position = tx.Position
				break
			}
		}
		return resp, nil
	}

	if position < 0 || position >= len(txns) {
		return nil, fmt.Errorf("%w: %d not in [0, %d]", interfaces.ErrSigchainPosition, position, len(txns)-1)
	}
	if txns[position].Hash == expectedHash {
		resp.Found = true
		resp.Position = position
	}
	return resp, nil
}
