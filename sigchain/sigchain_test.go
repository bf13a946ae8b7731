package sigchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

func buildTestChain(t *testing.T, length int) []interfaces.SigchainTransaction {
	t.Helper()

	userID := interfaces.UserID("user-1")
	var txns []interfaces.SigchainTransaction
	for i := 0; i < length; i++ {
		pub, priv, err := cryptoutils.GenerateKeypair()
		require.NoError(t, err)

		var prev *interfaces.SigchainTransaction
		txType := TypeCreation
		if i > 0 {
			prev = &txns[i-1]
			txType = TypeDeviceAdded
		}
		tx, err := NewTransaction(prev, txType, userID, interfaces.DeviceID("device-"+string(rune('a'+i))), pub, priv, time.Now())
		require.NoError(t, err)
		txns = append(txns, tx)
	}
	return txns
}

func TestChainVerifies(t *testing.T) {
	txns := buildTestChain(t, 4)
	require.NoError(t, VerifyChain(txns))

	for i, tx := range txns {
		assert.Equal(t, i, tx.Position)
		assert.Equal(t, tx.Hash, ComputeHash(tx))
	}
}

func TestVerifyChainRejectsTampering(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.ErrorIs(t, VerifyChain(nil), ErrEmptyChain)
	})

	t.Run("modified payload", func(t *testing.T) {
		txns := buildTestChain(t, 3)
		txns[1].DeviceID = "evil-device"
		assert.ErrorIs(t, VerifyChain(txns), ErrBrokenChain)
	})

	t.Run("broken link", func(t *testing.T) {
		txns := buildTestChain(t, 3)
		txns[2].PrevHash = txns[0].Hash
		assert.ErrorIs(t, VerifyChain(txns), ErrBrokenChain)
	})

	t.Run("truncated front", func(t *testing.T) {
		txns := buildTestChain(t, 3)
		assert.ErrorIs(t, VerifyChain(txns[1:]), ErrBrokenChain)
	})

	t.Run("forged signature", func(t *testing.T) {
		txns := buildTestChain(t, 2)
		txns[1].Signature = txns[0].Signature
		assert.Error(t, VerifyChain(txns))
	})
}

func TestHashAt(t *testing.T) {
	txns := buildTestChain(t, 3)

	latest, err := HashAt(txns, PositionLatest)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Position)
	assert.Equal(t, txns[2].Hash, latest.Hash)

	first, err := HashAt(txns, 0)
	require.NoError(t, err)
	assert.Equal(t, txns[0].Hash, first.Hash)

	_, err = HashAt(txns, 7)
	assert.ErrorIs(t, err, interfaces.ErrSigchainPosition)

	_, err = HashAt(nil, 0)
	assert.ErrorIs(t, err, ErrEmptyChain)
}

func TestCheckHash(t *testing.T) {
	txns := buildTestChain(t, 3)

	t.Run("search anywhere", func(t *testing.T) {
		resp, err := CheckHash(txns, txns[1].Hash, PositionLatest)
		require.NoError(t, err)
		assert.True(t, resp.Found)
		assert.Equal(t, 1, resp.Position)
		assert.Equal(t, 2, resp.LastPosition)
	})

	t.Run("absent hash", func(t *testing.T) {
		resp, err := CheckHash(txns, "deadbeef", PositionLatest)
		require.NoError(t, err)
		assert.False(t, resp.Found)
		assert.Equal(t, 0, resp.Position)
	})

	t.Run("exact position", func(t *testing.T) {
		resp, err := CheckHash(txns, txns[2].Hash, 2)
		require.NoError(t, err)
		assert.True(t, resp.Found)

		resp, err = CheckHash(txns, txns[2].Hash, 1)
		require.NoError(t, err)
		assert.False(t, resp.Found)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := CheckHash(txns, txns[0].Hash, 9)
		assert.ErrorIs(t, err, interfaces.ErrSigchainPosition)
	})
}
