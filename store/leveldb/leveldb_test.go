package leveldb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/warp/vesting-engine/store/leveldb"
	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/storetest"
)

func newStore(t *testing.T, cacheSize int) *leveldb.Store {
	t.Helper()
	s, err := leveldb.Open(storage.NewMemStorage(), cacheSize)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) vesting.TxStore { return newStore(t, 0) })
}

func TestStore_TinyCache(t *testing.T) {
	// A two entry cache forces most reads through to the database.
	storetest.Run(t, func(t *testing.T) vesting.TxStore { return newStore(t, 2) })
}

func TestStore_AbortedTxDoesNotReachCache(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 16)
	acct := vesting.Account{Address: "bob", Token: "VEST-a1b2c3", Locked: vesting.NewAmount(10)}
	require.NoError(t, s.PutAccount(ctx, acct))

	// Warm the cache, then fail a transaction that overwrites the account.
	_, err := s.GetAccount(ctx, "bob", "VEST-a1b2c3")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx vesting.Store) error {
		changed := acct
		changed.Locked = vesting.NewAmount(99)
		require.NoError(t, tx.PutAccount(ctx, changed))

		inside, err := tx.GetAccount(ctx, "bob", "VEST-a1b2c3")
		require.NoError(t, err)
		assert.Equal(t, "99", inside.Locked.String())
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetAccount(ctx, "bob", "VEST-a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, "10", got.Locked.String())
}

func TestStore_PendingKeysMergeInOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, 0)
	put := func(id vesting.TransferID) {
		require.NoError(t, s.PutTransfer(ctx, vesting.Transfer{
			ID: id, Sender: "alice", Recipient: "bob", Token: "VEST-a1b2c3",
			Total: vesting.NewAmount(1), Schedule: vesting.LinearSchedule(0, 1), Status: vesting.StatusCreated,
		}))
	}
	put(1)
	put(3)

	err := s.WithTx(ctx, func(tx vesting.Store) error {
		if err := tx.PutTransfer(ctx, vesting.Transfer{
			ID: 2, Sender: "carol", Recipient: "bob", Token: "VEST-a1b2c3",
			Total: vesting.NewAmount(1), Schedule: vesting.LinearSchedule(0, 1), Status: vesting.StatusCreated,
		}); err != nil {
			return err
		}
		ids, err := tx.TransfersByRecipient(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []vesting.TransferID{1, 2, 3}, ids)

		page, err := tx.ScanTransfers(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, vesting.TransferID(2), page[0].ID)
		return nil
	})
	require.NoError(t, err)
}
