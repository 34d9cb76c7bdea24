// Package storetest holds behaviour tests every vesting.TxStore must pass.
package storetest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/vesting"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) vesting.TxStore

var errBoom = errors.New("boom")

// blockedFor is how long a test waits to see whether a commit slips in.
const blockedFor = 50 * time.Millisecond

// cancellingBank cancels the call context right after paying out, the way
// a client hanging up mid request does.
type cancellingBank struct {
	*custody.Bank
	cancel func()
}

func (b *cancellingBank) Payout(ctx context.Context, to vesting.Address, token vesting.TokenID, amount vesting.Amount) error {
	err := b.Bank.Payout(ctx, to, token, amount)
	if b.cancel != nil {
		b.cancel()
	}
	return err
}

func sample(id vesting.TransferID, from, to vesting.Address) vesting.Transfer {
	return vesting.Transfer{
		ID:        id,
		Sender:    from,
		Recipient: to,
		Token:     "VEST-a1b2c3",
		Total:     vesting.MustParseAmount("1000000000000000000000000"),
		Start:     10,
		Schedule:  vesting.LinearSchedule(5, 100),
		Status:    vesting.StatusCreated,
		CreatedAt: 10,
	}
}

// Run exercises newStore against the Store contract.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("transfer round trip", func(t *testing.T) {
		s := newStore(t)
		tr := sample(1, "alice", "bob")
		tr.Schedule = vesting.MilestoneSchedule(0,
			vesting.Milestone{Offset: 10, Share: 4000},
			vesting.Milestone{Offset: 20, Share: 6000},
		)
		require.NoError(t, s.PutTransfer(ctx, tr))

		got, err := s.GetTransfer(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, tr.Sender, got.Sender)
		assert.Equal(t, tr.Recipient, got.Recipient)
		assert.True(t, tr.Total.Equal(got.Total))
		assert.Equal(t, tr.Schedule, got.Schedule)
		assert.Equal(t, vesting.StatusCreated, got.Status)

		// Updates keep the indexes unique.
		got.Status = vesting.StatusCancelled
		got.Claimed = vesting.NewAmount(7)
		got.VestedAtCancel = vesting.NewAmount(9)
		got.CancelledAt = 30
		require.NoError(t, s.PutTransfer(ctx, got))

		again, err := s.GetTransfer(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, vesting.StatusCancelled, again.Status)
		assert.Equal(t, "7", again.Claimed.String())
		assert.Equal(t, "9", again.VestedAtCancel.String())
		assert.Equal(t, vesting.Timestamp(30), again.CancelledAt)

		ids, err := s.TransfersByRecipient(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []vesting.TransferID{1}, ids)
	})

	t.Run("missing transfer", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetTransfer(ctx, 42)
		assert.ErrorIs(t, err, vesting.ErrNotFound)
	})

	t.Run("scan and indexes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutTransfer(ctx, sample(3, "carol", "bob")))
		require.NoError(t, s.PutTransfer(ctx, sample(1, "alice", "bob")))
		require.NoError(t, s.PutTransfer(ctx, sample(2, "alice", "carol")))

		page, err := s.ScanTransfers(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, vesting.TransferID(1), page[0].ID)
		assert.Equal(t, vesting.TransferID(2), page[1].ID)

		page, err = s.ScanTransfers(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, vesting.TransferID(3), page[0].ID)

		ids, err := s.TransfersByRecipient(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []vesting.TransferID{1, 3}, ids)

		ids, err = s.TransfersBySender(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []vesting.TransferID{1, 2}, ids)

		ids, err = s.TransfersBySender(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("accounts", func(t *testing.T) {
		s := newStore(t)
		zero, err := s.GetAccount(ctx, "bob", "VEST-a1b2c3")
		require.NoError(t, err)
		assert.True(t, zero.IsZero())
		assert.Equal(t, vesting.Address("bob"), zero.Address)

		for _, tok := range []vesting.TokenID{"ZED-000001", "ABC-000001"} {
			require.NoError(t, s.PutAccount(ctx, vesting.Account{Address: "bob", Token: tok, Locked: vesting.NewAmount(5)}))
		}
		require.NoError(t, s.PutAccount(ctx, vesting.Account{Address: "bob", Token: "ABC-000001", Locked: vesting.NewAmount(6)}))

		accts, err := s.Accounts(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, accts, 2)
		assert.Equal(t, vesting.TokenID("ABC-000001"), accts[0].Token)
		assert.Equal(t, "6", accts[0].Locked.String())
		assert.Equal(t, vesting.TokenID("ZED-000001"), accts[1].Token)
	})

	t.Run("meta and calls", func(t *testing.T) {
		s := newStore(t)
		meta, err := s.LoadMeta(ctx)
		require.NoError(t, err)
		assert.Equal(t, vesting.InitialMeta(), meta)

		require.NoError(t, s.SaveMeta(ctx, vesting.Meta{NextID: 5, LastTimestamp: 99}))
		meta, err = s.LoadMeta(ctx)
		require.NoError(t, err)
		assert.Equal(t, vesting.Meta{NextID: 5, LastTimestamp: 99}, meta)

		seen, err := s.HasCall(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, seen)
		require.NoError(t, s.RecordCall(ctx, "c1", 99))
		seen, err = s.HasCall(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, seen)
	})

	t.Run("tx commits", func(t *testing.T) {
		s := newStore(t)
		err := s.WithTx(ctx, func(tx vesting.Store) error {
			if err := tx.PutTransfer(ctx, sample(1, "alice", "bob")); err != nil {
				return err
			}
			// Reads inside the transaction see its own writes.
			got, err := tx.GetTransfer(ctx, 1)
			if err != nil {
				return err
			}
			ids, err := tx.TransfersByRecipient(ctx, "bob")
			if err != nil {
				return err
			}
			assert.Equal(t, vesting.Address("alice"), got.Sender)
			assert.Equal(t, []vesting.TransferID{1}, ids)
			return tx.SaveMeta(ctx, vesting.Meta{NextID: 2, LastTimestamp: 10})
		})
		require.NoError(t, err)

		_, err = s.GetTransfer(ctx, 1)
		assert.NoError(t, err)
		meta, err := s.LoadMeta(ctx)
		require.NoError(t, err)
		assert.Equal(t, vesting.TransferID(2), meta.NextID)
	})

	t.Run("tx rolls back", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutTransfer(ctx, sample(1, "alice", "bob")))

		err := s.WithTx(ctx, func(tx vesting.Store) error {
			tr, _ := tx.GetTransfer(ctx, 1)
			tr.Status = vesting.StatusExecuting
			_ = tx.PutTransfer(ctx, tr)
			_ = tx.PutTransfer(ctx, sample(2, "carol", "bob"))
			_ = tx.PutAccount(ctx, vesting.Account{Address: "bob", Token: "VEST-a1b2c3", Locked: vesting.NewAmount(1)})
			_ = tx.SaveMeta(ctx, vesting.Meta{NextID: 3, LastTimestamp: 50})
			_ = tx.RecordCall(ctx, "c1", 50)
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)

		tr, err := s.GetTransfer(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, vesting.StatusCreated, tr.Status)
		_, err = s.GetTransfer(ctx, 2)
		assert.ErrorIs(t, err, vesting.ErrNotFound)

		ids, err := s.TransfersByRecipient(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []vesting.TransferID{1}, ids)

		accts, err := s.Accounts(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, accts)

		meta, err := s.LoadMeta(ctx)
		require.NoError(t, err)
		assert.Equal(t, vesting.InitialMeta(), meta)

		seen, err := s.HasCall(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("tx commits after ctx is cancelled", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()

		err := s.WithTx(cctx, func(tx vesting.Store) error {
			if err := tx.PutTransfer(cctx, sample(1, "alice", "bob")); err != nil {
				return err
			}
			if err := tx.SaveMeta(cctx, vesting.Meta{NextID: 2, LastTimestamp: 10}); err != nil {
				return err
			}
			cancel()
			return nil
		})
		require.NoError(t, err)

		_, err = s.GetTransfer(ctx, 1)
		assert.NoError(t, err)
		meta, err := s.LoadMeta(ctx)
		require.NoError(t, err)
		assert.Equal(t, vesting.TransferID(2), meta.NextID)
	})

	t.Run("claim is recorded when ctx is cancelled after payout", func(t *testing.T) {
		// GIVEN: two executed transfers of 1000 to bob, half vested at t=5
		const tok vesting.TokenID = "VEST-a1b2c3"
		bank := &cancellingBank{Bank: custody.NewBank()}
		bank.Mint("alice", tok, vesting.NewAmount(1000))
		bank.Mint("carol", tok, vesting.NewAmount(1000))
		log := logrus.New()
		log.SetOutput(io.Discard)
		engine := vesting.NewEngine(newStore(t), bank, vesting.DefaultLimits(), logrus.NewEntry(log))

		for _, from := range []vesting.Address{"alice", "carol"} {
			c := vesting.Call{Caller: from}
			id, err := engine.CreateTransfer(ctx, c, vesting.CreateTransferInput{
				Recipient: "bob", Token: tok, Amount: vesting.NewAmount(1000), Schedule: vesting.LinearSchedule(0, 10),
			})
			require.NoError(t, err)
			require.NoError(t, engine.ExecuteTransfer(ctx, c, id))
		}

		// WHEN: the request context dies right after custody paid
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		bank.cancel = cancel
		res, err := engine.ClaimBalances(cctx, vesting.Call{Caller: "bob", Timestamp: 5})
		bank.cancel = nil

		// THEN: the claim is committed, so a retry pays nothing more
		require.NoError(t, err)
		assert.Equal(t, "1000", res.Total.String())
		again, err := engine.ClaimBalances(ctx, vesting.Call{Caller: "bob", Timestamp: 5})
		require.NoError(t, err)
		assert.True(t, again.Total.IsZero())

		assert.Equal(t, "1000", bank.BalanceOf("bob", tok).String())
		assert.Equal(t, "1000", bank.Reserve(tok).String())
		assert.NoError(t, engine.Reconcile(ctx, "bob"))
	})

	t.Run("view sees no concurrent commit", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutTransfer(ctx, sample(1, "alice", "bob")))

		done := make(chan error, 1)
		err := s.View(ctx, func(v vesting.Store) error {
			before, err := v.LoadMeta(ctx)
			require.NoError(t, err)

			go func() {
				done <- s.WithTx(ctx, func(tx vesting.Store) error {
					if err := tx.PutTransfer(ctx, sample(2, "carol", "bob")); err != nil {
						return err
					}
					return tx.SaveMeta(ctx, vesting.Meta{NextID: 9, LastTimestamp: 90})
				})
			}()
			select {
			case err := <-done:
				t.Errorf("commit finished inside a view: %v", err)
			case <-time.After(blockedFor):
			}

			after, err := v.LoadMeta(ctx)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			ids, err := v.TransfersByRecipient(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, []vesting.TransferID{1}, ids)
			return nil
		})
		require.NoError(t, err)

		// The writer proceeds once the view is gone.
		require.NoError(t, <-done)
		meta, err := s.LoadMeta(ctx)
		require.NoError(t, err)
		assert.Equal(t, vesting.TransferID(9), meta.NextID)
	})

	t.Run("view rejects writes", func(t *testing.T) {
		s := newStore(t)
		err := s.View(ctx, func(v vesting.Store) error {
			return v.PutTransfer(ctx, sample(1, "alice", "bob"))
		})
		assert.ErrorIs(t, err, vesting.ErrReadOnly)
		_, err = s.GetTransfer(ctx, 1)
		assert.ErrorIs(t, err, vesting.ErrNotFound)
	})

	t.Run("address keys do not overlap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.PutTransfer(ctx, sample(1, "alice", "bob")))
		require.NoError(t, s.PutAccount(ctx, vesting.Account{Address: "bob", Token: "VEST-a1b2c3", Locked: vesting.NewAmount(1)}))

		for _, other := range []vesting.Address{"bob\x00", "bo", "bob\x00\x00"} {
			ids, err := s.TransfersByRecipient(ctx, other)
			require.NoError(t, err)
			assert.Empty(t, ids, "%q", other)

			accts, err := s.Accounts(ctx, other)
			require.NoError(t, err)
			assert.Empty(t, accts, "%q", other)
		}
		ids, err := s.TransfersBySender(ctx, "alice\x00")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("tx rollback restores repeated writes", func(t *testing.T) {
		s := newStore(t)
		acct := vesting.Account{Address: "bob", Token: "VEST-a1b2c3", Locked: vesting.NewAmount(1)}
		require.NoError(t, s.PutAccount(ctx, acct))

		err := s.WithTx(ctx, func(tx vesting.Store) error {
			for i := int64(2); i < 5; i++ {
				changed := acct
				changed.Locked = vesting.NewAmount(i)
				_ = tx.PutAccount(ctx, changed)
			}
			_ = tx.PutTransfer(ctx, sample(1, "alice", "bob"))
			tr := sample(1, "alice", "bob")
			tr.Status = vesting.StatusExecuting
			_ = tx.PutTransfer(ctx, tr)
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		got, err := s.GetAccount(ctx, "bob", "VEST-a1b2c3")
		require.NoError(t, err)
		assert.Equal(t, "1", got.Locked.String())
		_, err = s.GetTransfer(ctx, 1)
		assert.ErrorIs(t, err, vesting.ErrNotFound)
		ids, err := s.TransfersByRecipient(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}
