package vesting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/store"
)

// =============================================================================
// READ CONSISTENCY
// =============================================================================

// midReadStore runs hook once, between the first and second read of every
// View, so a writer gets its chance to commit while an aggregate read is
// half done.
type midReadStore struct {
	vesting.TxStore
	once sync.Once
	hook func()
}

func (m *midReadStore) View(ctx context.Context, fn func(vesting.Store) error) error {
	return m.TxStore.View(ctx, func(s vesting.Store) error {
		return fn(&hookedReads{Store: s, after: func() { m.once.Do(m.hook) }})
	})
}

type hookedReads struct {
	vesting.Store
	after func()
}

func (h *hookedReads) TransfersByRecipient(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	ids, err := h.Store.TransfersByRecipient(ctx, addr)
	h.after()
	return ids, err
}

func TestEngine_ReconcileIsNotTornByConcurrentClaim(t *testing.T) {
	// GIVEN: a half vested transfer to bob
	bank := newFixture(t).bank
	inner := store.NewTxMemory()
	st := &midReadStore{TxStore: inner}
	engine := vesting.NewEngine(st, bank, vesting.DefaultLimits(), quietLog())
	ctx := context.Background()

	id, err := engine.CreateTransfer(ctx, call(alice, 0), vesting.CreateTransferInput{
		Recipient: bob, Token: token, Amount: amt(1000), Schedule: vesting.LinearSchedule(0, 10),
	})
	require.NoError(t, err)
	require.NoError(t, engine.ExecuteTransfer(ctx, call(alice, 0), id))

	// WHEN: bob claims while Reconcile is between reading transfers and
	// reading accounts
	claimed := make(chan error, 1)
	st.hook = func() {
		go func() {
			_, err := engine.ClaimBalances(ctx, call(bob, 5))
			claimed <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}

	// THEN: Reconcile sees one state, before or after the claim, never both
	assert.NoError(t, engine.Reconcile(ctx, bob))
	require.NoError(t, <-claimed)
	assert.Equal(t, "1000500", bank.BalanceOf(bob, token).String())
	assert.NoError(t, engine.Reconcile(ctx, bob))
	assert.NoError(t, engine.Reconcile(ctx, alice))
}
