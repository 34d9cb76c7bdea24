package vesting_test

import (
	"testing"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/store"
)

// pagedFixture uses a tiny page size so that scans cross page boundaries.
func pagedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	limits := vesting.DefaultLimits()
	limits.PageSize = 2
	f.store = store.NewTxMemory()
	f.bank = custody.NewBank()
	for _, a := range []vesting.Address{alice, bob, carol} {
		f.bank.Mint(a, token, amt(funded))
	}
	f.engine = vesting.NewEngine(f.store, f.bank, limits, quietLog())
	return f
}

func ids(ts []vesting.Transfer) []vesting.TransferID {
	out := make([]vesting.TransferID, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}

func TestTransfers_PagesInIDOrder(t *testing.T) {
	f := pagedFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t, alice, bob, 0, 10, vesting.LinearSchedule(0, 10))
	}

	all, err := vesting.Collect(f.engine.Transfers(f.ctx, vesting.TransferFilter{}))
	require.NoError(t, err)
	assert.Equal(t, []vesting.TransferID{1, 2, 3, 4, 5}, ids(all))
}

func TestTransfers_Filters(t *testing.T) {
	f := pagedFixture(t)
	f.create(t, alice, bob, 0, 10, vesting.LinearSchedule(0, 10))   // 1
	f.create(t, alice, carol, 0, 10, vesting.LinearSchedule(0, 10)) // 2
	f.create(t, bob, carol, 0, 10, vesting.LinearSchedule(0, 10))   // 3
	f.create(t, carol, alice, 0, 10, vesting.LinearSchedule(0, 10)) // 4
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 1), 2))
	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(bob, 1), 3))

	tests := []struct {
		name   string
		filter vesting.TransferFilter
		want   []vesting.TransferID
	}{
		{"none", vesting.TransferFilter{}, []vesting.TransferID{1, 2, 3, 4}},
		{"sender", vesting.TransferFilter{Sender: optional.Some(alice)}, []vesting.TransferID{1, 2}},
		{"recipient", vesting.TransferFilter{Recipient: optional.Some(carol)}, []vesting.TransferID{2, 3}},
		{"sender and recipient", vesting.TransferFilter{Sender: optional.Some(alice), Recipient: optional.Some(carol)}, []vesting.TransferID{2}},
		{"status executing", vesting.TransferFilter{Status: optional.Some(vesting.StatusExecuting)}, []vesting.TransferID{2}},
		{"status cancelled", vesting.TransferFilter{Status: optional.Some(vesting.StatusCancelled)}, []vesting.TransferID{3}},
		{"other token", vesting.TransferFilter{Token: optional.Some(vesting.TokenID("OTHER-000000"))}, []vesting.TransferID{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vesting.Collect(f.engine.Transfers(f.ctx, tt.filter))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestTransfers_RestartableAndStoppable(t *testing.T) {
	f := pagedFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t, alice, bob, 0, 10, vesting.LinearSchedule(0, 10))
	}
	seq := f.engine.Transfers(f.ctx, vesting.TransferFilter{})

	// GIVEN: a consumer that stops after three elements
	var seen []vesting.TransferID
	for tr, err := range seq {
		require.NoError(t, err)
		seen = append(seen, tr.ID)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []vesting.TransferID{1, 2, 3}, seen)

	// THEN: ranging again starts from the beginning
	again, err := vesting.Collect(seq)
	require.NoError(t, err)
	assert.Len(t, again, 5)
}

func TestTransfers_SeesLaterWrites(t *testing.T) {
	f := pagedFixture(t)
	f.create(t, alice, bob, 0, 10, vesting.LinearSchedule(0, 10))
	seq := f.engine.Transfers(f.ctx, vesting.TransferFilter{Recipient: optional.Some(bob)})

	f.create(t, carol, bob, 0, 10, vesting.LinearSchedule(0, 10))

	got, err := vesting.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []vesting.TransferID{1, 2}, ids(got))
}

func TestGetTransfer_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetTransfer(f.ctx, 7)
	assert.ErrorIs(t, err, vesting.ErrNotFound)
}
