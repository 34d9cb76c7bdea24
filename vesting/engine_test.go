package vesting_test

import (
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/moznion/go-optional"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	token  vesting.TokenID = "VEST-a1b2c3"
	alice  vesting.Address = "erd1alice"
	bob    vesting.Address = "erd1bob"
	carol  vesting.Address = "erd1carol"
	admin  vesting.Address = "erd1admin"
	funded                 = 1_000_000
)

type fixture struct {
	ctx    context.Context
	engine *vesting.Engine
	bank   *custody.Bank
	store  *store.TxMemory
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bank := custody.NewBank()
	for _, a := range []vesting.Address{alice, bob, carol} {
		bank.Mint(a, token, amt(funded))
	}
	st := store.NewTxMemory()
	return &fixture{
		ctx:    context.Background(),
		engine: vesting.NewEngine(st, bank, vesting.DefaultLimits(), quietLog(), admin),
		bank:   bank,
		store:  st,
	}
}

func call(caller vesting.Address, ts vesting.Timestamp) vesting.Call {
	return vesting.Call{Caller: caller, Timestamp: ts}
}

func (f *fixture) create(t *testing.T, from, to vesting.Address, ts vesting.Timestamp, amount int64, s vesting.Schedule) vesting.TransferID {
	t.Helper()
	id, err := f.engine.CreateTransfer(f.ctx, call(from, ts), vesting.CreateTransferInput{
		Recipient: to,
		Token:     token,
		Amount:    amt(amount),
		Schedule:  s,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) transfer(t *testing.T, id vesting.TransferID) vesting.Transfer {
	t.Helper()
	tr, err := f.engine.GetTransfer(f.ctx, id)
	require.NoError(t, err)
	return tr
}

func (f *fixture) claim(t *testing.T, who vesting.Address, ts vesting.Timestamp) vesting.Amount {
	t.Helper()
	res, err := f.engine.ClaimBalances(f.ctx, call(who, ts))
	require.NoError(t, err)
	return res.Total
}

// =============================================================================
// EXAMPLES
// =============================================================================

func TestEngine_LinearVesting_ClaimHalfThenRest(t *testing.T) {
	// GIVEN: alice locks 1000 for bob, no cliff, 1000s linear, at t=0
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))

	// WHEN: bob claims at t=500
	assert.Equal(t, "500", vesting.Releasable(f.transfer(t, id), 500).String())
	assert.Equal(t, "500", f.claim(t, bob, 500).String())

	// THEN: half is claimed and paid
	tr := f.transfer(t, id)
	assert.Equal(t, "500", tr.Claimed.String())
	assert.Equal(t, vesting.StatusExecuting, tr.Status)
	assert.Equal(t, "1000500", f.bank.BalanceOf(bob, token).String())

	// WHEN: bob claims at t=1000
	assert.Equal(t, "500", f.claim(t, bob, 1000).String())

	// THEN: fully claimed and completed
	tr = f.transfer(t, id)
	assert.Equal(t, "1000", tr.Claimed.String())
	assert.Equal(t, vesting.StatusCompleted, tr.Status)
	assert.True(t, f.bank.Reserve(token).IsZero())
}

func TestEngine_ClaimBeforeCliff_PaysZero(t *testing.T) {
	// GIVEN: 1000 with a 100s cliff and 900s linear, at t=0
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(100, 900))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))

	// WHEN: bob claims at t=50
	assert.True(t, vesting.Releasable(f.transfer(t, id), 50).IsZero())
	res, err := f.engine.ClaimBalances(f.ctx, call(bob, 50))

	// THEN: success, nothing paid
	require.NoError(t, err)
	assert.True(t, res.Total.IsZero())
	assert.Empty(t, res.Payouts)
	assert.True(t, f.transfer(t, id).Claimed.IsZero())
}

func TestEngine_ClaimOnCompletedTransfer_IsNoop(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 10))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))
	assert.Equal(t, "1000", f.claim(t, bob, 100).String())

	// WHEN: claiming again
	assert.True(t, f.claim(t, bob, 200).IsZero())
	assert.Equal(t, vesting.StatusCompleted, f.transfer(t, id).Status)
}

func TestEngine_CreatedTransferIsNotClaimable(t *testing.T) {
	// GIVEN: a fully vested transfer that was never executed
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 10))

	// THEN: nothing can be claimed
	assert.True(t, f.claim(t, bob, 100).IsZero())
	assert.Equal(t, vesting.StatusCreated, f.transfer(t, id).Status)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestEngine_CancelBeforeVesting_RefundsEverything(t *testing.T) {
	// GIVEN: an executed transfer with a cliff that has not passed
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(100, 900))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))

	// WHEN: alice cancels at t=50
	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(alice, 50), id))

	// THEN: alice is whole again and bob has nothing claimable
	tr := f.transfer(t, id)
	assert.Equal(t, vesting.StatusCancelled, tr.Status)
	assert.Equal(t, "1000", tr.Refunded.String())
	assert.Equal(t, "1000000", f.bank.BalanceOf(alice, token).String())

	bal, err := f.engine.AddressBalances(f.ctx, bob, 5000)
	require.NoError(t, err)
	assert.True(t, bal.Token(token).Claimable.IsZero())
	assert.True(t, bal.Token(token).Locked.IsZero())
	assert.True(t, f.claim(t, bob, 5000).IsZero())
}

func TestEngine_CancelAtHalf_PreservesVestedPart(t *testing.T) {
	// GIVEN: 1000 over 1000s, executed
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))

	// WHEN: alice cancels at t=500
	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(alice, 500), id))

	// THEN: 500 back to alice, 500 still claimable by bob, frozen in time
	assert.Equal(t, "999500", f.bank.BalanceOf(alice, token).String())
	bal, err := f.engine.AddressBalances(f.ctx, bob, 900)
	require.NoError(t, err)
	assert.Equal(t, "500", bal.Token(token).Claimable.String())
	assert.Equal(t, "500", bal.Token(token).Locked.String())

	assert.Equal(t, "500", f.claim(t, bob, 900).String())
	assert.True(t, f.claim(t, bob, 2000).IsZero())

	tr := f.transfer(t, id)
	assert.Equal(t, vesting.StatusCancelled, tr.Status)
	assert.Equal(t, "500", tr.Claimed.String())
	assert.True(t, f.bank.Reserve(token).IsZero())
}

func TestEngine_CancelAfterPartialClaim(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))
	assert.Equal(t, "200", f.claim(t, bob, 200).String())

	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(alice, 600), id))

	tr := f.transfer(t, id)
	assert.Equal(t, "600", tr.VestedAtCancel.String())
	assert.Equal(t, "400", tr.Refunded.String())
	assert.Equal(t, "400", f.claim(t, bob, 700).String())
	assert.NoError(t, f.engine.Reconcile(f.ctx, bob))
	assert.NoError(t, f.engine.Reconcile(f.ctx, alice))
}

func TestEngine_CancelCreatedTransfer_KeepsVestedClaimable(t *testing.T) {
	// GIVEN: never executed, but half of the schedule has elapsed
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))

	// WHEN: cancelled at t=500
	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(alice, 500), id))

	// THEN: the vested half stays with bob
	assert.Equal(t, "500", f.claim(t, bob, 600).String())
}

func TestEngine_AdminMayCancel(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))
	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(admin, 10), id))
	assert.Equal(t, vesting.StatusCancelled, f.transfer(t, id).Status)
}

// =============================================================================
// ILLEGAL TRANSITIONS
// =============================================================================

func TestEngine_Execute_Errors(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))

	err := f.engine.ExecuteTransfer(f.ctx, call(alice, 1), 999)
	assert.ErrorIs(t, err, vesting.ErrNotFound)

	err = f.engine.ExecuteTransfer(f.ctx, call(bob, 1), id)
	assert.ErrorIs(t, err, vesting.ErrUnauthorized)

	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 1), id))

	err = f.engine.ExecuteTransfer(f.ctx, call(alice, 2), id)
	assert.ErrorIs(t, err, vesting.ErrInvalidState)

	require.NoError(t, f.engine.CancelTransfer(f.ctx, call(alice, 3), id))
	err = f.engine.ExecuteTransfer(f.ctx, call(alice, 4), id)
	assert.ErrorIs(t, err, vesting.ErrAlreadyTerminal)

	var se *vesting.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, id, se.ID)
	assert.Equal(t, vesting.StatusCancelled, se.Status)
}

func TestEngine_Cancel_Errors(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 10))

	assert.ErrorIs(t, f.engine.CancelTransfer(f.ctx, call(alice, 0), 42), vesting.ErrNotFound)
	assert.ErrorIs(t, f.engine.CancelTransfer(f.ctx, call(bob, 0), id), vesting.ErrUnauthorized)

	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))
	f.claim(t, bob, 10)
	require.Equal(t, vesting.StatusCompleted, f.transfer(t, id).Status)

	assert.ErrorIs(t, f.engine.CancelTransfer(f.ctx, call(alice, 11), id), vesting.ErrAlreadyTerminal)
}

func TestEngine_Create_Validation(t *testing.T) {
	f := newFixture(t)
	base := vesting.CreateTransferInput{
		Recipient: bob,
		Token:     token,
		Amount:    amt(100),
		Schedule:  vesting.LinearSchedule(0, 100),
	}

	tests := []struct {
		name   string
		mutate func(*vesting.CreateTransferInput)
		want   error
	}{
		{"zero amount", func(in *vesting.CreateTransferInput) { in.Amount = amt(0) }, vesting.ErrInvalidAmount},
		{"over max supply", func(in *vesting.CreateTransferInput) {
			in.Amount = vesting.MustParseAmount("100000000000000000000000000000")
		}, vesting.ErrInvalidAmount},
		{"bad schedule", func(in *vesting.CreateTransferInput) { in.Schedule = vesting.LinearSchedule(0, 0) }, vesting.ErrInvalidSchedule},
		{"bad token", func(in *vesting.CreateTransferInput) { in.Token = "nope" }, vesting.ErrInvalidInput},
		{"no recipient", func(in *vesting.CreateTransferInput) { in.Recipient = "" }, vesting.ErrInvalidInput},
		{"control byte in recipient", func(in *vesting.CreateTransferInput) { in.Recipient = bob + "\x00" }, vesting.ErrInvalidInput},
		{"self transfer", func(in *vesting.CreateTransferInput) { in.Recipient = alice }, vesting.ErrInvalidInput},
		{"start in past", func(in *vesting.CreateTransferInput) { in.Start = optional.Some(vesting.Timestamp(5)) }, vesting.ErrInvalidSchedule},
		{"insufficient funds", func(in *vesting.CreateTransferInput) { in.Amount = amt(funded + 1) }, vesting.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := f.engine.CreateTransfer(f.ctx, call(alice, 10), in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Nothing was written by any failed call: the next id is still 1.
	id := f.create(t, alice, bob, 10, 100, vesting.LinearSchedule(0, 100))
	assert.Equal(t, vesting.TransferID(1), id)
	assert.Equal(t, "999900", f.bank.BalanceOf(alice, token).String())
}

func TestEngine_Create_FutureStart(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.CreateTransfer(f.ctx, call(alice, 10), vesting.CreateTransferInput{
		Recipient: bob,
		Token:     token,
		Amount:    amt(100),
		Schedule:  vesting.LinearSchedule(0, 100),
		Start:     optional.Some(vesting.Timestamp(1000)),
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 10), id))

	assert.True(t, f.claim(t, bob, 500).IsZero())
	assert.Equal(t, "50", f.claim(t, bob, 1050).String())
}

func TestEngine_FailedCustodyLeavesNoTrace(t *testing.T) {
	// GIVEN: an executed, partly vested transfer and a frozen recipient
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 1000))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))
	f.bank.Freeze(bob, true)

	// WHEN: bob claims
	_, err := f.engine.ClaimBalances(f.ctx, call(bob, 500))

	// THEN: rejected and nothing changed
	assert.ErrorIs(t, err, vesting.ErrTransferRejected)
	var fe *vesting.FundsError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "payout", fe.Op)
	assert.True(t, f.transfer(t, id).Claimed.IsZero())
	assert.NoError(t, f.engine.Reconcile(f.ctx, bob))

	// AND: once unfrozen the same claim succeeds
	f.bank.Freeze(bob, false)
	assert.Equal(t, "500", f.claim(t, bob, 500).String())
}

// =============================================================================
// HOST PROTOCOL
// =============================================================================

func TestEngine_ReplayedCallIsRejected(t *testing.T) {
	f := newFixture(t)
	c := vesting.Call{Caller: alice, Timestamp: 0, ID: "tx-1"}
	in := vesting.CreateTransferInput{Recipient: bob, Token: token, Amount: amt(10), Schedule: vesting.LinearSchedule(0, 10)}

	_, err := f.engine.CreateTransfer(f.ctx, c, in)
	require.NoError(t, err)

	_, err = f.engine.CreateTransfer(f.ctx, c, in)
	assert.ErrorIs(t, err, vesting.ErrDuplicateCall)
	assert.Equal(t, "999990", f.bank.BalanceOf(alice, token).String())
}

func TestEngine_ClockMayNotGoBackwards(t *testing.T) {
	f := newFixture(t)
	f.create(t, alice, bob, 100, 10, vesting.LinearSchedule(0, 10))

	_, err := f.engine.ClaimBalances(f.ctx, call(bob, 99))
	assert.ErrorIs(t, err, vesting.ErrClockRegression)
}

func TestEngine_MissingCallerIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ClaimBalances(f.ctx, vesting.Call{Timestamp: 1})
	assert.ErrorIs(t, err, vesting.ErrUnauthorized)
}

func TestEngine_MalformedCallerIsUnauthorized(t *testing.T) {
	// GIVEN: a transfer to bob that has fully vested
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 10))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))

	// WHEN: a caller whose address extends bob's with a NUL byte claims
	_, err := f.engine.ClaimBalances(f.ctx, call(bob+"\x00", 100))

	// THEN: rejected, nothing paid
	assert.ErrorIs(t, err, vesting.ErrUnauthorized)
	assert.True(t, f.transfer(t, id).Claimed.IsZero())
	assert.Equal(t, "1000", f.bank.Reserve(token).String())
	assert.Equal(t, "1000", f.claim(t, bob, 100).String())
}

// =============================================================================
// MULTI TOKEN
// =============================================================================

func TestEngine_ClaimAcrossTokens_NeverAddsUnits(t *testing.T) {
	// GIVEN: bob receives one transfer in each of two tokens
	const gold vesting.TokenID = "GOLD-0a0b0c"
	f := newFixture(t)
	f.bank.Mint(carol, gold, amt(funded))

	vest := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 10))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), vest))
	goldID, err := f.engine.CreateTransfer(f.ctx, call(carol, 0), vesting.CreateTransferInput{
		Recipient: bob, Token: gold, Amount: amt(7), Schedule: vesting.LinearSchedule(0, 10),
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(carol, 0), goldID))

	// WHEN: bob claims both at once
	res, err := f.engine.ClaimBalances(f.ctx, call(bob, 10))
	require.NoError(t, err)

	// THEN: per token payouts, sorted, and no cross-token total
	require.Len(t, res.Payouts, 2)
	assert.Equal(t, gold, res.Payouts[0].Token)
	assert.Equal(t, "7", res.Payouts[0].Amount.String())
	assert.Equal(t, token, res.Payouts[1].Token)
	assert.Equal(t, "1000", res.Payouts[1].Amount.String())
	assert.Empty(t, res.Token)
	assert.True(t, res.Total.IsZero())
	assert.Equal(t, "7", f.bank.BalanceOf(bob, gold).String())
}

func TestEngine_SingleTokenClaim_NamesItsToken(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, alice, bob, 0, 1000, vesting.LinearSchedule(0, 10))
	require.NoError(t, f.engine.ExecuteTransfer(f.ctx, call(alice, 0), id))

	res, err := f.engine.ClaimBalances(f.ctx, call(bob, 5))
	require.NoError(t, err)
	assert.Equal(t, token, res.Token)
	assert.Equal(t, "500", res.Total.String())

	empty, err := f.engine.ClaimBalances(f.ctx, call(bob, 5))
	require.NoError(t, err)
	assert.Empty(t, empty.Token)
	assert.Empty(t, empty.Payouts)
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestEngine_RandomOperations_ConserveTokens(t *testing.T) {
	// GIVEN: three parties creating, executing, cancelling and claiming at random
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	parties := []vesting.Address{alice, bob, carol}
	var ids []vesting.TransferID
	now := vesting.Timestamp(0)

	for step := 0; step < 400; step++ {
		now += vesting.Timestamp(rng.Intn(40))
		who := parties[rng.Intn(len(parties))]

		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			to := parties[(rng.Intn(2)+1+indexOf(parties, who))%len(parties)]
			cliff := uint64(rng.Intn(100))
			id, err := f.engine.CreateTransfer(f.ctx, call(who, now), vesting.CreateTransferInput{
				Recipient: to,
				Token:     token,
				Amount:    amt(int64(rng.Intn(5000) + 1)),
				Schedule:  vesting.LinearSchedule(cliff, cliff+uint64(rng.Intn(900)+1)),
			})
			require.NoError(t, err)
			ids = append(ids, id)
		case op == 1:
			id := ids[rng.Intn(len(ids))]
			_ = f.engine.ExecuteTransfer(f.ctx, call(f.transfer(t, id).Sender, now), id)
		case op == 2:
			id := ids[rng.Intn(len(ids))]
			_ = f.engine.CancelTransfer(f.ctx, call(f.transfer(t, id).Sender, now), id)
		default:
			f.claim(t, who, now)
		}

		// THEN: at every step the invariants hold
		assertConservation(t, f, parties, ids, now)
	}
}

func indexOf(list []vesting.Address, a vesting.Address) int {
	for i, x := range list {
		if x == a {
			return i
		}
	}
	return -1
}

func assertConservation(t *testing.T, f *fixture, parties []vesting.Address, ids []vesting.TransferID, now vesting.Timestamp) {
	t.Helper()

	deposited, paid, locked := vesting.Amount{}, vesting.Amount{}, vesting.Amount{}
	for _, id := range ids {
		tr := f.transfer(t, id)
		rel := vesting.Releasable(tr, now)
		require.False(t, tr.Claimed.GreaterThan(rel), "claimed <= releasable for %d", id)
		require.False(t, rel.GreaterThan(tr.Total), "releasable <= total for %d", id)

		deposited = deposited.Add(tr.Total)
		paid = paid.Add(tr.Claimed).Add(tr.Refunded)
		locked = locked.Add(tr.Outstanding())
	}
	require.True(t, deposited.Equal(paid.Add(locked)), "deposited %s != paid %s + locked %s", deposited, paid, locked)
	require.True(t, f.bank.Reserve(token).Equal(locked), "reserve %s != locked %s", f.bank.Reserve(token), locked)

	held := vesting.Amount{}
	for _, p := range parties {
		held = held.Add(f.bank.BalanceOf(p, token))
		require.NoError(t, f.engine.Reconcile(f.ctx, p))
	}
	require.True(t, held.Add(locked).Equal(amt(3*funded)), "supply changed")
}
