package custody_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/vesting"
)

const tok vesting.TokenID = "VEST-a1b2c3"

func TestBank_DepositAndPayout(t *testing.T) {
	ctx := context.Background()
	b := custody.NewBank()
	b.Mint("alice", tok, vesting.NewAmount(100))

	require.NoError(t, b.Deposit(ctx, "alice", tok, vesting.NewAmount(60)))
	assert.Equal(t, "40", b.BalanceOf("alice", tok).String())
	assert.Equal(t, "60", b.Reserve(tok).String())

	require.NoError(t, b.Payout(ctx, "bob", tok, vesting.NewAmount(25)))
	assert.Equal(t, "25", b.BalanceOf("bob", tok).String())
	assert.Equal(t, "35", b.Reserve(tok).String())

	assert.Equal(t, []vesting.Payout{{Token: tok, Amount: vesting.NewAmount(25)}}, b.Holdings("bob"))
}

func TestBank_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	b := custody.NewBank()
	b.Mint("alice", tok, vesting.NewAmount(10))

	assert.ErrorIs(t, b.Deposit(ctx, "alice", tok, vesting.NewAmount(11)), vesting.ErrInsufficientFunds)
	assert.ErrorIs(t, b.Payout(ctx, "bob", tok, vesting.NewAmount(1)), vesting.ErrInsufficientFunds)
	assert.Equal(t, "10", b.BalanceOf("alice", tok).String())
}

func TestBank_Freeze(t *testing.T) {
	ctx := context.Background()
	b := custody.NewBank()
	b.Mint("alice", tok, vesting.NewAmount(10))
	b.Freeze("alice", true)

	err := b.Deposit(ctx, "alice", tok, vesting.NewAmount(1))
	assert.ErrorIs(t, err, vesting.ErrTransferRejected)
	assert.True(t, vesting.IsFundsError(err))

	b.Freeze("alice", false)
	assert.NoError(t, b.Deposit(ctx, "alice", tok, vesting.NewAmount(1)))
}

func TestBank_HoldingsSortedAndNonZero(t *testing.T) {
	b := custody.NewBank()
	b.Mint("alice", "ZED-000001", vesting.NewAmount(1))
	b.Mint("alice", "ABC-000001", vesting.NewAmount(2))
	b.Mint("alice", "NIL-000001", vesting.NewAmount(0))

	h := b.Holdings("alice")
	require.Len(t, h, 2)
	assert.Equal(t, vesting.TokenID("ABC-000001"), h[0].Token)
	assert.Equal(t, vesting.TokenID("ZED-000001"), h[1].Token)
}
