package sqlite_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/store/sqlite"
	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/storetest"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) vesting.TxStore { return newStore(t) })
}

func TestStore_DuplicateCallIsRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordCall(ctx, "c1", 1))
	assert.ErrorIs(t, s.RecordCall(ctx, "c1", 2), vesting.ErrDuplicateCall)
}

func TestStore_SurvivesReopen(t *testing.T) {
	// GIVEN: an engine on a file database with one executed, half-claimed transfer
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vesting.db")
	log := logrus.New()
	log.SetOutput(io.Discard)

	bank := custody.NewBank()
	bank.Mint("alice", "VEST-a1b2c3", vesting.NewAmount(1000))

	s, err := sqlite.New(path)
	require.NoError(t, err)
	engine := vesting.NewEngine(s, bank, vesting.DefaultLimits(), logrus.NewEntry(log))

	id, err := engine.CreateTransfer(ctx, vesting.Call{Caller: "alice", Timestamp: 0}, vesting.CreateTransferInput{
		Recipient: "bob",
		Token:     "VEST-a1b2c3",
		Amount:    vesting.NewAmount(1000),
		Schedule:  vesting.LinearSchedule(0, 1000),
	})
	require.NoError(t, err)
	require.NoError(t, engine.ExecuteTransfer(ctx, vesting.Call{Caller: "alice", Timestamp: 0}, id))
	_, err = engine.ClaimBalances(ctx, vesting.Call{Caller: "bob", Timestamp: 500})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: reopened
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()
	engine = vesting.NewEngine(s, bank, vesting.DefaultLimits(), logrus.NewEntry(log))

	// THEN: the state and the tracked accounts are intact
	tr, err := engine.GetTransfer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "500", tr.Claimed.String())
	assert.Equal(t, vesting.StatusExecuting, tr.Status)
	assert.NoError(t, engine.Reconcile(ctx, "bob"))

	res, err := engine.ClaimBalances(ctx, vesting.Call{Caller: "bob", Timestamp: 1000})
	require.NoError(t, err)
	assert.Equal(t, "500", res.Total.String())
}
