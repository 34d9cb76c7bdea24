package store_test

import (
	"testing"

	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/store"
	"github.com/warp/vesting-engine/vesting/storetest"
)

func TestTxMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) vesting.TxStore {
		return store.NewTxMemory()
	})
}
