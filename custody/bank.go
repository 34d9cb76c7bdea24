/*
Package custody provides an in-memory fungible token bank.

PURPOSE:
  Stands in for the host's token protocol. Holds per-address balances of
  every token and a contract reserve per token. The vesting engine deposits
  into the reserve when a transfer is created and pays out of it on cancel
  and claim.

RULES:
  - Deposit moves amount from an address to the reserve.
    Fails with ErrInsufficientFunds if the address holds less.
  - Payout moves amount from the reserve to an address.
    Fails with ErrInsufficientFunds if the reserve holds less.
  - A frozen address rejects both directions with ErrTransferRejected.

USAGE:
  bank := custody.NewBank()
  bank.Mint("alice", "VEST-a1b2c3", vesting.NewAmount(1000))
  engine := vesting.NewEngine(store, bank, limits, log)
*/
package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/vesting-engine/vesting"
)

var _ vesting.Custody = (*Bank)(nil)

type holding struct {
	addr  vesting.Address
	token vesting.TokenID
}

// Bank is safe for concurrent use.
type Bank struct {
	mu       sync.Mutex
	balances map[holding]vesting.Amount
	reserve  map[vesting.TokenID]vesting.Amount
	frozen   map[vesting.Address]bool
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[holding]vesting.Amount),
		reserve:  make(map[vesting.TokenID]vesting.Amount),
		frozen:   make(map[vesting.Address]bool),
	}
}

// Mint credits amount of token to addr out of thin air.
func (b *Bank) Mint(addr vesting.Address, token vesting.TokenID, amount vesting.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := holding{addr, token}
	b.balances[k] = b.balances[k].Add(amount)
}

// Freeze makes every movement touching addr fail with ErrTransferRejected.
func (b *Bank) Freeze(addr vesting.Address, frozen bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if frozen {
		b.frozen[addr] = true
	} else {
		delete(b.frozen, addr)
	}
}

func (b *Bank) BalanceOf(addr vesting.Address, token vesting.TokenID) vesting.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[holding{addr, token}]
}

// Holdings returns every non-zero balance of addr, ordered by token.
func (b *Bank) Holdings(addr vesting.Address) []vesting.Payout {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []vesting.Payout{}
	for k, v := range b.balances {
		if k.addr == addr && !v.IsZero() {
			out = append(out, vesting.Payout{Token: k.token, Amount: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Reserve returns what the contract holds of token.
func (b *Bank) Reserve(token vesting.TokenID) vesting.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserve[token]
}

func (b *Bank) Deposit(_ context.Context, from vesting.Address, token vesting.TokenID, amount vesting.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen[from] {
		return fmt.Errorf("%w: %s is frozen", vesting.ErrTransferRejected, from)
	}
	k := holding{from, token}
	have := b.balances[k]
	if have.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", vesting.ErrInsufficientFunds, from, have, token, amount)
	}
	b.balances[k] = have.Sub(amount)
	b.reserve[token] = b.reserve[token].Add(amount)
	return nil
}

func (b *Bank) Payout(_ context.Context, to vesting.Address, token vesting.TokenID, amount vesting.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen[to] {
		return fmt.Errorf("%w: %s is frozen", vesting.ErrTransferRejected, to)
	}
	have := b.reserve[token]
	if have.LessThan(amount) {
		return fmt.Errorf("%w: reserve holds %s %s, needs %s", vesting.ErrInsufficientFunds, have, token, amount)
	}
	b.reserve[token] = have.Sub(amount)
	k := holding{to, token}
	b.balances[k] = b.balances[k].Add(amount)
	return nil
}
