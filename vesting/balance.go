/*
balance.go - Per-address balance accounting

PURPOSE:
  Answers "what does this address have?" for every token it is involved in.

BALANCE COMPONENTS (per token):
  Locked:    entitlement not yet claimed, over transfers received
  Claimable: vested but not yet claimed, over Executing and Cancelled
             transfers received (a Created transfer is not claimable yet)
  Available: paid out to this address by claims, never decreases
  Escrowed:  Locked seen from the sender side
  Refunded:  returned to this address as sender by cancellations

TWO COMPUTATIONS:
  ComputeBalances scans every transfer referencing the address. This is the
  ground truth and what queries return.

  The engine also maintains an Account per (address, token) on every
  transition. Reconcile compares the two; any difference is a bug.

CONSERVATION:
  For every token: deposits = claims + refunds + Σ locked
*/
package vesting

import (
	"context"
	"fmt"
	"sort"
)

// AddressBalance is the balance of one address in one token.
type AddressBalance struct {
	Token     TokenID `json:"token"`
	Locked    Amount  `json:"locked"`
	Claimable Amount  `json:"claimable"`
	Available Amount  `json:"available"`
	Escrowed  Amount  `json:"escrowed"`
	Refunded  Amount  `json:"refunded"`
}

// AddressBalances groups the per-token balances of an address at AsOf.
type AddressBalances struct {
	Address Address          `json:"address"`
	AsOf    Timestamp        `json:"as_of"`
	Tokens  []AddressBalance `json:"tokens"`
}

// Token returns the balance for token, zero if the address never touched it.
func (b AddressBalances) Token(token TokenID) AddressBalance {
	for _, t := range b.Tokens {
		if t.Token == token {
			return t
		}
	}
	return AddressBalance{Token: token}
}

// ComputeBalances recomputes the balances of addr at now from the
// transfers that reference it. Pass a View store for a consistent result.
// Transfers whose parties do not match addr are ignored.
func ComputeBalances(ctx context.Context, s Store, addr Address, now Timestamp) (AddressBalances, error) {
	byToken := make(map[TokenID]*AddressBalance)
	get := func(tok TokenID) *AddressBalance {
		b, ok := byToken[tok]
		if !ok {
			b = &AddressBalance{Token: tok}
			byToken[tok] = b
		}
		return b
	}

	received, err := s.TransfersByRecipient(ctx, addr)
	if err != nil {
		return AddressBalances{}, err
	}
	for _, id := range received {
		t, err := s.GetTransfer(ctx, id)
		if err != nil {
			return AddressBalances{}, err
		}
		if t.Recipient != addr {
			continue
		}
		b := get(t.Token)
		b.Locked = b.Locked.Add(t.Outstanding())
		b.Claimable = b.Claimable.Add(t.Claimable(now))
		b.Available = b.Available.Add(t.Claimed)
	}

	sent, err := s.TransfersBySender(ctx, addr)
	if err != nil {
		return AddressBalances{}, err
	}
	for _, id := range sent {
		t, err := s.GetTransfer(ctx, id)
		if err != nil {
			return AddressBalances{}, err
		}
		if t.Sender != addr {
			continue
		}
		b := get(t.Token)
		b.Escrowed = b.Escrowed.Add(t.Outstanding())
		b.Refunded = b.Refunded.Add(t.Refunded)
	}

	out := AddressBalances{Address: addr, AsOf: now, Tokens: make([]AddressBalance, 0, len(byToken))}
	for _, b := range byToken {
		out.Tokens = append(out.Tokens, *b)
	}
	sort.Slice(out.Tokens, func(i, j int) bool { return out.Tokens[i].Token < out.Tokens[j].Token })
	return out, nil
}

// AddressBalances returns the balances of addr at now from one committed
// state.
func (e *Engine) AddressBalances(ctx context.Context, addr Address, now Timestamp) (AddressBalances, error) {
	var out AddressBalances
	err := e.store.View(ctx, func(s Store) error {
		var err error
		out, err = ComputeBalances(ctx, s, addr, now)
		return err
	})
	return out, err
}

// TrackedAccounts returns the incrementally maintained accounts of addr.
func (e *Engine) TrackedAccounts(ctx context.Context, addr Address) ([]Account, error) {
	return e.store.Accounts(ctx, addr)
}

// Reconcile checks that the tracked accounts of addr agree with a full scan.
// Both sides are read from the same committed state.
func (e *Engine) Reconcile(ctx context.Context, addr Address) error {
	var (
		scanned AddressBalances
		tracked []Account
	)
	err := e.store.View(ctx, func(s Store) error {
		var err error
		// Claimable is not tracked, so any timestamp will do.
		if scanned, err = ComputeBalances(ctx, s, addr, 0); err != nil {
			return err
		}
		tracked, err = s.Accounts(ctx, addr)
		return err
	})
	if err != nil {
		return err
	}

	want := make(map[TokenID]Account)
	for _, b := range scanned.Tokens {
		want[b.Token] = Account{
			Address:   addr,
			Token:     b.Token,
			Locked:    b.Locked,
			Escrowed:  b.Escrowed,
			Available: b.Available,
			Refunded:  b.Refunded,
		}
	}
	for _, a := range tracked {
		w := want[a.Token]
		delete(want, a.Token)
		if !sameAccount(a, w) {
			return fmt.Errorf("%w: %s %s tracked %+v scanned %+v", ErrBalanceMismatch, addr, a.Token, summary(a), summary(w))
		}
	}
	for tok, w := range want {
		if !w.IsZero() {
			return fmt.Errorf("%w: %s %s untracked %+v", ErrBalanceMismatch, addr, tok, summary(w))
		}
	}
	return nil
}

func sameAccount(a, b Account) bool {
	return a.Locked.Equal(b.Locked) &&
		a.Escrowed.Equal(b.Escrowed) &&
		a.Available.Equal(b.Available) &&
		a.Refunded.Equal(b.Refunded)
}

func summary(a Account) map[string]string {
	return map[string]string{
		"locked":    a.Locked.String(),
		"escrowed":  a.Escrowed.String(),
		"available": a.Available.String(),
		"refunded":  a.Refunded.String(),
	}
}
