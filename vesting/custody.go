package vesting

import "context"

// Custody moves tokens between addresses and the contract. The engine
// never defines the token protocol itself; it only asks custody to escrow
// in on creation and pay out on cancel or claim.
//
// Implementations return errors wrapping ErrInsufficientFunds or
// ErrTransferRejected.
type Custody interface {
	Deposit(ctx context.Context, from Address, token TokenID, amount Amount) error
	Payout(ctx context.Context, to Address, token TokenID, amount Amount) error
}

// movement is a custody call deferred until every store write of the
// current call has been computed.
type movement struct {
	deposit bool
	addr    Address
	token   TokenID
	amount  Amount
}

func (m movement) apply(ctx context.Context, c Custody) error {
	var err error
	op := "payout"
	if m.deposit {
		op = "deposit"
		err = c.Deposit(ctx, m.addr, m.token, m.amount)
	} else {
		err = c.Payout(ctx, m.addr, m.token, m.amount)
	}
	if err != nil {
		return &FundsError{Op: op, Address: m.addr, Token: m.token, Amount: m.amount, Err: err}
	}
	return nil
}
