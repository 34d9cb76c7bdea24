package vesting

import (
	"github.com/moznion/go-optional"
)

// =============================================================================
// TRANSFER - A vested token lock from sender to recipient
// =============================================================================

// Transfer is owned by the store and indexed by ID. Total never changes
// after creation; Claimed only grows.
type Transfer struct {
	ID        TransferID `json:"id"`
	Sender    Address    `json:"sender"`
	Recipient Address    `json:"recipient"`
	Token     TokenID    `json:"token"`
	Total     Amount     `json:"total"`
	Start     Timestamp  `json:"start"`
	Schedule  Schedule   `json:"schedule"`
	Claimed   Amount     `json:"claimed"`
	Status    Status     `json:"status"`

	CreatedAt   Timestamp `json:"created_at"`
	ExecutedAt  Timestamp `json:"executed_at,omitempty"`
	CancelledAt Timestamp `json:"cancelled_at,omitempty"`

	// Set on cancellation: the releasable amount frozen at that instant,
	// and the unvested remainder returned to the sender.
	VestedAtCancel Amount `json:"vested_at_cancel"`
	Refunded       Amount `json:"refunded"`
}

// Entitlement is the most the recipient can ever receive from t.
func (t Transfer) Entitlement() Amount {
	if t.Status == StatusCancelled {
		return t.VestedAtCancel
	}
	return t.Total
}

// Outstanding is what the contract still holds for t: entitlement not yet claimed.
func (t Transfer) Outstanding() Amount {
	return t.Entitlement().Sub(t.Claimed)
}

// Claimable is what a claim at now would pay out.
func (t Transfer) Claimable(now Timestamp) Amount {
	switch t.Status {
	case StatusExecuting, StatusCancelled:
		return Releasable(t, now).Sub(t.Claimed)
	}
	return Amount{}
}

// =============================================================================
// FILTER
// =============================================================================

// TransferFilter narrows Transfers. Unset fields match everything.
type TransferFilter struct {
	Sender    optional.Option[Address]
	Recipient optional.Option[Address]
	Token     optional.Option[TokenID]
	Status    optional.Option[Status]
}

func (f TransferFilter) Match(t Transfer) bool {
	if f.Sender.IsSome() && f.Sender.Unwrap() != t.Sender {
		return false
	}
	if f.Recipient.IsSome() && f.Recipient.Unwrap() != t.Recipient {
		return false
	}
	if f.Token.IsSome() && f.Token.Unwrap() != t.Token {
		return false
	}
	if f.Status.IsSome() && f.Status.Unwrap() != t.Status {
		return false
	}
	return true
}
