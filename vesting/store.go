/*
store.go - Persistence interface for transfers, accounts and host metadata

PURPOSE:
  Defines the boundary between the state machine and durable state. The
  store is an explicit object handed to every operation; the engine never
  touches global state.

KEY INTERFACES:
  Store:   Keyed access to transfers, per-address indexes, accounts, meta
  TxStore: Store plus WithTx for all-or-nothing application of one call

LAYOUT:
  transfer id            -> Transfer
  recipient, id          -> (index)
  sender, id             -> (index)
  address, token         -> Account
  meta                   -> Meta (next id, last timestamp)
  call id                -> committed marker (replay protection)

ATOMICITY:
  The engine runs each call inside WithTx. Implementations buffer or
  journal writes so that an error returned from fn leaves no trace.
  Aggregate reads (balances, reconciliation) run inside View so that they
  never straddle a commit.

IMPLEMENTATIONS:
  - vesting/store/memory.go: In-memory, snapshot + rollback
  - store/sqlite/sqlite.go:  SQLite tables
  - store/leveldb/leveldb.go: LevelDB prefixes with batch commit
*/
package vesting

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// GetTransfer returns ErrNotFound for an unknown id.
	GetTransfer(ctx context.Context, id TransferID) (Transfer, error)

	// PutTransfer inserts or replaces a transfer and maintains the sender
	// and recipient indexes. Sender and recipient never change.
	PutTransfer(ctx context.Context, t Transfer) error

	// ScanTransfers returns up to limit transfers with id > after, ascending.
	ScanTransfers(ctx context.Context, after TransferID, limit int) ([]Transfer, error)

	// TransfersByRecipient and TransfersBySender return ids ascending.
	TransfersByRecipient(ctx context.Context, addr Address) ([]TransferID, error)
	TransfersBySender(ctx context.Context, addr Address) ([]TransferID, error)

	// GetAccount returns a zero account (not an error) when none exists.
	GetAccount(ctx context.Context, addr Address, token TokenID) (Account, error)
	PutAccount(ctx context.Context, a Account) error
	// Accounts returns every account of addr ordered by token.
	Accounts(ctx context.Context, addr Address) ([]Account, error)

	LoadMeta(ctx context.Context) (Meta, error)
	SaveMeta(ctx context.Context, m Meta) error

	HasCall(ctx context.Context, id string) (bool, error)
	RecordCall(ctx context.Context, id string, at Timestamp) error
}

// TxStore wraps Store with transaction support.
// If fn returns an error nothing it wrote is kept. Once fn has returned nil
// the unit commits even if ctx is cancelled by then: custody has already
// moved tokens and the store must record it.
//
// View runs fn against one consistent committed state; no unit commits
// while fn runs. Writes inside View fail with ErrReadOnly.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
	View(ctx context.Context, fn func(Store) error) error
}

// ReadOnly wraps s so that every write fails with ErrReadOnly.
func ReadOnly(s Store) Store { return readOnly{s} }

type readOnly struct{ Store }

func (readOnly) PutTransfer(context.Context, Transfer) error         { return ErrReadOnly }
func (readOnly) PutAccount(context.Context, Account) error           { return ErrReadOnly }
func (readOnly) SaveMeta(context.Context, Meta) error                { return ErrReadOnly }
func (readOnly) RecordCall(context.Context, string, Timestamp) error { return ErrReadOnly }

// =============================================================================
// RECORDS
// =============================================================================

// Account is the incrementally maintained balance of one address in one
// token. Claimable is time dependent and is never stored.
type Account struct {
	Address Address `json:"address"`
	Token   TokenID `json:"token"`

	Locked    Amount `json:"locked"`    // held for this address as recipient
	Escrowed  Amount `json:"escrowed"`  // held from this address as sender
	Available Amount `json:"available"` // paid to this address by claims
	Refunded  Amount `json:"refunded"`  // returned to this address by cancels
}

func (a Account) IsZero() bool {
	return a.Locked.IsZero() && a.Escrowed.IsZero() && a.Available.IsZero() && a.Refunded.IsZero()
}

// Meta is the engine's singleton record.
type Meta struct {
	NextID        TransferID `json:"next_id"`
	LastTimestamp Timestamp  `json:"last_timestamp"`
}

// InitialMeta is returned by stores that have never been written.
func InitialMeta() Meta { return Meta{NextID: 1} }
