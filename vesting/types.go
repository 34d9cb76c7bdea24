/*
Package vesting provides the vested-transfer engine.

PURPOSE:
  A sender locks a quantity of a fungible token for a recipient. The amount
  is released over time by a vesting schedule, the recipient claims what has
  vested, and the sender may cancel to recover what has not. The engine keeps
  exact token conservation across any number of transfers sharing one store.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: unsigned arbitrary precision token quantity
  - Address, TokenID, TransferID: type-safe identifiers
  - Timestamp: host-supplied seconds, never sampled from the wall clock
  - Call: who is calling, when, and under which call id

DESIGN PRINCIPLES:
  1. Host-driven: caller identity and time come in with every call
  2. Precision: decimal.Decimal holding integers only, no float anywhere
  3. Validate-then-commit: every operation checks everything before it writes
  4. Replay resistance: committed call ids are remembered and rejected

USAGE:
  engine := vesting.NewEngine(store.NewTxMemory(), bank, vesting.DefaultLimits(), log)
  id, err := engine.CreateTransfer(ctx, vesting.Call{Caller: "alice", Timestamp: 0}, vesting.CreateTransferInput{
      Recipient: "bob",
      Token:     "VEST-a1b2c3",
      Amount:    vesting.NewAmount(1000),
      Schedule:  vesting.LinearSchedule(0, 1000),
  })

SEE ALSO:
  - schedule.go: Releasable amount computation
  - engine.go: State machine (create / execute / cancel / claim)
  - balance.go: Per-address balance accounting
  - store.go: Persistence interface
*/
package vesting

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Unsigned integer token quantity
// =============================================================================

// Amount is a non-negative integral token quantity. The zero value is 0.
type Amount struct {
	Value decimal.Decimal
}

func NewAmount(v int64) Amount {
	if v < 0 {
		panic("vesting: negative amount")
	}
	return Amount{Value: decimal.NewFromInt(v)}
}

// ParseAmount parses a base-10 integer string. Fractions and negatives are rejected.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Truncate(0)) {
		return Amount{}, fmt.Errorf("%w: %q is not integral", ErrInvalidAmount, s)
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for literals and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) IsZero() bool               { return a.Value.IsZero() }
func (a Amount) IsPositive() bool           { return a.Value.IsPositive() }
func (a Amount) Add(b Amount) Amount        { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Equal(b Amount) bool        { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool  { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool     { return a.Value.LessThan(b.Value) }
func (a Amount) Cmp(b Amount) int           { return a.Value.Cmp(b.Value) }
func (a Amount) String() string             { return a.Value.String() }
func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Sub returns a-b, saturating at zero. Callers that need to detect
// underflow use CheckedSub.
func (a Amount) Sub(b Amount) Amount {
	if b.GreaterThan(a) {
		return Amount{Value: decimal.Zero}
	}
	return Amount{Value: a.Value.Sub(b.Value)}
}

// CheckedSub returns a-b, or ErrBalanceMismatch if b > a.
func (a Amount) CheckedSub(b Amount) (Amount, error) {
	if b.GreaterThan(a) {
		return Amount{}, fmt.Errorf("%w: %s - %s underflows", ErrBalanceMismatch, a, b)
	}
	return Amount{Value: a.Value.Sub(b.Value)}, nil
}

// MulDiv returns floor(a * num / den). den must be positive.
func (a Amount) MulDiv(num, den uint64) Amount {
	n := a.Value.Mul(fromUint64(num))
	q, _ := n.QuoRem(fromUint64(den), 0)
	return Amount{Value: q}
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Value.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Accept bare JSON numbers as well.
		s = string(b)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds up a list of amounts.
func Sum(amounts ...Amount) Amount {
	total := Amount{Value: decimal.Zero}
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type Address string

// MaxAddressLength bounds addresses in bytes.
const MaxAddressLength = 128

// Valid reports whether a is non-empty, bounded and free of control bytes.
func (a Address) Valid() bool {
	if a == "" || len(a) > MaxAddressLength {
		return false
	}
	for i := 0; i < len(a); i++ {
		if c := a[i]; c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

type TransferID uint64

func (id TransferID) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseTransferID parses the decimal form produced by String.
func ParseTransferID(s string) (TransferID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: bad transfer id %q", ErrInvalidInput, s)
	}
	return TransferID(n), nil
}

// TokenID identifies a fungible token: the native "EGLD" or an ESDT
// identifier of the form TICKER-abcdef.
type TokenID string

const NativeToken TokenID = "EGLD"

var tokenPattern = regexp.MustCompile(`^[A-Z0-9]{3,10}-[0-9a-f]{6}$`)

func (t TokenID) Valid() bool {
	return t == NativeToken || tokenPattern.MatchString(string(t))
}

// Timestamp is a host block timestamp in seconds.
type Timestamp uint64

// =============================================================================
// CALL - Host-supplied execution context
// =============================================================================

// Call carries what the host knows about the current transaction.
// ID is optional; when set, the engine refuses to commit it twice.
type Call struct {
	Caller    Address
	Timestamp Timestamp
	ID        string
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusCreated   Status = "created"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusExecuting, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}
