/*
engine.go - Transfer state machine

PURPOSE:
  Enforces the legal transitions of a transfer and applies their effects to
  the store and to custody. One exported method per host entry point.

STATE MACHINE:
  Created --execute--> Executing --(claims reach total)--> Completed
  Created|Executing --cancel--> Cancelled

  Completed and Cancelled are absorbing: execute and cancel fail with
  ErrAlreadyTerminal. A Cancelled transfer keeps whatever had vested at the
  moment of cancellation claimable by the recipient.

CALL PROTOCOL (every operation):
  1. Validate inputs that need no storage
  2. Open a store transaction
  3. Check the host clock did not go backwards and the call id is fresh
  4. Read, validate, compute new records and pending custody movements
  5. Write records, meta and call id
  6. Run custody movements; any failure rolls back the store

  Nothing is written before every precondition has been checked.
*/
package vesting

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// LIMITS
// =============================================================================

// Limits bound amounts and durations so that arithmetic stays sane.
type Limits struct {
	MaxSupply   Amount
	MaxDuration uint64 // seconds
	PageSize    int
}

const tenYears = 10 * 365 * 24 * 60 * 60

func DefaultLimits() Limits {
	return Limits{
		// 20M tokens with 18 decimals.
		MaxSupply:   Amount{Value: decimal.New(2, 25)},
		MaxDuration: tenYears,
		PageSize:    100,
	}
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store   TxStore
	custody Custody
	limits  Limits
	admins  map[Address]bool
	log     *logrus.Entry
}

// NewEngine wires an engine. admins may execute and cancel any transfer.
func NewEngine(store TxStore, custody Custody, limits Limits, log *logrus.Entry, admins ...Address) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	def := DefaultLimits()
	if limits.PageSize <= 0 {
		limits.PageSize = def.PageSize
	}
	if limits.MaxSupply.IsZero() {
		limits.MaxSupply = def.MaxSupply
	}
	if limits.MaxDuration == 0 {
		limits.MaxDuration = def.MaxDuration
	}
	e := &Engine{
		store:   store,
		custody: custody,
		limits:  limits,
		admins:  make(map[Address]bool, len(admins)),
		log:     log.WithField("component", "vesting"),
	}
	for _, a := range admins {
		e.admins[a] = true
	}
	return e
}

func (e *Engine) Limits() Limits { return e.limits }

func (e *Engine) IsAdmin(a Address) bool { return e.admins[a] }

// run executes fn as one atomic call. fn returns the custody movements to
// perform once its writes are staged.
func (e *Engine) run(ctx context.Context, call Call, fn func(s Store, meta *Meta) ([]movement, error)) error {
	if call.Caller == "" {
		return fmt.Errorf("%w: missing caller", ErrUnauthorized)
	}
	if !call.Caller.Valid() {
		return fmt.Errorf("%w: malformed caller %q", ErrUnauthorized, call.Caller)
	}
	return e.store.WithTx(ctx, func(s Store) error {
		meta, err := s.LoadMeta(ctx)
		if err != nil {
			return err
		}
		if call.Timestamp < meta.LastTimestamp {
			return fmt.Errorf("%w: %d < %d", ErrClockRegression, call.Timestamp, meta.LastTimestamp)
		}
		if call.ID != "" {
			seen, err := s.HasCall(ctx, call.ID)
			if err != nil {
				return err
			}
			if seen {
				return fmt.Errorf("%w: %s", ErrDuplicateCall, call.ID)
			}
		}

		moves, err := fn(s, &meta)
		if err != nil {
			return err
		}

		meta.LastTimestamp = call.Timestamp
		if err := s.SaveMeta(ctx, meta); err != nil {
			return err
		}
		if call.ID != "" {
			if err := s.RecordCall(ctx, call.ID, call.Timestamp); err != nil {
				return err
			}
		}
		for _, m := range moves {
			if err := m.apply(ctx, e.custody); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) loadTransfer(ctx context.Context, s Store, op string, id TransferID) (Transfer, error) {
	t, err := s.GetTransfer(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return Transfer{}, &StateError{Op: op, ID: id, Err: ErrNotFound}
		}
		return Transfer{}, err
	}
	return t, nil
}

func (e *Engine) authorize(op string, t Transfer, caller Address) error {
	if caller == t.Sender || e.admins[caller] {
		return nil
	}
	return &StateError{Op: op, ID: t.ID, Status: t.Status, Caller: caller, Err: ErrUnauthorized}
}

// adjust applies fn to the account of (addr, token) and writes it back.
func adjust(ctx context.Context, s Store, addr Address, token TokenID, fn func(*Account) error) error {
	a, err := s.GetAccount(ctx, addr, token)
	if err != nil {
		return err
	}
	a.Address, a.Token = addr, token
	if err := fn(&a); err != nil {
		return err
	}
	return s.PutAccount(ctx, a)
}

// =============================================================================
// CREATE
// =============================================================================

type CreateTransferInput struct {
	Recipient Address
	Token     TokenID
	Amount    Amount
	Schedule  Schedule
	// Start defaults to the call timestamp and may not lie in the past.
	Start optional.Option[Timestamp]
}

func (e *Engine) validateCreate(call Call, in CreateTransferInput) (Timestamp, error) {
	if in.Recipient == "" {
		return 0, fmt.Errorf("%w: missing recipient", ErrInvalidInput)
	}
	if !in.Recipient.Valid() {
		return 0, fmt.Errorf("%w: malformed recipient %q", ErrInvalidInput, in.Recipient)
	}
	if in.Recipient == call.Caller {
		return 0, fmt.Errorf("%w: recipient equals sender", ErrInvalidInput)
	}
	if !in.Token.Valid() {
		return 0, fmt.Errorf("%w: bad token identifier %q", ErrInvalidInput, in.Token)
	}
	if !in.Amount.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !in.Amount.Value.Equal(in.Amount.Value.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount must be integral", ErrInvalidAmount)
	}
	if in.Amount.GreaterThan(e.limits.MaxSupply) {
		return 0, fmt.Errorf("%w: %s exceeds max supply %s", ErrInvalidAmount, in.Amount, e.limits.MaxSupply)
	}
	if err := in.Schedule.Validate(e.limits.MaxDuration); err != nil {
		return 0, err
	}

	start := call.Timestamp
	if in.Start.IsSome() {
		start = in.Start.Unwrap()
		if start < call.Timestamp {
			return 0, &ScheduleError{Reason: fmt.Sprintf("start %d is before now %d", start, call.Timestamp)}
		}
		if uint64(start-call.Timestamp) > e.limits.MaxDuration {
			return 0, &ScheduleError{Reason: "start too far in the future"}
		}
	}
	if uint64(start) > math.MaxUint64-in.Schedule.End() {
		return 0, &ScheduleError{Reason: "schedule end overflows"}
	}
	return start, nil
}

// CreateTransfer escrows in.Amount from the caller and records a Created
// transfer to in.Recipient. Returns the new id.
func (e *Engine) CreateTransfer(ctx context.Context, call Call, in CreateTransferInput) (TransferID, error) {
	start, err := e.validateCreate(call, in)
	if err != nil {
		e.log.WithError(err).WithField("caller", call.Caller).Debug("create rejected")
		return 0, err
	}

	var id TransferID
	err = e.run(ctx, call, func(s Store, meta *Meta) ([]movement, error) {
		id = meta.NextID
		meta.NextID++

		t := Transfer{
			ID:        id,
			Sender:    call.Caller,
			Recipient: in.Recipient,
			Token:     in.Token,
			Total:     in.Amount,
			Start:     start,
			Schedule:  in.Schedule,
			Status:    StatusCreated,
			CreatedAt: call.Timestamp,
		}
		if err := s.PutTransfer(ctx, t); err != nil {
			return nil, err
		}
		if err := adjust(ctx, s, t.Recipient, t.Token, func(a *Account) error {
			a.Locked = a.Locked.Add(t.Total)
			return nil
		}); err != nil {
			return nil, err
		}
		if err := adjust(ctx, s, t.Sender, t.Token, func(a *Account) error {
			a.Escrowed = a.Escrowed.Add(t.Total)
			return nil
		}); err != nil {
			return nil, err
		}
		return []movement{{deposit: true, addr: t.Sender, token: t.Token, amount: t.Total}}, nil
	})
	if err != nil {
		e.log.WithError(err).WithField("caller", call.Caller).Debug("create failed")
		return 0, err
	}

	e.log.WithFields(logrus.Fields{
		"transfer_id": id,
		"caller":      call.Caller,
		"recipient":   in.Recipient,
		"token":       in.Token,
		"amount":      in.Amount.String(),
	}).Info("transfer created")
	return id, nil
}

// =============================================================================
// EXECUTE
// =============================================================================

// ExecuteTransfer activates a Created transfer so that claims become
// possible. Only the sender or an admin may execute. No balance changes.
func (e *Engine) ExecuteTransfer(ctx context.Context, call Call, id TransferID) error {
	err := e.run(ctx, call, func(s Store, _ *Meta) ([]movement, error) {
		t, err := e.loadTransfer(ctx, s, "execute", id)
		if err != nil {
			return nil, err
		}
		if err := e.authorize("execute", t, call.Caller); err != nil {
			return nil, err
		}
		switch {
		case t.Status.Terminal():
			return nil, &StateError{Op: "execute", ID: id, Status: t.Status, Err: ErrAlreadyTerminal}
		case t.Status != StatusCreated:
			return nil, &StateError{Op: "execute", ID: id, Status: t.Status, Err: ErrInvalidState}
		}

		t.Status = StatusExecuting
		t.ExecutedAt = call.Timestamp
		return nil, s.PutTransfer(ctx, t)
	})
	if err != nil {
		e.log.WithError(err).WithField("transfer_id", id).Debug("execute failed")
		return err
	}
	e.log.WithFields(logrus.Fields{"transfer_id": id, "caller": call.Caller}).Info("transfer executed")
	return nil
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelTransfer stops a non-terminal transfer. The amount vested at
// this instant stays claimable by the recipient; the unvested remainder is
// paid back to the sender.
func (e *Engine) CancelTransfer(ctx context.Context, call Call, id TransferID) error {
	var refund Amount
	err := e.run(ctx, call, func(s Store, _ *Meta) ([]movement, error) {
		t, err := e.loadTransfer(ctx, s, "cancel", id)
		if err != nil {
			return nil, err
		}
		if err := e.authorize("cancel", t, call.Caller); err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return nil, &StateError{Op: "cancel", ID: id, Status: t.Status, Err: ErrAlreadyTerminal}
		}

		vested := t.Schedule.Releasable(t.Total, t.Start, call.Timestamp)
		refund, err = t.Total.CheckedSub(vested)
		if err != nil {
			return nil, err
		}

		t.Status = StatusCancelled
		t.CancelledAt = call.Timestamp
		t.VestedAtCancel = vested
		t.Refunded = refund
		if err := s.PutTransfer(ctx, t); err != nil {
			return nil, err
		}
		if refund.IsZero() {
			return nil, nil
		}

		if err := adjust(ctx, s, t.Recipient, t.Token, func(a *Account) error {
			a.Locked, err = a.Locked.CheckedSub(refund)
			return err
		}); err != nil {
			return nil, err
		}
		if err := adjust(ctx, s, t.Sender, t.Token, func(a *Account) error {
			a.Refunded = a.Refunded.Add(refund)
			a.Escrowed, err = a.Escrowed.CheckedSub(refund)
			return err
		}); err != nil {
			return nil, err
		}
		return []movement{{addr: t.Sender, token: t.Token, amount: refund}}, nil
	})
	if err != nil {
		e.log.WithError(err).WithField("transfer_id", id).Debug("cancel failed")
		return err
	}
	e.log.WithFields(logrus.Fields{
		"transfer_id": id,
		"caller":      call.Caller,
		"refund":      refund.String(),
	}).Info("transfer cancelled")
	return nil
}

// =============================================================================
// CLAIM
// =============================================================================

// Payout is the amount of one token paid by a claim.
type Payout struct {
	Token  TokenID `json:"token"`
	Amount Amount  `json:"amount"`
}

// TransferClaim is the share of a claim coming from one transfer.
type TransferClaim struct {
	ID     TransferID `json:"id"`
	Token  TokenID    `json:"token"`
	Amount Amount     `json:"amount"`
	Status Status     `json:"status"`
}

// ClaimResult aggregates one ClaimBalances call. Payouts holds the
// per-token breakdown. Total is the amount paid in Token when the claim
// paid a single token; amounts of different tokens are never added, so a
// multi-token claim leaves Total zero and Token empty.
type ClaimResult struct {
	Recipient Address         `json:"recipient"`
	Token     TokenID         `json:"token,omitempty"`
	Total     Amount          `json:"total"`
	Payouts   []Payout        `json:"payouts"`
	Transfers []TransferClaim `json:"transfers"`
}

// ClaimBalances pays the caller everything that has vested and is still
// unclaimed across all transfers it receives. Nothing to claim is not an
// error: the result is zero.
func (e *Engine) ClaimBalances(ctx context.Context, call Call) (ClaimResult, error) {
	var result ClaimResult
	err := e.run(ctx, call, func(s Store, _ *Meta) ([]movement, error) {
		result = ClaimResult{Recipient: call.Caller, Payouts: []Payout{}, Transfers: []TransferClaim{}}

		ids, err := s.TransfersByRecipient(ctx, call.Caller)
		if err != nil {
			return nil, err
		}

		byToken := make(map[TokenID]Amount)
		var updated []Transfer
		for _, id := range ids {
			t, err := e.loadTransfer(ctx, s, "claim", id)
			if err != nil {
				return nil, err
			}
			if t.Recipient != call.Caller {
				e.log.WithFields(logrus.Fields{"transfer_id": t.ID, "caller": call.Caller}).Warn("recipient index returned a foreign transfer")
				continue
			}
			delta := t.Claimable(call.Timestamp)
			if delta.IsZero() {
				continue
			}
			t.Claimed = t.Claimed.Add(delta)
			if t.Claimed.GreaterThan(Releasable(t, call.Timestamp)) {
				return nil, fmt.Errorf("%w: transfer %d over-claimed", ErrBalanceMismatch, t.ID)
			}
			if t.Status == StatusExecuting && t.Claimed.Equal(t.Total) {
				t.Status = StatusCompleted
			}
			updated = append(updated, t)
			byToken[t.Token] = byToken[t.Token].Add(delta)
			result.Transfers = append(result.Transfers, TransferClaim{ID: t.ID, Token: t.Token, Amount: delta, Status: t.Status})
		}

		for i, t := range updated {
			delta := result.Transfers[i].Amount
			if err := s.PutTransfer(ctx, t); err != nil {
				return nil, err
			}
			if err := adjust(ctx, s, t.Recipient, t.Token, func(a *Account) error {
				a.Available = a.Available.Add(delta)
				a.Locked, err = a.Locked.CheckedSub(delta)
				return err
			}); err != nil {
				return nil, err
			}
			if err := adjust(ctx, s, t.Sender, t.Token, func(a *Account) error {
				a.Escrowed, err = a.Escrowed.CheckedSub(delta)
				return err
			}); err != nil {
				return nil, err
			}
		}

		tokens := make([]TokenID, 0, len(byToken))
		for tok := range byToken {
			tokens = append(tokens, tok)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

		moves := make([]movement, 0, len(tokens))
		for _, tok := range tokens {
			amt := byToken[tok]
			result.Payouts = append(result.Payouts, Payout{Token: tok, Amount: amt})
			moves = append(moves, movement{addr: call.Caller, token: tok, amount: amt})
		}
		if len(result.Payouts) == 1 {
			result.Token = result.Payouts[0].Token
			result.Total = result.Payouts[0].Amount
		}
		return moves, nil
	})
	if err != nil {
		e.log.WithError(err).WithField("caller", call.Caller).Debug("claim failed")
		return ClaimResult{}, err
	}

	if len(result.Payouts) > 0 {
		e.log.WithFields(logrus.Fields{
			"caller":    call.Caller,
			"tokens":    len(result.Payouts),
			"transfers": len(result.Transfers),
		}).Info("balances claimed")
	}
	return result, nil
}
