package vesting

import (
	"context"
	"iter"
)

// =============================================================================
// QUERY INTERFACE - Read-only projections over committed state
// =============================================================================

func (e *Engine) GetTransfer(ctx context.Context, id TransferID) (Transfer, error) {
	return e.loadTransfer(ctx, e.store, "get", id)
}

// Transfers returns a lazy sequence of transfers matching filter, ordered by
// id. Storage is read page by page as the sequence is consumed, and each
// range over the result starts again from the beginning.
//
// A storage error is yielded once as the final element.
func (e *Engine) Transfers(ctx context.Context, filter TransferFilter) iter.Seq2[Transfer, error] {
	if filter.Recipient.IsSome() || filter.Sender.IsSome() {
		return e.indexedTransfers(ctx, filter)
	}
	return func(yield func(Transfer, error) bool) {
		var after TransferID
		for {
			page, err := e.store.ScanTransfers(ctx, after, e.limits.PageSize)
			if err != nil {
				yield(Transfer{}, err)
				return
			}
			for _, t := range page {
				after = t.ID
				if !filter.Match(t) {
					continue
				}
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < e.limits.PageSize {
				return
			}
		}
	}
}

// indexedTransfers walks the recipient or sender index instead of the
// whole table.
func (e *Engine) indexedTransfers(ctx context.Context, filter TransferFilter) iter.Seq2[Transfer, error] {
	return func(yield func(Transfer, error) bool) {
		var (
			ids []TransferID
			err error
		)
		if filter.Recipient.IsSome() {
			ids, err = e.store.TransfersByRecipient(ctx, filter.Recipient.Unwrap())
		} else {
			ids, err = e.store.TransfersBySender(ctx, filter.Sender.Unwrap())
		}
		if err != nil {
			yield(Transfer{}, err)
			return
		}
		for _, id := range ids {
			t, err := e.store.GetTransfer(ctx, id)
			if err != nil {
				yield(Transfer{}, err)
				return
			}
			if !filter.Match(t) {
				continue
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

// Collect drains a transfer sequence, stopping at the first error.
func Collect(seq iter.Seq2[Transfer, error]) ([]Transfer, error) {
	out := []Transfer{}
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
