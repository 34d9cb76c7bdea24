// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/vesting-engine/vesting"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	transfers   map[vesting.TransferID]vesting.Transfer
	byRecipient map[vesting.Address][]vesting.TransferID
	bySender    map[vesting.Address][]vesting.TransferID
	accounts    map[accountKey]vesting.Account
	calls       map[string]vesting.Timestamp
	meta        vesting.Meta
}

type accountKey struct {
	Address vesting.Address
	Token   vesting.TokenID
}

func NewMemory() *Memory {
	return &Memory{
		transfers:   make(map[vesting.TransferID]vesting.Transfer),
		byRecipient: make(map[vesting.Address][]vesting.TransferID),
		bySender:    make(map[vesting.Address][]vesting.TransferID),
		accounts:    make(map[accountKey]vesting.Account),
		calls:       make(map[string]vesting.Timestamp),
		meta:        vesting.InitialMeta(),
	}
}

func (m *Memory) GetTransfer(_ context.Context, id vesting.TransferID) (vesting.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransferLocked(id)
}

func (m *Memory) PutTransfer(_ context.Context, t vesting.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putTransferLocked(t)
	return nil
}

func (m *Memory) ScanTransfers(_ context.Context, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanLocked(after, limit), nil
}

func (m *Memory) TransfersByRecipient(_ context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]vesting.TransferID{}, m.byRecipient[addr]...), nil
}

func (m *Memory) TransfersBySender(_ context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]vesting.TransferID{}, m.bySender[addr]...), nil
}

func (m *Memory) GetAccount(_ context.Context, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(addr, token), nil
}

func (m *Memory) PutAccount(_ context.Context, a vesting.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountKey{a.Address, a.Token}] = a
	return nil
}

func (m *Memory) Accounts(_ context.Context, addr vesting.Address) ([]vesting.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsLocked(addr), nil
}

func (m *Memory) LoadMeta(_ context.Context) (vesting.Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta, nil
}

func (m *Memory) SaveMeta(_ context.Context, meta vesting.Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = meta
	return nil
}

func (m *Memory) HasCall(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.calls[id]
	return ok, nil
}

func (m *Memory) RecordCall(_ context.Context, id string, at vesting.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id] = at
	return nil
}

// =============================================================================
// LOCKED HELPERS - Shared by Memory and the transactional view
// =============================================================================

func (m *Memory) getTransferLocked(id vesting.TransferID) (vesting.Transfer, error) {
	t, ok := m.transfers[id]
	if !ok {
		return vesting.Transfer{}, vesting.ErrNotFound
	}
	return t, nil
}

func (m *Memory) putTransferLocked(t vesting.Transfer) {
	if _, exists := m.transfers[t.ID]; !exists {
		m.byRecipient[t.Recipient] = insertID(m.byRecipient[t.Recipient], t.ID)
		m.bySender[t.Sender] = insertID(m.bySender[t.Sender], t.ID)
	}
	m.transfers[t.ID] = t
}

// insertID keeps ids sorted. Ids are allocated increasing, so this is
// almost always an append.
func insertID(ids []vesting.TransferID, id vesting.TransferID) []vesting.TransferID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func (m *Memory) scanLocked(after vesting.TransferID, limit int) []vesting.Transfer {
	ids := make([]vesting.TransferID, 0, len(m.transfers))
	for id := range m.transfers {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]vesting.Transfer, len(ids))
	for i, id := range ids {
		out[i] = m.transfers[id]
	}
	return out
}

func (m *Memory) getAccountLocked(addr vesting.Address, token vesting.TokenID) vesting.Account {
	a, ok := m.accounts[accountKey{addr, token}]
	if !ok {
		return vesting.Account{Address: addr, Token: token}
	}
	return a
}

func (m *Memory) accountsLocked(addr vesting.Address) []vesting.Account {
	var out []vesting.Account
	for k, a := range m.accounts {
		if k.Address == addr {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, every write inside fn journals the value it replaced;
// on error the journal is unwound newest first. Rollback costs what the
// call touched, not the size of the store.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(vesting.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	view := &txMemoryView{parent: tm}
	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	return nil
}

// View runs fn under the read lock, so no transaction commits meanwhile.
func (tm *TxMemory) View(ctx context.Context, fn func(vesting.Store) error) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return fn(vesting.ReadOnly(&txMemoryView{parent: tm}))
}

// txMemoryView is handed to fn while the parent lock is held.
type txMemoryView struct {
	parent *TxMemory
	undo   []func()
}

func (tv *txMemoryView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
	tv.undo = nil
}

func (tv *txMemoryView) journal(f func()) {
	tv.undo = append(tv.undo, f)
}

// removeID drops id from a sorted id list.
func removeID(ids []vesting.TransferID, id vesting.TransferID) []vesting.TransferID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		ids = append(ids[:i], ids[i+1:]...)
	}
	return ids
}

func (tv *txMemoryView) GetTransfer(_ context.Context, id vesting.TransferID) (vesting.Transfer, error) {
	return tv.parent.getTransferLocked(id)
}

func (tv *txMemoryView) PutTransfer(_ context.Context, t vesting.Transfer) error {
	m := tv.parent
	prev, existed := m.transfers[t.ID]
	tv.journal(func() {
		if existed {
			m.transfers[t.ID] = prev
			return
		}
		delete(m.transfers, t.ID)
		m.byRecipient[t.Recipient] = removeID(m.byRecipient[t.Recipient], t.ID)
		m.bySender[t.Sender] = removeID(m.bySender[t.Sender], t.ID)
	})
	m.putTransferLocked(t)
	return nil
}

func (tv *txMemoryView) ScanTransfers(_ context.Context, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	return tv.parent.scanLocked(after, limit), nil
}

func (tv *txMemoryView) TransfersByRecipient(_ context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	return append([]vesting.TransferID{}, tv.parent.byRecipient[addr]...), nil
}

func (tv *txMemoryView) TransfersBySender(_ context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	return append([]vesting.TransferID{}, tv.parent.bySender[addr]...), nil
}

func (tv *txMemoryView) GetAccount(_ context.Context, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	return tv.parent.getAccountLocked(addr, token), nil
}

func (tv *txMemoryView) PutAccount(_ context.Context, a vesting.Account) error {
	m := tv.parent
	k := accountKey{a.Address, a.Token}
	prev, existed := m.accounts[k]
	tv.journal(func() {
		if existed {
			m.accounts[k] = prev
		} else {
			delete(m.accounts, k)
		}
	})
	m.accounts[k] = a
	return nil
}

func (tv *txMemoryView) Accounts(_ context.Context, addr vesting.Address) ([]vesting.Account, error) {
	return tv.parent.accountsLocked(addr), nil
}

func (tv *txMemoryView) LoadMeta(_ context.Context) (vesting.Meta, error) {
	return tv.parent.meta, nil
}

func (tv *txMemoryView) SaveMeta(_ context.Context, meta vesting.Meta) error {
	m := tv.parent
	prev := m.meta
	tv.journal(func() { m.meta = prev })
	m.meta = meta
	return nil
}

func (tv *txMemoryView) HasCall(_ context.Context, id string) (bool, error) {
	_, ok := tv.parent.calls[id]
	return ok, nil
}

func (tv *txMemoryView) RecordCall(_ context.Context, id string, at vesting.Timestamp) error {
	m := tv.parent
	prev, existed := m.calls[id]
	tv.journal(func() {
		if existed {
			m.calls[id] = prev
		} else {
			delete(m.calls, id)
		}
	})
	m.calls[id] = at
	return nil
}
