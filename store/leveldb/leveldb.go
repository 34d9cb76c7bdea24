/*
Package leveldb provides an embedded key-value implementation of
vesting.TxStore on top of goleveldb.

PURPOSE:
  Single-file-tree deployment without SQL. Every record is JSON under a
  one byte prefix; address indexes are empty-valued keys so that prefix
  iteration yields transfer ids in ascending order.

TRANSACTIONS:
  WithTx buffers writes in a leveldb.Batch and a pending overlay. Reads
  inside the callback see the overlay first, then the read cache, then the
  database. Prefix iteration merges database keys with pending keys. The
  batch is written atomically on success and simply dropped on error.
  View holds the read lock for a whole callback, so aggregate reads never
  see half of a commit.

READ CACHE:
  An LRU keyed by raw key holds recently read or committed values. It is
  only updated after a successful commit, so an aborted transaction never
  leaks into it.

USAGE:
  store, err := leveldb.New("./data/vesting", 1024)
  defer store.Close()

SEE ALSO:
  - keys.go: Key layout
  - store/sqlite: Relational alternative
*/
package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	ldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/warp/vesting-engine/vesting"
)

var _ vesting.TxStore = (*Store)(nil)

const DefaultCacheSize = 1024

type Store struct {
	mu    sync.RWMutex
	db    *ldb.DB
	cache *lru.Cache
}

// New opens or creates a database directory at path.
func New(path string, cacheSize int) (*Store, error) {
	db, err := ldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %s: %w", path, err)
	}
	return wrap(db, cacheSize)
}

// Open uses an explicit storage backend, e.g. storage.NewMemStorage() in tests.
func Open(stor storage.Storage, cacheSize int) (*Store, error) {
	db, err := ldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return wrap(db, cacheSize)
}

func wrap(db *ldb.DB, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cache: cache}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// get reads committed state through the cache.
func (s *Store) get(key []byte) ([]byte, error) {
	if v, ok := s.cache.Get(string(key)); ok {
		return v.([]byte), nil
	}
	v, err := s.db.Get(key, nil)
	if err != nil {
		return nil, err
	}
	s.cache.Add(string(key), v)
	return v, nil
}

// =============================================================================
// STORE (vesting.Store interface)
// =============================================================================

// Reads run on a view without a batch; writes each run in their own
// transaction.

func (s *Store) read() *view { return &view{s: s} }

func (s *Store) GetTransfer(ctx context.Context, id vesting.TransferID) (vesting.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetTransfer(ctx, id)
}

func (s *Store) PutTransfer(ctx context.Context, t vesting.Transfer) error {
	return s.WithTx(ctx, func(tx vesting.Store) error { return tx.PutTransfer(ctx, t) })
}

func (s *Store) ScanTransfers(ctx context.Context, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ScanTransfers(ctx, after, limit)
}

func (s *Store) TransfersByRecipient(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().TransfersByRecipient(ctx, addr)
}

func (s *Store) TransfersBySender(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().TransfersBySender(ctx, addr)
}

func (s *Store) GetAccount(ctx context.Context, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetAccount(ctx, addr, token)
}

func (s *Store) PutAccount(ctx context.Context, a vesting.Account) error {
	return s.WithTx(ctx, func(tx vesting.Store) error { return tx.PutAccount(ctx, a) })
}

func (s *Store) Accounts(ctx context.Context, addr vesting.Address) ([]vesting.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().Accounts(ctx, addr)
}

func (s *Store) LoadMeta(ctx context.Context) (vesting.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().LoadMeta(ctx)
}

func (s *Store) SaveMeta(ctx context.Context, meta vesting.Meta) error {
	return s.WithTx(ctx, func(tx vesting.Store) error { return tx.SaveMeta(ctx, meta) })
}

func (s *Store) HasCall(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().HasCall(ctx, id)
}

func (s *Store) RecordCall(ctx context.Context, id string, at vesting.Timestamp) error {
	return s.WithTx(ctx, func(tx vesting.Store) error { return tx.RecordCall(ctx, id, at) })
}

// =============================================================================
// TRANSACTIONAL STORE (vesting.TxStore interface)
// =============================================================================

// WithTx runs fn against a buffered view and commits the batch if fn
// succeeds. A cancelled ctx does not stop the commit once fn has returned.
func (s *Store) WithTx(ctx context.Context, fn func(vesting.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &view{s: s, batch: new(ldb.Batch), pending: make(map[string][]byte)}
	if err := fn(v); err != nil {
		return err
	}
	if v.batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(v.batch, nil); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	for k, val := range v.pending {
		s.cache.Add(k, val)
	}
	return nil
}

// View runs fn on committed state while holding off every commit.
func (s *Store) View(ctx context.Context, fn func(vesting.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(vesting.ReadOnly(s.read()))
}

// =============================================================================
// VIEW - Committed state plus an optional pending overlay
// =============================================================================

type view struct {
	s       *Store
	batch   *ldb.Batch
	pending map[string][]byte
}

func (v *view) get(key []byte) ([]byte, error) {
	if val, ok := v.pending[string(key)]; ok {
		return val, nil
	}
	return v.s.get(key)
}

func (v *view) put(key, value []byte) {
	v.pending[string(key)] = value
	v.batch.Put(key, value)
}

func (v *view) getJSON(key []byte, dst any) (bool, error) {
	data, err := v.get(key)
	if errors.Is(err, ldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

func (v *view) putJSON(key []byte, src any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	v.put(key, data)
	return nil
}

// keys returns every key in r, committed or pending, in ascending order.
func (v *view) keys(r *ldb_util.Range) ([][]byte, error) {
	var out [][]byte
	seen := make(map[string]bool)

	it := v.s.db.NewIterator(r, nil)
	for it.Next() {
		k := append([]byte{}, it.Key()...)
		seen[string(k)] = true
		out = append(out, k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}

	merged := false
	for k := range v.pending {
		kb := []byte(k)
		if seen[k] || bytes.Compare(kb, r.Start) < 0 || (r.Limit != nil && bytes.Compare(kb, r.Limit) >= 0) {
			continue
		}
		out = append(out, kb)
		merged = true
	}
	if merged {
		sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	}
	return out, nil
}

func (v *view) GetTransfer(_ context.Context, id vesting.TransferID) (vesting.Transfer, error) {
	var t vesting.Transfer
	ok, err := v.getJSON(transferKey(id), &t)
	if err != nil {
		return vesting.Transfer{}, err
	}
	if !ok {
		return vesting.Transfer{}, vesting.ErrNotFound
	}
	return t, nil
}

func (v *view) PutTransfer(_ context.Context, t vesting.Transfer) error {
	if err := v.putJSON(transferKey(t.ID), t); err != nil {
		return err
	}
	// Index keys are idempotent; rewriting them on update is harmless.
	v.put(indexKey(prefixRecipient, t.Recipient, t.ID), []byte{})
	v.put(indexKey(prefixSender, t.Sender, t.ID), []byte{})
	return nil
}

func (v *view) ScanTransfers(ctx context.Context, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	if after == math.MaxUint64 {
		return nil, nil
	}
	r := &ldb_util.Range{Start: transferKey(after + 1), Limit: prefixTransfer.Range().Limit}
	keys, err := v.keys(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]vesting.Transfer, 0, len(keys))
	for _, k := range keys {
		t, err := v.GetTransfer(ctx, idFromTransferKey(k))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (v *view) indexed(p prefix, addr vesting.Address) ([]vesting.TransferID, error) {
	keys, err := v.keys(ldb_util.BytesPrefix(indexPrefix(p, addr)))
	if err != nil {
		return nil, err
	}
	ids := make([]vesting.TransferID, len(keys))
	for i, k := range keys {
		ids[i] = idFromIndexKey(k)
	}
	return ids, nil
}

func (v *view) TransfersByRecipient(_ context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	return v.indexed(prefixRecipient, addr)
}

func (v *view) TransfersBySender(_ context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	return v.indexed(prefixSender, addr)
}

func (v *view) GetAccount(_ context.Context, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	a := vesting.Account{Address: addr, Token: token}
	if _, err := v.getJSON(accountKey(addr, token), &a); err != nil {
		return vesting.Account{}, err
	}
	return a, nil
}

func (v *view) PutAccount(_ context.Context, a vesting.Account) error {
	return v.putJSON(accountKey(a.Address, a.Token), a)
}

func (v *view) Accounts(_ context.Context, addr vesting.Address) ([]vesting.Account, error) {
	keys, err := v.keys(ldb_util.BytesPrefix(accountPrefix(addr)))
	if err != nil {
		return nil, err
	}
	var out []vesting.Account
	for _, k := range keys {
		var a vesting.Account
		if _, err := v.getJSON(k, &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (v *view) LoadMeta(_ context.Context) (vesting.Meta, error) {
	meta := vesting.InitialMeta()
	if _, err := v.getJSON(metaKey(), &meta); err != nil {
		return vesting.Meta{}, err
	}
	return meta, nil
}

func (v *view) SaveMeta(_ context.Context, meta vesting.Meta) error {
	return v.putJSON(metaKey(), meta)
}

func (v *view) HasCall(_ context.Context, id string) (bool, error) {
	_, err := v.get(callKey(id))
	if errors.Is(err, ldb.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (v *view) RecordCall(_ context.Context, id string, at vesting.Timestamp) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(at))
	v.put(callKey(id), b)
	return nil
}
