/*
Package sqlite provides a SQLite-backed implementation of vesting.TxStore.

PURPOSE:
  Durable storage for transfers, per-address accounts and host metadata.
  The same schema ports to PostgreSQL with minor dialect changes.

KEY TABLES:
  transfers: one row per transfer, schedule milestones as JSON
  accounts:  incrementally tracked balances per (address, token)
  meta:      single row holding the id counter and last call timestamp
  calls:     ids of applied host calls, for replay protection

INDEXES:
  - idx_transfers_recipient: claim and balance hot path
  - idx_transfers_sender:    sender queries and balances

AMOUNTS:
  Stored as decimal TEXT. Base-unit amounts exceed 64 bits.

CONCURRENCY:
  Uses sync.RWMutex. WithTx holds the write lock for the whole callback and
  every read inside the callback goes through the same *sql.Tx, so a call
  sees its own uncommitted writes. View holds the read lock for its whole
  callback.

WAL MODE:
  Opened with WAL so readers do not block the single writer.

USAGE:
  store, err := sqlite.New("./data/vesting.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := vesting.NewEngine(store, bank, limits, log)

SEE ALSO:
  - vesting/store.go: Interface definitions
  - vesting/store/memory.go: In-memory implementation for testing
  - store/leveldb: Embedded key-value alternative
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/vesting-engine/vesting"
)

var _ vesting.TxStore = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements vesting.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.HasPrefix(dbPath, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		token TEXT NOT NULL,
		total TEXT NOT NULL,
		start INTEGER NOT NULL,
		cliff INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		milestones_json TEXT,
		claimed TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		executed_at INTEGER NOT NULL DEFAULT 0,
		cancelled_at INTEGER NOT NULL DEFAULT 0,
		vested_at_cancel TEXT NOT NULL DEFAULT '0',
		refunded TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_recipient
		ON transfers(recipient, id);
	CREATE INDEX IF NOT EXISTS idx_transfers_sender
		ON transfers(sender, id);

	CREATE TABLE IF NOT EXISTS accounts (
		address TEXT NOT NULL,
		token TEXT NOT NULL,
		locked TEXT NOT NULL,
		escrowed TEXT NOT NULL,
		available TEXT NOT NULL,
		refunded TEXT NOT NULL,
		PRIMARY KEY (address, token)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		next_id INTEGER NOT NULL,
		last_timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (vesting.Store interface)
// =============================================================================

func (s *Store) GetTransfer(ctx context.Context, id vesting.TransferID) (vesting.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransfer(ctx, s.db, id)
}

func (s *Store) PutTransfer(ctx context.Context, t vesting.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putTransfer(ctx, s.db, t)
}

func (s *Store) ScanTransfers(ctx context.Context, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanTransfers(ctx, s.db, after, limit)
}

func (s *Store) TransfersByRecipient(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transferIDs(ctx, s.db, "recipient", addr)
}

func (s *Store) TransfersBySender(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transferIDs(ctx, s.db, "sender", addr)
}

func (s *Store) GetAccount(ctx context.Context, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, addr, token)
}

func (s *Store) PutAccount(ctx context.Context, a vesting.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putAccount(ctx, s.db, a)
}

func (s *Store) Accounts(ctx context.Context, addr vesting.Address) ([]vesting.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return accounts(ctx, s.db, addr)
}

func (s *Store) LoadMeta(ctx context.Context) (vesting.Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadMeta(ctx, s.db)
}

func (s *Store) SaveMeta(ctx context.Context, meta vesting.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveMeta(ctx, s.db, meta)
}

func (s *Store) HasCall(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasCall(ctx, s.db, id)
}

func (s *Store) RecordCall(ctx context.Context, id string, at vesting.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordCall(ctx, s.db, id, at)
}

// =============================================================================
// TRANSACTIONAL STORE (vesting.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The
// transaction is detached from ctx cancellation: once fn has succeeded,
// custody has moved tokens and the commit must happen.
func (s *Store) WithTx(ctx context.Context, fn func(store vesting.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// View runs fn on committed state while holding off every commit.
func (s *Store) View(ctx context.Context, fn func(store vesting.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(vesting.ReadOnly(&txStore{tx: s.db}))
}

// txStore runs the Store methods on one querier: the transaction inside
// WithTx, the plain handle inside View.
type txStore struct {
	tx querier
}

func (ts *txStore) GetTransfer(ctx context.Context, id vesting.TransferID) (vesting.Transfer, error) {
	return getTransfer(ctx, ts.tx, id)
}

func (ts *txStore) PutTransfer(ctx context.Context, t vesting.Transfer) error {
	return putTransfer(ctx, ts.tx, t)
}

func (ts *txStore) ScanTransfers(ctx context.Context, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	return scanTransfers(ctx, ts.tx, after, limit)
}

func (ts *txStore) TransfersByRecipient(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	return transferIDs(ctx, ts.tx, "recipient", addr)
}

func (ts *txStore) TransfersBySender(ctx context.Context, addr vesting.Address) ([]vesting.TransferID, error) {
	return transferIDs(ctx, ts.tx, "sender", addr)
}

func (ts *txStore) GetAccount(ctx context.Context, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	return getAccount(ctx, ts.tx, addr, token)
}

func (ts *txStore) PutAccount(ctx context.Context, a vesting.Account) error {
	return putAccount(ctx, ts.tx, a)
}

func (ts *txStore) Accounts(ctx context.Context, addr vesting.Address) ([]vesting.Account, error) {
	return accounts(ctx, ts.tx, addr)
}

func (ts *txStore) LoadMeta(ctx context.Context) (vesting.Meta, error) {
	return loadMeta(ctx, ts.tx)
}

func (ts *txStore) SaveMeta(ctx context.Context, meta vesting.Meta) error {
	return saveMeta(ctx, ts.tx, meta)
}

func (ts *txStore) HasCall(ctx context.Context, id string) (bool, error) {
	return hasCall(ctx, ts.tx, id)
}

func (ts *txStore) RecordCall(ctx context.Context, id string, at vesting.Timestamp) error {
	return recordCall(ctx, ts.tx, id, at)
}

// =============================================================================
// TRANSFERS
// =============================================================================

const transferColumns = `id, sender, recipient, token, total, start, cliff, duration,
	milestones_json, claimed, status, created_at, executed_at, cancelled_at,
	vested_at_cancel, refunded`

func putTransfer(ctx context.Context, q querier, t vesting.Transfer) error {
	var milestones sql.NullString
	if t.Schedule.IsMilestone() {
		data, err := json.Marshal(t.Schedule.Milestones)
		if err != nil {
			return fmt.Errorf("failed to encode milestones: %w", err)
		}
		milestones = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			claimed = excluded.claimed,
			status = excluded.status,
			executed_at = excluded.executed_at,
			cancelled_at = excluded.cancelled_at,
			vested_at_cancel = excluded.vested_at_cancel,
			refunded = excluded.refunded
	`
	_, err := q.ExecContext(ctx, query,
		int64(t.ID),
		string(t.Sender),
		string(t.Recipient),
		string(t.Token),
		t.Total.String(),
		int64(t.Start),
		int64(t.Schedule.Cliff),
		int64(t.Schedule.Duration),
		milestones,
		t.Claimed.String(),
		string(t.Status),
		int64(t.CreatedAt),
		int64(t.ExecutedAt),
		int64(t.CancelledAt),
		t.VestedAtCancel.String(),
		t.Refunded.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer %d: %w", t.ID, err)
	}
	return nil
}

func getTransfer(ctx context.Context, q querier, id vesting.TransferID) (vesting.Transfer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, int64(id))
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return vesting.Transfer{}, vesting.ErrNotFound
	}
	return t, err
}

func scanTransfers(ctx context.Context, q querier, after vesting.TransferID, limit int) ([]vesting.Transfer, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id > ? ORDER BY id ASC LIMIT ?`,
		int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []vesting.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// transferIDs reads one of the two address indexes. column is never user input.
func transferIDs(ctx context.Context, q querier, column string, addr vesting.Address) ([]vesting.TransferID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM transfers WHERE `+column+` = ? ORDER BY id ASC`, string(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers by %s: %w", column, err)
	}
	defer rows.Close()

	ids := []vesting.TransferID{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, vesting.TransferID(id))
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row scanner) (vesting.Transfer, error) {
	var (
		t                                      vesting.Transfer
		id, start, cliff, duration             int64
		createdAt, executedAt, cancelledAt     int64
		sender, recipient, token, status       string
		total, claimed, vestedAtCancel, refund string
		milestones                             sql.NullString
	)

	err := row.Scan(
		&id, &sender, &recipient, &token, &total, &start, &cliff, &duration,
		&milestones, &claimed, &status, &createdAt, &executedAt, &cancelledAt,
		&vestedAtCancel, &refund,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan transfer: %w", err)
	}

	t.ID = vesting.TransferID(id)
	t.Sender = vesting.Address(sender)
	t.Recipient = vesting.Address(recipient)
	t.Token = vesting.TokenID(token)
	t.Start = vesting.Timestamp(start)
	t.Schedule = vesting.Schedule{Cliff: uint64(cliff), Duration: uint64(duration)}
	t.Status = vesting.Status(status)
	t.CreatedAt = vesting.Timestamp(createdAt)
	t.ExecutedAt = vesting.Timestamp(executedAt)
	t.CancelledAt = vesting.Timestamp(cancelledAt)

	if milestones.Valid && milestones.String != "" {
		if err := json.Unmarshal([]byte(milestones.String), &t.Schedule.Milestones); err != nil {
			return t, fmt.Errorf("failed to decode milestones of transfer %d: %w", id, err)
		}
	}

	for _, f := range []struct {
		dst *vesting.Amount
		src string
	}{
		{&t.Total, total},
		{&t.Claimed, claimed},
		{&t.VestedAtCancel, vestedAtCancel},
		{&t.Refunded, refund},
	} {
		if *f.dst, err = vesting.ParseAmount(f.src); err != nil {
			return t, fmt.Errorf("transfer %d: %w", id, err)
		}
	}
	return t, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func putAccount(ctx context.Context, q querier, a vesting.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (address, token, locked, escrowed, available, refunded)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, token) DO UPDATE SET
			locked = excluded.locked,
			escrowed = excluded.escrowed,
			available = excluded.available,
			refunded = excluded.refunded
	`,
		string(a.Address), string(a.Token),
		a.Locked.String(), a.Escrowed.String(), a.Available.String(), a.Refunded.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func getAccount(ctx context.Context, q querier, addr vesting.Address, token vesting.TokenID) (vesting.Account, error) {
	row := q.QueryRowContext(ctx, `
		SELECT address, token, locked, escrowed, available, refunded
		FROM accounts WHERE address = ? AND token = ?
	`, string(addr), string(token))

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return vesting.Account{Address: addr, Token: token}, nil
	}
	return a, err
}

func accounts(ctx context.Context, q querier, addr vesting.Address) ([]vesting.Account, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT address, token, locked, escrowed, available, refunded
		FROM accounts WHERE address = ? ORDER BY token ASC
	`, string(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []vesting.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (vesting.Account, error) {
	var (
		a                                     vesting.Account
		addr, token                           string
		locked, escrowed, available, refunded string
	)
	if err := row.Scan(&addr, &token, &locked, &escrowed, &available, &refunded); err != nil {
		return a, err
	}
	a.Address = vesting.Address(addr)
	a.Token = vesting.TokenID(token)

	var err error
	for _, f := range []struct {
		dst *vesting.Amount
		src string
	}{
		{&a.Locked, locked},
		{&a.Escrowed, escrowed},
		{&a.Available, available},
		{&a.Refunded, refunded},
	} {
		if *f.dst, err = vesting.ParseAmount(f.src); err != nil {
			return a, fmt.Errorf("account %s %s: %w", addr, token, err)
		}
	}
	return a, nil
}

// =============================================================================
// META AND CALLS
// =============================================================================

const metaKey = "engine"

func loadMeta(ctx context.Context, q querier) (vesting.Meta, error) {
	var nextID, last int64
	err := q.QueryRowContext(ctx,
		`SELECT next_id, last_timestamp FROM meta WHERE key = ?`, metaKey,
	).Scan(&nextID, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return vesting.InitialMeta(), nil
	}
	if err != nil {
		return vesting.Meta{}, fmt.Errorf("failed to load meta: %w", err)
	}
	return vesting.Meta{NextID: vesting.TransferID(nextID), LastTimestamp: vesting.Timestamp(last)}, nil
}

func saveMeta(ctx context.Context, q querier, meta vesting.Meta) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, next_id, last_timestamp) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			next_id = excluded.next_id,
			last_timestamp = excluded.last_timestamp
	`, metaKey, int64(meta.NextID), int64(meta.LastTimestamp))
	if err != nil {
		return fmt.Errorf("failed to save meta: %w", err)
	}
	return nil
}

func hasCall(ctx context.Context, q querier, id string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls WHERE id = ?`, id).Scan(&count)
	return count > 0, err
}

func recordCall(ctx context.Context, q querier, id string, at vesting.Timestamp) error {
	_, err := q.ExecContext(ctx, `INSERT INTO calls (id, at) VALUES (?, ?)`, id, int64(at))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", vesting.ErrDuplicateCall, id)
		}
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

// Reset deletes all data. For testing only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"transfers", "accounts", "meta", "calls"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
