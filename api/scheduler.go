/*
scheduler.go - Periodic balance reconciliation

PURPOSE:
  Walks every address that appears in a transfer and checks that the
  incrementally tracked accounts agree with a full recomputation. Any
  mismatch is a bug in the engine or a corrupted store; it is logged at
  Error and kept in the run history.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Reads committed state only; never writes
  - Keeps the most recent runs in memory for GET /api/reconciliation/runs

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - vesting/balance.go: Reconcile
*/
package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/vesting-engine/vesting"
)

const maxRuns = 20

// ReconciliationScheduler periodically reconciles every known address.
type ReconciliationScheduler struct {
	Engine        *vesting.Engine
	CheckInterval time.Duration
	Enabled       bool

	log    *logrus.Entry
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   []ReconciliationRunDTO
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(engine *vesting.Engine, log *logrus.Entry) *ReconciliationScheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReconciliationScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.WithField("component", "reconciler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.WithField("interval", rs.CheckInterval).Info("started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	if rs.ticker == nil {
		rs.mu.Unlock()
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.ticker = nil
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.log.Info("stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			rs.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs one sweep and records it.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) ReconciliationRunDTO {
	run := ReconciliationRunDTO{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		Mismatches: []string{},
	}

	addrs, err := rs.addresses(ctx)
	if err != nil {
		run.Error = err.Error()
		rs.log.WithError(err).Error("failed to enumerate addresses")
	}
	run.Addresses = len(addrs)

	for _, addr := range addrs {
		if err := rs.Engine.Reconcile(ctx, addr); err != nil {
			run.Mismatches = append(run.Mismatches, err.Error())
			rs.log.WithError(err).WithField("address", addr).Error("reconciliation mismatch")
		}
	}

	rs.log.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"addresses":  run.Addresses,
		"mismatches": len(run.Mismatches),
	}).Info("reconciliation finished")

	rs.mu.Lock()
	rs.runs = append(rs.runs, run)
	if len(rs.runs) > maxRuns {
		rs.runs = rs.runs[len(rs.runs)-maxRuns:]
	}
	rs.mu.Unlock()
	return run
}

// Runs returns the recorded runs, newest first.
func (rs *ReconciliationScheduler) Runs() []ReconciliationRunDTO {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]ReconciliationRunDTO, len(rs.runs))
	for i, r := range rs.runs {
		out[len(rs.runs)-1-i] = r
	}
	return out
}

func (rs *ReconciliationScheduler) addresses(ctx context.Context) ([]vesting.Address, error) {
	seen := make(map[vesting.Address]bool)
	for t, err := range rs.Engine.Transfers(ctx, vesting.TransferFilter{}) {
		if err != nil {
			return nil, err
		}
		seen[t.Sender] = true
		seen[t.Recipient] = true
	}
	out := make([]vesting.Address, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListRuns returns recent reconciliation runs.
// GET /api/reconciliation/runs
func (rs *ReconciliationScheduler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rs.Runs())
}

// Trigger runs a sweep synchronously.
// POST /api/reconciliation/run
func (rs *ReconciliationScheduler) Trigger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rs.RunOnce(r.Context()))
}
