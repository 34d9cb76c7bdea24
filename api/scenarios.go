/*
scenarios.go - Demo scenarios for exploring the engine

PURPOSE:
  Seeds the in-memory bank and the engine with ready made transfers so that
  a UI or a curl session has something to look at. Every scenario goes
  through the public engine operations, so it doubles as a smoke test.

SCENARIOS:
  linear-basic:  alice locks 1000 for bob over 1000s, executed
  cliff:         alice locks 1000 for bob, 100s cliff then 900s linear
  quarterly:     alice locks 4000 for carol in four quarterly milestones
  cancelled:     alice locks 1000 for bob and cancels it a moment later

  Timestamps are relative to the clock at load time.

SEE ALSO:
  - handlers.go: Handler and host call construction
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/moznion/go-optional"
	"github.com/warp/vesting-engine/vesting"
)

const DemoToken vesting.TokenID = "VEST-a1b2c3"

const (
	demoAlice vesting.Address = "erd1alice"
	demoBob   vesting.Address = "erd1bob"
	demoCarol vesting.Address = "erd1carol"
)

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler, now vesting.Timestamp) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{ID: "linear-basic", Name: "Linear", Description: "1000 tokens vesting linearly over 1000 seconds"},
		load: func(ctx context.Context, h *Handler, now vesting.Timestamp) error {
			return h.seedTransfer(ctx, now, demoAlice, demoBob, 1000, vesting.LinearSchedule(0, 1000), true)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "cliff", Name: "Cliff", Description: "100 second cliff, then 900 seconds linear"},
		load: func(ctx context.Context, h *Handler, now vesting.Timestamp) error {
			return h.seedTransfer(ctx, now, demoAlice, demoBob, 1000, vesting.LinearSchedule(100, 900), true)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "quarterly", Name: "Quarterly", Description: "4000 tokens in four quarterly milestones"},
		load: func(ctx context.Context, h *Handler, now vesting.Timestamp) error {
			s, err := h.Schedules.FromJSON(h.Schedules.QuarterlyJSON(4))
			if err != nil {
				return err
			}
			return h.seedTransfer(ctx, now, demoAlice, demoCarol, 4000, s, true)
		},
	},
	{
		ScenarioDTO: ScenarioDTO{ID: "cancelled", Name: "Cancelled", Description: "A transfer cancelled before anything vested"},
		load: func(ctx context.Context, h *Handler, now vesting.Timestamp) error {
			if err := h.seedTransfer(ctx, now, demoAlice, demoBob, 1000, vesting.LinearSchedule(60, 600), true); err != nil {
				return err
			}
			sent, err := vesting.Collect(h.Engine.Transfers(ctx, vesting.TransferFilter{Sender: optional.Some(demoAlice)}))
			if err != nil {
				return err
			}
			last := sent[len(sent)-1]
			return h.Engine.CancelTransfer(ctx, vesting.Call{Caller: demoAlice, Timestamp: now}, last.ID)
		},
	},
}

// seedTransfer mints what the sender needs and runs create (and execute).
func (h *Handler) seedTransfer(ctx context.Context, now vesting.Timestamp, from, to vesting.Address, amount int64, s vesting.Schedule, execute bool) error {
	total := vesting.NewAmount(amount)
	h.Bank.Mint(from, DemoToken, total)

	c := vesting.Call{Caller: from, Timestamp: now}
	id, err := h.Engine.CreateTransfer(ctx, c, vesting.CreateTransferInput{
		Recipient: to,
		Token:     DemoToken,
		Amount:    total,
		Schedule:  s,
	})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if execute {
		if err := h.Engine.ExecuteTransfer(ctx, c, id); err != nil {
			return fmt.Errorf("execute %d: %w", id, err)
		}
	}
	return nil
}

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the last loaded scenario id.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	id := h.currentScenario
	h.scenarioMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": id})
}

// LoadScenario seeds the engine with a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireBank(w) {
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()
	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		if err := s.load(r.Context(), h, h.Clock.Now()); err != nil {
			writeEngineError(w, "Failed to load scenario", err)
			return
		}
		h.currentScenario = s.ID
		h.log.WithField("scenario", s.ID).Info("scenario loaded")
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
}
