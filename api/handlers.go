/*
handlers.go - HTTP API handlers for the vesting engine

PURPOSE:
  Exposes the vesting engine via REST API. The handler plays the host: it
  authenticates the caller, stamps every call with the clock and an id, and
  maps engine errors to HTTP statuses.

ENDPOINTS:
  Transfers:
    POST   /api/transfers                 Create a locked transfer
    GET    /api/transfers                 List, filtered by query params
    GET    /api/transfers/{id}            Transfer details
    POST   /api/transfers/{id}/execute    Activate a created transfer
    POST   /api/transfers/{id}/cancel     Cancel and refund the unvested part

  Claims and balances:
    POST   /api/claims                    Claim everything vested for the caller
    GET    /api/addresses/{address}/balances

  Custody (in-memory bank, dev only):
    POST   /api/custody/mint
    POST   /api/custody/freeze
    GET    /api/custody/{address}

HOST HEADERS:
  X-Caller         address of the caller, required on state changing calls
  Idempotency-Key  call id for replay protection; a uuid is generated if absent

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Insufficient funds
  - 403: Caller not allowed
  - 404: Transfer not found
  - 409: Conflict (state, replay, clock)
  - 422: Custody rejected the movement
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - vesting/engine.go: Operations behind each endpoint
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/sirupsen/logrus"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/factory"
	"github.com/warp/vesting-engine/vesting"
)

const (
	HeaderCaller         = "X-Caller"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// =============================================================================
// HOST CLOCK
// =============================================================================

// Clock supplies the timestamp of every call.
type Clock interface {
	Now() vesting.Timestamp
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() vesting.Timestamp

func (f ClockFunc) Now() vesting.Timestamp { return f() }

// SystemClock reads wall-clock seconds.
var SystemClock Clock = ClockFunc(func() vesting.Timestamp {
	return vesting.Timestamp(time.Now().Unix())
})

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *vesting.Engine
	Bank      *custody.Bank
	Schedules *factory.ScheduleFactory
	Clock     Clock

	validate *validator.Validate
	log      *logrus.Entry

	// scenarioMu serializes scenario loads and guards currentScenario.
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. bank may be nil when custody is external;
// the custody and scenario endpoints then answer 404.
func NewHandler(engine *vesting.Engine, bank *custody.Bank, clock Clock, log *logrus.Entry) *Handler {
	if clock == nil {
		clock = SystemClock
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		Engine:    engine,
		Bank:      bank,
		Schedules: factory.NewScheduleFactory(engine.Limits().MaxDuration),
		Clock:     clock,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log.WithField("component", "api"),
	}
}

// call builds the host call for r.
func (h *Handler) call(r *http.Request) vesting.Call {
	id := r.Header.Get(HeaderIdempotencyKey)
	if id == "" {
		id = uuid.NewString()
	}
	return vesting.Call{
		Caller:    vesting.Address(r.Header.Get(HeaderCaller)),
		Timestamp: h.Clock.Now(),
		ID:        id,
	}
}

// decode reads and validates a JSON body into dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func transferIDParam(w http.ResponseWriter, r *http.Request) (vesting.TransferID, bool) {
	id, err := vesting.ParseTransferID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transfer id", err)
		return 0, false
	}
	return id, true
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// CreateTransfer locks tokens for a recipient.
// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount, err := vesting.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	schedule, err := h.Schedules.FromJSON(req.Schedule)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule", err)
		return
	}
	in := vesting.CreateTransferInput{
		Recipient: vesting.Address(req.Recipient),
		Token:     vesting.TokenID(req.Token),
		Amount:    amount,
		Schedule:  schedule,
	}
	if req.Start != nil {
		in.Start = optional.Some(vesting.Timestamp(*req.Start))
	}

	c := h.call(r)
	id, err := h.Engine.CreateTransfer(r.Context(), c, in)
	if err != nil {
		writeEngineError(w, "Failed to create transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateTransferResponse{ID: id.String(), CallID: c.ID})
}

// ExecuteTransfer activates a created transfer.
// POST /api/transfers/{id}/execute
func (h *Handler) ExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	c := h.call(r)
	if err := h.Engine.ExecuteTransfer(r.Context(), c, id); err != nil {
		writeEngineError(w, "Failed to execute transfer", err)
		return
	}
	h.writeTransfer(w, r, id, c.Timestamp)
}

// CancelTransfer cancels a transfer and refunds the unvested part.
// POST /api/transfers/{id}/cancel
func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	c := h.call(r)
	if err := h.Engine.CancelTransfer(r.Context(), c, id); err != nil {
		writeEngineError(w, "Failed to cancel transfer", err)
		return
	}
	h.writeTransfer(w, r, id, c.Timestamp)
}

// GetTransfer returns one transfer.
// GET /api/transfers/{id}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := transferIDParam(w, r)
	if !ok {
		return
	}
	h.writeTransfer(w, r, id, h.Clock.Now())
}

func (h *Handler) writeTransfer(w http.ResponseWriter, r *http.Request, id vesting.TransferID, now vesting.Timestamp) {
	t, err := h.Engine.GetTransfer(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to load transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(h.Schedules, t, now))
}

// ListTransfers returns transfers matching the query.
// GET /api/transfers?sender=&recipient=&token=&status=&limit=
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter vesting.TransferFilter
	if v := q.Get("sender"); v != "" {
		filter.Sender = optional.Some(vesting.Address(v))
	}
	if v := q.Get("recipient"); v != "" {
		filter.Recipient = optional.Some(vesting.Address(v))
	}
	if v := q.Get("token"); v != "" {
		filter.Token = optional.Some(vesting.TokenID(v))
	}
	if v := q.Get("status"); v != "" {
		st := vesting.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status", nil)
			return
		}
		filter.Status = optional.Some(st)
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	now := h.Clock.Now()
	resp := TransferListDTO{Transfers: []TransferDTO{}}
	for t, err := range h.Engine.Transfers(r.Context(), filter) {
		if err != nil {
			writeEngineError(w, "Failed to list transfers", err)
			return
		}
		resp.Transfers = append(resp.Transfers, toTransferDTO(h.Schedules, t, now))
		if limit > 0 && len(resp.Transfers) == limit {
			break
		}
	}
	resp.Count = len(resp.Transfers)
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CLAIM AND BALANCE HANDLERS
// =============================================================================

// ClaimBalances pays the caller everything that has vested.
// POST /api/claims
func (h *Handler) ClaimBalances(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ClaimBalances(r.Context(), h.call(r))
	if err != nil {
		writeEngineError(w, "Failed to claim", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetBalances returns per-token balances of an address.
// GET /api/addresses/{address}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	addr := vesting.Address(chi.URLParam(r, "address"))
	bal, err := h.Engine.AddressBalances(r.Context(), addr, h.Clock.Now())
	if err != nil {
		writeEngineError(w, "Failed to compute balances", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// =============================================================================
// CUSTODY HANDLERS
// =============================================================================

func (h *Handler) requireBank(w http.ResponseWriter) bool {
	if h.Bank == nil {
		writeError(w, http.StatusNotFound, "Custody is external", nil)
		return false
	}
	return true
}

// Mint credits tokens to an address.
// POST /api/custody/mint
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	if !h.requireBank(w) {
		return
	}
	var req MintRequest
	if !h.decode(w, r, &req) {
		return
	}
	token := vesting.TokenID(req.Token)
	if !token.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid token", nil)
		return
	}
	amount, err := vesting.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	addr := vesting.Address(req.Address)
	h.Bank.Mint(addr, token, amount)
	h.log.WithFields(logrus.Fields{"address": addr, "token": token, "amount": amount.String()}).Info("minted")
	writeJSON(w, http.StatusOK, HoldingsDTO{Address: req.Address, Holdings: h.Bank.Holdings(addr)})
}

// Freeze toggles custody rejection for an address.
// POST /api/custody/freeze
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	if !h.requireBank(w) {
		return
	}
	var req FreezeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.Bank.Freeze(vesting.Address(req.Address), req.Frozen)
	writeJSON(w, http.StatusOK, map[string]any{"address": req.Address, "frozen": req.Frozen})
}

// GetHoldings returns custody balances of an address.
// GET /api/custody/{address}
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	if !h.requireBank(w) {
		return
	}
	addr := chi.URLParam(r, "address")
	writeJSON(w, http.StatusOK, HoldingsDTO{Address: addr, Holdings: h.Bank.Holdings(vesting.Address(addr))})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vesting.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vesting.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, vesting.ErrInvalidState),
		errors.Is(err, vesting.ErrAlreadyTerminal),
		errors.Is(err, vesting.ErrDuplicateCall),
		errors.Is(err, vesting.ErrClockRegression):
		return http.StatusConflict
	case errors.Is(err, vesting.ErrInvalidSchedule),
		errors.Is(err, vesting.ErrInvalidAmount),
		errors.Is(err, vesting.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, vesting.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, vesting.ErrTransferRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
