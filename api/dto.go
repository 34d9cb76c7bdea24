/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Always decimal strings of base units. JSON numbers lose precision above
  2^53 and token amounts routinely exceed that.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  validate.Struct before anything reaches the engine; the engine still
  performs its own checks.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/schedule.go: ScheduleJSON type
*/
package api

import (
	"github.com/warp/vesting-engine/factory"
	"github.com/warp/vesting-engine/vesting"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateTransferRequest is the body of POST /api/transfers.
type CreateTransferRequest struct {
	Recipient string               `json:"recipient" validate:"required,max=128"`
	Token     string               `json:"token" validate:"required,max=17"`
	Amount    string               `json:"amount" validate:"required,numeric"`
	Schedule  factory.ScheduleJSON `json:"schedule"`
	Start     *uint64              `json:"start,omitempty"`
}

// MintRequest is the body of POST /api/custody/mint.
type MintRequest struct {
	Address string `json:"address" validate:"required,max=128"`
	Token   string `json:"token" validate:"required,max=17"`
	Amount  string `json:"amount" validate:"required,numeric"`
}

// FreezeRequest is the body of POST /api/custody/freeze.
type FreezeRequest struct {
	Address string `json:"address" validate:"required,max=128"`
	Frozen  bool   `json:"frozen"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// CreateTransferResponse is returned by POST /api/transfers.
type CreateTransferResponse struct {
	ID     string `json:"id"`
	CallID string `json:"call_id"`
}

// TransferDTO is a transfer plus its time dependent amounts at AsOf.
type TransferDTO struct {
	ID             string               `json:"id"`
	Sender         string               `json:"sender"`
	Recipient      string               `json:"recipient"`
	Token          string               `json:"token"`
	Total          string               `json:"total"`
	Claimed        string               `json:"claimed"`
	Releasable     string               `json:"releasable"`
	Claimable      string               `json:"claimable"`
	Refunded       string               `json:"refunded"`
	VestedAtCancel string               `json:"vested_at_cancel,omitempty"`
	Status         string               `json:"status"`
	Start          uint64               `json:"start"`
	Schedule       factory.ScheduleJSON `json:"schedule"`
	CreatedAt      uint64               `json:"created_at"`
	ExecutedAt     uint64               `json:"executed_at,omitempty"`
	CancelledAt    uint64               `json:"cancelled_at,omitempty"`
	AsOf           uint64               `json:"as_of"`
}

// TransferListDTO wraps a filtered listing.
type TransferListDTO struct {
	Transfers []TransferDTO `json:"transfers"`
	Count     int           `json:"count"`
}

// HoldingsDTO lists what an address holds in custody.
type HoldingsDTO struct {
	Address  string           `json:"address"`
	Holdings []vesting.Payout `json:"holdings"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ReconciliationRunDTO reports one reconciliation sweep.
type ReconciliationRunDTO struct {
	ID         string   `json:"id"`
	StartedAt  string   `json:"started_at"`
	Addresses  int      `json:"addresses"`
	Mismatches []string `json:"mismatches"`
	Error      string   `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toTransferDTO(f *factory.ScheduleFactory, t vesting.Transfer, now vesting.Timestamp) TransferDTO {
	dto := TransferDTO{
		ID:          t.ID.String(),
		Sender:      string(t.Sender),
		Recipient:   string(t.Recipient),
		Token:       string(t.Token),
		Total:       t.Total.String(),
		Claimed:     t.Claimed.String(),
		Releasable:  vesting.Releasable(t, now).String(),
		Claimable:   t.Claimable(now).String(),
		Refunded:    t.Refunded.String(),
		Status:      string(t.Status),
		Start:       uint64(t.Start),
		Schedule:    f.ToJSON(t.Schedule),
		CreatedAt:   uint64(t.CreatedAt),
		ExecutedAt:  uint64(t.ExecutedAt),
		CancelledAt: uint64(t.CancelledAt),
		AsOf:        uint64(now),
	}
	if t.Status == vesting.StatusCancelled {
		dto.VestedAtCancel = t.VestedAtCancel.String()
	}
	return dto
}
