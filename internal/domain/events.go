package domain

import (
	"time"

	"github.com/google/uuid"
)

// Exchange and routing keys for transfer lifecycle events.
const (
	EventsExchange                   = "carefunds.events"
	RoutingKeyTransferCompleted      = "transfer.completed"
	RoutingKeyCompensationFailed     = "transfer.compensation_failed"
	RoutingKeyReconciliationRequired = "transfer.reconciliation.required"
)

// TransferCompletedEvent is published after a transfer has been charged and allocated.
type TransferCompletedEvent struct {
	TransferID       uuid.UUID `json:"transfer_id"`
	Reference        string    `json:"reference"`
	ChargeID         string    `json:"charge_id"`
	FunderID         uuid.UUID `json:"funder_id"`
	DependentID      uuid.UUID `json:"dependent_id"`
	Amount           int64     `json:"amount"`
	TotalSplitAmount int64     `json:"total_split_amount"`
	RemainingAmount  int64     `json:"remaining_amount"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// TransferReconciliationEvent flags a charged transfer whose allocation and refund both
// failed. Operators reconcile these by hand.
type TransferReconciliationEvent struct {
	TransferID      uuid.UUID `json:"transfer_id"`
	Reference       string    `json:"reference"`
	ChargeID        string    `json:"charge_id"`
	FunderID        uuid.UUID `json:"funder_id"`
	DependentID     uuid.UUID `json:"dependent_id"`
	Amount          int64     `json:"amount"`
	AllocationError string    `json:"allocation_error"`
	RefundError     string    `json:"refund_error"`
	OccurredAt      time.Time `json:"occurred_at"`
}
