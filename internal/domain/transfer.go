/**
 * @description
 * This file defines the models used by the transfer orchestrator and the fund
 * allocation engine: funding sources, funder relationships, transfer requests, the
 * allocation breakdown and the persisted transfer attempt.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User roles.
const (
	RoleFunder    = "funder"
	RoleCaregiver = "caregiver"
	RoleDependent = "dependent"
)

// User is the slice of the users table the service needs.
type User struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	Status   string    `json:"status"`
}

// FundingSource is a tokenized payment card saved by the card processor flow.
type FundingSource struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	AuthorizationCode string    `json:"-"`
	Email             string    `json:"email"`
	CardLast4         string    `json:"card_last4"`
	CardBrand         string    `json:"card_brand"`
	Status            string    `json:"status"`
}

// FunderDependent links a funder to a dependent they may send money to.
type FunderDependent struct {
	FunderID    uuid.UUID `json:"funder_id"`
	DependentID uuid.UUID `json:"dependent_id"`
	Status      string    `json:"status"`
}

// Relationship and funding source status values share the account vocabulary.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// SendTransferRequest is the DTO for a funder sending money to a dependent.
type SendTransferRequest struct {
	FundingSourceID uuid.UUID
	DependentID     uuid.UUID
	Amount          decimal.Decimal // in rand
	Description     string
}

// SplitRecord is one sub-account's share of an allocation.
type SplitRecord struct {
	AccountID     uuid.UUID       `json:"account_id"`
	AccountType   AccountType     `json:"account_type"`
	AccountNumber string          `json:"account_number"`
	Amount        int64           `json:"amount"` // in cents
	Percentage    decimal.Decimal `json:"percentage"`
	LedgerEntryID uuid.UUID       `json:"ledger_entry_id"`
	NewBalance    int64           `json:"new_balance"`
}

// MainCredit records what the Main account kept from an allocation.
type MainCredit struct {
	AccountID     uuid.UUID  `json:"account_id"`
	AccountNumber string     `json:"account_number"`
	Amount        int64      `json:"amount"`
	LedgerEntryID *uuid.UUID `json:"ledger_entry_id,omitempty"`
	NewBalance    int64      `json:"new_balance"`
}

// AllocationResult is the outcome of splitting one deposit across a Main account's
// sub-accounts. TotalSplitAmount + RemainingAmount always equals Amount.
type AllocationResult struct {
	Amount           int64         `json:"amount"`
	TotalSplitAmount int64         `json:"total_split_amount"`
	RemainingAmount  int64         `json:"remaining_amount"`
	Reference        string        `json:"reference"`
	Main             MainCredit    `json:"main"`
	Splits           []SplitRecord `json:"splits"`
	// TreeBalance is the Main balance plus the balance of every active sub-account after
	// the allocation, including sub-accounts whose share rounded down to zero.
	TreeBalance int64 `json:"tree_balance"`
}

// TransferSummary is returned to the caller after a completed transfer.
type TransferSummary struct {
	TransferID    uuid.UUID         `json:"transfer_id"`
	Reference     string            `json:"reference"`
	ChargeID      string            `json:"charge_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	FundingSource FundingSource     `json:"funding_source"`
	Beneficiary   Account           `json:"beneficiary"`
	Status        string            `json:"status"`
	CompletedAt   time.Time         `json:"completed_at"`
	Allocation    *AllocationResult `json:"allocation"`
}

// Transfer attempt states.
const (
	TransferStateValidating                  = "validating"
	TransferStateCharging                    = "charging"
	TransferStateAllocating                  = "allocating"
	TransferStateCompleted                   = "completed"
	TransferStateValidationFailed            = "validation_failed"
	TransferStateChargeFailed                = "charge_failed"
	TransferStateAllocationFailedAfterCharge = "allocation_failed_after_charge"
)

// Refund outcomes recorded on a transfer attempt.
const (
	RefundStatusNone      = ""
	RefundStatusSucceeded = "succeeded"
	RefundStatusFailed    = "failed"
)

// TransferAttempt is the audit row for one run of the transfer state machine.
type TransferAttempt struct {
	ID              uuid.UUID  `json:"id"`
	Reference       string     `json:"reference"`
	FunderID        uuid.UUID  `json:"funder_id"`
	DependentID     uuid.UUID  `json:"dependent_id"`
	FundingSourceID uuid.UUID  `json:"funding_source_id"`
	Amount          int64      `json:"amount"`
	State           string     `json:"state"`
	ChargeID        *string    `json:"charge_id,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	RefundStatus    string     `json:"refund_status,omitempty"`
	RefundError     *string    `json:"refund_error,omitempty"`
	AlertedAt       *time.Time `json:"alerted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
