package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry types. The amount is always positive; the type carries the direction.
const (
	EntryTypeCredit      = "credit"
	EntryTypeDebit       = "debit"
	EntryTypeTransferIn  = "transfer_in"
	EntryTypeTransferOut = "transfer_out"
)

// Ledger entry statuses.
const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
	EntryStatusCancelled = "cancelled"
)

// LedgerEntry is one row of the `transactions` table. Every balance change on an
// account is recorded by exactly one entry written in the same database transaction.
type LedgerEntry struct {
	ID                   uuid.UUID              `json:"id"`
	AccountID            uuid.UUID              `json:"account_id"`
	Reference            string                 `json:"reference"`
	Amount               int64                  `json:"amount"` // in cents
	Type                 string                 `json:"type"`
	Status               string                 `json:"status"`
	Description          string                 `json:"description"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CounterpartAccountID *uuid.UUID             `json:"counterpart_account_id,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
}

// IsCredit reports whether the entry increased the account balance.
func (e *LedgerEntry) IsCredit() bool {
	return e.Type == EntryTypeCredit || e.Type == EntryTypeTransferIn
}
