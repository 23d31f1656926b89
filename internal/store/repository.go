/**
 * @description
 * This file defines the data access contracts of the funds-service. Business logic
 * depends on these interfaces rather than on PostgreSQL directly, which keeps the
 * allocation engine and orchestrator testable against the in-memory implementation.
 *
 * @notes
 * - Every balance mutation happens through a Tx obtained from Repository.WithTx, so the
 *   balance update and its ledger entry commit or roll back together.
 * - Reads made through a Tx lock the rows they return (SELECT ... FOR UPDATE).
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrAccountNotFound         = errors.New("account not found")
	ErrFundingSourceNotFound   = errors.New("funding source not found")
	ErrRelationshipNotFound    = errors.New("funder dependent relationship not found")
	ErrTransferAttemptNotFound = errors.New("transfer attempt not found")
	ErrDuplicateReference      = errors.New("ledger reference already exists")
	ErrDuplicateAccountNumber  = errors.New("account number already exists")
	ErrNegativeBalance         = errors.New("balance cannot become negative")
)

// AccountRepository covers account reads and balance writes.
type AccountRepository interface {
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindMainAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error)
	// ListActiveSubAccounts returns active children of parentID ordered by account type ascending.
	ListActiveSubAccounts(ctx context.Context, parentID uuid.UUID) ([]domain.Account, error)
	ListAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
	AccountNumberExists(ctx context.Context, accountNumber string) (bool, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	// IncrementBalance adds amount (which may be negative for debits) and stamps
	// last_transaction_at. It returns the new balance.
	IncrementBalance(ctx context.Context, accountID uuid.UUID, amount int64, at time.Time) (int64, error)
}

// TransactionRepository covers ledger entries.
type TransactionRepository interface {
	CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error
	// LedgerReferenceExists reports whether any entry uses baseReference itself or a
	// reference derived from it ("<base>-<suffix>").
	LedgerReferenceExists(ctx context.Context, baseReference string) (bool, error)
	ListLedgerEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)
}

// Tx is the atomic unit of work handed to Repository.WithTx callbacks.
type Tx interface {
	AccountRepository
	TransactionRepository
	// LockAccount loads an account and holds its row lock until the unit of work ends.
	LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
}

// TransferAttemptUpdate carries the fields to change on a transfer attempt. Nil fields
// are left untouched.
type TransferAttemptUpdate struct {
	State         *string
	ChargeID      *string
	FailureReason *string
	RefundStatus  *string
	RefundError   *string
}

// Repository is the full data access surface used by the service.
type Repository interface {
	AccountRepository
	TransactionRepository

	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindFundingSourceByID(ctx context.Context, fundingSourceID uuid.UUID) (*domain.FundingSource, error)
	FindRelationship(ctx context.Context, funderID, dependentID uuid.UUID) (*domain.FunderDependent, error)

	CreateTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error
	UpdateTransferAttempt(ctx context.Context, attemptID uuid.UUID, update TransferAttemptUpdate) error
	ListUnreconciledTransferAttempts(ctx context.Context, limit int) ([]domain.TransferAttempt, error)
	MarkTransferAttemptAlerted(ctx context.Context, attemptID uuid.UUID, at time.Time) error

	// WithTx runs fn inside one database transaction. A non-nil error from fn, or a
	// failed commit, rolls back every write made through the Tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// StringPtr is a small helper for building TransferAttemptUpdate values.
func StringPtr(value string) *string {
	return &value
}
