package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. WithTx works on a copy of the account
// and ledger tables and swaps it in only when the callback succeeds, so it honours the
// same all-or-nothing contract as PostgresRepository. Units of work are serialized.
type MemoryRepository struct {
	mu sync.Mutex

	users         map[uuid.UUID]domain.User
	sources       map[uuid.UUID]domain.FundingSource
	relationships map[[2]uuid.UUID]domain.FunderDependent
	attempts      map[uuid.UUID]domain.TransferAttempt
	ledger        memoryLedger
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:         make(map[uuid.UUID]domain.User),
		sources:       make(map[uuid.UUID]domain.FundingSource),
		relationships: make(map[[2]uuid.UUID]domain.FunderDependent),
		attempts:      make(map[uuid.UUID]domain.TransferAttempt),
		ledger: memoryLedger{
			accounts: make(map[uuid.UUID]domain.Account),
		},
	}
}

// AddUser stores a user.
func (r *MemoryRepository) AddUser(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

// AddFundingSource stores a funding source.
func (r *MemoryRepository) AddFundingSource(source domain.FundingSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.ID] = source
}

// AddRelationship stores a funder to dependent link.
func (r *MemoryRepository) AddRelationship(rel domain.FunderDependent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relationships[[2]uuid.UUID{rel.FunderID, rel.DependentID}] = rel
}

// AddAccount stores an account as-is, bypassing number checks.
func (r *MemoryRepository) AddAccount(account domain.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger.accounts[account.ID] = account
}

// AllLedgerEntries returns a copy of every ledger entry in insertion order.
func (r *MemoryRepository) AllLedgerEntries() []domain.LedgerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.LedgerEntry(nil), r.ledger.entries...)
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.FindAccountByID(ctx, accountID)
}

func (r *MemoryRepository) FindMainAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.FindMainAccountByUserID(ctx, userID)
}

func (r *MemoryRepository) ListActiveSubAccounts(ctx context.Context, parentID uuid.UUID) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.ListActiveSubAccounts(ctx, parentID)
}

func (r *MemoryRepository) ListAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.ListAccountsByUserID(ctx, userID)
}

func (r *MemoryRepository) AccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.AccountNumberExists(ctx, accountNumber)
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.CreateAccount(ctx, account)
}

func (r *MemoryRepository) IncrementBalance(ctx context.Context, accountID uuid.UUID, amount int64, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.IncrementBalance(ctx, accountID, amount, at)
}

func (r *MemoryRepository) CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.CreateLedgerEntry(ctx, entry)
}

func (r *MemoryRepository) LedgerReferenceExists(ctx context.Context, baseReference string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.LedgerReferenceExists(ctx, baseReference)
}

func (r *MemoryRepository) ListLedgerEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.ListLedgerEntriesByAccount(ctx, accountID, limit, offset)
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (r *MemoryRepository) FindFundingSourceByID(ctx context.Context, fundingSourceID uuid.UUID) (*domain.FundingSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, ok := r.sources[fundingSourceID]
	if !ok {
		return nil, ErrFundingSourceNotFound
	}
	return &source, nil
}

func (r *MemoryRepository) FindRelationship(ctx context.Context, funderID, dependentID uuid.UUID) (*domain.FunderDependent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel, ok := r.relationships[[2]uuid.UUID{funderID, dependentID}]
	if !ok {
		return nil, ErrRelationshipNotFound
	}
	return &rel, nil
}

func (r *MemoryRepository) CreateTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if attempt.UpdatedAt.IsZero() {
		attempt.UpdatedAt = attempt.CreatedAt
	}
	r.attempts[attempt.ID] = *attempt
	return nil
}

func (r *MemoryRepository) UpdateTransferAttempt(ctx context.Context, attemptID uuid.UUID, update TransferAttemptUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return ErrTransferAttemptNotFound
	}
	if update.State != nil {
		attempt.State = *update.State
	}
	if update.ChargeID != nil {
		attempt.ChargeID = StringPtr(*update.ChargeID)
	}
	if update.FailureReason != nil {
		attempt.FailureReason = StringPtr(*update.FailureReason)
	}
	if update.RefundStatus != nil {
		attempt.RefundStatus = *update.RefundStatus
	}
	if update.RefundError != nil {
		attempt.RefundError = StringPtr(*update.RefundError)
	}
	attempt.UpdatedAt = time.Now().UTC()
	r.attempts[attemptID] = attempt
	return nil
}

// FindTransferAttempt returns a copy of a stored attempt.
func (r *MemoryRepository) FindTransferAttempt(attemptID uuid.UUID) (*domain.TransferAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return nil, ErrTransferAttemptNotFound
	}
	return &attempt, nil
}

func (r *MemoryRepository) ListUnreconciledTransferAttempts(ctx context.Context, limit int) ([]domain.TransferAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var attempts []domain.TransferAttempt
	for _, a := range r.attempts {
		if a.State == domain.TransferStateAllocationFailedAfterCharge && a.RefundStatus == domain.RefundStatusFailed && a.AlertedAt == nil {
			attempts = append(attempts, a)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.Before(attempts[j].CreatedAt)
	})
	if limit > 0 && len(attempts) > limit {
		attempts = attempts[:limit]
	}
	return attempts, nil
}

func (r *MemoryRepository) MarkTransferAttemptAlerted(ctx context.Context, attemptID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt, ok := r.attempts[attemptID]
	if !ok {
		return ErrTransferAttemptNotFound
	}
	attempt.AlertedAt = &at
	r.attempts[attemptID] = attempt
	return nil
}

// WithTx runs fn against a private copy of the accounts and ledger and commits the copy
// only if fn returns nil.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{memoryLedger: r.ledger.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.ledger = tx.memoryLedger
	return nil
}

// memoryLedger holds the tables a unit of work may change.
type memoryLedger struct {
	accounts map[uuid.UUID]domain.Account
	entries  []domain.LedgerEntry
}

func (l memoryLedger) clone() memoryLedger {
	accounts := make(map[uuid.UUID]domain.Account, len(l.accounts))
	for id, a := range l.accounts {
		accounts[id] = a
	}
	return memoryLedger{
		accounts: accounts,
		entries:  append([]domain.LedgerEntry(nil), l.entries...),
	}
}

func (l *memoryLedger) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := l.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

func (l *memoryLedger) FindMainAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	for _, a := range l.accounts {
		if a.UserID == userID && a.Type.IsMain() {
			account := a
			return &account, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (l *memoryLedger) ListActiveSubAccounts(ctx context.Context, parentID uuid.UUID) ([]domain.Account, error) {
	var accounts []domain.Account
	for _, a := range l.accounts {
		if a.ParentAccountID == nil || *a.ParentAccountID != parentID || !a.IsActive() {
			continue
		}
		if t, err := domain.ParseAccountType(string(a.Type)); err != nil || t.IsMain() {
			continue
		}
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Type < accounts[j].Type
	})
	return accounts, nil
}

func (l *memoryLedger) ListAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	var accounts []domain.Account
	for _, a := range l.accounts {
		if a.UserID == userID {
			accounts = append(accounts, a)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Type.IsMain() != accounts[j].Type.IsMain() {
			return accounts[i].Type.IsMain()
		}
		return accounts[i].Type < accounts[j].Type
	})
	return accounts, nil
}

func (l *memoryLedger) AccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	for _, a := range l.accounts {
		if a.AccountNumber == accountNumber {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLedger) CreateAccount(ctx context.Context, account *domain.Account) error {
	if exists, _ := l.AccountNumberExists(ctx, account.AccountNumber); exists {
		return ErrDuplicateAccountNumber
	}
	l.accounts[account.ID] = *account
	return nil
}

func (l *memoryLedger) IncrementBalance(ctx context.Context, accountID uuid.UUID, amount int64, at time.Time) (int64, error) {
	account, ok := l.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if account.Balance+amount < 0 {
		return 0, ErrNegativeBalance
	}
	account.Balance += amount
	account.LastTransactionAt = &at
	l.accounts[accountID] = account
	return account.Balance, nil
}

func (l *memoryLedger) CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if _, ok := l.accounts[entry.AccountID]; !ok {
		return ErrAccountNotFound
	}
	for _, e := range l.entries {
		if e.Reference == entry.Reference {
			return ErrDuplicateReference
		}
	}
	l.entries = append(l.entries, *entry)
	return nil
}

func (l *memoryLedger) LedgerReferenceExists(ctx context.Context, baseReference string) (bool, error) {
	for _, e := range l.entries {
		if e.Reference == baseReference || strings.HasPrefix(e.Reference, baseReference+"-") {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLedger) ListLedgerEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].AccountID == accountID {
			entries = append(entries, l.entries[i])
		}
	}
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

type memoryTx struct {
	memoryLedger
}

func (t *memoryTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return t.FindAccountByID(ctx, accountID)
}
