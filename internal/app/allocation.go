/**
 * @description
 * The fund allocation engine. A deposit into a Main account is divided across the
 * account's active category sub-accounts and the rounding remainder stays in Main.
 *
 * @notes
 * - The whole allocation is one unit of work: the Main row and every sub-account row are
 *   locked, and each balance change is written together with its ledger entry.
 * - Ledger references are derived from the caller's base reference as
 *   "<base>-<TYPECODE>" for sub-accounts and "<base>-MAIN" for the Main credit.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/google/uuid"
)

// MainReferenceSuffix is appended to the base reference for the Main account credit.
const MainReferenceSuffix = "MAIN"

// AllocationRequest describes one deposit to split. Amount is in cents.
type AllocationRequest struct {
	MainAccountID uuid.UUID
	Amount        int64
	Reference     string
	Description   string
	Metadata      map[string]interface{}
}

// Allocator splits deposits into sub-accounts.
type Allocator struct {
	repo   store.Repository
	policy SplitPolicy
	now    func() time.Time
}

// NewAllocator creates an Allocator. A nil policy falls back to EqualSplit.
func NewAllocator(repo store.Repository, policy SplitPolicy) *Allocator {
	if policy == nil {
		policy = EqualSplit{}
	}
	return &Allocator{
		repo:   repo,
		policy: policy,
		now:    time.Now,
	}
}

// Allocate credits req.Amount to the Main account's tree. Either every balance change
// and ledger entry is committed or none is.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*domain.AllocationResult, error) {
	const op = "allocate"

	if req.Amount <= 0 {
		return nil, newError(KindValidation, op, "amount must be positive", ErrInvalidAmount)
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		return nil, newError(KindValidation, op, "reference is required", nil)
	}

	var result *domain.AllocationResult
	err := a.repo.WithTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = a.allocate(ctx, tx, req)
		return err
	})
	if err != nil {
		var appErr *Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		log.Printf("level=error component=allocator msg=\"allocation rolled back\" main_account_id=%s reference=%s err=%v", req.MainAccountID, req.Reference, err)
		return nil, newError(KindPersistence, op, "allocation was rolled back", err)
	}

	log.Printf("level=info component=allocator msg=\"allocation committed\" main_account_id=%s reference=%s amount=%d split_total=%d remaining=%d sub_accounts=%d policy=%s",
		req.MainAccountID, req.Reference, result.Amount, result.TotalSplitAmount, result.RemainingAmount, len(result.Splits), a.policy.Name())
	return result, nil
}

func (a *Allocator) allocate(ctx context.Context, tx store.Tx, req AllocationRequest) (*domain.AllocationResult, error) {
	const op = "allocate"

	mainAcct, err := tx.LockAccount(ctx, req.MainAccountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, newError(KindNotFound, op, "main account not found", err)
		}
		return nil, fmt.Errorf("failed to lock main account: %w", err)
	}
	if !mainAcct.Type.IsMain() {
		return nil, newError(KindValidation, op, "deposits must target a main account", ErrNotMainAccount)
	}
	if !mainAcct.IsActive() {
		return nil, newError(KindAuthorization, op, "main account is inactive", ErrAccountInactive)
	}

	subs, err := tx.ListActiveSubAccounts(ctx, mainAcct.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sub-accounts: %w", err)
	}

	used, err := tx.LedgerReferenceExists(ctx, req.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to check reference: %w", err)
	}
	if used {
		return nil, newError(KindValidation, op, "reference has already been used", store.ErrDuplicateReference)
	}

	shares := a.policy.Split(req.Amount, subs)
	if err := checkShares(req.Amount, subs, shares); err != nil {
		return nil, err
	}

	now := a.now().UTC()
	result := &domain.AllocationResult{
		Amount:    req.Amount,
		Reference: req.Reference,
		Main: domain.MainCredit{
			AccountID:     mainAcct.ID,
			AccountNumber: mainAcct.AccountNumber,
			NewBalance:    mainAcct.Balance,
		},
		Splits: make([]domain.SplitRecord, 0, len(subs)),
	}

	var subTotal int64
	for i, sub := range subs {
		share := shares[i]
		if share.Amount == 0 {
			subTotal += sub.Balance
			continue
		}

		newBalance, err := tx.IncrementBalance(ctx, sub.ID, share.Amount, now)
		if err != nil {
			return nil, fmt.Errorf("failed to credit %s sub-account: %w", sub.Type, err)
		}

		metadata := entryMetadata(req, sub.Type)
		metadata["split_percentage"] = share.Percentage.StringFixed(2)
		entry := &domain.LedgerEntry{
			ID:                   uuid.New(),
			AccountID:            sub.ID,
			Reference:            req.Reference + "-" + sub.Type.Code(),
			Amount:               share.Amount,
			Type:                 domain.EntryTypeCredit,
			Status:               domain.EntryStatusCompleted,
			Description:          entryDescription(req.Description, sub.Type),
			Metadata:             metadata,
			CounterpartAccountID: &mainAcct.ID,
			CreatedAt:            now,
		}
		if err := tx.CreateLedgerEntry(ctx, entry); err != nil {
			return nil, ledgerWriteError(op, sub.Type, err)
		}

		subTotal += newBalance
		result.TotalSplitAmount += share.Amount
		result.Splits = append(result.Splits, domain.SplitRecord{
			AccountID:     sub.ID,
			AccountType:   sub.Type,
			AccountNumber: sub.AccountNumber,
			Amount:        share.Amount,
			Percentage:    share.Percentage,
			LedgerEntryID: entry.ID,
			NewBalance:    newBalance,
		})
	}

	result.RemainingAmount = req.Amount - result.TotalSplitAmount
	if result.RemainingAmount > 0 {
		newBalance, err := tx.IncrementBalance(ctx, mainAcct.ID, result.RemainingAmount, now)
		if err != nil {
			return nil, fmt.Errorf("failed to credit main account: %w", err)
		}

		entry := &domain.LedgerEntry{
			ID:          uuid.New(),
			AccountID:   mainAcct.ID,
			Reference:   req.Reference + "-" + MainReferenceSuffix,
			Amount:      result.RemainingAmount,
			Type:        domain.EntryTypeCredit,
			Status:      domain.EntryStatusCompleted,
			Description: entryDescription(req.Description, domain.AccountTypeMain),
			Metadata:    entryMetadata(req, domain.AccountTypeMain),
			CreatedAt:   now,
		}
		if err := tx.CreateLedgerEntry(ctx, entry); err != nil {
			return nil, ledgerWriteError(op, domain.AccountTypeMain, err)
		}

		result.Main.Amount = result.RemainingAmount
		result.Main.LedgerEntryID = &entry.ID
		result.Main.NewBalance = newBalance
	}
	result.TreeBalance = result.Main.NewBalance + subTotal

	return result, nil
}

// checkShares enforces the SplitPolicy contract so a faulty policy can never create or
// destroy money.
func checkShares(amount int64, subs []domain.Account, shares []Share) error {
	if len(shares) != len(subs) {
		return fmt.Errorf("%w: got %d shares for %d sub-accounts", ErrSplitPolicyViolation, len(shares), len(subs))
	}
	var total int64
	for _, s := range shares {
		if s.Amount < 0 || s.Amount > amount {
			return fmt.Errorf("%w: share %d out of range", ErrSplitPolicyViolation, s.Amount)
		}
		total += s.Amount
		if total > amount {
			return fmt.Errorf("%w: shares exceed amount %d", ErrSplitPolicyViolation, amount)
		}
	}
	return nil
}

func ledgerWriteError(op string, t domain.AccountType, err error) error {
	if errors.Is(err, store.ErrDuplicateReference) {
		return newError(KindValidation, op, "reference has already been used", err)
	}
	return fmt.Errorf("failed to write %s ledger entry: %w", t, err)
}

func entryMetadata(req AllocationRequest, t domain.AccountType) map[string]interface{} {
	metadata := make(map[string]interface{}, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["base_reference"] = req.Reference
	metadata["account_type"] = string(t)
	return metadata
}

func entryDescription(description string, t domain.AccountType) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return fmt.Sprintf("%s allocation", t)
	}
	return fmt.Sprintf("%s (%s)", description, t)
}
