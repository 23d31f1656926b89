package app

import (
	"context"
	"errors"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/google/uuid"
)

const (
	defaultTransactionPageSize = 50
	maxTransactionPageSize     = 200
)

// ListAccounts returns the caller's accounts, Main first.
func (s *AccountService) ListAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	accounts, err := s.repo.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, newError(KindPersistence, "list_accounts", "failed to load accounts", err)
	}
	return accounts, nil
}

// ListAccountTransactions pages through an account's ledger, newest first. The caller
// must own the account or be its caregiver.
func (s *AccountService) ListAccountTransactions(ctx context.Context, userID, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	const op = "list_account_transactions"

	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, newError(KindNotFound, op, "account not found", err)
		}
		return nil, newError(KindPersistence, op, "failed to load account", err)
	}
	if account.UserID != userID && (account.CaregiverID == nil || *account.CaregiverID != userID) {
		return nil, newError(KindAuthorization, op, "you do not have access to this account", ErrAccountAccessDenied)
	}

	if limit <= 0 {
		limit = defaultTransactionPageSize
	}
	if limit > maxTransactionPageSize {
		limit = maxTransactionPageSize
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.repo.ListLedgerEntriesByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, newError(KindPersistence, op, "failed to load transactions", err)
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return entries, nil
}
