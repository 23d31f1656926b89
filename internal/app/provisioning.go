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

// Account structures a user can be provisioned with.
const (
	StructureBasicNeeds = "basic_needs"
	StructureMainOnly   = "main_only"
)

// ProvisionRequest asks for a user's account tree.
type ProvisionRequest struct {
	UserID      uuid.UUID
	CaregiverID *uuid.UUID
	Structure   string
}

// AccountService creates and reads accounts.
type AccountService struct {
	repo store.Repository
	now  func() time.Time
}

func NewAccountService(repo store.Repository) *AccountService {
	return &AccountService{repo: repo, now: time.Now}
}

// ProvisionAccounts creates a Main account and, for basic_needs, one sub-account per
// category. Everything is created in a single unit of work.
func (s *AccountService) ProvisionAccounts(ctx context.Context, req ProvisionRequest) ([]domain.Account, error) {
	const op = "provision_accounts"

	structure := strings.ToLower(strings.TrimSpace(req.Structure))
	if structure == "" {
		structure = StructureBasicNeeds
	}
	if structure != StructureBasicNeeds && structure != StructureMainOnly {
		return nil, newError(KindValidation, op, fmt.Sprintf("unknown account structure %q", req.Structure), nil)
	}

	if _, err := s.repo.FindUserByID(ctx, req.UserID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newError(KindNotFound, op, "user not found", err)
		}
		return nil, newError(KindPersistence, op, "failed to load user", err)
	}

	var created []domain.Account
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		created = nil
		if _, err := tx.FindMainAccountByUserID(ctx, req.UserID); err == nil {
			return newError(KindValidation, op, "user already has accounts", ErrAccountsExist)
		} else if !errors.Is(err, store.ErrAccountNotFound) {
			return fmt.Errorf("failed to check existing accounts: %w", err)
		}

		now := s.now().UTC()
		mainAcct, err := s.newAccount(ctx, tx, req, domain.AccountTypeMain, nil, now)
		if err != nil {
			return err
		}
		created = append(created, *mainAcct)

		if structure == StructureMainOnly {
			return nil
		}
		for _, t := range domain.SubAccountTypes {
			sub, err := s.newAccount(ctx, tx, req, t, &mainAcct.ID, now)
			if err != nil {
				return err
			}
			created = append(created, *sub)
		}
		return nil
	})
	if err != nil {
		var appErr *Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		if errors.Is(err, ErrAccountNumberExhausted) {
			return nil, newError(KindPersistence, op, "could not allocate account numbers", err)
		}
		return nil, newError(KindPersistence, op, "failed to create accounts", err)
	}

	log.Printf("level=info component=account_service msg=\"accounts provisioned\" user_id=%s structure=%s count=%d", req.UserID, structure, len(created))
	return created, nil
}

func (s *AccountService) newAccount(ctx context.Context, tx store.Tx, req ProvisionRequest, t domain.AccountType, parentID *uuid.UUID, now time.Time) (*domain.Account, error) {
	number, err := GenerateUniqueAccountNumber(ctx, tx)
	if err != nil {
		return nil, err
	}
	account := &domain.Account{
		ID:              uuid.New(),
		AccountNumber:   number,
		UserID:          req.UserID,
		CaregiverID:     req.CaregiverID,
		ParentAccountID: parentID,
		Type:            t,
		Currency:        domain.CurrencyZAR,
		Status:          domain.AccountStatusActive,
		CreatedAt:       now,
	}
	if err := tx.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create %s account: %w", t, err)
	}
	return account, nil
}
