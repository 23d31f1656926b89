package app

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountNumberPattern = regexp.MustCompile(`^62\d{8}$`)

func seededUser(repo *store.MemoryRepository, role string) uuid.UUID {
	id := uuid.New()
	repo.AddUser(domain.User{ID: id, FullName: "User", Email: id.String() + "@example.com", Role: role, Status: domain.StatusActive})
	return id
}

func TestProvisionAccounts_BasicNeedsCreatesMainAndSevenSubs(t *testing.T) {
	repo := store.NewMemoryRepository()
	userID := seededUser(repo, domain.RoleDependent)
	caregiverID := seededUser(repo, domain.RoleCaregiver)
	svc := NewAccountService(repo)

	accounts, err := svc.ProvisionAccounts(context.Background(), ProvisionRequest{
		UserID:      userID,
		CaregiverID: &caregiverID,
		Structure:   StructureBasicNeeds,
	})
	require.NoError(t, err)
	require.Len(t, accounts, 8)

	mainAcct := accounts[0]
	assert.Equal(t, domain.AccountTypeMain, mainAcct.Type)
	assert.Nil(t, mainAcct.ParentAccountID)

	numbers := map[string]bool{}
	for i, a := range accounts {
		assert.Regexp(t, accountNumberPattern, a.AccountNumber)
		assert.False(t, numbers[a.AccountNumber])
		numbers[a.AccountNumber] = true
		assert.Equal(t, userID, a.UserID)
		assert.Equal(t, caregiverID, *a.CaregiverID)
		assert.EqualValues(t, 0, a.Balance)
		assert.Equal(t, domain.CurrencyZAR, a.Currency)
		if i > 0 {
			require.NotNil(t, a.ParentAccountID)
			assert.Equal(t, mainAcct.ID, *a.ParentAccountID)
			assert.Equal(t, domain.SubAccountTypes[i-1], a.Type)
		}
	}

	subs, err := repo.ListActiveSubAccounts(context.Background(), mainAcct.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 7)
}

func TestProvisionAccounts_MainOnly(t *testing.T) {
	repo := store.NewMemoryRepository()
	userID := seededUser(repo, domain.RoleFunder)

	accounts, err := NewAccountService(repo).ProvisionAccounts(context.Background(), ProvisionRequest{UserID: userID, Structure: "MAIN_ONLY"})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, domain.AccountTypeMain, accounts[0].Type)
}

func TestProvisionAccounts_RejectsSecondProvisioning(t *testing.T) {
	repo := store.NewMemoryRepository()
	userID := seededUser(repo, domain.RoleDependent)
	svc := NewAccountService(repo)

	_, err := svc.ProvisionAccounts(context.Background(), ProvisionRequest{UserID: userID})
	require.NoError(t, err)

	_, err = svc.ProvisionAccounts(context.Background(), ProvisionRequest{UserID: userID})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.True(t, errors.Is(err, ErrAccountsExist))

	accounts, err := repo.ListAccountsByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, accounts, 8)
}

func TestProvisionAccounts_Validation(t *testing.T) {
	repo := store.NewMemoryRepository()
	svc := NewAccountService(repo)

	_, err := svc.ProvisionAccounts(context.Background(), ProvisionRequest{UserID: uuid.New()})
	assert.Equal(t, KindNotFound, KindOf(err))

	userID := seededUser(repo, domain.RoleDependent)
	_, err = svc.ProvisionAccounts(context.Background(), ProvisionRequest{UserID: userID, Structure: "savings_plus"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestListAccountTransactions_AccessRules(t *testing.T) {
	f := newFixture(t, domain.AccountTypeGroceries)
	allocator := NewAllocator(f.repo, EqualSplit{})
	for _, ref := range []string{"TRF-A", "TRF-B"} {
		_, err := allocator.Allocate(context.Background(), AllocationRequest{MainAccountID: f.main.ID, Amount: 1001, Reference: ref})
		require.NoError(t, err)
	}
	svc := NewAccountService(f.repo)

	entries, err := svc.ListAccountTransactions(context.Background(), f.dependentID, f.subs[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "TRF-B-GROCERIES", entries[0].Reference)
	assert.Equal(t, "TRF-A-GROCERIES", entries[1].Reference)

	entries, err = svc.ListAccountTransactions(context.Background(), f.caregiverID, f.subs[0].ID, 1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "TRF-A-GROCERIES", entries[0].Reference)

	_, err = svc.ListAccountTransactions(context.Background(), f.funderID, f.main.ID, 10, 0)
	assert.Equal(t, KindAuthorization, KindOf(err))

	_, err = svc.ListAccountTransactions(context.Background(), f.dependentID, uuid.New(), 10, 0)
	assert.Equal(t, KindNotFound, KindOf(err))

	entries, err = svc.ListAccountTransactions(context.Background(), f.dependentID, f.subs[0].ID, 10, 5)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestListAccounts_MainFirst(t *testing.T) {
	f := newFixture(t, domain.AccountTypePregnancy, domain.AccountTypeBabyCare)

	accounts, err := NewAccountService(f.repo).ListAccounts(context.Background(), f.dependentID)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, domain.AccountTypeMain, accounts[0].Type)
	assert.Equal(t, domain.AccountTypeBabyCare, accounts[1].Type)
	assert.Equal(t, domain.AccountTypePregnancy, accounts[2].Type)
}
