package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `TRF\_1\%`, escapeLike("TRF_1%"))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
	assert.Equal(t, "TRF-123", escapeLike("TRF-123"))
}

func TestEncodeMetadata(t *testing.T) {
	encoded, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", encoded)

	encoded, err = encodeMetadata(map[string]interface{}{"category": "Healthcare"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"Healthcare"}`, encoded)

	_, err = encodeMetadata(map[string]interface{}{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestTranslateConstraintError(t *testing.T) {
	unique := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "transactions_reference_key"}
	check := &pgconn.PgError{Code: pgCheckViolation, ConstraintName: "accounts_balance_check"}
	other := errors.New("connection reset")

	assert.NoError(t, translateConstraintError(nil, ErrDuplicateReference, nil))
	assert.ErrorIs(t, translateConstraintError(fmt.Errorf("insert: %w", unique), ErrDuplicateReference, nil), ErrDuplicateReference)
	assert.ErrorIs(t, translateConstraintError(check, nil, ErrNegativeBalance), ErrNegativeBalance)
	assert.Equal(t, check, translateConstraintError(check, ErrDuplicateReference, nil))
	assert.Equal(t, other, translateConstraintError(other, ErrDuplicateReference, ErrNegativeBalance))
}

// newPostgresTestRepository connects to DATABASE_URL, loads schema.sql into a throwaway
// schema and drops it when the test ends.
func newPostgresTestRepository(t *testing.T) (*PostgresRepository, *pgxpool.Pool) {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping PostgreSQL repository test")
	}
	ctx := context.Background()

	schemaName := "funds_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, databaseURL)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schemaName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schemaName+" CASCADE")
		_ = admin.Close(context.Background())
	})

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	require.NoError(t, err)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schemaName
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("schema.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	return NewPostgresRepository(pool), pool
}

func seedPostgresTree(t *testing.T, repo *PostgresRepository, pool *pgxpool.Pool) (domain.Account, domain.Account) {
	t.Helper()
	ctx := context.Background()
	userID := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO users (id, full_name, email, role) VALUES ($1, $2, $3, $4)`,
		userID, "Dependent One", userID.String()+"@example.com", domain.RoleDependent)
	require.NoError(t, err)

	mainAcct := domain.Account{ID: uuid.New(), AccountNumber: "6210000000", UserID: userID, Type: domain.AccountTypeMain, Currency: domain.CurrencyZAR, Status: domain.AccountStatusActive, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateAccount(ctx, &mainAcct))
	sub := domain.Account{ID: uuid.New(), AccountNumber: "6210000001", UserID: userID, ParentAccountID: &mainAcct.ID, Type: domain.AccountTypeHealthcare, Currency: domain.CurrencyZAR, Status: domain.AccountStatusActive, CreatedAt: time.Now()}
	require.NoError(t, repo.CreateAccount(ctx, &sub))
	return mainAcct, sub
}

func TestPostgresRepository_WithTxCommitsBalanceAndEntry(t *testing.T) {
	repo, pool := newPostgresTestRepository(t)
	mainAcct, sub := seedPostgresTree(t, repo, pool)
	ctx := context.Background()

	err := repo.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAccount(ctx, mainAcct.ID); err != nil {
			return err
		}
		if _, err := tx.IncrementBalance(ctx, sub.ID, 1250, time.Now()); err != nil {
			return err
		}
		if err := tx.CreateLedgerEntry(ctx, &domain.LedgerEntry{
			ID:                   uuid.New(),
			AccountID:            sub.ID,
			Reference:            "PG-1-HEALTHCARE",
			Amount:               1250,
			Type:                 domain.EntryTypeCredit,
			Status:               domain.EntryStatusCompleted,
			Metadata:             map[string]interface{}{"category": "Healthcare"},
			CounterpartAccountID: &mainAcct.ID,
			CreatedAt:            time.Now(),
		}); err != nil {
			return err
		}
		return tx.CreateLedgerEntry(ctx, &domain.LedgerEntry{
			ID:        uuid.New(),
			AccountID: mainAcct.ID,
			Reference: "PG-1-MAIN",
			Amount:    1250,
			Type:      domain.EntryTypeTransferOut,
			Status:    domain.EntryStatusCompleted,
			CreatedAt: time.Now(),
		})
	})
	require.NoError(t, err)

	account, err := repo.FindAccountByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1250, account.Balance)
	assert.NotNil(t, account.LastTransactionAt)

	entries, err := repo.ListLedgerEntriesByAccount(ctx, sub.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "PG-1-HEALTHCARE", entries[0].Reference)
	assert.Equal(t, "Healthcare", entries[0].Metadata["category"])

	mainEntries, err := repo.ListLedgerEntriesByAccount(ctx, mainAcct.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, mainEntries, 1)
	assert.Empty(t, mainEntries[0].Metadata)

	exists, err := repo.LedgerReferenceExists(ctx, "PG-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// "_" must not act as a wildcard against "PG-1-...".
	exists, err = repo.LedgerReferenceExists(ctx, "PG_1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPostgresRepository_WithTxRollsBackOnError(t *testing.T) {
	repo, pool := newPostgresTestRepository(t)
	mainAcct, _ := seedPostgresTree(t, repo, pool)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.IncrementBalance(ctx, mainAcct.ID, 500, time.Now()); err != nil {
			return err
		}
		if err := tx.CreateLedgerEntry(ctx, &domain.LedgerEntry{
			ID:        uuid.New(),
			AccountID: mainAcct.ID,
			Reference: "PG-2-MAIN",
			Amount:    500,
			Type:      domain.EntryTypeCredit,
			Status:    domain.EntryStatusCompleted,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	account, err := repo.FindAccountByID(ctx, mainAcct.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, account.Balance)

	exists, err := repo.LedgerReferenceExists(ctx, "PG-2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPostgresRepository_Constraints(t *testing.T) {
	repo, pool := newPostgresTestRepository(t)
	mainAcct, sub := seedPostgresTree(t, repo, pool)
	ctx := context.Background()

	entry := func() *domain.LedgerEntry {
		return &domain.LedgerEntry{
			ID:        uuid.New(),
			AccountID: mainAcct.ID,
			Reference: "PG-3-MAIN",
			Amount:    100,
			Type:      domain.EntryTypeCredit,
			Status:    domain.EntryStatusCompleted,
			CreatedAt: time.Now(),
		}
	}
	require.NoError(t, repo.CreateLedgerEntry(ctx, entry()))
	assert.ErrorIs(t, repo.CreateLedgerEntry(ctx, entry()), ErrDuplicateReference)

	_, err := repo.IncrementBalance(ctx, sub.ID, -1, time.Now())
	assert.ErrorIs(t, err, ErrNegativeBalance)

	_, err = repo.IncrementBalance(ctx, uuid.New(), 1, time.Now())
	assert.ErrorIs(t, err, ErrAccountNotFound)

	duplicate := domain.Account{ID: uuid.New(), AccountNumber: sub.AccountNumber, UserID: sub.UserID, ParentAccountID: &mainAcct.ID, Type: domain.AccountTypeClothing, Currency: domain.CurrencyZAR, Status: domain.AccountStatusActive, CreatedAt: time.Now()}
	assert.ErrorIs(t, repo.CreateAccount(ctx, &duplicate), ErrDuplicateAccountNumber)

	subs, err := repo.ListActiveSubAccounts(ctx, mainAcct.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)
}
