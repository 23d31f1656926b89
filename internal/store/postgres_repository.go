/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Account and ledger queries are written once against a small `querier` interface so
 * the same code runs on the pool (plain reads) and inside a pgx.Tx (locked reads and
 * writes that must commit together).
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `id, account_number, user_id, caregiver_id, parent_account_id, account_type, balance, currency, status, created_at, last_transaction_at`

const ledgerColumns = `id, account_id, reference, amount, type, status, description, metadata, counterpart_account_id, created_at`

// pgQueries holds the account and ledger queries. When lock is set, account reads take
// row locks that last until the surrounding transaction ends.
type pgQueries struct {
	q    querier
	lock bool
}

func (p pgQueries) lockClause() string {
	if p.lock {
		return " FOR UPDATE"
	}
	return ""
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	var accountType string
	err := row.Scan(
		&account.ID,
		&account.AccountNumber,
		&account.UserID,
		&account.CaregiverID,
		&account.ParentAccountID,
		&accountType,
		&account.Balance,
		&account.Currency,
		&account.Status,
		&account.CreatedAt,
		&account.LastTransactionAt,
	)
	if err != nil {
		return nil, err
	}
	account.Type = domain.AccountType(accountType)
	return &account, nil
}

func collectAccounts(rows pgx.Rows) ([]domain.Account, error) {
	defer rows.Close()
	var accounts []domain.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

// FindAccountByID retrieves an account by its ID.
func (p pgQueries) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1` + p.lockClause()
	account, err := scanAccount(p.q.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// FindMainAccountByUserID retrieves the Main account owned by a user.
func (p pgQueries) FindMainAccountByUserID(ctx context.Context, userID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 AND account_type = $2` + p.lockClause()
	account, err := scanAccount(p.q.QueryRow(ctx, query, userID, string(domain.AccountTypeMain)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// ListActiveSubAccounts returns the active category children of a Main account, ordered
// by type name. Legacy types outside the category set are not returned.
func (p pgQueries) ListActiveSubAccounts(ctx context.Context, parentID uuid.UUID) ([]domain.Account, error) {
	categories := make([]string, 0, len(domain.SubAccountTypes))
	for _, t := range domain.SubAccountTypes {
		categories = append(categories, string(t))
	}
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE parent_account_id = $1 AND status = $2 AND account_type = ANY($3)
		ORDER BY account_type ASC` + p.lockClause()
	rows, err := p.q.Query(ctx, query, parentID, domain.AccountStatusActive, categories)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// ListAccountsByUserID returns every account a user owns, Main first.
func (p pgQueries) ListAccountsByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE user_id = $1
		ORDER BY (account_type = 'Main') DESC, account_type ASC`
	rows, err := p.q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// AccountNumberExists checks the unique account number index.
func (p pgQueries) AccountNumberExists(ctx context.Context, accountNumber string) (bool, error) {
	var exists bool
	err := p.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number = $1)`, accountNumber).Scan(&exists)
	return exists, err
}

// CreateAccount inserts a new account record into the database.
func (p pgQueries) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, account_number, user_id, caregiver_id, parent_account_id, account_type, balance, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := p.q.Exec(ctx, query,
		account.ID,
		account.AccountNumber,
		account.UserID,
		account.CaregiverID,
		account.ParentAccountID,
		string(account.Type),
		account.Balance,
		account.Currency,
		account.Status,
		account.CreatedAt,
	)
	return translateConstraintError(err, ErrDuplicateAccountNumber, nil)
}

// IncrementBalance adjusts an account balance and stamps the last transaction time.
func (p pgQueries) IncrementBalance(ctx context.Context, accountID uuid.UUID, amount int64, at time.Time) (int64, error) {
	query := `
		UPDATE accounts
		SET balance = balance + $1, last_transaction_at = $2
		WHERE id = $3
		RETURNING balance
	`
	var balance int64
	err := p.q.QueryRow(ctx, query, amount, at, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, translateConstraintError(err, nil, ErrNegativeBalance)
	}
	return balance, nil
}

// CreateLedgerEntry inserts one row into the transactions table.
func (p pgQueries) CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO transactions (id, account_id, reference, amount, type, status, description, metadata, counterpart_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = p.q.Exec(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.Reference,
		entry.Amount,
		entry.Type,
		entry.Status,
		entry.Description,
		metadata,
		entry.CounterpartAccountID,
		entry.CreatedAt,
	)
	return translateConstraintError(err, ErrDuplicateReference, nil)
}

// LedgerReferenceExists checks for the base reference or any "<base>-..." derivative.
func (p pgQueries) LedgerReferenceExists(ctx context.Context, baseReference string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM transactions WHERE reference = $1 OR reference LIKE $2 ESCAPE '\')`
	err := p.q.QueryRow(ctx, query, baseReference, escapeLike(baseReference)+"-%").Scan(&exists)
	return exists, err
}

// ListLedgerEntriesByAccount returns the newest entries first.
func (p pgQueries) ListLedgerEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := p.q.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var entry domain.LedgerEntry
		var metadata []byte
		if err := rows.Scan(
			&entry.ID,
			&entry.AccountID,
			&entry.Reference,
			&entry.Amount,
			&entry.Type,
			&entry.Status,
			&entry.Description,
			&metadata,
			&entry.CounterpartAccountID,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode ledger metadata for %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// encodeMetadata renders ledger metadata as JSON text. The pool runs in simple protocol
// mode, where a []byte argument is sent as bytea and a JSONB column rejects it.
func encodeMetadata(metadata map[string]interface{}) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}
	return string(encoded), nil
}

// translateConstraintError maps unique and check violations onto the repository's
// sentinel errors. A nil sentinel leaves that class of violation untouched.
func translateConstraintError(err, onUnique, onCheck error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation && onUnique != nil:
		return fmt.Errorf("%w: %s", onUnique, pgErr.ConstraintName)
	case pgErr.Code == pgCheckViolation && onCheck != nil:
		return fmt.Errorf("%w: %s", onCheck, pgErr.ConstraintName)
	}
	return err
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// postgresTx is the unit of work handed to WithTx callbacks.
type postgresTx struct {
	pgQueries
}

// LockAccount loads an account with SELECT ... FOR UPDATE.
func (t *postgresTx) LockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return t.FindAccountByID(ctx, accountID)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	pgQueries
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgQueries: pgQueries{q: db}, db: db}
}

// WithTx runs fn inside a READ COMMITTED transaction. Row locks taken through the Tx
// serialize concurrent allocations into the same Main account.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{pgQueries: pgQueries{q: tx, lock: true}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, full_name, email, role, status FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.FullName, &user.Email, &user.Role, &user.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindFundingSourceByID retrieves a tokenized card by its ID.
func (r *PostgresRepository) FindFundingSourceByID(ctx context.Context, fundingSourceID uuid.UUID) (*domain.FundingSource, error) {
	var source domain.FundingSource
	query := `
		SELECT id, user_id, authorization_code, email, card_last4, card_brand, status
		FROM funding_sources
		WHERE id = $1
	`
	err := r.db.QueryRow(ctx, query, fundingSourceID).Scan(
		&source.ID,
		&source.UserID,
		&source.AuthorizationCode,
		&source.Email,
		&source.CardLast4,
		&source.CardBrand,
		&source.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFundingSourceNotFound
		}
		return nil, err
	}
	return &source, nil
}

// FindRelationship retrieves the funder to dependent link.
func (r *PostgresRepository) FindRelationship(ctx context.Context, funderID, dependentID uuid.UUID) (*domain.FunderDependent, error) {
	var rel domain.FunderDependent
	query := `SELECT funder_id, dependent_id, status FROM funder_dependents WHERE funder_id = $1 AND dependent_id = $2`
	err := r.db.QueryRow(ctx, query, funderID, dependentID).Scan(&rel.FunderID, &rel.DependentID, &rel.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRelationshipNotFound
		}
		return nil, err
	}
	return &rel, nil
}

const transferAttemptColumns = `id, reference, funder_id, dependent_id, funding_source_id, amount, state, charge_id, failure_reason, refund_status, refund_error, alerted_at, created_at, updated_at`

// CreateTransferAttempt inserts the audit row for a transfer.
func (r *PostgresRepository) CreateTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	query := `
		INSERT INTO transfer_attempts (id, reference, funder_id, dependent_id, funding_source_id, amount, state, refund_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err := r.db.Exec(ctx, query,
		attempt.ID,
		attempt.Reference,
		attempt.FunderID,
		attempt.DependentID,
		attempt.FundingSourceID,
		attempt.Amount,
		attempt.State,
		attempt.RefundStatus,
		attempt.CreatedAt,
	)
	return err
}

// UpdateTransferAttempt applies the non-nil fields of update.
func (r *PostgresRepository) UpdateTransferAttempt(ctx context.Context, attemptID uuid.UUID, update TransferAttemptUpdate) error {
	query := `
		UPDATE transfer_attempts
		SET
			state = COALESCE($2, state),
			charge_id = COALESCE($3, charge_id),
			failure_reason = COALESCE($4, failure_reason),
			refund_status = COALESCE($5, refund_status),
			refund_error = COALESCE($6, refund_error),
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, attemptID, update.State, update.ChargeID, update.FailureReason, update.RefundStatus, update.RefundError)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferAttemptNotFound
	}
	return nil
}

// ListUnreconciledTransferAttempts returns charged transfers whose allocation and refund
// both failed and which have not been alerted on yet.
func (r *PostgresRepository) ListUnreconciledTransferAttempts(ctx context.Context, limit int) ([]domain.TransferAttempt, error) {
	query := `
		SELECT ` + transferAttemptColumns + `
		FROM transfer_attempts
		WHERE state = $1 AND refund_status = $2 AND alerted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $3`
	rows, err := r.db.Query(ctx, query, domain.TransferStateAllocationFailedAfterCharge, domain.RefundStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.TransferAttempt
	for rows.Next() {
		var a domain.TransferAttempt
		if err := rows.Scan(
			&a.ID,
			&a.Reference,
			&a.FunderID,
			&a.DependentID,
			&a.FundingSourceID,
			&a.Amount,
			&a.State,
			&a.ChargeID,
			&a.FailureReason,
			&a.RefundStatus,
			&a.RefundError,
			&a.AlertedAt,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// MarkTransferAttemptAlerted stamps alerted_at so the sweep reports each attempt once.
func (r *PostgresRepository) MarkTransferAttemptAlerted(ctx context.Context, attemptID uuid.UUID, at time.Time) error {
	result, err := r.db.Exec(ctx, `UPDATE transfer_attempts SET alerted_at = $2, updated_at = NOW() WHERE id = $1`, attemptID, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransferAttemptNotFound
	}
	return nil
}
