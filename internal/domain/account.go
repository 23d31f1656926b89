/**
 * @description
 * This file defines the account model for the funds-service. A user holds one Main
 * account and, for dependents, up to seven category sub-accounts linked to it.
 *
 * @notes
 * - Balances are stored as `int64` cents (ZAR minor units) to avoid floating-point
 *   inaccuracies with financial data.
 * - AccountType is the single definition of the category set shared by the
 *   allocation engine and the account provisioner.
 */

package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CurrencyZAR is the only currency the service handles.
const CurrencyZAR = "ZAR"

// AccountType is the purpose tag of an account.
type AccountType string

const (
	AccountTypeMain          AccountType = "Main"
	AccountTypeHealthcare    AccountType = "Healthcare"
	AccountTypeGroceries     AccountType = "Groceries"
	AccountTypeEducation     AccountType = "Education"
	AccountTypeClothing      AccountType = "Clothing"
	AccountTypeBabyCare      AccountType = "Baby Care"
	AccountTypeEntertainment AccountType = "Entertainment"
	AccountTypePregnancy     AccountType = "Pregnancy"
)

// ErrUnknownAccountType is returned when a stored or requested type is outside the category set.
var ErrUnknownAccountType = errors.New("unknown account type")

// SubAccountTypes lists the category sub-account types in ascending name order.
var SubAccountTypes = []AccountType{
	AccountTypeBabyCare,
	AccountTypeClothing,
	AccountTypeEducation,
	AccountTypeEntertainment,
	AccountTypeGroceries,
	AccountTypeHealthcare,
	AccountTypePregnancy,
}

// ParseAccountType resolves a type name, case-insensitively. Legacy types such as
// "Savings" are rejected.
func ParseAccountType(raw string) (AccountType, error) {
	name := strings.TrimSpace(raw)
	if strings.EqualFold(name, string(AccountTypeMain)) {
		return AccountTypeMain, nil
	}
	for _, t := range SubAccountTypes {
		if strings.EqualFold(name, string(t)) {
			return t, nil
		}
	}
	return "", ErrUnknownAccountType
}

// IsMain reports whether the type is the parent Main account.
func (t AccountType) IsMain() bool {
	return t == AccountTypeMain
}

// Code returns an upper-case token used to derive per-account ledger references,
// e.g. "BABY_CARE".
func (t AccountType) Code() string {
	return strings.ToUpper(strings.ReplaceAll(string(t), " ", "_"))
}

// Account status values.
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
)

// Account represents a user's Main account or one of its category sub-accounts.
// This struct maps directly to the `accounts` table in the database.
type Account struct {
	ID                uuid.UUID   `json:"id"`
	AccountNumber     string      `json:"account_number"`
	UserID            uuid.UUID   `json:"user_id"`
	CaregiverID       *uuid.UUID  `json:"caregiver_id,omitempty"`
	ParentAccountID   *uuid.UUID  `json:"parent_account_id,omitempty"`
	Type              AccountType `json:"account_type"`
	Balance           int64       `json:"balance"` // in cents
	Currency          string      `json:"currency"`
	Status            string      `json:"status"`
	CreatedAt         time.Time   `json:"created_at"`
	LastTransactionAt *time.Time  `json:"last_transaction_at,omitempty"`
}

// IsActive reports whether the account can receive funds.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
