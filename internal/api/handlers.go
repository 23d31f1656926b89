/**
 * @description
 * This file contains the HTTP handlers for the funds-service's API endpoints.
 * Handlers parse and validate incoming requests, call the application services and
 * shape the JSON responses the mobile app expects. Amounts cross this boundary as
 * rand strings ("100.00") and are held as cents everywhere behind it.
 *
 * @dependencies
 * - github.com/go-playground/validator/v10: request DTO validation.
 * - github.com/shopspring/decimal: parsing rand amounts.
 * - internal/app, internal/domain: service logic and models.
 */

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/carefunds/funds-service/internal/app"
	"github.com/carefunds/funds-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxRequestBodyBytes = 1 << 20

// TransferSender runs the charge-and-allocate flow.
type TransferSender interface {
	SendTransfer(ctx context.Context, funderID uuid.UUID, req domain.SendTransferRequest) (*domain.TransferSummary, error)
}

// AccountManager provisions and reads account trees.
type AccountManager interface {
	ProvisionAccounts(ctx context.Context, req app.ProvisionRequest) ([]domain.Account, error)
	ListAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
	ListAccountTransactions(ctx context.Context, userID, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error)
}

// Handlers holds the application services that handlers will use.
type Handlers struct {
	transfers TransferSender
	accounts  AccountManager
	validate  *validator.Validate
	pageLimit int
}

// NewHandlers creates a new Handlers. pageLimit is the default transaction page size.
func NewHandlers(transfers TransferSender, accounts AccountManager, pageLimit int) *Handlers {
	validate := validator.New()
	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handlers{
		transfers: transfers,
		accounts:  accounts,
		validate:  validate,
		pageLimit: pageLimit,
	}
}

type sendTransferRequest struct {
	FundingSourceID string      `json:"fundingSourceId" validate:"required,uuid"`
	DependentID     string      `json:"dependentId" validate:"required,uuid"`
	Amount          json.Number `json:"amount" validate:"required"`
	Description     string      `json:"description" validate:"max=255"`
}

type provisionAccountsRequest struct {
	UserID           string `json:"userId" validate:"required,uuid"`
	CaregiverID      string `json:"caregiverId" validate:"omitempty,uuid"`
	AccountStructure string `json:"accountStructure" validate:"omitempty,oneof=basic_needs main_only"`
}

type sourceView struct {
	ID        string `json:"id"`
	CardLast4 string `json:"cardLast4"`
	CardBrand string `json:"cardBrand"`
}

type beneficiaryView struct {
	AccountNumber string `json:"accountNumber"`
}

type balanceUpdateView struct {
	MainAccountBalance string `json:"mainAccountBalance"`
	TotalBalance       string `json:"totalBalance"`
}

type splitView struct {
	AccountType   string `json:"accountType"`
	AccountNumber string `json:"accountNumber"`
	Amount        string `json:"amount"`
	Percentage    string `json:"percentage"`
}

type fundSplittingView struct {
	TotalSplitAmount string      `json:"totalSplitAmount"`
	RemainingAmount  string      `json:"remainingAmount"`
	Splits           []splitView `json:"splits"`
}

// transferResponse mirrors the transfer receipt rendered by the mobile app.
type transferResponse struct {
	TransactionRef string            `json:"transactionRef"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	FromSource     sourceView        `json:"fromSource"`
	ToBeneficiary  beneficiaryView   `json:"toBeneficiary"`
	Status         string            `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	BalanceUpdate  balanceUpdateView `json:"balanceUpdate"`
	FundSplitting  fundSplittingView `json:"fundSplitting"`
}

type accountView struct {
	ID                string     `json:"id"`
	AccountNumber     string     `json:"accountNumber"`
	AccountType       string     `json:"accountType"`
	ParentAccountID   *uuid.UUID `json:"parentAccountId,omitempty"`
	Balance           string     `json:"balance"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastTransactionAt *time.Time `json:"lastTransactionAt,omitempty"`
}

type ledgerEntryView struct {
	ID          string                 `json:"id"`
	Reference   string                 `json:"reference"`
	Amount      string                 `json:"amount"`
	Type        string                 `json:"type"`
	Status      string                 `json:"status"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

func buildTransferResponse(summary *domain.TransferSummary) transferResponse {
	resp := transferResponse{
		TransactionRef: summary.Reference,
		Amount:         app.FormatMinorUnits(summary.Amount),
		Currency:       summary.Currency,
		FromSource: sourceView{
			ID:        summary.FundingSource.ID.String(),
			CardLast4: summary.FundingSource.CardLast4,
			CardBrand: summary.FundingSource.CardBrand,
		},
		ToBeneficiary: beneficiaryView{AccountNumber: summary.Beneficiary.AccountNumber},
		Status:        summary.Status,
		Timestamp:     summary.CompletedAt,
		BalanceUpdate: balanceUpdateView{
			MainAccountBalance: app.FormatMinorUnits(summary.Beneficiary.Balance),
		},
		FundSplitting: fundSplittingView{Splits: []splitView{}},
	}

	if alloc := summary.Allocation; alloc != nil {
		resp.BalanceUpdate.MainAccountBalance = app.FormatMinorUnits(alloc.Main.NewBalance)
		resp.BalanceUpdate.TotalBalance = app.FormatMinorUnits(alloc.TreeBalance)
		resp.FundSplitting.TotalSplitAmount = app.FormatMinorUnits(alloc.TotalSplitAmount)
		resp.FundSplitting.RemainingAmount = app.FormatMinorUnits(alloc.RemainingAmount)
		for _, split := range alloc.Splits {
			resp.FundSplitting.Splits = append(resp.FundSplitting.Splits, splitView{
				AccountType:   string(split.AccountType),
				AccountNumber: split.AccountNumber,
				Amount:        app.FormatMinorUnits(split.Amount),
				Percentage:    split.Percentage.StringFixed(2),
			})
		}
	}
	return resp
}

func buildAccountView(a domain.Account) accountView {
	return accountView{
		ID:                a.ID.String(),
		AccountNumber:     a.AccountNumber,
		AccountType:       string(a.Type),
		ParentAccountID:   a.ParentAccountID,
		Balance:           app.FormatMinorUnits(a.Balance),
		Currency:          a.Currency,
		Status:            a.Status,
		CreatedAt:         a.CreatedAt,
		LastTransactionAt: a.LastTransactionAt,
	}
}

// SendTransferHandler charges a funder's card and allocates the deposit to a dependent.
func (h *Handlers) SendTransferHandler(w http.ResponseWriter, r *http.Request) {
	funderID, ok := GetUserID(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	var body sendTransferRequest
	if !h.decodeAndValidate(w, r, "send_transfer", &body) {
		return
	}

	amount, err := decimal.NewFromString(body.Amount.String())
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Amount must be a number")
		return
	}

	req := domain.SendTransferRequest{
		FundingSourceID: uuid.MustParse(body.FundingSourceID),
		DependentID:     uuid.MustParse(body.DependentID),
		Amount:          amount,
		Description:     strings.TrimSpace(body.Description),
	}

	log.Printf("level=info component=api endpoint=send_transfer outcome=accepted funder_id=%s dependent_id=%s amount=%s", funderID, req.DependentID, amount.StringFixed(2))

	summary, err := h.transfers.SendTransfer(r.Context(), funderID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=send_transfer outcome=failed funder_id=%s kind=%s err=%v", funderID, app.KindOf(err), err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, buildTransferResponse(summary))
}

// ListAccountsHandler returns the caller's accounts.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_accounts outcome=failed user_id=%s err=%v", userID, err)
		writeServiceError(w, err)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, buildAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// ListAccountTransactionsHandler pages through one account's ledger.
func (h *Handlers) ListAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Could not get user ID from context")
		return
	}

	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid account ID")
		return
	}

	limit, err := queryInt(r, "limit", h.pageLimit)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.accounts.ListAccountTransactions(r.Context(), userID, accountID, limit, offset)
	if err != nil {
		log.Printf("level=warn component=api endpoint=list_account_transactions outcome=failed user_id=%s account_id=%s err=%v", userID, accountID, err)
		writeServiceError(w, err)
		return
	}

	views := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, ledgerEntryView{
			ID:          e.ID.String(),
			Reference:   e.Reference,
			Amount:      app.FormatMinorUnits(e.Amount),
			Type:        e.Type,
			Status:      e.Status,
			Description: e.Description,
			Metadata:    e.Metadata,
			CreatedAt:   e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// ProvisionAccountsHandler creates the account tree for a newly onboarded user.
func (h *Handlers) ProvisionAccountsHandler(w http.ResponseWriter, r *http.Request) {
	var body provisionAccountsRequest
	if !h.decodeAndValidate(w, r, "provision_accounts", &body) {
		return
	}

	req := app.ProvisionRequest{
		UserID:    uuid.MustParse(body.UserID),
		Structure: body.AccountStructure,
	}
	if body.CaregiverID != "" {
		caregiverID := uuid.MustParse(body.CaregiverID)
		req.CaregiverID = &caregiverID
	}

	accounts, err := h.accounts.ProvisionAccounts(r.Context(), req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=provision_accounts outcome=failed user_id=%s err=%v", req.UserID, err)
		writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=provision_accounts outcome=created user_id=%s accounts=%d", req.UserID, len(accounts))
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, buildAccountView(a))
	}
	writeJSON(w, http.StatusCreated, views)
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags. It writes
// the 400 response itself and reports whether the handler may continue.
func (h *Handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=validation err=%v", endpoint, err)
		writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(fieldErrs) == 0 {
		return "Invalid request data"
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "uuid":
		return fmt.Sprintf("%s must be a valid UUID", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}
