package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/fxinvest/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	accountsSummaryCacheKey = "accounts:summary"
	summaryCacheTTL         = 30 * time.Second
)

// AccountService owns the trading-account CRUD surface. The balance column is
// not part of its mutation contract: current_balance is seeded from the initial
// deposit on create and afterwards written only by the reconciler.
type AccountService struct {
	db         *sql.DB
	redis      *redis.Client
	reconciler *BalanceReconciler
	validator  *ValidationHelper
}

func NewAccountService(db *sql.DB, redisClient *redis.Client) *AccountService {
	return &AccountService{
		db:         db,
		redis:      redisClient,
		reconciler: NewBalanceReconciler(db),
		validator:  NewValidationHelper(),
	}
}

const accountColumns = `id, account_id, account_name, initial_deposit, current_balance, currency, COALESCE(description, ''), created_date, is_active, created_at, updated_at`

type createAccountRequest struct {
	AccountID      string          `json:"accountId" validate:"required,max=50"`
	AccountName    string          `json:"accountName" validate:"required,max=100"`
	InitialDeposit decimal.Decimal `json:"initialDeposit"`
	Currency       string          `json:"currency" validate:"omitempty,max=10"`
	Description    string          `json:"description"`
	CreatedDate    *time.Time      `json:"createdDate"`
	IsActive       *bool           `json:"isActive"`
}

// ListAccounts retrieves all accounts
// @Summary List accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} object{accounts=[]models.Account,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /accounts [get]
func (as *AccountService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := as.fetchAccounts(`
		SELECT ` + accountColumns + `
		FROM accounts
		ORDER BY id`)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list accounts: %v", err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// ListActiveAccounts retrieves active accounts ordered by name
// @Summary List active accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} object{accounts=[]models.Account,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /accounts/active [get]
func (as *AccountService) ListActiveAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := as.fetchAccounts(`
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE is_active = true
		ORDER BY account_name`)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to list active accounts: %v", err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// GetAccount retrieves an account by surrogate key
// @Summary Get account by ID
// @Tags accounts
// @Produce json
// @Param id path int true "Account ID"
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id} [get]
func (as *AccountService) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	account, err := as.fetchAccount(`
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch account %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// GetAccountByAccountID retrieves an account by business key
// @Summary Get account by business key
// @Tags accounts
// @Produce json
// @Param accountId path string true "Account business key"
// @Success 200 {object} models.Account
// @Failure 404 {object} ErrorResponse
// @Router /accounts/by-account-id/{accountId} [get]
func (as *AccountService) GetAccountByAccountID(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	account, err := as.fetchAccount(`
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_id = $1`, accountID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// GetAccountsSummary aggregates balances across all accounts
// @Summary Get accounts summary
// @Description Portfolio totals plus a per-currency breakdown; cached briefly in Redis when available
// @Tags accounts
// @Produce json
// @Success 200 {object} models.AccountsSummary
// @Failure 500 {object} ErrorResponse
// @Router /accounts/summary [get]
func (as *AccountService) GetAccountsSummary(w http.ResponseWriter, r *http.Request) {
	if as.redis != nil {
		if cached, err := as.redis.Get(r.Context(), accountsSummaryCacheKey).Bytes(); err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Write(cached)
			return
		}
	}

	summary := models.AccountsSummary{ByCurrency: []models.CurrencySummary{}}

	err := as.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(current_balance), 0), COUNT(*) FILTER (WHERE is_active)
		FROM accounts`).Scan(&summary.TotalAccounts, &summary.TotalBalance, &summary.ActiveAccounts)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to summarise accounts: %v", err)
		SendErrorResponse(w, "Failed to fetch accounts summary", http.StatusInternalServerError, nil)
		return
	}

	rows, err := as.db.Query(`
		SELECT currency, COUNT(*), COALESCE(SUM(current_balance), 0), COUNT(*) FILTER (WHERE is_active)
		FROM accounts
		GROUP BY currency
		ORDER BY currency`)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to summarise accounts by currency: %v", err)
		SendErrorResponse(w, "Failed to fetch accounts summary", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	for rows.Next() {
		cs := models.CurrencySummary{}
		if err := rows.Scan(&cs.Currency, &cs.TotalAccounts, &cs.TotalBalance, &cs.ActiveAccounts); err != nil {
			log.Printf("[ACCOUNT] Failed to scan currency summary: %v", err)
			SendErrorResponse(w, "Failed to fetch accounts summary", http.StatusInternalServerError, nil)
			return
		}
		summary.ByCurrency = append(summary.ByCurrency, cs)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch accounts summary", http.StatusInternalServerError, nil)
		return
	}

	payload, _ := json.Marshal(summary)
	if as.redis != nil {
		as.redis.Set(r.Context(), accountsSummaryCacheKey, payload, summaryCacheTTL)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// CreateAccount creates a new trading account
// @Summary Create an account
// @Description The balance starts equal to the initial deposit; with an empty ledger that is the only consistent value
// @Tags accounts
// @Accept json
// @Produce json
// @Param account body createAccountRequest true "Account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /accounts [post]
func (as *AccountService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.InitialDeposit.IsNegative() {
		SendErrorResponse(w, "Initial deposit must not be negative", http.StatusBadRequest, nil)
		return
	}

	account := models.Account{
		AccountID:      req.AccountID,
		AccountName:    req.AccountName,
		InitialDeposit: req.InitialDeposit,
		CurrentBalance: req.InitialDeposit,
		Currency:       req.Currency,
		Description:    req.Description,
		CreatedDate:    time.Now(),
		IsActive:       true,
	}
	if account.Currency == "" {
		account.Currency = "USD"
	}
	if req.CreatedDate != nil {
		account.CreatedDate = *req.CreatedDate
	}
	if req.IsActive != nil {
		account.IsActive = *req.IsActive
	}

	err := as.db.QueryRow(`
		INSERT INTO accounts
		(account_id, account_name, initial_deposit, current_balance, currency, description, created_date, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())
		RETURNING id, created_at, updated_at`,
		account.AccountID, account.AccountName, account.InitialDeposit, account.CurrentBalance,
		account.Currency, account.Description, account.CreatedDate, account.IsActive).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			SendErrorResponse(w, fmt.Sprintf("Account %s already exists", account.AccountID), http.StatusConflict, nil)
			return
		}
		log.Printf("[ACCOUNT] Failed to create account %s: %v", account.AccountID, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// UpdateAccount replaces an account's mutable fields
// @Summary Update an account
// @Description Replace name, currency, description, active flag and initial deposit; the balance is recomputed when the initial deposit changes, never set directly
// @Tags accounts
// @Accept json
// @Produce json
// @Param id path int true "Account ID"
// @Param account body createAccountRequest true "Account data"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id} [put]
func (as *AccountService) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	var req createAccountRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.InitialDeposit.IsNegative() {
		SendErrorResponse(w, "Initial deposit must not be negative", http.StatusBadRequest, nil)
		return
	}

	dbTx, err := as.db.Begin()
	if err != nil {
		log.Printf("[ACCOUNT] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	var accountID string
	var initialDeposit decimal.Decimal
	err = dbTx.QueryRow(`
		SELECT account_id, initial_deposit FROM accounts WHERE id = $1 FOR UPDATE`, id).
		Scan(&accountID, &initialDeposit)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch account %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	_, err = dbTx.Exec(`
		UPDATE accounts
		SET account_name = $1, currency = $2, description = $3, is_active = $4, initial_deposit = $5, updated_at = NOW()
		WHERE id = $6`,
		req.AccountName, currency, req.Description, isActive, req.InitialDeposit, id)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to update account %d: %v", id, err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}

	// Balance depends on the initial deposit, so a change there invalidates it.
	if !req.InitialDeposit.Equal(initialDeposit) {
		if err := as.reconciler.RecomputeTx(dbTx, accountID); err != nil {
			log.Printf("[ACCOUNT] Recomputation failed for account %s: %v", accountID, err)
			SendErrorResponse(w, "Failed to reconcile account balance", http.StatusInternalServerError, nil)
			return
		}
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[ACCOUNT] Failed to commit transaction: %v", err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchAccount partially updates an account
// @Summary Patch an account
// @Description Update selected fields; currentBalance is derived from the ledger and rejected here
// @Tags accounts
// @Accept json
// @Produce json
// @Param id path int true "Account ID"
// @Param updates body map[string]interface{} true "Field updates"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{id} [patch]
func (as *AccountService) PatchAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	var updates map[string]any

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	account, err := as.fetchAccount(`
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch account %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}

	for key, value := range updates {
		switch strings.ToLower(key) {
		case "accountname":
			account.AccountName = fmt.Sprintf("%v", value)
		case "currency":
			account.Currency = fmt.Sprintf("%v", value)
		case "description":
			account.Description = fmt.Sprintf("%v", value)
		case "isactive":
			active, ok := value.(bool)
			if !ok {
				SendErrorResponse(w, "Invalid isActive value", http.StatusBadRequest, nil)
				return
			}
			account.IsActive = active
		case "currentbalance", "initialdeposit":
			// Only the reconciler may write the balance or its inputs.
			SendErrorResponse(w,
				"currentBalance is derived from the transaction ledger and cannot be set directly",
				http.StatusBadRequest, nil)
			return
		}
	}

	_, err = as.db.Exec(`
		UPDATE accounts
		SET account_name = $1, currency = $2, description = $3, is_active = $4, updated_at = NOW()
		WHERE id = $5`,
		account.AccountName, account.Currency, account.Description, account.IsActive, id)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to patch account %d: %v", id, err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteAccount deletes an account without transactions
// @Summary Delete an account
// @Description Deletion is restricted while ledger transactions still reference the account
// @Tags accounts
// @Param id path int true "Account ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /accounts/{id} [delete]
func (as *AccountService) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	var accountID string
	err = as.db.QueryRow(`SELECT account_id FROM accounts WHERE id = $1`, id).Scan(&accountID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] Failed to fetch account %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}

	var hasTransactions bool
	err = as.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM transactions WHERE account_id = $1)`, accountID).
		Scan(&hasTransactions)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to check transactions for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to delete account", http.StatusInternalServerError, nil)
		return
	}

	if hasTransactions {
		SendErrorResponse(w, "Account has transactions and cannot be deleted", http.StatusConflict, nil)
		return
	}

	_, err = as.db.Exec(`DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			SendErrorResponse(w, "Account has transactions and cannot be deleted", http.StatusConflict, nil)
			return
		}
		log.Printf("[ACCOUNT] Failed to delete account %d: %v", id, err)
		SendErrorResponse(w, "Failed to delete account", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (as *AccountService) fetchAccount(query string, args ...any) (*models.Account, error) {
	account := models.Account{}
	err := as.db.QueryRow(query, args...).Scan(
		&account.ID, &account.AccountID, &account.AccountName, &account.InitialDeposit,
		&account.CurrentBalance, &account.Currency, &account.Description, &account.CreatedDate,
		&account.IsActive, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (as *AccountService) fetchAccounts(query string, args ...any) ([]models.Account, error) {
	rows, err := as.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		account := models.Account{}
		err := rows.Scan(
			&account.ID, &account.AccountID, &account.AccountName, &account.InitialDeposit,
			&account.CurrentBalance, &account.Currency, &account.Description, &account.CreatedDate,
			&account.IsActive, &account.CreatedAt, &account.UpdatedAt)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
