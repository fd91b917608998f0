package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/fxinvest/backend/internal/models"
	"github.com/shopspring/decimal"
)

// TransactionService owns the ledger CRUD surface. Every mutation that touches
// the ledger also reconciles the affected account balance(s) inside the same
// database transaction, so ledger and balance commit or roll back together.
type TransactionService struct {
	db         *sql.DB
	reconciler *BalanceReconciler
	validator  *ValidationHelper
}

func NewTransactionService(db *sql.DB) *TransactionService {
	return &TransactionService{
		db:         db,
		reconciler: NewBalanceReconciler(db),
		validator:  NewValidationHelper(),
	}
}

const transactionColumns = `id, account_id, type, amount, COALESCE(description, ''), transaction_date, created_at`

// ListTransactions retrieves all transactions
// @Summary List transactions
// @Description Get all ledger transactions, most recent first
// @Tags transactions
// @Produce json
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	transactions, err := ts.fetchTransactions(`
		SELECT `+transactionColumns+`
		FROM transactions
		ORDER BY transaction_date DESC`)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to list transactions: %v", err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetTransaction retrieves a transaction by ID
// @Summary Get transaction by ID
// @Tags transactions
// @Produce json
// @Param id path int true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{id} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	tx := models.Transaction{}
	err = ts.db.QueryRow(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1`, id).Scan(
		&tx.ID, &tx.AccountID, &tx.Type, &tx.Amount, &tx.Description, &tx.TransactionDate, &tx.CreatedAt)

	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// GetTransactionsByAccount retrieves one account's ledger
// @Summary List transactions for an account
// @Tags transactions
// @Produce json
// @Param accountId path string true "Account business key"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /transactions/by-account/{accountId} [get]
func (ts *TransactionService) GetTransactionsByAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	transactions, err := ts.fetchTransactions(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY transaction_date DESC`, accountID)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to list transactions for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetTransactionsByType retrieves transactions of one type
// @Summary List transactions by type
// @Description Type is matched case-insensitively and must be DEPOSIT or WITHDRAWAL
// @Tags transactions
// @Produce json
// @Param type path string true "Transaction type"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /transactions/by-type/{type} [get]
func (ts *TransactionService) GetTransactionsByType(w http.ResponseWriter, r *http.Request) {
	txType, err := models.ParseTransactionType(chi.URLParam(r, "type"))
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	transactions, err := ts.fetchTransactions(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE type = $1
		ORDER BY transaction_date DESC`, string(txType))
	if err != nil {
		log.Printf("[TRANSACTION] Failed to list %s transactions: %v", txType, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetTransactionsByDateRange retrieves transactions between two dates
// @Summary List transactions in a date range
// @Tags transactions
// @Produce json
// @Param startDate query string true "Start date (RFC3339 or YYYY-MM-DD)"
// @Param endDate query string true "End date (RFC3339 or YYYY-MM-DD)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /transactions/by-date-range [get]
func (ts *TransactionService) GetTransactionsByDateRange(w http.ResponseWriter, r *http.Request) {
	startDate, err := parseDateParam(r.URL.Query().Get("startDate"))
	if err != nil {
		SendErrorResponse(w, "Invalid startDate", http.StatusBadRequest, nil)
		return
	}

	endDate, err := parseDateParam(r.URL.Query().Get("endDate"))
	if err != nil {
		SendErrorResponse(w, "Invalid endDate", http.StatusBadRequest, nil)
		return
	}

	transactions, err := ts.fetchTransactions(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE transaction_date >= $1 AND transaction_date <= $2
		ORDER BY transaction_date DESC`, startDate, endDate)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to list transactions by date range: %v", err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetTransactionSummary aggregates one account's ledger
// @Summary Get transaction summary for an account
// @Description Total deposits, total withdrawals and net amount over the ledger
// @Tags transactions
// @Produce json
// @Param accountId path string true "Account business key"
// @Success 200 {object} models.TransactionSummary
// @Failure 500 {object} ErrorResponse
// @Router /transactions/summary/{accountId} [get]
func (ts *TransactionService) GetTransactionSummary(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	summary := models.TransactionSummary{AccountID: accountID}
	err := ts.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN type = 'DEPOSIT' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN type = 'WITHDRAWAL' THEN amount END), 0)
		FROM transactions
		WHERE account_id = $1`, accountID).Scan(&summary.TotalDeposits, &summary.TotalWithdrawals)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to summarise account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transaction summary", http.StatusInternalServerError, nil)
		return
	}

	summary.NetAmount = summary.TotalDeposits.Sub(summary.TotalWithdrawals)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// CreateTransaction appends a ledger entry and applies the incremental balance update
// @Summary Create a new transaction
// @Description Insert a deposit or withdrawal and update the owning account's balance atomically
// @Tags transactions
// @Accept json
// @Produce json
// @Param transaction body models.Transaction true "Transaction data"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions [post]
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req models.Transaction

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

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txType, err := models.ParseTransactionType(string(req.Type))
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	req.Type = txType

	if req.Amount.IsNegative() {
		SendErrorResponse(w, "Amount must be a non-negative magnitude", http.StatusBadRequest, nil)
		return
	}

	if req.TransactionDate.IsZero() {
		req.TransactionDate = time.Now()
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[TRANSACTION] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	err = dbTx.QueryRow(`
		INSERT INTO transactions (account_id, type, amount, description, transaction_date, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at`,
		req.AccountID, string(req.Type), req.Amount, req.Description, req.TransactionDate).
		Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to insert transaction: %v", err)
		SendErrorResponse(w, "Failed to store transaction", http.StatusInternalServerError, nil)
		return
	}

	if err := ts.reconciler.ApplyNewTransactionTx(dbTx, req.AccountID, req.Type, req.Amount); err != nil {
		ts.sendReconcileError(w, req.AccountID, err)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[TRANSACTION] Failed to commit transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(req)
}

// UpdateTransaction fully replaces a ledger entry and recomputes affected balances
// @Summary Replace a transaction
// @Description Replace an existing ledger entry; balances of the old and new owning accounts are recomputed from the ledger
// @Tags transactions
// @Accept json
// @Produce json
// @Param id path int true "Transaction ID"
// @Param transaction body models.Transaction true "Transaction data"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions/{id} [put]
func (ts *TransactionService) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	var req models.Transaction

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if req.ID != 0 && req.ID != id {
		SendErrorResponse(w, "Transaction id mismatch", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	txType, err := models.ParseTransactionType(string(req.Type))
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	req.Type = txType

	if req.Amount.IsNegative() {
		SendErrorResponse(w, "Amount must be a non-negative magnitude", http.StatusBadRequest, nil)
		return
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[TRANSACTION] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	var originalAccountID string
	err = dbTx.QueryRow(`
		SELECT account_id FROM transactions WHERE id = $1 FOR UPDATE`, id).Scan(&originalAccountID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	_, err = dbTx.Exec(`
		UPDATE transactions
		SET account_id = $1, type = $2, amount = $3, description = $4, transaction_date = $5
		WHERE id = $6`,
		req.AccountID, string(req.Type), req.Amount, req.Description, req.TransactionDate, id)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to update transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to update transaction", http.StatusInternalServerError, nil)
		return
	}

	// The prior delta cannot be inferred from a replace; recompute from the ledger.
	if err := ts.reconciler.OnTransactionChangedTx(dbTx, originalAccountID, req.AccountID); err != nil {
		ts.sendReconcileError(w, req.AccountID, err)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[TRANSACTION] Failed to commit transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchTransaction partially updates a ledger entry
// @Summary Patch a transaction
// @Description Update selected fields; changes to amount, type or account assignment trigger a full balance recomputation
// @Tags transactions
// @Accept json
// @Produce json
// @Param id path int true "Transaction ID"
// @Param updates body map[string]interface{} true "Field updates"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions/{id} [patch]
func (ts *TransactionService) PatchTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	var updates map[string]any

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[TRANSACTION] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	current := models.Transaction{}
	err = dbTx.QueryRow(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
		FOR UPDATE`, id).Scan(
		&current.ID, &current.AccountID, &current.Type, &current.Amount,
		&current.Description, &current.TransactionDate, &current.CreatedAt)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	originalAccountID := current.AccountID
	balanceAffected := false

	for key, value := range updates {
		switch strings.ToLower(key) {
		case "amount":
			amount, err := parseDecimalValue(value)
			if err != nil || amount.IsNegative() {
				SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
				return
			}
			current.Amount = amount
			balanceAffected = true
		case "type":
			txType, err := models.ParseTransactionType(fmt.Sprintf("%v", value))
			if err != nil {
				SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
				return
			}
			current.Type = txType
			balanceAffected = true
		case "description":
			current.Description = fmt.Sprintf("%v", value)
		case "transactiondate":
			date, err := parseDateParam(fmt.Sprintf("%v", value))
			if err != nil {
				SendErrorResponse(w, "Invalid transactionDate", http.StatusBadRequest, nil)
				return
			}
			current.TransactionDate = date
		case "accountid":
			current.AccountID = fmt.Sprintf("%v", value)
			balanceAffected = true
		}
	}

	_, err = dbTx.Exec(`
		UPDATE transactions
		SET account_id = $1, type = $2, amount = $3, description = $4, transaction_date = $5
		WHERE id = $6`,
		current.AccountID, string(current.Type), current.Amount, current.Description, current.TransactionDate, id)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to patch transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to update transaction", http.StatusInternalServerError, nil)
		return
	}

	if current.AccountID != originalAccountID {
		// Cross-account move: both histories changed shape.
		err = ts.reconciler.OnTransactionChangedTx(dbTx, originalAccountID, current.AccountID)
	} else if balanceAffected {
		err = ts.reconciler.OnTransactionChangedTx(dbTx, current.AccountID)
	}
	if err != nil {
		ts.sendReconcileError(w, current.AccountID, err)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[TRANSACTION] Failed to commit transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteTransaction removes a ledger entry and recomputes the owning account
// @Summary Delete a transaction
// @Tags transactions
// @Param id path int true "Transaction ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions/{id} [delete]
func (ts *TransactionService) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[TRANSACTION] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	var accountID string
	err = dbTx.QueryRow(`
		SELECT account_id FROM transactions WHERE id = $1 FOR UPDATE`, id).Scan(&accountID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	_, err = dbTx.Exec(`DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to delete transaction %d: %v", id, err)
		SendErrorResponse(w, "Failed to delete transaction", http.StatusInternalServerError, nil)
		return
	}

	if err := ts.reconciler.OnTransactionDeletedTx(dbTx, accountID); err != nil {
		ts.sendReconcileError(w, accountID, err)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[TRANSACTION] Failed to commit transaction: %v", err)
		SendErrorResponse(w, "Failed to process transaction", http.StatusInternalServerError, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (ts *TransactionService) fetchTransactions(query string, args ...any) ([]models.Transaction, error) {
	rows, err := ts.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		tx := models.Transaction{}
		err := rows.Scan(
			&tx.ID, &tx.AccountID, &tx.Type, &tx.Amount, &tx.Description, &tx.TransactionDate, &tx.CreatedAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func (ts *TransactionService) sendReconcileError(w http.ResponseWriter, accountID string, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		log.Printf("[TRANSACTION] Account %s not found during reconciliation", accountID)
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrBalanceConflict):
		log.Printf("[TRANSACTION] Concurrent modification on account %s", accountID)
		SendErrorResponse(w, "Account was modified concurrently, retry the request", http.StatusConflict, nil)
	default:
		log.Printf("[TRANSACTION] Reconciliation failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to reconcile account balance", http.StatusInternalServerError, nil)
	}
}

// Utility functions

func parseIDParam(r *http.Request, name string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, name))
}

func parseDateParam(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func parseDecimalValue(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value), nil
	case string:
		return decimal.NewFromString(value)
	case json.Number:
		return decimal.NewFromString(value.String())
	}
	return decimal.Zero, fmt.Errorf("unsupported numeric value %v", v)
}
