package services

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxinvest/backend/internal/audit"
	"github.com/fxinvest/backend/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound means the referenced business key has no account row.
	// Reconciliation against a missing account is a reportable failure, never a
	// silent skip.
	ErrAccountNotFound = errors.New("account not found")

	// ErrBalanceConflict means another writer changed the account row between
	// read and write. Surfaced distinctly from not-found and never retried here.
	ErrBalanceConflict = errors.New("account modified concurrently")
)

// BalanceReconciler maintains the invariant
//
//	current_balance == initial_deposit + sum(DEPOSIT) - sum(WITHDRAWAL)
//
// over the ledger rows referencing an account's business key. It is the only
// code path that writes accounts.current_balance.
type BalanceReconciler struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewBalanceReconciler(db *sql.DB) *BalanceReconciler {
	return &BalanceReconciler{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// lockedAccount is the slice of the account row the reconciler works on.
type lockedAccount struct {
	ID             int
	InitialDeposit decimal.Decimal
	CurrentBalance decimal.Decimal
	Version        int
}

// ApplyNewTransaction runs the incremental path in its own database transaction.
func (br *BalanceReconciler) ApplyNewTransaction(accountID string, txType models.TransactionType, amount decimal.Decimal) error {
	tx, err := br.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := br.ApplyNewTransactionTx(tx, accountID, txType, amount); err != nil {
		return err
	}

	return tx.Commit()
}

// ApplyNewTransactionTx adjusts the balance by a single delta. Correct only for
// a ledger row that did not previously exist: there is no prior contribution to
// subtract. Any edit to an existing row must go through RecomputeTx instead.
func (br *BalanceReconciler) ApplyNewTransactionTx(dbTx *sql.Tx, accountID string, txType models.TransactionType, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("amount must be a non-negative magnitude, got %s", amount)
	}

	account, err := br.lockAccount(dbTx, accountID)
	if err != nil {
		br.audit.LogError(accountID, "BALANCE_APPLY", err)
		return err
	}

	newBalance := account.CurrentBalance
	switch txType {
	case models.Deposit:
		newBalance = newBalance.Add(amount)
	case models.Withdrawal:
		newBalance = newBalance.Sub(amount)
	default:
		return fmt.Errorf("invalid transaction type %q: must be DEPOSIT or WITHDRAWAL", txType)
	}

	if err := br.updateBalance(dbTx, account.ID, newBalance, account.Version); err != nil {
		br.audit.LogError(accountID, "BALANCE_APPLY", err)
		return err
	}

	br.audit.LogApply(accountID, string(txType), amount, newBalance)
	return nil
}

// Recompute runs the authoritative path in its own database transaction.
func (br *BalanceReconciler) Recompute(accountID string) error {
	tx, err := br.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := br.RecomputeTx(tx, accountID); err != nil {
		return err
	}

	return tx.Commit()
}

// RecomputeTx derives the balance fresh from the ledger. O(n) in the account's
// transactions and correct regardless of history, so it is the path for every
// operation that changes the shape of an existing ledger row.
func (br *BalanceReconciler) RecomputeTx(dbTx *sql.Tx, accountID string) error {
	account, err := br.lockAccount(dbTx, accountID)
	if err != nil {
		br.audit.LogError(accountID, "BALANCE_RECOMPUTE", err)
		return err
	}

	deposits, err := br.sumTransactions(dbTx, accountID, models.Deposit)
	if err != nil {
		return err
	}

	withdrawals, err := br.sumTransactions(dbTx, accountID, models.Withdrawal)
	if err != nil {
		return err
	}

	newBalance := account.InitialDeposit.Add(deposits).Sub(withdrawals)

	if err := br.updateBalance(dbTx, account.ID, newBalance, account.Version); err != nil {
		br.audit.LogError(accountID, "BALANCE_RECOMPUTE", err)
		return err
	}

	br.audit.LogRecompute(accountID, deposits, withdrawals, newBalance)
	return nil
}

// OnTransactionChangedTx recomputes every affected account exactly once. A
// cross-account move passes both the old and the new owner; the moved entry's
// contribution must leave one history and join the other.
func (br *BalanceReconciler) OnTransactionChangedTx(dbTx *sql.Tx, accountIDs ...string) error {
	seen := make(map[string]bool, len(accountIDs))
	for _, accountID := range accountIDs {
		if accountID == "" || seen[accountID] {
			continue
		}
		seen[accountID] = true
		if err := br.RecomputeTx(dbTx, accountID); err != nil {
			return err
		}
	}
	return nil
}

// OnTransactionDeletedTx recomputes the owning account after a ledger row is
// removed.
func (br *BalanceReconciler) OnTransactionDeletedTx(dbTx *sql.Tx, accountID string) error {
	return br.RecomputeTx(dbTx, accountID)
}

func (br *BalanceReconciler) lockAccount(dbTx *sql.Tx, accountID string) (*lockedAccount, error) {
	var account lockedAccount
	err := dbTx.QueryRow(`
		SELECT id, initial_deposit, current_balance, version
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.InitialDeposit, &account.CurrentBalance, &account.Version)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	return &account, nil
}

func (br *BalanceReconciler) sumTransactions(dbTx *sql.Tx, accountID string, txType models.TransactionType) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := dbTx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE account_id = $1 AND type = $2`, accountID, string(txType)).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (br *BalanceReconciler) updateBalance(dbTx *sql.Tx, id int, newBalance decimal.Decimal, version int) error {
	result, err := dbTx.Exec(`
		UPDATE accounts
		SET current_balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), id, version)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrBalanceConflict
	}

	return nil
}
