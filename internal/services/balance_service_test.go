package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fxinvest/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const lockAccountQuery = "SELECT id, initial_deposit, current_balance, version FROM accounts WHERE account_id = \\$1 FOR UPDATE"
const sumTransactionsQuery = "SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM transactions WHERE account_id = \\$1 AND type = \\$2"
const updateBalanceQuery = "UPDATE accounts SET current_balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4"

func accountRow(id int, initialDeposit, currentBalance string, version int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "initial_deposit", "current_balance", "version"}).
		AddRow(id, initialDeposit, currentBalance, version)
}

func TestBalanceReconciler_ApplyNewTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reconciler := NewBalanceReconciler(db)

	t.Run("deposit increases balance", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-001").
			WillReturnRows(accountRow(1, "10000.00", "10000.00", 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs("10500.5", sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		err := reconciler.ApplyNewTransaction("FX-001", models.Deposit, decimal.RequireFromString("500.50"))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("withdrawal decreases balance", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-001").
			WillReturnRows(accountRow(1, "10000.00", "10500.50", 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs("10300.5", sqlmock.AnyArg(), 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		err := reconciler.ApplyNewTransaction("FX-001", models.Withdrawal, decimal.RequireFromString("200.00"))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account is reported", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-MISSING").
			WillReturnRows(sqlmock.NewRows([]string{"id", "initial_deposit", "current_balance", "version"}))

		mock.ExpectRollback()

		err := reconciler.ApplyNewTransaction("FX-MISSING", models.Deposit, decimal.NewFromInt(100))
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative amount rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := reconciler.ApplyNewTransaction("FX-001", models.Deposit, decimal.NewFromInt(-50))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "non-negative")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction type rejected", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-001").
			WillReturnRows(accountRow(1, "10000.00", "10000.00", 1))

		mock.ExpectRollback()

		err := reconciler.ApplyNewTransaction("FX-001", models.TransactionType("TRANSFER"), decimal.NewFromInt(100))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid transaction type")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent modification surfaces conflict", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-001").
			WillReturnRows(accountRow(1, "10000.00", "10000.00", 3))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs("10100", sqlmock.AnyArg(), 1, 3).
			WillReturnResult(sqlmock.NewResult(0, 0)) // version moved underneath us

		mock.ExpectRollback()

		err := reconciler.ApplyNewTransaction("FX-001", models.Deposit, decimal.NewFromInt(100))
		assert.ErrorIs(t, err, ErrBalanceConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBalanceReconciler_Recompute(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reconciler := NewBalanceReconciler(db)

	t.Run("balance derived from ledger", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-001").
			WillReturnRows(accountRow(1, "10000.00", "99999.99", 2)) // stale stored balance

		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("FX-001", "DEPOSIT").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("2500.00"))

		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("FX-001", "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("1000.00"))

		// 10000 + 2500 - 1000
		mock.ExpectExec(updateBalanceQuery).
			WithArgs("11500", sqlmock.AnyArg(), 1, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		err := reconciler.Recompute("FX-001")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty ledger restores initial deposit", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-002").
			WillReturnRows(accountRow(2, "5000.00", "4200.00", 7))

		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("FX-002", "DEPOSIT").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("FX-002", "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs("5000", sqlmock.AnyArg(), 2, 7).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		err := reconciler.Recompute("FX-002")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account is reported", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-GONE").
			WillReturnRows(sqlmock.NewRows([]string{"id", "initial_deposit", "current_balance", "version"}))

		mock.ExpectRollback()

		err := reconciler.Recompute("FX-GONE")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBalanceReconciler_OnTransactionChangedTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reconciler := NewBalanceReconciler(db)

	expectRecompute := func(accountID string, id int, initialDeposit, deposits, withdrawals, newBalance string, version int) {
		mock.ExpectQuery(lockAccountQuery).
			WithArgs(accountID).
			WillReturnRows(accountRow(id, initialDeposit, "0", version))
		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs(accountID, "DEPOSIT").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(deposits))
		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs(accountID, "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(withdrawals))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(newBalance, sqlmock.AnyArg(), id, version).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	t.Run("cross-account move recomputes both accounts", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectRecompute("FX-001", 1, "10000.00", "500.00", "0", "10500", 1)
		expectRecompute("FX-002", 2, "5000.00", "1200.00", "200.00", "6000", 4)

		err := reconciler.OnTransactionChangedTx(tx, "FX-001", "FX-002")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same account listed twice recomputes once", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectRecompute("FX-001", 1, "10000.00", "500.00", "0", "10500", 1)

		err := reconciler.OnTransactionChangedTx(tx, "FX-001", "FX-001")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blank account ids skipped", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		err := reconciler.OnTransactionChangedTx(tx, "", "")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// Walks one account through the full ledger lifecycle: two inserts on the
// incremental path, then a recompute after an amount edit, then a recompute
// after a delete.
func TestBalanceReconciler_LedgerLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reconciler := NewBalanceReconciler(db)

	// insert DEPOSIT 200: 1000 -> 1200
	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).
		WithArgs("AC1").
		WillReturnRows(accountRow(1, "1000.00", "1000.00", 1))
	mock.ExpectExec(updateBalanceQuery).
		WithArgs("1200", sqlmock.AnyArg(), 1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, reconciler.ApplyNewTransaction("AC1", models.Deposit, decimal.NewFromInt(200)))

	// insert WITHDRAWAL 50: 1200 -> 1150
	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).
		WithArgs("AC1").
		WillReturnRows(accountRow(1, "1000.00", "1200.00", 2))
	mock.ExpectExec(updateBalanceQuery).
		WithArgs("1150", sqlmock.AnyArg(), 1, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, reconciler.ApplyNewTransaction("AC1", models.Withdrawal, decimal.NewFromInt(50)))

	// withdrawal amount patched to 100, recompute: 1000 + 200 - 100 = 1100
	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).
		WithArgs("AC1").
		WillReturnRows(accountRow(1, "1000.00", "1150.00", 3))
	mock.ExpectQuery(sumTransactionsQuery).
		WithArgs("AC1", "DEPOSIT").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("200.00"))
	mock.ExpectQuery(sumTransactionsQuery).
		WithArgs("AC1", "WITHDRAWAL").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("100.00"))
	mock.ExpectExec(updateBalanceQuery).
		WithArgs("1100", sqlmock.AnyArg(), 1, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, reconciler.Recompute("AC1"))

	// deposit deleted, recompute: 1000 + 0 - 100 = 900
	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).
		WithArgs("AC1").
		WillReturnRows(accountRow(1, "1000.00", "1100.00", 4))
	mock.ExpectQuery(sumTransactionsQuery).
		WithArgs("AC1", "DEPOSIT").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mock.ExpectQuery(sumTransactionsQuery).
		WithArgs("AC1", "WITHDRAWAL").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("100.00"))
	mock.ExpectExec(updateBalanceQuery).
		WithArgs("900", sqlmock.AnyArg(), 1, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, reconciler.Recompute("AC1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceReconciler_RecomputeIdempotence(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reconciler := NewBalanceReconciler(db)

	for _, version := range []int{5, 6} {
		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("AC1").
			WillReturnRows(accountRow(1, "1000.00", "1100.00", version))
		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("AC1", "DEPOSIT").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("200.00"))
		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("AC1", "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("100.00"))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs("1100", sqlmock.AnyArg(), 1, version).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	assert.NoError(t, reconciler.Recompute("AC1"))
	assert.NoError(t, reconciler.Recompute("AC1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceReconciler_OnTransactionDeletedTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reconciler := NewBalanceReconciler(db)

	t.Run("deleted withdrawal restores its amount", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery(lockAccountQuery).
			WithArgs("FX-003").
			WillReturnRows(accountRow(3, "8000.00", "7000.00", 5))

		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("FX-003", "DEPOSIT").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

		mock.ExpectQuery(sumTransactionsQuery).
			WithArgs("FX-003", "WITHDRAWAL").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs("8000", sqlmock.AnyArg(), 3, 5).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := reconciler.OnTransactionDeletedTx(tx, "FX-003")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
