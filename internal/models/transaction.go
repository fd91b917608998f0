package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the closed set of ledger entry kinds. Anything outside
// this set is rejected at the boundary where a transaction is created or edited.
type TransactionType string

const (
	Deposit    TransactionType = "DEPOSIT"
	Withdrawal TransactionType = "WITHDRAWAL"
)

// ParseTransactionType canonicalises a caller-supplied type tag. Input is
// case-insensitive; storage and ledger sums always use the canonical form.
func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(s))) {
	case Deposit:
		return Deposit, nil
	case Withdrawal:
		return Withdrawal, nil
	}
	return "", fmt.Errorf("invalid transaction type %q: must be DEPOSIT or WITHDRAWAL", s)
}

// Transaction is one ledger entry. Amount is a positive magnitude; the sign is
// implied by Type. AccountID references the owning account by business key.
type Transaction struct {
	ID              int             `json:"id" db:"id"`
	AccountID       string          `json:"accountId" db:"account_id" validate:"required,max=50"`
	Type            TransactionType `json:"type" db:"type" validate:"required"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Description     string          `json:"description,omitempty" db:"description"`
	TransactionDate time.Time       `json:"transactionDate" db:"transaction_date"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// TransactionSummary is the aggregate for one account's ledger.
type TransactionSummary struct {
	AccountID        string          `json:"accountId"`
	TotalDeposits    decimal.Decimal `json:"totalDeposits"`
	TotalWithdrawals decimal.Decimal `json:"totalWithdrawals"`
	NetAmount        decimal.Decimal `json:"netAmount"`
}
