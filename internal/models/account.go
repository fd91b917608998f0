package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a trading account. CurrentBalance is derived from the
// transaction ledger and is written only by the balance reconciler; no request
// payload can set it directly.
type Account struct {
	ID             int             `json:"id" db:"id"`
	AccountID      string          `json:"accountId" db:"account_id" validate:"required,max=50"`
	AccountName    string          `json:"accountName" db:"account_name" validate:"required,max=100"`
	InitialDeposit decimal.Decimal `json:"initialDeposit" db:"initial_deposit"`
	CurrentBalance decimal.Decimal `json:"currentBalance" db:"current_balance"`
	Currency       string          `json:"currency" db:"currency" validate:"omitempty,max=10"`
	Description    string          `json:"description,omitempty" db:"description"`
	CreatedDate    time.Time       `json:"createdDate" db:"created_date"`
	IsActive       bool            `json:"isActive" db:"is_active"`
	Version        int             `json:"-" db:"version"` // for optimistic locking
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// CurrencySummary aggregates accounts sharing one currency code.
type CurrencySummary struct {
	Currency       string          `json:"currency"`
	TotalAccounts  int             `json:"totalAccounts"`
	TotalBalance   decimal.Decimal `json:"totalBalance"`
	ActiveAccounts int             `json:"activeAccounts"`
}

// AccountsSummary is the portfolio-wide aggregate returned by the summary endpoint.
type AccountsSummary struct {
	TotalAccounts  int               `json:"totalAccounts"`
	TotalBalance   decimal.Decimal   `json:"totalBalance"`
	ActiveAccounts int               `json:"activeAccounts"`
	ByCurrency     []CurrencySummary `json:"byCurrency"`
}
