package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Performance is a periodic trading result snapshot per FX identity. It has no
// cross-entity invariant; balances do not depend on it.
type Performance struct {
	ID          int              `json:"id" db:"id"`
	FxID        string           `json:"fxId" db:"fxid" validate:"required,max=50"`
	AccountBase string           `json:"accountBase,omitempty" db:"account_base" validate:"omitempty,max=10"`
	Week        int              `json:"week" db:"week" validate:"min=1,max=53"`
	Month       int              `json:"month" db:"month" validate:"min=1,max=12"`
	Year        int              `json:"year" db:"year" validate:"min=2000,max=2100"`
	Results     decimal.Decimal  `json:"results" db:"results"`
	DateTime    time.Time        `json:"dateTime" db:"datetime"`
	Comments    string           `json:"comments,omitempty" db:"comments"`
	FilePath    string           `json:"filePath,omitempty" db:"file_path" validate:"omitempty,max=255"`
	TotalTrades *int             `json:"totalTrades,omitempty" db:"total_trades"`
	TotalProfit *decimal.Decimal `json:"totalProfit,omitempty" db:"total_profit"`
	MaxWin      *decimal.Decimal `json:"maxWin,omitempty" db:"max_win"`
	MinWin      *decimal.Decimal `json:"minWin,omitempty" db:"min_win"`
	AccountType string           `json:"accountType,omitempty" db:"account_type" validate:"omitempty,max=50"`
	CreatedAt   time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time        `json:"updatedAt" db:"updated_at"`
}

// PerformanceSummary aggregates snapshots per FX identity.
type PerformanceSummary struct {
	FxID           string          `json:"fxId"`
	TotalResults   decimal.Decimal `json:"totalResults"`
	AverageResults decimal.Decimal `json:"averageResults"`
	RecordCount    int             `json:"recordCount"`
	LastUpdated    time.Time       `json:"lastUpdated"`
}
