package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is one balance-maintenance audit record, emitted as a single JSON line.
type Event struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	AccountID string    `json:"account_id"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

// Logger records every write the reconciler makes to an account balance. When a
// ledger mutation commits but reconciliation fails, the FAILED event here is the
// trail for finding the divergence.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogApply(accountID string, txType string, amount, newBalance decimal.Decimal) {
	a.log(Event{
		EventType: "BALANCE_APPLY",
		AccountID: accountID,
		Status:    "SUCCESS",
		Details: map[string]string{
			"type":        txType,
			"amount":      amount.String(),
			"new_balance": newBalance.String(),
		},
	})
}

func (a *Logger) LogRecompute(accountID string, deposits, withdrawals, newBalance decimal.Decimal) {
	a.log(Event{
		EventType: "BALANCE_RECOMPUTE",
		AccountID: accountID,
		Status:    "SUCCESS",
		Details: map[string]string{
			"deposits":    deposits.String(),
			"withdrawals": withdrawals.String(),
			"new_balance": newBalance.String(),
		},
	})
}

func (a *Logger) LogError(accountID, operation string, err error) {
	a.log(Event{
		EventType: operation,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	event.EventID = uuid.New().String()
	event.Timestamp = time.Now()
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
