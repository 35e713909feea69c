package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType is the accounting side of a ledger entry.
type TransactionType string

const (
	TransactionDebit  TransactionType = "DEBIT"
	TransactionCredit TransactionType = "CREDIT"
)

// CreditTransaction is one immutable, append-only ledger entry.
// IDs are ULIDs, so lexical order matches creation order.
type CreditTransaction struct {
	ID             string            `db:"id"              json:"id"`
	UserID         uuid.UUID         `db:"user_id"         json:"user_id"`
	Type           TransactionType   `db:"type"            json:"type"`
	Amount         int               `db:"amount"          json:"amount"`
	Reason         string            `db:"reason"          json:"reason"`
	Metadata       map[string]string `db:"metadata"        json:"metadata,omitempty"`
	IdempotencyKey *string           `db:"idempotency_key" json:"-"`
	BalanceAfter   int               `db:"balance_after"   json:"balance_after"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
}

// Signed returns the amount with the sign it contributes to the balance.
func (t CreditTransaction) Signed() int {
	if t.Type == TransactionDebit {
		return -t.Amount
	}
	return t.Amount
}
