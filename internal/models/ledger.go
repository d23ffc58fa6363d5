package models

import "time"

// TransactionType classifies a credit movement.
type TransactionType string

const (
	TransactionTopUp  TransactionType = "top-up"
	TransactionUsage  TransactionType = "usage"
	TransactionRefund TransactionType = "refund"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTopUp, TransactionUsage, TransactionRefund:
		return true
	}
	return false
}

// Balance is the derived running total of a user's transactions.
type Balance struct {
	UserID         string    `json:"user_id"`
	BalanceCredits int64     `json:"balance_credits"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transaction is one append-only ledger row. AmountCredits is signed:
// negative for debits, positive for credits.
type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	AmountCredits int64           `json:"amount_credits"`
	Type          TransactionType `json:"type"`
	Description   *string         `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
