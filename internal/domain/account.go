// Package domain defines the core entities and repository contracts of the
// ToGather investment platform.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountKind distinguishes wallet categories.
type AccountKind string

const (
	// AccountPersonal is an individual member wallet.
	AccountPersonal AccountKind = "PERSONAL"
	// AccountGroup is a shared group wallet.
	AccountGroup AccountKind = "GROUP"
	// AccountMerchant is a merchant settlement account.
	AccountMerchant AccountKind = "MERCHANT"
)

// Account is a wallet-style money account. Balance is integer minor units and
// is mutated only through ledger postings, never written directly.
type Account struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	Kind          AccountKind
	Balance       int64
	Version       int64
	Active        bool
	AccountNumber string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasSufficientBalance reports whether the account can cover a debit of amount.
func (a Account) HasSufficientBalance(amount int64) bool {
	return amount >= 0 && a.Balance >= amount
}
