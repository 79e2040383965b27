package domain

import (
	"time"

	"github.com/google/uuid"
)

// PostingSide marks a ledger leg as debit or credit.
type PostingSide string

const (
	// Debit removes funds from the referenced account.
	Debit PostingSide = "DEBIT"
	// Credit adds funds to the referenced account.
	Credit PostingSide = "CREDIT"
)

// PostingStatus tracks the lifecycle of a ledger leg.
type PostingStatus string

const (
	// PostingPending marks a leg not yet applied.
	PostingPending PostingStatus = "PENDING"
	// PostingCompleted marks an applied leg.
	PostingCompleted PostingStatus = "COMPLETED"
	// PostingFailed marks a leg whose transaction aborted.
	PostingFailed PostingStatus = "FAILED"
)

// PostingType categorises the business operation behind a posting.
type PostingType string

const (
	// PostingPayment settles a merchant payment.
	PostingPayment PostingType = "PAYMENT"
	// PostingTransfer moves funds between member wallets.
	PostingTransfer PostingType = "TRANSFER"
	// PostingTradeSettlement settles a filled order.
	PostingTradeSettlement PostingType = "TRADE_SETTLEMENT"
	// PostingDeposit credits external funding into a wallet.
	PostingDeposit PostingType = "DEPOSIT"
)

// Posting is one leg of a balanced double-entry transaction. For every
// TransactionID the debit amounts equal the credit amounts and at least one
// leg of each side exists.
type Posting struct {
	ID              uuid.UUID
	TransactionID   uuid.UUID
	Side            PostingSide
	AccountID       uuid.UUID
	Amount          int64
	Status          PostingStatus
	Type            PostingType
	RelatedEntityID uuid.UUID
	Memo            string
	CreatedAt       time.Time
}
