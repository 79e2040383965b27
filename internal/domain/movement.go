package domain

import (
	"time"

	"github.com/google/uuid"
)

// MovementKind distinguishes peer transfers, merchant payments, and deposits.
type MovementKind string

const (
	// MovementTransfer is a wallet-to-wallet transfer.
	MovementTransfer MovementKind = "TRANSFER"
	// MovementPayment settles against a merchant account.
	MovementPayment MovementKind = "PAYMENT"
	// MovementDeposit credits external funding; the source account is nil.
	MovementDeposit MovementKind = "DEPOSIT"
)

// MovementStatus tracks a money movement lifecycle.
type MovementStatus string

const (
	// MovementPending is the initial state.
	MovementPending MovementStatus = "PENDING"
	// MovementSuccess marks a completed movement.
	MovementSuccess MovementStatus = "SUCCESS"
	// MovementFailed marks a movement that could not post; FailureReason is set.
	MovementFailed MovementStatus = "FAILED"
)

// MoneyMovement records one transfer, payment, or deposit. It owns the
// TransactionID tagging its ledger postings. SourceAccountID is nil for
// externally funded deposits.
type MoneyMovement struct {
	ID                   uuid.UUID
	Kind                 MovementKind
	SourceAccountID      *uuid.UUID
	DestinationAccountID uuid.UUID
	Amount               int64
	Status               MovementStatus
	ClientRequestID      string
	TransactionID        uuid.UUID
	FailureReason        string
	CreatedAt            time.Time
	CompletedAt          *time.Time
}

// IdempotencyRecord maps a client-supplied request key (scoped by payer) to
// the entity it produced. The unique constraint on (ClientKey, PayerAccountID)
// is the sole duplicate-suppression mechanism.
type IdempotencyRecord struct {
	ClientKey      string
	PayerAccountID uuid.UUID
	ResultEntityID uuid.UUID
	Used           bool
	CreatedAt      time.Time
}
