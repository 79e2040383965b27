package domain

import (
	"context"

	"github.com/google/uuid"
)

// AccountRepository persists wallet accounts. UpdateBalance is the only
// balance mutation path and enforces the optimistic version check.
type AccountRepository interface {
	Create(ctx context.Context, account Account) error
	Get(ctx context.Context, id uuid.UUID) (Account, error)
	// UpdateBalance applies the new balance iff the stored version still
	// matches expectedVersion, bumping the version. A missed match returns a
	// conflict error.
	UpdateBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) error
}

// PostingRepository persists ledger legs. Postings are append-only.
type PostingRepository interface {
	CreateBatch(ctx context.Context, postings []Posting) error
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]Posting, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]Posting, error)
}

// MovementRepository persists transfers, payments, and deposits.
type MovementRepository interface {
	Create(ctx context.Context, movement MoneyMovement) error
	Get(ctx context.Context, id uuid.UUID) (MoneyMovement, error)
	// Finalize records the terminal status, failure reason, and completion time.
	Finalize(ctx context.Context, movement MoneyMovement) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]MoneyMovement, error)
}

// IdempotencyRepository persists request deduplication records. Create must
// surface a conflict error when the (ClientKey, PayerAccountID) pair exists.
type IdempotencyRepository interface {
	Create(ctx context.Context, record IdempotencyRecord) error
	Get(ctx context.Context, clientKey string, payerAccountID uuid.UUID) (IdempotencyRecord, error)
	MarkUsed(ctx context.Context, clientKey string, payerAccountID uuid.UUID, resultEntityID uuid.UUID) error
}

// OrderRepository persists orders.
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	// Transition moves the order from the expected status to the new one.
	// Returns a conflict error when the stored status differs from expected.
	Transition(ctx context.Context, id uuid.UUID, from, to OrderStatus) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]Order, error)
}

// FillRepository persists executions against orders.
type FillRepository interface {
	Create(ctx context.Context, fill Fill) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Fill, error)
}

// PositionRepository persists per-account holdings.
type PositionRepository interface {
	Get(ctx context.Context, accountID uuid.UUID, instrument string) (Position, error)
	Upsert(ctx context.Context, position Position) error
	Delete(ctx context.Context, accountID uuid.UUID, instrument string) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]Position, error)
}

// BalanceRepository persists the cached trading balance per account.
type BalanceRepository interface {
	Get(ctx context.Context, accountID uuid.UUID) (Balance, error)
	Upsert(ctx context.Context, balance Balance) error
}

// GroupPositionRepository persists group-level holding rollups.
type GroupPositionRepository interface {
	Get(ctx context.Context, groupID uuid.UUID, instrument string) (GroupPosition, error)
	Upsert(ctx context.Context, position GroupPosition) error
	Delete(ctx context.Context, groupID uuid.UUID, instrument string) error
	ListByGroup(ctx context.Context, groupID uuid.UUID) ([]GroupPosition, error)
}

// InstrumentRepository persists the tradable instrument catalogue.
type InstrumentRepository interface {
	Get(ctx context.Context, code string) (Instrument, error)
	Upsert(ctx context.Context, instrument Instrument) error
	List(ctx context.Context) ([]Instrument, error)
}

// Store aggregates the repositories behind a single transactional boundary.
// WithTransaction runs fn against a Store whose repositories share one
// database transaction; returning an error rolls everything back.
type Store interface {
	Accounts() AccountRepository
	Postings() PostingRepository
	Movements() MovementRepository
	Idempotency() IdempotencyRepository
	Orders() OrderRepository
	Fills() FillRepository
	Positions() PositionRepository
	Balances() BalanceRepository
	GroupPositions() GroupPositionRepository
	Instruments() InstrumentRepository

	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
