package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide marks buy or sell intent.
type OrderSide string

const (
	// Buy acquires the instrument against cash.
	Buy OrderSide = "BUY"
	// Sell releases the instrument for cash.
	Sell OrderSide = "SELL"
)

// OrderStatus tracks order lifecycle. FILLED and CANCELLED are terminal.
type OrderStatus string

const (
	// OrderPending awaits execution.
	OrderPending OrderStatus = "PENDING"
	// OrderFilled is fully executed.
	OrderFilled OrderStatus = "FILLED"
	// OrderCancelled was withdrawn before execution.
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order is a buy/sell instruction against one instrument. Prices are minor
// units carried as decimals so execution math stays exact.
type Order struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Instrument string
	Side       OrderSide
	Quantity   int64
	LimitPrice decimal.Decimal
	Market     bool
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the order can no longer change state.
func (o Order) Terminal() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled
}

// Fill records one execution against an order. The engine currently settles
// orders in a single fill but the model permits partials.
type Fill struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	Quantity       int64
	ExecutionPrice decimal.Decimal
	CreatedAt      time.Time
}

// Instrument is a tradable stock reference. Disabled instruments reject orders.
type Instrument struct {
	Code    string
	Name    string
	Enabled bool
}
