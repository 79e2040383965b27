package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position caches one account's holding in one instrument. Quantity never goes
// negative; the row is removed when it reaches zero. Mutated only by the
// execution engine inside a settlement transaction.
type Position struct {
	AccountID          uuid.UUID
	Instrument         string
	Quantity           int64
	AverageCost        decimal.Decimal
	LastEvaluatedValue int64
	UpdatedAt          time.Time
}

// Balance mirrors Account.Balance for the trading subsystem. Reconciled with
// the ledger by an external batch job.
type Balance struct {
	AccountID uuid.UUID
	Cash      int64
	UpdatedAt time.Time
}

// GroupPosition is the weighted rollup of member positions for one instrument.
type GroupPosition struct {
	GroupID       uuid.UUID
	Instrument    string
	TotalQuantity int64
	AverageCost   decimal.Decimal
	MemberCount   int
	UpdatedAt     time.Time
}

// WeightedAverageCost folds a new execution into an existing holding:
// (oldQty*oldAvg + newQty*price) / (oldQty+newQty).
func WeightedAverageCost(oldQty int64, oldAvg decimal.Decimal, newQty int64, price decimal.Decimal) decimal.Decimal {
	total := oldQty + newQty
	if total <= 0 {
		return decimal.Zero
	}
	oldValue := oldAvg.Mul(decimal.NewFromInt(oldQty))
	newValue := price.Mul(decimal.NewFromInt(newQty))
	return oldValue.Add(newValue).Div(decimal.NewFromInt(total))
}
