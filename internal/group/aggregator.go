// Package group fans group-level orders out to member accounts and folds the
// resulting fills back into a group holding aggregate.
package group

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/execution"
	"github.com/togather-fin/togather-core/internal/observability"
)

// MemberLister supplies the member-account list for a group. Supplied by the
// (out of scope) membership service; lookup failures are treated as an empty
// member list rather than propagated.
type MemberLister interface {
	Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
}

// Result summarises a fanned-out group order.
type Result struct {
	GroupID           uuid.UUID
	Instrument        string
	Side              domain.OrderSide
	RequestedQuantity int64
	ExecutedQuantity  int64
	Succeeded         int
	Failed            int
	Orders            []domain.Order
}

// Aggregator places group orders and maintains group position rollups.
type Aggregator struct {
	store   domain.Store
	engine  *execution.Engine
	members MemberLister
}

// NewAggregator creates a group aggregator.
func NewAggregator(store domain.Store, engine *execution.Engine, members MemberLister) *Aggregator {
	return &Aggregator{store: store, engine: engine, members: members}
}

// PlaceGroupOrder splits totalQuantity across the group's members as evenly
// as possible (remainder to the last member) and places a market order per
// member. Individual failures are logged and counted, never fatal to the
// batch. The group position rollup uses the successfully executed quantity,
// not the requested total.
func (a *Aggregator) PlaceGroupOrder(ctx context.Context, groupID uuid.UUID, instrument string, totalQuantity int64, price decimal.Decimal, side domain.OrderSide) (Result, error) {
	result := Result{
		GroupID:           groupID,
		Instrument:        instrument,
		Side:              side,
		RequestedQuantity: totalQuantity,
	}
	if totalQuantity <= 0 {
		return result, errs.New("group/order", errs.CodeInvalid,
			errs.WithMessage("total quantity must be positive"))
	}

	if side == domain.Sell {
		position, err := a.store.GroupPositions().Get(ctx, groupID, instrument)
		if err != nil && !errs.Is(err, errs.CodeNotFound) {
			return result, fmt.Errorf("group: load position: %w", err)
		}
		if position.TotalQuantity < totalQuantity {
			return result, errs.New("group/order", errs.CodeInsufficientGroupHolding,
				errs.WithReason("group holding below requested quantity"),
				errs.WithEntity(groupID.String()))
		}
	}

	members, err := a.members.Members(ctx, groupID)
	if err != nil {
		observability.Log().Warn("member lookup failed, treating group as empty",
			observability.F("group_id", groupID.String()),
			observability.F("error", err),
		)
		members = nil
	}
	if len(members) == 0 {
		return result, errs.New("group/order", errs.CodeInvalid,
			errs.WithMessage("group has no members"))
	}

	shares := SplitQuantity(totalQuantity, len(members))

	var executedValue decimal.Decimal
	for i, member := range members {
		share := shares[i]
		if share == 0 {
			continue
		}
		order, err := a.engine.PlaceOrder(ctx, member, instrument, side, share, price, true)
		if err != nil {
			result.Failed++
			observability.Log().Warn("member order failed",
				observability.F("group_id", groupID.String()),
				observability.F("account_id", member.String()),
				observability.F("error", err),
			)
			continue
		}
		result.Succeeded++
		result.Orders = append(result.Orders, order)

		executed, value, err := a.executedValue(ctx, order.ID)
		if err != nil {
			return result, err
		}
		result.ExecutedQuantity += executed
		executedValue = executedValue.Add(value)
	}

	if result.ExecutedQuantity == 0 {
		return result, nil
	}

	averagePrice := executedValue.Div(decimal.NewFromInt(result.ExecutedQuantity))
	memberCount := a.countHolders(ctx, members, instrument)
	if err := a.applyRollup(ctx, groupID, instrument, side, result.ExecutedQuantity, averagePrice, memberCount); err != nil {
		return result, err
	}
	return result, nil
}

// executedValue sums the fills of one order into (quantity, quantity*price).
func (a *Aggregator) executedValue(ctx context.Context, orderID uuid.UUID) (int64, decimal.Decimal, error) {
	fills, err := a.store.Fills().ListByOrder(ctx, orderID)
	if err != nil {
		return 0, decimal.Zero, fmt.Errorf("group: load fills: %w", err)
	}
	var quantity int64
	value := decimal.Zero
	for _, fill := range fills {
		quantity += fill.Quantity
		value = value.Add(fill.ExecutionPrice.Mul(decimal.NewFromInt(fill.Quantity)))
	}
	return quantity, value, nil
}

// countHolders counts members currently holding the instrument.
func (a *Aggregator) countHolders(ctx context.Context, members []uuid.UUID, instrument string) int {
	count := 0
	for _, member := range members {
		if _, err := a.store.Positions().Get(ctx, member, instrument); err == nil {
			count++
		}
	}
	return count
}

// applyRollup folds the executed quantity into the group position using the
// same weighted-average-cost formula as individual settlement.
func (a *Aggregator) applyRollup(ctx context.Context, groupID uuid.UUID, instrument string, side domain.OrderSide, executed int64, averagePrice decimal.Decimal, memberCount int) error {
	return a.store.WithTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
		position, err := tx.GroupPositions().Get(ctx, groupID, instrument)
		if err != nil && !errs.Is(err, errs.CodeNotFound) {
			return fmt.Errorf("group: load rollup: %w", err)
		}
		position.GroupID = groupID
		position.Instrument = instrument

		if side == domain.Buy {
			position.AverageCost = domain.WeightedAverageCost(position.TotalQuantity, position.AverageCost, executed, averagePrice)
			position.TotalQuantity += executed
		} else {
			position.TotalQuantity -= executed
			if position.TotalQuantity < 0 {
				return errs.New("group/rollup", errs.CodeInvariant,
					errs.WithMessage("group position went negative"), errs.WithEntity(groupID.String()))
			}
		}
		position.MemberCount = memberCount

		if position.TotalQuantity == 0 {
			return tx.GroupPositions().Delete(ctx, groupID, instrument)
		}
		return tx.GroupPositions().Upsert(ctx, position)
	})
}

// GetPosition returns the group's rollup for one instrument.
func (a *Aggregator) GetPosition(ctx context.Context, groupID uuid.UUID, instrument string) (domain.GroupPosition, error) {
	return a.store.GroupPositions().Get(ctx, groupID, instrument)
}

// ListPositions returns all rollups for a group.
func (a *Aggregator) ListPositions(ctx context.Context, groupID uuid.UUID) ([]domain.GroupPosition, error) {
	return a.store.GroupPositions().ListByGroup(ctx, groupID)
}

// SplitQuantity divides total across n members, assigning the integer
// remainder to the last member. total=11, n=4 yields 2,2,2,5.
func SplitQuantity(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	base := total / int64(n)
	for i := range shares {
		shares[i] = base
	}
	shares[n-1] = total - base*int64(n-1)
	return shares
}
