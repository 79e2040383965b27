// Package execution accepts buy/sell orders, validates them against the
// cached balance and position state, and settles fills transactionally with
// the ledger.
package execution

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/ledger"
	"github.com/togather-fin/togather-core/internal/observability"
	"github.com/togather-fin/togather-core/internal/telemetry"
)

// DefaultSettleRetries bounds re-attempts of a settlement that hit an
// optimistic conflict on the cash account.
const DefaultSettleRetries = 3

// Pricer supplies the live execution price for market orders. ok is false
// when no live or polled quote exists, in which case the engine falls back to
// the client-submitted price.
type Pricer interface {
	LastPrice(ctx context.Context, instrument string) (decimal.Decimal, bool)
}

// Engine is the order execution service.
type Engine struct {
	store  domain.Store
	ledger *ledger.Service
	pricer Pricer

	// settlementAccountID is the clearing counter-account for trade cash legs.
	settlementAccountID uuid.UUID
	settleRetries       int
	limiter             *rate.Limiter
	metrics             *telemetry.Metrics
}

// NewEngine creates an execution engine. pricer may be nil, in which case all
// market orders execute at the submitted price.
func NewEngine(store domain.Store, ledgerSvc *ledger.Service, pricer Pricer, settlementAccountID uuid.UUID) *Engine {
	return &Engine{
		store:               store,
		ledger:              ledgerSvc,
		pricer:              pricer,
		settlementAccountID: settlementAccountID,
		settleRetries:       DefaultSettleRetries,
	}
}

// WithRateLimit throttles order placement to ordersPerSecond across the
// engine. Zero or negative disables the throttle.
func (e *Engine) WithRateLimit(ordersPerSecond float64) *Engine {
	if ordersPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(ordersPerSecond), int(ordersPerSecond)+1)
	} else {
		e.limiter = nil
	}
	return e
}

// WithMetrics attaches the counter bundle. A nil bundle records nothing.
func (e *Engine) WithMetrics(metrics *telemetry.Metrics) *Engine {
	e.metrics = metrics
	return e
}

// PlaceOrder validates and persists an order. Market orders settle
// immediately at the live quote price when one exists, otherwise at the
// submitted price.
func (e *Engine) PlaceOrder(ctx context.Context, accountID uuid.UUID, instrument string, side domain.OrderSide, quantity int64, price decimal.Decimal, market bool) (domain.Order, error) {
	if quantity <= 0 {
		return domain.Order{}, errs.New("execution/place", errs.CodeInvalid,
			errs.WithMessage("quantity must be positive"))
	}
	if price.Sign() <= 0 {
		return domain.Order{}, errs.New("execution/place", errs.CodeInvalid,
			errs.WithMessage("price must be positive"))
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return domain.Order{}, fmt.Errorf("execution: throttle wait: %w", err)
		}
	}

	stock, err := e.store.Instruments().Get(ctx, instrument)
	if err != nil {
		return domain.Order{}, errs.New("execution/place", errs.CodeInvalid,
			errs.WithMessage("unknown instrument"), errs.WithEntity(instrument), errs.WithCause(err))
	}
	if !stock.Enabled {
		return domain.Order{}, errs.New("execution/place", errs.CodeStockDisabled,
			errs.WithReason("trading disabled for instrument"), errs.WithEntity(instrument))
	}

	switch side {
	case domain.Buy:
		balance, err := e.store.Balances().Get(ctx, accountID)
		if err != nil && !errs.Is(err, errs.CodeNotFound) {
			return domain.Order{}, fmt.Errorf("execution: load balance cache: %w", err)
		}
		cost := price.Mul(decimal.NewFromInt(quantity))
		if decimal.NewFromInt(balance.Cash).LessThan(cost) {
			return domain.Order{}, errs.New("execution/place", errs.CodeInsufficientBalance,
				errs.WithReason("cached balance below order cost"),
				errs.WithEntity(accountID.String()))
		}
	case domain.Sell:
		position, err := e.store.Positions().Get(ctx, accountID, instrument)
		if err != nil && !errs.Is(err, errs.CodeNotFound) {
			return domain.Order{}, fmt.Errorf("execution: load position cache: %w", err)
		}
		if position.Quantity < quantity {
			return domain.Order{}, errs.New("execution/place", errs.CodeInsufficientHolding,
				errs.WithReason("cached holding below order quantity"),
				errs.WithEntity(accountID.String()))
		}
	default:
		return domain.Order{}, errs.New("execution/place", errs.CodeInvalid,
			errs.WithMessage("unknown order side "+string(side)))
	}

	order := domain.Order{
		ID:         uuid.New(),
		AccountID:  accountID,
		Instrument: instrument,
		Side:       side,
		Quantity:   quantity,
		LimitPrice: price,
		Market:     market,
		Status:     domain.OrderPending,
	}
	if err := e.store.Orders().Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("execution: create order: %w", err)
	}

	if market {
		executionPrice := e.executionPrice(ctx, instrument, price)
		if err := e.Settle(ctx, order.ID, executionPrice); err != nil {
			return order, err
		}
		return e.store.Orders().Get(ctx, order.ID)
	}
	return order, nil
}

// executionPrice prefers the live quote over the client-submitted price.
func (e *Engine) executionPrice(ctx context.Context, instrument string, submitted decimal.Decimal) decimal.Decimal {
	if e.pricer == nil {
		return submitted
	}
	live, ok := e.pricer.LastPrice(ctx, instrument)
	if !ok || live.Sign() <= 0 {
		observability.Log().Debug("no live quote for market order, using submitted price",
			observability.F("instrument", instrument))
		return submitted
	}
	return live
}

// Settle fills a PENDING order at executionPrice. The fill, ledger posting,
// and balance/position cache updates commit in one transaction; any failure
// rolls the whole settlement back and leaves the order PENDING. Conflicts on
// the cash account retry up to the configured bound.
func (e *Engine) Settle(ctx context.Context, orderID uuid.UUID, executionPrice decimal.Decimal) error {
	if executionPrice.Sign() <= 0 {
		return errs.New("execution/settle", errs.CodeInvalid,
			errs.WithMessage("execution price must be positive"))
	}

	var lastErr error
	for attempt := 0; attempt < e.settleRetries; attempt++ {
		var settled domain.Order
		err := e.store.WithTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
			order, err := e.settleIn(ctx, tx, orderID, executionPrice)
			settled = order
			return err
		})
		if err == nil {
			e.metrics.OrderSettled(ctx, string(settled.Side))
			return nil
		}
		if !errs.Retryable(err) {
			return err
		}
		lastErr = err
		observability.Log().Debug("settlement retry",
			observability.F("order_id", orderID.String()),
			observability.F("attempt", attempt+1),
		)
	}
	return errs.New("execution/settle", errs.CodeConflict,
		errs.WithMessage("settlement conflict persisted across retries"),
		errs.WithCause(lastErr))
}

func (e *Engine) settleIn(ctx context.Context, tx domain.Store, orderID uuid.UUID, executionPrice decimal.Decimal) (domain.Order, error) {
	order, err := tx.Orders().Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("execution: load order: %w", err)
	}
	if order.Status != domain.OrderPending {
		return domain.Order{}, errs.New("execution/settle", errs.CodeInvalid,
			errs.WithMessage("order is not pending"), errs.WithEntity(orderID.String()))
	}

	cash := executionPrice.Mul(decimal.NewFromInt(order.Quantity)).Round(0).IntPart()

	fill := domain.Fill{
		ID:             uuid.New(),
		OrderID:        order.ID,
		Quantity:       order.Quantity,
		ExecutionPrice: executionPrice,
	}
	if err := tx.Fills().Create(ctx, fill); err != nil {
		return domain.Order{}, fmt.Errorf("execution: create fill: %w", err)
	}
	if err := tx.Orders().Transition(ctx, order.ID, domain.OrderPending, domain.OrderFilled); err != nil {
		return domain.Order{}, fmt.Errorf("execution: mark filled: %w", err)
	}

	memo := fmt.Sprintf("%s %d %s @ %s", order.Side, order.Quantity, order.Instrument, executionPrice)
	var pairs []ledger.Pair
	if order.Side == domain.Buy {
		pairs = []ledger.Pair{
			{AccountID: order.AccountID, Side: domain.Debit, Amount: cash, Type: domain.PostingTradeSettlement, RelatedEntityID: order.ID, Memo: memo},
			{AccountID: e.settlementAccountID, Side: domain.Credit, Amount: cash, Type: domain.PostingTradeSettlement, RelatedEntityID: order.ID, Memo: memo},
		}
	} else {
		pairs = []ledger.Pair{
			{AccountID: e.settlementAccountID, Side: domain.Debit, Amount: cash, Type: domain.PostingTradeSettlement, RelatedEntityID: order.ID, Memo: memo},
			{AccountID: order.AccountID, Side: domain.Credit, Amount: cash, Type: domain.PostingTradeSettlement, RelatedEntityID: order.ID, Memo: memo},
		}
	}
	if err := e.ledger.PostIn(ctx, tx, uuid.New(), pairs); err != nil {
		return domain.Order{}, fmt.Errorf("execution: post settlement: %w", err)
	}

	if err := e.applyCaches(ctx, tx, order, executionPrice, cash); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// applyCaches keeps the trading balance and position caches consistent with
// the fill, inside the settlement transaction.
func (e *Engine) applyCaches(ctx context.Context, tx domain.Store, order domain.Order, executionPrice decimal.Decimal, cash int64) error {
	balance, err := tx.Balances().Get(ctx, order.AccountID)
	if err != nil && !errs.Is(err, errs.CodeNotFound) {
		return fmt.Errorf("execution: load balance cache: %w", err)
	}
	balance.AccountID = order.AccountID

	position, err := tx.Positions().Get(ctx, order.AccountID, order.Instrument)
	if err != nil && !errs.Is(err, errs.CodeNotFound) {
		return fmt.Errorf("execution: load position cache: %w", err)
	}
	position.AccountID = order.AccountID
	position.Instrument = order.Instrument

	if order.Side == domain.Buy {
		balance.Cash -= cash
		position.AverageCost = domain.WeightedAverageCost(position.Quantity, position.AverageCost, order.Quantity, executionPrice)
		position.Quantity += order.Quantity
	} else {
		balance.Cash += cash
		position.Quantity -= order.Quantity
		if position.Quantity < 0 {
			return errs.New("execution/settle", errs.CodeInvariant,
				errs.WithMessage("position went negative"), errs.WithEntity(order.ID.String()))
		}
	}

	if err := tx.Balances().Upsert(ctx, balance); err != nil {
		return fmt.Errorf("execution: update balance cache: %w", err)
	}
	if position.Quantity == 0 {
		if err := tx.Positions().Delete(ctx, order.AccountID, order.Instrument); err != nil {
			return fmt.Errorf("execution: delete emptied position: %w", err)
		}
		return nil
	}
	position.LastEvaluatedValue = executionPrice.Mul(decimal.NewFromInt(position.Quantity)).Round(0).IntPart()
	if err := tx.Positions().Upsert(ctx, position); err != nil {
		return fmt.Errorf("execution: update position cache: %w", err)
	}
	return nil
}

// CancelOrder withdraws a PENDING order. Terminal orders fail with
// order_not_cancellable and nothing mutates.
func (e *Engine) CancelOrder(ctx context.Context, accountID, orderID uuid.UUID) error {
	order, err := e.store.Orders().Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("execution: load order: %w", err)
	}
	if order.AccountID != accountID {
		return errs.New("execution/cancel", errs.CodeNotFound,
			errs.WithMessage("order does not belong to account"), errs.WithEntity(orderID.String()))
	}
	if order.Status != domain.OrderPending {
		return errs.New("execution/cancel", errs.CodeOrderNotCancellable,
			errs.WithReason("order already terminal"), errs.WithEntity(orderID.String()))
	}
	if err := e.store.Orders().Transition(ctx, orderID, domain.OrderPending, domain.OrderCancelled); err != nil {
		if errs.Is(err, errs.CodeConflict) {
			return errs.New("execution/cancel", errs.CodeOrderNotCancellable,
				errs.WithReason("order already terminal"), errs.WithEntity(orderID.String()))
		}
		return fmt.Errorf("execution: cancel order: %w", err)
	}
	return nil
}

// GetOrder returns one order by id.
func (e *Engine) GetOrder(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	return e.store.Orders().Get(ctx, orderID)
}

// ListOrders returns recent orders for the account.
func (e *Engine) ListOrders(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Order, error) {
	return e.store.Orders().ListByAccount(ctx, accountID, limit)
}

// ListPositions returns the account's cached holdings.
func (e *Engine) ListPositions(ctx context.Context, accountID uuid.UUID) ([]domain.Position, error) {
	return e.store.Positions().ListByAccount(ctx, accountID)
}

// GetBalance returns the account's cached trading balance.
func (e *Engine) GetBalance(ctx context.Context, accountID uuid.UUID) (domain.Balance, error) {
	return e.store.Balances().Get(ctx, accountID)
}
