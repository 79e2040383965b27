package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

const (
	orderInsertSQL = `
INSERT INTO orders (id, account_id, instrument, side, quantity, limit_price, market, status, created_at, updated_at)
VALUES (@id, @account_id, @instrument, @side, @quantity, @limit_price, @market, @status, NOW(), NOW());
`

	orderSelectBase = `
SELECT id::text, account_id::text, instrument, side, quantity, limit_price::text, market, status, created_at, updated_at
FROM orders
`

	orderTransitionSQL = `
UPDATE orders
SET status = @to,
    updated_at = NOW()
WHERE id = @id AND status = @from;
`

	fillInsertSQL = `
INSERT INTO fills (id, order_id, quantity, execution_price, created_at)
VALUES (@id, @order_id, @quantity, @execution_price, NOW());
`

	fillSelectSQL = `
SELECT id::text, order_id::text, quantity, execution_price::text, created_at
FROM fills
WHERE order_id = @order_id
ORDER BY created_at, id;
`

	positionUpsertSQL = `
INSERT INTO position_cache (account_id, instrument, quantity, average_cost, last_evaluated_value, updated_at)
VALUES (@account_id, @instrument, @quantity, @average_cost, @last_evaluated_value, NOW())
ON CONFLICT (account_id, instrument) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    average_cost = EXCLUDED.average_cost,
    last_evaluated_value = EXCLUDED.last_evaluated_value,
    updated_at = NOW();
`

	positionSelectBase = `
SELECT account_id::text, instrument, quantity, average_cost::text, last_evaluated_value, updated_at
FROM position_cache
`

	positionDeleteSQL = `
DELETE FROM position_cache WHERE account_id = @account_id AND instrument = @instrument;
`

	balanceUpsertSQL = `
INSERT INTO balance_cache (account_id, cash, updated_at)
VALUES (@account_id, @cash, NOW())
ON CONFLICT (account_id) DO UPDATE SET
    cash = EXCLUDED.cash,
    updated_at = NOW();
`

	balanceSelectSQL = `
SELECT account_id::text, cash, updated_at
FROM balance_cache
WHERE account_id = @account_id;
`

	groupPositionUpsertSQL = `
INSERT INTO group_positions (group_id, instrument, total_quantity, average_cost, member_count, updated_at)
VALUES (@group_id, @instrument, @total_quantity, @average_cost, @member_count, NOW())
ON CONFLICT (group_id, instrument) DO UPDATE SET
    total_quantity = EXCLUDED.total_quantity,
    average_cost = EXCLUDED.average_cost,
    member_count = EXCLUDED.member_count,
    updated_at = NOW();
`

	groupPositionSelectBase = `
SELECT group_id::text, instrument, total_quantity, average_cost::text, member_count, updated_at
FROM group_positions
`

	groupPositionDeleteSQL = `
DELETE FROM group_positions WHERE group_id = @group_id AND instrument = @instrument;
`

	instrumentUpsertSQL = `
INSERT INTO instruments (code, name, enabled)
VALUES (@code, @name, @enabled)
ON CONFLICT (code) DO UPDATE SET
    name = EXCLUDED.name,
    enabled = EXCLUDED.enabled;
`

	instrumentSelectBase = `
SELECT code, name, enabled
FROM instruments
`
)

type orderStore struct{ s *Store }

func (r orderStore) Create(ctx context.Context, order domain.Order) error {
	args := pgx.NamedArgs{
		"id":          order.ID.String(),
		"account_id":  order.AccountID.String(),
		"instrument":  order.Instrument,
		"side":        string(order.Side),
		"quantity":    order.Quantity,
		"limit_price": order.LimitPrice.String(),
		"market":      order.Market,
		"status":      string(order.Status),
	}
	if _, err := r.s.q.Exec(ctx, orderInsertSQL, args); err != nil {
		return mapError("postgres/orders", err)
	}
	return nil
}

func (r orderStore) Get(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	row := r.s.q.QueryRow(ctx, orderSelectBase+`WHERE id = @id;`, pgx.NamedArgs{"id": id.String()})
	return scanOrder(row)
}

func (r orderStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) error {
	tag, err := r.s.q.Exec(ctx, orderTransitionSQL, pgx.NamedArgs{
		"id":   id.String(),
		"from": string(from),
		"to":   string(to),
	})
	if err != nil {
		return mapError("postgres/orders", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/orders", errs.CodeConflict,
			errs.WithReason("order status changed since read"), errs.WithEntity(id.String()))
	}
	return nil
}

func (r orderStore) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Order, error) {
	rows, err := r.s.q.Query(ctx, orderSelectBase+`WHERE account_id = @account_id ORDER BY created_at DESC LIMIT @limit;`,
		pgx.NamedArgs{"account_id": accountID.String(), "limit": normalizeLimit(limit)})
	if err != nil {
		return nil, mapError("postgres/orders", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order               domain.Order
		idRaw, accountRaw   string
		side, status, price string
	)
	err := row.Scan(&idRaw, &accountRaw, &order.Instrument, &side, &order.Quantity,
		&price, &order.Market, &status, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return domain.Order{}, mapError("postgres/orders", err)
	}
	if order.ID, err = uuid.Parse(idRaw); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: order id: %w", err)
	}
	if order.AccountID, err = uuid.Parse(accountRaw); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: order account id: %w", err)
	}
	if order.LimitPrice, err = parseDecimal(price); err != nil {
		return domain.Order{}, err
	}
	order.Side = domain.OrderSide(side)
	order.Status = domain.OrderStatus(status)
	return order, nil
}

type fillStore struct{ s *Store }

func (r fillStore) Create(ctx context.Context, fill domain.Fill) error {
	args := pgx.NamedArgs{
		"id":              fill.ID.String(),
		"order_id":        fill.OrderID.String(),
		"quantity":        fill.Quantity,
		"execution_price": fill.ExecutionPrice.String(),
	}
	if _, err := r.s.q.Exec(ctx, fillInsertSQL, args); err != nil {
		return mapError("postgres/fills", err)
	}
	return nil
}

func (r fillStore) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Fill, error) {
	rows, err := r.s.q.Query(ctx, fillSelectSQL, pgx.NamedArgs{"order_id": orderID.String()})
	if err != nil {
		return nil, mapError("postgres/fills", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var (
			fill            domain.Fill
			idRaw, orderRaw string
			price           string
		)
		if err := rows.Scan(&idRaw, &orderRaw, &fill.Quantity, &price, &fill.CreatedAt); err != nil {
			return nil, mapError("postgres/fills", err)
		}
		if fill.ID, err = uuid.Parse(idRaw); err != nil {
			return nil, fmt.Errorf("postgres: fill id: %w", err)
		}
		if fill.OrderID, err = uuid.Parse(orderRaw); err != nil {
			return nil, fmt.Errorf("postgres: fill order id: %w", err)
		}
		if fill.ExecutionPrice, err = parseDecimal(price); err != nil {
			return nil, err
		}
		out = append(out, fill)
	}
	return out, rows.Err()
}

type positionStore struct{ s *Store }

func (r positionStore) Get(ctx context.Context, accountID uuid.UUID, instrument string) (domain.Position, error) {
	row := r.s.q.QueryRow(ctx, positionSelectBase+`WHERE account_id = @account_id AND instrument = @instrument;`,
		pgx.NamedArgs{"account_id": accountID.String(), "instrument": instrument})
	return scanPosition(row)
}

func (r positionStore) Upsert(ctx context.Context, position domain.Position) error {
	args := pgx.NamedArgs{
		"account_id":           position.AccountID.String(),
		"instrument":           position.Instrument,
		"quantity":             position.Quantity,
		"average_cost":         position.AverageCost.String(),
		"last_evaluated_value": position.LastEvaluatedValue,
	}
	if _, err := r.s.q.Exec(ctx, positionUpsertSQL, args); err != nil {
		return mapError("postgres/positions", err)
	}
	return nil
}

func (r positionStore) Delete(ctx context.Context, accountID uuid.UUID, instrument string) error {
	if _, err := r.s.q.Exec(ctx, positionDeleteSQL,
		pgx.NamedArgs{"account_id": accountID.String(), "instrument": instrument}); err != nil {
		return mapError("postgres/positions", err)
	}
	return nil
}

func (r positionStore) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Position, error) {
	rows, err := r.s.q.Query(ctx, positionSelectBase+`WHERE account_id = @account_id ORDER BY instrument;`,
		pgx.NamedArgs{"account_id": accountID.String()})
	if err != nil {
		return nil, mapError("postgres/positions", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, position)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		position   domain.Position
		accountRaw string
		avgCost    string
	)
	err := row.Scan(&accountRaw, &position.Instrument, &position.Quantity,
		&avgCost, &position.LastEvaluatedValue, &position.UpdatedAt)
	if err != nil {
		return domain.Position{}, mapError("postgres/positions", err)
	}
	if position.AccountID, err = uuid.Parse(accountRaw); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: position account id: %w", err)
	}
	if position.AverageCost, err = parseDecimal(avgCost); err != nil {
		return domain.Position{}, err
	}
	return position, nil
}

type balanceStore struct{ s *Store }

func (r balanceStore) Get(ctx context.Context, accountID uuid.UUID) (domain.Balance, error) {
	row := r.s.q.QueryRow(ctx, balanceSelectSQL, pgx.NamedArgs{"account_id": accountID.String()})
	var (
		balance    domain.Balance
		accountRaw string
	)
	err := row.Scan(&accountRaw, &balance.Cash, &balance.UpdatedAt)
	if err != nil {
		return domain.Balance{}, mapError("postgres/balances", err)
	}
	if balance.AccountID, err = uuid.Parse(accountRaw); err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: balance account id: %w", err)
	}
	return balance, nil
}

func (r balanceStore) Upsert(ctx context.Context, balance domain.Balance) error {
	args := pgx.NamedArgs{
		"account_id": balance.AccountID.String(),
		"cash":       balance.Cash,
	}
	if _, err := r.s.q.Exec(ctx, balanceUpsertSQL, args); err != nil {
		return mapError("postgres/balances", err)
	}
	return nil
}

type groupPositionStore struct{ s *Store }

func (r groupPositionStore) Get(ctx context.Context, groupID uuid.UUID, instrument string) (domain.GroupPosition, error) {
	row := r.s.q.QueryRow(ctx, groupPositionSelectBase+`WHERE group_id = @group_id AND instrument = @instrument;`,
		pgx.NamedArgs{"group_id": groupID.String(), "instrument": instrument})
	return scanGroupPosition(row)
}

func (r groupPositionStore) Upsert(ctx context.Context, position domain.GroupPosition) error {
	args := pgx.NamedArgs{
		"group_id":       position.GroupID.String(),
		"instrument":     position.Instrument,
		"total_quantity": position.TotalQuantity,
		"average_cost":   position.AverageCost.String(),
		"member_count":   position.MemberCount,
	}
	if _, err := r.s.q.Exec(ctx, groupPositionUpsertSQL, args); err != nil {
		return mapError("postgres/group_positions", err)
	}
	return nil
}

func (r groupPositionStore) Delete(ctx context.Context, groupID uuid.UUID, instrument string) error {
	if _, err := r.s.q.Exec(ctx, groupPositionDeleteSQL,
		pgx.NamedArgs{"group_id": groupID.String(), "instrument": instrument}); err != nil {
		return mapError("postgres/group_positions", err)
	}
	return nil
}

func (r groupPositionStore) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]domain.GroupPosition, error) {
	rows, err := r.s.q.Query(ctx, groupPositionSelectBase+`WHERE group_id = @group_id ORDER BY instrument;`,
		pgx.NamedArgs{"group_id": groupID.String()})
	if err != nil {
		return nil, mapError("postgres/group_positions", err)
	}
	defer rows.Close()

	var out []domain.GroupPosition
	for rows.Next() {
		position, err := scanGroupPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, position)
	}
	return out, rows.Err()
}

func scanGroupPosition(row pgx.Row) (domain.GroupPosition, error) {
	var (
		position domain.GroupPosition
		groupRaw string
		avgCost  string
	)
	err := row.Scan(&groupRaw, &position.Instrument, &position.TotalQuantity,
		&avgCost, &position.MemberCount, &position.UpdatedAt)
	if err != nil {
		return domain.GroupPosition{}, mapError("postgres/group_positions", err)
	}
	if position.GroupID, err = uuid.Parse(groupRaw); err != nil {
		return domain.GroupPosition{}, fmt.Errorf("postgres: group id: %w", err)
	}
	if position.AverageCost, err = parseDecimal(avgCost); err != nil {
		return domain.GroupPosition{}, err
	}
	return position, nil
}

type instrumentStore struct{ s *Store }

func (r instrumentStore) Get(ctx context.Context, code string) (domain.Instrument, error) {
	row := r.s.q.QueryRow(ctx, instrumentSelectBase+`WHERE code = @code;`, pgx.NamedArgs{"code": code})
	var instrument domain.Instrument
	if err := row.Scan(&instrument.Code, &instrument.Name, &instrument.Enabled); err != nil {
		return domain.Instrument{}, mapError("postgres/instruments", err)
	}
	return instrument, nil
}

func (r instrumentStore) Upsert(ctx context.Context, instrument domain.Instrument) error {
	args := pgx.NamedArgs{
		"code":    instrument.Code,
		"name":    instrument.Name,
		"enabled": instrument.Enabled,
	}
	if _, err := r.s.q.Exec(ctx, instrumentUpsertSQL, args); err != nil {
		return mapError("postgres/instruments", err)
	}
	return nil
}

func (r instrumentStore) List(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := r.s.q.Query(ctx, instrumentSelectBase+`ORDER BY code;`)
	if err != nil {
		return nil, mapError("postgres/instruments", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var instrument domain.Instrument
		if err := rows.Scan(&instrument.Code, &instrument.Name, &instrument.Enabled); err != nil {
			return nil, mapError("postgres/instruments", err)
		}
		out = append(out, instrument)
	}
	return out, rows.Err()
}
