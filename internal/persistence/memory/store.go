// Package memory provides an in-memory implementation of the domain Store,
// used by tests and by standalone runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

type idemKey struct {
	clientKey string
	payer     uuid.UUID
}

type positionKey struct {
	account    uuid.UUID
	instrument string
}

type groupKey struct {
	group      uuid.UUID
	instrument string
}

type state struct {
	accounts       map[uuid.UUID]domain.Account
	postings       []domain.Posting
	movements      map[uuid.UUID]domain.MoneyMovement
	idempotency    map[idemKey]domain.IdempotencyRecord
	orders         map[uuid.UUID]domain.Order
	fills          map[uuid.UUID][]domain.Fill
	positions      map[positionKey]domain.Position
	balances       map[uuid.UUID]domain.Balance
	groupPositions map[groupKey]domain.GroupPosition
	instruments    map[string]domain.Instrument
}

func newState() *state {
	return &state{
		accounts:       make(map[uuid.UUID]domain.Account),
		movements:      make(map[uuid.UUID]domain.MoneyMovement),
		idempotency:    make(map[idemKey]domain.IdempotencyRecord),
		orders:         make(map[uuid.UUID]domain.Order),
		fills:          make(map[uuid.UUID][]domain.Fill),
		positions:      make(map[positionKey]domain.Position),
		balances:       make(map[uuid.UUID]domain.Balance),
		groupPositions: make(map[groupKey]domain.GroupPosition),
		instruments:    make(map[string]domain.Instrument),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	out.postings = append(out.postings, s.postings...)
	for k, v := range s.movements {
		out.movements[k] = v
	}
	for k, v := range s.idempotency {
		out.idempotency[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.fills {
		fills := make([]domain.Fill, len(v))
		copy(fills, v)
		out.fills[k] = fills
	}
	for k, v := range s.positions {
		out.positions[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.groupPositions {
		out.groupPositions[k] = v
	}
	for k, v := range s.instruments {
		out.instruments[k] = v
	}
	return out
}

// Store is an in-memory domain.Store. A single mutex serialises transactions;
// rollback restores a pre-transaction snapshot of the state.
type Store struct {
	mu   sync.Mutex
	data *state

	// inTx marks a handle scoped to a running transaction; such handles
	// share the parent's lock and must not re-acquire it.
	inTx bool
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{data: newState()}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// WithTransaction runs fn against a snapshot-backed view. Any error restores
// the state as it was before fn ran. Nested calls join the ambient transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	if fn == nil {
		return errs.New("memory/store", errs.CodeInvalid, errs.WithMessage("transaction callback required"))
	}
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store tx context: %w", err)
	}
	snapshot := s.data.clone()
	tx := &Store{data: s.data, inTx: true}
	if err := fn(ctx, tx); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Accounts returns the account repository.
func (s *Store) Accounts() domain.AccountRepository { return accountRepo{s} }

// Postings returns the posting repository.
func (s *Store) Postings() domain.PostingRepository { return postingRepo{s} }

// Movements returns the money-movement repository.
func (s *Store) Movements() domain.MovementRepository { return movementRepo{s} }

// Idempotency returns the idempotency-record repository.
func (s *Store) Idempotency() domain.IdempotencyRepository { return idempotencyRepo{s} }

// Orders returns the order repository.
func (s *Store) Orders() domain.OrderRepository { return orderRepo{s} }

// Fills returns the fill repository.
func (s *Store) Fills() domain.FillRepository { return fillRepo{s} }

// Positions returns the position-cache repository.
func (s *Store) Positions() domain.PositionRepository { return positionRepo{s} }

// Balances returns the balance-cache repository.
func (s *Store) Balances() domain.BalanceRepository { return balanceRepo{s} }

// GroupPositions returns the group-position repository.
func (s *Store) GroupPositions() domain.GroupPositionRepository { return groupPositionRepo{s} }

// Instruments returns the instrument catalogue repository.
func (s *Store) Instruments() domain.InstrumentRepository { return instrumentRepo{s} }

type accountRepo struct{ s *Store }

func (r accountRepo) Create(ctx context.Context, account domain.Account) error {
	unlock := r.s.lock()
	defer unlock()
	if _, exists := r.s.data.accounts[account.ID]; exists {
		return errs.New("memory/accounts", errs.CodeConflict, errs.WithEntity(account.ID.String()))
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	account.UpdatedAt = account.CreatedAt
	r.s.data.accounts[account.ID] = account
	return nil
}

func (r accountRepo) Get(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	unlock := r.s.lock()
	defer unlock()
	account, ok := r.s.data.accounts[id]
	if !ok {
		return domain.Account{}, errs.New("memory/accounts", errs.CodeNotFound, errs.WithEntity(id.String()))
	}
	return account, nil
}

func (r accountRepo) UpdateBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) error {
	unlock := r.s.lock()
	defer unlock()
	account, ok := r.s.data.accounts[id]
	if !ok {
		return errs.New("memory/accounts", errs.CodeNotFound, errs.WithEntity(id.String()))
	}
	if account.Version != expectedVersion {
		return errs.New("memory/accounts", errs.CodeConflict,
			errs.WithMessage("account version mismatch"), errs.WithEntity(id.String()))
	}
	account.Balance = balance
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	r.s.data.accounts[id] = account
	return nil
}

type postingRepo struct{ s *Store }

func (r postingRepo) CreateBatch(ctx context.Context, postings []domain.Posting) error {
	unlock := r.s.lock()
	defer unlock()
	now := time.Now().UTC()
	for i := range postings {
		if postings[i].CreatedAt.IsZero() {
			postings[i].CreatedAt = now
		}
	}
	r.s.data.postings = append(r.s.data.postings, postings...)
	return nil
}

func (r postingRepo) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Posting, error) {
	unlock := r.s.lock()
	defer unlock()
	var out []domain.Posting
	for _, posting := range r.s.data.postings {
		if posting.TransactionID == transactionID {
			out = append(out, posting)
		}
	}
	return out, nil
}

func (r postingRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Posting, error) {
	unlock := r.s.lock()
	defer unlock()
	var out []domain.Posting
	for _, posting := range r.s.data.postings {
		if posting.AccountID == accountID {
			out = append(out, posting)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type movementRepo struct{ s *Store }

func (r movementRepo) Create(ctx context.Context, movement domain.MoneyMovement) error {
	unlock := r.s.lock()
	defer unlock()
	if _, exists := r.s.data.movements[movement.ID]; exists {
		return errs.New("memory/movements", errs.CodeConflict, errs.WithEntity(movement.ID.String()))
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	r.s.data.movements[movement.ID] = movement
	return nil
}

func (r movementRepo) Get(ctx context.Context, id uuid.UUID) (domain.MoneyMovement, error) {
	unlock := r.s.lock()
	defer unlock()
	movement, ok := r.s.data.movements[id]
	if !ok {
		return domain.MoneyMovement{}, errs.New("memory/movements", errs.CodeNotFound, errs.WithEntity(id.String()))
	}
	return movement, nil
}

func (r movementRepo) Finalize(ctx context.Context, movement domain.MoneyMovement) error {
	unlock := r.s.lock()
	defer unlock()
	if _, ok := r.s.data.movements[movement.ID]; !ok {
		return errs.New("memory/movements", errs.CodeNotFound, errs.WithEntity(movement.ID.String()))
	}
	r.s.data.movements[movement.ID] = movement
	return nil
}

func (r movementRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.MoneyMovement, error) {
	unlock := r.s.lock()
	defer unlock()
	var out []domain.MoneyMovement
	for _, movement := range r.s.data.movements {
		if movement.DestinationAccountID == accountID ||
			(movement.SourceAccountID != nil && *movement.SourceAccountID == accountID) {
			out = append(out, movement)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type idempotencyRepo struct{ s *Store }

func (r idempotencyRepo) Create(ctx context.Context, record domain.IdempotencyRecord) error {
	unlock := r.s.lock()
	defer unlock()
	key := idemKey{clientKey: record.ClientKey, payer: record.PayerAccountID}
	if _, exists := r.s.data.idempotency[key]; exists {
		return errs.New("memory/idempotency", errs.CodeConflict,
			errs.WithMessage("duplicate client key"))
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.s.data.idempotency[key] = record
	return nil
}

func (r idempotencyRepo) Get(ctx context.Context, clientKey string, payerAccountID uuid.UUID) (domain.IdempotencyRecord, error) {
	unlock := r.s.lock()
	defer unlock()
	record, ok := r.s.data.idempotency[idemKey{clientKey: clientKey, payer: payerAccountID}]
	if !ok {
		return domain.IdempotencyRecord{}, errs.New("memory/idempotency", errs.CodeNotFound)
	}
	return record, nil
}

func (r idempotencyRepo) MarkUsed(ctx context.Context, clientKey string, payerAccountID uuid.UUID, resultEntityID uuid.UUID) error {
	unlock := r.s.lock()
	defer unlock()
	key := idemKey{clientKey: clientKey, payer: payerAccountID}
	record, ok := r.s.data.idempotency[key]
	if !ok {
		return errs.New("memory/idempotency", errs.CodeNotFound)
	}
	record.Used = true
	record.ResultEntityID = resultEntityID
	r.s.data.idempotency[key] = record
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Create(ctx context.Context, order domain.Order) error {
	unlock := r.s.lock()
	defer unlock()
	if _, exists := r.s.data.orders[order.ID]; exists {
		return errs.New("memory/orders", errs.CodeConflict, errs.WithEntity(order.ID.String()))
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	r.s.data.orders[order.ID] = order
	return nil
}

func (r orderRepo) Get(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	unlock := r.s.lock()
	defer unlock()
	order, ok := r.s.data.orders[id]
	if !ok {
		return domain.Order{}, errs.New("memory/orders", errs.CodeNotFound, errs.WithEntity(id.String()))
	}
	return order, nil
}

func (r orderRepo) Transition(ctx context.Context, id uuid.UUID, from, to domain.OrderStatus) error {
	unlock := r.s.lock()
	defer unlock()
	order, ok := r.s.data.orders[id]
	if !ok {
		return errs.New("memory/orders", errs.CodeNotFound, errs.WithEntity(id.String()))
	}
	if order.Status != from {
		return errs.New("memory/orders", errs.CodeConflict,
			errs.WithMessage("order not in expected status"), errs.WithEntity(id.String()))
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	r.s.data.orders[id] = order
	return nil
}

func (r orderRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Order, error) {
	unlock := r.s.lock()
	defer unlock()
	var out []domain.Order
	for _, order := range r.s.data.orders {
		if order.AccountID == accountID {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fillRepo struct{ s *Store }

func (r fillRepo) Create(ctx context.Context, fill domain.Fill) error {
	unlock := r.s.lock()
	defer unlock()
	if fill.CreatedAt.IsZero() {
		fill.CreatedAt = time.Now().UTC()
	}
	r.s.data.fills[fill.OrderID] = append(r.s.data.fills[fill.OrderID], fill)
	return nil
}

func (r fillRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Fill, error) {
	unlock := r.s.lock()
	defer unlock()
	fills := r.s.data.fills[orderID]
	out := make([]domain.Fill, len(fills))
	copy(out, fills)
	return out, nil
}

type positionRepo struct{ s *Store }

func (r positionRepo) Get(ctx context.Context, accountID uuid.UUID, instrument string) (domain.Position, error) {
	unlock := r.s.lock()
	defer unlock()
	position, ok := r.s.data.positions[positionKey{account: accountID, instrument: instrument}]
	if !ok {
		return domain.Position{}, errs.New("memory/positions", errs.CodeNotFound)
	}
	return position, nil
}

func (r positionRepo) Upsert(ctx context.Context, position domain.Position) error {
	unlock := r.s.lock()
	defer unlock()
	position.UpdatedAt = time.Now().UTC()
	r.s.data.positions[positionKey{account: position.AccountID, instrument: position.Instrument}] = position
	return nil
}

func (r positionRepo) Delete(ctx context.Context, accountID uuid.UUID, instrument string) error {
	unlock := r.s.lock()
	defer unlock()
	delete(r.s.data.positions, positionKey{account: accountID, instrument: instrument})
	return nil
}

func (r positionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Position, error) {
	unlock := r.s.lock()
	defer unlock()
	var out []domain.Position
	for key, position := range r.s.data.positions {
		if key.account == accountID {
			out = append(out, position)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

type balanceRepo struct{ s *Store }

func (r balanceRepo) Get(ctx context.Context, accountID uuid.UUID) (domain.Balance, error) {
	unlock := r.s.lock()
	defer unlock()
	balance, ok := r.s.data.balances[accountID]
	if !ok {
		return domain.Balance{}, errs.New("memory/balances", errs.CodeNotFound, errs.WithEntity(accountID.String()))
	}
	return balance, nil
}

func (r balanceRepo) Upsert(ctx context.Context, balance domain.Balance) error {
	unlock := r.s.lock()
	defer unlock()
	balance.UpdatedAt = time.Now().UTC()
	r.s.data.balances[balance.AccountID] = balance
	return nil
}

type groupPositionRepo struct{ s *Store }

func (r groupPositionRepo) Get(ctx context.Context, groupID uuid.UUID, instrument string) (domain.GroupPosition, error) {
	unlock := r.s.lock()
	defer unlock()
	position, ok := r.s.data.groupPositions[groupKey{group: groupID, instrument: instrument}]
	if !ok {
		return domain.GroupPosition{}, errs.New("memory/group-positions", errs.CodeNotFound)
	}
	return position, nil
}

func (r groupPositionRepo) Upsert(ctx context.Context, position domain.GroupPosition) error {
	unlock := r.s.lock()
	defer unlock()
	position.UpdatedAt = time.Now().UTC()
	r.s.data.groupPositions[groupKey{group: position.GroupID, instrument: position.Instrument}] = position
	return nil
}

func (r groupPositionRepo) Delete(ctx context.Context, groupID uuid.UUID, instrument string) error {
	unlock := r.s.lock()
	defer unlock()
	delete(r.s.data.groupPositions, groupKey{group: groupID, instrument: instrument})
	return nil
}

func (r groupPositionRepo) ListByGroup(ctx context.Context, groupID uuid.UUID) ([]domain.GroupPosition, error) {
	unlock := r.s.lock()
	defer unlock()
	var out []domain.GroupPosition
	for key, position := range r.s.data.groupPositions {
		if key.group == groupID {
			out = append(out, position)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

type instrumentRepo struct{ s *Store }

func (r instrumentRepo) Get(ctx context.Context, code string) (domain.Instrument, error) {
	unlock := r.s.lock()
	defer unlock()
	instrument, ok := r.s.data.instruments[code]
	if !ok {
		return domain.Instrument{}, errs.New("memory/instruments", errs.CodeNotFound, errs.WithEntity(code))
	}
	return instrument, nil
}

func (r instrumentRepo) Upsert(ctx context.Context, instrument domain.Instrument) error {
	unlock := r.s.lock()
	defer unlock()
	r.s.data.instruments[instrument.Code] = instrument
	return nil
}

func (r instrumentRepo) List(ctx context.Context) ([]domain.Instrument, error) {
	unlock := r.s.lock()
	defer unlock()
	out := make([]domain.Instrument, 0, len(r.s.data.instruments))
	for _, instrument := range r.s.data.instruments {
		out = append(out, instrument)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
