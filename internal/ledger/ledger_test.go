package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/persistence/memory"
	"github.com/togather-fin/togather-core/internal/telemetry"
)

func newAccount(t *testing.T, store domain.Store, balance int64) domain.Account {
	t.Helper()
	account := domain.Account{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Kind:    domain.AccountPersonal,
		Balance: balance,
		Active:  true,
	}
	if err := store.Accounts().Create(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func balanceOf(t *testing.T, store domain.Store, id uuid.UUID) int64 {
	t.Helper()
	account, err := store.Accounts().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account.Balance
}

func TestPostTransactionMovesMoney(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	a := newAccount(t, store, 500)
	b := newAccount(t, store, 100)

	txID, err := svc.PostTransaction(ctx, []Pair{
		{AccountID: a.ID, Side: domain.Debit, Amount: 200, Type: domain.PostingTransfer},
		{AccountID: b.ID, Side: domain.Credit, Amount: 200, Type: domain.PostingTransfer},
	})
	if err != nil {
		t.Fatalf("post transaction: %v", err)
	}
	if got := balanceOf(t, store, a.ID); got != 300 {
		t.Errorf("debit account balance = %d, want 300", got)
	}
	if got := balanceOf(t, store, b.ID); got != 300 {
		t.Errorf("credit account balance = %d, want 300", got)
	}

	postings, err := store.Postings().ListByTransaction(ctx, txID)
	if err != nil {
		t.Fatalf("list postings: %v", err)
	}
	if len(postings) != 2 {
		t.Fatalf("postings = %d, want 2", len(postings))
	}
	var debits, credits int64
	for _, p := range postings {
		if p.Status != domain.PostingCompleted {
			t.Errorf("posting status = %s, want COMPLETED", p.Status)
		}
		if p.Side == domain.Debit {
			debits += p.Amount
		} else {
			credits += p.Amount
		}
	}
	if debits != credits {
		t.Errorf("posted legs unbalanced: debits=%d credits=%d", debits, credits)
	}
}

func TestPostTransactionUnbalancedFailsFast(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	a := newAccount(t, store, 500)
	b := newAccount(t, store, 0)

	_, err := svc.PostTransaction(ctx, []Pair{
		{AccountID: a.ID, Side: domain.Debit, Amount: 200, Type: domain.PostingTransfer},
		{AccountID: b.ID, Side: domain.Credit, Amount: 150, Type: domain.PostingTransfer},
	})
	if !errs.Is(err, errs.CodeInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if got := balanceOf(t, store, a.ID); got != 500 {
		t.Errorf("balance mutated by rejected transaction: %d", got)
	}
}

func TestPostTransactionValidation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	a := newAccount(t, store, 500)

	cases := []struct {
		name  string
		pairs []Pair
	}{
		{"empty", nil},
		{"nonpositive amount", []Pair{
			{AccountID: a.ID, Side: domain.Debit, Amount: 0, Type: domain.PostingTransfer},
			{AccountID: a.ID, Side: domain.Credit, Amount: 0, Type: domain.PostingTransfer},
		}},
		{"one sided", []Pair{
			{AccountID: a.ID, Side: domain.Debit, Amount: 100, Type: domain.PostingTransfer},
			{AccountID: a.ID, Side: domain.Debit, Amount: 100, Type: domain.PostingTransfer},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.PostTransaction(ctx, tc.pairs); !errs.Is(err, errs.CodeInvariant) {
				t.Fatalf("expected invariant error, got %v", err)
			}
		})
	}
}

func TestPostTransactionInsufficientFundsLeavesNoPartialWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	a := newAccount(t, store, 100)
	b := newAccount(t, store, 50)

	_, err := svc.PostTransaction(ctx, []Pair{
		{AccountID: a.ID, Side: domain.Debit, Amount: 200, Type: domain.PostingTransfer},
		{AccountID: b.ID, Side: domain.Credit, Amount: 200, Type: domain.PostingTransfer},
	})
	if !errs.Is(err, errs.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := balanceOf(t, store, a.ID); got != 100 {
		t.Errorf("debit account balance = %d, want untouched 100", got)
	}
	if got := balanceOf(t, store, b.ID); got != 50 {
		t.Errorf("credit account balance = %d, want untouched 50", got)
	}
	if postings, _ := store.Postings().ListByAccount(ctx, b.ID, 10); len(postings) != 0 {
		t.Errorf("postings written for rejected transaction: %d", len(postings))
	}
}

func TestPostTransactionInactiveAccount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	a := newAccount(t, store, 500)
	frozen := domain.Account{ID: uuid.New(), OwnerID: uuid.New(), Kind: domain.AccountPersonal, Balance: 100, Active: false}
	if err := store.Accounts().Create(ctx, frozen); err != nil {
		t.Fatalf("create account: %v", err)
	}

	_, err := svc.PostTransaction(ctx, []Pair{
		{AccountID: a.ID, Side: domain.Debit, Amount: 50, Type: domain.PostingTransfer},
		{AccountID: frozen.ID, Side: domain.Credit, Amount: 50, Type: domain.PostingTransfer},
	})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error for inactive account, got %v", err)
	}
}

func TestPostTransactionNetsMultipleLegsPerAccount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	a := newAccount(t, store, 500)
	b := newAccount(t, store, 500)

	// a pays 300 and receives 100 in the same transaction; net -200.
	_, err := svc.PostTransaction(ctx, []Pair{
		{AccountID: a.ID, Side: domain.Debit, Amount: 300, Type: domain.PostingTransfer},
		{AccountID: b.ID, Side: domain.Credit, Amount: 300, Type: domain.PostingTransfer},
		{AccountID: b.ID, Side: domain.Debit, Amount: 100, Type: domain.PostingTransfer},
		{AccountID: a.ID, Side: domain.Credit, Amount: 100, Type: domain.PostingTransfer},
	})
	if err != nil {
		t.Fatalf("post transaction: %v", err)
	}
	if got := balanceOf(t, store, a.ID); got != 300 {
		t.Errorf("net balance = %d, want 300", got)
	}
	if got := balanceOf(t, store, b.ID); got != 700 {
		t.Errorf("net balance = %d, want 700", got)
	}
}

func TestRecordIdempotentReplayReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	payer := uuid.New()
	entity := uuid.New()

	calls := 0
	op := func(context.Context) (uuid.UUID, error) {
		calls++
		return entity, nil
	}

	id, replayed, err := svc.RecordIdempotent(ctx, "key-1", payer, op)
	if err != nil || replayed {
		t.Fatalf("first call: id=%s replayed=%v err=%v", id, replayed, err)
	}
	if id != entity {
		t.Fatalf("id = %s, want %s", id, entity)
	}

	id, replayed, err = svc.RecordIdempotent(ctx, "key-1", payer, op)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed {
		t.Error("second call not flagged as replay")
	}
	if id != entity {
		t.Errorf("replay id = %s, want %s", id, entity)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}

func TestRecordIdempotentScopedToPayer(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)

	first := uuid.New()
	second := uuid.New()
	calls := 0
	op := func(context.Context) (uuid.UUID, error) {
		calls++
		return uuid.New(), nil
	}

	if _, _, err := svc.RecordIdempotent(ctx, "key-1", first, op); err != nil {
		t.Fatalf("first payer: %v", err)
	}
	if _, _, err := svc.RecordIdempotent(ctx, "key-1", second, op); err != nil {
		t.Fatalf("second payer: %v", err)
	}
	if calls != 2 {
		t.Errorf("operation ran %d times, want 2; same key under different payers must not collide", calls)
	}
}

func TestRecordIdempotentEmptyKeyBypasses(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)

	calls := 0
	op := func(context.Context) (uuid.UUID, error) {
		calls++
		return uuid.New(), nil
	}
	for i := 0; i < 3; i++ {
		if _, _, err := svc.RecordIdempotent(ctx, "", uuid.New(), op); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if calls != 3 {
		t.Errorf("operation ran %d times, want 3 without a key", calls)
	}
}

func TestRecordIdempotentFailedOperationIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store)
	payer := uuid.New()
	entity := uuid.New()

	calls := 0
	op := func(context.Context) (uuid.UUID, error) {
		calls++
		// The entity exists in a FAILED terminal state; replays must see it.
		return entity, errs.New("test/op", errs.CodeInsufficientFunds)
	}

	id, _, err := svc.RecordIdempotent(ctx, "key-1", payer, op)
	if !errs.Is(err, errs.CodeInsufficientFunds) {
		t.Fatalf("expected operation error, got %v", err)
	}
	if id != entity {
		t.Fatalf("id = %s, want %s", id, entity)
	}

	id, replayed, err := svc.RecordIdempotent(ctx, "key-1", payer, op)
	if err != nil || !replayed {
		t.Fatalf("replay of failed op: id=%s replayed=%v err=%v", id, replayed, err)
	}
	if id != entity {
		t.Errorf("replay id = %s, want terminal entity %s", id, entity)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1", calls)
	}
}

// staleAccountStore injects version conflicts into UpdateBalance until the
// shared counter drains, then delegates to the real store.
type staleAccountStore struct {
	domain.Store
	conflicts *int
}

func (s *staleAccountStore) Accounts() domain.AccountRepository {
	return staleAccounts{AccountRepository: s.Store.Accounts(), conflicts: s.conflicts}
}

func (s *staleAccountStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	return s.Store.WithTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
		return fn(ctx, &staleAccountStore{Store: tx, conflicts: s.conflicts})
	})
}

type staleAccounts struct {
	domain.AccountRepository
	conflicts *int
}

func (r staleAccounts) UpdateBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) error {
	if *r.conflicts > 0 {
		*r.conflicts--
		return errs.New("test/accounts", errs.CodeConflict, errs.WithReason("version changed since read"))
	}
	return r.AccountRepository.UpdateBalance(ctx, id, balance, expectedVersion)
}

func TestPostTransactionCountsConflicts(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(previous) })
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	base := memory.NewStore()
	conflicts := 1
	svc := NewService(&staleAccountStore{Store: base, conflicts: &conflicts}).WithMetrics(metrics)
	a := newAccount(t, base, 500)
	b := newAccount(t, base, 0)

	if _, err := svc.PostTransaction(ctx, []Pair{
		{AccountID: a.ID, Side: domain.Debit, Amount: 100, Type: domain.PostingTransfer},
		{AccountID: b.ID, Side: domain.Credit, Amount: 100, Type: domain.PostingTransfer},
	}); err != nil {
		t.Fatalf("post transaction: %v", err)
	}
	if got := balanceOf(t, base, a.ID); got != 400 {
		t.Errorf("balance after retried post = %d, want 400", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	if got := counterValue(&rm, "togather.ledger.conflicts"); got != 1 {
		t.Errorf("conflict counter = %d, want 1", got)
	}
}

func counterValue(rm *metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
