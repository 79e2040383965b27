package group

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/execution"
	"github.com/togather-fin/togather-core/internal/ledger"
	"github.com/togather-fin/togather-core/internal/persistence/memory"
)

type staticMembers struct {
	members map[uuid.UUID][]uuid.UUID
	err     error
}

func (m staticMembers) Members(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.members[groupID], nil
}

type groupFixture struct {
	store      domain.Store
	aggregator *Aggregator
	groupID    uuid.UUID
	members    []uuid.UUID
}

func newGroupFixture(t *testing.T, memberCount int, cashEach int64) *groupFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	settlement := domain.Account{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Kind:    domain.AccountMerchant,
		Balance: 1_000_000_000,
		Active:  true,
	}
	if err := store.Accounts().Create(ctx, settlement); err != nil {
		t.Fatalf("create settlement account: %v", err)
	}
	if err := store.Instruments().Upsert(ctx, domain.Instrument{Code: "005930", Name: "Samsung Electronics", Enabled: true}); err != nil {
		t.Fatalf("seed instrument: %v", err)
	}

	groupID := uuid.New()
	members := make([]uuid.UUID, 0, memberCount)
	for i := 0; i < memberCount; i++ {
		account := domain.Account{
			ID:      uuid.New(),
			OwnerID: uuid.New(),
			Kind:    domain.AccountPersonal,
			Balance: cashEach,
			Active:  true,
		}
		if err := store.Accounts().Create(ctx, account); err != nil {
			t.Fatalf("create member account: %v", err)
		}
		if err := store.Balances().Upsert(ctx, domain.Balance{AccountID: account.ID, Cash: cashEach}); err != nil {
			t.Fatalf("seed balance cache: %v", err)
		}
		members = append(members, account.ID)
	}

	engine := execution.NewEngine(store, ledger.NewService(store), nil, settlement.ID)
	aggregator := NewAggregator(store, engine, staticMembers{members: map[uuid.UUID][]uuid.UUID{groupID: members}})
	return &groupFixture{store: store, aggregator: aggregator, groupID: groupID, members: members}
}

func price(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestSplitQuantity(t *testing.T) {
	cases := []struct {
		total int64
		n     int
		want  []int64
	}{
		{11, 4, []int64{2, 2, 2, 5}},
		{12, 4, []int64{3, 3, 3, 3}},
		{1, 3, []int64{0, 0, 1}},
		{7, 1, []int64{7}},
		{10, 3, []int64{3, 3, 4}},
	}
	for _, tc := range cases {
		got := SplitQuantity(tc.total, tc.n)
		if len(got) != len(tc.want) {
			t.Fatalf("SplitQuantity(%d, %d) = %v, want %v", tc.total, tc.n, got, tc.want)
		}
		var sum int64
		for i := range got {
			sum += got[i]
			if got[i] != tc.want[i] {
				t.Errorf("SplitQuantity(%d, %d) = %v, want %v", tc.total, tc.n, got, tc.want)
				break
			}
		}
		if sum != tc.total {
			t.Errorf("SplitQuantity(%d, %d) shares sum to %d", tc.total, tc.n, sum)
		}
	}
	if got := SplitQuantity(10, 0); got != nil {
		t.Errorf("SplitQuantity(10, 0) = %v, want nil", got)
	}
}

func TestPlaceGroupOrderSplitsAcrossMembers(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 4, 1_000_000)

	result, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 11, price("100"), domain.Buy)
	if err != nil {
		t.Fatalf("group order: %v", err)
	}
	if result.Succeeded != 4 || result.Failed != 0 {
		t.Errorf("succeeded/failed = %d/%d, want 4/0", result.Succeeded, result.Failed)
	}
	if result.ExecutedQuantity != 11 {
		t.Errorf("executed = %d, want 11", result.ExecutedQuantity)
	}

	wantShares := []int64{2, 2, 2, 5}
	for i, member := range f.members {
		position, err := f.store.Positions().Get(ctx, member, "005930")
		if err != nil {
			t.Fatalf("member %d position: %v", i, err)
		}
		if position.Quantity != wantShares[i] {
			t.Errorf("member %d quantity = %d, want %d", i, position.Quantity, wantShares[i])
		}
	}

	rollup, err := f.aggregator.GetPosition(ctx, f.groupID, "005930")
	if err != nil {
		t.Fatalf("group position: %v", err)
	}
	if rollup.TotalQuantity != 11 {
		t.Errorf("group quantity = %d, want 11", rollup.TotalQuantity)
	}
	if !rollup.AverageCost.Equal(price("100")) {
		t.Errorf("group average cost = %s, want 100", rollup.AverageCost)
	}
	if rollup.MemberCount != 4 {
		t.Errorf("member count = %d, want 4", rollup.MemberCount)
	}
}

func TestPlaceGroupOrderToleratesMemberFailures(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 4, 1_000_000)

	// Drain the last member's cached balance so its share fails.
	if err := f.store.Balances().Upsert(ctx, domain.Balance{AccountID: f.members[3], Cash: 0}); err != nil {
		t.Fatalf("drain balance: %v", err)
	}

	result, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 11, price("100"), domain.Buy)
	if err != nil {
		t.Fatalf("group order: %v", err)
	}
	if result.Succeeded != 3 || result.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 3/1", result.Succeeded, result.Failed)
	}
	// Only the executed quantity reaches the rollup, never the requested total.
	if result.ExecutedQuantity != 6 {
		t.Errorf("executed = %d, want 6", result.ExecutedQuantity)
	}
	rollup, err := f.aggregator.GetPosition(ctx, f.groupID, "005930")
	if err != nil {
		t.Fatalf("group position: %v", err)
	}
	if rollup.TotalQuantity != 6 {
		t.Errorf("group quantity = %d, want 6", rollup.TotalQuantity)
	}
	if rollup.MemberCount != 3 {
		t.Errorf("member count = %d, want 3 holders", rollup.MemberCount)
	}
}

func TestPlaceGroupOrderAllMembersFail(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 3, 0)

	result, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 9, price("100"), domain.Buy)
	if err != nil {
		t.Fatalf("group order: %v", err)
	}
	if result.Failed != 3 || result.ExecutedQuantity != 0 {
		t.Errorf("failed=%d executed=%d, want 3/0", result.Failed, result.ExecutedQuantity)
	}
	if _, err := f.aggregator.GetPosition(ctx, f.groupID, "005930"); !errs.Is(err, errs.CodeNotFound) {
		t.Errorf("expected no rollup when nothing executed, got %v", err)
	}
}

func TestPlaceGroupOrderSell(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 4, 1_000_000)

	if _, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 12, price("100"), domain.Buy); err != nil {
		t.Fatalf("seed buy: %v", err)
	}
	result, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 8, price("120"), domain.Sell)
	if err != nil {
		t.Fatalf("group sell: %v", err)
	}
	if result.ExecutedQuantity != 8 {
		t.Errorf("executed = %d, want 8", result.ExecutedQuantity)
	}
	rollup, err := f.aggregator.GetPosition(ctx, f.groupID, "005930")
	if err != nil {
		t.Fatalf("group position: %v", err)
	}
	if rollup.TotalQuantity != 4 {
		t.Errorf("group quantity = %d, want 4", rollup.TotalQuantity)
	}
	// Selling never moves the average cost.
	if !rollup.AverageCost.Equal(price("100")) {
		t.Errorf("average cost = %s, want 100", rollup.AverageCost)
	}
}

func TestPlaceGroupOrderSellToZeroRemovesRollup(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 2, 1_000_000)

	if _, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 10, price("100"), domain.Buy); err != nil {
		t.Fatalf("seed buy: %v", err)
	}
	if _, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 10, price("100"), domain.Sell); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if _, err := f.aggregator.GetPosition(ctx, f.groupID, "005930"); !errs.Is(err, errs.CodeNotFound) {
		t.Errorf("expected emptied rollup removed, got %v", err)
	}
}

func TestPlaceGroupOrderSellBeyondHolding(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 4, 1_000_000)

	if _, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 8, price("100"), domain.Buy); err != nil {
		t.Fatalf("seed buy: %v", err)
	}
	_, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 20, price("100"), domain.Sell)
	if !errs.Is(err, errs.CodeInsufficientGroupHolding) {
		t.Fatalf("expected insufficient group holding, got %v", err)
	}
}

func TestPlaceGroupOrderEmptyGroup(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 4, 1_000_000)
	_, err := f.aggregator.PlaceGroupOrder(ctx, uuid.New(), "005930", 10, price("100"), domain.Buy)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid for empty group, got %v", err)
	}
}

func TestPlaceGroupOrderMemberLookupFailureTreatedAsEmpty(t *testing.T) {
	ctx := context.Background()
	f := newGroupFixture(t, 4, 1_000_000)
	f.aggregator.members = staticMembers{err: errs.New("members/lookup", errs.CodeUnavailable)}

	_, err := f.aggregator.PlaceGroupOrder(ctx, f.groupID, "005930", 10, price("100"), domain.Buy)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid for unavailable membership, got %v", err)
	}
}

func TestPlaceGroupOrderRejectsNonPositiveQuantity(t *testing.T) {
	f := newGroupFixture(t, 4, 1_000_000)
	_, err := f.aggregator.PlaceGroupOrder(context.Background(), f.groupID, "005930", 0, price("100"), domain.Buy)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}
