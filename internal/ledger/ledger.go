// Package ledger implements the double-entry posting engine. Every money
// mutation in the system flows through PostTransaction; account balances are
// projections of the posting stream and are updated under an optimistic
// version check.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/observability"
	"github.com/togather-fin/togather-core/internal/telemetry"
)

// DefaultMaxRetries bounds the optimistic-conflict retry loop.
const DefaultMaxRetries = 3

// Pair is one leg of a balanced transaction request.
type Pair struct {
	AccountID       uuid.UUID
	Side            domain.PostingSide
	Amount          int64
	Type            domain.PostingType
	RelatedEntityID uuid.UUID
	Memo            string
}

// Service posts balanced transactions and manages idempotency records.
type Service struct {
	store      domain.Store
	maxRetries int
	metrics    *telemetry.Metrics
}

// NewService creates a ledger service over the given store.
func NewService(store domain.Store) *Service {
	return &Service{store: store, maxRetries: DefaultMaxRetries}
}

// WithMaxRetries overrides the conflict retry bound.
func (s *Service) WithMaxRetries(n int) *Service {
	if n > 0 {
		s.maxRetries = n
	}
	return s
}

// WithMetrics attaches the counter bundle. A nil bundle records nothing.
func (s *Service) WithMetrics(metrics *telemetry.Metrics) *Service {
	s.metrics = metrics
	return s
}

// PostTransaction atomically applies a balanced set of postings, adjusting
// each account balance under its version check. Conflicts retry the whole
// transaction up to the configured bound. Insufficient funds abort before any
// write.
func (s *Service) PostTransaction(ctx context.Context, pairs []Pair) (uuid.UUID, error) {
	transactionID := uuid.New()
	if err := s.PostWithID(ctx, transactionID, pairs); err != nil {
		return uuid.Nil, err
	}
	return transactionID, nil
}

// PostWithID behaves like PostTransaction for a caller-owned transaction id,
// so the movement record tagging its postings can allocate the id up front.
func (s *Service) PostWithID(ctx context.Context, transactionID uuid.UUID, pairs []Pair) error {
	if err := validatePairs(pairs); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.store.WithTransaction(ctx, func(ctx context.Context, tx domain.Store) error {
			return s.PostIn(ctx, tx, transactionID, pairs)
		})
		if err == nil {
			return nil
		}
		if !errs.Is(err, errs.CodeConflict) {
			return err
		}
		lastErr = err
		s.metrics.LedgerConflict(ctx)
		observability.Log().Debug("ledger post retry",
			observability.F("transaction_id", transactionID.String()),
			observability.F("attempt", attempt+1),
		)
	}
	return errs.New("ledger/post", errs.CodeConflict,
		errs.WithMessage("account version conflict persisted across retries"),
		errs.WithCause(lastErr))
}

// PostIn applies the pairs within an ambient transaction without retrying.
// Callers composing a larger transaction (order settlement) own the retry
// policy.
func (s *Service) PostIn(ctx context.Context, tx domain.Store, transactionID uuid.UUID, pairs []Pair) error {
	if err := validatePairs(pairs); err != nil {
		return err
	}

	// Net effect per account, applied in ascending id order so concurrent
	// transactions touching the same accounts cannot deadlock.
	deltas := make(map[uuid.UUID]int64, len(pairs))
	for _, pair := range pairs {
		if pair.Side == domain.Debit {
			deltas[pair.AccountID] -= pair.Amount
		} else {
			deltas[pair.AccountID] += pair.Amount
		}
	}
	ids := make([]uuid.UUID, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	// Read and verify every account before touching any of them so a funds
	// failure leaves no partial write behind.
	accounts := make(map[uuid.UUID]domain.Account, len(ids))
	for _, id := range ids {
		account, err := tx.Accounts().Get(ctx, id)
		if err != nil {
			return fmt.Errorf("ledger: load account: %w", err)
		}
		if !account.Active {
			return errs.New("ledger/post", errs.CodeInvalid,
				errs.WithMessage("account inactive"), errs.WithEntity(id.String()))
		}
		if account.Balance+deltas[id] < 0 {
			return errs.New("ledger/post", errs.CodeInsufficientFunds,
				errs.WithReason("balance below requested debit"),
				errs.WithEntity(id.String()))
		}
		accounts[id] = account
	}

	for _, id := range ids {
		account := accounts[id]
		if err := tx.Accounts().UpdateBalance(ctx, id, account.Balance+deltas[id], account.Version); err != nil {
			return fmt.Errorf("ledger: apply balance: %w", err)
		}
	}

	postings := make([]domain.Posting, 0, len(pairs))
	for _, pair := range pairs {
		postings = append(postings, domain.Posting{
			ID:              uuid.New(),
			TransactionID:   transactionID,
			Side:            pair.Side,
			AccountID:       pair.AccountID,
			Amount:          pair.Amount,
			Status:          domain.PostingCompleted,
			Type:            pair.Type,
			RelatedEntityID: pair.RelatedEntityID,
			Memo:            pair.Memo,
		})
	}
	if err := tx.Postings().CreateBatch(ctx, postings); err != nil {
		return fmt.Errorf("ledger: write postings: %w", err)
	}
	return nil
}

// validatePairs enforces the double-entry invariant. Violations are
// programming errors and fail fast, never silently corrected.
func validatePairs(pairs []Pair) error {
	if len(pairs) == 0 {
		return errs.New("ledger/post", errs.CodeInvariant, errs.WithMessage("no postings supplied"))
	}
	var debits, credits int64
	var sawDebit, sawCredit bool
	for _, pair := range pairs {
		if pair.Amount <= 0 {
			return errs.New("ledger/post", errs.CodeInvariant,
				errs.WithMessage("posting amount must be positive"))
		}
		switch pair.Side {
		case domain.Debit:
			debits += pair.Amount
			sawDebit = true
		case domain.Credit:
			credits += pair.Amount
			sawCredit = true
		default:
			return errs.New("ledger/post", errs.CodeInvariant,
				errs.WithMessage("unknown posting side "+string(pair.Side)))
		}
	}
	if !sawDebit || !sawCredit {
		return errs.New("ledger/post", errs.CodeInvariant,
			errs.WithMessage("transaction requires at least one debit and one credit"))
	}
	if debits != credits {
		return errs.New("ledger/post", errs.CodeInvariant,
			errs.WithMessage(fmt.Sprintf("unbalanced transaction: debits=%d credits=%d", debits, credits)))
	}
	return nil
}
