package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

// Operation produces the entity behind an idempotent request. A non-nil
// entity id returned alongside an error marks a terminally failed record that
// replays must still short-circuit to.
type Operation func(ctx context.Context) (uuid.UUID, error)

// RecordIdempotent executes op exactly once per (clientKey, payerAccountID)
// pair. Replays return the stored entity id without invoking op. The unique
// constraint on the pair is the sole correctness mechanism: a concurrent
// duplicate surfaces as a constraint violation and resolves by re-reading the
// winner's record.
func (s *Service) RecordIdempotent(ctx context.Context, clientKey string, payerAccountID uuid.UUID, op Operation) (uuid.UUID, bool, error) {
	if clientKey == "" {
		id, err := op(ctx)
		return id, false, err
	}

	repo := s.store.Idempotency()

	if record, err := repo.Get(ctx, clientKey, payerAccountID); err == nil {
		if record.Used {
			return record.ResultEntityID, true, nil
		}
		return uuid.Nil, false, errs.New("ledger/idempotency", errs.CodeConflict,
			errs.WithMessage("duplicate request still in flight"))
	} else if !errs.Is(err, errs.CodeNotFound) {
		return uuid.Nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	err := repo.Create(ctx, domain.IdempotencyRecord{
		ClientKey:      clientKey,
		PayerAccountID: payerAccountID,
	})
	if err != nil {
		if !errs.Is(err, errs.CodeConflict) {
			return uuid.Nil, false, fmt.Errorf("idempotency create: %w", err)
		}
		// Lost the race: the other submission owns the key. Re-read and
		// treat as already processed.
		record, readErr := repo.Get(ctx, clientKey, payerAccountID)
		if readErr != nil {
			return uuid.Nil, false, fmt.Errorf("idempotency re-read after conflict: %w", readErr)
		}
		if record.Used {
			return record.ResultEntityID, true, nil
		}
		return uuid.Nil, false, errs.New("ledger/idempotency", errs.CodeConflict,
			errs.WithMessage("duplicate request still in flight"))
	}

	entityID, opErr := op(ctx)
	if entityID != uuid.Nil {
		if markErr := repo.MarkUsed(ctx, clientKey, payerAccountID, entityID); markErr != nil {
			return entityID, false, fmt.Errorf("idempotency mark used: %w", markErr)
		}
	}
	return entityID, false, opErr
}
