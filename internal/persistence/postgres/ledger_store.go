package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
)

const (
	accountInsertSQL = `
INSERT INTO accounts (id, owner_id, kind, balance, version, active, account_number, created_at, updated_at)
VALUES (@id, @owner_id, @kind, @balance, @version, @active, @account_number, NOW(), NOW());
`

	accountSelectSQL = `
SELECT id::text, owner_id::text, kind, balance, version, active, account_number, created_at, updated_at
FROM accounts
WHERE id = @id;
`

	accountBalanceUpdateSQL = `
UPDATE accounts
SET balance = @balance,
    version = version + 1,
    updated_at = NOW()
WHERE id = @id AND version = @version;
`

	postingInsertSQL = `
INSERT INTO ledger_postings (id, transaction_id, side, account_id, amount, status, type, related_entity_id, memo, created_at)
VALUES (@id, @transaction_id, @side, @account_id, @amount, @status, @type, @related_entity_id, @memo, NOW());
`

	postingSelectBase = `
SELECT id::text, transaction_id::text, side, account_id::text, amount, status, type, related_entity_id::text, memo, created_at
FROM ledger_postings
`

	movementInsertSQL = `
INSERT INTO money_movements (id, kind, source_account_id, destination_account_id, amount, status, client_request_id, transaction_id, failure_reason, created_at, completed_at)
VALUES (@id, @kind, @source, @destination, @amount, @status, @client_request_id, @transaction_id, @failure_reason, NOW(), @completed_at);
`

	movementFinalizeSQL = `
UPDATE money_movements
SET status = @status,
    failure_reason = @failure_reason,
    completed_at = @completed_at
WHERE id = @id;
`

	movementSelectBase = `
SELECT id::text, kind, source_account_id::text, destination_account_id::text, amount, status,
       client_request_id, transaction_id::text, failure_reason, created_at, completed_at
FROM money_movements
`

	idempotencyInsertSQL = `
INSERT INTO idempotency_records (client_key, payer_account_id, result_entity_id, used, created_at)
VALUES (@client_key, @payer, NULL, FALSE, NOW());
`

	idempotencySelectSQL = `
SELECT client_key, payer_account_id::text, COALESCE(result_entity_id::text, ''), used, created_at
FROM idempotency_records
WHERE client_key = @client_key AND payer_account_id = @payer;
`

	idempotencyMarkUsedSQL = `
UPDATE idempotency_records
SET result_entity_id = @entity,
    used = TRUE
WHERE client_key = @client_key AND payer_account_id = @payer;
`
)

type accountStore struct{ s *Store }

func (r accountStore) Create(ctx context.Context, account domain.Account) error {
	args := pgx.NamedArgs{
		"id":             account.ID.String(),
		"owner_id":       account.OwnerID.String(),
		"kind":           string(account.Kind),
		"balance":        account.Balance,
		"version":        account.Version,
		"active":         account.Active,
		"account_number": account.AccountNumber,
	}
	if _, err := r.s.q.Exec(ctx, accountInsertSQL, args); err != nil {
		return mapError("postgres/accounts", err)
	}
	return nil
}

func (r accountStore) Get(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	row := r.s.q.QueryRow(ctx, accountSelectSQL, pgx.NamedArgs{"id": id.String()})
	return scanAccount(row)
}

func (r accountStore) UpdateBalance(ctx context.Context, id uuid.UUID, balance, expectedVersion int64) error {
	tag, err := r.s.q.Exec(ctx, accountBalanceUpdateSQL, pgx.NamedArgs{
		"id":      id.String(),
		"balance": balance,
		"version": expectedVersion,
	})
	if err != nil {
		return mapError("postgres/accounts", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/accounts", errs.CodeConflict,
			errs.WithReason("version changed since read"), errs.WithEntity(id.String()))
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		account         domain.Account
		idRaw, ownerRaw string
		kind            string
	)
	err := row.Scan(&idRaw, &ownerRaw, &kind, &account.Balance, &account.Version,
		&account.Active, &account.AccountNumber, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return domain.Account{}, mapError("postgres/accounts", err)
	}
	if account.ID, err = uuid.Parse(idRaw); err != nil {
		return domain.Account{}, fmt.Errorf("postgres: account id: %w", err)
	}
	if account.OwnerID, err = uuid.Parse(ownerRaw); err != nil {
		return domain.Account{}, fmt.Errorf("postgres: owner id: %w", err)
	}
	account.Kind = domain.AccountKind(kind)
	return account, nil
}

type postingStore struct{ s *Store }

func (r postingStore) CreateBatch(ctx context.Context, postings []domain.Posting) error {
	for _, posting := range postings {
		related := ""
		if posting.RelatedEntityID != uuid.Nil {
			related = posting.RelatedEntityID.String()
		}
		args := pgx.NamedArgs{
			"id":                posting.ID.String(),
			"transaction_id":    posting.TransactionID.String(),
			"side":              string(posting.Side),
			"account_id":        posting.AccountID.String(),
			"amount":            posting.Amount,
			"status":            string(posting.Status),
			"type":              string(posting.Type),
			"related_entity_id": nullableText(related),
			"memo":              posting.Memo,
		}
		if _, err := r.s.q.Exec(ctx, postingInsertSQL, args); err != nil {
			return mapError("postgres/postings", err)
		}
	}
	return nil
}

func (r postingStore) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]domain.Posting, error) {
	rows, err := r.s.q.Query(ctx, postingSelectBase+`WHERE transaction_id = @transaction_id ORDER BY created_at, id;`,
		pgx.NamedArgs{"transaction_id": transactionID.String()})
	if err != nil {
		return nil, mapError("postgres/postings", err)
	}
	defer rows.Close()
	return scanPostings(rows)
}

func (r postingStore) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.Posting, error) {
	rows, err := r.s.q.Query(ctx, postingSelectBase+`WHERE account_id = @account_id ORDER BY created_at DESC LIMIT @limit;`,
		pgx.NamedArgs{"account_id": accountID.String(), "limit": normalizeLimit(limit)})
	if err != nil {
		return nil, mapError("postgres/postings", err)
	}
	defer rows.Close()
	return scanPostings(rows)
}

func scanPostings(rows pgx.Rows) ([]domain.Posting, error) {
	var out []domain.Posting
	for rows.Next() {
		var (
			posting                    domain.Posting
			idRaw, txRaw, accountRaw   string
			side, status, kind, relRaw string
		)
		if err := rows.Scan(&idRaw, &txRaw, &side, &accountRaw, &posting.Amount,
			&status, &kind, &relRaw, &posting.Memo, &posting.CreatedAt); err != nil {
			return nil, mapError("postgres/postings", err)
		}
		var err error
		if posting.ID, err = uuid.Parse(idRaw); err != nil {
			return nil, fmt.Errorf("postgres: posting id: %w", err)
		}
		if posting.TransactionID, err = uuid.Parse(txRaw); err != nil {
			return nil, fmt.Errorf("postgres: transaction id: %w", err)
		}
		if posting.AccountID, err = uuid.Parse(accountRaw); err != nil {
			return nil, fmt.Errorf("postgres: posting account id: %w", err)
		}
		if relRaw != "" {
			if posting.RelatedEntityID, err = uuid.Parse(relRaw); err != nil {
				return nil, fmt.Errorf("postgres: related entity id: %w", err)
			}
		}
		posting.Side = domain.PostingSide(side)
		posting.Status = domain.PostingStatus(status)
		posting.Type = domain.PostingType(kind)
		out = append(out, posting)
	}
	return out, rows.Err()
}

type movementStore struct{ s *Store }

func (r movementStore) Create(ctx context.Context, movement domain.MoneyMovement) error {
	source := ""
	if movement.SourceAccountID != nil {
		source = movement.SourceAccountID.String()
	}
	args := pgx.NamedArgs{
		"id":                movement.ID.String(),
		"kind":              string(movement.Kind),
		"source":            nullableText(source),
		"destination":       movement.DestinationAccountID.String(),
		"amount":            movement.Amount,
		"status":            string(movement.Status),
		"client_request_id": movement.ClientRequestID,
		"transaction_id":    movement.TransactionID.String(),
		"failure_reason":    movement.FailureReason,
		"completed_at":      movement.CompletedAt,
	}
	if _, err := r.s.q.Exec(ctx, movementInsertSQL, args); err != nil {
		return mapError("postgres/movements", err)
	}
	return nil
}

func (r movementStore) Get(ctx context.Context, id uuid.UUID) (domain.MoneyMovement, error) {
	row := r.s.q.QueryRow(ctx, movementSelectBase+`WHERE id = @id;`, pgx.NamedArgs{"id": id.String()})
	return scanMovement(row)
}

func (r movementStore) Finalize(ctx context.Context, movement domain.MoneyMovement) error {
	tag, err := r.s.q.Exec(ctx, movementFinalizeSQL, pgx.NamedArgs{
		"id":             movement.ID.String(),
		"status":         string(movement.Status),
		"failure_reason": movement.FailureReason,
		"completed_at":   movement.CompletedAt,
	})
	if err != nil {
		return mapError("postgres/movements", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/movements", errs.CodeNotFound, errs.WithEntity(movement.ID.String()))
	}
	return nil
}

func (r movementStore) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.MoneyMovement, error) {
	rows, err := r.s.q.Query(ctx,
		movementSelectBase+`WHERE source_account_id = @id OR destination_account_id = @id ORDER BY created_at DESC LIMIT @limit;`,
		pgx.NamedArgs{"id": accountID.String(), "limit": normalizeLimit(limit)})
	if err != nil {
		return nil, mapError("postgres/movements", err)
	}
	defer rows.Close()

	var out []domain.MoneyMovement
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, movement)
	}
	return out, rows.Err()
}

func scanMovement(row pgx.Row) (domain.MoneyMovement, error) {
	var (
		movement            domain.MoneyMovement
		idRaw, kind, status string
		sourceRaw           *string
		destRaw, txRaw      string
		completedAt         *time.Time
	)
	err := row.Scan(&idRaw, &kind, &sourceRaw, &destRaw, &movement.Amount, &status,
		&movement.ClientRequestID, &txRaw, &movement.FailureReason, &movement.CreatedAt, &completedAt)
	if err != nil {
		return domain.MoneyMovement{}, mapError("postgres/movements", err)
	}
	if movement.ID, err = uuid.Parse(idRaw); err != nil {
		return domain.MoneyMovement{}, fmt.Errorf("postgres: movement id: %w", err)
	}
	if sourceRaw != nil && *sourceRaw != "" {
		source, err := uuid.Parse(*sourceRaw)
		if err != nil {
			return domain.MoneyMovement{}, fmt.Errorf("postgres: source account id: %w", err)
		}
		movement.SourceAccountID = &source
	}
	if movement.DestinationAccountID, err = uuid.Parse(destRaw); err != nil {
		return domain.MoneyMovement{}, fmt.Errorf("postgres: destination account id: %w", err)
	}
	if movement.TransactionID, err = uuid.Parse(txRaw); err != nil {
		return domain.MoneyMovement{}, fmt.Errorf("postgres: transaction id: %w", err)
	}
	movement.Kind = domain.MovementKind(kind)
	movement.Status = domain.MovementStatus(status)
	movement.CompletedAt = completedAt
	return movement, nil
}

type idempotencyStore struct{ s *Store }

func (r idempotencyStore) Create(ctx context.Context, record domain.IdempotencyRecord) error {
	args := pgx.NamedArgs{
		"client_key": record.ClientKey,
		"payer":      record.PayerAccountID.String(),
	}
	if _, err := r.s.q.Exec(ctx, idempotencyInsertSQL, args); err != nil {
		return mapError("postgres/idempotency", err)
	}
	return nil
}

func (r idempotencyStore) Get(ctx context.Context, clientKey string, payerAccountID uuid.UUID) (domain.IdempotencyRecord, error) {
	row := r.s.q.QueryRow(ctx, idempotencySelectSQL, pgx.NamedArgs{
		"client_key": clientKey,
		"payer":      payerAccountID.String(),
	})
	var (
		record           domain.IdempotencyRecord
		payerRaw, entRaw string
	)
	err := row.Scan(&record.ClientKey, &payerRaw, &entRaw, &record.Used, &record.CreatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, mapError("postgres/idempotency", err)
	}
	if record.PayerAccountID, err = uuid.Parse(payerRaw); err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("postgres: payer id: %w", err)
	}
	if entRaw != "" {
		if record.ResultEntityID, err = uuid.Parse(entRaw); err != nil {
			return domain.IdempotencyRecord{}, fmt.Errorf("postgres: result entity id: %w", err)
		}
	}
	return record, nil
}

func (r idempotencyStore) MarkUsed(ctx context.Context, clientKey string, payerAccountID uuid.UUID, resultEntityID uuid.UUID) error {
	tag, err := r.s.q.Exec(ctx, idempotencyMarkUsedSQL, pgx.NamedArgs{
		"client_key": clientKey,
		"payer":      payerAccountID.String(),
		"entity":     resultEntityID.String(),
	})
	if err != nil {
		return mapError("postgres/idempotency", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("postgres/idempotency", errs.CodeNotFound, errs.WithEntity(clientKey))
	}
	return nil
}

// nullableText maps empty strings onto SQL NULL.
func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func normalizeLimit(limit int) int {
	const (
		defaultLimit = 50
		maxLimit     = 500
	)
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
