// Package postgres implements the domain Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/config"
	"github.com/togather-fin/togather-core/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every repository
// works inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed domain.Store.
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// New constructs a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// Connect builds a pgx pool from the database configuration and verifies
// connectivity.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// WithTransaction runs fn against a Store bound to one database transaction.
// Nested calls join the ambient transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx domain.Store) error) error {
	if fn == nil {
		return errs.New("postgres/store", errs.CodeInvalid, errs.WithMessage("transaction callback required"))
	}
	if s.inTx {
		return fn(ctx, s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	txStore := &Store{pool: s.pool, q: tx, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Accounts returns the account repository.
func (s *Store) Accounts() domain.AccountRepository { return accountStore{s} }

// Postings returns the posting repository.
func (s *Store) Postings() domain.PostingRepository { return postingStore{s} }

// Movements returns the money-movement repository.
func (s *Store) Movements() domain.MovementRepository { return movementStore{s} }

// Idempotency returns the idempotency-record repository.
func (s *Store) Idempotency() domain.IdempotencyRepository { return idempotencyStore{s} }

// Orders returns the order repository.
func (s *Store) Orders() domain.OrderRepository { return orderStore{s} }

// Fills returns the fill repository.
func (s *Store) Fills() domain.FillRepository { return fillStore{s} }

// Positions returns the position-cache repository.
func (s *Store) Positions() domain.PositionRepository { return positionStore{s} }

// Balances returns the balance-cache repository.
func (s *Store) Balances() domain.BalanceRepository { return balanceStore{s} }

// GroupPositions returns the group-position repository.
func (s *Store) GroupPositions() domain.GroupPositionRepository { return groupPositionStore{s} }

// Instruments returns the instrument catalogue repository.
func (s *Store) Instruments() domain.InstrumentRepository { return instrumentStore{s} }

const uniqueViolation = "23505"

// mapError normalises pgx errors onto the shared error envelope.
func mapError(scope string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(scope, errs.CodeNotFound, errs.WithCause(err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errs.New(scope, errs.CodeConflict, errs.WithCause(err))
	}
	return err
}
