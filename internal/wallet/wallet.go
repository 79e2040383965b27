// Package wallet implements money movements between wallet accounts:
// peer transfers, merchant payments, and externally funded deposits.
package wallet

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/togather-fin/togather-core/errs"
	"github.com/togather-fin/togather-core/internal/domain"
	"github.com/togather-fin/togather-core/internal/ledger"
	"github.com/togather-fin/togather-core/internal/observability"
)

// MerchantResolver maps a merchant identity onto its settlement account.
// Supplied by the (out of scope) merchant service.
type MerchantResolver interface {
	SettlementAccount(ctx context.Context, merchantID uuid.UUID) (uuid.UUID, error)
}

// Service executes money movements over the ledger.
type Service struct {
	store     domain.Store
	ledger    *ledger.Service
	merchants MerchantResolver

	// fundingAccountID is the settlement counter-account debited when
	// external money enters the platform.
	fundingAccountID uuid.UUID
}

// NewService creates a wallet service.
func NewService(store domain.Store, ledgerSvc *ledger.Service, merchants MerchantResolver, fundingAccountID uuid.UUID) *Service {
	return &Service{
		store:            store,
		ledger:           ledgerSvc,
		merchants:        merchants,
		fundingAccountID: fundingAccountID,
	}
}

// OpenAccount provisions an active wallet with a fresh external account number.
func (s *Service) OpenAccount(ctx context.Context, ownerID uuid.UUID, kind domain.AccountKind) (domain.Account, error) {
	number, err := generateAccountNumber()
	if err != nil {
		return domain.Account{}, fmt.Errorf("wallet: account number: %w", err)
	}
	account := domain.Account{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Kind:          kind,
		Balance:       0,
		Version:       0,
		Active:        true,
		AccountNumber: number,
	}
	if err := s.store.Accounts().Create(ctx, account); err != nil {
		return domain.Account{}, fmt.Errorf("wallet: create account: %w", err)
	}
	return account, nil
}

// GetAccount returns the account by id.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return s.store.Accounts().Get(ctx, id)
}

// GetMovement returns a money movement by id.
func (s *Service) GetMovement(ctx context.Context, id uuid.UUID) (domain.MoneyMovement, error) {
	return s.store.Movements().Get(ctx, id)
}

// ListMovements returns recent movements touching the account.
func (s *Service) ListMovements(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.MoneyMovement, error) {
	return s.store.Movements().ListByAccount(ctx, accountID, limit)
}

// ExecuteTransfer moves amount from one wallet to another. A repeated
// clientKey short-circuits to the original movement without re-posting.
func (s *Service) ExecuteTransfer(ctx context.Context, from, to uuid.UUID, amount int64, clientKey string) (domain.MoneyMovement, error) {
	return s.execute(ctx, movementRequest{
		kind:      domain.MovementTransfer,
		source:    &from,
		dest:      to,
		amount:    amount,
		clientKey: clientKey,
		posting:   domain.PostingTransfer,
		memo:      "wallet transfer",
	})
}

// ExecutePayment settles amount against a merchant's settlement account.
func (s *Service) ExecutePayment(ctx context.Context, from, merchantID uuid.UUID, amount int64, clientKey string) (domain.MoneyMovement, error) {
	if s.merchants == nil {
		return domain.MoneyMovement{}, errs.New("wallet/payment", errs.CodeUnavailable,
			errs.WithMessage("merchant lookup not configured"))
	}
	dest, err := s.merchants.SettlementAccount(ctx, merchantID)
	if err != nil {
		return domain.MoneyMovement{}, errs.New("wallet/payment", errs.CodeNotFound,
			errs.WithMessage("merchant settlement account not found"), errs.WithCause(err))
	}
	return s.execute(ctx, movementRequest{
		kind:      domain.MovementPayment,
		source:    &from,
		dest:      dest,
		amount:    amount,
		clientKey: clientKey,
		posting:   domain.PostingPayment,
		memo:      "merchant payment",
	})
}

// Deposit credits externally funded money into a wallet. The platform funding
// settlement account carries the balancing debit; the movement records a nil
// source to mark the money as external.
func (s *Service) Deposit(ctx context.Context, to uuid.UUID, amount int64, clientKey string) (domain.MoneyMovement, error) {
	if s.fundingAccountID == uuid.Nil {
		return domain.MoneyMovement{}, errs.New("wallet/deposit", errs.CodeUnavailable,
			errs.WithMessage("funding account not configured"))
	}
	return s.execute(ctx, movementRequest{
		kind:      domain.MovementDeposit,
		source:    nil,
		dest:      to,
		amount:    amount,
		clientKey: clientKey,
		posting:   domain.PostingDeposit,
		memo:      "external deposit",
	})
}

type movementRequest struct {
	kind      domain.MovementKind
	source    *uuid.UUID
	dest      uuid.UUID
	amount    int64
	clientKey string
	posting   domain.PostingType
	memo      string
}

func (s *Service) execute(ctx context.Context, req movementRequest) (domain.MoneyMovement, error) {
	if req.amount <= 0 {
		return domain.MoneyMovement{}, errs.New("wallet/movement", errs.CodeInvalid,
			errs.WithMessage("amount must be positive"))
	}

	payer := req.dest
	if req.source != nil {
		payer = *req.source
	}

	var opErr error
	movementID, replayed, err := s.ledger.RecordIdempotent(ctx, req.clientKey, payer, func(ctx context.Context) (uuid.UUID, error) {
		movement, err := s.run(ctx, req)
		opErr = err
		if movement.ID == uuid.Nil {
			return uuid.Nil, err
		}
		return movement.ID, err
	})
	if replayed {
		observability.Log().Info("movement replayed",
			observability.F("client_key", req.clientKey),
			observability.F("movement_id", movementID.String()),
		)
		return s.store.Movements().Get(ctx, movementID)
	}
	if err != nil && movementID == uuid.Nil {
		return domain.MoneyMovement{}, err
	}
	movement, getErr := s.store.Movements().Get(ctx, movementID)
	if getErr != nil {
		return domain.MoneyMovement{}, getErr
	}
	return movement, opErr
}

// run performs one movement attempt: PENDING record, balanced posting,
// terminal status. A posting failure persists the FAILED record so replays of
// the same clientKey observe a terminal state instead of re-attempting.
func (s *Service) run(ctx context.Context, req movementRequest) (domain.MoneyMovement, error) {
	debitAccount := s.fundingAccountID
	if req.source != nil {
		debitAccount = *req.source
		source, err := s.store.Accounts().Get(ctx, debitAccount)
		if err != nil {
			return domain.MoneyMovement{}, fmt.Errorf("wallet: load source account: %w", err)
		}
		if !source.HasSufficientBalance(req.amount) {
			return domain.MoneyMovement{}, errs.New("wallet/movement", errs.CodeInsufficientFunds,
				errs.WithReason("source balance below requested amount"),
				errs.WithEntity(debitAccount.String()))
		}
	}

	movement := domain.MoneyMovement{
		ID:                   uuid.New(),
		Kind:                 req.kind,
		SourceAccountID:      req.source,
		DestinationAccountID: req.dest,
		Amount:               req.amount,
		Status:               domain.MovementPending,
		ClientRequestID:      req.clientKey,
		TransactionID:        uuid.New(),
	}
	if err := s.store.Movements().Create(ctx, movement); err != nil {
		return domain.MoneyMovement{}, fmt.Errorf("wallet: create movement: %w", err)
	}

	pairs := []ledger.Pair{
		{AccountID: debitAccount, Side: domain.Debit, Amount: req.amount, Type: req.posting, RelatedEntityID: movement.ID, Memo: req.memo},
		{AccountID: req.dest, Side: domain.Credit, Amount: req.amount, Type: req.posting, RelatedEntityID: movement.ID, Memo: req.memo},
	}
	postErr := s.ledger.PostWithID(ctx, movement.TransactionID, pairs)

	now := time.Now().UTC()
	if postErr != nil {
		movement.Status = domain.MovementFailed
		movement.FailureReason = errs.Reason(postErr)
		if err := s.store.Movements().Finalize(ctx, movement); err != nil {
			return movement, fmt.Errorf("wallet: finalize failed movement: %w", err)
		}
		observability.Log().Warn("movement failed",
			observability.F("movement_id", movement.ID.String()),
			observability.F("reason", movement.FailureReason),
		)
		return movement, postErr
	}

	movement.Status = domain.MovementSuccess
	movement.CompletedAt = &now
	if err := s.store.Movements().Finalize(ctx, movement); err != nil {
		return movement, fmt.Errorf("wallet: finalize movement: %w", err)
	}
	return movement, nil
}

// generateAccountNumber produces a 12-digit external account number.
func generateAccountNumber() (string, error) {
	max := big.NewInt(1_000_000_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%012d", n), nil
}
