// Package ledger is the only entry point for wallet balance mutations.
// Every call is atomic and idempotent under its caller-supplied operation
// key; replays return the recorded result without touching balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/service"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Store interface {
	GetWallet(ctx context.Context, userID uuid.UUID, currency string) (storage.Wallet, error)
	Apply(ctx context.Context, op storage.LedgerOp) (*storage.LedgerResult, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]storage.LedgerTransaction, error)
}

type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *service.Metrics
}

func New(store Store, logger *slog.Logger, metrics *service.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, metrics: metrics}
}

func (s *Service) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	return s.apply(ctx, storage.OpCredit, userID, currency, amount, operationKey, description)
}

func (s *Service) Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	return s.apply(ctx, storage.OpDebit, userID, currency, amount, operationKey, description)
}

func (s *Service) Hold(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	return s.apply(ctx, storage.OpHold, userID, currency, amount, operationKey, description)
}

func (s *Service) ReleaseHold(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	return s.apply(ctx, storage.OpReleaseHold, userID, currency, amount, operationKey, description)
}

func (s *Service) ConvertHoldToDebit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	return s.apply(ctx, storage.OpConvertHold, userID, currency, amount, operationKey, description)
}

func (s *Service) CreditTradingCredit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	return s.apply(ctx, storage.OpTradingCredit, userID, currency, amount, operationKey, description)
}

func (s *Service) apply(ctx context.Context, kind storage.OperationKind, userID uuid.UUID, currency string, amount decimal.Decimal, operationKey, description string) (*storage.LedgerResult, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(currency) == "" {
		return nil, fmt.Errorf("currency is required")
	}
	if strings.TrimSpace(operationKey) == "" {
		return nil, fmt.Errorf("operation key is required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		s.observe(kind, "invalid")
		return nil, storage.ErrInvalidAmount
	}

	res, err := s.store.Apply(ctx, storage.LedgerOp{
		Key:         operationKey,
		UserID:      userID,
		Currency:    currency,
		Kind:        kind,
		Amount:      amount,
		Description: description,
	})
	if err != nil {
		outcome := "error"
		if isValidationErr(err) {
			outcome = "rejected"
		} else {
			s.logger.Error("ledger operation failed", "kind", kind, "key", operationKey, "error", err)
		}
		s.observe(kind, outcome)
		return nil, err
	}

	if res.Replayed {
		s.observe(kind, "replayed")
		s.logger.Debug("ledger operation replayed", "kind", kind, "key", operationKey)
	} else {
		s.observe(kind, "applied")
	}
	return res, nil
}

// Balance reads the wallet without locking. A missing wallet reads as zero.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID, currency string) (storage.Wallet, error) {
	return s.store.GetWallet(ctx, userID, currency)
}

// WithdrawableBalance is the cashout-eligibility figure: held funds and
// trading credit never count.
func (s *Service) WithdrawableBalance(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error) {
	w, err := s.store.GetWallet(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return w.WithdrawableBalance(), nil
}

// SpendableForEscrow includes trading credit on top of available funds.
func (s *Service) SpendableForEscrow(ctx context.Context, userID uuid.UUID, currency string) (decimal.Decimal, error) {
	w, err := s.store.GetWallet(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return w.SpendableForEscrow(), nil
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]storage.LedgerTransaction, error) {
	return s.store.ListTransactions(ctx, userID, currency, limit)
}

func (s *Service) observe(kind storage.OperationKind, outcome string) {
	if s.metrics != nil {
		s.metrics.LedgerOperations.WithLabelValues(string(kind), outcome).Inc()
	}
}

func isValidationErr(err error) bool {
	return errors.Is(err, storage.ErrInvalidAmount) || errors.Is(err, storage.ErrInsufficientFunds)
}
