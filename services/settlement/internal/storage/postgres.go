package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrDuplicateReference = errors.New("provider reference already recorded")
	ErrTokenNotFound      = errors.New("cashout token not found")
	ErrTokenExpired       = errors.New("cashout token expired")
	ErrSignatureMismatch  = errors.New("cashout token signature mismatch")
	ErrActiveTokenExists  = errors.New("active cashout token exists")
	ErrInvalidCursor      = errors.New("invalid cursor")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func validateOp(op LedgerOp) error {
	if op.Key == "" {
		return fmt.Errorf("operation key is required")
	}
	if op.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	if normalizeCurrency(op.Currency) == "" {
		return fmt.Errorf("currency is required")
	}
	if op.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	switch op.Kind {
	case OpCredit, OpDebit, OpHold, OpReleaseHold, OpConvertHold, OpTradingCredit:
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// applyLedgerOp performs one balance mutation inside the caller's
// transaction. The wallet row is locked, the idempotency journal is
// consulted first, and the journal row plus audit row commit together with
// the balance update. Replays return the originally recorded result.
func (s *Store) applyLedgerOp(ctx context.Context, tx pgx.Tx, op LedgerOp) (*LedgerResult, error) {
	if err := validateOp(op); err != nil {
		return nil, err
	}
	op.Currency = normalizeCurrency(op.Currency)

	prior, err := s.lookupOperationTx(ctx, tx, op.Key)
	if err == nil {
		return prior, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	wallet, err := s.getOrCreateWalletForUpdate(ctx, tx, op.UserID, op.Currency)
	if err != nil {
		return nil, err
	}

	var availDelta, heldDelta, creditDelta decimal.Decimal
	switch op.Kind {
	case OpCredit:
		availDelta = op.Amount
	case OpDebit:
		if wallet.AvailableBalance.LessThan(op.Amount) {
			return nil, ErrInsufficientFunds
		}
		availDelta = op.Amount.Neg()
	case OpHold:
		if wallet.AvailableBalance.LessThan(op.Amount) {
			return nil, ErrInsufficientFunds
		}
		availDelta = op.Amount.Neg()
		heldDelta = op.Amount
	case OpReleaseHold:
		if wallet.HeldBalance.LessThan(op.Amount) {
			return nil, ErrInsufficientFunds
		}
		availDelta = op.Amount
		heldDelta = op.Amount.Neg()
	case OpConvertHold:
		if wallet.HeldBalance.LessThan(op.Amount) {
			return nil, ErrInsufficientFunds
		}
		heldDelta = op.Amount.Neg()
	case OpTradingCredit:
		creditDelta = op.Amount
	}

	wallet.AvailableBalance = wallet.AvailableBalance.Add(availDelta)
	wallet.HeldBalance = wallet.HeldBalance.Add(heldDelta)
	wallet.TradingCredit = wallet.TradingCredit.Add(creditDelta)
	if wallet.AvailableBalance.IsNegative() || wallet.HeldBalance.IsNegative() || wallet.TradingCredit.IsNegative() {
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $1, held_balance = $2, trading_credit = $3, updated_at = $4
		WHERE user_id = $5 AND currency = $6
	`, wallet.AvailableBalance.String(), wallet.HeldBalance.String(), wallet.TradingCredit.String(), now, op.UserID, op.Currency); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_operations (operation_key, user_id, currency, kind, amount, balance_after, held_after, credit_after, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, op.Key, op.UserID, op.Currency, string(op.Kind), op.Amount.String(),
		wallet.AvailableBalance.String(), wallet.HeldBalance.String(), wallet.TradingCredit.String(),
		op.Description, now); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_transactions (operation_key, user_id, currency, kind, amount, available_delta, held_delta, credit_delta, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, op.Key, op.UserID, op.Currency, string(op.Kind), op.Amount.String(),
		availDelta.String(), heldDelta.String(), creditDelta.String(),
		op.Description, nullableUUID(op.ReferenceID), now); err != nil {
		return nil, err
	}

	return &LedgerResult{
		Key:           op.Key,
		Kind:          op.Kind,
		Amount:        op.Amount,
		Available:     wallet.AvailableBalance,
		Held:          wallet.HeldBalance,
		TradingCredit: wallet.TradingCredit,
		AppliedAt:     now,
	}, nil
}

func (s *Store) getOrCreateWalletForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (*Wallet, error) {
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available_balance, held_balance, trading_credit, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, $3, $3)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, userID, currency, now); err != nil {
		return nil, err
	}
	return s.getWalletForUpdate(ctx, tx, userID, currency)
}

func (s *Store) getWalletForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (*Wallet, error) {
	var w Wallet
	var availStr, heldStr, creditStr string
	row := tx.QueryRow(ctx, `
		SELECT user_id, currency, available_balance::text, held_balance::text, trading_credit::text, created_at, updated_at
		FROM wallets
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency)
	if err := row.Scan(&w.UserID, &w.Currency, &availStr, &heldStr, &creditStr, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	var err error
	if w.AvailableBalance, err = decimal.NewFromString(availStr); err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	if w.HeldBalance, err = decimal.NewFromString(heldStr); err != nil {
		return nil, fmt.Errorf("parse held balance: %w", err)
	}
	if w.TradingCredit, err = decimal.NewFromString(creditStr); err != nil {
		return nil, fmt.Errorf("parse trading credit: %w", err)
	}
	return &w, nil
}

func (s *Store) lookupOperationTx(ctx context.Context, tx pgx.Tx, key string) (*LedgerResult, error) {
	return scanOperation(tx.QueryRow(ctx, `
		SELECT operation_key, kind, amount::text, balance_after::text, held_after::text, credit_after::text, created_at
		FROM ledger_operations
		WHERE operation_key = $1
	`, key))
}

func (s *Store) lookupOperation(ctx context.Context, key string) (*LedgerResult, error) {
	return scanOperation(s.pool.QueryRow(ctx, `
		SELECT operation_key, kind, amount::text, balance_after::text, held_after::text, credit_after::text, created_at
		FROM ledger_operations
		WHERE operation_key = $1
	`, key))
}

func scanOperation(row pgx.Row) (*LedgerResult, error) {
	var res LedgerResult
	var kind, amountStr, availStr, heldStr, creditStr string
	if err := row.Scan(&res.Key, &kind, &amountStr, &availStr, &heldStr, &creditStr, &res.AppliedAt); err != nil {
		return nil, err
	}
	res.Kind = OperationKind(kind)
	res.Replayed = true
	var err error
	if res.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse operation amount: %w", err)
	}
	if res.Available, err = decimal.NewFromString(availStr); err != nil {
		return nil, fmt.Errorf("parse recorded balance: %w", err)
	}
	if res.Held, err = decimal.NewFromString(heldStr); err != nil {
		return nil, fmt.Errorf("parse recorded held balance: %w", err)
	}
	if res.TradingCredit, err = decimal.NewFromString(creditStr); err != nil {
		return nil, fmt.Errorf("parse recorded trading credit: %w", err)
	}
	return &res, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

