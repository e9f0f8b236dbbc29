package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID, currency string) (Wallet, error) {
	currency = normalizeCurrency(currency)
	var w Wallet
	var availStr, heldStr, creditStr string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, currency, available_balance::text, held_balance::text, trading_credit::text, created_at, updated_at
		FROM wallets
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)
	if err := row.Scan(&w.UserID, &w.Currency, &availStr, &heldStr, &creditStr, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{
				UserID:           userID,
				Currency:         currency,
				AvailableBalance: decimal.Zero,
				HeldBalance:      decimal.Zero,
				TradingCredit:    decimal.Zero,
			}, nil
		}
		return Wallet{}, err
	}
	var err error
	if w.AvailableBalance, err = decimal.NewFromString(availStr); err != nil {
		return Wallet{}, fmt.Errorf("parse available balance: %w", err)
	}
	if w.HeldBalance, err = decimal.NewFromString(heldStr); err != nil {
		return Wallet{}, fmt.Errorf("parse held balance: %w", err)
	}
	if w.TradingCredit, err = decimal.NewFromString(creditStr); err != nil {
		return Wallet{}, fmt.Errorf("parse trading credit: %w", err)
	}
	return w, nil
}

// Apply runs a single ledger operation in its own transaction. A concurrent
// insert of the same operation key loses the race cleanly: the unique
// violation is resolved by returning the recorded result.
func (s *Store) Apply(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	res, err := s.applyLedgerOp(ctx, tx, op)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			committed = true
			return s.lookupOperation(ctx, op.Key)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return res, nil
}

// LookupOperation returns the recorded result for an operation key, or
// pgx.ErrNoRows wrapped when the key never applied.
func (s *Store) LookupOperation(ctx context.Context, key string) (*LedgerResult, error) {
	res, err := s.lookupOperation(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("operation %s: %w", key, pgx.ErrNoRows)
		}
		return nil, err
	}
	return res, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]LedgerTransaction, error) {
	currency = normalizeCurrency(currency)
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, `
		SELECT id, operation_key, user_id, currency, kind, amount::text, available_delta::text, held_delta::text, credit_delta::text, description, COALESCE(reference_id, '00000000-0000-0000-0000-000000000000'::uuid), created_at
		FROM ledger_transactions
		WHERE user_id = $1 AND currency = $2
		ORDER BY id DESC
		LIMIT $3
	`, userID, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerTransaction
	for rows.Next() {
		var t LedgerTransaction
		var kind, amountStr, availStr, heldStr, creditStr string
		if err := rows.Scan(&t.ID, &t.OperationKey, &t.UserID, &t.Currency, &kind, &amountStr, &availStr, &heldStr, &creditStr, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = OperationKind(kind)
		if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse transaction amount: %w", err)
		}
		if t.AvailableDelta, err = decimal.NewFromString(availStr); err != nil {
			return nil, fmt.Errorf("parse available delta: %w", err)
		}
		if t.HeldDelta, err = decimal.NewFromString(heldStr); err != nil {
			return nil, fmt.Errorf("parse held delta: %w", err)
		}
		if t.CreditDelta, err = decimal.NewFromString(creditStr); err != nil {
			return nil, fmt.Errorf("parse credit delta: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
