package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CreateCashoutToken persists the pending token row first and only then lets
// the caller derive the signature from the stored values, so the canonical
// message can never drift from what validation will read back. One row per
// user: a live token blocks a second one unless replace is set.
func (s *Store) CreateCashoutToken(ctx context.Context, tok PendingCashoutToken, replace bool, sign func(PendingCashoutToken) string) (*PendingCashoutToken, error) {
	if tok.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if tok.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}
	if tok.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	tok.Currency = normalizeCurrency(tok.Currency)

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

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		DELETE FROM cashout_tokens WHERE user_id = $1 AND expires_at <= $2
	`, tok.UserID, now); err != nil {
		return nil, err
	}

	if !replace {
		var existing string
		err := tx.QueryRow(ctx, `SELECT token FROM cashout_tokens WHERE user_id = $1`, tok.UserID).Scan(&existing)
		if err == nil {
			return nil, ErrActiveTokenExists
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM cashout_tokens WHERE user_id = $1`, tok.UserID); err != nil {
			return nil, err
		}
	}

	var stored PendingCashoutToken
	var amountStr string
	row := tx.QueryRow(ctx, `
		INSERT INTO cashout_tokens (token, signature, user_id, amount, currency, withdrawal_address, network, expires_at, created_at)
		VALUES ($1, '', $2, $3, $4, $5, $6, $7, $8)
		RETURNING token, user_id, amount::text, currency, withdrawal_address, network, expires_at, created_at
	`, tok.Token, tok.UserID, tok.Amount.StringFixed(cashoutAmountPlaces), tok.Currency,
		tok.WithdrawalAddress, tok.Network, tok.ExpiresAt.UTC().Truncate(time.Second), now)
	if err := row.Scan(&stored.Token, &stored.UserID, &amountStr, &stored.Currency,
		&stored.WithdrawalAddress, &stored.Network, &stored.ExpiresAt, &stored.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveTokenExists
		}
		return nil, err
	}
	if stored.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse token amount: %w", err)
	}

	stored.Signature = sign(stored)
	if _, err := tx.Exec(ctx, `
		UPDATE cashout_tokens SET signature = $1 WHERE token = $2
	`, stored.Signature, stored.Token); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return &stored, nil
}

const cashoutAmountPlaces = 8

func (s *Store) GetCashoutToken(ctx context.Context, token string, userID uuid.UUID) (*PendingCashoutToken, error) {
	var tok PendingCashoutToken
	var amountStr string
	row := s.pool.QueryRow(ctx, `
		SELECT token, signature, user_id, amount::text, currency, withdrawal_address, network, expires_at, created_at
		FROM cashout_tokens
		WHERE token = $1 AND user_id = $2
	`, token, userID)
	if err := row.Scan(&tok.Token, &tok.Signature, &tok.UserID, &amountStr, &tok.Currency,
		&tok.WithdrawalAddress, &tok.Network, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	var err error
	if tok.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse token amount: %w", err)
	}
	return &tok, nil
}

// RedeemCashoutToken validates and consumes a token, creating the funded
// cashout order, all in one transaction: after commit the token is gone and
// the hold is placed, or neither happened. verify receives the stored row
// and decides signature validity.
func (s *Store) RedeemCashoutToken(ctx context.Context, rawToken string, userID uuid.UUID, verify func(PendingCashoutToken) error) (*Order, error) {
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

	var tok PendingCashoutToken
	var amountStr string
	row := tx.QueryRow(ctx, `
		SELECT token, signature, user_id, amount::text, currency, withdrawal_address, network, expires_at, created_at
		FROM cashout_tokens
		WHERE token = $1 AND user_id = $2
		FOR UPDATE
	`, rawToken, userID)
	if err := row.Scan(&tok.Token, &tok.Signature, &tok.UserID, &amountStr, &tok.Currency,
		&tok.WithdrawalAddress, &tok.Network, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	if tok.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse token amount: %w", err)
	}

	if time.Now().UTC().After(tok.ExpiresAt) {
		if _, err := tx.Exec(ctx, `DELETE FROM cashout_tokens WHERE token = $1`, tok.Token); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true
		return nil, ErrTokenExpired
	}

	if err := verify(tok); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cashout_tokens WHERE token = $1`, tok.Token); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := Order{
		ID:             uuid.New(),
		UserID:         tok.UserID,
		Kind:           KindCashout,
		Status:         StatusPaymentReceived,
		Amount:         tok.Amount,
		SourceCurrency: tok.Currency,
		TargetCurrency: tok.Currency,
		PayoutAddress:  tok.WithdrawalAddress,
		PayoutNetwork:  tok.Network,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	order.HoldReference = holdKeyFor(KindCashout, order.ID)

	if _, err := s.applyLedgerOp(ctx, tx, LedgerOp{
		Key:         order.HoldReference,
		UserID:      order.UserID,
		Currency:    order.SourceCurrency,
		Kind:        OpHold,
		Amount:      order.Amount,
		Description: fmt.Sprintf("cashout order %s hold", order.ID),
		ReferenceID: order.ID,
	}); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, kind, status, amount, source_currency, target_currency,
			payout_address, payout_network, hold_reference, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
	`, order.ID, order.UserID, string(order.Kind), string(order.Status), order.Amount.String(),
		order.SourceCurrency, order.TargetCurrency, order.PayoutAddress, order.PayoutNetwork,
		nullableString(order.HoldReference), now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return &order, nil
}

// DeleteExpiredTokens is the poll loop's opportunistic cleanup.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cashout_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
