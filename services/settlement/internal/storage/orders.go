package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type CreateOrderParams struct {
	UserID         uuid.UUID
	Kind           OrderKind
	Amount         decimal.Decimal
	SourceCurrency string
	TargetCurrency string
	PayoutAddress  string
	PayoutNetwork  string

	// PlaceHold earmarks Amount in the source currency inside the creating
	// transaction. Escrow and cashout orders fund themselves this way;
	// exchange deposits arrive from outside and start unfunded.
	PlaceHold bool
	Status    OrderStatus
}

func (s *Store) CreateOrder(ctx context.Context, p CreateOrderParams) (*Order, error) {
	if p.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	p.SourceCurrency = normalizeCurrency(p.SourceCurrency)
	if p.SourceCurrency == "" {
		return nil, fmt.Errorf("source currency is required")
	}
	p.TargetCurrency = normalizeCurrency(p.TargetCurrency)
	if p.Status == "" {
		p.Status = StatusAwaitingDeposit
	}

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

	order := Order{
		ID:             uuid.New(),
		UserID:         p.UserID,
		Kind:           p.Kind,
		Status:         p.Status,
		Amount:         p.Amount,
		SourceCurrency: p.SourceCurrency,
		TargetCurrency: p.TargetCurrency,
		PayoutAddress:  p.PayoutAddress,
		PayoutNetwork:  p.PayoutNetwork,
	}

	if p.PlaceHold {
		holdKey := holdKeyFor(order.Kind, order.ID)
		if _, err := s.applyLedgerOp(ctx, tx, LedgerOp{
			Key:         holdKey,
			UserID:      p.UserID,
			Currency:    p.SourceCurrency,
			Kind:        OpHold,
			Amount:      p.Amount,
			Description: fmt.Sprintf("%s order %s hold", order.Kind, order.ID),
			ReferenceID: order.ID,
		}); err != nil {
			return nil, err
		}
		order.HoldReference = holdKey
	}

	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
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

func holdKeyFor(kind OrderKind, orderID uuid.UUID) string {
	switch kind {
	case KindCashout:
		return fmt.Sprintf("CASHOUT_HOLD:%s", orderID)
	case KindEscrow:
		return fmt.Sprintf("ESCROW_HOLD:%s", orderID)
	default:
		return fmt.Sprintf("EXCHANGE_HOLD:%s", orderID)
	}
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.scanOrderRow(s.pool.QueryRow(ctx, selectOrderSQL+` WHERE id = $1`, id))
}

func (s *Store) GetOrderByProviderReference(ctx context.Context, ref string) (*Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrOrderNotFound
	}
	return s.scanOrderRow(s.pool.QueryRow(ctx, selectOrderSQL+` WHERE provider_reference = $1`, ref))
}

// MarkPaymentReceived records a confirmed deposit. Whichever of the webhook
// and the poll path observes the confirmation first wins; the loser sees the
// advanced status under the row lock and no-ops.
func (s *Store) MarkPaymentReceived(ctx context.Context, orderID uuid.UUID, providerRef string, amount decimal.Decimal) (TransitionResult, error) {
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return TransitionResult{}, fmt.Errorf("provider reference is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	if order.Status != StatusAwaitingDeposit {
		if order.ProviderReference == providerRef {
			return alreadyApplied(order.Status), nil
		}
		return rejected(order.Status, "not awaiting deposit"), nil
	}
	if !amount.Equal(order.Amount) {
		return rejected(order.Status, fmt.Sprintf("amount mismatch: got %s want %s", amount, order.Amount)), nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, provider_reference = $2, updated_at = $3 WHERE id = $4
	`, string(StatusPaymentReceived), providerRef, now, orderID); err != nil {
		if isUniqueViolation(err) {
			return TransitionResult{}, ErrDuplicateReference
		}
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	return applied(StatusAwaitingDeposit, StatusPaymentReceived), nil
}

// BeginProcessing claims an order for settlement. The processing marker
// commits before any provider call so concurrent workers observe it.
func (s *Store) BeginProcessing(ctx context.Context, orderID uuid.UUID) (TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	switch order.Status {
	case StatusPaymentReceived:
	case StatusProcessing:
		return alreadyApplied(order.Status), nil
	default:
		return rejected(order.Status, "not payment_received"), nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, string(StatusProcessing), now, orderID); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	return applied(StatusPaymentReceived, StatusProcessing), nil
}

// CompleteOrder finishes settlement. The ledger effects (convert hold,
// credit the receive side) commit in the same transaction as the status
// flip. Exchange orders pass two effects, payouts one, deposits one credit.
func (s *Store) CompleteOrder(ctx context.Context, orderID uuid.UUID, payoutID string, effects ...LedgerOp) (TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	switch order.Status {
	case StatusProcessing:
	case StatusCompleted:
		return alreadyApplied(order.Status), nil
	default:
		return rejected(order.Status, "not processing"), nil
	}

	for _, effect := range effects {
		if _, err := s.applyLedgerOp(ctx, tx, effect); err != nil {
			return TransitionResult{}, err
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, provider_payout_id = $2, failure_reason = '', next_retry_at = NULL, updated_at = $3
		WHERE id = $4
	`, string(StatusCompleted), payoutID, now, orderID); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	return applied(StatusProcessing, StatusCompleted), nil
}

// FailOrder records a settlement failure and schedules the next retry. Any
// remaining hold is released in the same transaction under a per-cycle key,
// so funds come back to available_balance the moment the failure commits.
func (s *Store) FailOrder(ctx context.Context, orderID uuid.UUID, reason string, nextRetryAt *time.Time) (TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	switch order.Status {
	case StatusProcessing:
	case StatusFailed:
		return alreadyApplied(order.Status), nil
	default:
		return rejected(order.Status, "not processing"), nil
	}

	if order.HoldReference != "" {
		held, err := s.heldForOrder(ctx, tx, order)
		if err != nil {
			return TransitionResult{}, err
		}
		if held.IsPositive() {
			if _, err := s.applyLedgerOp(ctx, tx, LedgerOp{
				Key:         fmt.Sprintf("RELEASE:%s:%d", order.ID, order.RetryCount),
				UserID:      order.UserID,
				Currency:    order.SourceCurrency,
				Kind:        OpReleaseHold,
				Amount:      held,
				Description: fmt.Sprintf("%s order %s failed: %s", order.Kind, order.ID, reason),
				ReferenceID: order.ID,
			}); err != nil {
				return TransitionResult{}, err
			}
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, failure_reason = $2, retry_count = retry_count + 1, next_retry_at = $3, updated_at = $4
		WHERE id = $5
	`, string(StatusFailed), reason, nextRetryAt, now, orderID); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	res := applied(StatusProcessing, StatusFailed)
	res.Reason = reason
	return res, nil
}

// EscalateOrder parks an exhausted or inconsistent order for an operator.
func (s *Store) EscalateOrder(ctx context.Context, orderID uuid.UUID, note string) (TransitionResult, error) {
	return s.moveStatus(ctx, orderID, []OrderStatus{StatusFailed, StatusProcessing}, StatusAdminPending, note)
}

// RetryOrder puts a failed order back into processing. When the order's
// hold was released by the failure, the same transaction re-places it under
// a per-cycle key; if the funds were spent in the meantime the retry does
// not happen and ErrInsufficientFunds surfaces for escalation. An order
// escalated straight out of processing still carries its hold, and no
// second hold is placed. Operator retries may also leave admin_pending.
func (s *Store) RetryOrder(ctx context.Context, orderID uuid.UUID, byOperator bool, note string) (TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	switch order.Status {
	case StatusFailed:
	case StatusAdminPending:
		if !byOperator {
			return rejected(order.Status, "admin_pending requires operator"), nil
		}
	case StatusProcessing:
		return alreadyApplied(order.Status), nil
	default:
		return rejected(order.Status, "not retryable"), nil
	}

	if order.HoldReference != "" {
		held, err := s.heldForOrder(ctx, tx, order)
		if err != nil {
			return TransitionResult{}, err
		}
		if held.LessThan(order.Amount) {
			if _, err := s.applyLedgerOp(ctx, tx, LedgerOp{
				Key:         fmt.Sprintf("RETRY_HOLD:%s:%d", order.ID, order.RetryCount),
				UserID:      order.UserID,
				Currency:    order.SourceCurrency,
				Kind:        OpHold,
				Amount:      order.Amount.Sub(held),
				Description: fmt.Sprintf("%s order %s retry %d", order.Kind, order.ID, order.RetryCount),
				ReferenceID: order.ID,
			}); err != nil {
				return TransitionResult{}, err
			}
		}
	}

	now := time.Now().UTC()
	if note == "" {
		note = order.AdminNote
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, admin_note = $2, next_retry_at = NULL, updated_at = $3 WHERE id = $4
	`, string(StatusProcessing), note, now, orderID); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	return applied(order.Status, StatusProcessing), nil
}

// RefundOrder releases whatever is still held and closes the order. Operator
// path only; the ledger effect commits with the status change.
func (s *Store) RefundOrder(ctx context.Context, orderID uuid.UUID, note string) (TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	switch order.Status {
	case StatusFailed, StatusAdminPending:
	case StatusRefunded:
		return alreadyApplied(order.Status), nil
	default:
		return rejected(order.Status, "not refundable"), nil
	}

	if order.HoldReference != "" {
		held, err := s.heldForOrder(ctx, tx, order)
		if err != nil {
			return TransitionResult{}, err
		}
		if held.IsPositive() {
			if _, err := s.applyLedgerOp(ctx, tx, LedgerOp{
				Key:         fmt.Sprintf("REFUND_RELEASE:%s", order.ID),
				UserID:      order.UserID,
				Currency:    order.SourceCurrency,
				Kind:        OpReleaseHold,
				Amount:      held,
				Description: fmt.Sprintf("%s order %s refund", order.Kind, order.ID),
				ReferenceID: order.ID,
			}); err != nil {
				return TransitionResult{}, err
			}
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, admin_note = $2, next_retry_at = NULL, updated_at = $3 WHERE id = $4
	`, string(StatusRefunded), note, now, orderID); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	return applied(order.Status, StatusRefunded), nil
}

// heldForOrder is how much of the order's hold is still held: every hold,
// release and convert tied to the order nets out in the audit rows.
func (s *Store) heldForOrder(ctx context.Context, tx pgx.Tx, order *Order) (decimal.Decimal, error) {
	var sumStr string
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(held_delta), 0)::text
		FROM ledger_transactions
		WHERE reference_id = $1 AND currency = $2
	`, order.ID, order.SourceCurrency)
	if err := row.Scan(&sumStr); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sumStr)
}

func (s *Store) moveStatus(ctx context.Context, orderID uuid.UUID, from []OrderStatus, to OrderStatus, note string) (TransitionResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransitionResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return TransitionResult{}, err
	}

	if order.Status == to {
		return alreadyApplied(order.Status), nil
	}
	ok := false
	for _, f := range from {
		if order.Status == f {
			ok = true
			break
		}
	}
	if !ok {
		return rejected(order.Status, fmt.Sprintf("status %s not in expected set", order.Status)), nil
	}

	now := time.Now().UTC()
	if note == "" {
		note = order.AdminNote
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, admin_note = $2, next_retry_at = NULL, updated_at = $3 WHERE id = $4
	`, string(to), note, now, orderID); err != nil {
		return TransitionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, err
	}
	committed = true
	return applied(order.Status, to), nil
}

// ListOrdersForPoll returns a snapshot of orders the poll loop should look
// at. No locks here; each transition re-reads under its own row lock.
func (s *Store) ListOrdersForPoll(ctx context.Context, statuses []OrderStatus, limit int) ([]Order, error) {
	limit = clampLimit(limit)
	set := make([]string, 0, len(statuses))
	for _, st := range statuses {
		set = append(set, string(st))
	}
	rows, err := s.pool.Query(ctx, selectOrderSQL+`
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, set, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanOrders(rows)
}

// DueRetries returns failed orders whose retry backoff has elapsed.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]Order, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, selectOrderSQL+`
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at ASC
		LIMIT $3
	`, string(StatusFailed), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanOrders(rows)
}

// StaleProcessing returns orders stuck in processing longer than cutoff,
// usually because a provider call timed out with an unknown outcome.
func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	limit = clampLimit(limit)
	rows, err := s.pool.Query(ctx, selectOrderSQL+`
		WHERE status = $1 AND updated_at <= $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(StatusProcessing), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanOrders(rows)
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status OrderStatus, cursor string, limit int) ([]Order, string, error) {
	limit = clampLimit(limit)

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.pool.Query(ctx, selectOrderSQL+`
			WHERE status = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, string(status), limit+1)
	} else {
		ts, id, decodeErr := decodeCursor(cursor)
		if decodeErr != nil {
			return nil, "", ErrInvalidCursor
		}
		rows, err = s.pool.Query(ctx, selectOrderSQL+`
			WHERE status = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, string(status), ts, id, limit+1)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	orders, err := s.scanOrders(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(orders) > limit {
		last := orders[limit-1]
		orders = orders[:limit]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return orders, next, nil
}

const selectOrderSQL = `
	SELECT id, user_id, kind, status, amount::text, source_currency, target_currency,
		payout_address, payout_network, COALESCE(provider_reference, ''), provider_payout_id,
		COALESCE(hold_reference, ''), failure_reason, retry_count, next_retry_at, admin_note,
		created_at, updated_at
	FROM orders`

func (s *Store) getOrderForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Order, error) {
	return s.scanOrderRow(tx.QueryRow(ctx, selectOrderSQL+` WHERE id = $1 FOR UPDATE`, id))
}

func (s *Store) scanOrderRow(row pgx.Row) (*Order, error) {
	var o Order
	var kind, status, amountStr string
	if err := row.Scan(&o.ID, &o.UserID, &kind, &status, &amountStr, &o.SourceCurrency, &o.TargetCurrency,
		&o.PayoutAddress, &o.PayoutNetwork, &o.ProviderReference, &o.ProviderPayoutID,
		&o.HoldReference, &o.FailureReason, &o.RetryCount, &o.NextRetryAt, &o.AdminNote,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	o.Kind = OrderKind(kind)
	o.Status = OrderStatus(status)
	var err error
	if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse order amount: %w", err)
	}
	return &o, nil
}

func (s *Store) scanOrders(rows pgx.Rows) ([]Order, error) {
	var out []Order
	for rows.Next() {
		var o Order
		var kind, status, amountStr string
		if err := rows.Scan(&o.ID, &o.UserID, &kind, &status, &amountStr, &o.SourceCurrency, &o.TargetCurrency,
			&o.PayoutAddress, &o.PayoutNetwork, &o.ProviderReference, &o.ProviderPayoutID,
			&o.HoldReference, &o.FailureReason, &o.RetryCount, &o.NextRetryAt, &o.AdminNote,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Kind = OrderKind(kind)
		o.Status = OrderStatus(status)
		var err error
		if o.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse order amount: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	return ts, id, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
