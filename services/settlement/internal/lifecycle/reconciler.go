// Package lifecycle drives orders through settlement. Webhooks and the
// poll loop feed the same reconciler; row locks in storage make the first
// observer of a condition win and turn every other observer into a no-op.
// Provider calls always happen between transactions, never inside one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/logging"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/withdrawkey"
)

// Store is the slice of storage the reconciler drives.
type Store interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	GetOrderByProviderReference(ctx context.Context, ref string) (*storage.Order, error)
	MarkPaymentReceived(ctx context.Context, orderID uuid.UUID, providerRef string, amount decimal.Decimal) (storage.TransitionResult, error)
	BeginProcessing(ctx context.Context, orderID uuid.UUID) (storage.TransitionResult, error)
	CompleteOrder(ctx context.Context, orderID uuid.UUID, payoutID string, effects ...storage.LedgerOp) (storage.TransitionResult, error)
	FailOrder(ctx context.Context, orderID uuid.UUID, reason string, nextRetryAt *time.Time) (storage.TransitionResult, error)
	EscalateOrder(ctx context.Context, orderID uuid.UUID, note string) (storage.TransitionResult, error)
	RetryOrder(ctx context.Context, orderID uuid.UUID, byOperator bool, note string) (storage.TransitionResult, error)
	RefundOrder(ctx context.Context, orderID uuid.UUID, note string) (storage.TransitionResult, error)
}

// Payments is the fiat provider surface the reconciler calls.
type Payments interface {
	DepositStatus(ctx context.Context, providerRef string) (*provider.DepositStatus, error)
	BankPayout(ctx context.Context, req provider.BankPayoutRequest) (*provider.PayoutReceipt, error)
	PayoutStatus(ctx context.Context, reference string) (*provider.PayoutState, error)
}

// Custodial is the crypto provider surface the reconciler calls directly;
// withdrawals go through the key-gated executor instead.
type Custodial interface {
	Trade(ctx context.Context, req provider.TradeRequest) (*provider.TradeReceipt, error)
	PayoutStatus(ctx context.Context, reference string) (*provider.PayoutState, error)
}

// CryptoPayouts executes key-verified on-chain withdrawals.
type CryptoPayouts interface {
	Execute(ctx context.Context, p withdrawkey.Payout) (*provider.PayoutReceipt, error)
}

type Metrics interface {
	ObserveTransition(from, to, outcome string)
	IncEscalation()
}

// Config bounds the reconciler's behavior.
type Config struct {
	Retry            RetryPolicy
	MinConfirmations int
}

type Reconciler struct {
	store     Store
	payments  Payments
	custodial Custodial
	crypto    CryptoPayouts
	notifier  *Notifier
	retry     RetryPolicy
	minConf   int
	logger    *slog.Logger
	metrics   Metrics
}

func NewReconciler(store Store, payments Payments, custodial Custodial, crypto CryptoPayouts, notifier *Notifier, cfg Config, logger *slog.Logger, metrics Metrics) *Reconciler {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	return &Reconciler{
		store:     store,
		payments:  payments,
		custodial: custodial,
		crypto:    crypto,
		notifier:  notifier,
		retry:     cfg.Retry,
		minConf:   cfg.MinConfirmations,
		logger:    logger,
		metrics:   metrics,
	}
}

// ConfirmDeposit is the single entry for deposit confirmation, fed by both
// the webhook and the poll. Whichever observer arrives first flips the
// order; the other sees AlreadyApplied and stops.
func (r *Reconciler) ConfirmDeposit(ctx context.Context, orderID uuid.UUID, providerRef string, amount decimal.Decimal, confirmations int) (storage.TransitionResult, error) {
	if confirmations < r.minConf {
		return storage.TransitionResult{
			Outcome: storage.TransitionRejected,
			Reason:  fmt.Sprintf("%d confirmations, need %d", confirmations, r.minConf),
		}, nil
	}

	res, err := r.store.MarkPaymentReceived(ctx, orderID, providerRef, amount)
	if err != nil {
		return res, err
	}
	switch res.Outcome {
	case storage.TransitionApplied:
		r.observe(res)
		if order, gerr := r.store.GetOrder(ctx, orderID); gerr == nil {
			r.notifier.OrderStatusChanged(ctx, order, res)
		}
		r.logger.Info("deposit confirmed",
			"order_id", orderID,
			"provider_ref", providerRef,
			"confirmations", confirmations,
		)
	case storage.TransitionAlreadyApplied:
		r.logger.Debug("deposit already confirmed", "order_id", orderID, "provider_ref", providerRef)
	case storage.TransitionRejected:
		r.logger.Debug("deposit confirmation rejected", "order_id", orderID, "reason", res.Reason)
	}
	return res, nil
}

// Advance claims a confirmed order for settlement and runs it to an
// outcome. The processing marker commits before the provider call so a
// second worker backs off instead of double-settling.
func (r *Reconciler) Advance(ctx context.Context, orderID uuid.UUID) (storage.TransitionResult, error) {
	res, err := r.store.BeginProcessing(ctx, orderID)
	if err != nil {
		return res, err
	}
	if res.Outcome != storage.TransitionApplied {
		r.logger.Debug("advance skipped", "order_id", orderID, "outcome", res.Outcome.String(), "reason", res.Reason)
		return res, nil
	}
	r.observe(res)

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return res, err
	}
	r.notifier.OrderStatusChanged(ctx, order, res)
	return r.settle(ctx, order, res)
}

// Retry moves a failed (or, for operators, admin_pending) order back into
// processing and settles again. A re-hold that no longer fits the wallet
// escalates instead of retrying.
func (r *Reconciler) Retry(ctx context.Context, orderID uuid.UUID, byOperator bool, note string) (storage.TransitionResult, error) {
	res, err := r.store.RetryOrder(ctx, orderID, byOperator, note)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			order, gerr := r.store.GetOrder(ctx, orderID)
			if gerr != nil {
				return res, gerr
			}
			return r.escalate(ctx, order, "retry blocked: held funds were spent after release")
		}
		return res, err
	}
	if res.Outcome != storage.TransitionApplied {
		r.logger.Debug("retry skipped", "order_id", orderID, "outcome", res.Outcome.String(), "reason", res.Reason)
		return res, nil
	}
	r.observe(res)

	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return res, err
	}
	r.notifier.OrderStatusChanged(ctx, order, res)
	return r.settle(ctx, order, res)
}

// Refund closes a dead order and returns whatever its hold still earmarks.
// Operator path only; storage rejects anything not failed or escalated.
func (r *Reconciler) Refund(ctx context.Context, orderID uuid.UUID, note string) (storage.TransitionResult, error) {
	res, err := r.store.RefundOrder(ctx, orderID, note)
	if err != nil {
		return res, err
	}
	if res.Outcome == storage.TransitionApplied {
		r.observe(res)
		if order, gerr := r.store.GetOrder(ctx, orderID); gerr == nil {
			r.notifier.OrderStatusChanged(ctx, order, res)
		}
		r.logger.Info("order refunded", "order_id", orderID, "note", note)
	}
	return res, nil
}

// ReconcileStale converges a processing order whose settlement outcome was
// never recorded, typically after a provider timeout or a crash between the
// marker and the result. Cashouts ask the provider for the authoritative
// payout state; trades and escrow re-run settlement under the same
// idempotency reference.
func (r *Reconciler) ReconcileStale(ctx context.Context, order *storage.Order) (storage.TransitionResult, error) {
	if order.Status != storage.StatusProcessing {
		return unchanged(order.Status), nil
	}
	marker := unchanged(storage.StatusProcessing)

	if order.Kind != storage.KindCashout {
		return r.settle(ctx, order, marker)
	}

	state, err := r.payoutState(ctx, order)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNotFound):
			// The payout call never reached the provider; settle now.
			return r.settle(ctx, order, marker)
		case errors.Is(err, provider.ErrTimeout):
			r.logger.Warn("payout status query timed out", "order_id", order.ID)
			return marker, nil
		default:
			return marker, err
		}
	}

	switch state.Status {
	case provider.StatusConfirmed:
		return r.complete(ctx, order, state.PayoutID, r.settlementEffects(order, decimal.Zero, ""))
	case provider.StatusFailed:
		return r.fail(ctx, order, "provider reported payout failed: "+state.Reason)
	default:
		r.logger.Debug("payout still pending at provider", "order_id", order.ID, "status", state.Status)
		return marker, nil
	}
}

// HandlePayoutUpdate applies a provider payout webhook. The reference is
// ours (the order id we sent as idempotency key).
func (r *Reconciler) HandlePayoutUpdate(ctx context.Context, reference, payoutID, status, reason string) (storage.TransitionResult, error) {
	orderID, err := uuid.Parse(reference)
	if err != nil {
		return storage.TransitionResult{}, fmt.Errorf("payout reference %q is not an order id: %w", reference, err)
	}
	order, err := r.store.GetOrder(ctx, orderID)
	if err != nil {
		return storage.TransitionResult{}, err
	}
	if order.Status != storage.StatusProcessing {
		r.logger.Debug("payout update for settled order", "order_id", orderID, "status", order.Status)
		return unchanged(order.Status), nil
	}

	switch status {
	case provider.StatusConfirmed:
		return r.complete(ctx, order, payoutID, r.settlementEffects(order, decimal.Zero, ""))
	case provider.StatusFailed:
		return r.fail(ctx, order, "provider reported payout failed: "+reason)
	default:
		return unchanged(order.Status), nil
	}
}

// settlement is the outcome of one provider-side execution.
type settlement struct {
	payoutID string
	effects  []storage.LedgerOp
}

// settle runs the provider side of an order and records the result. On a
// timeout the order is left in processing for the poller; marker is what
// the caller reports in that case.
func (r *Reconciler) settle(ctx context.Context, order *storage.Order, marker storage.TransitionResult) (storage.TransitionResult, error) {
	outcome, err := r.execute(ctx, order)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrTimeout):
			r.logger.Warn("provider outcome unknown, order stays processing",
				"order_id", order.ID, "error", err)
			return marker, nil
		case errors.Is(err, withdrawkey.ErrInconsistency):
			return r.escalate(ctx, order, err.Error())
		default:
			return r.fail(ctx, order, err.Error())
		}
	}
	return r.complete(ctx, order, outcome.payoutID, outcome.effects)
}

// execute performs the per-kind provider call and builds the ledger effects
// that settlement will commit.
func (r *Reconciler) execute(ctx context.Context, order *storage.Order) (*settlement, error) {
	switch order.Kind {
	case storage.KindCashout:
		if order.PayoutNetwork != "" {
			receipt, err := r.crypto.Execute(ctx, withdrawkey.Payout{
				Reference: order.ID.String(),
				Currency:  order.SourceCurrency,
				Network:   order.PayoutNetwork,
				Address:   order.PayoutAddress,
				Amount:    order.Amount,
			})
			if err != nil {
				return nil, err
			}
			fee := receipt.Fee.Charged()
			return &settlement{
				payoutID: receipt.PayoutID,
				effects:  r.settlementEffects(order, decimal.Zero, feeNote(fee)),
			}, nil
		}
		receipt, err := r.payments.BankPayout(ctx, provider.BankPayoutRequest{
			Reference: order.ID.String(),
			Account:   order.PayoutAddress,
			Amount:    order.Amount,
			Currency:  order.SourceCurrency,
		})
		if err != nil {
			return nil, err
		}
		fee := receipt.Fee.Charged()
		return &settlement{
			payoutID: receipt.PayoutID,
			effects:  r.settlementEffects(order, decimal.Zero, feeNote(fee)),
		}, nil

	case storage.KindExchange:
		receipt, err := r.custodial.Trade(ctx, provider.TradeRequest{
			Reference: order.ID.String(),
			From:      order.SourceCurrency,
			To:        order.TargetCurrency,
			Amount:    order.Amount,
		})
		if err != nil {
			return nil, err
		}
		if !receipt.Received.IsPositive() {
			return nil, fmt.Errorf("trade %s returned no received amount: %w", order.ID, provider.ErrRejected)
		}
		return &settlement{
			payoutID: receipt.TradeID,
			effects:  r.settlementEffects(order, receipt.Received, feeNote(receipt.Fee.Charged())),
		}, nil

	case storage.KindEscrow:
		// No provider leg: the deposit already happened or the hold already
		// earmarks wallet funds. Settlement is pure ledger work.
		return &settlement{effects: r.settlementEffects(order, decimal.Zero, "")}, nil

	default:
		return nil, fmt.Errorf("order %s has unknown kind %q", order.ID, order.Kind)
	}
}

// settlementEffects builds the ledger ops for a successful settlement.
// Hold-backed orders consume the hold and deposit-backed escrow credits the
// wallet. A deposit-backed exchange gets no source-side effect at all: the
// provider consumes the deposit in the trade, only the proceeds reach the
// wallet.
func (r *Reconciler) settlementEffects(order *storage.Order, received decimal.Decimal, note string) []storage.LedgerOp {
	settleKey := fmt.Sprintf("SETTLE:%s", order.ID)
	desc := fmt.Sprintf("%s order %s settled", order.Kind, order.ID)
	if note != "" {
		desc += " " + note
	}

	var effects []storage.LedgerOp
	switch {
	case order.HoldReference != "":
		effects = append(effects, storage.LedgerOp{
			Key:         settleKey,
			UserID:      order.UserID,
			Currency:    order.SourceCurrency,
			Kind:        storage.OpConvertHold,
			Amount:      order.Amount,
			Description: desc,
			ReferenceID: order.ID,
		})
	case order.Kind != storage.KindExchange:
		effects = append(effects, storage.LedgerOp{
			Key:         settleKey,
			UserID:      order.UserID,
			Currency:    order.SourceCurrency,
			Kind:        storage.OpCredit,
			Amount:      order.Amount,
			Description: desc,
			ReferenceID: order.ID,
		})
	}
	if order.Kind == storage.KindExchange && received.IsPositive() {
		effects = append(effects, storage.LedgerOp{
			Key:         fmt.Sprintf("SETTLE_CREDIT:%s", order.ID),
			UserID:      order.UserID,
			Currency:    order.TargetCurrency,
			Kind:        storage.OpCredit,
			Amount:      received,
			Description: fmt.Sprintf("exchange order %s proceeds", order.ID),
			ReferenceID: order.ID,
		})
	}
	return effects
}

func (r *Reconciler) complete(ctx context.Context, order *storage.Order, payoutID string, effects []storage.LedgerOp) (storage.TransitionResult, error) {
	res, err := r.store.CompleteOrder(ctx, order.ID, payoutID, effects...)
	if err != nil {
		return res, err
	}
	if res.Outcome == storage.TransitionApplied {
		r.observe(res)
		order.Status = storage.StatusCompleted
		order.ProviderPayoutID = payoutID
		r.notifier.OrderStatusChanged(ctx, order, res)
		r.logger.Info("order settled",
			"order_id", order.ID,
			"kind", order.Kind,
			"payout_id", payoutID,
		)
	}
	return res, nil
}

// fail records the failure, releasing the hold, and schedules or exhausts
// the retry budget.
func (r *Reconciler) fail(ctx context.Context, order *storage.Order, reason string) (storage.TransitionResult, error) {
	attempt := order.RetryCount + 1
	var nextRetry *time.Time
	if !r.retry.Exhausted(attempt) {
		t := r.retry.NextRetryAt(time.Now().UTC(), attempt)
		nextRetry = &t
	}

	res, err := r.store.FailOrder(ctx, order.ID, reason, nextRetry)
	if err != nil {
		return res, err
	}
	if res.Outcome != storage.TransitionApplied {
		return res, nil
	}
	r.observe(res)
	order.Status = storage.StatusFailed
	order.RetryCount = attempt
	order.FailureReason = reason
	r.notifier.OrderStatusChanged(ctx, order, res)
	r.logger.Warn("order settlement failed",
		"order_id", order.ID,
		"attempt", attempt,
		"reason", reason,
	)

	if r.retry.Exhausted(attempt) {
		return r.escalate(ctx, order, fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, reason))
	}
	return res, nil
}

func (r *Reconciler) escalate(ctx context.Context, order *storage.Order, note string) (storage.TransitionResult, error) {
	res, err := r.store.EscalateOrder(ctx, order.ID, note)
	if err != nil {
		return res, err
	}
	if res.Outcome == storage.TransitionApplied {
		r.observe(res)
		if r.metrics != nil {
			r.metrics.IncEscalation()
		}
		order.Status = storage.StatusAdminPending
		logging.Critical(ctx, r.logger, "order escalated for operator review",
			"order_id", order.ID,
			"kind", order.Kind,
			"note", note,
		)
		r.notifier.OrderStatusChanged(ctx, order, res)
		r.notifier.AdminAlert(ctx, order, note)
	}
	return res, nil
}

func (r *Reconciler) payoutState(ctx context.Context, order *storage.Order) (*provider.PayoutState, error) {
	if order.PayoutNetwork != "" {
		return r.custodial.PayoutStatus(ctx, order.ID.String())
	}
	return r.payments.PayoutStatus(ctx, order.ID.String())
}

func (r *Reconciler) observe(res storage.TransitionResult) {
	if r.metrics != nil {
		r.metrics.ObserveTransition(string(res.From), string(res.To), res.Outcome.String())
	}
}

func feeNote(fee decimal.Decimal) string {
	if fee.IsPositive() {
		return fmt.Sprintf("(fee up to %s)", fee)
	}
	return ""
}

func unchanged(status storage.OrderStatus) storage.TransitionResult {
	return storage.TransitionResult{
		Outcome: storage.TransitionAlreadyApplied,
		From:    status,
		To:      status,
	}
}
