package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

// PollStore is the read surface the poll loop scans. No locks are taken
// here; each per-order action re-locks inside its own transition.
type PollStore interface {
	ListOrdersForPoll(ctx context.Context, statuses []storage.OrderStatus, limit int) ([]storage.Order, error)
	DueRetries(ctx context.Context, now time.Time, limit int) ([]storage.Order, error)
	StaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]storage.Order, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

type PollMetrics interface {
	ObservePoll(duration time.Duration)
}

// PollerConfig bounds one reconciliation pass.
type PollerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Batch      int
}

// Poller periodically walks orders that still need provider answers:
// deposits not yet confirmed, confirmed orders not yet settled, processing
// orders with no recorded outcome, failed orders due for retry. It is the
// convergence path when webhooks are lost or arrive late.
type Poller struct {
	store      PollStore
	reconciler *Reconciler
	payments   Payments
	cfg        PollerConfig
	logger     *slog.Logger
	metrics    PollMetrics
}

func NewPoller(store PollStore, reconciler *Reconciler, payments Payments, cfg PollerConfig, logger *slog.Logger, metrics PollMetrics) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Poller{
		store:      store,
		reconciler: reconciler,
		payments:   payments,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run loops until the context is cancelled. Every error is scoped to one
// order and logged; a bad order never stalls the pass.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.logger.Info("settlement poller started",
		"interval", p.cfg.Interval,
		"stale_after", p.cfg.StaleAfter,
		"batch", p.cfg.Batch,
	)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("settlement poller stopped")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconciliation pass.
func (p *Poller) RunOnce(ctx context.Context) {
	start := time.Now()
	p.pollDeposits(ctx)
	p.advanceConfirmed(ctx)
	p.reconcileStale(ctx)
	p.retryDue(ctx)
	p.cleanupTokens(ctx)
	if p.metrics != nil {
		p.metrics.ObservePoll(time.Since(start))
	}
}

// pollDeposits asks the payment provider about orders still waiting for
// their deposit webhook. The provider indexes deposits by our order id.
func (p *Poller) pollDeposits(ctx context.Context) {
	orders, err := p.store.ListOrdersForPoll(ctx, []storage.OrderStatus{storage.StatusAwaitingDeposit}, p.cfg.Batch)
	if err != nil {
		p.logger.Error("list awaiting_deposit orders failed", "error", err)
		return
	}
	for i := range orders {
		order := orders[i]
		st, err := p.payments.DepositStatus(ctx, order.ID.String())
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				continue // nothing received yet
			}
			p.logger.Warn("deposit status query failed", "order_id", order.ID, "error", err)
			continue
		}
		if st.Status != provider.StatusConfirmed {
			continue
		}
		res, err := p.reconciler.ConfirmDeposit(ctx, order.ID, st.Reference, st.Amount, st.Confirmations)
		if err != nil {
			p.logger.Error("poll deposit confirmation failed", "order_id", order.ID, "error", err)
			continue
		}
		if res.Outcome == storage.TransitionApplied {
			if _, err := p.reconciler.Advance(ctx, order.ID); err != nil {
				p.logger.Error("advance after poll confirmation failed", "order_id", order.ID, "error", err)
			}
		}
	}
}

func (p *Poller) advanceConfirmed(ctx context.Context) {
	orders, err := p.store.ListOrdersForPoll(ctx, []storage.OrderStatus{storage.StatusPaymentReceived}, p.cfg.Batch)
	if err != nil {
		p.logger.Error("list payment_received orders failed", "error", err)
		return
	}
	for i := range orders {
		if _, err := p.reconciler.Advance(ctx, orders[i].ID); err != nil {
			p.logger.Error("poll advance failed", "order_id", orders[i].ID, "error", err)
		}
	}
}

func (p *Poller) reconcileStale(ctx context.Context) {
	cutoff := time.Now().Add(-p.cfg.StaleAfter)
	orders, err := p.store.StaleProcessing(ctx, cutoff, p.cfg.Batch)
	if err != nil {
		p.logger.Error("list stale processing orders failed", "error", err)
		return
	}
	for i := range orders {
		order := orders[i]
		if _, err := p.reconciler.ReconcileStale(ctx, &order); err != nil {
			p.logger.Error("stale reconcile failed", "order_id", order.ID, "error", err)
		}
	}
}

func (p *Poller) retryDue(ctx context.Context) {
	orders, err := p.store.DueRetries(ctx, time.Now(), p.cfg.Batch)
	if err != nil {
		p.logger.Error("list due retries failed", "error", err)
		return
	}
	for i := range orders {
		if _, err := p.reconciler.Retry(ctx, orders[i].ID, false, ""); err != nil {
			p.logger.Error("poll retry failed", "order_id", orders[i].ID, "error", err)
		}
	}
}

func (p *Poller) cleanupTokens(ctx context.Context) {
	n, err := p.store.DeleteExpiredTokens(ctx, time.Now())
	if err != nil {
		p.logger.Error("expired token cleanup failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Debug("expired cashout tokens removed", "count", n)
	}
}
