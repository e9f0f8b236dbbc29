package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

type fakePollMetrics struct {
	mu    sync.Mutex
	polls int
}

func (f *fakePollMetrics) ObservePoll(time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
}

func newTestPoller(rig *testRig, metrics PollMetrics) *Poller {
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return NewPoller(rig.store, rig.rec, rig.payments, PollerConfig{
		Interval:   time.Second,
		StaleAfter: time.Minute,
		Batch:      10,
	}, logger, metrics)
}

func TestPollerSkipsDepositsNotYetSeen(t *testing.T) {
	rig := newTestRig(Config{MinConfirmations: 1})
	rig.payments.depositErr = fmt.Errorf("payment deposit_status: %w", provider.ErrNotFound)
	order := rig.store.add(&storage.Order{
		ID: uuid.New(), UserID: uuid.New(), Kind: storage.KindEscrow,
		Status: storage.StatusAwaitingDeposit, Amount: decimal.NewFromInt(50), SourceCurrency: "EUR",
	})

	metrics := &fakePollMetrics{}
	newTestPoller(rig, metrics).RunOnce(context.Background())

	if got := rig.store.get(order.ID).Status; got != storage.StatusAwaitingDeposit {
		t.Fatalf("status = %s, want awaiting_deposit untouched", got)
	}
	if rig.payments.depositCalls != 1 {
		t.Errorf("deposit queries = %d, want 1", rig.payments.depositCalls)
	}
	if metrics.polls != 1 {
		t.Errorf("polls observed = %d, want 1", metrics.polls)
	}
}

func TestPollerAdvancesConfirmedOrders(t *testing.T) {
	rig := newTestRig(Config{})
	order := rig.store.add(&storage.Order{
		ID: uuid.New(), UserID: uuid.New(), Kind: storage.KindEscrow,
		Status: storage.StatusPaymentReceived, Amount: decimal.NewFromInt(75), SourceCurrency: "USD",
	})

	newTestPoller(rig, nil).RunOnce(context.Background())

	if got := rig.store.get(order.ID).Status; got != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestPollerRetriesDueOrders(t *testing.T) {
	rig := newTestRig(Config{})
	rig.crypto.receipt = &provider.PayoutReceipt{PayoutID: "po_poll", Status: "pending"}

	order := cryptoCashoutOrder(storage.StatusFailed)
	due := time.Now().Add(-time.Minute)
	order.NextRetryAt = &due
	order.RetryCount = 1
	rig.store.add(order)
	rig.store.held[order.ID] = decimal.Zero // the failure released the hold

	newTestPoller(rig, nil).RunOnce(context.Background())

	final := rig.store.get(order.ID)
	if final.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed after due retry", final.Status)
	}
	if rig.crypto.calls != 1 {
		t.Errorf("crypto payouts = %d, want 1", rig.crypto.calls)
	}
}

func TestPollerLeavesFutureRetriesAlone(t *testing.T) {
	rig := newTestRig(Config{})
	order := cryptoCashoutOrder(storage.StatusFailed)
	future := time.Now().Add(time.Hour)
	order.NextRetryAt = &future
	rig.store.add(order)

	newTestPoller(rig, nil).RunOnce(context.Background())

	if got := rig.store.get(order.ID).Status; got != storage.StatusFailed {
		t.Fatalf("status = %s, want failed until due", got)
	}
	if rig.crypto.calls != 0 {
		t.Errorf("crypto payouts = %d, want 0", rig.crypto.calls)
	}
}

func TestPollerReconcilesStaleProcessing(t *testing.T) {
	rig := newTestRig(Config{})
	rig.custodial.payoutState = &provider.PayoutState{PayoutID: "po_stale", Status: provider.StatusConfirmed}
	order := cryptoCashoutOrder(storage.StatusProcessing)
	rig.store.add(order)

	newTestPoller(rig, nil).RunOnce(context.Background())

	final := rig.store.get(order.ID)
	if final.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed from authoritative payout state", final.Status)
	}
	if final.ProviderPayoutID != "po_stale" {
		t.Errorf("payout id = %q, want po_stale", final.ProviderPayoutID)
	}
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	rig := newTestRig(Config{})
	poller := newTestPoller(rig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on context cancel")
	}
}
