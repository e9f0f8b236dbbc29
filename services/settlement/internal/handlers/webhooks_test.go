package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/webhooksig"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/testutil"
)

const (
	paymentSecret   = "payment-webhook-secret"
	custodialSecret = "custodial-webhook-secret"
)

type confirmCall struct {
	orderID       uuid.UUID
	providerRef   string
	amount        decimal.Decimal
	confirmations int
}

type payoutCall struct {
	reference string
	payoutID  string
	status    string
	reason    string
}

type fakeWebhookReconciler struct {
	confirmRes  storage.TransitionResult
	confirmErr  error
	payoutRes   storage.TransitionResult
	payoutErr   error
	lastConfirm *confirmCall
	lastPayout  *payoutCall
	advances    int
}

func (f *fakeWebhookReconciler) ConfirmDeposit(ctx context.Context, orderID uuid.UUID, providerRef string, amount decimal.Decimal, confirmations int) (storage.TransitionResult, error) {
	f.lastConfirm = &confirmCall{orderID: orderID, providerRef: providerRef, amount: amount, confirmations: confirmations}
	return f.confirmRes, f.confirmErr
}

func (f *fakeWebhookReconciler) Advance(ctx context.Context, orderID uuid.UUID) (storage.TransitionResult, error) {
	f.advances++
	return storage.TransitionResult{Outcome: storage.TransitionApplied, From: storage.StatusPaymentReceived, To: storage.StatusProcessing}, nil
}

func (f *fakeWebhookReconciler) HandlePayoutUpdate(ctx context.Context, reference, payoutID, status, reason string) (storage.TransitionResult, error) {
	f.lastPayout = &payoutCall{reference: reference, payoutID: payoutID, status: status, reason: reason}
	return f.payoutRes, f.payoutErr
}

type fakeOrderLookup struct {
	order *storage.Order
	err   error
}

func (f *fakeOrderLookup) GetOrderByProviderReference(ctx context.Context, ref string) (*storage.Order, error) {
	return f.order, f.err
}

type fakeWebhookMetrics struct {
	outcomes map[string]int
}

func (f *fakeWebhookMetrics) IncWebhook(source, outcome string) {
	if f.outcomes == nil {
		f.outcomes = map[string]int{}
	}
	f.outcomes[source+":"+outcome]++
}

func newWebhookRouter(rec *fakeWebhookReconciler, lookup *fakeOrderLookup, metrics *fakeWebhookMetrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var m WebhookMetrics
	if metrics != nil {
		m = metrics
	}
	h := NewWebhookHandler(rec, lookup, nil, m)
	h.Register(router, paymentSecret, custodialSecret)
	return router
}

func TestDepositWebhookRejectsBadSignature(t *testing.T) {
	rec := &fakeWebhookReconciler{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, nil)

	payload, _ := json.Marshal(map[string]string{"status": "confirmed"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/deposit", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooksig.HeaderSignature, webhooksig.Sign("wrong-secret", payload))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
	if rec.lastConfirm != nil {
		t.Fatal("reconciler must not run on a bad signature")
	}
}

func TestDepositWebhookAppliedAdvances(t *testing.T) {
	orderID := uuid.New()
	rec := &fakeWebhookReconciler{
		confirmRes: storage.TransitionResult{Outcome: storage.TransitionApplied, From: storage.StatusAwaitingDeposit, To: storage.StatusPaymentReceived},
	}
	metrics := &fakeWebhookMetrics{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, metrics)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/deposit", paymentSecret, map[string]any{
		"reference":     "pp-ref-91",
		"order_id":      orderID.String(),
		"amount":        "250.00",
		"currency":      "USD",
		"confirmations": 3,
		"status":        "confirmed",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if rec.lastConfirm == nil {
		t.Fatal("expected ConfirmDeposit call")
	}
	if rec.lastConfirm.orderID != orderID {
		t.Fatalf("confirmed wrong order: %s", rec.lastConfirm.orderID)
	}
	if !rec.lastConfirm.amount.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("confirmed wrong amount: %s", rec.lastConfirm.amount)
	}
	if rec.lastConfirm.confirmations != 3 {
		t.Fatalf("confirmations = %d", rec.lastConfirm.confirmations)
	}
	if rec.advances != 1 {
		t.Fatalf("expected one advance, got %d", rec.advances)
	}
	if metrics.outcomes["payments:applied"] != 1 {
		t.Fatalf("outcomes = %v", metrics.outcomes)
	}
}

func TestDepositWebhookRedeliveryDoesNotAdvance(t *testing.T) {
	rec := &fakeWebhookReconciler{
		confirmRes: storage.TransitionResult{Outcome: storage.TransitionAlreadyApplied, From: storage.StatusPaymentReceived, To: storage.StatusPaymentReceived},
	}
	metrics := &fakeWebhookMetrics{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, metrics)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/deposit", paymentSecret, map[string]any{
		"order_id":      uuid.New().String(),
		"amount":        "10",
		"confirmations": 2,
		"status":        "confirmed",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if rec.advances != 0 {
		t.Fatalf("redelivery must not advance, got %d", rec.advances)
	}
	if metrics.outcomes["payments:already_applied"] != 1 {
		t.Fatalf("outcomes = %v", metrics.outcomes)
	}
}

func TestDepositWebhookIgnoresUnconfirmedStatus(t *testing.T) {
	rec := &fakeWebhookReconciler{}
	metrics := &fakeWebhookMetrics{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, metrics)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/deposit", paymentSecret, map[string]any{
		"order_id": uuid.New().String(),
		"amount":   "10",
		"status":   "pending",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if rec.lastConfirm != nil {
		t.Fatal("pending deposits must not be confirmed")
	}
	if metrics.outcomes["payments:ignored"] != 1 {
		t.Fatalf("outcomes = %v", metrics.outcomes)
	}
}

func TestDepositWebhookUnmatchedAcked(t *testing.T) {
	rec := &fakeWebhookReconciler{}
	metrics := &fakeWebhookMetrics{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, metrics)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/deposit", paymentSecret, map[string]any{
		"reference": "unknown-ref",
		"amount":    "10",
		"status":    "confirmed",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if rec.lastConfirm != nil {
		t.Fatal("unmatched deposits must not reach the reconciler")
	}
	if metrics.outcomes["payments:unmatched"] != 1 {
		t.Fatalf("outcomes = %v", metrics.outcomes)
	}
}

func TestDepositWebhookResolvesByProviderReference(t *testing.T) {
	order := &storage.Order{ID: uuid.New(), Status: storage.StatusAwaitingDeposit}
	rec := &fakeWebhookReconciler{
		confirmRes: storage.TransitionResult{Outcome: storage.TransitionApplied, From: storage.StatusAwaitingDeposit, To: storage.StatusPaymentReceived},
	}
	router := newWebhookRouter(rec, &fakeOrderLookup{order: order}, nil)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/deposit", paymentSecret, map[string]any{
		"reference":     "pp-ref-17",
		"amount":        "75.50",
		"confirmations": 2,
		"status":        "confirmed",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if rec.lastConfirm == nil || rec.lastConfirm.orderID != order.ID {
		t.Fatalf("expected deposit resolved to %s, got %+v", order.ID, rec.lastConfirm)
	}
}

func TestDepositWebhookMalformedAmount(t *testing.T) {
	rec := &fakeWebhookReconciler{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, nil)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/deposit", paymentSecret, map[string]any{
		"order_id": uuid.New().String(),
		"amount":   "not-a-number",
		"status":   "confirmed",
	})

	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestPayoutWebhookRoutesBySource(t *testing.T) {
	rec := &fakeWebhookReconciler{
		payoutRes: storage.TransitionResult{Outcome: storage.TransitionApplied, From: storage.StatusProcessing, To: storage.StatusCompleted},
	}
	metrics := &fakeWebhookMetrics{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, metrics)

	resp := testutil.MakeSignedRequest(router, "/webhooks/custodial/payout", custodialSecret, map[string]any{
		"reference": "order-ref-3",
		"payout_id": "po_789",
		"status":    "completed",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if rec.lastPayout == nil {
		t.Fatal("expected payout update")
	}
	if rec.lastPayout.payoutID != "po_789" || rec.lastPayout.status != "completed" {
		t.Fatalf("payout call = %+v", rec.lastPayout)
	}
	if metrics.outcomes["custodial:applied"] != 1 {
		t.Fatalf("outcomes = %v", metrics.outcomes)
	}
}

func TestPayoutWebhookErrorStillAcked(t *testing.T) {
	rec := &fakeWebhookReconciler{payoutErr: storage.ErrOrderNotFound}
	metrics := &fakeWebhookMetrics{}
	router := newWebhookRouter(rec, &fakeOrderLookup{err: storage.ErrOrderNotFound}, metrics)

	resp := testutil.MakeSignedRequest(router, "/webhooks/payments/payout", paymentSecret, map[string]any{
		"reference": "gone",
		"payout_id": "po_1",
		"status":    "failed",
		"reason":    "destination rejected",
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if metrics.outcomes["payments:error"] != 1 {
		t.Fatalf("outcomes = %v", metrics.outcomes)
	}
}
