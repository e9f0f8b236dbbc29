package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/webhooksig"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/provider"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

// WebhookReconciler is the slice of the reconciler webhooks drive.
type WebhookReconciler interface {
	ConfirmDeposit(ctx context.Context, orderID uuid.UUID, providerRef string, amount decimal.Decimal, confirmations int) (storage.TransitionResult, error)
	Advance(ctx context.Context, orderID uuid.UUID) (storage.TransitionResult, error)
	HandlePayoutUpdate(ctx context.Context, reference, payoutID, status, reason string) (storage.TransitionResult, error)
}

// OrderLookup resolves deposits that arrive without our order id.
type OrderLookup interface {
	GetOrderByProviderReference(ctx context.Context, ref string) (*storage.Order, error)
}

type WebhookMetrics interface {
	IncWebhook(source, outcome string)
}

// WebhookHandler accepts provider callbacks. Once the signature checks out
// the response is 202 no matter what the transition said: redeliveries,
// races with the poller and out-of-order events are all absorbed by the
// reconciler, and a non-2xx would only make the provider redeliver harder.
type WebhookHandler struct {
	Reconciler WebhookReconciler
	Orders     OrderLookup
	Logger     *slog.Logger
	Metrics    WebhookMetrics
}

func NewWebhookHandler(rec WebhookReconciler, orders OrderLookup, logger *slog.Logger, metrics WebhookMetrics) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{Reconciler: rec, Orders: orders, Logger: logger, Metrics: metrics}
}

func (h *WebhookHandler) Register(r *gin.Engine, paymentSecret, custodialSecret string) {
	payments := r.Group("/webhooks/payments", webhooksig.Middleware(paymentSecret, ""))
	payments.POST("/deposit", h.Deposit)
	payments.POST("/payout", h.payoutUpdate("payments"))

	custodial := r.Group("/webhooks/custodial", webhooksig.Middleware(custodialSecret, ""))
	custodial.POST("/payout", h.payoutUpdate("custodial"))
}

type depositWebhook struct {
	Reference     string `json:"reference"`
	OrderID       string `json:"order_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Confirmations int    `json:"confirmations"`
	Status        string `json:"status"`
}

type payoutWebhook struct {
	Reference string `json:"reference"`
	PayoutID  string `json:"payout_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (h *WebhookHandler) Deposit(c *gin.Context) {
	var req depositWebhook
	if err := c.ShouldBindJSON(&req); err != nil {
		h.observe("payments", "malformed")
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	if req.Status != provider.StatusConfirmed {
		h.observe("payments", "ignored")
		h.ack(c)
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		h.observe("payments", "malformed")
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
		return
	}

	orderID, ok := h.resolveOrder(c.Request.Context(), req.OrderID, req.Reference)
	if !ok {
		h.Logger.Warn("deposit webhook matched no order",
			"provider_ref", req.Reference, "order_id", req.OrderID)
		h.observe("payments", "unmatched")
		h.ack(c)
		return
	}

	res, err := h.Reconciler.ConfirmDeposit(c.Request.Context(), orderID, req.Reference, amount, req.Confirmations)
	if err != nil {
		h.Logger.Error("deposit webhook failed", "order_id", orderID, "error", err)
		h.observe("payments", "error")
		h.ack(c)
		return
	}
	h.observe("payments", res.Outcome.String())

	if res.Outcome == storage.TransitionApplied {
		if _, err := h.Reconciler.Advance(c.Request.Context(), orderID); err != nil {
			h.Logger.Error("advance after deposit failed", "order_id", orderID, "error", err)
		}
	}
	h.ack(c)
}

func (h *WebhookHandler) payoutUpdate(source string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req payoutWebhook
		if err := c.ShouldBindJSON(&req); err != nil {
			h.observe(source, "malformed")
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
			return
		}

		res, err := h.Reconciler.HandlePayoutUpdate(c.Request.Context(), req.Reference, req.PayoutID, req.Status, req.Reason)
		if err != nil {
			h.Logger.Error("payout webhook failed",
				"source", source, "reference", req.Reference, "error", err)
			h.observe(source, "error")
			h.ack(c)
			return
		}
		h.observe(source, res.Outcome.String())
		h.ack(c)
	}
}

// resolveOrder prefers the order id the provider echoes back; deposits
// recorded by an earlier webhook can also be found by provider reference.
func (h *WebhookHandler) resolveOrder(ctx context.Context, orderID, providerRef string) (uuid.UUID, bool) {
	if id, err := uuid.Parse(strings.TrimSpace(orderID)); err == nil {
		return id, true
	}
	if providerRef != "" && h.Orders != nil {
		if order, err := h.Orders.GetOrderByProviderReference(ctx, providerRef); err == nil {
			return order.ID, true
		}
	}
	return uuid.Nil, false
}

func (h *WebhookHandler) ack(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *WebhookHandler) observe(source, outcome string) {
	if h.Metrics != nil {
		h.Metrics.IncWebhook(source, outcome)
	}
}
