package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/auth"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

// OpsStore is the read surface of the operator API.
type OpsStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*storage.Order, error)
	ListOrdersByStatus(ctx context.Context, status storage.OrderStatus, cursor string, limit int) ([]storage.Order, string, error)
}

// OpsReconciler is the mutating surface: operator retry and refund go
// through the reconciler so they observe, notify and escalate like any
// other transition source.
type OpsReconciler interface {
	Retry(ctx context.Context, orderID uuid.UUID, byOperator bool, note string) (storage.TransitionResult, error)
	Refund(ctx context.Context, orderID uuid.UUID, note string) (storage.TransitionResult, error)
}

// WalletReader exposes balances and the audit trail.
type WalletReader interface {
	Balance(ctx context.Context, userID uuid.UUID, currency string) (storage.Wallet, error)
	History(ctx context.Context, userID uuid.UUID, currency string, limit int) ([]storage.LedgerTransaction, error)
}

// OpsHandler serves the operator console: inspect stuck orders, retry or
// refund them, and audit the wallet movements behind them.
type OpsHandler struct {
	Store      OpsStore
	Reconciler OpsReconciler
	Wallets    WalletReader
	Logger     *slog.Logger
}

func NewOpsHandler(store OpsStore, rec OpsReconciler, wallets WalletReader, logger *slog.Logger) *OpsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandler{Store: store, Reconciler: rec, Wallets: wallets, Logger: logger}
}

func (h *OpsHandler) Register(r *gin.Engine, jwtSecret []byte, jwtIssuer string) {
	group := r.Group("/v1", auth.Middleware(jwtSecret, jwtIssuer), auth.RequireRole(auth.RoleOps))
	group.GET("/orders/:id", h.GetOrder)
	group.GET("/orders", h.ListOrders)
	group.POST("/orders/:id/retry", h.RetryOrder)
	group.POST("/orders/:id/refund", h.RefundOrder)
	group.GET("/wallets/:user_id/:currency", h.GetWallet)
	group.GET("/wallets/:user_id/:currency/history", h.WalletHistory)
}

type orderItem struct {
	OrderID           string `json:"order_id"`
	UserID            string `json:"user_id"`
	Kind              string `json:"kind"`
	Status            string `json:"status"`
	Amount            string `json:"amount"`
	SourceCurrency    string `json:"source_currency"`
	TargetCurrency    string `json:"target_currency,omitempty"`
	PayoutAddress     string `json:"payout_address,omitempty"`
	PayoutNetwork     string `json:"payout_network,omitempty"`
	ProviderReference string `json:"provider_reference,omitempty"`
	ProviderPayoutID  string `json:"provider_payout_id,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	RetryCount        int    `json:"retry_count"`
	NextRetryAt       string `json:"next_retry_at,omitempty"`
	AdminNote         string `json:"admin_note,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type transitionResponse struct {
	OrderID string `json:"order_id"`
	Outcome string `json:"outcome"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type operatorNote struct {
	Note string `json:"note"`
}

type walletResponse struct {
	UserID        string `json:"user_id"`
	Currency      string `json:"currency"`
	Available     string `json:"available_balance"`
	Held          string `json:"held_balance"`
	TradingCredit string `json:"trading_credit"`
	Withdrawable  string `json:"withdrawable_balance"`
}

type transactionItem struct {
	OperationKey   string `json:"operation_key"`
	Kind           string `json:"kind"`
	Amount         string `json:"amount"`
	AvailableDelta string `json:"available_delta"`
	HeldDelta      string `json:"held_delta"`
	CreditDelta    string `json:"credit_delta"`
	Description    string `json:"description,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

func (h *OpsHandler) GetOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	order, err := h.Store.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.Logger.Error("get order failed", "order_id", orderID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	c.JSON(http.StatusOK, orderToItem(order))
}

func (h *OpsHandler) ListOrders(c *gin.Context) {
	status := storage.OrderStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if !validStatus(status) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown status")
		return
	}

	limit := 50
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}

	orders, nextCursor, err := h.Store.ListOrdersByStatus(c.Request.Context(), status, strings.TrimSpace(c.Query("cursor")), limit)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor")
			return
		}
		h.Logger.Error("list orders failed", "status", status, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]orderItem, 0, len(orders))
	for i := range orders {
		items = append(items, orderToItem(&orders[i]))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *OpsHandler) RetryOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	var note operatorNote
	_ = c.ShouldBindJSON(&note) // body is optional

	res, err := h.Reconciler.Retry(c.Request.Context(), orderID, true, strings.TrimSpace(note.Note))
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.Logger.Error("operator retry failed", "order_id", orderID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if res.Outcome == storage.TransitionRejected {
		writeError(c, http.StatusConflict, "NOT_RETRYABLE", res.Reason)
		return
	}

	c.JSON(http.StatusOK, toTransitionResponse(orderID, res))
}

func (h *OpsHandler) RefundOrder(c *gin.Context) {
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id")
		return
	}

	var note operatorNote
	_ = c.ShouldBindJSON(&note)

	res, err := h.Reconciler.Refund(c.Request.Context(), orderID, strings.TrimSpace(note.Note))
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
			return
		}
		h.Logger.Error("operator refund failed", "order_id", orderID, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	if res.Outcome == storage.TransitionRejected {
		writeError(c, http.StatusConflict, "NOT_REFUNDABLE", res.Reason)
		return
	}

	c.JSON(http.StatusOK, toTransitionResponse(orderID, res))
}

func (h *OpsHandler) GetWallet(c *gin.Context) {
	userID, err := parseUUIDParam(c.Param("user_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid user id")
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(c.Param("currency")))
	if currency == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "currency required")
		return
	}

	wallet, err := h.Wallets.Balance(c.Request.Context(), userID, currency)
	if err != nil {
		h.Logger.Error("get wallet failed", "user_id", userID, "currency", currency, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	c.JSON(http.StatusOK, walletResponse{
		UserID:        userID.String(),
		Currency:      currency,
		Available:     wallet.AvailableBalance.String(),
		Held:          wallet.HeldBalance.String(),
		TradingCredit: wallet.TradingCredit.String(),
		Withdrawable:  wallet.WithdrawableBalance().String(),
	})
}

func (h *OpsHandler) WalletHistory(c *gin.Context) {
	userID, err := parseUUIDParam(c.Param("user_id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid user id")
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(c.Param("currency")))
	if currency == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "currency required")
		return
	}

	limit := 100
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit")
			return
		}
		limit = n
	}

	txs, err := h.Wallets.History(c.Request.Context(), userID, currency, limit)
	if err != nil {
		h.Logger.Error("wallet history failed", "user_id", userID, "currency", currency, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}

	items := make([]transactionItem, 0, len(txs))
	for _, tx := range txs {
		item := transactionItem{
			OperationKey:   tx.OperationKey,
			Kind:           string(tx.Kind),
			Amount:         tx.Amount.String(),
			AvailableDelta: tx.AvailableDelta.String(),
			HeldDelta:      tx.HeldDelta.String(),
			CreditDelta:    tx.CreditDelta.String(),
			Description:    tx.Description,
			CreatedAt:      tx.CreatedAt.UTC().Format(time.RFC3339),
		}
		if tx.ReferenceID != uuid.Nil {
			item.ReferenceID = tx.ReferenceID.String()
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"transactions": items})
}

func orderToItem(order *storage.Order) orderItem {
	item := orderItem{
		OrderID:           order.ID.String(),
		UserID:            order.UserID.String(),
		Kind:              string(order.Kind),
		Status:            string(order.Status),
		Amount:            order.Amount.String(),
		SourceCurrency:    order.SourceCurrency,
		TargetCurrency:    order.TargetCurrency,
		PayoutAddress:     order.PayoutAddress,
		PayoutNetwork:     order.PayoutNetwork,
		ProviderReference: order.ProviderReference,
		ProviderPayoutID:  order.ProviderPayoutID,
		FailureReason:     order.FailureReason,
		RetryCount:        order.RetryCount,
		AdminNote:         order.AdminNote,
		CreatedAt:         order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if order.NextRetryAt != nil {
		item.NextRetryAt = order.NextRetryAt.UTC().Format(time.RFC3339)
	}
	return item
}

func toTransitionResponse(orderID uuid.UUID, res storage.TransitionResult) transitionResponse {
	return transitionResponse{
		OrderID: orderID.String(),
		Outcome: res.Outcome.String(),
		From:    string(res.From),
		To:      string(res.To),
		Reason:  res.Reason,
	}
}

func validStatus(status storage.OrderStatus) bool {
	switch status {
	case storage.StatusAwaitingDeposit, storage.StatusPaymentReceived, storage.StatusProcessing,
		storage.StatusCompleted, storage.StatusFailed, storage.StatusRefunded, storage.StatusAdminPending:
		return true
	default:
		return false
	}
}
