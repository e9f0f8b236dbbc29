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
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/auth"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/cashout"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/rate"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

// CashoutSecurity issues and redeems confirmation tokens.
type CashoutSecurity interface {
	Issue(ctx context.Context, req cashout.IssueRequest) (string, *storage.PendingCashoutToken, error)
	Redeem(ctx context.Context, userID uuid.UUID, presented string) (*storage.Order, error)
}

// Advancer kicks settlement after a redeem.
type Advancer interface {
	Advance(ctx context.Context, orderID uuid.UUID) (storage.TransitionResult, error)
}

type RateLimitMetrics interface {
	IncRateLimitRejection()
}

// CashoutHandler is the one user-facing surface of the service: request a
// confirmation token, then present it to start the payout. Confirmation is
// rate limited per user and source address because tokens are guessable
// in principle and every attempt costs a row lookup.
type CashoutHandler struct {
	Security   CashoutSecurity
	Reconciler Advancer
	Limiter    rate.Limiter
	Logger     *slog.Logger
	Metrics    RateLimitMetrics
	Clock      func() time.Time
}

func NewCashoutHandler(security CashoutSecurity, rec Advancer, limiter rate.Limiter, logger *slog.Logger, metrics RateLimitMetrics) *CashoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CashoutHandler{
		Security:   security,
		Reconciler: rec,
		Limiter:    limiter,
		Logger:     logger,
		Metrics:    metrics,
		Clock:      time.Now,
	}
}

func (h *CashoutHandler) Register(r *gin.Engine, jwtSecret []byte, jwtIssuer string) {
	group := r.Group("/v1/cashouts", auth.Middleware(jwtSecret, jwtIssuer))
	group.POST("", h.IssueToken)
	group.POST("/confirm", h.Confirm)
}

type issueTokenRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Address  string `json:"address"`
	Network  string `json:"network"`
	Replace  bool   `json:"replace"`
}

type issueTokenResponse struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	ExpiresAt string `json:"expires_at"`
}

type confirmRequest struct {
	Token string `json:"token"`
}

type confirmResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (h *CashoutHandler) IssueToken(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil || !amount.IsPositive() {
		writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive decimal")
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "currency required")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "address required")
		return
	}

	credential, stored, err := h.Security.Issue(c.Request.Context(), cashout.IssueRequest{
		UserID:   userID,
		Amount:   amount,
		Currency: currency,
		Address:  strings.TrimSpace(req.Address),
		Network:  strings.ToLower(strings.TrimSpace(req.Network)),
		Replace:  req.Replace,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidAmount):
			writeError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive decimal")
		case errors.Is(err, storage.ErrActiveTokenExists):
			writeError(c, http.StatusConflict, "ACTIVE_TOKEN_EXISTS", "an unexpired token already exists; set replace to reissue")
		default:
			h.Logger.Error("issue cashout token failed", "user_id", userID, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
		return
	}

	c.JSON(http.StatusCreated, issueTokenResponse{
		Token:     credential,
		Amount:    stored.Amount.String(),
		Currency:  stored.Currency,
		ExpiresAt: stored.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *CashoutHandler) Confirm(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user")
		return
	}

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "token required")
		return
	}

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), rate.Key(userID.String(), c.ClientIP()), h.Clock())
		if err != nil {
			// A broken limiter backend must not block withdrawals.
			h.Logger.Error("rate limiter unavailable", "error", err)
		} else if !allowed {
			if h.Metrics != nil {
				h.Metrics.IncRateLimitRejection()
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many confirmation attempts")
			return
		}
	}

	order, err := h.Security.Redeem(c.Request.Context(), userID, strings.TrimSpace(req.Token))
	if err != nil {
		switch {
		case errors.Is(err, cashout.ErrMalformedToken):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "malformed token")
		case errors.Is(err, storage.ErrTokenNotFound):
			writeError(c, http.StatusNotFound, "TOKEN_NOT_FOUND", "token not found")
		case errors.Is(err, storage.ErrSignatureMismatch):
			writeError(c, http.StatusUnauthorized, "SIGNATURE_MISMATCH", "token signature mismatch")
		case errors.Is(err, storage.ErrTokenExpired):
			writeError(c, http.StatusGone, "TOKEN_EXPIRED", "token expired")
		case errors.Is(err, storage.ErrInsufficientFunds):
			writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "insufficient withdrawable balance")
		default:
			h.Logger.Error("cashout redeem failed", "user_id", userID, "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
		return
	}

	status := order.Status
	if res, err := h.Reconciler.Advance(c.Request.Context(), order.ID); err != nil {
		h.Logger.Error("advance after redeem failed", "order_id", order.ID, "error", err)
	} else {
		status = res.To
	}

	c.JSON(http.StatusOK, confirmResponse{
		OrderID:  order.ID.String(),
		Status:   string(status),
		Amount:   order.Amount.String(),
		Currency: order.SourceCurrency,
	})
}
