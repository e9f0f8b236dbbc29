// Package cashout issues and checks the signed confirmation tokens that
// gate withdrawals. A token is only trusted against what the database says
// about it: the signature is recomputed from the stored row on every check,
// so a token whose row was altered or removed stops verifying.
package cashout

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/settlement/internal/storage"
)

// amountPlaces fixes the decimal rendering inside the signed string. The
// stored column is scanned back before signing, so both sides always see
// the same 8-place form.
const amountPlaces = 8

var ErrMalformedToken = errors.New("malformed cashout token")

// TokenStore is the slice of storage the security layer needs.
type TokenStore interface {
	CreateCashoutToken(ctx context.Context, tok storage.PendingCashoutToken, replace bool, sign func(storage.PendingCashoutToken) string) (*storage.PendingCashoutToken, error)
	GetCashoutToken(ctx context.Context, token string, userID uuid.UUID) (*storage.PendingCashoutToken, error)
	RedeemCashoutToken(ctx context.Context, token string, userID uuid.UUID, verify func(storage.PendingCashoutToken) error) (*storage.Order, error)
}

type Metrics interface {
	IncTokenValidation(result string)
}

// Security signs cashout tokens with an HMAC over the stored row and
// verifies presented tokens against a freshly recomputed signature.
type Security struct {
	store   TokenStore
	secret  []byte
	ttl     time.Duration
	logger  *slog.Logger
	metrics Metrics
}

func New(store TokenStore, secret string, ttl time.Duration, logger *slog.Logger, metrics Metrics) (*Security, error) {
	if secret == "" {
		return nil, errors.New("cashout: signing secret is required")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Security{
		store:   store,
		secret:  []byte(secret),
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// IssueRequest describes the withdrawal a token will confirm.
type IssueRequest struct {
	UserID   uuid.UUID
	Amount   decimal.Decimal
	Currency string
	Address  string
	Network  string
	Replace  bool
}

// Issue creates a pending token and returns the credential the user must
// present: "<token>:<signature>". The signature is computed over the row as
// stored, not over the request, so formatting drift between issue and
// verify is impossible.
func (s *Security) Issue(ctx context.Context, req IssueRequest) (string, *storage.PendingCashoutToken, error) {
	if req.UserID == uuid.Nil {
		return "", nil, fmt.Errorf("cashout: user id is required")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return "", nil, storage.ErrInvalidAmount
	}
	if req.Address == "" {
		return "", nil, fmt.Errorf("cashout: withdrawal address is required")
	}

	token, err := generateToken()
	if err != nil {
		return "", nil, fmt.Errorf("generate cashout token: %w", err)
	}

	stored, err := s.store.CreateCashoutToken(ctx, storage.PendingCashoutToken{
		Token:             token,
		UserID:            req.UserID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		WithdrawalAddress: req.Address,
		Network:           req.Network,
		ExpiresAt:         time.Now().Add(s.ttl),
	}, req.Replace, s.sign)
	if err != nil {
		return "", nil, err
	}

	s.logger.Info("cashout token issued",
		"user_id", req.UserID,
		"currency", stored.Currency,
		"expires_at", stored.ExpiresAt,
	)
	return stored.Token + ":" + stored.Signature, stored, nil
}

// Validate checks a presented credential without consuming it. The stored
// row must both carry and re-derive the same signature the user presented.
func (s *Security) Validate(ctx context.Context, userID uuid.UUID, presented string) (*storage.PendingCashoutToken, error) {
	token, sig, err := splitCredential(presented)
	if err != nil {
		s.observe("malformed")
		return nil, err
	}
	stored, err := s.store.GetCashoutToken(ctx, token, userID)
	if err != nil {
		s.observeErr(err)
		return nil, err
	}
	if !stored.ExpiresAt.After(time.Now()) {
		s.observe("expired")
		return nil, storage.ErrTokenExpired
	}
	if err := s.verify(*stored, sig); err != nil {
		s.observeErr(err)
		return nil, err
	}
	s.observe("valid")
	return stored, nil
}

// Redeem consumes a credential and opens the cashout order, all in one
// storage transaction. A second redeem of the same token finds no row.
func (s *Security) Redeem(ctx context.Context, userID uuid.UUID, presented string) (*storage.Order, error) {
	token, sig, err := splitCredential(presented)
	if err != nil {
		s.observe("malformed")
		return nil, err
	}
	order, err := s.store.RedeemCashoutToken(ctx, token, userID, func(stored storage.PendingCashoutToken) error {
		return s.verify(stored, sig)
	})
	if err != nil {
		s.observeErr(err)
		return nil, err
	}
	s.observe("redeemed")
	s.logger.Info("cashout token redeemed",
		"user_id", userID,
		"order_id", order.ID,
		"currency", order.SourceCurrency,
	)
	return order, nil
}

// sign renders the canonical string for a stored row and MACs it.
func (s *Security) sign(tok storage.PendingCashoutToken) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical(tok)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Security) verify(stored storage.PendingCashoutToken, presentedSig string) error {
	want := s.sign(stored)
	// Stored signature must match the recomputation; otherwise the row no
	// longer reflects what was signed.
	if !hmac.Equal([]byte(want), []byte(stored.Signature)) {
		return storage.ErrSignatureMismatch
	}
	if !hmac.Equal([]byte(want), []byte(presentedSig)) {
		return storage.ErrSignatureMismatch
	}
	return nil
}

func canonical(tok storage.PendingCashoutToken) string {
	return strings.Join([]string{
		tok.Token,
		tok.UserID.String(),
		tok.Amount.StringFixed(amountPlaces),
		tok.Currency,
		tok.WithdrawalAddress,
		tok.Network,
		fmt.Sprintf("%d", tok.ExpiresAt.UTC().Unix()),
	}, "|")
}

// splitCredential separates "<token>:<signature>" on the last colon.
func splitCredential(presented string) (token, sig string, err error) {
	idx := strings.LastIndex(presented, ":")
	if idx <= 0 || idx == len(presented)-1 {
		return "", "", ErrMalformedToken
	}
	return presented[:idx], presented[idx+1:], nil
}

func generateToken() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return "ct_" + strings.ToLower(enc.EncodeToString(buf)), nil
}

func (s *Security) observe(result string) {
	if s.metrics != nil {
		s.metrics.IncTokenValidation(result)
	}
}

func (s *Security) observeErr(err error) {
	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		s.observe("not_found")
	case errors.Is(err, storage.ErrTokenExpired):
		s.observe("expired")
	case errors.Is(err, storage.ErrSignatureMismatch):
		s.observe("mismatch")
	default:
		s.observe("error")
	}
}
