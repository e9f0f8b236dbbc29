package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// WithdrawalKey is a provider-side whitelisted destination. Crypto payouts
// may only target a verified key; settlement resolves the key before every
// withdrawal call.
type WithdrawalKey struct {
	ID       string `json:"id"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

// WithdrawalRequest asks the custodial provider to send crypto to a
// previously configured withdrawal key.
type WithdrawalRequest struct {
	Reference string          `json:"reference"`
	KeyID     string          `json:"key_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Network   string          `json:"network"`
}

// CustodialClient talks to the crypto custody provider: withdrawal key
// management and on-chain payouts.
type CustodialClient struct {
	client
}

func NewCustodialClient(cfg Config, metrics Metrics) *CustodialClient {
	return &CustodialClient{client: newClient("custodial", cfg, metrics)}
}

// ListWithdrawalKeys returns the configured destinations for a currency and
// network, verified or not. Callers filter on Verified.
func (c *CustodialClient) ListWithdrawalKeys(ctx context.Context, currency, network string) ([]WithdrawalKey, error) {
	var out struct {
		Keys []WithdrawalKey `json:"keys"`
	}
	q := url.Values{"currency": {currency}, "network": {network}}
	path := "/v1/withdrawal-keys?" + q.Encode()
	if err := c.doJSON(ctx, "list_keys", http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// CreateWithdrawal starts an on-chain payout. The order ID rides the
// Idempotency-Key header; a timed-out call left in an unknown state is
// safe to repeat with the same reference.
func (c *CustodialClient) CreateWithdrawal(ctx context.Context, req WithdrawalRequest) (*PayoutReceipt, error) {
	var out PayoutReceipt
	if err := c.doJSON(ctx, "create_withdrawal", http.MethodPost, "/v1/withdrawals", req.Reference, req, &out); err != nil {
		return nil, err
	}
	if err := c.checkLive(out.Test); err != nil {
		return nil, fmt.Errorf("withdrawal %s: %w", req.Reference, err)
	}
	return &out, nil
}

// PayoutStatus fetches the provider's view of a withdrawal by our reference.
func (c *CustodialClient) PayoutStatus(ctx context.Context, reference string) (*PayoutState, error) {
	var out PayoutState
	path := "/v1/withdrawals/" + url.PathEscape(reference)
	if err := c.doJSON(ctx, "payout_status", http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	if err := c.checkLive(out.Test); err != nil {
		return nil, fmt.Errorf("withdrawal %s: %w", reference, err)
	}
	return &out, nil
}

// Trade executes a currency conversion on the custodial balance for
// exchange orders.
func (c *CustodialClient) Trade(ctx context.Context, req TradeRequest) (*TradeReceipt, error) {
	var out TradeReceipt
	if err := c.doJSON(ctx, "trade", http.MethodPost, "/v1/trades", req.Reference, req, &out); err != nil {
		return nil, err
	}
	if err := c.checkLive(out.Test); err != nil {
		return nil, fmt.Errorf("trade %s: %w", req.Reference, err)
	}
	return &out, nil
}

// TradeRequest converts Amount of From into To on the custodial account.
type TradeRequest struct {
	Reference string          `json:"reference"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
}

type TradeReceipt struct {
	TradeID  string          `json:"trade_id"`
	Status   string          `json:"status"`
	Received decimal.Decimal `json:"received"`
	Fee      Fee             `json:"fee"`
	Test     bool            `json:"test"`
}
