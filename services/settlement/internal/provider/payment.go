package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// Deposit and payout states as the payment provider reports them.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// DepositStatus is the provider's view of one incoming payment.
type DepositStatus struct {
	Reference     string          `json:"reference"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Confirmations int             `json:"confirmations"`
	Test          bool            `json:"test"`
}

// PayoutState is the provider's view of one outgoing payout. Reconciliation
// reads it to settle orders whose payout call timed out.
type PayoutState struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Test     bool   `json:"test"`
}

// BankPayoutRequest asks the payment provider to push fiat to a customer
// account. Account holds the provider-side account reference captured at
// cashout time.
type BankPayoutRequest struct {
	Reference string          `json:"reference"`
	Account   string          `json:"account"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// PayoutReceipt is returned by payout creation calls. Providers quote the
// fee as a range; settlement books the upper bound.
type PayoutReceipt struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
	Fee      Fee    `json:"fee"`
	Test     bool   `json:"test"`
}

type Fee struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Charged resolves the fee range to the amount settlement books against the
// order. Providers may settle below this; the difference stays with the
// provider balance, not the user wallet.
func (f Fee) Charged() decimal.Decimal {
	if f.Max.GreaterThan(f.Min) {
		return f.Max
	}
	return f.Min
}

// PaymentClient talks to the fiat payment provider: deposit status lookups
// and bank payouts.
type PaymentClient struct {
	client
}

func NewPaymentClient(cfg Config, metrics Metrics) *PaymentClient {
	return &PaymentClient{client: newClient("payment", cfg, metrics)}
}

// DepositStatus fetches the provider's current view of a deposit. Poll
// reconciliation calls this for orders still awaiting their webhook.
func (p *PaymentClient) DepositStatus(ctx context.Context, providerRef string) (*DepositStatus, error) {
	var out DepositStatus
	path := "/v1/deposits/" + url.PathEscape(providerRef)
	if err := p.doJSON(ctx, "deposit_status", http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	if err := p.checkLive(out.Test); err != nil {
		return nil, fmt.Errorf("deposit %s: %w", providerRef, err)
	}
	return &out, nil
}

// BankPayout creates a fiat payout. The order ID rides the Idempotency-Key
// header so a retried call cannot double-pay.
func (p *PaymentClient) BankPayout(ctx context.Context, req BankPayoutRequest) (*PayoutReceipt, error) {
	var out PayoutReceipt
	if err := p.doJSON(ctx, "bank_payout", http.MethodPost, "/v1/payouts/bank", req.Reference, req, &out); err != nil {
		return nil, err
	}
	if err := p.checkLive(out.Test); err != nil {
		return nil, fmt.Errorf("payout %s: %w", req.Reference, err)
	}
	return &out, nil
}

// PayoutStatus fetches the provider's view of a payout by our reference.
func (p *PaymentClient) PayoutStatus(ctx context.Context, reference string) (*PayoutState, error) {
	var out PayoutState
	path := "/v1/payouts/" + url.PathEscape(reference)
	if err := p.doJSON(ctx, "payout_status", http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	if err := p.checkLive(out.Test); err != nil {
		return nil, fmt.Errorf("payout %s: %w", reference, err)
	}
	return &out, nil
}
