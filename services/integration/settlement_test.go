// Package integration drives a running settlement service end to end over
// HTTP. The suite expects the service, Postgres and the stubbed providers
// to share a network namespace: run the service locally with the dev env
// and the default provider URLs, then RUN_INTEGRATION=1 go test ./...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/webhooksig"
	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/services/testutil"
)

// stubWithdrawalAddress is the one destination the custodial stub reports
// as a verified withdrawal key.
const stubWithdrawalAddress = "TStubVerifiedKey0000000000000001"

func getSettlementURL() string {
	if url := os.Getenv("SETTLEMENT_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func jwtSecret() []byte {
	return []byte(envOr("LOCKBAY_JWT_SECRET", "dev-jwt-secret"))
}

func paymentWebhookSecret() string {
	return envOr("LOCKBAY_PAYMENT_WEBHOOK_SECRET", "dev-payment-webhook-secret")
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type issueTokenResponse struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	ExpiresAt string `json:"expires_at"`
}

type confirmResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type orderResponse struct {
	OrderID          string `json:"order_id"`
	UserID           string `json:"user_id"`
	Kind             string `json:"kind"`
	Status           string `json:"status"`
	Amount           string `json:"amount"`
	SourceCurrency   string `json:"source_currency"`
	TargetCurrency   string `json:"target_currency"`
	ProviderPayoutID string `json:"provider_payout_id"`
	FailureReason    string `json:"failure_reason"`
	RetryCount       int    `json:"retry_count"`
	NextRetryAt      string `json:"next_retry_at"`
	AdminNote        string `json:"admin_note"`
}

type transitionResponse struct {
	OrderID string `json:"order_id"`
	Outcome string `json:"outcome"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
}

type walletResponse struct {
	Available    string `json:"available_balance"`
	Held         string `json:"held_balance"`
	Withdrawable string `json:"withdrawable_balance"`
}

type historyResponse struct {
	Transactions []struct {
		OperationKey string `json:"operation_key"`
		Kind         string `json:"kind"`
		Amount       string `json:"amount"`
	} `json:"transactions"`
}

func makeSettlementRequest(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := getSettlementURL() + path
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

// makeWebhookRequest posts a provider callback with the body signed the way
// real providers sign it.
func makeWebhookRequest(path, secret string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, getSettlementURL()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooksig.HeaderSignature, webhooksig.Sign(secret, body))

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

func bearerFor(t *testing.T, userID uuid.UUID, roles []string) map[string]string {
	t.Helper()
	token, err := testutil.GenerateJWT(userID, roles, jwtSecret(), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func opsHeaders(t *testing.T) map[string]string {
	t.Helper()
	return bearerFor(t, testutil.OpsUserID, []string{"ops"})
}

func waitForSettlement(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeSettlementRequest(http.MethodGet, "/healthz", nil, nil)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("settlement service not ready within timeout")
}

func decodeJSON(resp *http.Response, out interface{}) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(t *testing.T, resp *http.Response) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return out
}

// equalAmount compares decimal strings by value, since the database does not
// guarantee a canonical text form.
func equalAmount(t *testing.T, field, got, want string) {
	t.Helper()
	g, err := decimal.NewFromString(got)
	if err != nil {
		t.Fatalf("%s: parse amount %q: %v", field, got, err)
	}
	if !g.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s = %s, want %s", field, got, want)
	}
}

// --- provider stubs -------------------------------------------------------
//
// The reconciler calls real HTTP providers; the suite stands in for both of
// them on the addresses the dev config points at. Every response carries
// "test": true, which the service accepts in sandbox mode and rejects in
// live mode.

type providerStubs struct {
	mu                 sync.Mutex
	failNextWithdrawal bool
	payoutSeq          int
	payouts            map[string]string // reference -> payout id
}

var (
	stubs     = &providerStubs{payouts: make(map[string]string)}
	stubsOnce sync.Once
)

func (s *providerStubs) failNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextWithdrawal = true
}

func (s *providerStubs) takeFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	failed := s.failNextWithdrawal
	s.failNextWithdrawal = false
	return failed
}

func (s *providerStubs) record(reference, prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutSeq++
	id := fmt.Sprintf("%s%d", prefix, s.payoutSeq)
	s.payouts[reference] = id
	return id
}

func (s *providerStubs) lookup(reference string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.payouts[reference]
	return id, ok
}

func startProviderStubs(t *testing.T) {
	t.Helper()
	stubsOnce.Do(func() {
		startStubServer(t, envOr("LOCKBAY_PAYMENT_API_URL", "http://localhost:9601"), paymentStubMux())
		startStubServer(t, envOr("LOCKBAY_CUSTODIAL_API_URL", "http://localhost:9602"), custodialStubMux())
	})
}

func startStubServer(t *testing.T, baseURL string, mux *http.ServeMux) {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse provider url %q: %v", baseURL, err)
	}
	server := &http.Server{Addr: u.Host, Handler: mux}
	go func() {
		// An occupied port means an external stub is already serving.
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("provider stub on %s not started: %v", u.Host, err)
		}
	}()
	time.Sleep(100 * time.Millisecond)
}

func stubJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func paymentStubMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/payouts/bank", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reference string `json:"reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"payout_id": stubs.record(req.Reference, "po_stub_"),
			"status":    "confirmed",
			"fee":       map[string]string{"min": "0.25", "max": "0.40"},
			"test":      true,
		})
	})

	mux.HandleFunc("/v1/payouts/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/v1/payouts/")
		id, ok := stubs.lookup(ref)
		if !ok {
			stubJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "unknown payout"})
			return
		}
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"payout_id": id, "status": "confirmed", "test": true,
		})
	})

	mux.HandleFunc("/v1/deposits/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/v1/deposits/")
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"reference": ref, "status": "pending", "amount": "0", "currency": "USD",
			"confirmations": 0, "test": true,
		})
	})

	return mux
}

func custodialStubMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/withdrawal-keys", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"keys": []map[string]interface{}{{
				"id":       "wk_stub_1",
				"currency": q.Get("currency"),
				"network":  q.Get("network"),
				"address":  stubWithdrawalAddress,
				"verified": true,
			}},
		})
	})

	mux.HandleFunc("/v1/withdrawals", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reference string `json:"reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if stubs.takeFailure() {
			stubJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"code": "provider_rejected", "message": "stub: temporarily out of liquidity",
			})
			return
		}
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"payout_id": stubs.record(req.Reference, "wd_stub_"),
			"status":    "confirmed",
			"fee":       map[string]string{"min": "0.1", "max": "0.1"},
			"test":      true,
		})
	})

	mux.HandleFunc("/v1/withdrawals/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/v1/withdrawals/")
		id, ok := stubs.lookup(ref)
		if !ok {
			stubJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "unknown withdrawal"})
			return
		}
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"payout_id": id, "status": "confirmed", "test": true,
		})
	})

	mux.HandleFunc("/v1/trades", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reference string `json:"reference"`
			Amount    string `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			stubJSON(w, http.StatusBadRequest, map[string]string{"code": "invalid_amount", "message": "bad amount"})
			return
		}
		stubJSON(w, http.StatusOK, map[string]interface{}{
			"trade_id": stubs.record(req.Reference, "tr_stub_"),
			"status":   "confirmed",
			"received": amount.Mul(decimal.RequireFromString("0.985")).String(),
			"fee":      map[string]string{"min": "1.5", "max": "1.5"},
			"test":     true,
		})
	})

	return mux
}

// --- database helpers -----------------------------------------------------

func openTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	return pool
}

// fundWallet puts spendable balance on a wallet directly; the flows under
// test only ever move money through the service itself.
func fundWallet(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, currency, amount string) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO wallets (user_id, currency, available_balance, held_balance, trading_credit)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (user_id, currency) DO UPDATE
		SET available_balance = EXCLUDED.available_balance, held_balance = 0
	`, userID, currency, amount)
	if err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func insertExchangeOrder(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, amount, source, target string) uuid.UUID {
	t.Helper()
	orderID := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, kind, status, amount, source_currency, target_currency)
		VALUES ($1, $2, 'exchange', 'awaiting_deposit', $3, $4, $5)
	`, orderID, userID, amount, source, target)
	if err != nil {
		t.Fatalf("insert exchange order: %v", err)
	}
	return orderID
}

func deleteUserData(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) {
	_, _ = pool.Exec(ctx, `DELETE FROM cashout_tokens WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM ledger_transactions WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM ledger_operations WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM orders WHERE user_id = $1`, userID)
	_, _ = pool.Exec(ctx, `DELETE FROM wallets WHERE user_id = $1`, userID)
}

func fetchOrder(t *testing.T, orderID string) orderResponse {
	t.Helper()
	resp, err := makeSettlementRequest(http.MethodGet, "/v1/orders/"+orderID, nil, opsHeaders(t))
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get order: expected 200, got %d", resp.StatusCode)
	}
	var out orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return out
}

func fetchWallet(t *testing.T, userID uuid.UUID, currency string) walletResponse {
	t.Helper()
	resp, err := makeSettlementRequest(http.MethodGet, fmt.Sprintf("/v1/wallets/%s/%s", userID, currency), nil, opsHeaders(t))
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get wallet: expected 200, got %d", resp.StatusCode)
	}
	var out walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	return out
}
