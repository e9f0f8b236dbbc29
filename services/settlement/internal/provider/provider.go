// Package provider holds the outbound HTTP clients for the payment provider
// (fiat deposits and bank payouts) and the custodial provider (crypto
// withdrawal keys and payouts). Calls carry bounded timeouts; a deadline is
// reported as ErrTimeout, which callers treat as an unknown outcome rather
// than a failure.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrTimeout                    = errors.New("provider call timed out")
	ErrRejected                   = errors.New("provider rejected request")
	ErrInsufficientCustodialFunds = errors.New("insufficient custodial funds")
	ErrFakeSuccess                = errors.New("test-mode success on live request")
	ErrNotFound                   = errors.New("provider resource not found")
)

// APIError is the provider's structured error body.
type APIError struct {
	HTTPStatus int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %d %s: %s", e.HTTPStatus, e.Code, e.Message)
}

const codeUnknownWithdrawKey = "unknown_withdraw_key"

// IsUnknownWithdrawKey reports the provider error that should be impossible
// after a verified key resolve.
func IsUnknownWithdrawKey(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownWithdrawKey
}

type Metrics interface {
	ObserveProviderCall(provider, call, outcome string, duration time.Duration)
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Live    bool
}

type client struct {
	name    string
	cfg     Config
	http    *http.Client
	metrics Metrics
}

func newClient(name string, cfg Config, metrics Metrics) client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return client{
		name:    name,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
	}
}

// doJSON performs one call and decodes the response into out. The reference
// string, when set, rides the Idempotency-Key header so provider-side
// retries collapse.
func (c *client) doJSON(ctx context.Context, call, method, path string, reference string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", call, err)
		}
		reader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", call, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if reference != "" {
		req.Header.Set("Idempotency-Key", reference)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		outcome := "error"
		if isTimeout(err) {
			outcome = "timeout"
			err = fmt.Errorf("%s %s: %w", c.name, call, ErrTimeout)
		}
		c.observe(call, outcome, start)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.observe(call, "error", start)
		return fmt.Errorf("read %s response: %w", call, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		c.observe(call, "rejected", start)
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", c.name, call, ErrNotFound)
		case apiErr.Code == "insufficient_funds":
			return fmt.Errorf("%s %s: %w: %w", c.name, call, ErrInsufficientCustodialFunds, apiErr)
		default:
			return fmt.Errorf("%s %s: %w: %w", c.name, call, ErrRejected, apiErr)
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.observe(call, "error", start)
			return fmt.Errorf("decode %s response: %w", call, err)
		}
	}
	c.observe(call, "success", start)
	return nil
}

func (c *client) observe(call, outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveProviderCall(c.name, call, outcome, time.Since(start))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// checkLive rejects sandbox-flagged responses on a live configuration. A
// test-mode success in production is treated as a failure, never a success.
func (c *client) checkLive(test bool) error {
	if test && c.cfg.Live {
		return ErrFakeSuccess
	}
	return nil
}
