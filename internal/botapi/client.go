package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the public Telegram Bot API endpoint
const DefaultBaseURL = "https://api.telegram.org"

// Client calls the ledger's Bot API style endpoints: POST
// {baseURL}/bot{token}/{method} with a JSON body, answered by an {ok, result}
// envelope
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// Rate limiting
	mu       sync.Mutex
	lastCall time.Time
	minDelay time.Duration
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default 30s timeout client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMinDelay sets the minimum gap between two calls
func WithMinDelay(d time.Duration) Option {
	return func(c *Client) {
		c.minDelay = d
	}
}

// NewClient creates a new API client
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		minDelay: 50 * time.Millisecond, // ~20 RPS
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if wait := c.minDelay - time.Since(c.lastCall); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	c.lastCall = time.Now()
	return nil
}

// call posts params to method and decodes the envelope result into out
func (c *Client) call(ctx context.Context, method string, params any, headers map[string]string, out any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: do request: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Method: method, Code: resp.StatusCode, Description: string(data)}
		}
		return fmt.Errorf("%s: unmarshal envelope: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: env.Description}
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return fmt.Errorf("%s: %w", method, ErrEmptyResult)
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

// SendCryptoPayment transfers a crypto asset to a user. The idempotency key is
// sent both in the body and as the Idempotency-Key header.
func (c *Client) SendCryptoPayment(ctx context.Context, params CryptoPaymentParams) (*CryptoPayment, error) {
	headers := map[string]string{}
	if params.IdempotencyKey != "" {
		headers["Idempotency-Key"] = params.IdempotencyKey
	}

	var payment CryptoPayment
	if err := c.call(ctx, "sendCryptoPayment", params, headers, &payment); err != nil {
		return nil, err
	}
	if payment.TransactionID == "" {
		return nil, fmt.Errorf("sendCryptoPayment: %w", ErrEmptyResult)
	}
	return &payment, nil
}

// GetCryptoBalance returns the spendable balance of asset
func (c *Client) GetCryptoBalance(ctx context.Context, asset string) (*CryptoBalance, error) {
	var balance CryptoBalance
	if err := c.call(ctx, "getCryptoBalance", map[string]string{"asset": asset}, nil, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// ErrEmptyResult is returned for an ok envelope without a usable result
var ErrEmptyResult = errors.New("empty result")

// APIError is a failed envelope or an HTTP error without one
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Method, e.Code, e.Description)
}
