// Package gateway talks to the hosted payment provider. The provider is an
// external collaborator: the ledger only needs invoice creation, payout
// creation and payout status lookup, each bounded by a timeout.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

type InvoiceRequest struct {
	AmountMinor int64
	Currency    string
	OrderRef    string
	Description string
	CallbackURL string
}

type InvoiceResult struct {
	TrackID string
	PayURL  string
}

type PayoutRequest struct {
	Address     string
	AmountMinor int64
	Currency    string
	Network     string
	Memo        string
	Description string
	CallbackURL string
}

type PayoutResult struct {
	TrackID string
}

type PayoutStatusResult struct {
	TrackID     string
	Status      string
	AmountMinor int64
}

type Client interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	PayoutStatus(ctx context.Context, trackID string) (*PayoutStatusResult, error)
}

// Error wraps any provider-side failure: transport errors, timeouts, and
// non-2xx replies. The message may come from the provider and is logged,
// never shown to end users.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	BaseURL     string
	MerchantKey string
	PayoutKey   string
	CallbackURL string
	Timeout     time.Duration
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// usd renders minor units as the decimal string the provider expects.
func usd(minor int64) string {
	return strconv.FormatFloat(float64(minor)/100, 'f', 2, 64)
}

func minorFromDecimal(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(v*100 + 0.5)
}

func (c *HTTPClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error) {
	payload := map[string]any{
		"amount":       usd(req.AmountMinor),
		"currency":     req.Currency,
		"order_id":     req.OrderRef,
		"description":  req.Description,
		"callback_url": c.callbackURL(req.CallbackURL),
	}
	var body struct {
		TrackID string `json:"trackId"`
		PayLink string `json:"payLink"`
	}
	if err := c.do(ctx, "create_invoice", http.MethodPost, "/payment/invoice", c.cfg.MerchantKey, payload, &body); err != nil {
		return nil, err
	}
	if body.TrackID == "" {
		return nil, &Error{Op: "create_invoice", Message: "provider returned no track id"}
	}
	return &InvoiceResult{TrackID: body.TrackID, PayURL: body.PayLink}, nil
}

func (c *HTTPClient) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	payload := map[string]any{
		"address":      req.Address,
		"amount":       usd(req.AmountMinor),
		"currency":     req.Currency,
		"network":      req.Network,
		"memo":         req.Memo,
		"description":  req.Description,
		"callback_url": c.callbackURL(req.CallbackURL),
	}
	var body struct {
		TrackID string `json:"trackId"`
	}
	if err := c.do(ctx, "create_payout", http.MethodPost, "/payout", c.cfg.PayoutKey, payload, &body); err != nil {
		return nil, err
	}
	if body.TrackID == "" {
		return nil, &Error{Op: "create_payout", Message: "provider returned no track id"}
	}
	return &PayoutResult{TrackID: body.TrackID}, nil
}

func (c *HTTPClient) PayoutStatus(ctx context.Context, trackID string) (*PayoutStatusResult, error) {
	var body struct {
		TrackID string  `json:"trackId"`
		Status  string  `json:"status"`
		Amount  float64 `json:"amount"`
	}
	if err := c.do(ctx, "payout_status", http.MethodGet, "/payout/"+trackID, c.cfg.PayoutKey, nil, &body); err != nil {
		return nil, err
	}
	return &PayoutStatusResult{
		TrackID:     body.TrackID,
		Status:      body.Status,
		AmountMinor: minorFromDecimal(body.Amount),
	}, nil
}

func (c *HTTPClient) callbackURL(override string) string {
	if override != "" {
		return override
	}
	return c.cfg.CallbackURL
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, apiKey string, payload any, out any) error {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &detail)
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: detail.Message}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
	}
	return nil
}
