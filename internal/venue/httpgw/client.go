// Package httpgw is a REST order gateway for venues exposing a simple JSON
// order API.
package httpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Config describes one venue's order endpoint.
type Config struct {
	Venue   domain.Venue
	BaseURL string
	APIKey  string
	// APISecret, when set, signs every request with HMAC-SHA256.
	APISecret string
	Timeout   time.Duration
}

// Client implements venue.Gateway over HTTP.
type Client struct {
	venue      domain.Venue
	baseURL    string
	apiKey     string
	signer     *crypto.Signer
	httpClient *http.Client
}

// New creates a gateway client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		venue:   cfg.Venue,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		signer:  crypto.NewSigner(cfg.APIKey, cfg.APISecret),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type orderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	PostOnly      bool    `json:"post_only,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
}

type orderResponse struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
	Fee           float64 `json:"fee"`
	Message       string  `json:"message,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit places a limit order at the order's limit price, keyed by the
// engine's order ID so retries are idempotent on the venue.
func (c *Client) Submit(ctx context.Context, o domain.Order) (domain.OrderHandle, error) {
	price := o.LimitPrice
	if price <= 0 {
		price = o.Price
	}
	body := orderRequest{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Quantity:      o.Quantity,
		Price:         price,
		PostOnly:      o.PostOnly,
		ReduceOnly:    o.Intent.ReduceOnly(),
	}
	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", body, &resp); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("httpgw %s: submit %s: %w", c.venue, o.ID, err)
	}
	if resp.Status == "rejected" {
		return domain.OrderHandle{}, fmt.Errorf("httpgw %s: submit %s: %w: %s", c.venue, o.ID, domain.ErrOrderRejected, resp.Message)
	}
	return domain.OrderHandle{OrderID: o.ID, VenueOrderID: resp.OrderID, Venue: c.venue}, nil
}

// Cancel cancels the order. Cancelling an order that is already closed is
// not an error.
func (c *Client) Cancel(ctx context.Context, h domain.OrderHandle) error {
	err := c.do(ctx, http.MethodDelete, c.orderPath(h), nil, nil)
	if err != nil && !isConflict(err) {
		return fmt.Errorf("httpgw %s: cancel %s: %w", c.venue, h.OrderID, err)
	}
	return nil
}

// PollStatus fetches the venue's cumulative view of the order.
func (c *Client) PollStatus(ctx context.Context, h domain.OrderHandle) (domain.OrderState, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, c.orderPath(h), nil, &resp); err != nil {
		return domain.OrderState{}, fmt.Errorf("httpgw %s: status %s: %w", c.venue, h.OrderID, err)
	}
	return domain.OrderState{
		Status:    mapStatus(resp.Status),
		FilledQty: resp.FilledQty,
		AvgPrice:  resp.AvgPrice,
		Fee:       resp.Fee,
		Message:   resp.Message,
		UpdatedAt: time.Now(),
	}, nil
}

// orderPath addresses the order by venue ID, or by client ID when the
// submit response never arrived.
func (c *Client) orderPath(h domain.OrderHandle) string {
	if h.VenueOrderID != "" {
		return "/orders/" + url.PathEscape(h.VenueOrderID)
	}
	return "/orders?client_order_id=" + url.QueryEscape(h.OrderID)
}

func mapStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "open", "accepted":
		return domain.OrderStatusSubmitted
	case "partially_filled", "partial":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "cancelled", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusSubmitted
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.code, e.msg) }

func isConflict(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var (
		bodyReader io.Reader
		jsonBody   []byte
	)
	if reqBody != nil {
		var err error
		if jsonBody, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.signer != nil:
		c.signer.Sign(req.Header, method, path, jsonBody)
	case c.apiKey != "":
		req.Header.Set(crypto.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx status codes to domain errors.
func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	se := &statusError{code: code, msg: apiErr.Message}

	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, se)
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusForbidden:
		return fmt.Errorf("%w: %w", domain.ErrOrderRejected, se)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", domain.ErrRateLimited, se)
	default:
		return se
	}
}

var _ venue.Gateway = (*Client)(nil)
