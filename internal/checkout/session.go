package checkout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the payment provider's API root.
const DefaultBaseURL = "https://api.stripe.com"

// ErrSessionFetch indicates the provider could not return the session.
var ErrSessionFetch = errors.New("failed to fetch checkout session")

// ErrSessionNotFound indicates the provider has no session with that id.
var ErrSessionNotFound = errors.New("checkout session not found")

// Client reads checkout sessions. It never creates or mutates anything.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a session client with reasonable defaults.
func NewClient(baseURL, apiKey string) *Client {
	return NewClientWithHTTP(&http.Client{Timeout: 10 * time.Second}, baseURL, apiKey)
}

// NewClientWithHTTP creates a client with a custom http.Client (for testing).
func NewClientWithHTTP(hc *http.Client, baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Session is the subset of a checkout session the confirmation page shows.
type Session struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	CustomerEmail string `json:"customerEmail,omitempty"`
	AmountTotal   *int64 `json:"amountTotal,omitempty"`
	Currency      string `json:"currency,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
}

// GetSession fetches one checkout session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionFetch)
	}

	endpoint := c.baseURL + "/v1/checkout/sessions/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrSessionFetch, err)
	}
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrSessionFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrSessionFetch, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrSessionFetch)
	}

	obj := gjson.ParseBytes(body)
	s := &Session{
		ID:            obj.Get("id").String(),
		Status:        obj.Get("status").String(),
		PaymentStatus: obj.Get("payment_status").String(),
		Currency:      obj.Get("currency").String(),
		OrderID:       obj.Get("metadata.orderId").String(),
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: response carries no session id", ErrSessionFetch)
	}

	s.CustomerEmail = obj.Get("customer_details.email").String()
	if s.CustomerEmail == "" {
		s.CustomerEmail = obj.Get("customer_email").String()
	}
	if amt := obj.Get("amount_total"); amt.Type == gjson.Number {
		n := amt.Int()
		s.AmountTotal = &n
	}

	return s, nil
}
