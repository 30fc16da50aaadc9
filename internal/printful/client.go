package printful

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the provider's public API root.
const DefaultBaseURL = "https://api.printful.com"

// Client creates and looks up dropship orders.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	storeID    string
	confirm    bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStoreID scopes requests to one store (X-PF-Store-Id).
func WithStoreID(id string) ClientOption {
	return func(c *Client) { c.storeID = id }
}

// WithConfirm submits orders for fulfillment immediately instead of as drafts.
func WithConfirm(confirm bool) ClientOption {
	return func(c *Client) { c.confirm = confirm }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client with reasonable defaults.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	return NewClientWithHTTP(&http.Client{Timeout: 10 * time.Second}, baseURL, token, opts...)
}

// NewClientWithHTTP creates a client with a custom http.Client (for testing).
func NewClientWithHTTP(hc *http.Client, baseURL, token string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		httpClient: hc,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Recipient is the shipping destination.
type Recipient struct {
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Email      string
}

// Item is one line of a fulfillment order.
type Item struct {
	VariantID string
	Quantity  int
}

// Request describes an order to create. ExternalID is the local order id and
// doubles as the provider-side idempotency key.
type Request struct {
	ExternalID string
	Recipient  Recipient
	Items      []Item
}

// Order is the provider's view of a created order.
type Order struct {
	ID         string
	ExternalID string
	Status     string
}

type wireRecipient struct {
	Name        string `json:"name"`
	Address1    string `json:"address1"`
	Address2    string `json:"address2,omitempty"`
	City        string `json:"city"`
	StateCode   string `json:"state_code,omitempty"`
	CountryCode string `json:"country_code"`
	Zip         string `json:"zip,omitempty"`
	Email       string `json:"email,omitempty"`
}

type wireItem struct {
	SyncVariantID     int64  `json:"sync_variant_id,omitempty"`
	ExternalVariantID string `json:"external_variant_id,omitempty"`
	Quantity          int    `json:"quantity"`
}

type wireOrderRequest struct {
	ExternalID string        `json:"external_id"`
	Recipient  wireRecipient `json:"recipient"`
	Items      []wireItem    `json:"items"`
}

type wireOrder struct {
	ID         json.Number `json:"id"`
	ExternalID string      `json:"external_id"`
	Status     string      `json:"status"`
}

type wireResponse struct {
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
	Error  struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func toWire(r Request) wireOrderRequest {
	out := wireOrderRequest{
		ExternalID: r.ExternalID,
		Recipient: wireRecipient{
			Name:        r.Recipient.Name,
			Address1:    r.Recipient.Line1,
			Address2:    r.Recipient.Line2,
			City:        r.Recipient.City,
			StateCode:   r.Recipient.State,
			CountryCode: r.Recipient.Country,
			Zip:         r.Recipient.PostalCode,
			Email:       r.Recipient.Email,
		},
		Items: make([]wireItem, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		wi := wireItem{Quantity: it.Quantity}
		if n, err := strconv.ParseInt(it.VariantID, 10, 64); err == nil && n > 0 {
			wi.SyncVariantID = n
		} else {
			wi.ExternalVariantID = it.VariantID
		}
		out.Items = append(out.Items, wi)
	}
	return out
}

func validate(r Request) error {
	if r.ExternalID == "" {
		return fmt.Errorf("%w: empty external id", ErrInvalidRequest)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	for i, it := range r.Items {
		if it.VariantID == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: need variant id and positive quantity", ErrInvalidRequest, i)
		}
	}
	return nil
}

// CreateOrder submits a new order. It makes exactly one attempt.
func (c *Client) CreateOrder(ctx context.Context, r Request) (*Order, error) {
	if err := validate(r); err != nil {
		return nil, err
	}

	body, err := json.Marshal(toWire(r))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %v", ErrInvalidRequest, err)
	}

	endpoint := c.baseURL + "/orders"
	if c.confirm {
		endpoint += "?confirm=true"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Transient: true, Msg: "creating request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// GetOrderByExternalID looks up an order by the id it was created with.
// Returns ErrOrderNotFound if the provider has none.
func (c *Client) GetOrderByExternalID(ctx context.Context, externalID string) (*Order, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: empty external id", ErrInvalidRequest)
	}

	endpoint := c.baseURL + "/orders/@" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Transient: true, Msg: "creating request: " + err.Error()}
	}

	order, err := c.do(req)
	var pErr *Error
	if errors.As(err, &pErr) && pErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, externalID)
	}
	return order, err
}

func (c *Client) do(req *http.Request) (*Order, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if c.storeID != "" {
		req.Header.Set("X-PF-Store-Id", c.storeID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Transient: true, Msg: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Transient: true, StatusCode: resp.StatusCode, Msg: "reading body: " + err.Error()}
	}

	var wr wireResponse
	decodeErr := json.Unmarshal(raw, &wr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			StatusCode: resp.StatusCode,
			Msg:        errorMessage(wr, decodeErr, raw),
		}
	}

	// A success we cannot read may still have created the order.
	if decodeErr != nil {
		return nil, &Error{Transient: true, StatusCode: resp.StatusCode, Msg: "invalid JSON: " + decodeErr.Error()}
	}
	var wo wireOrder
	if err := json.Unmarshal(wr.Result, &wo); err != nil || wo.ID.String() == "" {
		return nil, &Error{Transient: true, StatusCode: resp.StatusCode, Msg: "response carries no order id"}
	}

	return &Order{ID: wo.ID.String(), ExternalID: wo.ExternalID, Status: wo.Status}, nil
}

func errorMessage(wr wireResponse, decodeErr error, raw []byte) string {
	if decodeErr == nil {
		if wr.Error.Message != "" {
			return wr.Error.Message
		}
		var s string
		if json.Unmarshal(wr.Result, &s) == nil && s != "" {
			return s
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "empty response body"
	}
	return msg
}
