package printful

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		ExternalID: "ord_1",
		Recipient: Recipient{
			Name:       "Ada Lovelace",
			Line1:      "1 Analytical Way",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
			Email:      "ada@example.com",
		},
		Items: []Item{
			{VariantID: "4011", Quantity: 2},
			{VariantID: "tee-black-m", Quantity: 1},
		},
	}
}

func TestCreateOrder_Success(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("confirm"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "store-9", r.Header.Get("X-PF-Store-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"result":{"id":77001,"external_id":"ord_1","status":"pending"}}`))
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.Client(), server.URL, "tok", WithStoreID("store-9"), WithConfirm(true))
	order, err := client.CreateOrder(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "77001", order.ID)
	assert.Equal(t, "ord_1", order.ExternalID)
	assert.Equal(t, "pending", order.Status)

	assert.Equal(t, "ord_1", got["external_id"])
	recipient := got["recipient"].(map[string]any)
	assert.Equal(t, "1 Analytical Way", recipient["address1"])
	assert.Equal(t, "GB", recipient["country_code"])
	assert.Equal(t, "N1 9GU", recipient["zip"])
	assert.NotContains(t, recipient, "address2")

	items := got["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, float64(4011), first["sync_variant_id"])
	assert.Equal(t, float64(2), first["quantity"])
	assert.NotContains(t, first, "external_variant_id")
	second := items[1].(map[string]any)
	assert.Equal(t, "tee-black-m", second["external_variant_id"])
	assert.NotContains(t, second, "sync_variant_id")
}

func TestCreateOrder_DraftByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		assert.Empty(t, r.Header.Get("X-PF-Store-Id"))
		_, _ = w.Write([]byte(`{"code":200,"result":{"id":1,"status":"draft"}}`))
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.Client(), server.URL+"/", "tok")
	order, err := client.CreateOrder(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "draft", order.Status)
}

func TestCreateOrder_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantMsg       string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"code":429,"result":"Too many requests"}`, true, "Too many requests"},
		{"server error", http.StatusInternalServerError, `oops`, true, "oops"},
		{"bad gateway", http.StatusBadGateway, ``, true, "empty response body"},
		{"bad request", http.StatusBadRequest, `{"code":400,"result":"Invalid address","error":{"reason":"BadRequest","message":"Recipient: invalid country"}}`, false, "Recipient: invalid country"},
		{"unauthorized", http.StatusUnauthorized, `{"code":401,"result":"Unauthorized"}`, false, "Unauthorized"},
		{"success without id", http.StatusOK, `{"code":200,"result":{"status":"pending"}}`, true, "no order id"},
		{"success with garbage", http.StatusOK, `<html>`, true, "invalid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClientWithHTTP(server.Client(), server.URL, "tok")
			order, err := client.CreateOrder(context.Background(), testRequest())
			require.Error(t, err)
			assert.Nil(t, order)

			var pErr *Error
			require.True(t, errors.As(err, &pErr))
			assert.Equal(t, tt.wantTransient, pErr.Transient)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, tt.status, pErr.StatusCode)
			assert.Contains(t, pErr.Msg, tt.wantMsg)
		})
	}
}

func TestCreateOrder_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(url, "tok")
	_, err := client.CreateOrder(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCreateOrder_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClientWithHTTP(server.Client(), server.URL, "tok", WithTimeout(50*time.Millisecond))
	_, err := client.CreateOrder(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestCreateOrder_ShapeChecks(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()
	client := NewClientWithHTTP(server.Client(), server.URL, "tok")

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"empty external id", func(r *Request) { r.ExternalID = "" }},
		{"no items", func(r *Request) { r.Items = nil }},
		{"zero quantity", func(r *Request) { r.Items[0].Quantity = 0 }},
		{"empty variant", func(r *Request) { r.Items[1].VariantID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest()
			tt.mutate(&req)
			_, err := client.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.False(t, IsTransient(err))
		})
	}
	assert.Zero(t, calls)
}

func TestGetOrderByExternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/orders/@ord_1":
			_, _ = w.Write([]byte(`{"code":200,"result":{"id":77001,"external_id":"ord_1","status":"fulfilled"}}`))
		case "/orders/@ord_busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":404,"result":"Not found"}`))
		}
	}))
	defer server.Close()
	client := NewClientWithHTTP(server.Client(), server.URL, "tok")
	ctx := context.Background()

	order, err := client.GetOrderByExternalID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "77001", order.ID)
	assert.Equal(t, "fulfilled", order.Status)

	_, err = client.GetOrderByExternalID(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = client.GetOrderByExternalID(ctx, "ord_busy")
	assert.True(t, IsTransient(err))

	_, err = client.GetOrderByExternalID(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
