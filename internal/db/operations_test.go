package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/storefront/internal/fsm"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("migrating test db: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func createTestOrder(t *testing.T, db *DB, id string, items ...OrderItem) *Order {
	t.Helper()

	o, err := db.CreateOrder(context.Background(), NewOrder{
		ID:       id,
		Email:    "checkout@example.com",
		Items:    items,
		Subtotal: 2500,
		Shipping: 499,
	})
	if err != nil {
		t.Fatalf("CreateOrder(%s): %v", id, err)
	}
	return o
}

func strPtr(s string) *string { return &s }
func intPtr(n int64) *int64 { return &n }

func TestCreateAndGetOrder(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	order := createTestOrder(t, db, "ord_1",
		OrderItem{VariantID: "V1", Quantity: 2, Name: "Poster"},
		OrderItem{VariantID: "4011", Quantity: 1},
	)

	if order.Status != fsm.StatusPending {
		t.Errorf("expected status pending, got %s", order.Status)
	}
	if order.Total != 2999 {
		t.Errorf("total = %d, want 2999", order.Total)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if order.Items[0].VariantID != "V1" || order.Items[0].Quantity != 2 {
		t.Errorf("unexpected first item: %+v", order.Items[0])
	}
	if order.Items[1].VariantID != "4011" {
		t.Errorf("items out of order: %+v", order.Items)
	}
	if order.Recipient != nil {
		t.Errorf("new order should have no recipient, got %+v", order.Recipient)
	}

	// Duplicate id
	_, err := db.CreateOrder(ctx, NewOrder{ID: "ord_1"})
	if err != ErrOrderExists {
		t.Errorf("expected ErrOrderExists, got %v", err)
	}

	// Missing order
	_, err = db.GetOrder(ctx, "ord_missing")
	if err != ErrOrderNotFound {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestTransition_HappyPath(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "ord_1", OrderItem{VariantID: "V1", Quantity: 2})

	recipient := &Recipient{Name: "Ada Lovelace", Line1: "1 Analytical Way", City: "London", PostalCode: "N1", Country: "GB"}
	order, err := db.Transition(ctx, "ord_1", fsm.StatusPending, fsm.OrderEventPay, Patch{
		Email:             strPtr("ada@example.com"),
		Shipping:          intPtr(800),
		Total:             intPtr(3300),
		CheckoutSessionID: strPtr("cs_test_1"),
		Recipient:         recipient,
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if order.Status != fsm.StatusPaid {
		t.Errorf("status = %s, want paid", order.Status)
	}
	if order.Email != "ada@example.com" || order.Shipping != 800 || order.Total != 3300 {
		t.Errorf("patch not applied: %+v", order)
	}
	if order.Subtotal != 2500 {
		t.Errorf("subtotal changed: %d", order.Subtotal)
	}
	if order.Recipient == nil || order.Recipient.Name != "Ada Lovelace" || order.Recipient.Country != "GB" {
		t.Errorf("recipient not stored: %+v", order.Recipient)
	}

	order, err = db.Transition(ctx, "ord_1", fsm.StatusPaid, fsm.OrderEventSubmit, Patch{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status != fsm.StatusProcessing {
		t.Errorf("status = %s, want processing", order.Status)
	}
	// Nil patch fields keep previous values
	if order.Email != "ada@example.com" {
		t.Errorf("email lost on empty patch: %q", order.Email)
	}

	order, err = db.Transition(ctx, "ord_1", fsm.StatusProcessing, fsm.OrderEventFulfill, Patch{
		FulfillmentOrderID: strPtr("98765"),
		FulfillmentStatus:  strPtr("draft"),
	})
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if order.Status != fsm.StatusFulfilled || order.FulfillmentOrderID != "98765" || order.FulfillmentStatus != "draft" {
		t.Errorf("unexpected fulfilled order: %+v", order)
	}
}

func TestTransition_Errors(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "ord_1", OrderItem{VariantID: "V1", Quantity: 1})
	createTestOrder(t, db, "ord_empty")

	tests := []struct {
		name    string
		orderID string
		from    fsm.Status
		event   string
		wantErr error
	}{
		{"invalid pair rejected before write", "ord_1", fsm.StatusPending, fsm.OrderEventFulfill, ErrInvalidStateTransition},
		{"stale expected status", "ord_1", fsm.StatusPaid, fsm.OrderEventSubmit, ErrStaleState},
		{"unknown order", "ord_missing", fsm.StatusPending, fsm.OrderEventPay, ErrOrderNotFound},
		{"empty order cannot be paid", "ord_empty", fsm.StatusPending, fsm.OrderEventPay, ErrEmptyOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Transition(ctx, tt.orderID, tt.from, tt.event, Patch{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	order, err := db.GetOrder(ctx, "ord_1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != fsm.StatusPending {
		t.Errorf("failed transitions must not write, status = %s", order.Status)
	}

	// Empty orders can still expire
	if _, err := db.Transition(ctx, "ord_empty", fsm.StatusPending, fsm.OrderEventExpire, Patch{}); err != nil {
		t.Errorf("expire empty order: %v", err)
	}
}

func TestTransition_ConcurrentPayOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "ord_race", OrderItem{VariantID: "V1", Quantity: 1})

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, stale int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.Transition(ctx, "ord_race", fsm.StatusPending, fsm.OrderEventPay, Patch{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrStaleState):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if stale != workers-1 {
		t.Errorf("stale = %d, want %d", stale, workers-1)
	}
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	createTestOrder(t, db, "ord_a", OrderItem{VariantID: "V1", Quantity: 1})
	createTestOrder(t, db, "ord_b", OrderItem{VariantID: "V1", Quantity: 1})
	createTestOrder(t, db, "ord_c", OrderItem{VariantID: "V1", Quantity: 1})

	if _, err := db.Transition(ctx, "ord_b", fsm.StatusPending, fsm.OrderEventExpire, Patch{}); err != nil {
		t.Fatalf("expire: %v", err)
	}

	all, err := db.ListOrders(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 orders, got %d", len(all))
	}

	pending, err := db.ListOrders(ctx, ListFilter{Status: fsm.StatusPending})
	if err != nil {
		t.Fatalf("ListOrders(pending): %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(pending))
	}

	limited, err := db.ListOrders(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListOrders(limit): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 order with limit, got %d", len(limited))
	}
}

func TestListStuckOrders(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	createTestOrder(t, db, "ord_stuck", OrderItem{VariantID: "V1", Quantity: 1})
	createTestOrder(t, db, "ord_paid", OrderItem{VariantID: "V1", Quantity: 1})

	for _, step := range []struct {
		from  fsm.Status
		event string
	}{
		{fsm.StatusPending, fsm.OrderEventPay},
		{fsm.StatusPaid, fsm.OrderEventSubmit},
	} {
		if _, err := db.Transition(ctx, "ord_stuck", step.from, step.event, Patch{}); err != nil {
			t.Fatalf("%s: %v", step.event, err)
		}
	}
	if _, err := db.Transition(ctx, "ord_paid", fsm.StatusPending, fsm.OrderEventPay, Patch{}); err != nil {
		t.Fatalf("pay: %v", err)
	}

	stuck, err := db.ListStuckOrders(ctx, 0)
	if err != nil {
		t.Fatalf("ListStuckOrders: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != "ord_stuck" {
		t.Errorf("expected only ord_stuck, got %+v", stuck)
	}

	recent, err := db.ListStuckOrders(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ListStuckOrders(1h): %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("freshly submitted order should not be stuck yet, got %d", len(recent))
	}
}

func TestRecordWebhookEvent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	n, err := db.RecordWebhookEvent(ctx, "evt_1", "checkout.session.completed", "ord_1")
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if n != 1 {
		t.Errorf("first delivery count = %d, want 1", n)
	}

	n, err = db.RecordWebhookEvent(ctx, "evt_1", "checkout.session.completed", "ord_1")
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if n != 2 {
		t.Errorf("second delivery count = %d, want 2", n)
	}

	n, err = db.RecordWebhookEvent(ctx, "evt_2", "checkout.session.expired", "")
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if n != 1 {
		t.Errorf("different event count = %d, want 1", n)
	}
}
