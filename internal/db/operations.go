package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildtall-systems/storefront/internal/fsm"
)

var orderSM = fsm.NewOrderStateMachine()

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderExists indicates an order with the same id was already created.
var ErrOrderExists = errors.New("order already exists")

// ErrInvalidStateTransition indicates an invalid order state transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid order state transition")

// ErrStaleState indicates the order left the expected status before the update
// could be applied (another delivery won the compare-and-swap).
var ErrStaleState = errors.New("order status changed concurrently")

// ErrEmptyOrder indicates an order without line items cannot be paid.
var ErrEmptyOrder = errors.New("order has no items")

// Recipient is the shipping destination captured from the payment event.
type Recipient struct {
	Name       string `json:"name" yaml:"name"`
	Line1      string `json:"line1" yaml:"line1"`
	Line2      string `json:"line2,omitempty" yaml:"line2,omitempty"`
	City       string `json:"city" yaml:"city"`
	State      string `json:"state,omitempty" yaml:"state,omitempty"`
	PostalCode string `json:"postal_code" yaml:"postal_code"`
	Country    string `json:"country" yaml:"country"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	VariantID string `json:"variant_id" yaml:"variant_id"`
	Quantity  int    `json:"quantity" yaml:"quantity"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Order represents a checkout attempt and its fulfillment state.
type Order struct {
	ID                 string      `json:"id" yaml:"id"`
	Status             fsm.Status  `json:"status" yaml:"status"`
	Email              string      `json:"email" yaml:"email"`
	Items              []OrderItem `json:"items,omitempty" yaml:"items,omitempty"`
	Subtotal           int64       `json:"subtotal" yaml:"subtotal"`
	Shipping           int64       `json:"shipping" yaml:"shipping"`
	Total              int64       `json:"total" yaml:"total"`
	CheckoutSessionID  string      `json:"checkout_session_id,omitempty" yaml:"checkout_session_id,omitempty"`
	Recipient          *Recipient  `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	FulfillmentOrderID string      `json:"fulfillment_order_id,omitempty" yaml:"fulfillment_order_id,omitempty"`
	FulfillmentStatus  string      `json:"fulfillment_status,omitempty" yaml:"fulfillment_status,omitempty"`
	CreatedAt          time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" yaml:"updated_at"`
}

// NewOrder holds the fields the checkout flow supplies when it creates an order.
type NewOrder struct {
	ID       string
	Email    string
	Items    []OrderItem
	Subtotal int64
	Shipping int64
}

// Patch lists the columns a transition may overwrite. Nil fields are left as-is.
type Patch struct {
	Email              *string
	Shipping           *int64
	Total              *int64
	CheckoutSessionID  *string
	Recipient          *Recipient
	FulfillmentOrderID *string
	FulfillmentStatus  *string
}

// ListFilter narrows ListOrders. A zero Status matches every status.
type ListFilter struct {
	Status fsm.Status
	Limit  int
}

const orderColumns = `id, status, email, subtotal, shipping, total, checkout_session_id,
	recipient, fulfillment_order_id, fulfillment_status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var status, recipient string
	err := row.Scan(&o.ID, &status, &o.Email, &o.Subtotal, &o.Shipping, &o.Total, &o.CheckoutSessionID,
		&recipient, &o.FulfillmentOrderID, &o.FulfillmentStatus, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = fsm.Status(status)
	if recipient != "" {
		var r Recipient
		if err := json.Unmarshal([]byte(recipient), &r); err != nil {
			return nil, fmt.Errorf("decoding recipient: %w", err)
		}
		o.Recipient = &r
	}
	return &o, nil
}

// CreateOrder inserts a pending order and its items in one transaction.
// Total is derived from subtotal and shipping.
func (db *DB) CreateOrder(ctx context.Context, in NewOrder) (*Order, error) {
	if in.ID == "" {
		return nil, fmt.Errorf("creating order: empty id")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := in.Subtotal + in.Shipping
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, status, email, subtotal, shipping, total)
		VALUES (?, 'pending', ?, ?, ?, ?)
	`, in.ID, in.Email, in.Subtotal, in.Shipping, total)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrOrderExists
		}
		return nil, fmt.Errorf("creating order: %w", err)
	}

	for i, item := range in.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, variant_id, quantity, name)
			VALUES (?, ?, ?, ?, ?)
		`, in.ID, i, item.VariantID, item.Quantity, item.Name)
		if err != nil {
			return nil, fmt.Errorf("creating order item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return db.GetOrder(ctx, in.ID)
}

// GetOrder returns an order with its items.
func (db *DB) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	o, err := scanOrder(db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}

	items, err := db.getOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return o, nil
}

func (db *DB) getOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT variant_id, quantity, name FROM order_items WHERE order_id = ? ORDER BY position
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("querying order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.VariantID, &it.Quantity, &it.Name); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order items: %w", err)
	}
	return items, nil
}

// ListOrders returns orders most recent first. Items are not loaded.
func (db *DB) ListOrders(ctx context.Context, filter ListFilter) ([]Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	return db.queryOrders(ctx, query, args...)
}

// ListStuckOrders returns orders that entered processing at least olderThan
// ago and never recorded an outcome.
func (db *DB) ListStuckOrders(ctx context.Context, olderThan time.Duration) ([]Order, error) {
	modifier := fmt.Sprintf("-%d seconds", int64(olderThan.Seconds()))
	return db.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'processing' AND updated_at <= datetime('now', ?)
		ORDER BY updated_at ASC
	`, modifier)
}

func (db *DB) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}
	return orders, nil
}

// Transition applies event to an order currently in status from, writing the
// patch in the same statement. The update only lands if the stored status
// still equals from; otherwise ErrStaleState is returned and nothing changes.
func (db *DB) Transition(ctx context.Context, orderID string, from fsm.Status, event string, patch Patch) (*Order, error) {
	to, err := orderSM.Transition(ctx, from, event)
	if err != nil {
		return nil, fmt.Errorf("%w: %s + %s: %v", ErrInvalidStateTransition, from, event, err)
	}

	var recipient sql.NullString
	if patch.Recipient != nil {
		b, err := json.Marshal(patch.Recipient)
		if err != nil {
			return nil, fmt.Errorf("encoding recipient: %w", err)
		}
		recipient = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		UPDATE orders SET
			status = ?,
			email = COALESCE(?, email),
			shipping = COALESCE(?, shipping),
			total = COALESCE(?, total),
			checkout_session_id = COALESCE(?, checkout_session_id),
			recipient = COALESCE(?, recipient),
			fulfillment_order_id = COALESCE(?, fulfillment_order_id),
			fulfillment_status = COALESCE(?, fulfillment_status),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`
	if event == fsm.OrderEventPay {
		query += ` AND EXISTS (SELECT 1 FROM order_items WHERE order_id = orders.id)`
	}

	result, err := db.ExecContext(ctx, query,
		string(to),
		nullString(patch.Email),
		nullInt(patch.Shipping),
		nullInt(patch.Total),
		nullString(patch.CheckoutSessionID),
		recipient,
		nullString(patch.FulfillmentOrderID),
		nullString(patch.FulfillmentStatus),
		orderID,
		string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("updating order: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return nil, db.explainMissedTransition(ctx, orderID, from, event)
	}

	return db.GetOrder(ctx, orderID)
}

func (db *DB) explainMissedTransition(ctx context.Context, orderID string, from fsm.Status, event string) error {
	var current string
	err := db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("querying order: %w", err)
	}
	if current == string(from) && event == fsm.OrderEventPay {
		return ErrEmptyOrder
	}
	return fmt.Errorf("%w: expected %s, found %s", ErrStaleState, from, current)
}

// RecordWebhookEvent notes a delivery of a payment event and returns how many
// times that event id has been delivered so far.
func (db *DB) RecordWebhookEvent(ctx context.Context, eventID, eventType, orderID string) (int, error) {
	var deliveries int
	err := db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, order_id)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			deliveries = deliveries + 1,
			last_seen_at = CURRENT_TIMESTAMP
		RETURNING deliveries
	`, eventID, eventType, orderID).Scan(&deliveries)
	if err != nil {
		return 0, fmt.Errorf("recording webhook event: %w", err)
	}
	return deliveries, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	// SQLite unique constraint error contains "UNIQUE constraint failed"
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
