// Package reconcile drives orders through their lifecycle in response to
// verified payment events.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/buildtall-systems/storefront/internal/db"
	"github.com/buildtall-systems/storefront/internal/fsm"
	"github.com/buildtall-systems/storefront/internal/notify"
	"github.com/buildtall-systems/storefront/internal/payments"
	"github.com/buildtall-systems/storefront/internal/printful"
)

// Outcome summarizes what reconciling one event did to the ledger.
type Outcome string

const (
	OutcomeIgnored         Outcome = "ignored"
	OutcomeUnknownOrder    Outcome = "unknown_order"
	OutcomeNoop            Outcome = "noop"
	OutcomeAwaitingPayment Outcome = "awaiting_payment"
	OutcomeInvalidItems    Outcome = "invalid_items"
	OutcomeExpired         Outcome = "expired"
	OutcomeFulfilled       Outcome = "fulfilled"
	OutcomeFailed          Outcome = "failed"
)

// MarkerMissingAddress is stored when a paid order has nowhere to ship.
const MarkerMissingAddress = "missing_address"

// Store is the subset of the order store the reconciler needs.
type Store interface {
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
	Transition(ctx context.Context, orderID string, from fsm.Status, event string, patch db.Patch) (*db.Order, error)
	ListStuckOrders(ctx context.Context, olderThan time.Duration) ([]db.Order, error)
}

// Fulfiller creates and looks up provider orders.
type Fulfiller interface {
	CreateOrder(ctx context.Context, r printful.Request) (*printful.Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*printful.Order, error)
}

// Defaults for Reconciler timeouts.
const (
	DefaultStoreTimeout       = 3 * time.Second
	DefaultFulfillmentTimeout = 8 * time.Second
)

// Reconciler applies payment events to orders. It is safe for concurrent use;
// all coordination happens through compare-and-swap writes in the Store.
type Reconciler struct {
	store              Store
	fulfiller          Fulfiller
	notifier           notify.Notifier
	log                *slog.Logger
	marker             string
	storeTimeout       time.Duration
	fulfillmentTimeout time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithMarker restricts reconciliation to events whose metadata type matches.
// An empty marker accepts every event.
func WithMarker(m string) Option {
	return func(r *Reconciler) { r.marker = m }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.storeTimeout = d }
}

func WithFulfillmentTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.fulfillmentTimeout = d }
}

func New(store Store, fulfiller Fulfiller, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:              store,
		fulfiller:          fulfiller,
		notifier:           notify.Nop{},
		log:                slog.Default(),
		storeTimeout:       DefaultStoreTimeout,
		fulfillmentTimeout: DefaultFulfillmentTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies one verified event. Business-level problems (unknown
// order, missing address, provider rejection) are reported through the
// Outcome and recorded on the order; the error is non-nil only when the
// store could not be read or written.
func (r *Reconciler) Reconcile(ctx context.Context, ev *payments.Event) (Outcome, error) {
	log := r.log.With("event_id", ev.ID, "event_type", ev.RawType, "order_id", ev.OrderID)

	if ev.Type == payments.EventUnrecognized {
		log.Debug("ignoring event")
		return OutcomeIgnored, nil
	}
	if r.marker != "" && ev.Marker != r.marker {
		log.Debug("ignoring event for another integration", "marker", ev.Marker)
		return OutcomeIgnored, nil
	}
	if ev.OrderID == "" {
		log.Warn("event carries no order id")
		return OutcomeUnknownOrder, nil
	}

	order, err := r.getOrder(ctx, ev.OrderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		log.Warn("event for unknown order")
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading order: %w", err)
	}

	var outcome Outcome
	switch ev.Type {
	case payments.EventSessionExpired:
		outcome, err = r.expire(ctx, order)
	case payments.EventSessionCompleted:
		outcome, err = r.complete(ctx, log, order, ev)
	default:
		outcome = OutcomeIgnored
	}
	if err != nil {
		return "", err
	}

	log.Info("event reconciled", "outcome", outcome)
	return outcome, nil
}

func (r *Reconciler) expire(ctx context.Context, order *db.Order) (Outcome, error) {
	if order.Status != fsm.StatusPending {
		return OutcomeNoop, nil
	}
	_, err := r.transition(ctx, order.ID, fsm.StatusPending, fsm.OrderEventExpire, db.Patch{})
	if errors.Is(err, db.ErrStaleState) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", fmt.Errorf("expiring order: %w", err)
	}
	return OutcomeExpired, nil
}

func (r *Reconciler) complete(ctx context.Context, log *slog.Logger, order *db.Order, ev *payments.Event) (Outcome, error) {
	switch order.Status {
	case fsm.StatusPending:
		if ev.PaymentStatus == payments.PaymentStatusUnpaid {
			log.Info("session completed without payment, waiting for async confirmation")
			return OutcomeAwaitingPayment, nil
		}
		if len(order.Items) == 0 {
			log.Warn("order has no items, leaving it pending")
			return OutcomeInvalidItems, nil
		}

		paid, err := r.transition(ctx, order.ID, fsm.StatusPending, fsm.OrderEventPay, patchFromEvent(ev))
		switch {
		case errors.Is(err, db.ErrStaleState):
			return OutcomeNoop, nil
		case errors.Is(err, db.ErrEmptyOrder):
			log.Warn("order has no items, leaving it pending")
			return OutcomeInvalidItems, nil
		case err != nil:
			return "", fmt.Errorf("marking order paid: %w", err)
		}
		order = paid

	case fsm.StatusPaid:
		// Paid but never submitted; a redelivery finishes the job.
	default:
		return OutcomeNoop, nil
	}

	return r.submit(ctx, order)
}

// submit moves a paid order to processing and calls the provider. Only the
// delivery that wins the paid→processing swap reaches the provider.
func (r *Reconciler) submit(ctx context.Context, order *db.Order) (Outcome, error) {
	if !shippable(order.Recipient) {
		return r.fail(ctx, order.ID, fsm.StatusPaid, MarkerMissingAddress)
	}

	processing, err := r.transition(ctx, order.ID, fsm.StatusPaid, fsm.OrderEventSubmit, db.Patch{})
	if errors.Is(err, db.ErrStaleState) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", fmt.Errorf("marking order processing: %w", err)
	}

	return r.createAtProvider(ctx, processing)
}

// createAtProvider calls the provider for an order already in processing and
// records the result. Once the provider has been called the result is
// recorded even if the caller gives up.
func (r *Reconciler) createAtProvider(ctx context.Context, order *db.Order) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	callCtx, cancel := context.WithTimeout(ctx, r.fulfillmentTimeout)
	created, err := r.fulfiller.CreateOrder(callCtx, fulfillmentRequest(order))
	cancel()

	if err != nil {
		r.log.Warn("fulfillment request failed", "order_id", order.ID, "err", err)
		return r.fail(ctx, order.ID, fsm.StatusProcessing, failureMarker(err))
	}
	return r.fulfilled(ctx, order.ID, created)
}

func (r *Reconciler) fulfilled(ctx context.Context, orderID string, created *printful.Order) (Outcome, error) {
	_, err := r.transition(ctx, orderID, fsm.StatusProcessing, fsm.OrderEventFulfill, db.Patch{
		FulfillmentOrderID: &created.ID,
		FulfillmentStatus:  &created.Status,
	})
	if errors.Is(err, db.ErrStaleState) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", fmt.Errorf("recording fulfillment %s: %w", created.ID, err)
	}
	r.log.Info("order fulfilled", "order_id", orderID, "fulfillment_order_id", created.ID)
	return OutcomeFulfilled, nil
}

func (r *Reconciler) fail(ctx context.Context, orderID string, from fsm.Status, marker string) (Outcome, error) {
	_, err := r.transition(ctx, orderID, from, fsm.OrderEventFail, db.Patch{FulfillmentStatus: &marker})
	if errors.Is(err, db.ErrStaleState) {
		return OutcomeNoop, nil
	}
	if err != nil {
		return "", fmt.Errorf("recording failure %q: %w", marker, err)
	}

	r.log.Warn("order failed", "order_id", orderID, "status", marker)
	r.alert(ctx, notify.Alert{OrderID: orderID, Status: string(fsm.StatusError), Detail: marker})
	return OutcomeFailed, nil
}

func (r *Reconciler) alert(ctx context.Context, a notify.Alert) {
	if err := r.notifier.Notify(context.WithoutCancel(ctx), a); err != nil {
		r.log.Warn("operator alert failed", "order_id", a.OrderID, "err", err)
	}
}

func (r *Reconciler) getOrder(ctx context.Context, orderID string) (*db.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.store.GetOrder(ctx, orderID)
}

func (r *Reconciler) transition(ctx context.Context, orderID string, from fsm.Status, event string, patch db.Patch) (*db.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	return r.store.Transition(ctx, orderID, from, event, patch)
}

func patchFromEvent(ev *payments.Event) db.Patch {
	var p db.Patch
	if ev.CustomerEmail != "" {
		p.Email = &ev.CustomerEmail
	}
	if ev.SessionID != "" {
		p.CheckoutSessionID = &ev.SessionID
	}
	p.Shipping = ev.AmountShipping
	p.Total = ev.AmountTotal
	if ev.HasShippingAddress() {
		a := ev.Shipping.Address
		p.Recipient = &db.Recipient{
			Name:       ev.Shipping.Name,
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
	}
	return p
}

func shippable(rc *db.Recipient) bool {
	return rc != nil && rc.Line1 != "" && rc.City != "" && rc.Country != ""
}

func fulfillmentRequest(order *db.Order) printful.Request {
	req := printful.Request{
		ExternalID: order.ID,
		Items:      make([]printful.Item, 0, len(order.Items)),
	}
	if rc := order.Recipient; rc != nil {
		req.Recipient = printful.Recipient{
			Name:       rc.Name,
			Line1:      rc.Line1,
			Line2:      rc.Line2,
			City:       rc.City,
			State:      rc.State,
			PostalCode: rc.PostalCode,
			Country:    rc.Country,
			Email:      order.Email,
		}
	}
	for _, it := range order.Items {
		req.Items = append(req.Items, printful.Item{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return req
}

// failureMarker renders a provider error as "error: transient: ..." or
// "error: permanent: ...".
func failureMarker(err error) string {
	var pErr *printful.Error
	if errors.As(err, &pErr) {
		return "error: " + pErr.Error()
	}
	return "error: permanent: " + err.Error()
}

// IsTransientMarker reports whether a stored fulfillment status records a
// failure that may succeed if retried.
func IsTransientMarker(status string) bool {
	return strings.HasPrefix(status, "error: transient:")
}
