package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/storefront/internal/db"
	"github.com/buildtall-systems/storefront/internal/fsm"
	"github.com/buildtall-systems/storefront/internal/printful"
)

// ErrNotRetryable indicates an order that Retry refuses to resubmit.
var ErrNotRetryable = errors.New("order is not retryable")

// MarkerInterrupted is stored on orders found stuck in processing with no
// provider order behind them.
const MarkerInterrupted = "error: transient: interrupted before provider confirmation"

// Retry resubmits an order in error. Without force only transient failures
// are retried. The provider is checked first so an order it already holds is
// recorded rather than created twice.
func (r *Reconciler) Retry(ctx context.Context, orderID string, force bool) (Outcome, error) {
	order, err := r.getOrder(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("loading order %s: %w", orderID, err)
	}

	if order.Status != fsm.StatusError {
		return "", fmt.Errorf("%w: status is %s", ErrNotRetryable, order.Status)
	}
	if !force && !IsTransientMarker(order.FulfillmentStatus) {
		return "", fmt.Errorf("%w: %q is not a transient failure (force required)", ErrNotRetryable, order.FulfillmentStatus)
	}
	if !shippable(order.Recipient) {
		return "", fmt.Errorf("%w: no shipping address on file", ErrNotRetryable)
	}

	existing, lookupErr := r.lookup(ctx, orderID)
	if lookupErr != nil && !errors.Is(lookupErr, printful.ErrOrderNotFound) {
		return "", fmt.Errorf("checking provider for %s: %w", orderID, lookupErr)
	}

	cleared := ""
	processing, err := r.transition(ctx, orderID, fsm.StatusError, fsm.OrderEventRetry, db.Patch{FulfillmentStatus: &cleared})
	if err != nil {
		return "", fmt.Errorf("reopening order %s: %w", orderID, err)
	}
	r.log.Info("retrying order", "order_id", orderID, "force", force)

	if existing != nil {
		return r.fulfilled(ctx, orderID, existing)
	}
	return r.createAtProvider(ctx, processing)
}

// Resolution reports what ResolveStuck did with one order.
type Resolution struct {
	OrderID string
	Outcome Outcome
	Err     error
}

// ResolveStuck settles orders left in processing for longer than olderThan,
// typically by a crash between the provider call and the ledger write. Each
// is looked up at the provider: found means fulfilled, absent means a
// transient error an operator can retry. Lookup failures leave the order
// untouched.
func (r *Reconciler) ResolveStuck(ctx context.Context, olderThan time.Duration) ([]Resolution, error) {
	listCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	stuck, err := r.store.ListStuckOrders(listCtx, olderThan)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("listing stuck orders: %w", err)
	}

	results := make([]Resolution, 0, len(stuck))
	for _, o := range stuck {
		res := Resolution{OrderID: o.ID}

		existing, err := r.lookup(ctx, o.ID)
		switch {
		case err == nil:
			res.Outcome, res.Err = r.fulfilled(ctx, o.ID, existing)
		case errors.Is(err, printful.ErrOrderNotFound):
			res.Outcome, res.Err = r.fail(ctx, o.ID, fsm.StatusProcessing, MarkerInterrupted)
		default:
			res.Err = fmt.Errorf("checking provider: %w", err)
		}

		if res.Err != nil {
			r.log.Warn("could not resolve stuck order", "order_id", o.ID, "err", res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Reconciler) lookup(ctx context.Context, orderID string) (*printful.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, r.fulfillmentTimeout)
	defer cancel()
	return r.fulfiller.GetOrderByExternalID(ctx, orderID)
}
