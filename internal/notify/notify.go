// Package notify delivers operator alerts when an order needs attention.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Alert describes an order that landed somewhere an operator should look at.
type Alert struct {
	OrderID string
	Status  string
	Detail  string
	At      time.Time
}

// Message renders the alert as a plain-text DM body.
func (a Alert) Message() string {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := fmt.Sprintf("order %s is %s", a.OrderID, a.Status)
	if a.Detail != "" {
		msg += "\n" + a.Detail
	}
	return msg + "\n" + at.UTC().Format(time.RFC3339)
}

// Notifier delivers alerts. Callers treat failures as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }
