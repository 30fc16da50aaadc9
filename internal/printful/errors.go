package printful

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound indicates the provider has no order for the external id.
var ErrOrderNotFound = errors.New("fulfillment order not found")

// ErrInvalidRequest indicates a request failed local shape checks and was never sent.
var ErrInvalidRequest = errors.New("invalid fulfillment request")

// Error is a failed provider call. Transient errors (network, timeout, 429,
// 5xx, unparseable success) may succeed on a later attempt; the rest will not.
type Error struct {
	Transient  bool
	StatusCode int // 0 when no response was received
	Msg        string
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", kind, e.StatusCode, e.Msg)
	}
	return kind + ": " + e.Msg
}

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var pErr *Error
	return errors.As(err, &pErr) && pErr.Transient
}
