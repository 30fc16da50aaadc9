package fsm

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusFulfilled  Status = "fulfilled"
	StatusError      Status = "error"
	StatusExpired    Status = "expired"
)

// Statuses lists every order status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusPaid,
	StatusProcessing,
	StatusFulfilled,
	StatusError,
	StatusExpired,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no reconciliation event can move s forward.
// Error is terminal for webhooks; only the operator retry event leaves it.
func (s Status) Terminal() bool {
	return s == StatusFulfilled || s == StatusError || s == StatusExpired
}

func (s Status) String() string {
	return string(s)
}

const (
	OrderEventPay     = "pay"
	OrderEventExpire  = "expire"
	OrderEventSubmit  = "submit"
	OrderEventFail    = "fail"
	OrderEventFulfill = "fulfill"
	OrderEventRetry   = "retry" // operator only
)
