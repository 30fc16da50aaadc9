package payments

import (
	"github.com/tidwall/gjson"
)

// EventType is the reconciler-facing classification of a payment event.
type EventType string

const (
	EventSessionCompleted EventType = "session_completed"
	EventSessionExpired   EventType = "session_expired"
	EventUnrecognized     EventType = "unrecognized"
)

// Provider event names mapped onto EventType.
var eventTypes = map[string]EventType{
	"checkout.session.completed":               EventSessionCompleted,
	"checkout.session.async_payment_succeeded": EventSessionCompleted,
	"checkout.session.expired":                 EventSessionExpired,
}

// Payment statuses reported on a checkout session.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// Address is a postal address as collected at checkout.
type Address struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Complete reports whether the address has enough to ship to.
func (a Address) Complete() bool {
	return a.Line1 != "" && a.City != "" && a.Country != ""
}

// Shipping is the recipient collected at checkout.
type Shipping struct {
	Name    string
	Address Address
}

// Event is a verified payment event. Optional fields are nil when the payload
// omits them or carries a value of the wrong type.
type Event struct {
	ID             string
	RawType        string
	Type           EventType
	SessionID      string
	OrderID        string
	Marker         string
	CustomerEmail  string
	AmountTotal    *int64
	AmountShipping *int64
	Shipping       *Shipping
	PaymentStatus  string
}

// HasShippingAddress reports whether the event carries a usable address.
func (e *Event) HasShippingAddress() bool {
	return e.Shipping != nil && e.Shipping.Address.Complete()
}

// Decode extracts an Event from an event envelope. It never fails: invalid
// JSON or unexpected shapes yield EventUnrecognized or absent fields.
func Decode(payload []byte) *Event {
	if !gjson.ValidBytes(payload) {
		return &Event{Type: EventUnrecognized}
	}

	root := gjson.ParseBytes(payload)
	ev := &Event{
		ID:      str(root.Get("id")),
		RawType: str(root.Get("type")),
	}
	ev.Type = eventTypes[ev.RawType]
	if ev.Type == "" {
		ev.Type = EventUnrecognized
	}

	obj := root.Get("data.object")
	if !obj.IsObject() {
		ev.Type = EventUnrecognized
		return ev
	}

	ev.SessionID = str(obj.Get("id"))
	ev.OrderID = str(obj.Get("metadata.orderId"))
	ev.Marker = str(obj.Get("metadata.type"))
	ev.PaymentStatus = str(obj.Get("payment_status"))
	ev.AmountTotal = integer(obj.Get("amount_total"))
	ev.AmountShipping = integer(obj.Get("total_details.amount_shipping"))

	ev.CustomerEmail = str(obj.Get("customer_details.email"))
	if ev.CustomerEmail == "" {
		ev.CustomerEmail = str(obj.Get("customer_email"))
	}

	details := obj.Get("shipping_details")
	if !details.IsObject() {
		details = obj.Get("collected_information.shipping_details")
	}
	ev.Shipping = shipping(details)

	return ev
}

func shipping(details gjson.Result) *Shipping {
	if !details.IsObject() {
		return nil
	}
	addr := details.Get("address")
	if !addr.IsObject() {
		return nil
	}
	return &Shipping{
		Name: str(details.Get("name")),
		Address: Address{
			Line1:      str(addr.Get("line1")),
			Line2:      str(addr.Get("line2")),
			City:       str(addr.Get("city")),
			State:      str(addr.Get("state")),
			PostalCode: str(addr.Get("postal_code")),
			Country:    str(addr.Get("country")),
		},
	}
}

func str(r gjson.Result) string {
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}

func integer(r gjson.Result) *int64 {
	if r.Type != gjson.Number {
		return nil
	}
	n := r.Int()
	return &n
}
