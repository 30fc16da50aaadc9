package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/buildtall-systems/storefront/internal/checkout"
	"github.com/buildtall-systems/storefront/internal/db"
	"github.com/buildtall-systems/storefront/internal/fsm"
	"github.com/buildtall-systems/storefront/internal/payments"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// The signature covers the exact bytes, so read before any parsing.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	ev, err := s.verifier.Verify(body, r.Header.Get(payments.SignatureHeader))
	if err != nil {
		s.log.Warn("rejected webhook", "err", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusBadRequest, "signature verification failed")
		return
	}

	log := s.log.With("event_id", ev.ID, "event_type", ev.RawType, "order_id", ev.OrderID)

	if s.audit != nil && ev.ID != "" {
		deliveries, err := s.audit.RecordWebhookEvent(r.Context(), ev.ID, ev.RawType, ev.OrderID)
		switch {
		case err != nil:
			log.Warn("could not record delivery", "err", err)
		case deliveries > 1:
			log.Info("redelivered event", "deliveries", deliveries)
		}
	}

	outcome, err := s.rec.Reconcile(r.Context(), ev)
	if err != nil {
		log.Error("reconcile failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Debug("webhook handled", "outcome", outcome)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// confirmationOrder is the customer-facing view of an order.
type confirmationOrder struct {
	ID                 string         `json:"id"`
	Status             fsm.Status     `json:"status"`
	Email              string         `json:"email"`
	Items              []db.OrderItem `json:"items"`
	Subtotal           int64          `json:"subtotal"`
	Shipping           int64          `json:"shipping"`
	Total              int64          `json:"total"`
	FulfillmentOrderID string         `json:"fulfillmentOrderId,omitempty"`
}

type confirmationResponse struct {
	Session *checkout.Session  `json:"session"`
	Order   *confirmationOrder `json:"order"`
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := s.sessions.GetSession(r.Context(), sessionID)
	if errors.Is(err, checkout.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.log.Warn("session lookup failed", "session_id", sessionID, "err", err)
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
		return
	}

	resp := confirmationResponse{Session: session}

	// The webhook may not have arrived yet; the page polls until it has.
	if session.OrderID != "" && s.orders != nil {
		order, err := s.orders.GetOrder(r.Context(), session.OrderID)
		switch {
		case errors.Is(err, db.ErrOrderNotFound):
		case err != nil:
			s.log.Error("order lookup failed", "order_id", session.OrderID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		default:
			resp.Order = &confirmationOrder{
				ID:                 order.ID,
				Status:             order.Status,
				Email:              order.Email,
				Items:              order.Items,
				Subtotal:           order.Subtotal,
				Shipping:           order.Shipping,
				Total:              order.Total,
				FulfillmentOrderID: order.FulfillmentOrderID,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
