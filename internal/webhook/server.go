// Package webhook exposes the payment webhook and the order confirmation
// read path over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/buildtall-systems/storefront/internal/checkout"
	"github.com/buildtall-systems/storefront/internal/db"
	"github.com/buildtall-systems/storefront/internal/payments"
	"github.com/buildtall-systems/storefront/internal/reconcile"
)

// MaxBodyBytes caps the webhook payload size.
const MaxBodyBytes = 1 << 20

// DefaultRequestTimeout bounds one request end to end.
const DefaultRequestTimeout = 30 * time.Second

// Reconciler applies verified events to orders.
type Reconciler interface {
	Reconcile(ctx context.Context, ev *payments.Event) (reconcile.Outcome, error)
}

// AuditLog records webhook deliveries.
type AuditLog interface {
	RecordWebhookEvent(ctx context.Context, eventID, eventType, orderID string) (int, error)
}

// OrderReader loads orders for the confirmation page.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
}

// SessionReader fetches checkout sessions from the payment provider.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*checkout.Session, error)
}

// Deps wires a Server. Audit and Sessions are optional; without Sessions the
// confirmation route is not mounted.
type Deps struct {
	Verifier       *payments.Verifier
	Reconciler     Reconciler
	Audit          AuditLog
	Orders         OrderReader
	Sessions       SessionReader
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

type Server struct {
	verifier *payments.Verifier
	rec      Reconciler
	audit    AuditLog
	orders   OrderReader
	sessions SessionReader
	log      *slog.Logger
	timeout  time.Duration
}

func New(d Deps) *Server {
	s := &Server{
		verifier: d.Verifier,
		rec:      d.Reconciler,
		audit:    d.Audit,
		orders:   d.Orders,
		sessions: d.Sessions,
		log:      d.Logger,
		timeout:  d.RequestTimeout,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultRequestTimeout
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhook", s.handleWebhook)
	r.Route("/api/store", func(r chi.Router) {
		r.Post("/webhook", s.handleWebhook)
		if s.sessions != nil {
			r.Get("/orders/confirmation", s.handleConfirmation)
		}
	})

	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
