/**
 * @description
 * HTTP router setup for the benefit service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/bnp/benefit-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new Chi router and registers the benefit routes behind auth.
func NewRouter(h *Handler, auth func(http.Handler) http.Handler, m *metrics.Metrics, log *logrus.Entry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestMetrics(m, log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/benefit", func(r chi.Router) {
		r.Use(auth)

		r.Get("/events", h.handleListEvents)
		r.Get("/{beneficiaryId}", h.handleListBenefits)
		r.Post("/{beneficiaryId}/assign", h.handleAssign)
		r.Post("/{beneficiaryId}/activate", h.handleActivate)
		r.Post("/{beneficiaryId}/deactivate", h.handleDeactivate)
		r.Post("/{beneficiaryId}/reactivate", h.handleReactivate)
		r.Post("/{beneficiaryId}/voucher/{benefitId}/renew", h.handleRenewVoucher)
		r.Post("/{beneficiaryId}/reconcile", h.handleReconcile)
	})

	return r
}
