package api

import (
	"context"
	"net/http"
	"time"

	// Registers the generated API definitions with swag.
	_ "alma/backend/docs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"alma/backend/internal/interfaces"
	"alma/backend/internal/metrics"
)

// RouterOptions configures the cross-cutting parts of the router.
type RouterOptions struct {
	OwnerScope string
	JWTSecret  []byte
	// RequestTimeout bounds every API request. It must exceed the provider
	// timeout of both providers together.
	RequestTimeout time.Duration
	StoreName      string
}

// NewRouter creates a chi router with all the application's routes.
func NewRouter(h *ConversationHandler, health interfaces.HealthChecker, m *metrics.Metrics, opts RouterOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware(m))

	r.Get("/api/swagger/*", httpSwagger.WrapHandler)
	r.Handle("/metrics", m.Handler())
	r.Get("/healthz", healthHandler(health, opts.StoreName))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		r.Use(OwnerMiddleware(opts.OwnerScope, opts.JWTSecret))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.CreateConversation)
			r.Get("/", h.ListConversations)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", h.DeleteConversation)
				r.Put("/title", h.UpdateTitle)
				r.Get("/messages", h.GetMessages)
				r.Post("/messages", h.SendMessage)
				r.Get("/history", h.GetHistory)
			})
		})
	})

	return r
}

// healthHandler reports whether the storage backend answers.
func healthHandler(health interfaces.HealthChecker, store string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Store: store, Time: time.Now().UTC()}
		if err := health.Ping(ctx); err != nil {
			resp.Status = "unavailable"
			respondWithJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		respondWithJSON(w, http.StatusOK, resp)
	}
}
