// Package api assembles the gateway's HTTP surface: health, stats, and
// webhook ingestion.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hearthmail/gateway/internal/inbound"
	"github.com/hearthmail/gateway/internal/orchestrator"
	"github.com/hearthmail/gateway/internal/pkg/httputil"
	"github.com/hearthmail/gateway/internal/ratelimit"
	"github.com/hearthmail/gateway/internal/store"
)

// SetupRoutes configures the router. limiter may be nil to disable
// throttling (tests, dev).
func SetupRoutes(health *HealthChecker, webhooks *inbound.WebhookHandler, orch *orchestrator.Orchestrator, st *store.MemStore, limiter *ratelimit.Limiter, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", inbound.SignatureHeader},
			MaxAge:         300,
		}))
	}

	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	r.Get("/health", health.HandleHealth)

	// Operational counters only; no message content ever appears here.
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		httputil.OK(w, map[string]any{
			"pipeline": orch.Stats(),
			"store":    st.Stats(),
		})
	})

	webhooks.Mount(r)

	return r
}
