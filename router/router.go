package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/labiium/edurouter-go/config"
	"github.com/labiium/edurouter-go/handler"
	gwmw "github.com/labiium/edurouter-go/middleware"
	"github.com/labiium/edurouter-go/ratelimit"
)

// NewRouter returns a configured chi Router with the full middleware chain
// and every route-plan API endpoint mounted.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, api *handler.API, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	// 1. CORS — must be first so preflight responses succeed
	r.Use(gwmw.CORSMiddleware([]string{"*"}))

	// 2. Security headers
	r.Use(gwmw.SecurityHeadersMiddleware)

	// 3. Request ID injection (chi built-in)
	r.Use(chimw.RequestID)

	// 4. Panic recovery
	r.Use(chimw.Recoverer)

	// 5. Request logger
	r.Use(mwRequestLogger(appLogger))

	// 6. Admission-control rate limiting
	r.Use(gwmw.NewRateLimit(limiter, appLogger, cfg.RateLimitEnabled).Handler)

	// 7. Body size limit
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health and observability endpoints (no rate limit bypass needed) ---
	r.Get("/healthz", api.Healthz)
	r.Get("/metrics", api.MetricsHandler)

	// --- Route-plan API ---
	r.Post("/route/plan", api.Plan)
	r.Post("/route/feedback", api.Feedback)
	r.Get("/capabilities", api.Capabilities)
	r.Get("/catalog/models", api.CatalogModels)
	r.Get("/policy", api.Policy)
	r.Get("/stats", api.Stats)

	// --- Admin endpoints: reload live policy/catalog/overlays ---
	r.Route("/admin", func(r chi.Router) {
		r.Post("/policy", api.AdminReloadPolicy)
		r.Post("/catalog", api.AdminReloadCatalog)
		r.Post("/overlays/reload", api.AdminReloadOverlays)
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024 // default 1MB
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("ROUTER_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
