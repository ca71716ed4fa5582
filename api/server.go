/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and the operational routes.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request
  2. Logger:     Request logging through zerolog
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Ops dashboard origins from HTTP_ALLOWED_ORIGINS

ROUTES:
  /healthz, /readyz     Probes
  /api/admin/sweeps     Hold sweeper status and trigger

SECURITY NOTE:
  No authentication middleware. Bind to a private interface or put the
  server behind the platform's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/sweeps", h.GetSweeps)
		r.Post("/sweeps", h.TriggerSweep)
	})

	return r
}

// requestLogger logs one line per request with chi's request id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
