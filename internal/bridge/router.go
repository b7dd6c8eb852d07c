package bridge

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/httpx"
)

// Handler builds the full route tree. Health and metrics are public; the
// MCP, hub, and admin subtrees sit behind bearer authentication, with the
// rate limiter scoped to /mcp so admin recovery is never rate-limited
// behind tool traffic.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.correlation)
	r.Use(s.accessLog)
	r.Use(s.corsHandler())

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))

	r.Mount("/auth", s.authAPI.Routes())
	r.Mount("/tokens", s.authAPI.TokenRoutes())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.auth))

		r.Route("/mcp", func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/", s.handleRPC)
			r.Delete("/", s.handleSessionDelete)
			r.Get("/status", s.handleStatus)
			r.Post("/initialize", s.handleInitialize)
			r.Post("/tools/list", s.handleToolsList)
			r.Post("/tools/call", s.handleToolsCall)
		})

		r.Mount("/hubs", s.hubRoutes())

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Mount("/admin", s.adminRoutes())
		})
	})
	return r
}

// mustIdentity is for handlers mounted behind auth.Middleware, where a
// missing identity is a programming error.
func mustIdentity(r *http.Request) *auth.Identity {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		panic("bridge: handler reached without identity")
	}
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) corsHandler() func(http.Handler) http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			headerSessionID, headerMCPSessionID,
			headerPriority, headerTimeout, headerRequestID,
		},
		ExposedHeaders: []string{
			headerSessionID, headerMCPSessionID, headerRequestID,
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
			"Retry-After",
		},
		MaxAge: 300,
	}).Handler
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)

		logger := log.Ctx(r.Context())
		evt := logger.Info()
		if ww.Status() >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", s.clock.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}
