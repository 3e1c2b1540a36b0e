// ABOUTME: HTTP routing and request middleware for the chatgate API
// ABOUTME: Mounts health, auth, chat, session, admin and metrics routes on a chi router

package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/chatgate/internal/auth"
	"github.com/2389/chatgate/internal/metrics"
	"github.com/2389/chatgate/internal/ratelimit"
)

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.Handler())
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.tokens, g.verifier, g.policy, g.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", g.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)

			r.Get("/servers", g.handleServers)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireUserHTTP())

				r.Post("/logout", g.handleLogout)
				r.Get("/me", g.handleMe)

				r.Get("/sessions", g.handleListSessions)
				r.Get("/sessions/{id}/messages", g.handleListMessages)
				r.Delete("/sessions/{id}", g.handleDeleteSession)

				r.With(g.admission).Post("/chat", g.handleChat)
				r.With(g.admission).Post("/tools/confirm", g.handleConfirmTool)
			})

			// Operator routes skip admission so the breaker can be reset while tripped.
			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireAdminHTTP())

				r.Get("/status", g.handleAdminStatus)
				r.Post("/degraded/reset", g.handleResetDegraded)
				r.Post("/concurrency/reset", g.handleResetConcurrency)
				r.Get("/audit", g.handleAuditLog)
				r.Get("/invocations", g.handleToolInvocations)
			})
		})
	})

	return r
}

// requestLogger logs one line per request with status and duration.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// admission reserves a concurrency slot for the authenticated user and
// releases it when the handler returns, panics included.
func (g *Gateway) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := auth.MustFromContext(r.Context())

		release, err := g.limiter.Admit(authCtx.Username, false)
		if err != nil {
			g.sendAdmissionError(w, err)
			return
		}
		defer release()

		next.ServeHTTP(w, r)
	})
}

// sendAdmissionError maps a limiter refusal onto a status code.
func (g *Gateway) sendAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrDegraded):
		metrics.AdmissionRejectionsTotal.WithLabelValues("degraded").Inc()
		g.sendJSONError(w, http.StatusServiceUnavailable, "service degraded")
	case errors.Is(err, ratelimit.ErrTooManyConcurrent):
		metrics.AdmissionRejectionsTotal.WithLabelValues("concurrency").Inc()
		g.sendJSONError(w, http.StatusTooManyRequests, "too many concurrent requests")
	default:
		g.logger.Error("admission failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
