// Package api exposes the engine over HTTP. The surface is a small
// JSON API intended for the CLI and for automation; it binds to
// localhost unless configured otherwise.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wgsteward/internal/engine"
	"wgsteward/internal/logging"
	"wgsteward/internal/metrics"
	"wgsteward/internal/ratelimit"
)

// Server routes API requests to the engine.
type Server struct {
	engine  *engine.Engine
	log     *logging.Logger
	commits *ratelimit.Limiter
}

func NewServer(eng *engine.Engine, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		engine: eng,
		log:    log.WithComponent("api"),
		// 1/s sustained, burst of 5, per remote address.
		commits: ratelimit.NewLimiter(1, 5, nil),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/commit/preview", s.handlePreview)
	mux.HandleFunc("POST /api/commit", s.rateLimited(s.handleCommit))
	mux.HandleFunc("POST /api/commit/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/commit/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /api/networks", s.handleListNetworks)
	mux.HandleFunc("POST /api/networks", s.handleCreateNetwork)
	mux.HandleFunc("DELETE /api/networks/{id}", s.handleDeleteNetwork)

	mux.HandleFunc("GET /api/clients", s.handleListClients)
	mux.HandleFunc("POST /api/clients", s.handleCreateClient)
	mux.HandleFunc("PUT /api/clients/{id}", s.handleUpdateClient)
	mux.HandleFunc("DELETE /api/clients/{id}", s.handleDeleteClient)
	mux.HandleFunc("GET /api/clients/{id}/config", s.handleClientConfig)

	mux.HandleFunc("GET /api/rules", s.handleListRules)
	mux.HandleFunc("POST /api/rules", s.handleCreateRule)
	mux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)

	mux.HandleFunc("PUT /api/server", s.handleSetServer)

	mux.HandleFunc("GET /api/audit", s.handleAuditLog)

	mux.Handle("GET /metrics", promhttp.Handler())

	return s.instrument(mux)
}

// rateLimited rejects requests from callers that exceed the commit
// budget, keyed by remote address.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.commits.Allow(host) {
			s.log.Warn("commit rate limit exceeded", "remote", host)
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// instrument logs each request and counts it per route and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if p := r.Pattern; p != "" {
			route = p
		}
		metrics.Get().APIRequests.WithLabelValues(route, fmt.Sprintf("%d", rw.status)).Inc()
		s.log.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", rw.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
