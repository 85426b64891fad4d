// Package httpserver hosts the signaling WebSocket endpoint alongside the
// service's operational surface: health and readiness probes, a version
// endpoint, Prometheus counters and the ICE server list for clients.
package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/turnrest"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Pinger reports whether the backing document store is reachable. readyz
// fails while it errors.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	log       *slog.Logger
	cfg       config.Config
	build     BuildInfo
	store     Pinger
	turnCreds *turnrest.Generator

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, store Pinger, m *metrics.Metrics) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		store: store,
		mux:   http.NewServeMux(),
	}
	if cfg.TURNRestSecret != "" {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNRestSecret,
			TTL:            cfg.TURNRestTTL,
			UsernamePrefix: "parlor",
		})
		if err != nil {
			// Config validation catches bad values before this point.
			logger.Error("configure turn credentials", "err", err)
		} else {
			s.turnCreds = gen
		}
	}

	s.registerRoutes(m)

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
		// No read/write timeouts: /ws connections are long-lived.
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes
// (the signaling endpoint mounts here). Only valid before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(m *metrics.Metrics) {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if s.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.store.Ping(ctx); err != nil {
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	// Clients fetch the STUN/TURN list before constructing a peer
	// connection. With a TURN REST secret configured, static TURN
	// credentials are replaced by short-lived minted ones.
	s.mux.HandleFunc("GET /webrtc/ice", s.handleICEConfig)

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
}

func (s *Server) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers

	if s.turnCreds != nil {
		creds, err := s.turnCreds.GenerateRandom()
		if err != nil {
			s.log.Error("mint turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to generate TURN credentials"})
			return
		}

		minted := make([]webrtc.ICEServer, len(servers))
		copy(minted, servers)
		for i, server := range minted {
			if !isTURNServer(server) {
				continue
			}
			minted[i].Username = creds.Username
			minted[i].Credential = creds.Credential
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": minted,
			"expiresAt":  creds.ExpiryUnix,
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func isTURNServer(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:") {
			return true
		}
	}
	return false
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection even though
// the logging middleware wraps the ResponseWriter.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
