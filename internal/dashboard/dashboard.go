// Package dashboard serves the bot's operator surface: health and
// status JSON, the Prometheus scrape, trade and signal queries, the
// emergency stop, and a websocket feed of lifecycle events. The server
// binds localhost by default and every API response is JSON.
package dashboard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/metrics"
	"github.com/vtrpza/bingxv3/internal/store"
	"github.com/vtrpza/bingxv3/internal/trading"
)

// Engine is the trading surface the server reads and drives.
type Engine interface {
	Stats() trading.Stats
	EmergencyStopAll(ctx context.Context) []trading.SymbolOutcome
}

// StatusFunc returns one component's point-in-time snapshot for
// /api/status. The result must marshal to JSON.
type StatusFunc func() interface{}

// CheckFunc is a named readiness probe run on every /health call.
type CheckFunc func(ctx context.Context) CheckResult

// Deps wires the bot's components into the server. Trades and Signals
// back the query endpoints; Health, Engine, Registry and Hub may be
// nil, which disables the routes they serve.
type Deps struct {
	Trades   store.TradesRepo
	Signals  store.SignalsRepo
	Health   store.RepositoryHealth
	Engine   Engine
	Registry *metrics.Registry
	Hub      *Hub
	Logger   zerolog.Logger
	Version  string
}

// Server is the dashboard HTTP/WS server.
type Server struct {
	cfg    config.DashboardConfig
	deps   Deps
	log    zerolog.Logger
	router *mux.Router
	srv    *http.Server
	hub    *Hub
	start  time.Time

	mu       sync.RWMutex
	statuses map[string]StatusFunc
	checks   map[string]CheckFunc
}

// New builds the server and its routes. It does not bind the port;
// Run does.
func New(cfg config.DashboardConfig, deps Deps) (*Server, error) {
	if deps.Trades == nil || deps.Signals == nil {
		return nil, errors.New("dashboard: trades and signals repositories are required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8090
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Logger, deps.Registry)
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With().Str("component", "dashboard").Logger(),
		router:   mux.NewRouter(),
		hub:      hub,
		start:    time.Now(),
		statuses: make(map[string]StatusFunc),
		checks:   make(map[string]CheckFunc),
	}
	s.routes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the websocket route owns long writes
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// RegisterStatus adds a named component snapshot to /api/status.
func (s *Server) RegisterStatus(name string, fn StatusFunc) {
	s.mu.Lock()
	s.statuses[name] = fn
	s.mu.Unlock()
}

// RegisterCheck adds a named readiness probe to /health.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// Hub returns the event hub so the app can hand it to publishers as
// their stream.Broadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Run serves until ctx is cancelled, then drains connections for up to
// five seconds and closes the websocket hub.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("Dashboard listening")
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		s.log.Warn().Err(err).Msg("Dashboard shutdown timed out, closing")
		_ = s.srv.Close()
	}
	s.hub.Close()
	<-errc
	s.log.Info().Msg("Dashboard stopped")
	return nil
}

func (s *Server) routes() {
	s.router.Use(s.requestID, s.accessLog, s.cors)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", s.deps.Registry.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.jsonType, s.timeout)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/signals", s.handleSignals).Methods(http.MethodGet)
	api.HandleFunc("/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)

	s.router.NotFoundHandler = s.plainError(http.StatusNotFound, "route not found")
	s.router.MethodNotAllowedHandler = s.plainError(http.StatusMethodNotAllowed, "method not allowed")
}

type ctxKey int

const requestIDKey ctxKey = iota

// requestID tags each request so log lines and error bodies correlate.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.code).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

// cors admits browser calls from localhost UIs only.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) plainError(code int, msg string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, r, code, msg)
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// statusWriter captures the response code for the access log. It
// forwards Hijack so the websocket upgrade on /ws still works behind
// the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("dashboard: response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
