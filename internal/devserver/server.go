package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	msgUnavailable = "The service is temporarily unavailable. Try again later."
)

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// Server wraps the chi router and the emulated service state.
type Server struct {
	router *chi.Mux
	engine *Engine
	keys   *KeyStore
	store  store.Store
	logger *slog.Logger
	addr   string

	unavailable atomic.Int64
}

// NewServer creates and configures the dev server. st may be nil, in which
// case the /_dev journal routes answer 404.
func NewServer(addr string, eng *Engine, keys *KeyStore, st store.Store, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		engine: eng,
		keys:   keys,
		store:  st,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(srv.metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/_dev", func(r chi.Router) {
		r.Get("/functions", s.handleListFunctions)
		r.Get("/stats", s.handleGetStats)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{exec}", s.handleGetExecution)
		r.Get("/executions/{exec}/logs", s.handleGetLogHistory)
	})

	s.router.Route("/{author}/{function}", func(r chi.Router) {
		r.Use(s.unavailableMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAPIKey)
			r.Get("/", s.handleGetFunction)
			r.Post("/executions", s.handleCreateExecution)
			r.Route("/executions/{exec}", func(r chi.Router) {
				r.Get("/", s.handleGetExecutionInfo)
				r.Delete("/", s.handleDeleteExecution)
				r.Post("/input/{input}", s.handleUploadInput)
				r.Post("/start", s.handleStartExecution)
				r.Post("/stop", s.handleStopExecution)
				r.Get("/output/{output}", s.handleGetOutput)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireMasterKey)
			r.Get("/api_keys", s.handleListAPIKeys)
			r.Post("/api_keys", s.handleCreateAPIKey)
			r.Delete("/api_keys/{name}", s.handleDeleteAPIKey)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// InjectUnavailable makes the next n function service requests fail with 503.
func (s *Server) InjectUnavailable(n int) {
	s.unavailable.Store(int64(n))
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.engine.Shutdown()

	s.logger.Info("dev server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"client_request_id", r.Header.Get("X-Request-Id"),
		)
	})
}

// unavailableMiddleware answers 503 while injected failures remain.
func (s *Server) unavailableMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.takeUnavailable() {
			injectedFailures.WithLabelValues(s.functionLabel(r)).Inc()
			s.writeError(w, http.StatusServiceUnavailable, msgUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) takeUnavailable() bool {
	for {
		n := s.unavailable.Load()
		if n <= 0 {
			return false
		}
		if s.unavailable.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// requireAPIKey authorizes function and execution calls.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := s.keys.Authorize(functionUID(r), bearerToken(r))
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtxKey, key)))
	})
}

// requireMasterKey authorizes key management calls.
func (s *Server) requireMasterKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.keys.IsMaster(bearerToken(r)) {
			s.writeError(w, http.StatusUnauthorized, "Invalid master key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func functionUID(r *http.Request) string {
	return chi.URLParam(r, "author") + "/" + chi.URLParam(r, "function")
}

func apiKeyFrom(r *http.Request) model.APIKey {
	key, _ := r.Context().Value(apiKeyCtxKey).(model.APIKey)
	return key
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes an error body in the service's format.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"errorMessage": message})
}
