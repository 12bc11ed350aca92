package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tannerhall/conduit/internal/dispatch"
	"github.com/tannerhall/conduit/internal/runtime"
	"github.com/tannerhall/conduit/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router      *chi.Mux
	store       store.Store
	dispatcher  *dispatch.Dispatcher
	broker      *dispatch.EventBroker
	backend     runtime.Runtime
	backendName string
	resolve     dispatch.ImageResolver
	logger      *slog.Logger
	addr        string
}

// NewServer creates and configures a new HTTP server. backendName is the
// configured runtime backend identity recorded on provisioned runtimes.
func NewServer(addr string, s store.Store, d *dispatch.Dispatcher, b *dispatch.EventBroker, rt runtime.Runtime, backendName string, resolve dispatch.ImageResolver, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		store:       s,
		dispatcher:  d,
		broker:      b,
		backend:     rt,
		backendName: backendName,
		resolve:     resolve,
		logger:      logger,
		addr:        addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
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

	// Inbound webhooks accept any method; ownership and method matching
	// happen against the stored webhook key.
	s.router.HandleFunc("/webhook/*", s.handleWebhook)
	s.router.HandleFunc("/webhook", s.handleWebhook)

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Post("/v1/workflows/{id}/run", s.handleRunWorkflow)
	s.router.Post("/v1/workflows/{id}/deployments", s.handleCreateDeployment)
	s.router.Post("/v1/invocations/callback", s.handleInvocationCallback)

	s.router.Route("/v1/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/logs", s.handleGetExecutionLogs)
	})

	s.router.Route("/v1/runtimes", func(r chi.Router) {
		r.Post("/", s.handleCreateRuntime)
		r.Get("/{id}/status", s.handleGetRuntimeStatus)
		r.Delete("/{id}", s.handleDeleteRuntime)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
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
		)
	})
}
