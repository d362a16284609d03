package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pixelbrain/internal/monitor"
	"github.com/mattjoyce/pixelbrain/internal/session"
	"github.com/mattjoyce/pixelbrain/internal/store"
)

// Chat is the generation session surface the API drives.
type Chat interface {
	Submit(prompt string) (session.Session, error)
	Cancel() bool
	Snapshot() session.Snapshot
	Subscribe() *session.Subscription
}

// Connectivity reports inference server reachability.
type Connectivity interface {
	State() monitor.ConnectivityState
	Subscribe() (<-chan monitor.ConnectivityState, func())
}

// Generations reads the generation log.
type Generations interface {
	GetByID(ctx context.Context, id string) (*store.Generation, error)
	List(ctx context.Context, limit int) ([]*store.Generation, error)
}

// Config holds API server configuration.
type Config struct {
	Listen                  string
	Token                   string
	StreamHeartbeatInterval time.Duration
	StoppedMarker           string
	// Upstream is the inference server base URL that /api/generate and
	// /api/tags are proxied to. Empty disables the proxy.
	Upstream string
}

// Server represents the HTTP API server.
type Server struct {
	config      Config
	chat        Chat
	conn        Connectivity
	generations Generations
	proxy       *httputil.ReverseProxy
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
}

// New creates a new API server instance.
func New(config Config, chat Chat, conn Connectivity, generations Generations, logger *slog.Logger) (*Server, error) {
	if config.StreamHeartbeatInterval <= 0 {
		config.StreamHeartbeatInterval = 15 * time.Second
	}
	s := &Server{
		config:      config,
		chat:        chat,
		conn:        conn,
		generations: generations,
		logger:      logger,
		startedAt:   time.Now(),
	}
	if config.Upstream != "" {
		target, err := url.Parse(config.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url: %w", err)
		}
		s.proxy = s.newProxy(target)
	}
	return s, nil
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE and proxied generations are long-lived streams.
		IdleTimeout:  60 * time.Second,
		// Request contexts end with ctx so event streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "proxy", s.proxy != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/v1/chat", s.handleGetChat)
		r.Post("/v1/chat", s.handleSubmit)
		r.Post("/v1/chat/cancel", s.handleCancel)
		r.Get("/v1/chat/events", s.handleChatEvents)
		r.Get("/v1/connectivity", s.handleConnectivity)
		r.Get("/v1/generations", s.handleListGenerations)
		r.Get("/v1/generations/{generation_id}", s.handleGetGeneration)

		if s.proxy != nil {
			r.Post("/api/generate", s.proxy.ServeHTTP)
			r.Get("/api/tags", s.proxy.ServeHTTP)
		}
	})

	return r
}

// newProxy forwards inference calls to target unbuffered so NDJSON chunks
// reach the client as the server emits them.
func (s *Server) newProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("proxy request failed", "path", r.URL.Path, "error", err)
			s.writeError(w, http.StatusBadGateway, "inference server unreachable")
		},
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
