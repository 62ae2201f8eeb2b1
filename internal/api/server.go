package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/pioneer-wyt/wyt-bridge/internal/auth"
	"github.com/pioneer-wyt/wyt-bridge/internal/config"
	"github.com/pioneer-wyt/wyt-bridge/internal/storage"
	"github.com/pioneer-wyt/wyt-bridge/internal/thermostat"
)

// Thermostat is the controller surface the bridge exposes over HTTP.
type Thermostat interface {
	Snapshot() thermostat.State
	Refresh(ctx context.Context) error
	Command(ctx context.Context, name string, value any) error
	Connected() bool
}

// RESTServer represents the REST API server
type RESTServer struct {
	config *config.Config
	ctrl   Thermostat
	store  storage.Store
	tokens *auth.TokenManager
	router chi.Router
	server *http.Server

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

func (s *RESTServer) refreshedAt() time.Time {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.lastRefresh
}

func (s *RESTServer) markRefreshed() {
	s.refreshMu.Lock()
	s.lastRefresh = time.Now()
	s.refreshMu.Unlock()
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, ctrl Thermostat, store storage.Store) *RESTServer {
	s := &RESTServer{
		config: cfg,
		ctrl:   ctrl,
		store:  store,
		tokens: auth.NewTokenManager(&cfg.Bridge),
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.HandleHealth)
	s.router.Post("/auth/token", s.HandleIssueToken)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.HandleStatus)
		r.Post("/command", s.HandleCommand)
		r.Post("/reconnect", s.HandleReconnect)
		r.Post("/discover", s.HandleDiscover)
		r.Get("/history", s.HandleHistory)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("starting bridge HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}
