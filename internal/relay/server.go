package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/relayhq/relay/pkg/auth"
	"github.com/relayhq/relay/pkg/dedupe"
	"github.com/relayhq/relay/pkg/foundry"
	"github.com/relayhq/relay/pkg/hub"
	"github.com/relayhq/relay/pkg/imagegen"
	"github.com/relayhq/relay/pkg/tokenstore"
)

// redisPrefix namespaces every key and channel the relay writes.
const redisPrefix = "relay:"

// foundryPingInterval keeps idle Foundry sockets alive through proxies.
const foundryPingInterval = 30 * time.Second

// Server is the top-level relay server that owns all subsystems.
type Server struct {
	config      *Config
	handler     http.Handler
	httpServer  *http.Server
	redisClient *redis.Client
	table       *dedupe.Table
	hub         *hub.Hub
	bus         *hub.Bus
	clients     *foundry.Registry
	logger      *slog.Logger
}

// NewServer creates a fully wired relay server from configuration.
//
// Request path for tool calls:
//
//	POST /mcp → bearer auth → coalescing middleware → MCP handler → tool
//
// Foundry clients hold a WebSocket on GET /relay; tools that target a
// client id are relayed over that socket.
//
// Widget state changes travel through Redis pub/sub so every relay
// instance pushes them to its own connected widget sockets.
func NewServer(cfg *Config, version string, logger *slog.Logger) (*Server, error) {
	// --- Redis ---
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing RELAY_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// --- Coalescing ---
	table := dedupe.NewTable(cfg.ReplayTTL)
	coalescer := dedupe.New(table, dedupe.Options{
		MaxInFlightWait: cfg.MaxInFlightWait,
		InvokeMethods:   cfg.InvokeMethods,
		MaxBodyBytes:    maxMCPBodyBytes,
		Metrics:         dedupe.NewMetrics(registry, table),
		Logger:          logger.With("component", "coalesce"),
	})

	// --- Widgets ---
	widgetHub := hub.New(logger.With("component", "widget_hub"))
	bus := hub.NewBus(redisClient, hub.DefaultChannel, widgetHub, logger.With("component", "widget_bus"))

	widgets, err := loadWidgets(cfg.WidgetDomain)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	// --- Auth ---
	bearer := &bearerAuth{
		verifier: auth.NewVerifier(cfg.APIKeyHash, cfg.AuthCacheTTL),
		logger:   logger.With("component", "auth"),
	}
	var oauth *OAuthHandler
	if cfg.OAuthEnabled() {
		store := tokenstore.New(redisClient, redisPrefix, cfg.OAuthStateTTL)
		bearer.store = store
		oauth = NewOAuthHandler(cfg, store, logger.With("component", "oauth"))
	}

	// --- Foundry clients ---
	clients := foundry.New(foundry.Options{
		Authenticate: bearer.authorize,
		PingInterval: foundryPingInterval,
		Logger:       logger.With("component", "foundry"),
	})

	// --- Tools ---
	images := imagegen.New(imagegen.Config{
		BaseURL:   cfg.ImageAPIURL,
		APIKey:    cfg.ImageAPIKey,
		Model:     cfg.ImageModel,
		Size:      cfg.ImageSize,
		Dir:       cfg.ImageDir,
		PublicURL: cfg.PublicURL,
		Timeout:   cfg.ToolTimeout,
	}, logger.With("component", "imagegen"))

	mcpHandler := NewMCPHandler(
		newTools(images, bus, clients),
		widgets,
		cfg.ToolTimeout,
		version,
		logger.With("component", "mcp"),
	)

	s := &Server{
		config:      cfg,
		redisClient: redisClient,
		table:       table,
		hub:         widgetHub,
		bus:         bus,
		clients:     clients,
		logger:      logger,
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/widget-av", widgetHub.ServeHTTP)
	r.Get("/relay", clients.ServeHTTP)
	r.Get("/img/{name}", s.handleImage)

	if oauth != nil {
		oauth.Routes(r)
	}

	r.Group(func(mcp chi.Router) {
		mcp.Use(bearer.Middleware)
		mcp.With(coalescer.Middleware).Post("/mcp", mcpHandler.ServeHTTP)
	})
	r.Get("/mcp", func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "this server does not offer a standalone SSE stream; POST JSON-RPC to /mcp")
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "endpoint not found")
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("relay configured",
		"oauth", cfg.OAuthEnabled(),
		"api_key", bearer.verifier.Configured(),
		"image_backend", images.Configured(),
		"replay_ttl", cfg.ReplayTTL.String(),
		"max_inflight_wait", cfg.MaxInFlightWait.String(),
	)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// startBus subscribes to the widget channel and forwards payloads to the
// local hub until ctx is cancelled.
func (s *Server) startBus(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go s.bus.Run(ctx, sub)
	return nil
}

// Start begins serving HTTP connections and the widget bus.
// It blocks until the context is cancelled or the server encounters an error.
func (s *Server) Start(ctx context.Context) error {
	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()

	if err := s.startBus(busCtx); err != nil {
		return fmt.Errorf("starting widget bus: %w", err)
	}

	s.logger.Info("relay starting",
		"addr", s.config.ListenAddr(),
		"public_url", s.config.PublicURL,
		"embedded_redis", s.config.EmbeddedRedis,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and cleans up resources.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown error", "error", err)
	}

	// Hijacked widget sockets are not closed by http.Server.Shutdown.
	s.hub.CloseAll()
	s.clients.CloseAll()
	s.table.Close()

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Redis close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		s.logger.Warn("health check: redis unreachable", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":             status,
		"widget_clients":     s.hub.Size(),
		"foundry_clients":    s.clients.Size(),
		"coalescing_entries": s.table.Len(),
	})
}

// handleImage serves a generated image by file name.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || name != filepath.Base(name) || name[0] == '.' {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "image not found")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, filepath.Join(s.config.ImageDir, name))
}
