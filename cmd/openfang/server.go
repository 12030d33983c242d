package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openfang/openfang/api/handlers"
	"github.com/openfang/openfang/config"
	"github.com/openfang/openfang/internal/metrics"
	"github.com/openfang/openfang/internal/server"
	"github.com/openfang/openfang/orchestrator"
	"github.com/openfang/openfang/orchestrator/sandbox"
	"github.com/openfang/openfang/orchestrator/store"
)

// Server wires the store, sandbox backend, orchestrator, and HTTP facade.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store        store.Store
	orchestrator *orchestrator.Orchestrator
	collector    *metrics.Collector
	registry     *prometheus.Registry

	httpManager       *server.Manager
	rateLimiterCancel context.CancelFunc
	retentionCancel   context.CancelFunc
}

// NewServer builds all components from the configuration. Nothing is started.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	st, err := store.New(cfg.Store.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	prov, err := buildProvisioner(cfg.Sandbox, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("openfang", registry)

	orch := orchestrator.New(st, prov, collector, logger, orchestrator.Options{
		MaxConcurrent:    cfg.Dispatcher.MaxConcurrent,
		MaxQueue:         cfg.Dispatcher.MaxQueue,
		ProvisionRetries: cfg.Dispatcher.ProvisionRetries,
		CancelGrace:      cfg.Sandbox.StopGrace,
		DefaultLimits:    cfg.Limits.ResourceLimits(),
	})

	return &Server{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		orchestrator: orch,
		collector:    collector,
		registry:     registry,
	}, nil
}

func buildProvisioner(cfg config.SandboxConfig, logger *zap.Logger) (sandbox.Provisioner, error) {
	switch cfg.Backend {
	case sandbox.BackendDocker:
		return sandbox.NewDockerProvisioner(sandbox.DockerConfig{
			ScratchRoot: cfg.ScratchRoot,
			StopGrace:   cfg.StopGrace,
		}, logger), nil
	case sandbox.BackendProcess:
		return sandbox.NewProcessProvisioner(cfg.ScratchRoot, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Backend)
	}
}

// Start reconciles persisted state, begins dispatching, and serves HTTP.
func (s *Server) Start() error {
	if err := s.orchestrator.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if s.cfg.Store.Retention > 0 {
		retentionCtx, cancel := context.WithCancel(context.Background())
		s.retentionCancel = cancel
		go s.retentionLoop(retentionCtx, s.cfg.Store.Retention)
	}

	s.logger.Info("openfang started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("store_backend", s.cfg.Store.Backend),
		zap.String("sandbox_backend", s.cfg.Sandbox.Backend),
		zap.Int("max_concurrent", s.cfg.Dispatcher.MaxConcurrent),
	)
	return nil
}

func (s *Server) startHTTPServer() error {
	agentHandler := handlers.NewAgentHandler(s.orchestrator, s.logger)
	runHandler := handlers.NewRunHandler(s.orchestrator, s.logger)
	streamHandler := handlers.NewStreamHandler(s.orchestrator, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.NewPingCheck("store", s.orchestrator.Healthy))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/agents", agentHandler.HandleRegister)
	mux.HandleFunc("GET /v1/agents", agentHandler.HandleList)
	mux.HandleFunc("GET /v1/agents/{id}", agentHandler.HandleGet)
	mux.HandleFunc("DELETE /v1/agents/{id}", agentHandler.HandleDelete)

	mux.HandleFunc("POST /v1/runs", runHandler.HandleSubmit)
	mux.HandleFunc("GET /v1/runs", runHandler.HandleList)
	mux.HandleFunc("GET /v1/runs/{id}", runHandler.HandleGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", runHandler.HandleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/stream", streamHandler.HandleStream)
	mux.HandleFunc("GET /v1/stats", runHandler.HandleStats)

	skipAuthPaths := []string{"/health", "/healthz", "/readyz", "/version", "/metrics"}

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	mws := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Server.RateLimit > 0 {
		mws = append(mws, RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateBurst, s.logger))
	}
	if s.cfg.Auth.Enabled {
		mws = append(mws, JWTAuth(s.cfg.Auth.JWTSecret, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, mws...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: the run output stream holds connections
		// open indefinitely.
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// retentionLoop periodically removes terminal runs older than the retention
// window.
func (s *Server) retentionLoop(ctx context.Context, retention time.Duration) {
	interval := retention / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Cleanup(ctx, retention)
			if err != nil {
				s.logger.Warn("run retention sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Info("run retention sweep",
					zap.Int("removed", removed),
					zap.Duration("retention", retention),
				)
			}
		}
	}
}

// WaitForShutdown blocks until a signal or server error, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the HTTP server, the orchestrator, and the store, in that
// order so in-flight runs reach a terminal state before the store closes.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.retentionCancel != nil {
		s.retentionCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if err := s.orchestrator.Stop(ctx); err != nil {
		s.logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}
