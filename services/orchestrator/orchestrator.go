// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the agent service.
//
// # Description
//
// New turns a config.Config into a running Service: it opens the history
// database, connects the LLM, web search, retrieval and MCP backends,
// builds the context pipeline and the turn graph, and registers the HTTP
// routes. Optional backends that fail to come up are logged and left out;
// the nodes and workers that need them degrade instead.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	svc, err := orchestrator.New(ctx, cfg, orchestrator.Options{ConfigPath: path})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//	return svc.Run(ctx)
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianAgent/pkg/secrets"
	"github.com/AleutianAI/AleutianAgent/services/llm"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/config"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/engine"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/nodes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/policy"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/telemetry"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/websearch"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/workers"
)

// ServiceName tags traces, logs and the otelgin middleware.
const ServiceName = "aleutian-agent"

// =============================================================================
// Options
// =============================================================================

// Options carries what is not part of the config file.
type Options struct {
	// ConfigPath enables hot reload of prompts, persona and agents.
	// Empty disables the watcher.
	ConfigPath string

	// Version is reported to MCP servers and telemetry.
	Version string

	// Logger is the root logger. Nil uses slog.Default().
	Logger *slog.Logger

	// Registry receives the Prometheus collectors and backs /metrics. Nil
	// uses the default registry; a process may then build one Service.
	Registry *prometheus.Registry

	// LLM replaces the configured chat backend. Used by tests and the CLI.
	LLM llm.Client

	// SkipTelemetry leaves the global OpenTelemetry providers untouched.
	SkipTelemetry bool
}

// =============================================================================
// Service
// =============================================================================

// Service is the assembled orchestrator.
//
// # Thread Safety
//
// Run and Close must be called once each. Every other method is safe for
// concurrent use.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	live      *config.Live
	metrics   *observability.Metrics
	approvals *approval.Registry
	engine    *engine.Engine
	router    *gin.Engine
	policy    *policy.Scanner
	llm       llm.Client
	tools     *tools.Executor

	history *conversation.Store
	docs    *retrieval.Store
	gcs     *retrieval.GCSSource
	mcp     *tools.MCPSource
	watcher *config.Watcher
	expiry  *ttl.Scheduler

	stopWatch         context.CancelFunc
	telemetryShutdown func(context.Context) error
}

// New builds a Service from cfg.
//
// # Description
//
// Required: the history database and the chat backend. Optional and
// degrading: embeddings, web search, Weaviate retrieval, Cloud Storage
// ingestion, MCP servers, the config watcher and session expiry.
//
// # Inputs
//
//   - ctx: Bounds backend connection attempts. The config watcher and
//     session expiry run until Close.
//   - cfg: Validated configuration.
//   - opts: Out-of-file options.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: A required component failed. Anything already opened is
//     closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (svc *Service, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		live:      config.NewLive(cfg),
		approvals: approval.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if !opts.SkipTelemetry {
		tcfg := cfg.Telemetry
		if tcfg.ServiceName == "" {
			tcfg.ServiceName = ServiceName
		}
		if tcfg.ServiceVersion == "" {
			tcfg.ServiceVersion = opts.Version
		}
		if s.telemetryShutdown, err = telemetry.Init(ctx, tcfg); err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	if opts.Registry != nil {
		s.metrics = observability.NewMetrics(opts.Registry)
	} else {
		s.metrics = observability.InitMetrics()
	}

	histCfg := cfg.History
	histCfg.Logger = logger.With("component", "badger")
	if s.history, err = conversation.Open(histCfg); err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	chat := opts.LLM
	if chat == nil {
		if chat, err = llm.New(cfg.LLM); err != nil {
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
	}
	s.llm = chat
	s.logger.Info("LLM backend ready", "backend", cfg.LLM.Backend, "model", cfg.LLM.Model)

	var embedder llm.Embedder = chat
	if cfg.Embedding != nil {
		if embedder, err = llm.NewEmbedder(*cfg.Embedding, chat); err != nil {
			return nil, err
		}
	}

	registry, err := agents.NewRegistry(cfg.Agents...)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	s.live.OnChange(func(c *config.Config) {
		if err := registry.Replace(c.Agents); err != nil {
			s.logger.Warn("Reloaded agents rejected, keeping the previous set", "error", err)
		}
	})

	searcher := s.initWebSearch()
	s.initRetrieval(ctx)
	executor := s.initTools(ctx, searcher, opts.Version)
	s.tools = executor

	wdeps := workers.Deps{
		Settings:       s.live,
		History:        s.history,
		HistoryLimit:   cfg.Pipeline.HistoryLimit,
		Embedder:       embedder,
		TopK:           cfg.Retrieval.TopK,
		AllowWebSearch: cfg.Privacy.AllowWebSearch,
		Tools:          executor,
		Logger:         logger.With("component", "workers"),
	}
	if s.docs != nil {
		wdeps.Retriever = s.docs
	}
	if searcher != nil {
		wdeps.Searcher = searcher
	}
	pipe := workers.NewPipeline(cfg.Pipeline.Pipeline(), wdeps).WithRecorder(s.metrics)

	ndeps := &nodes.Deps{
		LLM:             chat,
		Embedder:        embedder,
		Searcher:        wdeps.Searcher,
		Tools:           executor,
		Agents:          registry,
		Settings:        s.live,
		Pipeline:        pipe,
		Budget:          cfg.Pipeline.Budget(),
		AllowWebSearch:  cfg.Privacy.AllowWebSearch,
		ApprovalTimeout: cfg.Tools.ApprovalTimeout,
		Logger:          logger.With("component", "nodes"),
	}
	g, err := engine.BuildGraph(ndeps, cfg.Graph.MaxSteps, cfg.Graph.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build the turn graph: %w", err)
	}
	eopts := []engine.Option{
		engine.WithHistory(s.history),
		engine.WithApprovals(s.approvals),
		engine.WithTurnRecorder(s.metrics),
	}
	if cfg.Privacy.InputPolicy.Enabled {
		if s.policy, err = policy.New(cfg.Privacy.InputPolicy); err != nil {
			return nil, fmt.Errorf("failed to load the input policy: %w", err)
		}
		eopts = append(eopts, engine.WithInputPolicy(s.policy))
	}
	s.engine, err = engine.New(g, s.metrics, logger, eopts...)
	if err != nil {
		return nil, err
	}

	if opts.ConfigPath != "" {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.stopWatch = cancel
		if s.watcher, err = config.Watch(wctx, opts.ConfigPath, s.live, 0, logger); err != nil {
			s.logger.Warn("Config hot reload disabled", "path", opts.ConfigPath, "error", err)
			err = nil
		}
	}

	if cfg.Retention.Enabled() {
		var chunks ttl.SessionDeleter
		if s.docs != nil {
			chunks = s.docs
		}
		cleaner := ttl.NewCleaner(s.history, chunks, cfg.Retention.MaxIdle, cfg.Retention.SessionBatchSize, logger)
		s.expiry = ttl.NewScheduler(cleaner, cfg.Retention.Interval, logger)
		if err = s.expiry.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
	}

	if err = s.initRouter(embedder, opts.Registry); err != nil {
		return nil, err
	}
	return s, nil
}

// Engine returns the turn engine. The CLI runs turns through it directly.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Router returns the configured Gin engine.
func (s *Service) Router() *gin.Engine { return s.router }

// Approvals returns the pending tool approval registry.
func (s *Service) Approvals() *approval.Registry { return s.approvals }

// Tools returns the tool executor, native and MCP.
func (s *Service) Tools() *tools.Executor { return s.tools }

// Metrics returns the service's collectors.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// warmer is implemented by local backends that load the model on demand.
type warmer interface {
	Warm(ctx context.Context) error
}

// Run serves HTTP on cfg.Server.Addr until ctx is cancelled, then shuts
// down gracefully within cfg.Server.ShutdownTimeout.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if w, ok := s.llm.(warmer); ok {
		go func() {
			if err := w.Warm(ctx); err != nil {
				s.logger.Warn("Model warm-up failed, the first turn will load it", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting orchestrator server", "addr", s.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s.logger.Info("Shutting down orchestrator server", "timeout", timeout.String())
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Close releases every backend. Safe to call on a partially built
// Service.
func (s *Service) Close() error {
	var errs []error
	if s.expiry != nil {
		s.expiry.Stop()
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.mcp != nil {
		errs = append(errs, s.mcp.Close())
	}
	if s.gcs != nil {
		errs = append(errs, s.gcs.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	if s.telemetryShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.telemetryShutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

// =============================================================================
// Initialization
// =============================================================================

// initWebSearch returns nil when no provider is configured or web search
// is disabled by the privacy switch.
func (s *Service) initWebSearch() *websearch.Client {
	if !s.cfg.Privacy.AllowWebSearch || s.cfg.WebSearch.Provider == "" {
		s.logger.Info("Web search disabled")
		return nil
	}
	c, err := websearch.New(s.cfg.WebSearch)
	if err != nil {
		s.logger.Warn("Web search unavailable", "provider", s.cfg.WebSearch.Provider, "error", err)
		return nil
	}
	return c
}

func (s *Service) initRetrieval(ctx context.Context) {
	if s.cfg.Retrieval.URL == "" {
		s.logger.Info("Weaviate URL not configured, retrieval disabled")
		return
	}
	store, err := retrieval.NewStore(s.cfg.Retrieval, s.logger)
	if err != nil {
		s.logger.Warn("Retrieval unavailable", "url", s.cfg.Retrieval.URL, "error", err)
		return
	}
	if err := store.EnsureSchema(ctx); err != nil {
		s.logger.Warn("Retrieval unavailable", "url", s.cfg.Retrieval.URL, "error", err)
		return
	}
	s.docs = store
	s.logger.Info("Retrieval ready", "url", s.cfg.Retrieval.URL)

	if s.cfg.Retrieval.GCSCredentialsFile == "" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
		return
	}
	gcs, err := retrieval.NewGCSSource(ctx, s.cfg.Retrieval.GCSCredentialsFile)
	if err != nil {
		s.logger.Warn("Cloud Storage ingestion unavailable", "error", err)
		return
	}
	s.gcs = gcs
}

func (s *Service) initTools(ctx context.Context, searcher *websearch.Client, version string) *tools.Executor {
	native := []tools.Tool{tools.NewClockTool()}
	if s.cfg.Privacy.AllowWebSearch {
		native = append(native, tools.NewFetchURLTool(nil))
	}
	if searcher != nil {
		native = append(native, tools.NewWebSearchTool(searcher))
	}
	executor := tools.NewExecutor(s.logger, native...).
		WithTimeout(s.cfg.Tools.Timeout).
		RequireApproval(s.cfg.Tools.RequireApproval...)

	if len(s.cfg.Tools.MCPServers) > 0 {
		s.mcp = tools.NewMCPSource(version, s.logger)
		s.mcp.ConnectAll(ctx, s.cfg.Tools.MCPServers)
		executor.WithMCP(s.mcp)
	}
	return executor
}

func (s *Service) initRouter(embedder retrieval.Embedder, reg *prometheus.Registry) error {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(ServiceName))

	turns := handlers.NewTurnHandler(s.engine, s.approvals, s.metrics, s.logger)
	turns.AllowedOrigins = s.cfg.Server.AllowedOrigins

	var (
		docs   handlers.DocumentStore
		loader handlers.DocumentLoader
	)
	if s.docs != nil {
		docs = s.docs
	}
	if s.gcs != nil {
		loader = s.gcs
	}
	sessions := handlers.NewSessionHandler(docs, embedder, loader, s.history, s.logger)
	if s.policy != nil {
		sessions.Policy = s.policy
	}

	opts := routes.Options{}
	if reg != nil {
		opts.Gatherer = reg
	}
	if env := s.cfg.Server.AuthTokenEnv; env != "" {
		token, err := secrets.Load("agent_api_token", env, "/run/secrets/agent_api_token")
		switch {
		case err == nil:
			opts.Auth = middleware.NewTokenAuthenticator(token)
			s.logger.Info("API authentication enabled")
		case errors.Is(err, secrets.ErrEmpty):
			s.logger.Warn("No API token configured, the API is unauthenticated", "env", env)
		default:
			return fmt.Errorf("failed to load the API token: %w", err)
		}
	}

	routes.SetupRoutes(s.router, turns, sessions, opts)
	return nil
}
