// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package curation provides the core curation service for AleutianCurate.
//
// # Description
//
// This package contains the main service type coordinating all components
// of the clinical data curation API: HTTP routing, the vLLM inference
// client, the prompt library, few-shot examples, the ICD-O-3 dictionary,
// annotation sessions, the structuring pipeline runtime, and
// observability infrastructure.
//
// # Usage
//
//	cfg := curation.Config{Port: 8000}
//	svc, err := curation.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
package curation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianCurate/services/annotation"
	"github.com/AleutianAI/AleutianCurate/services/curation/observability"
	"github.com/AleutianAI/AleutianCurate/services/curation/routes"
	"github.com/AleutianAI/AleutianCurate/services/fewshot"
	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/llm"
	"github.com/AleutianAI/AleutianCurate/services/pipeline"
	"github.com/AleutianAI/AleutianCurate/services/prompts"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

const serviceName = "curation-service"

// Version is the curator release version reported by the CLI and the
// API root endpoint.
const Version = "1.0.0"

// shutdownGrace bounds how long in-flight requests may take to drain.
const shutdownGrace = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the curation service.
//
// # Description
//
// Service abstracts the service lifecycle, enabling testing and
// alternative implementations. Run() blocks until shutdown; Router()
// exposes the configured Gin engine for integration tests.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() should only be
// called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal or
	// fatal error.
	Run() error

	// Router returns the underlying Gin engine for testing. Callers
	// must not modify the returned router.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds curation service configuration options.
//
// # Description
//
// Config centralizes all configuration for the curation service. Values
// can be populated from environment variables, a config file, or
// programmatically for testing. All fields have sensible defaults.
type Config struct {
	// Port is the HTTP server port. Default: 8000
	Port int

	// DataDir is the root for bundled data files (prompts, dictionaries,
	// few-shots). Default: "./data"
	DataDir string

	// SessionsDir holds annotation session files. Default: "./sessions"
	SessionsDir string

	// PromptsDir holds per-center prompt libraries.
	// Default: {DataDir}/latest_prompts
	PromptsDir string

	// PresetsDir holds saved report-type mapping presets.
	// Default: {DataDir}/presets
	PresetsDir string

	// FewshotsPath is the few-shot example store file.
	// Default: {DataDir}/fewshots.json
	FewshotsPath string

	// DictionaryPath is the ICD-O-3 diagnosis dictionary CSV.
	// Default: {DataDir}/diagnosis_codes/diagnosis-codes-list.csv
	DictionaryPath string

	// CodeDictPath is the coded-value dictionary used by exports.
	// Default: {DataDir}/dictionaries/id2codes_dict.json
	CodeDictPath string

	// CodeLookupPath is the optional term-to-code JSON table used as the
	// extractor's last-resort lookup. Default: {DataDir}/icdo3_lookup.json
	CodeLookupPath string

	// StatusDBPath and ResultsDBPath are the pipeline SQLite databases.
	// Defaults: "./pipeline_status.db" and "./pipeline_results.db"
	StatusDBPath  string
	ResultsDBPath string

	// WorkDir holds file-shaped pipeline outputs such as
	// discoverability reports. Default: "./pipeline_output"
	WorkDir string

	// StageCommands configures the external pipeline stage commands.
	// Unconfigured stages pass data through unchanged.
	StageCommands pipeline.StageCommands

	// Concurrency bounds parallel annotation requests per batch.
	// Default: annotation.DefaultConcurrency
	Concurrency int

	// CORSOrigins are the allowed browser origins. Default: the local
	// frontend dev servers on ports 3000 and 3001.
	CORSOrigins []string

	// OTelEndpoint is the OpenTelemetry collector endpoint. Tracing is
	// disabled when empty.
	OTelEndpoint string

	// EnableMetrics enables the Prometheus /metrics endpoint.
	// Default: true
	EnableMetrics bool

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: uses GIN_MODE env var or "debug"
	GinMode string
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
type service struct {
	config        Config
	router        *gin.Engine
	client        *llm.VLLMClient
	library       *prompts.Library
	fewshots      *fewshot.Store
	indexer       *icdo3.Indexer
	engine        *annotation.Engine
	sessions      *sessions.Store
	exporter      *sessions.Exporter
	runtime       *pipeline.Runtime
	statusStore   *pipeline.StatusStore
	resultsStore  *pipeline.ResultsStore
	watchCancel   context.CancelFunc
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a curation Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing when an endpoint is configured
//  3. Initializes Prometheus metrics
//  4. Creates the vLLM client from environment and config file
//  5. Opens the prompt library, few-shot store, and ICD-O-3 dictionary
//  6. Opens the session store and pipeline runtime databases
//  7. Sets up HTTP routes
//
// A missing ICD-O-3 dictionary or code dictionary is not fatal; the
// affected endpoints report unavailability instead.
//
// # Outputs
//
//   - Service: Ready-to-run curation service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if s.config.EnableMetrics && observability.DefaultMetrics == nil {
		observability.InitMetrics()
		slog.Info("Initialized Prometheus metrics")
	}

	llmCfg := llm.LoadConfig(s.config.DataDir)
	s.client = llm.NewVLLMClient(llmCfg)
	slog.Info("Using vLLM inference backend", "endpoint", llmCfg.Endpoint, "model", llmCfg.ModelName)

	s.library = prompts.NewLibrary(s.config.PromptsDir)
	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	go func() {
		if err := s.library.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Prompt library watcher stopped", "error", err)
		}
	}()

	s.fewshots = fewshot.NewStore(s.config.FewshotsPath)

	s.indexer = icdo3.NewIndexer(s.config.DictionaryPath)
	if err := s.indexer.Load(); err != nil {
		slog.Warn("ICD-O-3 dictionary unavailable, code extraction disabled",
			"path", s.config.DictionaryPath, "error", err)
	}

	resolver, err := icdo3.NewResolver(s.config.CodeDictPath)
	if err != nil {
		slog.Warn("Code dictionary unavailable, coded exports will mark values unresolved",
			"path", s.config.CodeDictPath, "error", err)
		resolver = icdo3.NewResolverFromEntries(map[string]string{})
	}

	extractor := &icdo3.Extractor{
		Index:      s.indexer,
		Client:     s.client,
		LookupPath: s.config.CodeLookupPath,
	}
	s.engine = annotation.NewEngine(s.library, s.fewshots, s.client, extractor, s.config.Concurrency)

	s.sessions, err = sessions.NewStore(s.config.SessionsDir)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	s.exporter = &sessions.Exporter{Prompts: s.library, Resolver: resolver}

	if err := s.initPipeline(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize pipeline runtime: %w", err)
	}

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a fatal
// error. In-flight requests get a grace period to drain.
func (s *service) Run() error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting curation server", "port", s.config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down curation server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = "./sessions"
	}
	if cfg.PromptsDir == "" {
		cfg.PromptsDir = filepath.Join(cfg.DataDir, "latest_prompts")
	}
	if cfg.PresetsDir == "" {
		cfg.PresetsDir = filepath.Join(cfg.DataDir, "presets")
	}
	if cfg.FewshotsPath == "" {
		cfg.FewshotsPath = filepath.Join(cfg.DataDir, "fewshots.json")
	}
	if cfg.DictionaryPath == "" {
		cfg.DictionaryPath = filepath.Join(cfg.DataDir, "diagnosis_codes", "diagnosis-codes-list.csv")
	}
	if cfg.CodeDictPath == "" {
		cfg.CodeDictPath = filepath.Join(cfg.DataDir, "dictionaries", "id2codes_dict.json")
	}
	if cfg.CodeLookupPath == "" {
		cfg.CodeLookupPath = filepath.Join(cfg.DataDir, "icdo3_lookup.json")
	}
	if cfg.StatusDBPath == "" {
		cfg.StatusDBPath = "./pipeline_status.db"
	}
	if cfg.ResultsDBPath == "" {
		cfg.ResultsDBPath = "./pipeline_results.db"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "./pipeline_output"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = annotation.DefaultConcurrency
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
			"http://localhost:3001",
			"http://127.0.0.1:3001",
		}
	}
	cfg.EnableMetrics = true

	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal
//     networks).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initPipeline opens the pipeline databases and builds the job runtime.
func (s *service) initPipeline() error {
	var err error
	s.statusStore, err = pipeline.OpenStatusStore(s.config.StatusDBPath)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	s.resultsStore, err = pipeline.OpenResultsStore(s.config.ResultsDBPath)
	if err != nil {
		return fmt.Errorf("open results store: %w", err)
	}
	s.runtime = pipeline.NewRuntime(s.statusStore, s.resultsStore, s.config.StageCommands, s.config.WorkDir)
	if observability.DefaultMetrics != nil {
		s.runtime.SetJobGauge(observability.DefaultMetrics.ActiveJobs)
	}
	return nil
}

// initRouter sets up the Gin HTTP router with middleware and all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	s.router.Use(corsMiddleware(s.config.CORSOrigins))
	if s.config.OTelEndpoint != "" {
		s.router.Use(otelgin.Middleware(serviceName))
	}
	if observability.DefaultMetrics != nil {
		s.router.Use(observability.DefaultMetrics.Middleware())
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Client:             s.client,
		Engine:             s.engine,
		Library:            s.library,
		Fewshots:           s.fewshots,
		Indexer:            s.indexer,
		Sessions:           s.sessions,
		Exporter:           s.exporter,
		Runtime:            s.runtime,
		PresetsDir:         s.config.PresetsDir,
		ReportMappingsPath: filepath.Join(s.config.SessionsDir, "report_type_mappings.json"),
	})
}

// corsMiddleware allows the configured browser origins. Preflight
// requests short-circuit with 204.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.statusStore != nil {
		if err := s.statusStore.Close(); err != nil {
			slog.Warn("Status store close error", "error", err)
		}
	}
	if s.resultsStore != nil {
		if err := s.resultsStore.Close(); err != nil {
			slog.Warn("Results store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
