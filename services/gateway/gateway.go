// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway wires the Ora chat relay into a runnable HTTP service.
//
// The service coordinates:
//   - HTTP routing via Gin
//   - The OpenRouter upstream client
//   - The optional Tavily reference search
//   - OpenTelemetry tracing and Prometheus metrics
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := gateway.New(cfg, prompt.DefaultContent(), logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/femiora/ora-gateway/services/augment"
	"github.com/femiora/ora-gateway/services/gateway/config"
	"github.com/femiora/ora-gateway/services/gateway/handlers"
	"github.com/femiora/ora-gateway/services/gateway/middleware"
	"github.com/femiora/ora-gateway/services/gateway/observability"
	"github.com/femiora/ora-gateway/services/gateway/routes"
	"github.com/femiora/ora-gateway/services/llm"
	"github.com/femiora/ora-gateway/services/prompt"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies the gateway in traces and router instrumentation.
const ServiceName = "ora-gateway"

// readHeaderTimeout bounds slow request headers. There is no write timeout:
// replies stream for as long as the model generates.
const readHeaderTimeout = 10 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the gateway lifecycle.
//
// # Thread Safety
//
// Run blocks and should only be called once per instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails, then
	// shuts down gracefully, letting in-flight turns finish within the
	// configured shutdown timeout.
	//
	// # Outputs
	//
	//   - error: nil after a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Fields
//
//   - config: Effective configuration
//   - logger: Service logger
//   - router: Gin HTTP engine
//   - tracerCleanup: Flushes and stops the tracer provider
type service struct {
	config        *config.Config
	logger        *slog.Logger
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the gateway service.
//
// # Description
//
// New initializes all components:
//  1. OpenTelemetry tracing (OTLP over gRPC, stdout, or none)
//  2. Prometheus metrics when enabled
//  3. The OpenRouter client and the optional Tavily client
//  4. The relay handler and HTTP routes
//
// A missing OPENROUTER_API_KEY is not fatal unless RequireUpstreamKey is
// set: the service starts, logs a warning, and answers every valid turn
// with a 500.
//
// # Inputs
//
//   - cfg: Loaded configuration. Must not be nil.
//   - content: Prompt content (embedded defaults or an operator override).
//   - logger: Service logger. nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to run.
//   - error: config.ErrMissingUpstreamKey, or non-nil if tracing setup fails.
func New(cfg *config.Config, content prompt.Content, logger *slog.Logger) (Service, error) {
	if cfg == nil {
		return nil, errors.New("gateway: nil config")
	}
	if cfg.RequireUpstreamKey && !cfg.HasUpstreamKey() {
		return nil, config.ErrMissingUpstreamKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &service{config: cfg, logger: logger}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	if cfg.MetricsEnabled && observability.DefaultMetrics == nil {
		observability.InitMetrics()
		logger.Info("Initialized Prometheus metrics for the relay")
	}

	if !cfg.HasUpstreamKey() {
		logger.Warn("OPENROUTER_API_KEY is not set; chat turns will fail with 500")
	}

	s.initRouter(content)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until ctx is done or it fails.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	server := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting gateway server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down gateway server", "timeout", s.config.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up the tracer provider.
//
// # Description
//
// With OTEL_EXPORTER_OTLP_ENDPOINT set, spans go to that collector over an
// insecure gRPC connection. With OTEL_STDOUT=true they are pretty-printed to
// stdout. Otherwise only the propagator is installed and spans are no-ops.
//
// # Outputs
//
//   - func(context.Context): Flushes and stops the provider.
//   - error: Non-nil if an exporter cannot be created.
//
// # Limitations
//
//   - Uses insecure gRPC (appropriate for a sidecar collector)
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	var exporter sdktrace.SpanExporter
	switch {
	case s.config.OTLPEndpoint != "":
		conn, err := grpc.NewClient(s.config.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		s.logger.Info("Exporting traces over OTLP", "endpoint", s.config.OTLPEndpoint)
	case s.config.OTelStdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		s.logger.Info("Exporting traces to stdout")
	default:
		return func(context.Context) {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(traceProvider)

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
	}
	return cleanup, nil
}

// initRouter builds the upstream clients, the relay handler and the routes.
func (s *service) initRouter(content prompt.Content) {
	cfg := s.config

	upstream := llm.NewOpenRouterClient(llm.OpenRouterConfig{
		APIKey:   cfg.OpenRouterAPIKey,
		BaseURL:  cfg.OpenRouterBaseURL,
		Model:    cfg.OpenRouterModel,
		AppURL:   cfg.AppURL,
		AppTitle: cfg.AppTitle,
	}, s.logger)

	deps := handlers.RelayDeps{
		Classifier:            prompt.NewClassifier(content.Intent),
		Composer:              prompt.NewComposer(content),
		Upstream:              upstream,
		UpstreamKeyConfigured: cfg.HasUpstreamKey(),
		TurnTimeout:           cfg.TurnTimeout,
		Logger:                s.logger,
	}

	search := augment.NewClient(augment.Config{
		APIKey:         cfg.TavilyAPIKey,
		BaseURL:        cfg.TavilyBaseURL,
		Timeout:        cfg.SearchTimeout,
		QueryPrefix:    content.Search.QueryPrefix,
		IncludeDomains: content.Search.IncludeDomains,
	}, s.logger)
	if search.Enabled() {
		deps.Augmenter = search
	} else {
		s.logger.Info("TAVILY_API_KEY is not set; lab turns run without sources")
	}

	s.logger.Info("Relay configured",
		"model", upstream.Model(),
		"search_enabled", search.Enabled(),
		"turn_timeout", cfg.TurnTimeout,
	)

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	s.router = gin.New()
	s.router.Use(
		otelgin.Middleware(ServiceName),
		middleware.RequestID(),
		middleware.Recovery(s.logger),
	)

	routes.SetupRoutes(s.router, handlers.NewRelayHandler(deps), routes.Options{
		MetricsEnabled: cfg.MetricsEnabled,
	})
}

// cleanup releases resources held by the service.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
