// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay starts the Aleutian Relay API server.
//
// Aleutian Relay resolves natural-language requests to tool executions:
//   - Three-stage candidate matching (semantic, keyword, static pattern)
//   - Confidence calibration from rolling execution history
//   - Per-tool parameter extraction
//   - Timeout- and retry-bounded dispatch with an execution ring buffer
//   - Deferred conversation-only generation when no tool qualifies
//
// Usage:
//
//	go run ./cmd/relay
//	go run ./cmd/relay -port 9090 -config relay.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/relay/health
//
//	# Resolve a request
//	curl -X POST http://localhost:8080/v1/relay/resolve \
//	  -H "Content-Type: application/json" \
//	  -d '{"query": "Solve 8 queens"}'
//
//	# Tool catalog and initialization status
//	curl http://localhost:8080/v1/relay/tools | jq
//	curl http://localhost:8080/v1/relay/status | jq
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/relay/services/relay"
	"github.com/AleutianAI/relay/services/relay/calibration"
	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/dispatch"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/initialize"
	"github.com/AleutianAI/relay/services/relay/matching"
	"github.com/AleutianAI/relay/services/relay/metadata"
	"github.com/AleutianAI/relay/services/relay/params"
	"github.com/AleutianAI/relay/services/relay/providers"
	"github.com/AleutianAI/relay/services/relay/router"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (merged over embedded defaults)")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so inbound traceparent headers flow
	// through every handler and outbound call.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pattern table: embedded defaults, optionally overridden by an on-disk
	// file watched for hot reload.
	patterns := config.NewPatternStore(config.DefaultPatternTable())
	if cfg.PatternsPath != "" {
		table, err := config.LoadPatternTable(cfg.PatternsPath)
		if err != nil {
			slog.Warn("Pattern file unavailable, using embedded table",
				slog.String("path", cfg.PatternsPath),
				slog.String("error", err.Error()))
		} else {
			patterns = config.NewPatternStore(table)
		}
		go func() {
			if err := config.WatchPatterns(ctx, cfg.PatternsPath, patterns, logger); err != nil {
				slog.Warn("Pattern watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	// Metadata store: BadgerDB when a directory is configured, otherwise
	// in-memory. The engine degrades to static matching if neither works.
	var store metadata.Store
	if cfg.Metadata.Dir != "" {
		badger, err := metadata.OpenBadgerStore(cfg.Metadata.Dir, logger)
		if err != nil {
			slog.Warn("Metadata BadgerDB unavailable, falling back to in-memory store",
				slog.String("dir", cfg.Metadata.Dir),
				slog.String("error", err.Error()))
			store = metadata.NewMemoryStore()
		} else {
			store = badger
			slog.Info("Metadata BadgerDB opened", slog.String("dir", cfg.Metadata.Dir))
		}
	} else {
		store = metadata.NewMemoryStore()
		slog.Info("Metadata persistence disabled, using in-memory store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close metadata store", slog.String("error", err.Error()))
		}
	}()

	// Two generation clients against the same backend: the semantic matcher
	// stage must fail fast into Stage B, the deferred path can take longer.
	semanticClient := providers.NewHTTPGenerationClient(
		cfg.Generation.BaseURL, cfg.Generation.Model, cfg.Generation.SemanticTimeout, logger)
	deferredClient := providers.NewHTTPGenerationClient(
		cfg.Generation.BaseURL, cfg.Generation.Model, cfg.Generation.Timeout, logger)

	toolProviders := make(map[string]providers.ToolProvider, len(cfg.ToolProviders))
	for _, tp := range cfg.ToolProviders {
		toolProviders[tp.Name] = providers.NewHTTPToolProvider(tp.Name, tp.BaseURL, tp.Timeout, logger)
	}

	catalog := engine.NewCatalog()
	history := dispatch.NewHistory(cfg.Dispatch.HistoryCapacity,
		cfg.Thresholds.WindowRecords, cfg.Thresholds.WindowDays)

	initializer := initialize.New(cfg, toolProviders, catalog, store, logger)
	matcher := matching.NewMatcher(semanticClient, store, patterns, catalog, cfg.Thresholds, logger)
	calibrator := calibration.NewCalibrator(history, catalog, cfg.Thresholds, logger)
	extractor := params.NewExtractor(catalog, store, logger)
	dispatcher := dispatch.NewDispatcher(catalog, toolProviders, store, history, cfg.Dispatch, logger)
	rt := router.New(initializer, matcher, calibrator, extractor, dispatcher, deferredClient, cfg.Thresholds, logger)

	handlers := relay.NewHandlers(rt, initializer, catalog, history, logger)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())
	ginRouter.Use(otelgin.Middleware("aleutian-relay"))
	if *debug {
		ginRouter.Use(gin.Logger())
	}
	ginRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := ginRouter.Group("/v1")
	relay.RegisterRoutes(v1, handlers)

	// Warm up without blocking startup; requests arriving before it
	// finishes run in degraded mode.
	initializer.InitializeInBackground(ctx, time.Second)

	printBanner(cfg.Server.Port)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: ginRouter,
	}
	go func() {
		slog.Info("Starting Aleutian Relay server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start server", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down Aleutian Relay server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server shutdown incomplete", slog.String("error", err.Error()))
	}
}

func printBanner(port int) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                      ALEUTIAN RELAY SERVER                        ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Natural-language request resolution and tool dispatch.           ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Health check                                              │  ║
║  │ curl http://localhost:%d/v1/relay/health               │  ║
║  │                                                             │  ║
║  │ # Resolve a request                                         │  ║
║  │ curl -X POST http://localhost:%d/v1/relay/resolve \    │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"query": "Solve 8 queens"}'                          │  ║
║  │                                                             │  ║
║  │ # Tool catalog and status                                   │  ║
║  │ curl http://localhost:%d/v1/relay/tools | jq           │  ║
║  │ curl http://localhost:%d/v1/relay/status | jq          │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Resolve: POST /v1/relay/resolve                              ║
║  ├── Catalog: GET /v1/relay/tools, GET /v1/relay/history          ║
║  ├── Init: GET /v1/relay/status, POST /v1/relay/init              ║
║  └── Health: /v1/relay/health, /v1/relay/ready, /metrics          ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, port, port, port, port)
}
