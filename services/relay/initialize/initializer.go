// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package initialize runs the startup sequence: verify configuration,
// connect tool providers, load the tool catalog, and build keyword and
// parameter mappings. Concurrent callers share a single in-flight run, and
// a completed run's status is cached until a forced re-run.
package initialize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/metadata"
	"github.com/AleutianAI/relay/services/relay/providers"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	initRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "initialize",
		Name:      "runs_total",
		Help:      "Initialization runs by result (ready, failed)",
	}, []string{"result"})

	initReadyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "initialize",
		Name:      "ready",
		Help:      "1 when the engine is fully initialized, else 0",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var initTracer = otel.Tracer("aleutian.relay.initialize")

// =============================================================================
// State
// =============================================================================

// Phase is the coarse state-machine position.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
	PhaseFailed       Phase = "failed"
)

// State is the shared initialization status. Step flags move monotonically
// forward within a run; only a forced re-run resets them. Ready is true iff
// all four flags are true and no error is set.
type State struct {
	Phase              Phase     `json:"phase"`
	ConfigLoaded       bool      `json:"config_loaded"`
	ProvidersConnected bool      `json:"providers_connected"`
	CatalogLoaded      bool      `json:"catalog_loaded"`
	MappingsBuilt      bool      `json:"mappings_built"`
	Ready              bool      `json:"ready"`
	Error              string    `json:"error,omitempty"`
	ProvidersTotal     int       `json:"providers_total"`
	ProvidersUp        int       `json:"providers_up"`
	ToolCount          int       `json:"tool_count"`
	MappingCount       int       `json:"mapping_count"`
	LastRunAt          time.Time `json:"last_run_at,omitempty"`
}

// =============================================================================
// Initializer
// =============================================================================

// Initializer owns the startup state machine.
//
// Description:
//
//	Idle → Initializing → {Ready, Failed}, with force allowed to re-enter
//	Initializing from Ready. Initialize with the engine already Ready and
//	force false returns the cached status without work. Concurrent callers
//	during a run all receive the same run's result via single-flight.
//	A failed run keeps its completed step flags, so the next non-forced
//	call resumes from the failed step instead of repeating everything.
//
// Thread Safety: Safe for concurrent use.
type Initializer struct {
	cfg       *config.Config
	providers map[string]providers.ToolProvider
	catalog   *engine.Catalog
	store     metadata.Store
	logger    *slog.Logger

	mu     sync.RWMutex
	state  State
	flight singleflight.Group
}

// New creates an Initializer in the Idle phase.
//
// Inputs:
//
//	cfg - Loaded configuration. Must not be nil.
//	toolProviders - Provider name → client. Must not be empty.
//	catalog - Tool catalog to populate. Must not be nil.
//	store - Metadata store for mapping persistence. Must not be nil.
//	logger - Logger instance. May be nil.
func New(
	cfg *config.Config,
	toolProviders map[string]providers.ToolProvider,
	catalog *engine.Catalog,
	store metadata.Store,
	logger *slog.Logger,
) *Initializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initializer{
		cfg:       cfg,
		providers: toolProviders,
		catalog:   catalog,
		store:     store,
		logger:    logger,
		state:     State{Phase: PhaseIdle},
	}
}

// Status returns a snapshot of the shared state.
func (i *Initializer) Status() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Ready reports whether the engine is fully initialized.
func (i *Initializer) Ready() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state.Ready
}

// Initialize runs (or joins, or skips) the startup sequence.
//
// Inputs:
//
//	ctx - Bounds all provider and store calls for this run.
//	force - True restarts the whole sequence even when Ready.
//
// Outputs:
//
//	State - The status after this call's run (or the cached status).
//	error - Non-nil when the sequence failed; State.Error carries the text.
func (i *Initializer) Initialize(ctx context.Context, force bool) (State, error) {
	if !force {
		if s := i.Status(); s.Ready {
			return s, nil
		}
	}

	v, err, _ := i.flight.Do("initialize", func() (any, error) {
		return i.run(ctx, force)
	})
	state, _ := v.(State)
	return state, err
}

// InitializeInBackground schedules a non-forced Initialize after delay. The
// caller is never blocked; failures are logged, not propagated.
func (i *Initializer) InitializeInBackground(ctx context.Context, delay time.Duration) {
	go func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		if _, err := i.Initialize(ctx, false); err != nil {
			i.logger.Error("background initialization failed",
				slog.String("error", err.Error()))
		}
	}()
}

// run executes the ordered steps, skipping those already completed unless
// forced. Exactly one run executes at a time (single-flight).
func (i *Initializer) run(ctx context.Context, force bool) (State, error) {
	ctx, span := initTracer.Start(ctx, "initialize.run",
		trace.WithAttributes(attribute.Bool("force", force)))
	defer span.End()

	i.mu.Lock()
	if force {
		i.state = State{}
	}
	i.state.Phase = PhaseInitializing
	i.state.Ready = false
	i.state.Error = ""
	i.state.LastRunAt = time.Now()
	snapshot := i.state
	i.mu.Unlock()
	initReadyGauge.Set(0)

	steps := []struct {
		name string
		done bool
		fn   func(context.Context) error
	}{
		{"config", snapshot.ConfigLoaded, i.stepConfig},
		{"providers", snapshot.ProvidersConnected, i.stepProviders},
		{"catalog", snapshot.CatalogLoaded, i.stepCatalog},
		{"mappings", snapshot.MappingsBuilt, i.stepMappings},
	}

	for _, step := range steps {
		if step.done {
			i.logger.Debug("initialization step already complete, skipping",
				slog.String("step", step.name))
			continue
		}
		if err := step.fn(ctx); err != nil {
			wrapped := engine.WrapError(engine.ErrCodeConfig,
				fmt.Sprintf("initialization step %q failed", step.name), false, err)
			i.mu.Lock()
			i.state.Phase = PhaseFailed
			i.state.Error = wrapped.Error()
			state := i.state
			i.mu.Unlock()

			span.RecordError(wrapped)
			span.SetStatus(codes.Error, step.name)
			initRunsTotal.WithLabelValues("failed").Inc()
			i.logger.Error("initialization failed",
				slog.String("step", step.name),
				slog.String("error", err.Error()))
			return state, wrapped
		}
	}

	i.mu.Lock()
	i.state.Phase = PhaseReady
	i.state.Ready = true
	state := i.state
	i.mu.Unlock()

	initReadyGauge.Set(1)
	initRunsTotal.WithLabelValues("ready").Inc()
	i.logger.Info("initialization complete",
		slog.Int("providers", state.ProvidersUp),
		slog.Int("tools", state.ToolCount),
		slog.Int("mappings", state.MappingCount))
	return state, nil
}

// stepConfig validates the already-loaded configuration.
func (i *Initializer) stepConfig(_ context.Context) error {
	if i.cfg == nil {
		return engine.NewError(engine.ErrCodeConfig, "no configuration loaded", false)
	}
	if err := i.cfg.Validate(); err != nil {
		return err
	}
	i.mu.Lock()
	i.state.ConfigLoaded = true
	i.mu.Unlock()
	return nil
}

// stepProviders pings every configured provider concurrently. All must
// answer for the step to pass; partial connectivity is a failed step with
// the up-count retained for the status endpoint.
func (i *Initializer) stepProviders(ctx context.Context) error {
	if len(i.providers) == 0 {
		return engine.NewError(engine.ErrCodeConfig, "no tool providers configured", false)
	}

	var (
		mu sync.Mutex
		up int
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range i.providers {
		g.Go(func() error {
			if err := p.Ping(gctx); err != nil {
				return engine.WrapError(engine.ErrCodeConnection,
					fmt.Sprintf("provider %q unreachable", name), true, err)
			}
			mu.Lock()
			up++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	i.mu.Lock()
	i.state.ProvidersTotal = len(i.providers)
	i.state.ProvidersUp = up
	if err == nil {
		i.state.ProvidersConnected = true
	}
	i.mu.Unlock()
	return err
}

// stepCatalog fetches every provider's tool list and replaces the catalog.
func (i *Initializer) stepCatalog(ctx context.Context) error {
	var (
		mu  sync.Mutex
		all []engine.ToolDescriptor
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range i.providers {
		g.Go(func() error {
			tools, err := p.ListTools(gctx)
			if err != nil {
				return engine.WrapError(engine.ErrCodeConnection,
					fmt.Sprintf("list tools from provider %q", name), true, err)
			}
			mu.Lock()
			all = append(all, tools...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	count := i.catalog.Replace(all)
	i.mu.Lock()
	i.state.CatalogLoaded = true
	i.state.ToolCount = count
	i.mu.Unlock()
	return nil
}

// stepMappings derives keyword and parameter mappings from each descriptor
// and persists them. Derived rows always reference catalog tools, keeping
// the referential invariant without a foreign-key store.
func (i *Initializer) stepMappings(ctx context.Context) error {
	if i.store == nil {
		return engine.NewError(engine.ErrCodeConnection, "no metadata store configured", false)
	}

	total := 0
	for _, tool := range i.catalog.List() {
		keywords := deriveKeywords(tool)
		if err := i.store.UpsertKeywords(ctx, tool.Name, keywords); err != nil {
			return engine.WrapError(engine.ErrCodeConnection,
				fmt.Sprintf("persist keywords for %q", tool.Name), true, err)
		}
		mappings := deriveParameterMappings(tool)
		if err := i.store.UpsertParameterMappings(ctx, tool.Name, mappings); err != nil {
			return engine.WrapError(engine.ErrCodeConnection,
				fmt.Sprintf("persist parameter mappings for %q", tool.Name), true, err)
		}
		total += len(keywords) + len(mappings)
	}

	i.mu.Lock()
	i.state.MappingsBuilt = true
	i.state.MappingCount = total
	i.mu.Unlock()
	return nil
}

// =============================================================================
// Mapping Derivation
// =============================================================================

// descriptionStopWords are tokens too generic to become keyword mappings.
var descriptionStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "from": true,
	"in": true, "of": true, "for": true, "and": true, "or": true,
	"is": true, "are": true, "with": true, "that": true, "this": true,
	"tool": true, "tools": true, "given": true, "using": true,
	"returns": true, "return": true, "any": true, "all": true,
}

// deriveKeywords extracts keyword mappings from the tool's name and
// description. Name fragments carry high confidence (0.9); description
// tokens carry moderate confidence (0.5). Duplicates keep the higher value.
func deriveKeywords(tool engine.ToolDescriptor) []engine.KeywordMapping {
	conf := make(map[string]float64)

	for _, part := range strings.Split(strings.ToLower(tool.Name), "_") {
		if len(part) < 3 || descriptionStopWords[part] {
			continue
		}
		conf[part] = 0.9
	}
	for _, w := range strings.Fields(strings.ToLower(tool.Description)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if len(w) < 3 || descriptionStopWords[w] {
			continue
		}
		if conf[w] < 0.5 {
			conf[w] = 0.5
		}
	}

	out := make([]engine.KeywordMapping, 0, len(conf))
	for kw, c := range conf {
		out = append(out, engine.KeywordMapping{
			ToolName:   tool.Name,
			Keyword:    kw,
			Confidence: c,
			Source:     engine.SourceExtracted,
		})
	}
	return out
}

// deriveParameterMappings seeds one mapping per declared parameter: the
// parameter's own name as the input token. Usage learning grows from here.
func deriveParameterMappings(tool engine.ToolDescriptor) []engine.ParameterMapping {
	out := make([]engine.ParameterMapping, 0, len(tool.Parameters))
	for _, p := range tool.Parameters {
		out = append(out, engine.ParameterMapping{
			ToolName:          tool.Name,
			UserInputToken:    strings.ToLower(p.Name),
			ResolvedParameter: p.Name,
			Confidence:        0.8,
		})
	}
	return out
}
