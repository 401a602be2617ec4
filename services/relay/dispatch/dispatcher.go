// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch executes tool calls with per-attempt timeouts, bounded
// idempotency-gated retries, and an append-only execution history that
// feeds confidence calibration.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/metadata"
	"github.com/AleutianAI/relay/services/relay/providers"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "total",
		Help:      "Dispatch outcomes: success, not_found, unauthorized, timeout, execution_error",
	}, []string{"outcome"})

	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "latency_seconds",
		Help:      "Total dispatch latency including retries",
		Buckets:   []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0, 60.0},
	})

	dispatchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "dispatch",
		Name:      "retries_total",
		Help:      "Total retry attempts across all dispatches",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var dispatchTracer = otel.Tracer("aleutian.relay.dispatch")

// =============================================================================
// Dispatcher
// =============================================================================

// Request describes one dispatch.
type Request struct {
	// RequestID ties the resulting ExecutionRecord to a resolve request.
	RequestID string

	// ToolName is the tool to execute.
	ToolName string

	// Parameters is the argument object from the Parameter Extractor.
	Parameters map[string]any

	// UsedTokens are the ParameterMapping tokens whose rows produced
	// Parameters; their usage counters increment on success.
	UsedTokens []string

	// Timeout bounds each attempt. Zero uses the configured default.
	Timeout time.Duration

	// RetryAttempts is the maximum attempt count (first try included).
	// Zero uses the configured default.
	RetryAttempts int
}

// Dispatcher executes tool calls against their providers.
//
// Description:
//
//	Verifies the tool exists and is allow-listed, validates required
//	parameters against the declared schema, races each attempt against a
//	timeout, and retries transient failures with capped exponential
//	backoff — but only when the tool declares itself idempotent. A tool
//	that timed out with unknown outcome is never silently retried unless
//	idempotency permits it.
//
//	Every Execute call appends exactly one ExecutionRecord, success or
//	failure, with total latency. Cancelled dispatches record a timeout
//	outcome so calibration still sees them.
//
// Thread Safety: Safe for concurrent use.
type Dispatcher struct {
	catalog   *engine.Catalog
	providers map[string]providers.ToolProvider
	store     metadata.Store // may be nil: usage recording is skipped
	history   *History
	cfg       config.DispatchConfig
	allow     map[string]bool // nil means allow all catalog tools
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Inputs:
//
//	catalog - Tool catalog. Must not be nil.
//	provs - Tool providers keyed by provider name. Must not be nil.
//	store - Metadata store for usage recording. May be nil.
//	history - Execution history buffer. Must not be nil.
//	cfg - Dispatch configuration.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	*Dispatcher - The constructed dispatcher. Never nil.
func NewDispatcher(catalog *engine.Catalog, provs map[string]providers.ToolProvider,
	store metadata.Store, history *History, cfg config.DispatchConfig, logger *slog.Logger) *Dispatcher {

	if logger == nil {
		logger = slog.Default()
	}
	var allow map[string]bool
	if len(cfg.Allowlist) > 0 {
		allow = make(map[string]bool, len(cfg.Allowlist))
		for _, name := range cfg.Allowlist {
			allow[name] = true
		}
	}
	return &Dispatcher{
		catalog:   catalog,
		providers: provs,
		store:     store,
		history:   history,
		cfg:       cfg,
		allow:     allow,
		logger:    logger,
	}
}

// History exposes the execution buffer for calibration and reporting.
func (d *Dispatcher) History() *History {
	return d.history
}

// Execute runs one tool call.
//
// Outputs:
//
//	*engine.ToolResult - The result; non-nil even on failure (Outcome set).
//	error - Non-nil on failure, carrying the engine error taxonomy.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*engine.ToolResult, error) {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.Execute",
		trace.WithAttributes(
			attribute.String("tool", req.ToolName),
			attribute.String("request_id", req.RequestID),
		),
	)
	defer span.End()

	start := time.Now()
	output, desc, err := d.execute(ctx, &req)
	latency := time.Since(start)

	outcome := classifyOutcome(err)
	result := &engine.ToolResult{
		ToolName:   req.ToolName,
		Parameters: req.Parameters,
		Output:     output,
		Outcome:    outcome,
		Latency:    latency,
	}

	// Exactly one record per Execute, success or failure.
	rec := engine.ExecutionRecord{
		RequestID:  req.RequestID,
		ToolName:   req.ToolName,
		Category:   desc.Category,
		Parameters: req.Parameters,
		Success:    outcome == engine.OutcomeSuccess,
		Outcome:    outcome,
		Latency:    latency,
		Timestamp:  time.Now(),
	}
	if err != nil {
		rec.ErrorKind = string(engine.CodeOf(err))
	}
	d.history.Append(rec)

	dispatchTotal.WithLabelValues(string(outcome)).Inc()
	dispatchLatency.Observe(latency.Seconds())
	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Int64("latency_ms", latency.Milliseconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(outcome))
		d.logger.Warn("dispatch failed",
			slog.String("tool", req.ToolName),
			slog.String("outcome", string(outcome)),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		d.recordUsage(req, false, latency, rec.ErrorKind)
		return result, err
	}

	d.logger.Info("dispatch succeeded",
		slog.String("tool", req.ToolName),
		slog.Duration("latency", latency),
	)
	d.recordUsage(req, true, latency, "")
	d.bumpParameterUsage(req)
	return result, nil
}

// execute performs the lookup, validation, and retry loop. The caller owns
// record-keeping.
func (d *Dispatcher) execute(ctx context.Context, req *Request) (string, engine.ToolDescriptor, error) {
	desc, ok := d.catalog.Get(req.ToolName)
	if !ok {
		return "", desc, engine.NewError(engine.ErrCodeToolNotFound,
			fmt.Sprintf("tool %q is not in the catalog", req.ToolName), false)
	}

	if d.allow != nil && !d.allow[req.ToolName] {
		return "", desc, engine.NewError(engine.ErrCodeUnauthorized,
			fmt.Sprintf("tool %q is not on the allow-list", req.ToolName), false)
	}

	if err := validateParameters(desc, req.Parameters); err != nil {
		return "", desc, err
	}

	provider, ok := d.providers[desc.Provider]
	if !ok {
		return "", desc, engine.NewError(engine.ErrCodeConnection,
			fmt.Sprintf("no provider %q for tool %q", desc.Provider, req.ToolName), false)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	attempts := req.RetryAttempts
	if attempts <= 0 {
		attempts = d.cfg.RetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := provider.Call(ctx, req.ToolName, req.Parameters, timeout)
		if err == nil {
			return output, desc, nil
		}
		lastErr = err

		// Caller cancellation aborts the dispatch race promptly.
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}
		// A non-idempotent tool must not be retried after a failure of
		// unknown outcome; a non-retryable error never is.
		if !desc.Idempotent || !engine.IsRetryable(err) {
			break
		}

		delay := backoffDelay(d.cfg.BackoffBase, d.cfg.BackoffFactor, d.cfg.BackoffCap, attempt)
		d.logger.Info("dispatch retrying",
			slog.String("tool", req.ToolName),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		dispatchRetriesTotal.Inc()

		select {
		case <-ctx.Done():
			return "", desc, engine.WrapError(engine.ErrCodeTimeout,
				fmt.Sprintf("dispatch of %q cancelled during backoff", req.ToolName), false, ctx.Err())
		case <-time.After(delay):
		}
	}

	// Cancellation of unknown outcome is recorded as a timeout so
	// calibration still counts it.
	if ctx.Err() != nil && engine.CodeOf(lastErr) != engine.ErrCodeTimeout {
		return "", desc, engine.WrapError(engine.ErrCodeTimeout,
			fmt.Sprintf("dispatch of %q cancelled", req.ToolName), false, ctx.Err())
	}
	return "", desc, lastErr
}

// validateParameters checks declared required parameters are present.
// Failures carry a user-facing suggestion naming the missing parameter.
func validateParameters(desc engine.ToolDescriptor, params map[string]any) error {
	for _, p := range desc.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil || v == "" {
			return engine.NewError(engine.ErrCodeValidation,
				fmt.Sprintf("tool %q missing required parameter %q", desc.Name, p.Name), false).
				WithSuggestion(fmt.Sprintf(
					"The %q capability needs a value for %q (%s). Include it in the request, e.g. %q.",
					desc.Name, p.Name, p.Type, p.Description))
		}
	}
	return nil
}

// backoffDelay computes the capped exponential delay before retry n+1.
// attempt is 1-based: the delay after attempt 1 is base, after attempt 2
// base*factor, and so on.
func backoffDelay(base time.Duration, factor float64, maxDelay time.Duration, attempt int) time.Duration {
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	if d := time.Duration(delay); d < maxDelay {
		return d
	}
	return maxDelay
}

// classifyOutcome maps an error to the outcome taxonomy.
func classifyOutcome(err error) engine.Outcome {
	if err == nil {
		return engine.OutcomeSuccess
	}
	switch engine.CodeOf(err) {
	case engine.ErrCodeToolNotFound:
		return engine.OutcomeNotFound
	case engine.ErrCodeUnauthorized:
		return engine.OutcomeUnauthorized
	case engine.ErrCodeTimeout:
		return engine.OutcomeTimeout
	default:
		return engine.OutcomeExecution
	}
}

// recordUsage persists the outcome to the metadata store, best effort.
func (d *Dispatcher) recordUsage(req Request, success bool, latency time.Duration, errorKind string) {
	if d.store == nil {
		return
	}
	// Usage recording must not delay or fail the dispatch path.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.store.RecordUsage(ctx, metadata.UsageRecord{
		ToolName:      req.ToolName,
		Params:        req.Parameters,
		Success:       success,
		LatencyMillis: latency.Milliseconds(),
		ErrorKind:     errorKind,
	})
	if err != nil {
		d.logger.Warn("usage recording failed",
			slog.String("tool", req.ToolName),
			slog.String("error", err.Error()),
		)
	}
}

// bumpParameterUsage increments the mapping counters that produced the
// successful dispatch's parameters.
func (d *Dispatcher) bumpParameterUsage(req Request) {
	if d.store == nil || len(req.UsedTokens) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.store.IncrementParameterUsage(ctx, req.ToolName, req.UsedTokens); err != nil {
		d.logger.Warn("parameter usage increment failed",
			slog.String("tool", req.ToolName),
			slog.String("error", err.Error()),
		)
	}
}
