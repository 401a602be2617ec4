// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router orchestrates resolution per request: ensure readiness,
// match candidates, calibrate, extract parameters, dispatch, and fall back
// to conversation-only generation when no tool path qualifies.
package router

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/relay/services/relay/calibration"
	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/datatypes"
	"github.com/AleutianAI/relay/services/relay/dispatch"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/initialize"
	"github.com/AleutianAI/relay/services/relay/matching"
	"github.com/AleutianAI/relay/services/relay/params"
	"github.com/AleutianAI/relay/services/relay/providers"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "router",
		Name:      "resolve_total",
		Help:      "Resolutions by source (tool-direct, generation, hybrid) and degraded flag",
	}, []string{"source", "degraded"})

	resolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "router",
		Name:      "resolve_latency_seconds",
		Help:      "End-to-end resolution latency",
		Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0, 60.0},
	})

	discardedToolCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "router",
		Name:      "discarded_tool_calls_total",
		Help:      "Structured tool calls returned on the deferred path and discarded",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var routerTracer = otel.Tracer("aleutian.relay.router")

// =============================================================================
// Request / Response
// =============================================================================

// Options tune one resolution.
type Options struct {
	// ToolsFirst gates the tool pipeline. False goes straight to
	// conversation-only generation. Defaults to true.
	ToolsFirst *bool `json:"tools_first,omitempty"`

	// ConfidenceThreshold, when > 0, overrides the configured medium-tier
	// floor: a top candidate calibrated below it is deferred.
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	// MaxToolCalls caps how many qualifying candidates are dispatched, in
	// rank order, before deferring. Zero means 1.
	MaxToolCalls int `json:"max_tool_calls,omitempty"`
}

// Request is one resolution request.
type Request struct {
	// RequestID is assigned when empty.
	RequestID string `json:"request_id,omitempty"`

	// ConversationID groups a multi-turn exchange. Assigned when empty.
	ConversationID string `json:"conversation_id,omitempty"`

	// Query is the raw request text.
	Query string `json:"query"`

	// History is prior conversation turns, oldest first.
	History []datatypes.Message `json:"history,omitempty"`

	Options Options `json:"options,omitempty"`
}

// Response is the resolution outcome.
type Response struct {
	RequestID      string         `json:"request_id"`
	ConversationID string         `json:"conversation_id"`
	Source         engine.Source  `json:"source"`
	Content        string         `json:"content"`
	ToolName       string         `json:"tool_name,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Tier           string         `json:"tier,omitempty"`
	Stage          string         `json:"stage,omitempty"`
	Degraded       bool           `json:"degraded,omitempty"`
	Latency        time.Duration  `json:"latency"`
}

// =============================================================================
// Router
// =============================================================================

// Router drives one request through the resolution pipeline.
//
// Description:
//
//	Per-request sequence: ensure the Initializer is Ready (if not, kick a
//	background initialization and continue degraded rather than block);
//	run the Candidate Matcher; calibrate top candidates; when the tier
//	qualifies, extract parameters and dispatch. Dispatch success returns
//	the tool result tagged tool-direct. Dispatch failure, a low tier, an
//	informational request, or no candidates at all defer to the Generation
//	Service with a conversation-only prompt.
//
//	Isolation invariant on the deferred path: the prompt never embeds any
//	tool schema or tool name list. If the Generation Service nonetheless
//	returns structured tool calls, the Router discards them with a warning
//	instead of executing them.
//
// Thread Safety: Safe for concurrent use.
type Router struct {
	init       *initialize.Initializer
	matcher    *matching.Matcher
	calibrator *calibration.Calibrator
	extractor  *params.Extractor
	dispatcher *dispatch.Dispatcher
	generation providers.GenerationClient
	cfg        config.Thresholds
	logger     *slog.Logger
}

// New wires a Router.
//
// Inputs:
//
//	init - Initializer for readiness checks. Must not be nil.
//	matcher - Candidate matcher. Must not be nil.
//	calibrator - Confidence calibrator. Must not be nil.
//	extractor - Parameter extractor. Must not be nil.
//	dispatcher - Tool dispatcher. Must not be nil.
//	generation - Generation client for the deferred path. May be nil;
//	deferred requests then return a static notice.
//	thresholds - Confidence thresholds.
//	logger - Logger instance. May be nil.
func New(
	init *initialize.Initializer,
	matcher *matching.Matcher,
	calibrator *calibration.Calibrator,
	extractor *params.Extractor,
	dispatcher *dispatch.Dispatcher,
	generation providers.GenerationClient,
	thresholds config.Thresholds,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		init:       init,
		matcher:    matcher,
		calibrator: calibrator,
		extractor:  extractor,
		dispatcher: dispatcher,
		generation: generation,
		cfg:        thresholds,
		logger:     logger,
	}
}

// Resolve handles one request end to end.
func (r *Router) Resolve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	ctx, span := routerTracer.Start(ctx, "router.Resolve",
		trace.WithAttributes(
			attribute.String("request_id", req.RequestID),
			attribute.String("conversation_id", req.ConversationID),
		),
	)
	defer span.End()

	degraded := !r.init.Ready()
	if degraded {
		// Never block a request on cold start. Static matching still works.
		r.init.InitializeInBackground(context.WithoutCancel(ctx), 0)
		r.logger.Warn("resolving in degraded mode, initialization incomplete",
			slog.String("request_id", req.RequestID))
	}
	span.SetAttributes(attribute.Bool("degraded", degraded))

	resp := r.resolve(ctx, req, degraded)
	resp.RequestID = req.RequestID
	resp.ConversationID = req.ConversationID
	resp.Degraded = degraded
	resp.Latency = time.Since(start)

	resolveTotal.WithLabelValues(string(resp.Source), boolLabel(degraded)).Inc()
	resolveLatency.Observe(resp.Latency.Seconds())
	span.SetAttributes(attribute.String("source", string(resp.Source)))
	r.logger.Info("request resolved",
		slog.String("request_id", req.RequestID),
		slog.String("source", string(resp.Source)),
		slog.String("tool", resp.ToolName),
		slog.Duration("latency", resp.Latency),
	)
	return resp, nil
}

// resolve runs the tool pipeline and falls back to generation.
func (r *Router) resolve(ctx context.Context, req Request, degraded bool) *Response {
	if req.Options.ToolsFirst != nil && !*req.Options.ToolsFirst {
		return r.deferToGeneration(ctx, req, false)
	}

	match := r.matcher.Match(ctx, req.Query)
	if match.Informational {
		return r.deferToGeneration(ctx, req, false)
	}
	if len(match.Candidates) == 0 {
		return r.deferToGeneration(ctx, req, false)
	}

	maxCalls := req.Options.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = 1
	}
	floor := r.cfg.MediumTier
	if req.Options.ConfidenceThreshold > 0 {
		floor = req.Options.ConfidenceThreshold
	}

	attempted := false
	for i, candidate := range match.Candidates {
		if i >= maxCalls {
			break
		}
		decision := r.calibrator.Calibrate(candidate)
		if decision.Tier == engine.TierLow || decision.CalibratedConfidence < floor {
			r.logger.Debug("candidate below execution threshold",
				slog.String("tool", candidate.ToolName),
				slog.Float64("calibrated", decision.CalibratedConfidence),
				slog.String("tier", string(decision.Tier)),
			)
			continue
		}

		extraction := r.extractor.Extract(ctx, candidate.ToolName, req.Query, candidate.SuggestedParameters)
		attempted = true
		result, err := r.dispatcher.Execute(ctx, dispatch.Request{
			RequestID:  req.RequestID,
			ToolName:   candidate.ToolName,
			Parameters: extraction.Parameters,
			UsedTokens: extraction.UsedTokens,
		})
		if err != nil {
			r.logger.Warn("tool dispatch failed, trying fallback",
				slog.String("tool", candidate.ToolName),
				slog.String("error", err.Error()),
			)
			continue
		}

		return &Response{
			Source:     engine.SourceToolDirect,
			Content:    formatToolOutput(result),
			ToolName:   result.ToolName,
			Parameters: result.Parameters,
			Confidence: decision.CalibratedConfidence,
			Tier:       string(decision.Tier),
			Stage:      candidate.Stage.String(),
		}
	}

	return r.deferToGeneration(ctx, req, attempted)
}

// deferToGeneration answers via the Generation Service with a
// conversation-only prompt. afterToolAttempt tags the response hybrid.
func (r *Router) deferToGeneration(ctx context.Context, req Request, afterToolAttempt bool) *Response {
	source := engine.SourceGeneration
	if afterToolAttempt {
		source = engine.SourceHybrid
	}

	if r.generation == nil {
		return &Response{
			Source:  source,
			Content: "No generation backend is configured and no tool could handle this request.",
		}
	}

	messages := buildConversation(req, afterToolAttempt)
	result, err := r.generation.Send(ctx, messages, providers.GenerateOptions{})
	if err != nil {
		return &Response{
			Source:  source,
			Content: engine.UserMessage(err),
		}
	}

	// Isolation invariant: the deferred prompt carried no tool schemas, so
	// any structured calls coming back are discarded, never executed.
	if len(result.ToolCalls) > 0 {
		discardedToolCallsTotal.Add(float64(len(result.ToolCalls)))
		names := make([]string, 0, len(result.ToolCalls))
		for _, tc := range result.ToolCalls {
			names = append(names, tc.Name)
		}
		r.logger.Warn("deferred generation returned tool calls, discarding",
			slog.String("request_id", req.RequestID),
			slog.String("tools", strings.Join(names, ",")),
		)
	}

	return &Response{Source: source, Content: result.Content}
}

// buildConversation assembles the deferred prompt: system framing, prior
// turns, and the query. Nothing tool-shaped goes in.
func buildConversation(req Request, afterToolAttempt bool) []datatypes.Message {
	system := "You are a helpful assistant. Answer the user directly and concisely."
	if afterToolAttempt {
		system += " An automated attempt to compute an exact answer failed; respond with your best unaided answer."
	}

	messages := make([]datatypes.Message, 0, len(req.History)+2)
	messages = append(messages, datatypes.Message{Role: "system", Content: system})
	messages = append(messages, req.History...)
	messages = append(messages, datatypes.Message{Role: "user", Content: req.Query})
	return messages
}

// formatToolOutput renders a successful tool result as response content.
func formatToolOutput(result *engine.ToolResult) string {
	out := strings.TrimSpace(result.Output)
	if out == "" {
		return "Done."
	}
	return out
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
