// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matching

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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
	matchStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "matching",
		Name:      "stage_total",
		Help:      "Stage attempts by stage and result (hit, miss, error)",
	}, []string{"stage", "result"})

	matchGuardTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "matching",
		Name:      "guard_total",
		Help:      "Requests short-circuited by the informational-query guard",
	})

	matchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "matching",
		Name:      "latency_seconds",
		Help:      "End-to-end match latency across all attempted stages",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 5.0},
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var matchTracer = otel.Tracer("aleutian.relay.matching")

// =============================================================================
// Matcher
// =============================================================================

// Result is the outcome of one matching pass.
type Result struct {
	// Informational is true when the guard short-circuited the request;
	// Candidates is empty and the caller should route to generation.
	Informational bool

	// GuardPhrase is the informational phrase that matched, for logging.
	GuardPhrase string

	// Candidates are usable matches, highest confidence first. Ties break
	// by earlier stage, then by tool name.
	Candidates []engine.MatchCandidate

	// Stage is the stage that produced Candidates. Meaningless when
	// Candidates is empty.
	Stage engine.MatchStage
}

// Matcher runs the three-stage fallback pipeline.
//
// Description:
//
//	Stages run strictly in order — semantic, keyword, static — and the
//	pipeline stops at the first stage that yields at least one usable
//	candidate (raw confidence at or above the usability floor). A stage
//	error is a silent fallthrough, never a request failure: the static
//	stage cannot error, so a matching pass always completes even with the
//	generation backend and metadata store both down.
//
//	The informational-query guard runs before any stage and short-circuits
//	definition/explanation requests to generation.
//
// Thread Safety: Safe for concurrent use.
type Matcher struct {
	guard    *Guard
	semantic *SemanticStage
	keyword  *KeywordStage
	static   *StaticStage
	patterns *config.PatternStore
	floor    float64
	logger   *slog.Logger
}

// NewMatcher wires the guard and the three stages.
//
// Inputs:
//
//	client - Generation client for the semantic stage. May be nil.
//	store - Metadata store for the keyword stage. May be nil.
//	patterns - Pattern store for the guard and static stage. Must not be nil.
//	catalog - Tool catalog. Must not be nil.
//	thresholds - Confidence thresholds; only UsabilityFloor is read here.
//	logger - Logger instance. May be nil.
func NewMatcher(
	client providers.GenerationClient,
	store metadata.Store,
	patterns *config.PatternStore,
	catalog *engine.Catalog,
	thresholds config.Thresholds,
	logger *slog.Logger,
) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		guard:    NewGuard(patterns),
		semantic: NewSemanticStage(client, catalog, logger),
		keyword:  NewKeywordStage(store, catalog, logger),
		static:   NewStaticStage(patterns, catalog, logger),
		patterns: patterns,
		floor:    thresholds.UsabilityFloor,
		logger:   logger,
	}
}

// Match resolves a request to ranked tool candidates.
//
// Outputs:
//
//	Result - Guard outcome or ordered candidates. Candidates may be empty
//	when every stage misses; the caller decides what an empty result means.
func (m *Matcher) Match(ctx context.Context, query string) Result {
	start := time.Now()
	ctx, span := matchTracer.Start(ctx, "matching.Match",
		trace.WithAttributes(attribute.Int("query_length", len(query))))
	defer span.End()
	defer func() { matchLatency.Observe(time.Since(start).Seconds()) }()

	if informational, phrase := m.guard.IsInformational(query); informational {
		matchGuardTotal.Inc()
		span.SetAttributes(attribute.Bool("informational", true))
		m.logger.Info("request classified informational",
			slog.String("phrase", phrase))
		return Result{Informational: true, GuardPhrase: phrase}
	}

	if usable := m.runSemantic(ctx, query); len(usable) > 0 {
		span.SetAttributes(attribute.String("stage", engine.StageSemantic.String()))
		return Result{Candidates: usable, Stage: engine.StageSemantic}
	}
	if usable := m.runKeyword(ctx, query); len(usable) > 0 {
		span.SetAttributes(attribute.String("stage", engine.StageKeyword.String()))
		return Result{Candidates: usable, Stage: engine.StageKeyword}
	}
	if usable := m.runStatic(ctx, query); len(usable) > 0 {
		span.SetAttributes(attribute.String("stage", engine.StageStatic.String()))
		return Result{Candidates: usable, Stage: engine.StageStatic}
	}

	span.SetAttributes(attribute.String("stage", "none"))
	return Result{}
}

func (m *Matcher) runSemantic(ctx context.Context, query string) []engine.MatchCandidate {
	stage := engine.StageSemantic.String()
	candidates, err := m.semantic.Match(ctx, query, exampleRequests(m.patterns))
	if err != nil {
		matchStageTotal.WithLabelValues(stage, "error").Inc()
		m.logger.Warn("semantic stage failed, falling through",
			slog.String("error", err.Error()))
		return nil
	}
	return m.filterUsable(stage, candidates)
}

func (m *Matcher) runKeyword(ctx context.Context, query string) []engine.MatchCandidate {
	stage := engine.StageKeyword.String()
	candidates, err := m.keyword.Match(ctx, query)
	if err != nil {
		matchStageTotal.WithLabelValues(stage, "error").Inc()
		m.logger.Warn("keyword stage failed, falling through",
			slog.String("error", err.Error()))
		return nil
	}
	return m.filterUsable(stage, candidates)
}

func (m *Matcher) runStatic(ctx context.Context, query string) []engine.MatchCandidate {
	return m.filterUsable(engine.StageStatic.String(), m.static.Match(ctx, query))
}

// filterUsable drops candidates below the usability floor and orders the
// survivors. A stage whose every candidate falls below the floor counts as a
// miss, and the pipeline moves on.
func (m *Matcher) filterUsable(stage string, candidates []engine.MatchCandidate) []engine.MatchCandidate {
	usable := candidates[:0:0]
	for _, c := range candidates {
		if c.RawConfidence >= m.floor {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		matchStageTotal.WithLabelValues(stage, "miss").Inc()
		return nil
	}
	matchStageTotal.WithLabelValues(stage, "hit").Inc()
	OrderCandidates(usable)
	return usable
}

// OrderCandidates sorts in place: highest confidence first, ties broken by
// earlier stage, then lexicographic tool name. The order is deterministic for
// any input.
func OrderCandidates(candidates []engine.MatchCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.RawConfidence != b.RawConfidence {
			return a.RawConfidence > b.RawConfidence
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return a.ToolName < b.ToolName
	})
}

// exampleRequests derives per-tool example phrasings for the semantic prompt
// from the static pattern table's phrases.
func exampleRequests(patterns *config.PatternStore) map[string][]string {
	out := make(map[string][]string)
	for _, rule := range patterns.Table().Rules {
		if len(rule.Phrases) == 0 {
			continue
		}
		for _, tool := range rule.Tools {
			out[tool] = append(out[tool], rule.Phrases...)
		}
	}
	return out
}
