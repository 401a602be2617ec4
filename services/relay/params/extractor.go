// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package params

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/metadata"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var extractTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relay",
	Subsystem: "params",
	Name:      "extract_total",
	Help:      "Extractions by strategy kind (registered, generic) and whether anything was recovered",
}, []string{"strategy", "recovered"})

// =============================================================================
// Extractor
// =============================================================================

// Extractor resolves parameters for a chosen tool from raw request text.
//
// Description:
//
//	A per-tool strategy registry with one generic fallback. Registered
//	strategies do structured extraction tuned to the tool's shape (first
//	number, puzzle grid, expression payload). Unregistered tools use the
//	generic strategy: match request tokens against the tool's persisted
//	ParameterMapping rows — exact token match first, then substring match,
//	then any declared schema default.
//
//	Extract never fails. It returns whatever was recovered, possibly an
//	empty object, and the Dispatcher's schema validation decides whether
//	that is runnable.
//
// Thread Safety: Safe for concurrent use after construction. Register is
// not safe to call concurrently with Extract.
type Extractor struct {
	registry map[string]Strategy
	catalog  *engine.Catalog
	store    metadata.Store // may be nil: generic path uses defaults only
	logger   *slog.Logger
}

// NewExtractor creates an Extractor with the built-in puzzle strategies
// registered.
//
// Inputs:
//
//	catalog - Tool catalog, for schema lookup. Must not be nil.
//	store - Metadata store for the generic strategy. May be nil.
//	logger - Logger instance. May be nil.
func NewExtractor(catalog *engine.Catalog, store metadata.Store, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		registry: make(map[string]Strategy),
		catalog:  catalog,
		store:    store,
		logger:   logger,
	}
	e.Register("solve_n_queens", NumericStrategy{Param: "n", Min: 1, Max: 32})
	e.Register("solve_sudoku", GridStrategy{Param: "grid", Side: 9})
	e.Register("calculate", ExpressionStrategy{Param: "expression"})
	e.Register("word_puzzle", FreeTextStrategy{Param: "text"})
	return e
}

// Register binds a strategy to a tool name, replacing any previous binding.
func (e *Extractor) Register(toolName string, s Strategy) {
	e.registry[toolName] = s
}

// Extract derives a best-effort argument object for the tool.
//
// Inputs:
//
//	ctx - Bounds the metadata lookup on the generic path.
//	toolName - Chosen tool. Unknown names yield an empty extraction.
//	rawText - The raw request text.
//	suggested - Candidate-suggested parameters from the semantic stage.
//	Extraction results win on key conflict; suggestions only fill gaps.
//
// Outputs:
//
//	Extraction - Partial parameters plus the mapping tokens that produced
//	them. Never nil maps, never an error.
func (e *Extractor) Extract(ctx context.Context, toolName, rawText string, suggested map[string]any) Extraction {
	tool, ok := e.catalog.Get(toolName)
	if !ok {
		return emptyExtraction()
	}

	var (
		out  Extraction
		kind string
	)
	if s, registered := e.registry[toolName]; registered {
		kind = "registered"
		out = s.Extract(tool, rawText)
	} else {
		kind = "generic"
		out = e.generic(ctx, tool, rawText)
	}

	for k, v := range suggested {
		if _, exists := out.Parameters[k]; !exists {
			out.Parameters[k] = v
		}
	}

	extractTotal.WithLabelValues(kind, recoveredLabel(out)).Inc()
	return out
}

// generic matches request tokens against persisted ParameterMapping rows:
// exact token match, then substring match, then schema defaults for anything
// still missing.
func (e *Extractor) generic(ctx context.Context, tool engine.ToolDescriptor, rawText string) Extraction {
	out := emptyExtraction()

	var mappings []engine.ParameterMapping
	if e.store != nil {
		rows, err := e.store.ParameterMappings(ctx, tool.Name)
		if err != nil {
			e.logger.Warn("parameter mapping lookup failed, using schema defaults",
				slog.String("tool", tool.Name),
				slog.String("error", err.Error()))
		} else {
			mappings = rows
		}
	}

	tokens := tokenizeRaw(rawText)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	// Exact token matches first. A token claims a parameter at most once.
	for _, m := range mappings {
		if _, taken := out.Parameters[m.ResolvedParameter]; taken {
			continue
		}
		if tokenSet[strings.ToLower(m.UserInputToken)] {
			out.Parameters[m.ResolvedParameter] = m.UserInputToken
			out.UsedTokens = append(out.UsedTokens, m.UserInputToken)
		}
	}

	// Substring pass for tokens embedded in larger words ("sudoku-style").
	folded := strings.ToLower(rawText)
	for _, m := range mappings {
		if _, taken := out.Parameters[m.ResolvedParameter]; taken {
			continue
		}
		if strings.Contains(folded, strings.ToLower(m.UserInputToken)) {
			out.Parameters[m.ResolvedParameter] = m.UserInputToken
			out.UsedTokens = append(out.UsedTokens, m.UserInputToken)
		}
	}

	// Schema defaults fill whatever remains.
	for _, p := range tool.Parameters {
		if _, taken := out.Parameters[p.Name]; taken || p.Default == "" {
			continue
		}
		out.Parameters[p.Name] = coerceDefault(p)
	}

	return out
}

func recoveredLabel(out Extraction) string {
	if len(out.Parameters) > 0 {
		return "true"
	}
	return "false"
}

// tokenizeRaw is a minimal local tokenizer: lowercase, strip punctuation,
// split on whitespace. The matching package owns the stop-word-aware
// tokenizer; extraction wants every token, including stop words.
func tokenizeRaw(rawText string) []string {
	words := strings.Fields(strings.ToLower(rawText))
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'¿¡")
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
