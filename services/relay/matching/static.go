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
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/engine"
)

// =============================================================================
// Stage C — Static Pattern Matching
// =============================================================================

// StaticStage matches against the in-process pattern table.
//
// Description:
//
//	The last-resort stage: no metadata store, no generation backend, just
//	the embedded (or hot-reloaded) rule table. Guarantees a result is
//	always attempted even with a cold or failed Metadata Store.
//
//	Score = min(1, weight × matchedFraction), where the matched fraction
//	weighs whole-phrase hits at twice a single keyword hit. A rule whose
//	keywords and phrases all miss contributes nothing.
//
// Thread Safety: Safe for concurrent use.
type StaticStage struct {
	patterns *config.PatternStore
	catalog  *engine.Catalog
	logger   *slog.Logger
}

// NewStaticStage creates the static stage.
//
// Inputs:
//
//	patterns - Pattern store. Must not be nil.
//	catalog - Tool catalog. Must not be nil.
//	logger - Logger instance. May be nil.
func NewStaticStage(patterns *config.PatternStore, catalog *engine.Catalog, logger *slog.Logger) *StaticStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticStage{patterns: patterns, catalog: catalog, logger: logger}
}

// Match runs the static stage. It never returns an error — the whole point
// of this stage is that it cannot fail.
func (s *StaticStage) Match(_ context.Context, query string) []engine.MatchCandidate {
	folded := foldQuery(query)
	if folded == "" {
		return nil
	}
	tokens := Tokenize(folded)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	best := make(map[string]engine.MatchCandidate)
	for _, rule := range s.patterns.Table().Rules {
		score, matched := scoreRule(rule, folded, tokenSet)
		if score <= 0 {
			continue
		}
		for _, tool := range rule.Tools {
			if !s.catalog.Has(tool) {
				continue
			}
			if prev, ok := best[tool]; ok && prev.RawConfidence >= score {
				continue
			}
			best[tool] = engine.MatchCandidate{
				ToolName:      tool,
				RawConfidence: score,
				MatchType:     engine.MatchExact,
				Reasoning:     fmt.Sprintf("static pattern match: %s", strings.Join(matched, ", ")),
				Stage:         engine.StageStatic,
			}
		}
	}

	out := make([]engine.MatchCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// scoreRule computes min(1, weight × matchedFraction) for one rule, where
// the matched fraction is the weighted hit mass normalized by hit count and
// whole-phrase hits count at twice the weight of single keywords. Any hit
// therefore scores at least the rule weight; phrase hits push above it
// (capped at 1). Normalizing by the rule's total element count instead
// would let a rich synonym list dilute a perfectly good single-keyword hit
// below the usability floor.
func scoreRule(rule config.StaticPatternRule, folded string, tokenSet map[string]bool) (float64, []string) {
	keywordHits, phraseHits := 0, 0
	var matched []string
	for _, kw := range rule.Keywords {
		if tokenSet[strings.ToLower(kw)] {
			keywordHits++
			matched = append(matched, kw)
		}
	}
	for _, ph := range rule.Phrases {
		if strings.Contains(folded, strings.ToLower(ph)) {
			phraseHits++
			matched = append(matched, ph)
		}
	}
	hits := keywordHits + phraseHits
	if hits == 0 {
		return 0, nil
	}

	fraction := float64(keywordHits+2*phraseHits) / float64(hits)
	score := rule.Weight * fraction
	if score > 1 {
		score = 1
	}
	return score, matched
}
