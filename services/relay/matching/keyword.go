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

	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/metadata"
)

// =============================================================================
// Stage B — Metadata Keyword Matching
// =============================================================================

// KeywordStage scores tools against the persisted keyword mapping table.
//
// Description:
//
//	Tokenizes the request and scores each tool by the sum of per-keyword
//	confidences for tokens that match its KeywordMapping rows, normalized
//	by the tool's total keyword weight — a tool with many keywords is not
//	favored just for having many. Requires the Metadata Store; an
//	unavailable store returns an error and the matcher falls through to
//	the static stage.
//
// Thread Safety: Safe for concurrent use.
type KeywordStage struct {
	store   metadata.Store
	catalog *engine.Catalog
	logger  *slog.Logger
}

// NewKeywordStage creates the keyword stage.
//
// Inputs:
//
//	store - Metadata store. May be nil (stage always falls through).
//	catalog - Tool catalog, for discarding rows of vanished tools. Must not be nil.
//	logger - Logger instance. May be nil.
func NewKeywordStage(store metadata.Store, catalog *engine.Catalog, logger *slog.Logger) *KeywordStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordStage{store: store, catalog: catalog, logger: logger}
}

// Match runs the keyword stage.
func (s *KeywordStage) Match(ctx context.Context, query string) ([]engine.MatchCandidate, error) {
	if s.store == nil {
		return nil, engine.NewError(engine.ErrCodeConnection, "no metadata store configured", false)
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	rows, err := s.store.AllKeywords(ctx)
	if err != nil {
		return nil, err
	}

	type acc struct {
		matched float64
		total   float64
		hits    int
	}
	perTool := make(map[string]*acc)
	for _, row := range rows {
		// Mapping rows always reference catalog tools; rows for tools that
		// vanished between catalog refreshes are skipped, not scored.
		if !s.catalog.Has(row.ToolName) {
			continue
		}
		a := perTool[row.ToolName]
		if a == nil {
			a = &acc{}
			perTool[row.ToolName] = a
		}
		a.total += row.Confidence
		if tokenSet[row.Keyword] {
			a.matched += row.Confidence
			a.hits++
		}
	}

	var candidates []engine.MatchCandidate
	for tool, a := range perTool {
		if a.hits == 0 || a.total <= 0 {
			continue
		}
		candidates = append(candidates, engine.MatchCandidate{
			ToolName:      tool,
			RawConfidence: a.matched / a.total,
			MatchType:     engine.MatchContextual,
			Reasoning:     keywordReasoning(a.hits, len(tokens)),
			Stage:         engine.StageKeyword,
		})
	}
	return candidates, nil
}

func keywordReasoning(hits, tokens int) string {
	return fmt.Sprintf("matched %d of %d query tokens against keyword mappings", hits, tokens)
}
