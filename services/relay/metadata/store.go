// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metadata persists the keyword and parameter mapping tables that
// back the matcher's keyword stage and the generic parameter extraction
// strategy.
//
// Two implementations are provided: a BadgerDB-backed store for deployments
// and a map-backed store for tests and persistence-free runs. All call
// sites treat a nil Store or a store error as "metadata unavailable" and
// degrade to the static pattern stage.
package metadata

import (
	"context"

	"github.com/AleutianAI/relay/services/relay/engine"
)

// UsageRecord is one observed dispatch outcome, recorded for mapping
// statistics and suggestion ranking.
type UsageRecord struct {
	ToolName string         `json:"tool_name"`
	Input    string         `json:"input"`
	Params   map[string]any `json:"params,omitempty"`
	Success  bool           `json:"success"`
	// LatencyMillis is the dispatch latency. Stored as millis so the gob
	// encoding stays stable across Duration representation changes.
	LatencyMillis int64  `json:"latency_millis"`
	ErrorKind     string `json:"error_kind,omitempty"`
}

// Suggestion is one ranked (tool, keywords, confidence) result from Suggest.
type Suggestion struct {
	ToolName        string   `json:"tool_name"`
	MatchedKeywords []string `json:"matched_keywords"`
	Confidence      float64  `json:"confidence"`
}

// Store is the Metadata Store contract.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Store interface {
	// KeywordsFor returns the keyword mappings for one tool.
	// A tool with no rows returns an empty slice, not an error.
	KeywordsFor(ctx context.Context, tool string) ([]engine.KeywordMapping, error)

	// AllKeywords returns every keyword mapping across all tools. The
	// matcher's keyword stage scores the whole catalog in one pass.
	AllKeywords(ctx context.Context) ([]engine.KeywordMapping, error)

	// ParameterMappings returns the parameter mappings for one tool.
	ParameterMappings(ctx context.Context, tool string) ([]engine.ParameterMapping, error)

	// UpsertKeywords replaces the keyword rows for a tool. Rows are unique
	// per (tool, keyword); later entries win within one call.
	UpsertKeywords(ctx context.Context, tool string, rows []engine.KeywordMapping) error

	// UpsertParameterMappings replaces the parameter rows for a tool.
	// Existing usage counts are preserved for surviving (tool, token) pairs.
	UpsertParameterMappings(ctx context.Context, tool string, rows []engine.ParameterMapping) error

	// IncrementParameterUsage bumps UsageCount for the given tokens of a
	// tool. Called only after successful dispatch.
	IncrementParameterUsage(ctx context.Context, tool string, tokens []string) error

	// RecordUsage persists one dispatch outcome for statistics.
	RecordUsage(ctx context.Context, rec UsageRecord) error

	// Suggest ranks tools whose keywords match the query tokens.
	Suggest(ctx context.Context, query string, limit int) ([]Suggestion, error)

	// Close releases store resources.
	Close() error
}
