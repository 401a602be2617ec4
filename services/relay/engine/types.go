// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the shared data model of the Relay tool-resolution
// engine: tool descriptors, keyword and parameter mappings, match candidates,
// calibrated decisions, execution records, and the error taxonomy used
// across the matching, calibration, dispatch, and routing packages.
//
// Everything here is a plain value type. Mutable shared state (the
// initialization status and the execution history ring) lives with its
// owning package, not here.
package engine

import (
	"time"
)

// =============================================================================
// Tool Catalog Types
// =============================================================================

// ToolDescriptor describes one externally invocable capability.
//
// Description:
//
//	Created and refreshed by the Initializer from the Tool Provider's
//	ListTools response; read-only everywhere else. Names are globally
//	unique across the catalog.
type ToolDescriptor struct {
	// Name is the unique tool identifier, e.g. "solve_n_queens".
	Name string `json:"name"`

	// Description is the human-readable capability summary.
	Description string `json:"description"`

	// Parameters describes the tool's declared parameter schema.
	Parameters []ParameterSchema `json:"parameters,omitempty"`

	// Category groups related tools, e.g. "puzzle", "search", "analysis".
	// Used for category-level success rate defaults during calibration.
	Category string `json:"category,omitempty"`

	// Idempotent declares whether repeating a call with identical arguments
	// is safe. Gates retry-after-timeout in the Dispatcher.
	Idempotent bool `json:"idempotent"`

	// Provider identifies which Tool Provider serves this tool.
	Provider string `json:"provider,omitempty"`

	// RefreshedAt is when the descriptor was last fetched from its provider.
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// ParameterSchema describes a single declared tool parameter.
type ParameterSchema struct {
	// Name is the parameter name as the tool expects it.
	Name string `json:"name"`

	// Type is the declared type: "int", "string", "grid", "bool", "float".
	Type string `json:"type"`

	// Description explains what the parameter means.
	Description string `json:"description,omitempty"`

	// Required marks parameters the tool cannot run without.
	Required bool `json:"required"`

	// Default is the declared default value as a string, or "" for none.
	Default string `json:"default,omitempty"`
}

// =============================================================================
// Metadata Mapping Types
// =============================================================================

// MappingSource identifies how a keyword mapping was produced.
type MappingSource string

const (
	// SourceStatic marks mappings shipped in the embedded pattern table.
	SourceStatic MappingSource = "static"

	// SourceExtracted marks mappings derived from tool name/description text.
	SourceExtracted MappingSource = "extracted"

	// SourceLearned marks mappings promoted from observed successful usage.
	SourceLearned MappingSource = "learned"
)

// KeywordMapping associates a query keyword with a tool at some confidence.
// Unique per (tool, keyword); built by the Initializer and refreshable at
// any time.
type KeywordMapping struct {
	ToolName   string        `json:"tool_name"`
	Keyword    string        `json:"keyword"`
	Confidence float64       `json:"confidence"`
	Source     MappingSource `json:"source"`
}

// ParameterMapping associates a user-input token with a resolved parameter
// value for a tool. Unique per (tool, token). UsageCount increments
// monotonically, only on successful dispatch that used the mapping.
type ParameterMapping struct {
	ToolName          string  `json:"tool_name"`
	UserInputToken    string  `json:"user_input_token"`
	ResolvedParameter string  `json:"resolved_parameter"`
	Confidence        float64 `json:"confidence"`
	UsageCount        int64   `json:"usage_count"`
}

// =============================================================================
// Match and Decision Types (request-scoped, ephemeral)
// =============================================================================

// MatchType classifies how a candidate was matched to the request.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchSemantic   MatchType = "semantic"
	MatchContextual MatchType = "contextual"
	MatchIntent     MatchType = "intent"
)

// ValidMatchType reports whether mt is one of the recognized match types.
// Semantic-stage entries with unknown match types are discarded.
func ValidMatchType(mt MatchType) bool {
	switch mt {
	case MatchExact, MatchSemantic, MatchContextual, MatchIntent:
		return true
	}
	return false
}

// MatchStage identifies which matcher stage produced a candidate.
// Lower values take precedence when confidences tie.
type MatchStage int

const (
	// StageSemantic is the generation-service-backed semantic stage.
	StageSemantic MatchStage = iota

	// StageKeyword is the metadata-store keyword stage.
	StageKeyword

	// StageStatic is the in-process static pattern stage.
	StageStatic
)

// String returns the stage name for logs and metrics labels.
func (s MatchStage) String() string {
	switch s {
	case StageSemantic:
		return "semantic"
	case StageKeyword:
		return "keyword"
	case StageStatic:
		return "static"
	}
	return "unknown"
}

// MatchCandidate is one (tool, confidence) proposal for a request.
type MatchCandidate struct {
	// ToolName is the proposed tool. Always resolvable against the catalog.
	ToolName string `json:"tool_name"`

	// RawConfidence is the stage's confidence in [0,1], pre-calibration.
	RawConfidence float64 `json:"raw_confidence"`

	// MatchType classifies the match.
	MatchType MatchType `json:"match_type"`

	// Reasoning is the stage's free-text justification.
	Reasoning string `json:"reasoning,omitempty"`

	// SuggestedParameters are parameter hints produced during matching
	// (semantic stage only). The Parameter Extractor merges these with its
	// own extraction.
	SuggestedParameters map[string]any `json:"suggested_parameters,omitempty"`

	// Stage records which matcher stage produced the candidate.
	Stage MatchStage `json:"-"`
}

// ConfidenceTier buckets a calibrated confidence for routing decisions.
type ConfidenceTier string

const (
	// TierHigh means execute directly without hedging.
	TierHigh ConfidenceTier = "high"

	// TierMedium means execute, but the Router may fall back on failure.
	TierMedium ConfidenceTier = "medium"

	// TierLow means defer to free-form generation.
	TierLow ConfidenceTier = "low"
)

// CalibratedDecision is a candidate after historical-success calibration.
type CalibratedDecision struct {
	Candidate MatchCandidate `json:"candidate"`

	// CalibratedConfidence is the corrected confidence, clamped to the
	// configured bounds (default [0.05, 0.98]).
	CalibratedConfidence float64 `json:"calibrated_confidence"`

	// Tier is the routing tier derived from CalibratedConfidence.
	Tier ConfidenceTier `json:"tier"`

	// SuccessRate is the rolling success rate used for the correction.
	SuccessRate float64 `json:"success_rate"`

	// Samples is how many real execution records backed SuccessRate.
	Samples int `json:"samples"`
}

// =============================================================================
// Execution Types
// =============================================================================

// Outcome classifies the result of one dispatch.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeUnauthorized Outcome = "unauthorized"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeExecution    Outcome = "execution_error"
)

// ExecutionRecord is one append-only entry in the bounded execution history.
type ExecutionRecord struct {
	// RequestID ties the record back to the originating resolve request.
	RequestID string `json:"request_id"`

	// ToolName is the dispatched tool.
	ToolName string `json:"tool_name"`

	// Category is the tool's catalog category at dispatch time.
	Category string `json:"category,omitempty"`

	// Parameters are the arguments the tool was called with.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Success is true only for OutcomeSuccess.
	Success bool `json:"success"`

	// Outcome is the classified result.
	Outcome Outcome `json:"outcome"`

	// Latency is the total dispatch time including retries.
	Latency time.Duration `json:"latency"`

	// ErrorKind is the error code string for failures, "" on success.
	ErrorKind string `json:"error_kind,omitempty"`

	// Timestamp is when the dispatch completed.
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// Resolution Types (public entry point surface)
// =============================================================================

// Source tags where a resolution's response came from.
type Source string

const (
	// SourceToolDirect means a tool was executed and its result returned.
	SourceToolDirect Source = "tool-direct"

	// SourceGeneration means the response came from free-form generation.
	SourceGeneration Source = "generation"

	// SourceHybrid means the response came from generation after a tool
	// execution attempt contributed to the exchange.
	SourceHybrid Source = "hybrid"
)

// ToolResult is the outcome of one executed tool call within a resolution.
type ToolResult struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Output     string         `json:"output,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Latency    time.Duration  `json:"latency"`
}
