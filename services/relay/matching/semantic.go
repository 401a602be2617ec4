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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/AleutianAI/relay/services/relay/datatypes"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/providers"
)

// =============================================================================
// Stage A — Semantic Matching
// =============================================================================

// semanticPromptTemplate enumerates every known tool for the generation
// backend and demands a strict JSON array response. This is the sanctioned
// tool-enumeration channel; the Router's deferred path never sends schemas.
const semanticPromptTemplate = `You are a capability router. Given a user request, decide which of the following tools (if any) could fulfill it.

## Available Tools
{{range .Tools}}
### {{.Name}}
{{.Description}}
{{- if .Category}}
Category: {{.Category}}
{{- end}}
{{- if .Parameters}}
Parameters:
{{- range .Parameters}}
  - {{.Name}} ({{.Type}}{{if .Required}}, required{{end}}{{if .Default}}, default: {{.Default}}{{end}}): {{.Description}}
{{- end}}
{{- end}}
{{- if index $.Examples .Name}}
Example requests: {{join (index $.Examples .Name) "; "}}
{{- end}}
{{end}}

## Response Format
Respond with ONLY a JSON array, no markdown, no explanation:
[{"tool_name": "<name>", "confidence": <0.0-1.0>, "match_type": "exact|semantic|contextual|intent", "reasoning": "<one sentence>", "suggested_parameters": {}}]

Return an empty array [] if no tool applies. Never invent tool names.`

// semanticEntry is one element of the strict response array.
type semanticEntry struct {
	ToolName            string         `json:"tool_name"`
	Confidence          float64        `json:"confidence"`
	MatchType           string         `json:"match_type"`
	Reasoning           string         `json:"reasoning"`
	SuggestedParameters map[string]any `json:"suggested_parameters"`
}

// SemanticStage delegates matching to the Generation Service.
//
// Description:
//
//	Sends a tool-enumeration prompt and parses a strict structured array.
//	Entries with out-of-range confidence, unknown match types, or tool
//	names absent from the catalog are discarded. Any transport or parse
//	failure returns an error so the matcher falls through silently to the
//	keyword stage.
//
// Thread Safety: Safe for concurrent use.
type SemanticStage struct {
	client  providers.GenerationClient
	catalog *engine.Catalog
	tmpl    *template.Template
	logger  *slog.Logger
}

// NewSemanticStage creates the semantic stage.
//
// Inputs:
//
//	client - Generation Service client. May be nil (stage always falls through).
//	catalog - Tool catalog. Must not be nil.
//	logger - Logger instance. May be nil.
func NewSemanticStage(client providers.GenerationClient, catalog *engine.Catalog, logger *slog.Logger) *SemanticStage {
	if logger == nil {
		logger = slog.Default()
	}
	tmpl := template.Must(template.New("semantic").
		Funcs(template.FuncMap{"join": strings.Join}).
		Parse(semanticPromptTemplate))
	return &SemanticStage{client: client, catalog: catalog, tmpl: tmpl, logger: logger}
}

// Match runs the semantic stage.
//
// Outputs:
//
//	[]engine.MatchCandidate - Validated candidates, unordered.
//	error - Non-nil on transport/parse failure; the matcher treats any
//	error as silent fallthrough, never as a request failure.
func (s *SemanticStage) Match(ctx context.Context, query string, examples map[string][]string) ([]engine.MatchCandidate, error) {
	if s.client == nil {
		return nil, engine.NewError(engine.ErrCodeUpstreamGeneration, "no generation client configured", false)
	}
	tools := s.catalog.List()
	if len(tools) == 0 {
		return nil, engine.NewError(engine.ErrCodeUpstreamGeneration, "catalog is empty", false)
	}

	prompt, err := s.buildPrompt(tools, examples)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Send(ctx,
		[]datatypes.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: query},
		},
		providers.GenerateOptions{Temperature: 0.1, MaxTokens: 512},
	)
	if err != nil {
		return nil, err
	}

	entries, err := parseSemanticResponse(result.Content)
	if err != nil {
		return nil, err
	}

	var candidates []engine.MatchCandidate
	for _, e := range entries {
		if e.Confidence < 0 || e.Confidence > 1 {
			s.logger.Debug("semantic entry discarded: confidence out of range",
				slog.String("tool", e.ToolName), slog.Float64("confidence", e.Confidence))
			continue
		}
		mt := engine.MatchType(e.MatchType)
		if !engine.ValidMatchType(mt) {
			s.logger.Debug("semantic entry discarded: unknown match type",
				slog.String("tool", e.ToolName), slog.String("match_type", e.MatchType))
			continue
		}
		if !s.catalog.Has(e.ToolName) {
			// Model hallucinated a tool name. Discard, never resolve.
			s.logger.Warn("semantic entry discarded: unknown tool",
				slog.String("tool", e.ToolName))
			continue
		}
		candidates = append(candidates, engine.MatchCandidate{
			ToolName:            e.ToolName,
			RawConfidence:       e.Confidence,
			MatchType:           mt,
			Reasoning:           e.Reasoning,
			SuggestedParameters: e.SuggestedParameters,
			Stage:               engine.StageSemantic,
		})
	}
	return candidates, nil
}

// buildPrompt renders the tool-enumeration system prompt.
func (s *SemanticStage) buildPrompt(tools []engine.ToolDescriptor, examples map[string][]string) (string, error) {
	if examples == nil {
		examples = map[string][]string{}
	}
	data := struct {
		Tools    []engine.ToolDescriptor
		Examples map[string][]string
	}{Tools: tools, Examples: examples}

	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", engine.WrapError(engine.ErrCodeUpstreamGeneration, "render semantic prompt", false, err)
	}
	return buf.String(), nil
}

// parseSemanticResponse extracts the strict JSON array from the response,
// tolerating markdown fences the way small models tend to emit them.
func parseSemanticResponse(response string) ([]semanticEntry, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, engine.NewError(engine.ErrCodeUpstreamGeneration,
			fmt.Sprintf("no JSON array in semantic response: %s", truncateForLog(response, 100)), false)
	}

	var entries []semanticEntry
	if err := json.Unmarshal([]byte(response[start:end+1]), &entries); err != nil {
		return nil, engine.WrapError(engine.ErrCodeUpstreamGeneration, "parse semantic response", false, err)
	}
	return entries, nil
}

// truncateForLog shortens s for log fields and span attributes.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
