// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package params derives best-effort argument objects for a chosen tool from
// raw request text. Extraction never fails: a strategy returns whatever it
// recovered, possibly nothing, and leaves validation to the Dispatcher.
package params

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/relay/services/relay/engine"
)

// =============================================================================
// Strategy Contract
// =============================================================================

// Extraction is what a strategy recovered from the raw text.
type Extraction struct {
	// Parameters is the partial argument object. May be empty, never nil.
	Parameters map[string]any

	// UsedTokens are the input tokens that produced mapping-backed values;
	// their ParameterMapping usage counters increment on dispatch success.
	UsedTokens []string
}

// Strategy extracts parameters for one tool shape.
//
// Implementations must never return an error: partial or empty extraction is
// a valid result, and the Dispatcher's schema validation is the authority on
// whether the result is runnable.
type Strategy interface {
	Extract(tool engine.ToolDescriptor, rawText string) Extraction
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(tool engine.ToolDescriptor, rawText string) Extraction

// Extract implements Strategy.
func (f StrategyFunc) Extract(tool engine.ToolDescriptor, rawText string) Extraction {
	return f(tool, rawText)
}

func emptyExtraction() Extraction {
	return Extraction{Parameters: map[string]any{}}
}

// =============================================================================
// Built-in Strategies
// =============================================================================

var numberPattern = regexp.MustCompile(`\b\d+\b`)

// NumericStrategy pulls the first in-range integer from the text into a
// single named parameter. "Solve 8 queens" → {n: 8}. Out-of-range or missing
// numbers fall back to the declared default, when one exists.
type NumericStrategy struct {
	// Param is the target parameter name, e.g. "n".
	Param string

	// Min and Max bound accepted values inclusively. Max of 0 means no
	// upper bound.
	Min, Max int
}

// Extract implements Strategy.
func (s NumericStrategy) Extract(tool engine.ToolDescriptor, rawText string) Extraction {
	for _, m := range numberPattern.FindAllString(rawText, -1) {
		v, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		if v < s.Min || (s.Max > 0 && v > s.Max) {
			continue
		}
		return Extraction{
			Parameters: map[string]any{s.Param: v},
			UsedTokens: []string{m},
		}
	}
	return defaultsOnly(tool, s.Param)
}

// GridStrategy recovers a puzzle grid: either a contiguous run of exactly
// side² digits (dots and zeros both mean "empty"), or row-per-line digit
// layout. The grid lands in Param as a flat digit string.
type GridStrategy struct {
	// Param is the target parameter name, e.g. "grid".
	Param string

	// Side is the grid edge length, e.g. 9 for sudoku.
	Side int
}

// Extract implements Strategy.
func (s GridStrategy) Extract(tool engine.ToolDescriptor, rawText string) Extraction {
	want := s.Side * s.Side

	var cells strings.Builder
	for _, r := range rawText {
		switch {
		case r >= '0' && r <= '9':
			cells.WriteRune(r)
		case r == '.' || r == '_':
			cells.WriteRune('0')
		}
	}
	flat := cells.String()
	if len(flat) < want {
		return emptyExtraction()
	}

	// Prefer a contiguous run in the original text; otherwise take the
	// first side² collected cells. Either way the Dispatcher validates.
	grid := flat[:want]
	return Extraction{Parameters: map[string]any{s.Param: grid}}
}

// mathChars accepts expression bodies: digits, operators, grouping, spaces.
var mathPattern = regexp.MustCompile(`[\d\s+\-*/^%().,]+`)

// ExpressionStrategy recovers an arithmetic expression payload. It takes the
// longest operator-bearing run of math characters, so "what is 2 + 2 * 3"
// yields "2 + 2 * 3".
type ExpressionStrategy struct {
	// Param is the target parameter name, e.g. "expression".
	Param string
}

// Extract implements Strategy.
func (s ExpressionStrategy) Extract(tool engine.ToolDescriptor, rawText string) Extraction {
	best := ""
	for _, m := range mathPattern.FindAllString(rawText, -1) {
		m = strings.TrimSpace(m)
		if !strings.ContainsAny(m, "+-*/^%") {
			continue
		}
		if len(m) > len(best) {
			best = m
		}
	}
	if best == "" {
		return emptyExtraction()
	}
	return Extraction{Parameters: map[string]any{s.Param: best}}
}

// FreeTextStrategy hands the whole trimmed request to one parameter. Used
// for tools whose payload is the request itself, e.g. word puzzles.
type FreeTextStrategy struct {
	// Param is the target parameter name, e.g. "text".
	Param string
}

// Extract implements Strategy.
func (s FreeTextStrategy) Extract(tool engine.ToolDescriptor, rawText string) Extraction {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return emptyExtraction()
	}
	return Extraction{Parameters: map[string]any{s.Param: text}}
}

// defaultsOnly fills the named parameter from its declared schema default,
// typed per the schema.
func defaultsOnly(tool engine.ToolDescriptor, param string) Extraction {
	for _, p := range tool.Parameters {
		if p.Name != param || p.Default == "" {
			continue
		}
		return Extraction{Parameters: map[string]any{param: coerceDefault(p)}}
	}
	return emptyExtraction()
}

// coerceDefault converts a declared string default to the schema's type.
// Unparseable defaults pass through as strings; the Dispatcher will reject
// them if the tool cannot accept that.
func coerceDefault(p engine.ParameterSchema) any {
	switch p.Type {
	case "int":
		if v, err := strconv.Atoi(p.Default); err == nil {
			return v
		}
	case "float":
		if v, err := strconv.ParseFloat(p.Default, 64); err == nil {
			return v
		}
	case "bool":
		if v, err := strconv.ParseBool(p.Default); err == nil {
			return v
		}
	}
	return p.Default
}
