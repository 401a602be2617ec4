// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Pattern Table
// =============================================================================

//go:embed static_patterns.yaml
var defaultStaticPatternsYAML []byte

// =============================================================================
// Static Pattern Types
// =============================================================================

// StaticPatternRule maps keywords and whole phrases to one or more tools.
//
// Description:
//
//	Rules are the last-resort matching stage: they require no metadata
//	store and no generation backend, so a result can always be attempted
//	even on a cold start. Score = min(1, weight × matchedFraction), with
//	whole-phrase matches counted at twice the weight of single keywords.
type StaticPatternRule struct {
	// Keywords are single tokens matched against the tokenized query.
	Keywords []string `yaml:"keywords"`

	// Phrases are multi-word substrings matched against the folded query.
	Phrases []string `yaml:"phrases"`

	// Weight scales the matched fraction into a confidence.
	Weight float64 `yaml:"weight"`

	// Tools are the tool names this rule proposes.
	Tools []string `yaml:"tools"`
}

// GuardRules configures the informational-query guard.
type GuardRules struct {
	// InformationalPhrases are question/definition/explanation openers,
	// folded, in every supported language.
	InformationalPhrases []string `yaml:"informational_phrases"`

	// TriggerTerms are strong tool-trigger words that suppress the
	// informational classification when present.
	TriggerTerms []string `yaml:"trigger_terms"`
}

// PatternTable is the full static matching ruleset.
type PatternTable struct {
	// Rules is the static pattern table for Stage C.
	Rules []StaticPatternRule `yaml:"rules"`

	// Guard configures the informational-query guard.
	Guard GuardRules `yaml:"guard"`
}

// =============================================================================
// Pattern Store (hot-reloadable)
// =============================================================================

// PatternStore holds the active PatternTable behind a read lock so the
// matcher can keep serving while a reload swaps the table.
//
// Thread Safety: Safe for concurrent use.
type PatternStore struct {
	mu    sync.RWMutex
	table *PatternTable
}

// NewPatternStore creates a store seeded with the given table.
func NewPatternStore(table *PatternTable) *PatternStore {
	return &PatternStore{table: table}
}

// DefaultPatternTable parses the embedded static pattern YAML.
//
// Panics if the embedded YAML is malformed — a build defect.
func DefaultPatternTable() *PatternTable {
	t := &PatternTable{}
	if err := yaml.Unmarshal(defaultStaticPatternsYAML, t); err != nil {
		panic(fmt.Sprintf("config: embedded static_patterns.yaml is invalid: %v", err))
	}
	return t
}

// LoadPatternTable reads a pattern table from path, or returns the embedded
// defaults when path is empty.
func LoadPatternTable(path string) (*PatternTable, error) {
	if path == "" {
		return DefaultPatternTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read patterns %s: %w", path, err)
	}
	t := &PatternTable{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("config: parse patterns %s: %w", path, err)
	}
	return t, nil
}

// Table returns the active pattern table.
//
// The returned pointer is shared; callers must treat it as read-only.
func (s *PatternStore) Table() *PatternTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Reload replaces the active table from path. On failure the previous
// table stays active and the error is returned for logging.
func (s *PatternStore) Reload(path string) error {
	t, err := LoadPatternTable(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
	return nil
}
