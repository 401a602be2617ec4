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
	"strings"

	"github.com/AleutianAI/relay/services/relay/config"
)

// =============================================================================
// Informational-Query Guard
// =============================================================================

// Guard classifies purely informational requests so the matcher can
// short-circuit them straight to free-form generation.
//
// Description:
//
//	A request that matches question/definition/explanation phrasing in any
//	supported language is informational — UNLESS it also contains a strong
//	tool-trigger term, in which case the classification is suppressed.
//	"What is the N-Queens problem?" is informational; "What is the
//	solution? Solve 8 queens" is not.
//
//	Phrases and trigger terms come from the hot-reloadable pattern store,
//	so the guard follows pattern table edits without a restart.
//
// Thread Safety: Safe for concurrent use.
type Guard struct {
	patterns *config.PatternStore
}

// NewGuard creates a Guard reading rules from the pattern store.
//
// Inputs:
//
//	patterns - Pattern store. Must not be nil.
func NewGuard(patterns *config.PatternStore) *Guard {
	return &Guard{patterns: patterns}
}

// IsInformational reports whether the request should bypass tool matching.
//
// Outputs:
//
//	informational - True when the request is purely informational.
//	phrase - The informational phrase that matched, for logging. Empty
//	when informational is false.
func (g *Guard) IsInformational(query string) (informational bool, phrase string) {
	rules := g.patterns.Table().Guard
	folded := foldQuery(query)
	if folded == "" {
		return false, ""
	}

	matched := ""
	for _, p := range rules.InformationalPhrases {
		if strings.Contains(folded, p) {
			matched = p
			break
		}
	}
	if matched == "" {
		return false, ""
	}

	// A strong tool-trigger term suppresses the classification: the user
	// is phrasing a command as a question.
	tokens := Tokenize(folded)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}
	for _, trigger := range rules.TriggerTerms {
		if tokenSet[strings.ToLower(trigger)] {
			return false, ""
		}
	}

	return true, matched
}
