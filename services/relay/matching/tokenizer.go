// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matching turns free request text into ranked, confidence-scored
// tool candidates via a three-stage fallback pipeline: semantic (generation
// backend), metadata keyword, and static pattern. An informational-query
// guard runs before any stage.
package matching

import (
	"strings"
)

// stopWords are tokens too generic to discriminate between tools.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "from": true,
	"in": true, "of": true, "for": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"this": true, "that": true, "these": true, "those": true,
	"me": true, "my": true, "it": true, "its": true, "with": true,
	"please": true, "can": true, "you": true, "i": true, "we": true,
}

// Tokenize folds the query, strips punctuation, splits on whitespace, and
// drops stop words and duplicates. Numbers survive — they often carry the
// parameter payload ("8 queens").
//
// Outputs:
//
//	[]string - Unique meaningful tokens in query order. May be empty.
//
// Thread Safety: Safe for concurrent use (stateless).
func Tokenize(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	var tokens []string
	seen := make(map[string]bool, len(words))

	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'¿¡")
		if w == "" || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		tokens = append(tokens, w)
	}
	return tokens
}

// foldQuery lowercases and normalizes whitespace for phrase matching.
func foldQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
