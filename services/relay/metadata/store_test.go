// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metadata

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/relay/services/relay/engine"
)

func keywordRow(tool, kw string, conf float64) engine.KeywordMapping {
	return engine.KeywordMapping{
		ToolName: tool, Keyword: kw, Confidence: conf,
		Source: engine.SourceExtracted,
	}
}

func TestMemoryStore_UpsertKeywordsDeduplicates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.UpsertKeywords(ctx, "solve_sudoku", []engine.KeywordMapping{
		keywordRow("solve_sudoku", "sudoku", 0.5),
		keywordRow("solve_sudoku", "grid", 0.5),
		keywordRow("solve_sudoku", "sudoku", 0.9), // later row wins
	})
	if err != nil {
		t.Fatal(err)
	}

	rows, err := s.KeywordsFor(ctx, "solve_sudoku")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v, want 2 after dedupe", rows)
	}
	for _, r := range rows {
		if r.Keyword == "sudoku" && r.Confidence != 0.9 {
			t.Errorf("sudoku confidence = %.2f, want the later row's 0.9", r.Confidence)
		}
	}
}

func TestMemoryStore_UpsertPreservesUsageCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	seed := []engine.ParameterMapping{{
		ToolName: "solve_sudoku", UserInputToken: "grid",
		ResolvedParameter: "grid", Confidence: 0.8,
	}}
	if err := s.UpsertParameterMappings(ctx, "solve_sudoku", seed); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementParameterUsage(ctx, "solve_sudoku", []string{"grid"}); err != nil {
		t.Fatal(err)
	}
	// A catalog refresh re-upserts the derived rows with zero counts.
	if err := s.UpsertParameterMappings(ctx, "solve_sudoku", seed); err != nil {
		t.Fatal(err)
	}

	rows, err := s.ParameterMappings(ctx, "solve_sudoku")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].UsageCount != 1 {
		t.Errorf("rows = %+v, want usage count 1 to survive the re-upsert", rows)
	}
}

func TestMemoryStore_IncrementIgnoresUnknownTokens(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.IncrementParameterUsage(ctx, "solve_sudoku", []string{"grid"}); err != nil {
		t.Fatalf("increment on empty store must be a no-op, got %v", err)
	}
}

func TestMemoryStore_UnavailableReturnsConnectionError(t *testing.T) {
	s := NewMemoryStore()
	s.SetUnavailable(true)
	ctx := context.Background()

	_, err := s.AllKeywords(ctx)
	if err == nil {
		t.Fatal("expected error with the store unavailable")
	}
	if !errors.Is(err, engine.NewError(engine.ErrCodeConnection, "", false)) {
		t.Errorf("error = %v, want connection code", err)
	}

	s.SetUnavailable(false)
	if _, err := s.AllKeywords(ctx); err != nil {
		t.Errorf("store still failing after recovery: %v", err)
	}
}

func TestRankKeywords(t *testing.T) {
	all := []engine.KeywordMapping{
		keywordRow("solve_sudoku", "sudoku", 0.9),
		keywordRow("solve_sudoku", "grid", 0.5),
		keywordRow("calculate", "arithmetic", 0.7),
	}

	out := RankKeywords(all, "solve this sudoku grid", 10)
	if len(out) != 1 {
		t.Fatalf("suggestions = %+v, want only the matched tool", out)
	}
	got := out[0]
	if got.ToolName != "solve_sudoku" || len(got.MatchedKeywords) != 2 {
		t.Errorf("suggestion = %+v", got)
	}
	// Both keywords matched, so the normalized confidence is 1.0.
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %.2f, want 1.0", got.Confidence)
	}
}

func TestRankKeywords_LimitAndEmptyQuery(t *testing.T) {
	all := []engine.KeywordMapping{
		keywordRow("a", "alpha", 0.9),
		keywordRow("b", "beta", 0.8),
	}
	if out := RankKeywords(all, "alpha beta", 1); len(out) != 1 {
		t.Errorf("limit ignored: %+v", out)
	}
	if out := RankKeywords(all, "", 5); out != nil {
		t.Errorf("empty query must rank nothing, got %+v", out)
	}
}

func TestMemoryStore_RecordUsageAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	records := []UsageRecord{
		{ToolName: "calculate", Success: true, LatencyMillis: 12},
		{ToolName: "calculate", Success: false, LatencyMillis: 30},
	}
	for _, rec := range records {
		if err := s.RecordUsage(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	// Stats are internal; what matters is that recording never errors and
	// the store stays serviceable afterwards.
	if _, err := s.AllKeywords(ctx); err != nil {
		t.Errorf("store unusable after RecordUsage: %v", err)
	}
}
