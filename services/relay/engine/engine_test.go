// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCatalog_ReplaceDeduplicates(t *testing.T) {
	c := NewCatalog()
	n := c.Replace([]ToolDescriptor{
		{Name: "calculate", Provider: "math-a"},
		{Name: "calculate", Provider: "math-b"},
		{Name: "solve_sudoku", Provider: "puzzles"},
	})
	if n != 2 || c.Len() != 2 {
		t.Fatalf("installed = %d, Len = %d, want 2", n, c.Len())
	}
	d, ok := c.Get("calculate")
	if !ok || d.Provider != "math-a" {
		t.Errorf("calculate = %+v, want the first occurrence kept", d)
	}
}

func TestCatalog_ListSorted(t *testing.T) {
	c := NewCatalog()
	c.Replace([]ToolDescriptor{
		{Name: "word_puzzle"},
		{Name: "calculate"},
		{Name: "solve_sudoku"},
	})
	list := c.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Fatalf("List not sorted: %q before %q", list[i-1].Name, list[i].Name)
		}
	}
}

func TestCatalog_ReplaceIsAtomic(t *testing.T) {
	c := NewCatalog()
	c.Replace([]ToolDescriptor{{Name: "old_tool"}})
	c.Replace([]ToolDescriptor{{Name: "new_tool"}})
	if c.Has("old_tool") {
		t.Error("old_tool survived a Replace")
	}
	if !c.Has("new_tool") {
		t.Error("new_tool missing after Replace")
	}
}

func TestError_IsMatchesOnCode(t *testing.T) {
	err := WrapError(ErrCodeTimeout, "call exceeded deadline", true,
		errors.New("context deadline exceeded"))
	if !errors.Is(err, NewError(ErrCodeTimeout, "", false)) {
		t.Error("errors.Is must match on code alone")
	}
	if errors.Is(err, NewError(ErrCodeValidation, "", false)) {
		t.Error("errors.Is matched a different code")
	}
}

func TestError_WrappingPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrCodeConnection, "provider unreachable", true, cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
	// fmt %w chains still resolve to the engine error.
	outer := fmt.Errorf("initialize: %w", err)
	if CodeOf(outer) != ErrCodeConnection {
		t.Errorf("CodeOf through a fmt wrap = %v, want connection", CodeOf(outer))
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{NewError(ErrCodeValidation, "missing grid", false), ErrCodeValidation},
		{errors.New("plain"), ErrCodeExecution},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewError(ErrCodeExecution, "flaky", true)) {
		t.Error("retryable engine error reported non-retryable")
	}
	if IsRetryable(NewError(ErrCodeValidation, "bad args", false)) {
		t.Error("non-retryable engine error reported retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors must never be retried")
	}
}

func TestUserMessage_SuggestionWins(t *testing.T) {
	err := NewError(ErrCodeValidation, "missing parameter grid", false).
		WithSuggestion("Provide the 81-cell grid, digits with dots for blanks.")
	if got := UserMessage(err); !strings.Contains(got, "81-cell") {
		t.Errorf("UserMessage = %q, want the suggestion", got)
	}
}

func TestUserMessage_NeverLeaksInternals(t *testing.T) {
	secret := "badger: open /var/lib/relay: permission denied"
	tests := []error{
		WrapError(ErrCodeConnection, secret, true, errors.New(secret)),
		WrapError(ErrCodeExecution, secret, false, errors.New(secret)),
		errors.New(secret),
	}
	for _, err := range tests {
		if got := UserMessage(err); strings.Contains(got, "badger") {
			t.Errorf("UserMessage leaked internals: %q", got)
		}
	}
}

func TestWithSuggestion_DoesNotMutateOriginal(t *testing.T) {
	base := NewError(ErrCodeValidation, "missing", false)
	withFix := base.WithSuggestion("add the value")
	if base.Suggestion != "" {
		t.Error("WithSuggestion mutated the receiver")
	}
	if withFix.Suggestion == "" || withFix.Code != base.Code {
		t.Errorf("copy = %+v", withFix)
	}
}

func TestMatchStage_Ordering(t *testing.T) {
	if !(StageSemantic < StageKeyword && StageKeyword < StageStatic) {
		t.Error("stage precedence order broken")
	}
	if StageSemantic.String() != "semantic" || StageStatic.String() != "static" {
		t.Errorf("stage names = %q/%q", StageSemantic.String(), StageStatic.String())
	}
}
