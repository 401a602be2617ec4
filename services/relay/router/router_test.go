// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/relay/services/relay/calibration"
	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/datatypes"
	"github.com/AleutianAI/relay/services/relay/dispatch"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/initialize"
	"github.com/AleutianAI/relay/services/relay/matching"
	"github.com/AleutianAI/relay/services/relay/metadata"
	"github.com/AleutianAI/relay/services/relay/params"
	"github.com/AleutianAI/relay/services/relay/providers"
)

// fakeGeneration records the messages it was sent and replies with fixed
// content. The semantic matcher in these tests always gets an erroring
// client, so matching falls through to the static stage deterministically.
type fakeGeneration struct {
	content   string
	toolCalls []datatypes.ToolCall
	err       error
	messages  []datatypes.Message
	calls     int
}

func (f *fakeGeneration) Send(_ context.Context, messages []datatypes.Message, _ providers.GenerateOptions) (*datatypes.GenerateResult, error) {
	f.calls++
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &datatypes.GenerateResult{Content: f.content, ToolCalls: f.toolCalls}, nil
}

// fakeToolProvider serves a fixed catalog and scripted call results.
type fakeToolProvider struct {
	tools   []engine.ToolDescriptor
	output  string
	callErr error
	calls   int
}

func (f *fakeToolProvider) Name() string               { return "puzzles" }
func (f *fakeToolProvider) Ping(context.Context) error { return nil }
func (f *fakeToolProvider) ListTools(context.Context) ([]engine.ToolDescriptor, error) {
	return f.tools, nil
}

func (f *fakeToolProvider) Call(context.Context, string, map[string]any, time.Duration) (string, error) {
	f.calls++
	if f.callErr != nil {
		return "", f.callErr
	}
	return f.output, nil
}

func queensTool() engine.ToolDescriptor {
	return engine.ToolDescriptor{
		Name:        "solve_n_queens",
		Description: "Place N queens on an N by N board",
		Category:    "puzzle",
		Idempotent:  true,
		Provider:    "puzzles",
		Parameters: []engine.ParameterSchema{
			{Name: "n", Type: "int", Required: true, Default: "8"},
		},
	}
}

type rig struct {
	router   *Router
	init     *initialize.Initializer
	provider *fakeToolProvider
	deferred *fakeGeneration
}

// newRig wires a Router with real collaborators around the two fakes. When
// initialized is true the startup sequence has already completed.
func newRig(t *testing.T, provider *fakeToolProvider, deferred *fakeGeneration, initialized bool) *rig {
	t.Helper()
	cfg := config.Default()
	catalog := engine.NewCatalog()
	store := metadata.NewMemoryStore()
	provs := map[string]providers.ToolProvider{provider.Name(): provider}

	init := initialize.New(cfg, provs, catalog, store, nil)
	if initialized {
		if _, err := init.Initialize(context.Background(), false); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}

	semantic := &fakeGeneration{err: errors.New("semantic backend down")}
	patterns := config.NewPatternStore(config.DefaultPatternTable())
	matcher := matching.NewMatcher(semantic, store, patterns, catalog, cfg.Thresholds, nil)

	history := dispatch.NewHistory(100, 100, 30)
	calibrator := calibration.NewCalibrator(history, catalog, cfg.Thresholds, nil)
	extractor := params.NewExtractor(catalog, store, nil)
	dispatcher := dispatch.NewDispatcher(catalog, provs, store, history, cfg.Dispatch, nil)

	var gen providers.GenerationClient
	if deferred != nil {
		gen = deferred
	}
	return &rig{
		router:   New(init, matcher, calibrator, extractor, dispatcher, gen, cfg.Thresholds, nil),
		init:     init,
		provider: provider,
		deferred: deferred,
	}
}

func TestResolve_ToolDirect(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}, output: "8 queens placed"}
	r := newRig(t, provider, &fakeGeneration{content: "unused"}, true)

	resp, err := r.router.Resolve(context.Background(), Request{Query: "Solve 8 queens"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceToolDirect {
		t.Fatalf("source = %v, want tool-direct", resp.Source)
	}
	if resp.ToolName != "solve_n_queens" || resp.Content != "8 queens placed" {
		t.Errorf("tool/content = %q/%q", resp.ToolName, resp.Content)
	}
	if got := resp.Parameters["n"]; got != 8 {
		t.Errorf("n = %v, want 8", got)
	}
	// Initialization seeded keyword mappings, so with the semantic client
	// down the keyword stage supplies the candidate.
	if resp.Stage != "keyword" {
		t.Errorf("stage = %q, want keyword", resp.Stage)
	}
	if resp.RequestID == "" || resp.ConversationID == "" {
		t.Errorf("ids not assigned: %q/%q", resp.RequestID, resp.ConversationID)
	}
	if resp.Degraded {
		t.Error("degraded = true after full initialization")
	}
	if r.deferred.calls != 0 {
		t.Errorf("generation called %d times on the tool-direct path, want 0", r.deferred.calls)
	}
}

func TestResolve_InformationalDefersWithoutToolShapes(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}}
	r := newRig(t, provider, &fakeGeneration{content: "Sudoku is a puzzle."}, true)

	resp, err := r.router.Resolve(context.Background(), Request{
		Query: "what is sudoku",
		History: []datatypes.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceGeneration {
		t.Fatalf("source = %v, want generation", resp.Source)
	}
	if resp.Content != "Sudoku is a puzzle." {
		t.Errorf("content = %q", resp.Content)
	}
	if provider.calls != 0 {
		t.Errorf("tool provider called %d times for an informational request", provider.calls)
	}

	// The deferred prompt must carry the history but nothing tool-shaped.
	msgs := r.deferred.messages
	if len(msgs) != 4 || msgs[0].Role != "system" || msgs[3].Content != "what is sudoku" {
		t.Fatalf("deferred conversation = %+v", msgs)
	}
	for _, m := range msgs {
		if strings.Contains(m.Content, "solve_n_queens") {
			t.Errorf("deferred prompt leaks a tool name: %q", m.Content)
		}
	}
}

func TestResolve_DispatchFailureIsHybrid(t *testing.T) {
	provider := &fakeToolProvider{
		tools:   []engine.ToolDescriptor{queensTool()},
		callErr: engine.NewError(engine.ErrCodeExecution, "solver crashed", false),
	}
	r := newRig(t, provider, &fakeGeneration{content: "best guess answer"}, true)

	resp, err := r.router.Resolve(context.Background(), Request{Query: "Solve 8 queens"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceHybrid {
		t.Fatalf("source = %v, want hybrid after a failed dispatch", resp.Source)
	}
	if resp.Content != "best guess answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if provider.calls == 0 {
		t.Error("tool provider was never tried")
	}
	if !strings.Contains(r.deferred.messages[0].Content, "failed") {
		t.Errorf("system framing does not mention the failed attempt: %q", r.deferred.messages[0].Content)
	}
}

func TestResolve_DeferredToolCallsDiscarded(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}}
	deferred := &fakeGeneration{
		content:   "Here is my answer.",
		toolCalls: []datatypes.ToolCall{{Name: "solve_n_queens", Arguments: map[string]any{"n": 8}}},
	}
	r := newRig(t, provider, deferred, true)

	resp, err := r.router.Resolve(context.Background(), Request{Query: "tell me about chess"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceGeneration {
		t.Errorf("source = %v, want generation", resp.Source)
	}
	if resp.Content != "Here is my answer." {
		t.Errorf("content = %q, want the free-form text kept", resp.Content)
	}
	if provider.calls != 0 {
		t.Errorf("discarded tool calls were executed: %d provider calls", provider.calls)
	}
}

func TestResolve_ToolsFirstFalseSkipsPipeline(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}}
	r := newRig(t, provider, &fakeGeneration{content: "chatty answer"}, true)

	toolsFirst := false
	resp, err := r.router.Resolve(context.Background(), Request{
		Query:   "Solve 8 queens",
		Options: Options{ToolsFirst: &toolsFirst},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceGeneration || resp.Content != "chatty answer" {
		t.Errorf("source/content = %v/%q, want generation/chatty answer", resp.Source, resp.Content)
	}
	if provider.calls != 0 {
		t.Errorf("tool provider called %d times with tools_first=false", provider.calls)
	}
}

func TestResolve_ConfidenceThresholdOverride(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}, output: "unused"}
	r := newRig(t, provider, &fakeGeneration{content: "deferred answer"}, true)

	// With no history the calibrated confidence sits well under 0.99, so the
	// override forces deferral before any dispatch.
	resp, err := r.router.Resolve(context.Background(), Request{
		Query:   "Solve 8 queens",
		Options: Options{ConfidenceThreshold: 0.99},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceGeneration {
		t.Errorf("source = %v, want generation (no dispatch was attempted)", resp.Source)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times below the override threshold", provider.calls)
	}
}

func TestResolve_DegradedWhenNotReady(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}}
	r := newRig(t, provider, &fakeGeneration{content: "answered anyway"}, false)

	resp, err := r.router.Resolve(context.Background(), Request{Query: "tell me about chess"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resp.Degraded {
		t.Error("degraded = false before initialization completed")
	}
	if resp.Content != "answered anyway" {
		t.Errorf("content = %q, want the request served despite cold start", resp.Content)
	}

	// The degraded request must have kicked initialization off in the
	// background.
	deadline := time.Now().Add(2 * time.Second)
	for !r.init.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("background initialization never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolve_NilGenerationReturnsStaticNotice(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}}
	r := newRig(t, provider, nil, true)

	resp, err := r.router.Resolve(context.Background(), Request{Query: "tell me about chess"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.Source != engine.SourceGeneration {
		t.Errorf("source = %v, want generation", resp.Source)
	}
	if !strings.Contains(resp.Content, "No generation backend") {
		t.Errorf("content = %q, want the static notice", resp.Content)
	}
}

func TestResolve_RequestIDPreserved(t *testing.T) {
	provider := &fakeToolProvider{tools: []engine.ToolDescriptor{queensTool()}, output: "ok"}
	r := newRig(t, provider, &fakeGeneration{}, true)

	resp, err := r.router.Resolve(context.Background(), Request{
		RequestID:      "req-fixed",
		ConversationID: "conv-fixed",
		Query:          "Solve 8 queens",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp.RequestID != "req-fixed" || resp.ConversationID != "conv-fixed" {
		t.Errorf("ids = %q/%q, want caller-supplied values kept", resp.RequestID, resp.ConversationID)
	}
}
