// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package initialize

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/engine"
	"github.com/AleutianAI/relay/services/relay/metadata"
	"github.com/AleutianAI/relay/services/relay/providers"
)

// fakeProvider counts calls and can fail Ping on demand.
type fakeProvider struct {
	name      string
	tools     []engine.ToolDescriptor
	pingErr   error
	pingDelay time.Duration

	pings     atomic.Int64
	listCalls atomic.Int64
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Ping(ctx context.Context) error {
	f.pings.Add(1)
	if f.pingDelay > 0 {
		select {
		case <-time.After(f.pingDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.pingErr
}

func (f *fakeProvider) ListTools(context.Context) ([]engine.ToolDescriptor, error) {
	f.listCalls.Add(1)
	return f.tools, nil
}

func (f *fakeProvider) Call(context.Context, string, map[string]any, time.Duration) (string, error) {
	return "", nil
}

func testTools() []engine.ToolDescriptor {
	return []engine.ToolDescriptor{
		{
			Name:        "solve_sudoku",
			Description: "Solve a sudoku grid",
			Category:    "puzzle",
			Idempotent:  true,
			Provider:    "puzzles",
			Parameters: []engine.ParameterSchema{
				{Name: "grid", Type: "grid", Required: true},
			},
		},
		{
			Name:        "calculate",
			Description: "Evaluate an arithmetic expression",
			Category:    "math",
			Idempotent:  true,
			Provider:    "puzzles",
		},
	}
}

func setup(t *testing.T, p *fakeProvider) (*Initializer, *engine.Catalog, *metadata.MemoryStore) {
	t.Helper()
	catalog := engine.NewCatalog()
	store := metadata.NewMemoryStore()
	init := New(config.Default(), map[string]providers.ToolProvider{p.name: p}, catalog, store, nil)
	return init, catalog, store
}

func TestInitialize_HappyPath(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools()}
	init, catalog, store := setup(t, p)

	state, err := init.Initialize(context.Background(), false)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !state.Ready || state.Phase != PhaseReady {
		t.Errorf("state = %+v, want ready", state)
	}
	if !state.ConfigLoaded || !state.ProvidersConnected || !state.CatalogLoaded || !state.MappingsBuilt {
		t.Errorf("step flags incomplete: %+v", state)
	}
	if state.ToolCount != 2 || catalog.Len() != 2 {
		t.Errorf("tool count = %d/%d, want 2", state.ToolCount, catalog.Len())
	}

	// Mapping derivation persisted keywords referencing catalog tools.
	rows, err := store.KeywordsFor(context.Background(), "solve_sudoku")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) == 0 {
		t.Fatal("no keyword mappings derived for solve_sudoku")
	}
	found := false
	for _, r := range rows {
		if r.Keyword == "sudoku" && r.Confidence == 0.9 {
			found = true
		}
		if r.Source != engine.SourceExtracted {
			t.Errorf("keyword %q source = %v, want extracted", r.Keyword, r.Source)
		}
	}
	if !found {
		t.Errorf("name-derived keyword 'sudoku' missing from %v", rows)
	}
}

func TestInitialize_ReadyIsCached(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools()}
	init, _, _ := setup(t, p)

	if _, err := init.Initialize(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := init.Initialize(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if got := p.listCalls.Load(); got != 1 {
		t.Errorf("catalog fetched %d times, want 1 (second call must use cache)", got)
	}
}

func TestInitialize_ForceReruns(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools()}
	init, _, _ := setup(t, p)

	if _, err := init.Initialize(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := init.Initialize(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if got := p.listCalls.Load(); got != 2 {
		t.Errorf("catalog fetched %d times, want 2 after force", got)
	}
}

func TestInitialize_SingleFlight(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools(), pingDelay: 50 * time.Millisecond}
	init, _, _ := setup(t, p)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = init.Initialize(context.Background(), false)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := p.listCalls.Load(); got != 1 {
		t.Errorf("pipeline ran %d times for %d concurrent callers, want 1", got, callers)
	}
}

func TestInitialize_FailureRetainsProgressAndResumes(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools(),
		pingErr: engine.NewError(engine.ErrCodeConnection, "provider down", true)}
	init, _, _ := setup(t, p)

	state, err := init.Initialize(context.Background(), false)
	if err == nil {
		t.Fatal("expected failure with provider down")
	}
	if state.Ready || state.Phase != PhaseFailed || state.Error == "" {
		t.Errorf("state = %+v, want failed with error", state)
	}
	if !state.ConfigLoaded {
		t.Error("config step completed before the failure; its flag must be retained")
	}
	if state.ProvidersConnected {
		t.Error("failed step must not be marked complete")
	}

	// Provider recovers; a non-forced call resumes from the failed step.
	p.pingErr = nil
	state, err = init.Initialize(context.Background(), false)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !state.Ready {
		t.Errorf("state = %+v, want ready after resume", state)
	}
}

func TestInitializeInBackground_DoesNotBlock(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools(), pingDelay: 20 * time.Millisecond}
	init, _, _ := setup(t, p)

	start := time.Now()
	init.InitializeInBackground(context.Background(), time.Millisecond)
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("InitializeInBackground blocked for %v", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !init.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("background initialization never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatus_Snapshot(t *testing.T) {
	p := &fakeProvider{name: "puzzles", tools: testTools()}
	init, _, _ := setup(t, p)

	if s := init.Status(); s.Phase != PhaseIdle || s.Ready {
		t.Errorf("fresh status = %+v, want idle", s)
	}
	if _, err := init.Initialize(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if s := init.Status(); s.Phase != PhaseReady || !s.Ready {
		t.Errorf("status after init = %+v, want ready", s)
	}
}
