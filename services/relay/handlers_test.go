// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

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
	"github.com/AleutianAI/relay/services/relay/router"
)

// stubGeneration answers every prompt with fixed content.
type stubGeneration struct {
	content string
	err     error
}

func (s *stubGeneration) Send(context.Context, []datatypes.Message, providers.GenerateOptions) (*datatypes.GenerateResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &datatypes.GenerateResult{Content: s.content}, nil
}

// stubToolProvider serves one tool and a fixed call result.
type stubToolProvider struct {
	output string
}

func (s *stubToolProvider) Name() string               { return "puzzles" }
func (s *stubToolProvider) Ping(context.Context) error { return nil }
func (s *stubToolProvider) ListTools(context.Context) ([]engine.ToolDescriptor, error) {
	return []engine.ToolDescriptor{{
		Name:        "solve_n_queens",
		Description: "Place N queens on an N by N board",
		Category:    "puzzle",
		Idempotent:  true,
		Provider:    "puzzles",
		Parameters: []engine.ParameterSchema{
			{Name: "n", Type: "int", Required: true, Default: "8"},
		},
	}}, nil
}

func (s *stubToolProvider) Call(context.Context, string, map[string]any, time.Duration) (string, error) {
	return s.output, nil
}

// setupServer wires a full engine behind the gin routes. When initialized is
// true the startup sequence has already run.
func setupServer(t *testing.T, initialized bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	catalog := engine.NewCatalog()
	store := metadata.NewMemoryStore()
	provs := map[string]providers.ToolProvider{"puzzles": &stubToolProvider{output: "solved"}}

	init := initialize.New(cfg, provs, catalog, store, nil)
	if initialized {
		if _, err := init.Initialize(context.Background(), false); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	}

	patterns := config.NewPatternStore(config.DefaultPatternTable())
	matcher := matching.NewMatcher(&stubGeneration{content: "[]"}, store, patterns, catalog, cfg.Thresholds, nil)
	history := dispatch.NewHistory(100, 100, 30)
	calibrator := calibration.NewCalibrator(history, catalog, cfg.Thresholds, nil)
	extractor := params.NewExtractor(catalog, store, nil)
	dispatcher := dispatch.NewDispatcher(catalog, provs, store, history, cfg.Dispatch, nil)
	rt := router.New(init, matcher, calibrator, extractor, dispatcher,
		&stubGeneration{content: "generated answer"}, cfg.Thresholds, nil)

	handlers := NewHandlers(rt, init, catalog, history, nil)
	ginRouter := gin.New()
	RegisterRoutes(ginRouter.Group("/v1"), handlers)
	return ginRouter
}

func doRequest(t *testing.T, ginRouter *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ginRouter.ServeHTTP(w, req)
	return w
}

func TestHandleResolve_Success(t *testing.T) {
	ginRouter := setupServer(t, true)

	w := doRequest(t, ginRouter, http.MethodPost, "/v1/relay/resolve",
		`{"query": "Solve 8 queens"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp router.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Source != engine.SourceToolDirect {
		t.Errorf("source = %v, want tool-direct", resp.Source)
	}
	if resp.ToolName != "solve_n_queens" || resp.Content != "solved" {
		t.Errorf("tool/content = %q/%q", resp.ToolName, resp.Content)
	}
}

func TestHandleResolve_EmptyQuery(t *testing.T) {
	ginRouter := setupServer(t, true)

	w := doRequest(t, ginRouter, http.MethodPost, "/v1/relay/resolve", `{"query": ""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "MISSING_PARAMETER" {
		t.Errorf("code = %q, want MISSING_PARAMETER", body.Code)
	}
}

func TestHandleResolve_MalformedBody(t *testing.T) {
	ginRouter := setupServer(t, true)

	w := doRequest(t, ginRouter, http.MethodPost, "/v1/relay/resolve", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "INVALID_BODY" {
		t.Errorf("code = %q, want INVALID_BODY", body.Code)
	}
}

func TestHandleResolve_RequestIDHeaderEchoed(t *testing.T) {
	ginRouter := setupServer(t, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/relay/resolve",
		strings.NewReader(`{"query": "tell me about chess"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-header-42")
	w := httptest.NewRecorder()
	ginRouter.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp router.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "req-header-42" {
		t.Errorf("request_id = %q, want the inbound header value", resp.RequestID)
	}
}

func TestHandleTools(t *testing.T) {
	ginRouter := setupServer(t, true)

	w := doRequest(t, ginRouter, http.MethodGet, "/v1/relay/tools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Tools []engine.ToolDescriptor `json:"tools"`
		Count int                     `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || len(body.Tools) != 1 || body.Tools[0].Name != "solve_n_queens" {
		t.Errorf("tools = %+v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	ginRouter := setupServer(t, true)

	w := doRequest(t, ginRouter, http.MethodGet, "/v1/relay/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Initialization initialize.State `json:"initialization"`
		HistorySize    int              `json:"history_size"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Initialization.Ready {
		t.Errorf("initialization = %+v, want ready", body.Initialization)
	}
}

func TestHandleInit_Runs(t *testing.T) {
	ginRouter := setupServer(t, false)

	w := doRequest(t, ginRouter, http.MethodPost, "/v1/relay/init", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Initialization initialize.State `json:"initialization"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Initialization.Ready {
		t.Errorf("initialization = %+v, want ready after POST /init", body.Initialization)
	}
}

func TestHandleHistory_AfterResolve(t *testing.T) {
	ginRouter := setupServer(t, true)

	if w := doRequest(t, ginRouter, http.MethodPost, "/v1/relay/resolve",
		`{"query": "Solve 8 queens"}`); w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", w.Code)
	}

	w := doRequest(t, ginRouter, http.MethodGet, "/v1/relay/history?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Records []engine.ExecutionRecord `json:"records"`
		Total   int                      `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Records) != 1 {
		t.Fatalf("history = %+v, want one record", body)
	}
	if body.Records[0].ToolName != "solve_n_queens" || !body.Records[0].Success {
		t.Errorf("record = %+v", body.Records[0])
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	ginRouter := setupServer(t, false)

	if w := doRequest(t, ginRouter, http.MethodGet, "/v1/relay/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 regardless of readiness", w.Code)
	}
	if w := doRequest(t, ginRouter, http.MethodGet, "/v1/relay/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503 before initialization", w.Code)
	}

	if w := doRequest(t, ginRouter, http.MethodPost, "/v1/relay/init", ""); w.Code != http.StatusOK {
		t.Fatalf("init status = %d", w.Code)
	}
	if w := doRequest(t, ginRouter, http.MethodGet, "/v1/relay/ready", ""); w.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200 after initialization", w.Code)
	}
}
