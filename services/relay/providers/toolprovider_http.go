// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/relay/services/relay/engine"
)

// =============================================================================
// HTTP Tool Provider
// =============================================================================

// HTTPToolProvider talks to a tool-host service exposing:
//
//	GET  {base}/v1/tools              → {"tools": [ToolDescriptor...]}
//	POST {base}/v1/tools/{name}/call  → {"output": "..."} | {"error": "..."}
//	GET  {base}/v1/health             → 200
//
// Thread Safety: Safe for concurrent use.
type HTTPToolProvider struct {
	name       string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// toolListResponse is the ListTools response body.
type toolListResponse struct {
	Tools []engine.ToolDescriptor `json:"tools"`
}

// toolCallResponse is the Call response body.
type toolCallResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// NewHTTPToolProvider creates a tool provider client.
//
// Inputs:
//
//	name - Provider identifier for descriptors and logs. Must not be empty.
//	baseURL - Tool host base URL. Must not be empty.
//	timeout - Default per-call bound. Zero uses 10s.
//	logger - Logger instance. May be nil.
func NewHTTPToolProvider(name, baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPToolProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPToolProvider{
		name:       name,
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Name implements ToolProvider.
func (p *HTTPToolProvider) Name() string {
	return p.name
}

// Ping implements ToolProvider. Used by the Initializer's connect step;
// failure there degrades the system instead of failing requests.
func (p *HTTPToolProvider) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/health", nil)
	if err != nil {
		return engine.WrapError(engine.ErrCodeConnection, "build health request", false, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return engine.WrapError(engine.ErrCodeConnection,
			fmt.Sprintf("tool provider %s unreachable", p.name), true, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return engine.NewError(engine.ErrCodeConnection,
			fmt.Sprintf("tool provider %s health returned %d", p.name, resp.StatusCode), true)
	}
	return nil
}

// ListTools implements ToolProvider.
func (p *HTTPToolProvider) ListTools(ctx context.Context) ([]engine.ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/tools", nil)
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeConnection, "build list request", false, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeConnection,
			fmt.Sprintf("list tools from %s failed", p.name), true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeConnection, "read tool list", true, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, engine.NewError(engine.ErrCodeConnection,
			fmt.Sprintf("tool provider %s list returned %d", p.name, resp.StatusCode), resp.StatusCode >= 500)
	}

	var parsed toolListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, engine.WrapError(engine.ErrCodeConnection, "parse tool list", false, err)
	}

	now := time.Now()
	for i := range parsed.Tools {
		parsed.Tools[i].Provider = p.name
		parsed.Tools[i].RefreshedAt = now
	}
	return parsed.Tools, nil
}

// Call implements ToolProvider.
func (p *HTTPToolProvider) Call(ctx context.Context, name string, args map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{"arguments": args})
	if err != nil {
		return "", engine.WrapError(engine.ErrCodeValidation, "marshal tool arguments", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/tools/%s/call", p.baseURL, name), bytes.NewReader(payload))
	if err != nil {
		return "", engine.WrapError(engine.ErrCodeExecution, "build call request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || ctx.Err() == context.Canceled {
			return "", engine.WrapError(engine.ErrCodeTimeout,
				fmt.Sprintf("tool %s call timed out", name), true, err)
		}
		return "", engine.WrapError(engine.ErrCodeExecution,
			fmt.Sprintf("tool %s call failed", name), true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", engine.WrapError(engine.ErrCodeExecution, "read tool response", true, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Fall through to parse below.
	case http.StatusNotFound:
		return "", engine.NewError(engine.ErrCodeToolNotFound,
			fmt.Sprintf("tool %s not found on provider %s", name, p.name), false)
	case http.StatusForbidden, http.StatusUnauthorized:
		return "", engine.NewError(engine.ErrCodeUnauthorized,
			fmt.Sprintf("tool %s rejected by provider %s", name, p.name), false)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return "", engine.NewError(engine.ErrCodeValidation,
			fmt.Sprintf("tool %s rejected arguments: %s", name, truncate(string(body), 200)), false)
	default:
		return "", engine.NewError(engine.ErrCodeExecution,
			fmt.Sprintf("tool %s returned %d: %s", name, resp.StatusCode, truncate(string(body), 200)),
			resp.StatusCode >= 500)
	}

	var parsed toolCallResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", engine.WrapError(engine.ErrCodeExecution, "parse tool response", false, err)
	}
	if parsed.Error != "" {
		return "", engine.NewError(engine.ErrCodeExecution,
			fmt.Sprintf("tool %s failed: %s", name, parsed.Error), true)
	}
	return parsed.Output, nil
}
