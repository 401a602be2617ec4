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

	"github.com/AleutianAI/relay/services/relay/datatypes"
	"github.com/AleutianAI/relay/services/relay/engine"
)

// =============================================================================
// Ollama-Compatible Generation Client
// =============================================================================

// chatRequest is the /api/chat request body (Ollama-compatible schema).
type chatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  chatRequestOptions  `json:"options,omitempty"`
}

// chatRequestOptions carries per-request sampling options.
type chatRequestOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatResponse is the /api/chat response body.
type chatResponse struct {
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls,omitempty"`
	} `json:"message"`
}

// HTTPGenerationClient talks to an Ollama-compatible /api/chat endpoint.
//
// Description:
//
//	Non-streaming chat only — the Relay engine needs the full response
//	before it can parse structured matcher output or tag a resolution.
//	Each Send carries its own timeout; the client never serializes calls.
//
// Thread Safety: Safe for concurrent use.
type HTTPGenerationClient struct {
	baseURL      string
	defaultModel string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewHTTPGenerationClient creates a generation client.
//
// Inputs:
//
//	baseURL - Backend base URL, e.g. "http://localhost:11434". Must not be empty.
//	model - Default model identifier. Must not be empty.
//	timeout - Per-call bound. Zero uses 30s.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	*HTTPGenerationClient - The constructed client. Never nil.
func NewHTTPGenerationClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *HTTPGenerationClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGenerationClient{
		baseURL:      baseURL,
		defaultModel: model,
		timeout:      timeout,
		// Transport-level timeout is deliberately absent: the per-call
		// context deadline governs, so one slow call cannot pin a global.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Send implements GenerationClient.
func (c *HTTPGenerationClient) Send(ctx context.Context, messages []datatypes.Message, opts GenerateOptions) (*datatypes.GenerateResult, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options: chatRequestOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeUpstreamGeneration, "marshal chat request", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeUpstreamGeneration, "build chat request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, engine.WrapError(engine.ErrCodeTimeout, "generation call timed out", true, err)
		}
		return nil, engine.WrapError(engine.ErrCodeUpstreamGeneration, "generation call failed", true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeUpstreamGeneration, "read generation response", true, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, engine.NewError(engine.ErrCodeUpstreamGeneration,
			fmt.Sprintf("generation backend returned %d: %s", resp.StatusCode, truncate(string(body), 200)),
			resp.StatusCode >= 500)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, engine.WrapError(engine.ErrCodeUpstreamGeneration, "parse generation response", false, err)
	}

	result := &datatypes.GenerateResult{Content: parsed.Message.Content}
	for _, tc := range parsed.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, datatypes.ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// truncate shortens s to max runes for logs and error messages.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
