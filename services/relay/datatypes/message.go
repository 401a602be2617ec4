// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire-level conversation types shared between
// the Relay engine and its Generation Service clients.
package datatypes

// Message is one conversation turn sent to or received from a Generation
// Service backend.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`
}

// ToolCall is a structured tool invocation embedded in a generation
// response. The Router's deferred path discards these (isolation invariant);
// only the semantic matcher's sanctioned channel consumes them.
type ToolCall struct {
	// Name is the tool the model wants to invoke.
	Name string `json:"name"`

	// Arguments is the model-proposed argument object.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// GenerateResult is the Generation Service's call-and-response contract:
// free-form content plus any structured tool calls the backend emitted.
type GenerateResult struct {
	// Content is the assistant's free-form text.
	Content string `json:"content"`

	// ToolCalls are structured calls the backend proposed, if any.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}
