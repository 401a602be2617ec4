// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers defines the Relay engine's external collaborator
// interfaces — the Generation Service and the Tool Provider — plus their
// HTTP implementations.
//
// Thread Safety:
//
//	All interfaces in this package must be implemented as safe for
//	concurrent use.
package providers

import (
	"context"
	"time"

	"github.com/AleutianAI/relay/services/relay/datatypes"
	"github.com/AleutianAI/relay/services/relay/engine"
)

// GenerateOptions holds provider-agnostic options for a generation request.
type GenerateOptions struct {
	// Temperature controls randomness. 0.0 is the most deterministic
	// setting; the semantic matcher always uses a low value.
	Temperature float64

	// MaxTokens limits the response length. Zero uses the backend default.
	MaxTokens int

	// Model overrides the client's default model for this request.
	Model string
}

// GenerationClient is the single call-and-response contract with the
// free-form text backend.
//
// Description:
//
//	Used two ways: the semantic matcher sends a tool-enumeration prompt and
//	parses a strict structured response; the Router's deferred path sends a
//	conversation-only prompt that must never contain tool schemas.
//
// Thread Safety: Implementations must be safe for concurrent use.
type GenerationClient interface {
	// Send submits messages and returns the backend's response.
	//
	// Inputs:
	//   - ctx: Context for cancellation and per-call timeout.
	//   - messages: Conversation messages (system, user, assistant).
	//   - opts: Provider-agnostic generation options.
	//
	// Outputs:
	//   - *datatypes.GenerateResult: Content plus any structured tool calls.
	//   - error: Non-nil on transport or backend failure.
	Send(ctx context.Context, messages []datatypes.Message, opts GenerateOptions) (*datatypes.GenerateResult, error)
}

// ToolProvider hosts executable tools.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ToolProvider interface {
	// Name identifies the provider in descriptors and logs.
	Name() string

	// Ping verifies connectivity. Used by the Initializer's connect step.
	Ping(ctx context.Context) error

	// ListTools fetches the provider's tool catalog.
	ListTools(ctx context.Context) ([]engine.ToolDescriptor, error)

	// Call executes a tool with the given arguments.
	//
	// Inputs:
	//   - ctx: Context for cancellation; the caller layers the attempt
	//     deadline on top.
	//   - name: Tool name as listed by ListTools.
	//   - args: Argument object.
	//   - timeout: Per-call bound, applied in addition to ctx.
	//
	// Outputs:
	//   - string: The tool's textual result.
	//   - error: Non-nil on failure; engine.Error codes where classifiable.
	Call(ctx context.Context, name string, args map[string]any, timeout time.Duration) (string, error)
}
