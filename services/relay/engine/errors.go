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
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorCode is a stable machine-readable error classification.
type ErrorCode string

const (
	// ErrCodeConfig marks configuration failures. Fatal to initialization
	// only; in-flight requests are never aborted by a config error.
	ErrCodeConfig ErrorCode = "config"

	// ErrCodeConnection marks provider/store connectivity failures.
	// Partial: the system proceeds in degraded mode.
	ErrCodeConnection ErrorCode = "connection"

	// ErrCodeToolNotFound marks dispatch of a tool absent from the catalog.
	ErrCodeToolNotFound ErrorCode = "tool_not_found"

	// ErrCodeUnauthorized marks dispatch of a tool not on the allow-list.
	ErrCodeUnauthorized ErrorCode = "unauthorized"

	// ErrCodeValidation marks missing or malformed parameters.
	ErrCodeValidation ErrorCode = "validation"

	// ErrCodeTimeout marks a call that exceeded its deadline.
	ErrCodeTimeout ErrorCode = "timeout"

	// ErrCodeExecution marks a tool-side failure.
	ErrCodeExecution ErrorCode = "execution"

	// ErrCodeUpstreamGeneration marks a Generation Service failure.
	ErrCodeUpstreamGeneration ErrorCode = "upstream_generation"
)

// Error is the engine's structured error. It carries a stable code, a
// retryable hint for the Dispatcher, and an optional user-facing suggestion
// so failures can be rendered as a specific explanation rather than a raw
// internal error.
type Error struct {
	// Code is the stable classification.
	Code ErrorCode

	// Message is the internal diagnostic message.
	Message string

	// Suggestion is an optional user-facing fix, e.g. which parameter was
	// missing and what to provide instead. May be empty.
	Suggestion string

	// Retryable hints whether repeating the operation could succeed.
	// The Dispatcher additionally gates retries on tool idempotency.
	Retryable bool

	// Err is the wrapped cause, if any.
	Err error
}

// NewError creates a structured engine error.
//
// Inputs:
//
//	code - Stable error classification.
//	message - Internal diagnostic message.
//	retryable - Whether the operation may succeed on retry.
func NewError(code ErrorCode, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// WrapError creates a structured engine error wrapping a cause.
func WrapError(code ErrorCode, message string, retryable bool, err error) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable, Err: err}
}

// WithSuggestion returns a copy of the error carrying a user-facing fix.
func (e *Error) WithSuggestion(suggestion string) *Error {
	cp := *e
	cp.Suggestion = suggestion
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on error code so callers can compare against sentinel values
// built with NewError(code, "", false).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the ErrorCode from err, or ErrCodeExecution when err is
// not an engine error. Nil returns the empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeExecution
}

// IsRetryable reports whether err is an engine error flagged retryable.
// Non-engine errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// UserMessage renders err for end users: the suggestion when present,
// otherwise a generic per-code explanation. Internal detail never leaks.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "The request could not be completed. Please try again."
	}
	if e.Suggestion != "" {
		return e.Suggestion
	}
	switch e.Code {
	case ErrCodeToolNotFound:
		return "No capability with that name is available."
	case ErrCodeUnauthorized:
		return "That capability is not enabled for this deployment."
	case ErrCodeValidation:
		return "The request was missing required details. Rephrase with the specific values the task needs."
	case ErrCodeTimeout:
		return "The operation took too long and was cancelled. Try again or simplify the request."
	case ErrCodeUpstreamGeneration:
		return "The language model backend is unavailable right now."
	case ErrCodeConnection:
		return "A backing service is unreachable; running in degraded mode."
	default:
		return "The capability failed while executing. Try again."
	}
}
