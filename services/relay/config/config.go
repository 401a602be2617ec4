// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates Relay configuration from YAML.
//
// Defaults are embedded in the binary (default_config.yaml and
// static_patterns.yaml); an on-disk config file, when provided, is merged
// over the defaults. All confidence thresholds live here — the engine
// packages never hard-code them.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed default_config.yaml
var defaultConfigYAML []byte

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the root Relay configuration.
//
// Thread Safety: Immutable after Load; safe for concurrent use.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Generation configures the Generation Service client.
	Generation GenerationConfig `yaml:"generation" validate:"required"`

	// ToolProviders lists the tool-hosting backends to connect at init.
	ToolProviders []ToolProviderConfig `yaml:"tool_providers" validate:"dive"`

	// Metadata configures the persistent keyword/parameter store.
	Metadata MetadataConfig `yaml:"metadata"`

	// Thresholds holds every confidence constant used by the engine.
	Thresholds Thresholds `yaml:"thresholds" validate:"required"`

	// Dispatch configures execution timeouts, retries, and history.
	Dispatch DispatchConfig `yaml:"dispatch" validate:"required"`

	// PatternsPath optionally overrides the embedded static pattern table
	// with an on-disk YAML file (hot-reloadable via the pattern watcher).
	PatternsPath string `yaml:"patterns_path"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// GenerationConfig configures the Generation Service backend.
type GenerationConfig struct {
	// BaseURL is the chat endpoint base, e.g. "http://localhost:11434".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Model is the backend model identifier.
	Model string `yaml:"model" validate:"required"`

	// Timeout bounds each generation call.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// SemanticTimeout bounds the semantic matcher stage specifically.
	// Shorter than Timeout: the matcher must fail fast into Stage B.
	SemanticTimeout time.Duration `yaml:"semantic_timeout" validate:"gt=0"`
}

// ToolProviderConfig configures one tool-hosting backend.
type ToolProviderConfig struct {
	// Name identifies the provider in descriptors and logs.
	Name string `yaml:"name" validate:"required"`

	// BaseURL is the provider's HTTP endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Timeout bounds provider calls (ListTools and Call).
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// MetadataConfig configures the BadgerDB-backed metadata store.
type MetadataConfig struct {
	// Dir is the BadgerDB directory. Empty disables persistence; the
	// engine falls back to Stage C matching and generic extraction.
	Dir string `yaml:"dir"`
}

// Thresholds holds every confidence constant in one place.
//
// The engine historically accumulated divergent thresholds across iterated
// router versions; this struct is the single authoritative set.
type Thresholds struct {
	// UsabilityFloor is the minimum raw confidence for a stage's candidates
	// to stop the fallback chain.
	UsabilityFloor float64 `yaml:"usability_floor" validate:"gte=0,lte=1"`

	// MediumTier is the calibrated confidence floor for tier "medium".
	MediumTier float64 `yaml:"medium_tier" validate:"gte=0,lte=1"`

	// HighTier is the calibrated confidence floor for tier "high".
	HighTier float64 `yaml:"high_tier" validate:"gte=0,lte=1,gtefield=MediumTier"`

	// Smoothing is the additive constant in the calibration formula
	// c = r*s + (1-s)*smoothing.
	Smoothing float64 `yaml:"smoothing" validate:"gte=0,lte=1"`

	// ClampMin and ClampMax bound the calibrated confidence.
	ClampMin float64 `yaml:"clamp_min" validate:"gte=0,lte=1"`
	ClampMax float64 `yaml:"clamp_max" validate:"gte=0,lte=1,gtefield=ClampMin"`

	// MinSamples is the record count below which the rolling success rate
	// is blended with the category default.
	MinSamples int `yaml:"min_samples" validate:"gte=0"`

	// WindowRecords bounds the trailing history window by count.
	WindowRecords int `yaml:"window_records" validate:"gt=0"`

	// WindowDays bounds the trailing history window by age.
	WindowDays int `yaml:"window_days" validate:"gt=0"`

	// DefaultSuccessRate is used for tools/categories with no history.
	DefaultSuccessRate float64 `yaml:"default_success_rate" validate:"gte=0,lte=1"`
}

// DispatchConfig configures the execution dispatcher.
type DispatchConfig struct {
	// Timeout bounds a single tool call attempt.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// RetryAttempts is the maximum number of attempts (first try included).
	RetryAttempts int `yaml:"retry_attempts" validate:"gte=1"`

	// BackoffBase is the first retry delay.
	BackoffBase time.Duration `yaml:"backoff_base" validate:"gt=0"`

	// BackoffFactor multiplies the delay per retry.
	BackoffFactor float64 `yaml:"backoff_factor" validate:"gte=1"`

	// BackoffCap bounds any single retry delay.
	BackoffCap time.Duration `yaml:"backoff_cap" validate:"gt=0"`

	// HistoryCapacity is the execution record ring buffer size.
	HistoryCapacity int `yaml:"history_capacity" validate:"gt=0"`

	// Allowlist names the tools permitted to execute. Empty allows all
	// catalog tools.
	Allowlist []string `yaml:"allowlist"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded default configuration.
//
// Outputs:
//
//	*Config - The parsed embedded defaults. Never nil.
//
// Panics if the embedded YAML is malformed — that is a build defect, not a
// runtime condition.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultConfigYAML, cfg); err != nil {
		panic(fmt.Sprintf("config: embedded default_config.yaml is invalid: %v", err))
	}
	return cfg
}

// Load reads configuration from path, merged over the embedded defaults.
//
// Description:
//
//	Starts from Default() and unmarshals the file over it, so the file only
//	needs to specify what it changes. An empty path returns the validated
//	defaults. Validation failures are config errors, fatal to
//	initialization only.
//
// Inputs:
//
//	path - YAML config file path, or "" for embedded defaults.
//
// Outputs:
//
//	*Config - The validated configuration.
//	error - Non-nil on read, parse, or validation failure.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints with go-playground/validator plus
// the cross-field rules the tag language cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if c.Thresholds.UsabilityFloor > c.Thresholds.MediumTier {
		return fmt.Errorf("config: usability_floor (%.2f) must not exceed medium_tier (%.2f)",
			c.Thresholds.UsabilityFloor, c.Thresholds.MediumTier)
	}
	return nil
}
