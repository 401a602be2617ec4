// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package calibration corrects a candidate's raw matching confidence using
// the tool's rolling execution success rate, then buckets the result into
// a routing tier. Raw matcher confidence systematically over-trusts tools
// that parse well but fail at dispatch time; calibration pulls those down.
package calibration

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/relay/services/relay/config"
	"github.com/AleutianAI/relay/services/relay/engine"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var calibrationTierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "relay",
	Subsystem: "calibration",
	Name:      "tier_total",
	Help:      "Calibrated decisions by tier: high, medium, low",
}, []string{"tier"})

// =============================================================================
// Calibrator
// =============================================================================

// HistorySource provides rolling success rates from the execution history.
// Implemented by dispatch.History.
type HistorySource interface {
	// ToolSuccessRate returns the tool's in-window success rate and how
	// many records back it.
	ToolSuccessRate(tool string) (rate float64, samples int)

	// CategorySuccessRate returns the category-wide in-window rate.
	CategorySuccessRate(category string) (rate float64, samples int)
}

// Calibrator adjusts raw candidate confidence by historical success.
//
// Description:
//
//	For raw confidence r and rolling success rate s, the calibrated value
//	is c = r*s + (1-s)*smoothing, clamped to [clampMin, clampMax]. Tools
//	with fewer than MinSamples records blend s with the category default,
//	weighted linearly by how many real samples exist, so a cold tool is
//	neither fully trusted nor permanently buried.
//
//	All constants come from config.Thresholds; nothing here is hard-coded.
//
// Thread Safety: Safe for concurrent use (immutable after construction;
// the history source carries its own lock).
type Calibrator struct {
	history    HistorySource
	catalog    *engine.Catalog
	thresholds config.Thresholds
	logger     *slog.Logger
}

// NewCalibrator creates a Calibrator.
//
// Inputs:
//
//	history - Rolling success rate source. Must not be nil.
//	catalog - Tool catalog, for category lookup. Must not be nil.
//	thresholds - The authoritative threshold set.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	*Calibrator - The constructed calibrator. Never nil.
func NewCalibrator(history HistorySource, catalog *engine.Catalog, thresholds config.Thresholds, logger *slog.Logger) *Calibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calibrator{
		history:    history,
		catalog:    catalog,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Calibrate corrects one candidate's confidence and assigns its tier.
//
// Outputs:
//
//	engine.CalibratedDecision - The decision; CalibratedConfidence always
//	lies in [ClampMin, ClampMax] and is monotonically non-decreasing in
//	the candidate's raw confidence for a fixed success rate.
func (c *Calibrator) Calibrate(candidate engine.MatchCandidate) engine.CalibratedDecision {
	rate, samples := c.effectiveRate(candidate.ToolName)

	t := c.thresholds
	calibrated := candidate.RawConfidence*rate + (1-rate)*t.Smoothing
	if calibrated < t.ClampMin {
		calibrated = t.ClampMin
	}
	if calibrated > t.ClampMax {
		calibrated = t.ClampMax
	}

	tier := engine.TierLow
	switch {
	case calibrated >= t.HighTier:
		tier = engine.TierHigh
	case calibrated >= t.MediumTier:
		tier = engine.TierMedium
	}
	calibrationTierTotal.WithLabelValues(string(tier)).Inc()

	c.logger.Debug("calibrated candidate",
		slog.String("tool", candidate.ToolName),
		slog.Float64("raw", candidate.RawConfidence),
		slog.Float64("success_rate", rate),
		slog.Int("samples", samples),
		slog.Float64("calibrated", calibrated),
		slog.String("tier", string(tier)),
	)

	return engine.CalibratedDecision{
		Candidate:            candidate,
		CalibratedConfidence: calibrated,
		Tier:                 tier,
		SuccessRate:          rate,
		Samples:              samples,
	}
}

// effectiveRate returns the success rate to calibrate with: the tool's own
// rolling rate once it has MinSamples records, otherwise a linear blend
// with the category default so sparse history moves the needle gradually.
func (c *Calibrator) effectiveRate(tool string) (float64, int) {
	rate, samples := c.history.ToolSuccessRate(tool)

	t := c.thresholds
	if t.MinSamples <= 0 || samples >= t.MinSamples {
		if samples == 0 {
			return c.categoryDefault(tool), 0
		}
		return rate, samples
	}

	// blend weight grows from 0 (no samples) to 1 (MinSamples).
	w := float64(samples) / float64(t.MinSamples)
	base := c.categoryDefault(tool)
	return rate*w + base*(1-w), samples
}

// categoryDefault returns the category-level rolling rate when the category
// has history, otherwise the configured default.
func (c *Calibrator) categoryDefault(tool string) float64 {
	if desc, ok := c.catalog.Get(tool); ok && desc.Category != "" {
		if rate, samples := c.history.CategorySuccessRate(desc.Category); samples > 0 {
			return rate
		}
	}
	return c.thresholds.DefaultSuccessRate
}
