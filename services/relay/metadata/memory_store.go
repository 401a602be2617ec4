// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metadata

import (
	"context"
	"sync"

	"github.com/AleutianAI/relay/services/relay/engine"
)

// MemoryStore implements Store with in-process maps. Used by tests and by
// deployments that run without a metadata directory — mappings still work
// within one process lifetime, they just do not survive restarts.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	keywords map[string][]engine.KeywordMapping
	params   map[string][]engine.ParameterMapping
	usage    map[string]usageStats

	// failAll, when set, makes every method return a connection error.
	// Lets tests force "metadata store unavailable" paths.
	failAll bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keywords: make(map[string][]engine.KeywordMapping),
		params:   make(map[string][]engine.ParameterMapping),
		usage:    make(map[string]usageStats),
	}
}

// SetUnavailable toggles forced failure mode for tests.
func (s *MemoryStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	s.failAll = unavailable
	s.mu.Unlock()
}

func (s *MemoryStore) err() error {
	if s.failAll {
		return engine.NewError(engine.ErrCodeConnection, "metadata store unavailable", true)
	}
	return nil
}

// KeywordsFor implements Store.
func (s *MemoryStore) KeywordsFor(_ context.Context, tool string) ([]engine.KeywordMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.err(); err != nil {
		return nil, err
	}
	rows := s.keywords[tool]
	out := make([]engine.KeywordMapping, len(rows))
	copy(out, rows)
	return out, nil
}

// AllKeywords implements Store.
func (s *MemoryStore) AllKeywords(_ context.Context) ([]engine.KeywordMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.err(); err != nil {
		return nil, err
	}
	var all []engine.KeywordMapping
	for _, rows := range s.keywords {
		all = append(all, rows...)
	}
	return all, nil
}

// ParameterMappings implements Store.
func (s *MemoryStore) ParameterMappings(_ context.Context, tool string) ([]engine.ParameterMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.err(); err != nil {
		return nil, err
	}
	rows := s.params[tool]
	out := make([]engine.ParameterMapping, len(rows))
	copy(out, rows)
	return out, nil
}

// UpsertKeywords implements Store.
func (s *MemoryStore) UpsertKeywords(_ context.Context, tool string, rows []engine.KeywordMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	s.keywords[tool] = dedupeKeywords(rows)
	return nil
}

// UpsertParameterMappings implements Store.
func (s *MemoryStore) UpsertParameterMappings(_ context.Context, tool string, rows []engine.ParameterMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	counts := make(map[string]int64)
	for _, r := range s.params[tool] {
		counts[r.UserInputToken] = r.UsageCount
	}
	merged := dedupeParameters(rows)
	for i := range merged {
		if prev, ok := counts[merged[i].UserInputToken]; ok && prev > merged[i].UsageCount {
			merged[i].UsageCount = prev
		}
	}
	s.params[tool] = merged
	return nil
}

// IncrementParameterUsage implements Store.
func (s *MemoryStore) IncrementParameterUsage(_ context.Context, tool string, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	wanted := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		wanted[t] = true
	}
	rows := s.params[tool]
	for i := range rows {
		if wanted[rows[i].UserInputToken] {
			rows[i].UsageCount++
		}
	}
	return nil
}

// RecordUsage implements Store.
func (s *MemoryStore) RecordUsage(_ context.Context, rec UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	stats := s.usage[rec.ToolName]
	if rec.Success {
		stats.Success++
	} else {
		stats.Failure++
	}
	stats.TotalLatencyMillis += rec.LatencyMillis
	s.usage[rec.ToolName] = stats
	return nil
}

// Suggest implements Store.
func (s *MemoryStore) Suggest(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	all, err := s.AllKeywords(ctx)
	if err != nil {
		return nil, err
	}
	return RankKeywords(all, query, limit), nil
}

// Close implements Store. No-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
