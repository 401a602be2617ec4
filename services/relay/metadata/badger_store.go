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

// Mapping tables are service infrastructure, not user data: a catalog of a
// few dozen tools produces a few hundred small rows. BadgerDB is embedded —
// no network call, no availability dependency — which keeps the keyword
// stage fast and keeps "metadata store down" an unusual condition rather
// than a steady-state one.
//
// Storage layout:
//
//	relay/kw/v1/{tool}  →  gob-encoded []engine.KeywordMapping
//	relay/pm/v1/{tool}  →  gob-encoded []engine.ParameterMapping
//	relay/us/v1/{tool}  →  gob-encoded usageStats
//
// Prefixes are versioned (v1) to allow future format changes without
// collision.

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/relay/services/relay/engine"
)

const (
	keywordKeyPrefix   = "relay/kw/v1/"
	parameterKeyPrefix = "relay/pm/v1/"
	usageKeyPrefix     = "relay/us/v1/"
)

// usageStats is the per-tool aggregate kept for Suggest ranking and
// operational reporting. The calibration window uses the in-memory
// execution history, not this aggregate.
type usageStats struct {
	Success            int64
	Failure            int64
	TotalLatencyMillis int64
}

// BadgerStore implements Store backed by a BadgerDB instance.
//
// Description:
//
//	Rows are gob-encoded per tool. Upserts rewrite the tool's whole row
//	slice inside one transaction; reads are point lookups except
//	AllKeywords and Suggest, which iterate the keyword prefix.
//
// Thread Safety: Safe for concurrent use. BadgerDB transactions are
// per-goroutine.
type BadgerStore struct {
	db     *dgbadger.DB
	logger *slog.Logger
}

// OpenBadgerStore opens (or creates) a BadgerDB-backed metadata store at dir.
//
// Inputs:
//
//	dir - BadgerDB directory. Must not be empty.
//	logger - Logger instance. May be nil.
//
// Outputs:
//
//	*BadgerStore - The opened store. Callers own Close.
//	error - Non-nil if the DB cannot be opened (connection-class failure;
//	the engine degrades rather than aborting).
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := dgbadger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty for service logs
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeConnection,
			fmt.Sprintf("open metadata store at %s", dir), true, err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close releases the underlying BadgerDB.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// KeywordsFor implements Store.
func (s *BadgerStore) KeywordsFor(ctx context.Context, tool string) ([]engine.KeywordMapping, error) {
	var rows []engine.KeywordMapping
	err := s.get(ctx, keywordKeyPrefix+tool, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AllKeywords implements Store.
func (s *BadgerStore) AllKeywords(ctx context.Context) ([]engine.KeywordMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var all []engine.KeywordMapping
	err := s.db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keywordKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rows []engine.KeywordMapping
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&rows)
			})
			if err != nil {
				return err
			}
			all = append(all, rows...)
		}
		return nil
	})
	if err != nil {
		return nil, engine.WrapError(engine.ErrCodeConnection, "scan keyword mappings", true, err)
	}
	return all, nil
}

// ParameterMappings implements Store.
func (s *BadgerStore) ParameterMappings(ctx context.Context, tool string) ([]engine.ParameterMapping, error) {
	var rows []engine.ParameterMapping
	if err := s.get(ctx, parameterKeyPrefix+tool, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertKeywords implements Store.
func (s *BadgerStore) UpsertKeywords(ctx context.Context, tool string, rows []engine.KeywordMapping) error {
	return s.put(ctx, keywordKeyPrefix+tool, dedupeKeywords(rows))
}

// UpsertParameterMappings implements Store. Usage counts of surviving
// (tool, token) pairs are carried over so a mapping rebuild never resets
// learned statistics.
func (s *BadgerStore) UpsertParameterMappings(ctx context.Context, tool string, rows []engine.ParameterMapping) error {
	existing, err := s.ParameterMappings(ctx, tool)
	if err != nil {
		return err
	}
	counts := make(map[string]int64, len(existing))
	for _, r := range existing {
		counts[r.UserInputToken] = r.UsageCount
	}
	merged := dedupeParameters(rows)
	for i := range merged {
		if prev, ok := counts[merged[i].UserInputToken]; ok && prev > merged[i].UsageCount {
			merged[i].UsageCount = prev
		}
	}
	return s.put(ctx, parameterKeyPrefix+tool, merged)
}

// IncrementParameterUsage implements Store.
func (s *BadgerStore) IncrementParameterUsage(ctx context.Context, tool string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	rows, err := s.ParameterMappings(ctx, tool)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		wanted[t] = true
	}
	changed := false
	for i := range rows {
		if wanted[rows[i].UserInputToken] {
			rows[i].UsageCount++
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.put(ctx, parameterKeyPrefix+tool, rows)
}

// RecordUsage implements Store.
func (s *BadgerStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
	var stats usageStats
	if err := s.get(ctx, usageKeyPrefix+rec.ToolName, &stats); err != nil {
		return err
	}
	if rec.Success {
		stats.Success++
	} else {
		stats.Failure++
	}
	stats.TotalLatencyMillis += rec.LatencyMillis
	return s.put(ctx, usageKeyPrefix+rec.ToolName, stats)
}

// Suggest implements Store.
//
// Description:
//
//	Tokenizes the query, scans the keyword prefix once, and ranks tools by
//	the sum of matched keyword confidences normalized by the tool's total
//	keyword weight — the same scoring the matcher's keyword stage applies.
func (s *BadgerStore) Suggest(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	all, err := s.AllKeywords(ctx)
	if err != nil {
		return nil, err
	}
	return RankKeywords(all, query, limit), nil
}

// get decodes the value at key into out. A missing key leaves out untouched
// and returns nil — absence is not an error for mapping tables.
func (s *BadgerStore) get(ctx context.Context, key string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(out)
		})
	})
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return engine.WrapError(engine.ErrCodeConnection, "metadata read "+key, true, err)
	}
	return nil
}

// put gob-encodes val and writes it at key.
func (s *BadgerStore) put(ctx context.Context, key string, val any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(val); err != nil {
		return engine.WrapError(engine.ErrCodeConnection, "metadata encode "+key, false, err)
	}
	err := s.db.Update(func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(key), buf.Bytes())
	})
	if err != nil {
		return engine.WrapError(engine.ErrCodeConnection, "metadata write "+key, true, err)
	}
	return nil
}

// =============================================================================
// Shared ranking and dedupe helpers
// =============================================================================

// RankKeywords ranks tools by normalized matched keyword confidence against
// the query. Shared by both store implementations.
func RankKeywords(all []engine.KeywordMapping, query string, limit int) []Suggestion {
	tokens := tokenizeQuery(query)
	if len(tokens) == 0 || len(all) == 0 {
		return nil
	}
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	type acc struct {
		matched []string
		sum     float64
		total   float64
	}
	perTool := make(map[string]*acc)
	for _, row := range all {
		a := perTool[row.ToolName]
		if a == nil {
			a = &acc{}
			perTool[row.ToolName] = a
		}
		a.total += row.Confidence
		if tokenSet[row.Keyword] {
			a.matched = append(a.matched, row.Keyword)
			a.sum += row.Confidence
		}
	}

	var out []Suggestion
	for tool, a := range perTool {
		if len(a.matched) == 0 || a.total <= 0 {
			continue
		}
		sort.Strings(a.matched)
		out = append(out, Suggestion{
			ToolName:        tool,
			MatchedKeywords: a.matched,
			Confidence:      a.sum / a.total,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ToolName < out[j].ToolName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tokenizeQuery is the store-local fold/strip/split used for Suggest.
// The matcher has its own richer tokenizer; this one only needs to match
// stored keyword tokens, which are single lowercase words.
func tokenizeQuery(query string) []string {
	words := strings.Fields(strings.ToLower(query))
	var out []string
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// dedupeKeywords enforces (tool, keyword) uniqueness; later rows win.
func dedupeKeywords(rows []engine.KeywordMapping) []engine.KeywordMapping {
	idx := make(map[string]int, len(rows))
	var out []engine.KeywordMapping
	for _, r := range rows {
		if i, ok := idx[r.Keyword]; ok {
			out[i] = r
			continue
		}
		idx[r.Keyword] = len(out)
		out = append(out, r)
	}
	return out
}

// dedupeParameters enforces (tool, token) uniqueness; later rows win.
func dedupeParameters(rows []engine.ParameterMapping) []engine.ParameterMapping {
	idx := make(map[string]int, len(rows))
	var out []engine.ParameterMapping
	for _, r := range rows {
		if i, ok := idx[r.UserInputToken]; ok {
			out[i] = r
			continue
		}
		idx[r.UserInputToken] = len(out)
		out = append(out, r)
	}
	return out
}
