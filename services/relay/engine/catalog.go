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
	"sort"
	"sync"
)

// Catalog is the in-memory registry of tool descriptors.
//
// Description:
//
//	Populated by the Initializer from the Tool Providers and read by the
//	matcher, extractor, dispatcher, and router. Tool names are globally
//	unique: a Replace with duplicate names keeps the first occurrence.
//
// Thread Safety: Safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]ToolDescriptor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]ToolDescriptor)}
}

// Replace swaps the whole catalog contents atomically.
//
// Outputs:
//
//	int - The number of descriptors installed (after dedupe).
func (c *Catalog) Replace(descriptors []ToolDescriptor) int {
	next := make(map[string]ToolDescriptor, len(descriptors))
	for _, d := range descriptors {
		if _, exists := next[d.Name]; exists {
			continue // names are globally unique; first provider wins
		}
		next[d.Name] = d
	}
	c.mu.Lock()
	c.tools = next
	c.mu.Unlock()
	return len(next)
}

// Get returns the descriptor for name.
func (c *Catalog) Get(name string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.tools[name]
	return d, ok
}

// Has reports whether name exists in the catalog.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// List returns all descriptors sorted by name for deterministic iteration.
func (c *Catalog) List() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(c.tools))
	for _, d := range c.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}
