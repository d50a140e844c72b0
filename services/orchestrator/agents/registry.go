// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents holds the executor agents the supervisor can route to.
package agents

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// ErrNoAgents is returned when a registry would be left without an
// enabled agent.
var ErrNoAgents = errors.New("at least one enabled agent is required")

// Agent describes one executor agent.
type Agent struct {
	ID          string   `yaml:"id" json:"id" validate:"required,max=64"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Default     bool     `yaml:"default" json:"default"`
}

// Defaults is the agent set used when configuration defines none.
func Defaults() []Agent {
	return []Agent{
		{
			ID:          "general",
			Name:        "General Assistant",
			Description: "Answers questions and completes everyday tasks.",
			Enabled:     true,
			Default:     true,
		},
		{
			ID:          "researcher",
			Name:        "Researcher",
			Description: "Gathers sources from the web and summarizes findings.",
			Keywords:    []string{"research", "sources", "compare", "latest", "news", "调研", "资料"},
			Enabled:     true,
		},
		{
			ID:          "coder",
			Name:        "Coder",
			Description: "Writes, reviews and debugs code.",
			Keywords:    []string{"code", "bug", "function", "compile", "golang", "python", "代码"},
			Enabled:     true,
		},
	}
}

// Registry is a replaceable set of agents.
//
// # Thread Safety
//
// Safe for concurrent use. Replace swaps the whole set atomically.
type Registry struct {
	mu     sync.RWMutex
	agents []Agent
	byID   map[string]int
}

// NewRegistry validates agents and builds a registry. An empty list uses
// Defaults.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(agents); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps in a new agent set. On error the current set is kept.
func (r *Registry) Replace(agents []Agent) error {
	if len(agents) == 0 {
		agents = Defaults()
	}
	byID := make(map[string]int, len(agents))
	enabled := 0
	for i, a := range agents {
		if a.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		byID[a.ID] = i
		if a.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return ErrNoAgents
	}

	r.mu.Lock()
	r.agents = slices.Clone(agents)
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Get returns the agent with id, enabled or not.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return Agent{}, false
	}
	return r.agents[i], true
}

// IsAvailable reports whether id names an enabled agent.
func (r *Registry) IsAvailable(id string) bool {
	a, ok := r.Get(id)
	return ok && a.Enabled
}

// List returns a copy of all agents in configuration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.agents)
}

// Default returns the agent marked default, or the first enabled one.
func (r *Registry) Default() Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first *Agent
	for i := range r.agents {
		a := &r.agents[i]
		if !a.Enabled {
			continue
		}
		if a.Default {
			return *a
		}
		if first == nil {
			first = a
		}
	}
	if first == nil {
		return Agent{}
	}
	return *first
}

// Select picks the agent for a turn.
//
// # Description
//
// A requested agent wins when it is enabled. Otherwise each enabled agent
// scores one point per keyword found in input (case-insensitive; whole
// words for Latin keywords, substrings for CJK ones) and the highest score
// wins, ties going to configuration order. With no match the default
// agent is used.
func (r *Registry) Select(requested, input string) Agent {
	if requested != "" {
		if a, ok := r.Get(requested); ok && a.Enabled {
			return a
		}
	}

	lower := strings.ToLower(input)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	}) {
		words[w] = true
	}

	r.mu.RLock()
	var (
		best      Agent
		bestScore int
	)
	for _, a := range r.agents {
		if !a.Enabled {
			continue
		}
		score := 0
		for _, kw := range a.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if isASCII(kw) {
				if words[kw] {
					score++
				}
			} else if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	r.mu.RUnlock()

	if bestScore > 0 {
		return best
	}
	return r.Default()
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
