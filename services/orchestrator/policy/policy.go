// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy classifies text against regex patterns for credentials
// and personal data, and blocks turn input or documents that match.
//
// The pattern set is embedded in the binary. Classifications are checked
// highest priority first.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

// Public is the classification of text that matches nothing.
const Public = "public"

// ErrViolation matches every *ViolationError.
var ErrViolation = errors.New("content violates the data policy")

// =============================================================================
// Pattern file
// =============================================================================

// Confidence grades how likely a match is a true positive.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// UnmarshalYAML rejects unknown levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch v := Confidence(s); v {
	case High, Medium, Low:
		*c = v
		return nil
	default:
		return fmt.Errorf("invalid confidence %q", s)
	}
}

type patternFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification is a named group of patterns.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one detector.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	re *regexp.Regexp
}

// Finding is one match. Match is redacted.
type Finding struct {
	Line           int        `json:"line"`
	Classification string     `json:"classification"`
	PatternID      string     `json:"pattern_id"`
	Description    string     `json:"description"`
	Confidence     Confidence `json:"confidence"`
	Match          string     `json:"match"`
}

// =============================================================================
// Scanner
// =============================================================================

// Config selects what Check blocks.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Block lists the classification names that are rejected.
	Block []string `yaml:"block"`
	// MinConfidence drops findings below this level. Empty means low.
	MinConfidence Confidence `yaml:"min_confidence" validate:"omitempty,oneof=low medium high"`
}

// DefaultConfig blocks credentials found with at least medium confidence.
func DefaultConfig() Config {
	return Config{Enabled: true, Block: []string{"secret"}, MinConfidence: Medium}
}

// Scanner holds the compiled pattern set. Safe for concurrent use after
// construction.
type Scanner struct {
	classes []Classification
	block   map[string]bool
	min     int
}

// New builds a Scanner from the embedded pattern set.
func New(cfg Config) (*Scanner, error) {
	return NewFromYAML(embeddedPatterns, cfg)
}

// NewFromYAML builds a Scanner from a pattern file.
//
// # Inputs
//
//   - data: YAML with a top-level "classifications" list.
//   - cfg: Which classifications Check rejects.
//
// # Outputs
//
//   - *Scanner: Classifications sorted by descending priority.
//   - error: Malformed YAML or a regex that does not compile.
func NewFromYAML(data []byte, cfg Config) (*Scanner, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse the policy patterns: %w", err)
	}
	for i := range f.Classifications {
		for j := range f.Classifications[i].Patterns {
			p := &f.Classifications[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})

	s := &Scanner{classes: f.Classifications, block: make(map[string]bool, len(cfg.Block))}
	for _, name := range cfg.Block {
		s.block[name] = true
	}
	s.min = cfg.MinConfidence.rank()
	return s, nil
}

// Classify returns the name of the highest priority classification with
// any match, or Public.
func (s *Scanner) Classify(text string) string {
	for _, c := range s.classes {
		for _, p := range c.Patterns {
			if p.re.MatchString(text) {
				return c.Name
			}
		}
	}
	return Public
}

// Scan reports every match line by line.
func (s *Scanner) Scan(text string) []Finding {
	var out []Finding
	for n, line := range strings.Split(text, "\n") {
		for _, c := range s.classes {
			for _, p := range c.Patterns {
				m := p.re.FindString(line)
				if m == "" {
					continue
				}
				out = append(out, Finding{
					Line:           n + 1,
					Classification: c.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Confidence:     p.Confidence,
					Match:          redact(strings.TrimSpace(m)),
				})
			}
		}
	}
	return out
}

// Check returns a *ViolationError when text has findings in a blocked
// classification at or above the minimum confidence.
func (s *Scanner) Check(text string) error {
	var hits []Finding
	for _, f := range s.Scan(text) {
		if s.block[f.Classification] && f.Confidence.rank() >= s.min {
			hits = append(hits, f)
		}
	}
	if len(hits) == 0 {
		return nil
	}
	return &ViolationError{Findings: hits}
}

// ViolationError lists the findings that blocked the content.
type ViolationError struct {
	Findings []Finding
}

func (e *ViolationError) Error() string {
	ids := make([]string, 0, len(e.Findings))
	seen := make(map[string]bool)
	for _, f := range e.Findings {
		if !seen[f.PatternID] {
			seen[f.PatternID] = true
			ids = append(ids, f.PatternID)
		}
	}
	return fmt.Sprintf("content contains sensitive data (%s); remove it and try again", strings.Join(ids, ", "))
}

// Is matches ErrViolation.
func (e *ViolationError) Is(target error) bool { return target == ErrViolation }

// redact keeps the first four characters.
func redact(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:4]) + strings.Repeat("*", len(r)-4)
}
