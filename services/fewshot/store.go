// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fewshot stores few-shot examples keyed by prompt type.
//
// # Description
//
// Examples live in one JSON file shaped {prompt_type: [[note, annotation],
// ...]}. The file is loaded lazily into memory on first read; mutations
// rewrite it atomically. Retrieval returns the first k examples for the
// prompt. An embedding-based reranker can replace the store behind the
// Provider interface without touching callers.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package fewshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Example is one (note, gold annotation) pair.
type Example struct {
	NoteText   string
	Annotation string
}

// The on-disk pair shape is a two-element array.

func (e Example) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.NoteText, e.Annotation})
}

func (e *Example) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("example pair has %d elements, want 2", len(pair))
	}
	e.NoteText = pair[0]
	e.Annotation = pair[1]
	return nil
}

// Provider supplies few-shot examples for a prompt. noteText lets
// similarity-based implementations rank; Store ignores it.
type Provider interface {
	Examples(promptType, noteText string, k int) ([]Example, error)
}

// Record is one row of an uploaded few-shot CSV.
type Record struct {
	PromptType string
	NoteText   string
	Annotation string
}

// Status summarizes the stored examples for the UI.
type Status struct {
	Available      bool           `json:"simple_fewshots_available"`
	PromptTypes    []string       `json:"prompt_types_with_fewshots"`
	CountsByPrompt map[string]int `json:"counts_by_prompt"`
	TotalExamples  int            `json:"total_examples"`
}

// Store is the file-backed example store.
type Store struct {
	path string

	mu       sync.RWMutex
	loaded   bool
	examples map[string][]Example
}

var _ Provider = (*Store)(nil)

// NewStore returns a Store over the given JSON file. A missing file means
// an empty store, not an error.
func NewStore(path string) *Store {
	return &Store{path: path, examples: map[string][]Example{}}
}

// Examples implements Provider: the first k stored examples for the prompt.
func (s *Store) Examples(promptType, _ string, k int) ([]Example, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.examples[promptType]
	if k < 0 || k > len(stored) {
		k = len(stored)
	}
	out := make([]Example, k)
	copy(out, stored[:k])
	return out, nil
}

// Add appends uploaded records, skipping rows with any empty field, and
// persists. Returns the number of examples stored.
func (s *Store) Add(records []Record) (int, error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, r := range records {
		promptType := strings.TrimSpace(r.PromptType)
		note := strings.TrimSpace(r.NoteText)
		annotation := strings.TrimSpace(r.Annotation)
		if promptType == "" || note == "" || annotation == "" {
			continue
		}
		s.examples[promptType] = append(s.examples[promptType], Example{NoteText: note, Annotation: annotation})
		added++
	}
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	slog.Info("Stored few-shot examples", "added", added, "prompt_types", len(s.examples))
	return added, nil
}

// Status reports what the store holds.
func (s *Store) Status() (Status, error) {
	if err := s.ensureLoaded(); err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		PromptTypes:    make([]string, 0, len(s.examples)),
		CountsByPrompt: make(map[string]int, len(s.examples)),
	}
	for promptType, examples := range s.examples {
		st.PromptTypes = append(st.PromptTypes, promptType)
		st.CountsByPrompt[promptType] = len(examples)
		st.TotalExamples += len(examples)
	}
	sort.Strings(st.PromptTypes)
	st.Available = st.TotalExamples > 0
	return st, nil
}

// Clear drops every example and removes the backing file. Returns the
// counts removed.
func (s *Store) Clear() (examples, promptTypes int, err error) {
	if err := s.ensureLoaded(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.examples {
		examples += len(stored)
	}
	promptTypes = len(s.examples)
	s.examples = map[string][]Example{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return examples, promptTypes, fmt.Errorf("remove %s: %w", s.path, err)
	}
	return examples, promptTypes, nil
}

func (s *Store) ensureLoaded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("load fewshots: %w", err)
	}
	loaded := map[string][]Example{}
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.examples = loaded
	s.loaded = true
	return nil
}

// persistLocked writes the store atomically. Callers hold s.mu.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create fewshots dir: %w", err)
	}
	data, err := json.MarshalIndent(s.examples, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fewshots: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// FormatExamples renders examples into the block substituted for the
// {fewshots} placeholder.
func FormatExamples(examples []Example) string {
	if len(examples) == 0 {
		return ""
	}
	parts := make([]string, 0, len(examples))
	for _, ex := range examples {
		parts = append(parts, "Example:\n- Medical Note: "+ex.NoteText+"\n- Annotation: "+ex.Annotation)
	}
	return strings.Join(parts, "\n\n---\n\n")
}
