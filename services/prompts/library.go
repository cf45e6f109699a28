// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts manages the center-scoped prompt library.
//
// # Description
//
// Prompts live in a directory tree with one subdirectory per clinical
// center, each holding a prompts.json file. Keys inside a file are bare
// prompt identifiers; at load time every key is suffixed "-<center>"
// (lowercased) so the flat runtime map is globally unique, e.g.
// "biopsygrading" in INT/prompts.json becomes "biopsygrading-int".
//
// Templates are adapted on load: legacy placeholder spellings are rewritten
// to the runtime forms ({note}, {fewshots}), dead placeholders are removed,
// and a known verbose reasoning-requirements block is replaced with a
// concise canonical one.
//
// # Thread Safety
//
// Library is safe for concurrent use. Reads serve from a cache that is
// refreshed per center when the file's modification time changes; an
// optional fsnotify watcher invalidates the cache on external edits.
package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCenter is used when a caller does not scope a request to a center.
const DefaultCenter = "INT"

var (
	// ErrPromptUnknown indicates the prompt type does not exist in the
	// requested center.
	ErrPromptUnknown = errors.New("prompt type not found")

	// ErrPromptExists indicates a create or rename collision.
	ErrPromptExists = errors.New("prompt type already exists")

	// ErrCenterExists indicates the center directory already holds prompts.
	ErrCenterExists = errors.New("center already exists")
)

// FieldMapping binds one template placeholder to a structured entity field.
type FieldMapping struct {
	TemplatePlaceholder string            `json:"template_placeholder"`
	EntityType          string            `json:"entity_type"`
	FieldName           string            `json:"field_name"`
	HardcodedValue      *string           `json:"hardcoded_value,omitempty"`
	ValueCodeMappings   map[string]string `json:"value_code_mappings,omitempty"`
}

// EntityMapping describes how a prompt's output maps onto a structured
// entity during export.
type EntityMapping struct {
	EntityType    string         `json:"entity_type"`
	FactTrigger   *string        `json:"fact_trigger,omitempty"`
	FieldMappings []FieldMapping `json:"field_mappings"`
}

// Prompt is one library entry as exposed over the API. Type carries the
// center suffix.
type Prompt struct {
	Type     string         `json:"prompt_type"`
	Template string         `json:"template"`
	Mapping  *EntityMapping `json:"entity_mapping,omitempty"`
	Center   string         `json:"center"`
}

// Kind classifies how the annotation engine should drive a prompt.
type Kind int

const (
	// Simple prompts take the raw completion as the annotation.
	Simple Kind = iota
	// Structured prompts are wrapped with the JSON contract preamble.
	Structured
)

func (k Kind) String() string {
	if k == Simple {
		return "simple"
	}
	return "structured"
}

// promptEntry is the on-disk value shape: either a bare template string
// (legacy) or an object with template plus optional entity_mapping.
type promptEntry struct {
	Template string
	Mapping  *EntityMapping
}

func (e *promptEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Template = s
		return nil
	}
	var obj struct {
		Template string         `json:"template"`
		Mapping  *EntityMapping `json:"entity_mapping"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("prompt entry is neither string nor object: %w", err)
	}
	e.Template = obj.Template
	e.Mapping = obj.Mapping
	return nil
}

func (e promptEntry) MarshalJSON() ([]byte, error) {
	// Keep the legacy string shape when there is no mapping so files stay
	// diff-friendly for hand editors.
	if e.Mapping == nil {
		return json.Marshal(e.Template)
	}
	return json.Marshal(struct {
		Template string         `json:"template"`
		Mapping  *EntityMapping `json:"entity_mapping"`
	}{e.Template, e.Mapping})
}

// Library is the process-wide prompt cache plus its CRUD surface.
type Library struct {
	dir string

	mu      sync.RWMutex
	adapted map[string]string    // suffixed key -> adapted template
	mtimes  map[string]time.Time // center -> prompts.json mtime
}

// NewLibrary returns a Library over the given directory. The directory is
// read lazily; a missing directory surfaces on first use.
func NewLibrary(dir string) *Library {
	return &Library{
		dir:     dir,
		adapted: make(map[string]string),
		mtimes:  make(map[string]time.Time),
	}
}

// Dir returns the library root directory.
func (l *Library) Dir() string { return l.dir }

// ===== Centers =====

// Centers lists center names, sorted. A directory counts as a center only
// when it contains a prompts.json.
func (l *Library) Centers() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read prompts dir: %w", err)
	}
	var centers []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.dir, e.Name(), "prompts.json")); err == nil {
			centers = append(centers, e.Name())
		}
	}
	sort.Strings(centers)
	return centers, nil
}

// CreateCenter creates an empty center directory with an empty prompts.json.
func (l *Library) CreateCenter(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("center name cannot be empty")
	}
	file := filepath.Join(l.dir, name, "prompts.json")
	if _, err := os.Stat(file); err == nil {
		return fmt.Errorf("center %q: %w", name, ErrCenterExists)
	}
	if err := os.MkdirAll(filepath.Join(l.dir, name), 0o755); err != nil {
		return fmt.Errorf("create center dir: %w", err)
	}
	if err := os.WriteFile(file, []byte("{}\n"), 0o644); err != nil {
		return fmt.Errorf("write prompts.json: %w", err)
	}
	slog.Info("Created prompt center", "center", name)
	return nil
}

// ===== CRUD =====

// List returns the prompts of one center with suffixed keys, sorted by type.
func (l *Library) List(center string) ([]Prompt, error) {
	center = orDefault(center)
	entries, err := l.loadCenter(center)
	if err != nil {
		return nil, err
	}
	out := make([]Prompt, 0, len(entries))
	for key, entry := range entries {
		out = append(out, Prompt{
			Type:     suffixKey(key, center),
			Template: entry.Template,
			Mapping:  entry.Mapping,
			Center:   center,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// Get returns one prompt by (possibly suffixed) type.
func (l *Library) Get(center, promptType string) (Prompt, error) {
	center = orDefault(center)
	entries, err := l.loadCenter(center)
	if err != nil {
		return Prompt{}, err
	}
	bare := stripSuffix(promptType, center)
	entry, ok := entries[bare]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt %q in center %q: %w", promptType, center, ErrPromptUnknown)
	}
	return Prompt{Type: suffixKey(bare, center), Template: entry.Template, Mapping: entry.Mapping, Center: center}, nil
}

// Create adds a new prompt. The center is created on demand.
func (l *Library) Create(p Prompt) (Prompt, error) {
	center := orDefault(p.Center)
	promptType := strings.TrimSpace(p.Type)
	if promptType == "" {
		return Prompt{}, fmt.Errorf("prompt type name cannot be empty")
	}
	template := strings.TrimSpace(p.Template)
	if template == "" {
		return Prompt{}, fmt.Errorf("prompt template cannot be empty")
	}

	entries, err := l.loadCenter(center)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Prompt{}, err
		}
		entries = map[string]promptEntry{}
	}
	bare := stripSuffix(promptType, center)
	if _, ok := entries[bare]; ok {
		return Prompt{}, fmt.Errorf("prompt %q in center %q: %w", promptType, center, ErrPromptExists)
	}
	entries[bare] = promptEntry{Template: template, Mapping: p.Mapping}
	if err := l.saveCenter(center, entries); err != nil {
		return Prompt{}, err
	}
	return Prompt{Type: suffixKey(bare, center), Template: template, Mapping: p.Mapping, Center: center}, nil
}

// Update replaces a prompt's template and entity mapping.
func (l *Library) Update(center, promptType, template string, mapping *EntityMapping) (Prompt, error) {
	center = orDefault(center)
	entries, err := l.loadCenter(center)
	if err != nil {
		return Prompt{}, err
	}
	bare := stripSuffix(promptType, center)
	if _, ok := entries[bare]; !ok {
		return Prompt{}, fmt.Errorf("prompt %q in center %q: %w", promptType, center, ErrPromptUnknown)
	}
	entries[bare] = promptEntry{Template: template, Mapping: mapping}
	if err := l.saveCenter(center, entries); err != nil {
		return Prompt{}, err
	}
	return Prompt{Type: suffixKey(bare, center), Template: template, Mapping: mapping, Center: center}, nil
}

// Rename moves a prompt to a new type name within the same center.
func (l *Library) Rename(center, promptType, newName string) (Prompt, error) {
	center = orDefault(center)
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return Prompt{}, fmt.Errorf("new name cannot be empty")
	}
	entries, err := l.loadCenter(center)
	if err != nil {
		return Prompt{}, err
	}
	bare := stripSuffix(promptType, center)
	entry, ok := entries[bare]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt %q in center %q: %w", promptType, center, ErrPromptUnknown)
	}
	newBare := stripSuffix(newName, center)
	if _, ok := entries[newBare]; ok {
		return Prompt{}, fmt.Errorf("prompt %q in center %q: %w", newName, center, ErrPromptExists)
	}
	delete(entries, bare)
	entries[newBare] = entry
	if err := l.saveCenter(center, entries); err != nil {
		return Prompt{}, err
	}
	return Prompt{Type: suffixKey(newBare, center), Template: entry.Template, Mapping: entry.Mapping, Center: center}, nil
}

// Delete removes a prompt from a center.
func (l *Library) Delete(center, promptType string) error {
	center = orDefault(center)
	entries, err := l.loadCenter(center)
	if err != nil {
		return err
	}
	bare := stripSuffix(promptType, center)
	if _, ok := entries[bare]; !ok {
		return fmt.Errorf("prompt %q in center %q: %w", promptType, center, ErrPromptUnknown)
	}
	delete(entries, bare)
	return l.saveCenter(center, entries)
}

// ===== Adapted runtime view =====

// Adapted returns the flat map of suffixed key to adapted template across
// every center, reloading only centers whose prompts.json changed on disk.
func (l *Library) Adapted() (map[string]string, error) {
	centers, err := l.Centers()
	if err != nil {
		return nil, err
	}
	if len(centers) == 0 {
		return nil, fmt.Errorf("no center directories with prompts.json under %s", l.dir)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stale := map[string]bool{}
	for _, center := range centers {
		info, err := os.Stat(filepath.Join(l.dir, center, "prompts.json"))
		if err != nil {
			continue
		}
		if cached, ok := l.mtimes[center]; !ok || !info.ModTime().Equal(cached) {
			stale[center] = true
			l.mtimes[center] = info.ModTime()
		}
	}

	for center := range stale {
		entries, err := l.loadCenter(center)
		if err != nil {
			return nil, err
		}
		suffix := "-" + strings.ToLower(center)
		for key := range l.adapted {
			if strings.HasSuffix(key, suffix) {
				delete(l.adapted, key)
			}
		}
		for key, entry := range entries {
			l.adapted[suffixKey(key, center)] = AdaptTemplate(entry.Template)
		}
		slog.Debug("Reloaded prompt center", "center", center, "prompts", len(entries))
	}

	out := make(map[string]string, len(l.adapted))
	for k, v := range l.adapted {
		out[k] = v
	}
	return out, nil
}

// AdaptedTemplate returns one adapted template by suffixed key.
func (l *Library) AdaptedTemplate(key string) (string, error) {
	all, err := l.Adapted()
	if err != nil {
		return "", err
	}
	t, ok := all[key]
	if !ok {
		return "", fmt.Errorf("prompt %q: %w", key, ErrPromptUnknown)
	}
	return t, nil
}

// Watch invalidates the cache when prompt files change on disk. It blocks
// until ctx is done; run it in its own goroutine.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	if centers, err := l.Centers(); err == nil {
		for _, c := range centers {
			if err := watcher.Add(filepath.Join(l.dir, c)); err != nil {
				slog.Warn("Cannot watch center dir", "center", c, "error", err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if filepath.Base(ev.Name) == "prompts.json" || ev.Op.Has(fsnotify.Create) {
				l.invalidate()
				slog.Debug("Prompt cache invalidated", "event", ev.Op.String(), "path", ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Prompt watcher error", "error", err)
		}
	}
}

func (l *Library) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adapted = make(map[string]string)
	l.mtimes = make(map[string]time.Time)
}

// ===== Classification =====

// Classify decides whether a prompt needs the structured JSON contract.
// Short templates with no JSON, reasoning, or evidence structure and no
// explicit input section run as plain completions.
func Classify(template string) Kind {
	lower := strings.ToLower(template)
	if strings.Contains(lower, "json") ||
		strings.Contains(lower, "reasoning") ||
		strings.Contains(lower, "evidence") {
		return Structured
	}
	if strings.Contains(template, "### Input:") ||
		strings.Contains(template, "Now process the following note") {
		return Structured
	}
	if len(template) > 600 {
		return Structured
	}
	return Simple
}

// ===== File IO =====

func (l *Library) loadCenter(center string) (map[string]promptEntry, error) {
	path := filepath.Join(l.dir, center, "prompts.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load center %q: %w", center, err)
	}
	entries := map[string]promptEntry{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}

// saveCenter writes the center file atomically and invalidates the cache.
func (l *Library) saveCenter(center string, entries map[string]promptEntry) error {
	dir := filepath.Join(l.dir, center)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create center dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}
	path := filepath.Join(dir, "prompts.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	l.invalidate()
	return nil
}

// ===== Template adaptation =====

var (
	// Two generations of the verbose reasoning block exist in stored
	// prompts; the specific one must be tried before the lenient one.
	verboseReasoningRes = []*regexp.Regexp{
		regexp.MustCompile(`(?s)# Reasoning Requirements \(Traceability\)\s*\nFor every entity extracted, you MUST follow this internal logic:\s*\n1\. \*\*Evidence\*\*: Locate the exact literal phrase or sentence from the note\.\s*\n2\. \*\*Clinical Validation\*\*: Determine if the finding is current, a past medical history \(PMH\), or a suspicion\.\s*\n3\. \*\*Inference\*\*: Explain the logic used to map the natural language to the standard value \(e\.g\., mapping "Ductal" to "Infiltrating duct carcinoma"\)\.\s*\nGenerate the response in a structured JSON format\. Ensure the ` + "`reasoning`" + ` and ` + "`evidence`" + ` fields are populated BEFORE the final values to ensure high-fidelity deduction\.`),
		regexp.MustCompile(`(?s)# Reasoning Requirements \(Traceability\)\s*\nFor every entity extracted, you MUST follow this internal logic:\s*\n1\. \*\*Evidence\*\*:.*?\n2\. \*\*Clinical Validation\*\*:.*?\n3\. \*\*Inference\*\*:.*?\nGenerate the response in a structured JSON format\.`),
	}

	conciseReasoning = `# Reasoning Requirements (Traceability)
For every entity extracted, you MUST follow this internal logic:
1. **Evidence**: Locate the exact literal phrase or sentence from the note.
2. **Clinical Validation**: Determine if the finding is current, a past medical history (PMH), or a suspicion.
3. **Inference**: Briefly explain the logic used to map the natural language to the standard value.

IMPORTANT: Keep the reasoning field CONCISE. Provide only essential points in 2-3 sentences maximum. Avoid verbosity or repetition.
Generate the response in a structured JSON format. Ensure the ` + "`reasoning`" + ` and ` + "`evidence`" + ` fields are populated BEFORE the final values.`
)

// AdaptTemplate rewrites a stored template into the runtime form consumed
// by the annotation engine.
func AdaptTemplate(template string) string {
	t := strings.ReplaceAll(template, "{{note_original_text}}", "{note}")
	t = strings.ReplaceAll(t, "{few_shot_examples}", "{fewshots}")
	t = strings.ReplaceAll(t, "{static_samples}\n", "")
	t = strings.ReplaceAll(t, "{static_samples}", "")
	t = strings.ReplaceAll(t, "{{annotation}}", "")
	t = replaceVerboseReasoning(t)
	return strings.TrimSpace(t)
}

func replaceVerboseReasoning(t string) string {
	for _, re := range verboseReasoningRes {
		t = re.ReplaceAllString(t, conciseReasoning)
	}
	return t
}

// ===== Key helpers =====

func orDefault(center string) string {
	center = strings.TrimSpace(center)
	if center == "" {
		return DefaultCenter
	}
	return center
}

func suffixKey(bare, center string) string {
	return bare + "-" + strings.ToLower(center)
}

func stripSuffix(key, center string) string {
	suffix := "-" + strings.ToLower(center)
	return strings.TrimSuffix(key, suffix)
}
