// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions persists annotation sessions as one JSON file per
// session and exports their validated annotations as pipeline CSV.
//
// # Description
//
// A session bundles the uploaded notes, the per-note annotation results,
// the selected prompt types and the evaluation mode. Writes go through a
// temp file and rename so a crash never leaves a half-written session
// behind.
//
// # Thread Safety
//
// Store serializes all mutations behind a mutex and is safe for
// concurrent use.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCurate/services/annotation"
	"github.com/AleutianAI/AleutianCurate/services/icdo3"
)

var (
	// ErrNotFound marks a session id with no stored file.
	ErrNotFound = errors.New("session not found")
	// ErrLastPromptType rejects removals that would leave a session
	// without any prompt type.
	ErrLastPromptType = errors.New("a session must keep at least one prompt type")
	// ErrAnnotationNotFound marks a (note, prompt type) pair with no
	// stored annotation.
	ErrAnnotationNotFound = errors.New("annotation not found")
	// ErrNoCodeInfo marks an annotation without ICD-O-3 extraction data.
	ErrNoCodeInfo = errors.New("no ICD-O-3 code information available")
	// ErrNoCandidates marks a code with an empty candidate list.
	ErrNoCandidates = errors.New("no ICD-O-3 candidates available")
	// ErrCandidateIndex marks an out-of-range candidate selection.
	ErrCandidateIndex = errors.New("candidate index out of range")
)

// Note is one row of the uploaded CSV. Gold holds the optional expected
// annotations column used in evaluation mode.
type Note struct {
	NoteID     string `json:"note_id"`
	Text       string `json:"text"`
	Date       string `json:"date"`
	PatientID  string `json:"p_id"`
	ReportType string `json:"report_type"`
	Gold       string `json:"annotations,omitempty"`
}

// UnifiedCode is a histology plus topography combination saved for a
// note after the user confirms it.
type UnifiedCode struct {
	QueryCode      string          `json:"query_code"`
	MorphologyCode string          `json:"morphology_code"`
	TopographyCode string          `json:"topography_code"`
	Name           string          `json:"name"`
	Source         string          `json:"source"`
	UserSelected   bool            `json:"user_selected"`
	Validation     map[string]bool `json:"validation,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Session is the full persisted state of one annotation session.
// Annotations is keyed by note id, then prompt type.
type Session struct {
	SessionID         string                                  `json:"session_id"`
	Name              string                                  `json:"name"`
	Description       string                                  `json:"description,omitempty"`
	CreatedAt         time.Time                               `json:"created_at"`
	UpdatedAt         time.Time                               `json:"updated_at"`
	Notes             []Note                                  `json:"notes"`
	Annotations       map[string]map[string]annotation.Result `json:"annotations"`
	PromptTypes       []string                                `json:"prompt_types"`
	EvaluationMode    string                                  `json:"evaluation_mode"`
	ReportTypeMapping map[string][]string                     `json:"report_type_mapping,omitempty"`
	UnifiedICDO3Codes map[string]*UnifiedCode                 `json:"unified_icdo3_codes,omitempty"`
}

// Info is the listing summary for one session.
type Info struct {
	SessionID      string    `json:"session_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	NoteCount      int       `json:"note_count"`
	PromptTypes    []string  `json:"prompt_types"`
	EvaluationMode string    `json:"evaluation_mode"`
}

// CreateParams carries the request body for a new session.
type CreateParams struct {
	Name              string              `json:"name"`
	Description       string              `json:"description,omitempty"`
	Notes             []Note              `json:"csv_data"`
	PromptTypes       []string            `json:"prompt_types"`
	EvaluationMode    string              `json:"evaluation_mode,omitempty"`
	ReportTypeMapping map[string][]string `json:"report_type_mapping,omitempty"`
}

// Store reads and writes sessions under a single directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the session directory when needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// hasGold reports whether any note carries expected annotations.
func hasGold(notes []Note) bool {
	for _, n := range notes {
		if strings.TrimSpace(n.Gold) != "" {
			return true
		}
	}
	return false
}

// Create builds and persists a new session. When the caller leaves the
// mode at validation but the CSV carries expected annotations, the
// session is switched to evaluation mode.
func (s *Store) Create(params CreateParams) (*Session, error) {
	mode := params.EvaluationMode
	if mode == "" {
		mode = annotation.ModeValidation
	}
	if mode == annotation.ModeValidation && hasGold(params.Notes) {
		mode = annotation.ModeEvaluation
	}

	now := time.Now().UTC()
	session := &Session{
		SessionID:         uuid.NewString(),
		Name:              params.Name,
		Description:       params.Description,
		CreatedAt:         now,
		UpdatedAt:         now,
		Notes:             params.Notes,
		Annotations:       map[string]map[string]annotation.Result{},
		PromptTypes:       append([]string(nil), params.PromptTypes...),
		EvaluationMode:    mode,
		ReportTypeMapping: params.ReportTypeMapping,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(session); err != nil {
		return nil, err
	}
	slog.Info("session created",
		"session_id", session.SessionID,
		"notes", len(session.Notes),
		"evaluation_mode", session.EvaluationMode,
	)
	return session, nil
}

// Get loads one session. Sessions written before evaluation modes
// existed are migrated in place on first load.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *Store) load(id string) (*Session, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	if session.Annotations == nil {
		session.Annotations = map[string]map[string]annotation.Result{}
	}
	if session.EvaluationMode == "" {
		session.EvaluationMode = annotation.ModeValidation
		if hasGold(session.Notes) {
			session.EvaluationMode = annotation.ModeEvaluation
		}
		if err := s.save(&session); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

// save stamps updated_at and writes the session atomically.
func (s *Store) save(session *Session) error {
	session.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.SessionID, err)
	}
	target := s.path(session.SessionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", session.SessionID, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace session %s: %w", session.SessionID, err)
	}
	return nil
}

// List returns summaries for every stored session, newest update first.
// Unreadable files are skipped with a warning.
func (s *Store) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	infos := []Info{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			slog.Warn("skipping unreadable session file", "file", entry.Name(), "error", err)
			continue
		}
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil {
			slog.Warn("skipping corrupt session file", "file", entry.Name(), "error", err)
			continue
		}
		mode := session.EvaluationMode
		if mode == "" {
			mode = annotation.ModeValidation
		}
		infos = append(infos, Info{
			SessionID:      session.SessionID,
			Name:           session.Name,
			Description:    session.Description,
			CreatedAt:      session.CreatedAt,
			UpdatedAt:      session.UpdatedAt,
			NoteCount:      len(session.Notes),
			PromptTypes:    session.PromptTypes,
			EvaluationMode: mode,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Delete removes a session file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// SetAnnotations replaces the full annotation map of a session.
func (s *Store) SetAnnotations(id string, annotations map[string]map[string]annotation.Result) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if annotations == nil {
		annotations = map[string]map[string]annotation.Result{}
	}
	session.Annotations = annotations
	if err := s.save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// MergeAnnotations upserts annotation results for single notes without
// touching the rest of the session. Results for prompt types the session
// does not carry are dropped: every stored annotation must belong to one
// of the session's prompt types, or prompt-type removal and export would
// operate on annotations they cannot see.
func (s *Store) MergeAnnotations(id string, results []annotation.NoteResult) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, pt := range session.PromptTypes {
		allowed[pt] = true
	}
	for _, nr := range results {
		byPrompt := session.Annotations[nr.NoteID]
		if byPrompt == nil {
			byPrompt = map[string]annotation.Result{}
			session.Annotations[nr.NoteID] = byPrompt
		}
		for _, ann := range nr.Annotations {
			if !allowed[ann.PromptType] {
				slog.Warn("Dropping annotation for prompt type outside session",
					"session_id", id,
					"note_id", nr.NoteID,
					"prompt_type", ann.PromptType)
				continue
			}
			byPrompt[ann.PromptType] = ann
		}
	}
	if err := s.save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateMetadata renames a session and/or swaps its report type mapping.
// A new mapping resets prompt_types to the union of all mapped types and
// drops annotations no longer allowed for their note's report type.
func (s *Store) UpdateMetadata(id string, name *string, mapping map[string][]string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		session.Name = *name
	}
	if mapping != nil {
		session.ReportTypeMapping = mapping

		union := map[string]struct{}{}
		for _, pts := range mapping {
			for _, pt := range pts {
				union[pt] = struct{}{}
			}
		}
		promptTypes := make([]string, 0, len(union))
		for pt := range union {
			promptTypes = append(promptTypes, pt)
		}
		sort.Strings(promptTypes)
		session.PromptTypes = promptTypes

		reportTypes := map[string]string{}
		for _, note := range session.Notes {
			if note.NoteID != "" {
				reportTypes[note.NoteID] = note.ReportType
			}
		}
		for noteID, byPrompt := range session.Annotations {
			allowed := map[string]struct{}{}
			for _, pt := range mapping[reportTypes[noteID]] {
				allowed[pt] = struct{}{}
			}
			for pt := range byPrompt {
				if _, ok := allowed[pt]; !ok {
					delete(byPrompt, pt)
				}
			}
		}
	}
	if err := s.save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// AddPromptTypes appends prompt types that the session does not already
// carry. Validation against the prompt library is the caller's job.
func (s *Store) AddPromptTypes(id string, add []string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	current := map[string]struct{}{}
	for _, pt := range session.PromptTypes {
		current[pt] = struct{}{}
	}
	for _, pt := range add {
		if _, ok := current[pt]; !ok {
			current[pt] = struct{}{}
			session.PromptTypes = append(session.PromptTypes, pt)
		}
	}
	if err := s.save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// RemovePromptTypes drops prompt types and their stored annotations. At
// least one prompt type must survive.
func (s *Store) RemovePromptTypes(id string, remove []string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	removing := map[string]struct{}{}
	for _, pt := range remove {
		removing[pt] = struct{}{}
	}
	var kept []string
	for _, pt := range session.PromptTypes {
		if _, ok := removing[pt]; !ok {
			kept = append(kept, pt)
		}
	}
	if len(kept) == 0 {
		return nil, ErrLastPromptType
	}
	for _, byPrompt := range session.Annotations {
		for pt := range removing {
			delete(byPrompt, pt)
		}
	}
	session.PromptTypes = kept
	if err := s.save(session); err != nil {
		return nil, err
	}
	return session, nil
}

// SelectCandidate points an annotation's ICD-O-3 code at another ranked
// candidate and rewrites the derived code fields from it.
func (s *Store) SelectCandidate(id, noteID, promptType string, candidateIndex int) (*icdo3.CodeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	ann, ok := session.Annotations[noteID][promptType]
	if !ok {
		return nil, fmt.Errorf("%w: note %s, prompt type %s", ErrAnnotationNotFound, noteID, promptType)
	}
	info := ann.ICDO3Code
	if info == nil {
		return nil, ErrNoCodeInfo
	}
	if len(info.Candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if candidateIndex < 0 || candidateIndex >= len(info.Candidates) {
		return nil, fmt.Errorf("%w: %d of %d", ErrCandidateIndex, candidateIndex, len(info.Candidates))
	}

	selected := info.Candidates[candidateIndex]
	info.SelectedCandidateIndex = candidateIndex
	info.UserSelected = true
	info.Code = selected.QueryCode
	info.QueryCode = selected.QueryCode
	info.MorphologyCode = selected.MorphologyCode
	info.TopographyCode = selected.TopographyCode
	info.Description = selected.Name
	info.MatchScore = selected.MatchScore
	info.MatchMethod = "user_selected_" + orUnknown(selected.MatchMethod)
	if histology, behavior, ok := strings.Cut(selected.MorphologyCode, "/"); ok {
		info.HistologyCode = histology
		info.BehaviorCode = behavior
	}

	session.Annotations[noteID][promptType] = ann
	if err := s.save(session); err != nil {
		return nil, err
	}
	slog.Info("ICD-O-3 candidate selected",
		"session_id", id,
		"note_id", noteID,
		"prompt_type", promptType,
		"candidate_index", candidateIndex,
		"code", selected.QueryCode,
	)
	return info, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// SaveUnifiedCode stores the confirmed histology plus topography code
// for one note.
func (s *Store) SaveUnifiedCode(id, noteID string, code UnifiedCode) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	if session.UnifiedICDO3Codes == nil {
		session.UnifiedICDO3Codes = map[string]*UnifiedCode{}
	}
	session.UnifiedICDO3Codes[noteID] = &code
	if err := s.save(session); err != nil {
		return nil, err
	}
	slog.Info("unified ICD-O-3 code saved",
		"session_id", id,
		"note_id", noteID,
		"query_code", code.QueryCode,
	)
	return session, nil
}
