// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCurate/services/annotation"
	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
	"github.com/AleutianAI/AleutianCurate/services/curation/observability"
	"github.com/AleutianAI/AleutianCurate/services/evaluation"
	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/llm"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

const maxCandidateIndex = 4

// recordAnnotationMetrics feeds annotation outcomes and inference
// timing into Prometheus when metrics are initialized.
func recordAnnotationMetrics(results []annotation.Result, timing map[string]float64) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	for _, r := range results {
		m.RecordAnnotation(r.PromptType, r.Status)
	}
	if seconds, ok := timing["vllm_inference"]; ok {
		m.RecordLLMCall(seconds, true)
	}
}

// sessionContext is what an annotation run needs from a stored session.
type sessionContext struct {
	date        string
	reportType  string
	gold        string
	mode        string
	mapping     map[string][]string
	evaluation  bool
	noteInStore bool
}

func lookupSessionContext(store *sessions.Store, sessionID, noteID string) sessionContext {
	sc := sessionContext{mode: annotation.ModeValidation}
	if sessionID == "" {
		return sc
	}
	session, err := store.Get(sessionID)
	if err != nil {
		// A stale session id should not block ad-hoc annotation.
		slog.Warn("Could not load session for annotation context", "session_id", sessionID, "error", err)
		return sc
	}
	sc.mapping = session.ReportTypeMapping
	if session.EvaluationMode != "" {
		sc.mode = session.EvaluationMode
	}
	sc.evaluation = sc.mode == annotation.ModeEvaluation
	for _, note := range session.Notes {
		if note.NoteID == noteID {
			sc.date = note.Date
			sc.reportType = note.ReportType
			sc.gold = note.Gold
			sc.noteInStore = true
			break
		}
	}
	return sc
}

// ProcessNote annotates one note with the requested prompt types.
func ProcessNote(engine *annotation.Engine, client *llm.VLLMClient, store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		noteText := c.Query("note_text")
		if noteText == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "note_text is required"})
			return
		}
		var req datatypes.ProcessNoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if ok, _ := client.Available(); !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "VLLM server not available"})
			return
		}

		sc := lookupSessionContext(store, c.Query("session_id"), req.NoteID)
		promptTypes := annotation.FilterPromptTypes(req.PromptTypes, sc.mapping, sc.reportType)

		note := annotation.Note{
			NoteID:     req.NoteID,
			Text:       noteText,
			Date:       sc.date,
			ReportType: sc.reportType,
			Gold:       sc.gold,
		}
		opts := annotation.Options{
			UseFewshots:    req.UseFewshots,
			FewshotK:       req.FewshotK,
			EvaluationMode: sc.mode,
		}

		result := engine.ProcessNote(c.Request.Context(), note, promptTypes, opts)
		recordAnnotationMetrics(result.Annotations, result.TimingBreakdown)
		slog.Info("Processed note",
			"note_id", req.NoteID,
			"prompts", len(promptTypes),
			"seconds", result.ProcessingTimeSeconds)
		c.JSON(http.StatusOK, result)
	}
}

// BatchProcess annotates a set of session notes across the requested
// prompt types and merges the results back into the session.
func BatchProcess(engine *annotation.Engine, client *llm.VLLMClient, store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		var req datatypes.BatchProcessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		session, err := store.Get(sessionID)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessageID(sessionID, err)})
			return
		}
		if ok, reason := client.Available(); !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": fmt.Sprintf("VLLM server not available at %s: %s", client.Endpoint(), reason),
			})
			return
		}

		// Only the session's own prompt types may produce stored
		// annotations. An empty request means all of them.
		sessionTypes := map[string]bool{}
		for _, pt := range session.PromptTypes {
			sessionTypes[pt] = true
		}
		promptTypes := req.PromptTypes
		if len(promptTypes) == 0 {
			promptTypes = session.PromptTypes
		} else {
			kept := promptTypes[:0]
			for _, pt := range promptTypes {
				if sessionTypes[pt] {
					kept = append(kept, pt)
				}
			}
			promptTypes = kept
		}

		wanted := map[string]bool{}
		for _, id := range req.NoteIDs {
			wanted[id] = true
		}
		var notes []annotation.Note
		for _, note := range session.Notes {
			if !wanted[note.NoteID] {
				continue
			}
			notes = append(notes, annotation.Note{
				NoteID:     note.NoteID,
				Text:       note.Text,
				Date:       note.Date,
				ReportType: note.ReportType,
				Gold:       note.Gold,
			})
		}

		mode := session.EvaluationMode
		if mode == "" {
			mode = annotation.ModeValidation
		}
		opts := annotation.Options{
			UseFewshots:    req.UseFewshots,
			FewshotK:       req.FewshotK,
			EvaluationMode: mode,
		}

		start := time.Now()
		batch := engine.ProcessBatch(c.Request.Context(), notes, promptTypes, session.ReportTypeMapping, opts)
		for _, nr := range batch.Results {
			recordAnnotationMetrics(nr.Annotations, nr.TimingBreakdown)
		}

		if _, err := store.MergeAnnotations(sessionID, batch.Results); err != nil {
			slog.Error("Failed to persist batch annotations", "session_id", sessionID, "error", err)
		}

		resp := datatypes.BatchProcessResponse{
			Results:          batch.Results,
			TotalTimeSeconds: batch.TotalTimeSeconds,
			TimingBreakdown:  batch.TimingBreakdown,
		}
		if mode == annotation.ModeEvaluation {
			var evalResults []*evaluation.Result
			for _, nr := range batch.Results {
				for _, a := range nr.Annotations {
					if a.EvaluationResult != nil {
						evalResults = append(evalResults, a.EvaluationResult)
					}
				}
			}
			if len(evalResults) > 0 {
				resp.Evaluation = evaluation.BatchEvaluate(evalResults)
			}
		}

		slog.Info("Processed batch",
			"session_id", sessionID,
			"notes", len(notes),
			"seconds", time.Since(start).Seconds())
		c.JSON(http.StatusOK, resp)
	}
}

// SelectICDO3Candidate switches the selected dictionary candidate of an
// annotation.
func SelectICDO3Candidate(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		noteID := c.Query("note_id")
		promptType := c.Query("prompt_type")
		index, err := strconv.Atoi(c.Query("candidate_index"))
		if err != nil || index < 0 || index > maxCandidateIndex {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("candidate_index must be between 0 and %d", maxCandidateIndex),
			})
			return
		}

		code, err := store.SelectCandidate(sessionID, noteID, promptType, index)
		if err != nil {
			switch {
			case errors.Is(err, sessions.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Session %s not found", sessionID)})
			case errors.Is(err, sessions.ErrAnnotationNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			}
			return
		}

		selected := code.Candidates[code.SelectedCandidateIndex]
		c.JSON(http.StatusOK, datatypes.ICDO3SelectResponse{
			Success:   true,
			ICDO3Code: code,
			Message:   fmt.Sprintf("Selected candidate %d: %s - %s", index, selected.QueryCode, selected.Name),
		})
	}
}

// SearchICDO3 searches the diagnosis dictionary by text or code
// fragment.
func SearchICDO3(indexer *icdo3.Indexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Query("q")
		morphology := c.Query("morphology")
		topography := c.Query("topography")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

		results, err := indexer.Search(query, morphology, topography, limit)
		if err != nil {
			c.JSON(icdo3Status(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, datatypes.ICDO3SearchResponse{
			Results:          results,
			TotalCount:       len(results),
			Query:            query,
			MorphologyFilter: morphology,
			TopographyFilter: topography,
		})
	}
}

// ValidateICDO3 checks a morphology + topography combination.
func ValidateICDO3(indexer *icdo3.Indexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		validation, err := indexer.Validate(c.Query("morphology"), c.Query("topography"))
		if err != nil {
			c.JSON(icdo3Status(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, validation)
	}
}

// CombineICDO3 saves a user-chosen unified diagnosis code for one note.
func CombineICDO3(store *sessions.Store, indexer *icdo3.Indexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		noteID := c.Query("note_id")
		var req datatypes.ICDO3CombineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query_code is required"})
			return
		}

		candidates, err := indexer.Resolve(icdo3.ResolveQuery{QueryCode: req.QueryCode}, 1)
		if err != nil {
			c.JSON(icdo3Status(err), gin.H{"error": err.Error()})
			return
		}
		if len(candidates) == 0 || candidates[0].Method != "exact" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid query code: %s", req.QueryCode)})
			return
		}
		row := candidates[0].Row

		code := sessions.UnifiedCode{
			QueryCode:      row.Query,
			MorphologyCode: row.Morphology,
			TopographyCode: row.Topography,
			Name:           row.Name,
			Source:         "user_override",
			UserSelected:   true,
			Validation: map[string]bool{
				"valid":            true,
				"morphology_valid": true,
				"topography_valid": true,
			},
			CreatedAt: time.Now().UTC(),
		}
		if _, err := store.SaveUnifiedCode(sessionID, noteID, code); err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessageID(sessionID, err)})
			return
		}

		slog.Info("Saved unified code", "session_id", sessionID, "note_id", noteID, "query_code", row.Query)
		c.JSON(http.StatusOK, datatypes.ICDO3CombineResponse{
			Success:     true,
			UnifiedCode: &code,
			Message:     fmt.Sprintf("Saved unified code: %s - %s", row.Query, row.Name),
		})
	}
}

// ICDO3Topographies lists topographies compatible with a morphology.
func ICDO3Topographies(indexer *icdo3.Indexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		morphology := c.Query("morphology")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		topos, err := indexer.TopographiesFor(morphology, limit)
		if err != nil {
			c.JSON(icdo3Status(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"morphology":   morphology,
			"topographies": topos,
			"count":        len(topos),
		})
	}
}

// ICDO3Morphologies lists morphologies compatible with a topography.
func ICDO3Morphologies(indexer *icdo3.Indexer) gin.HandlerFunc {
	return func(c *gin.Context) {
		topography := c.Query("topography")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		morphs, err := indexer.MorphologiesFor(topography, limit)
		if err != nil {
			c.JSON(icdo3Status(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"topography":   topography,
			"morphologies": morphs,
			"count":        len(morphs),
		})
	}
}

// GetUnifiedICDO3 fetches the saved unified code of one note.
func GetUnifiedICDO3(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		noteID := c.Param("note_id")
		session, err := store.Get(sessionID)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessageID(sessionID, err)})
			return
		}
		code := session.UnifiedICDO3Codes[noteID]
		c.JSON(http.StatusOK, gin.H{
			"note_id":      noteID,
			"unified_code": code,
			"exists":       code != nil,
		})
	}
}

// icdo3Status maps dictionary errors onto HTTP status codes. A missing
// dictionary file means the feature is unavailable, not a bad request.
func icdo3Status(err error) int {
	if errors.Is(err, icdo3.ErrDictionaryMissing) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sessionErrMessageID(sessionID string, err error) string {
	if errors.Is(err, sessions.ErrNotFound) {
		return fmt.Sprintf("Session %s not found", sessionID)
	}
	return err.Error()
}
