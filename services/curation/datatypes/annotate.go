// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/AleutianAI/AleutianCurate/services/annotation"
	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

// ProcessNoteRequest asks for a single-note fan-out across prompts.
type ProcessNoteRequest struct {
	NoteID      string   `json:"note_id" binding:"required"`
	PromptTypes []string `json:"prompt_types" binding:"required"`
	FewshotK    int      `json:"fewshot_k"`
	UseFewshots bool     `json:"use_fewshots"`
}

// BatchProcessRequest asks for a fan-out across the note x prompt
// cross-product.
type BatchProcessRequest struct {
	NoteIDs     []string `json:"note_ids" binding:"required"`
	PromptTypes []string `json:"prompt_types" binding:"required"`
	FewshotK    int      `json:"fewshot_k"`
	UseFewshots bool     `json:"use_fewshots"`
}

// BatchProcessResponse wraps the batch results with roll-up timing and,
// in evaluation mode, aggregate statistics.
type BatchProcessResponse struct {
	Results          []annotation.NoteResult `json:"results"`
	TotalTimeSeconds float64                 `json:"total_time_seconds"`
	TimingBreakdown  map[string]float64      `json:"timing_breakdown"`
	Evaluation       any                     `json:"evaluation_summary,omitempty"`
}

// ICDO3SelectResponse confirms a candidate switch.
type ICDO3SelectResponse struct {
	Success   bool            `json:"success"`
	ICDO3Code *icdo3.CodeInfo `json:"icdo3_code"`
	Message   string          `json:"message"`
}

// ICDO3SearchResponse carries dictionary search hits.
type ICDO3SearchResponse struct {
	Results          []icdo3.SearchResult `json:"results"`
	TotalCount       int                  `json:"total_count"`
	Query            string               `json:"query"`
	MorphologyFilter string               `json:"morphology_filter,omitempty"`
	TopographyFilter string               `json:"topography_filter,omitempty"`
}

// ICDO3CombineRequest saves a unified diagnosis code for one note.
type ICDO3CombineRequest struct {
	QueryCode string `json:"query_code" binding:"required"`
}

// ICDO3CombineResponse confirms a saved unified code.
type ICDO3CombineResponse struct {
	Success     bool                  `json:"success"`
	UnifiedCode *sessions.UnifiedCode `json:"unified_code"`
	Message     string                `json:"message"`
}
