// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire types of the curation HTTP surface.
package datatypes

// CSVRow is one parsed row of a notes upload.
type CSVRow struct {
	Text        string `json:"text"`
	Date        string `json:"date"`
	PatientID   string `json:"p_id"`
	NoteID      string `json:"note_id"`
	ReportType  string `json:"report_type"`
	Annotations string `json:"annotations,omitempty"`
}

// CSVUploadResponse is the result of parsing a notes CSV. AllRows feeds
// session creation; Preview is the first few rows for display.
type CSVUploadResponse struct {
	Success        bool     `json:"success"`
	Message        string   `json:"message"`
	RowCount       int      `json:"row_count"`
	Columns        []string `json:"columns"`
	Preview        []CSVRow `json:"preview"`
	AllRows        []CSVRow `json:"all_rows"`
	HasAnnotations bool     `json:"has_annotations"`
	ReportTypes    []string `json:"report_types"`
}

// FewshotUploadResponse reports an accepted few-shot CSV.
type FewshotUploadResponse struct {
	Success        bool           `json:"success"`
	Message        string         `json:"message"`
	PromptTypes    []string       `json:"prompt_types"`
	CountsByPrompt map[string]int `json:"counts_by_prompt"`
}

// FewshotDeleteResponse reports a cleared few-shot store.
type FewshotDeleteResponse struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	DeletedExamples    int    `json:"deleted_examples"`
	DeletedPromptTypes int    `json:"deleted_prompt_types"`
}
