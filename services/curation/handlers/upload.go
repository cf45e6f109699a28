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
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
	"github.com/AleutianAI/AleutianCurate/services/fewshot"
)

// notesColumns are the columns every notes upload must carry.
var notesColumns = []string{"text", "date", "p_id", "note_id", "report_type"}

// fewshotColumns are the columns every few-shot upload must carry.
var fewshotColumns = []string{"prompt_type", "note_text", "annotation"}

const previewRows = 10

// readUpload pulls the named multipart file into memory.
func readUpload(c *gin.Context, field string) ([]byte, *multipart.FileHeader, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, nil, err
	}
	f, err := header.Open()
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return data, header, nil
}

// parseDelimited reads a CSV with the given delimiter. Rows with more
// fields than the header are repaired by folding the overflow back into
// the free-text column, so unquoted commas inside note text never shift
// columns or lose data. Short rows are padded.
func parseDelimited(data []byte, delim rune, textIdx int) ([]string, [][]string, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, errors.New("empty file")
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}

	var rows [][]string
	for _, rec := range records[1:] {
		row := rec
		if extra := len(row) - len(header); extra > 0 && textIdx >= 0 && textIdx < len(row) {
			folded := strings.Join(row[textIdx:textIdx+extra+1], string(delim))
			row = append(append(append([]string{}, row[:textIdx]...), folded), row[textIdx+extra+1:]...)
		}
		if len(row) > len(header) {
			row = row[:len(header)]
		}
		for len(row) < len(header) {
			row = append(row, "")
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// parseUploadCSV tries the semicolon delimiter first, falling back to
// comma, and reports which required columns are absent under the better
// parse.
func parseUploadCSV(data []byte, required []string, textColumn string) ([]string, [][]string, []string, error) {
	var bestHeader []string
	var bestRows [][]string
	var bestMissing []string

	for _, delim := range []rune{';', ','} {
		header, rows, err := parseDelimited(data, delim, headerIndex(data, delim, textColumn))
		if err != nil {
			continue
		}
		missing := missingColumns(header, required)
		if len(missing) == 0 {
			return header, rows, nil, nil
		}
		if bestHeader == nil || len(missing) < len(bestMissing) {
			bestHeader, bestRows, bestMissing = header, rows, missing
		}
	}
	if bestHeader == nil {
		return nil, nil, nil, errors.New("could not parse CSV file")
	}
	return bestHeader, bestRows, bestMissing, nil
}

// headerIndex locates a column in the raw header line, before the body
// is parsed, so row repair knows where overflow should fold.
func headerIndex(data []byte, delim rune, column string) int {
	line, _, _ := strings.Cut(string(data), "\n")
	for i, h := range strings.Split(strings.TrimRight(line, "\r"), string(delim)) {
		if strings.TrimSpace(strings.Trim(h, `"`)) == column {
			return i
		}
	}
	return -1
}

func missingColumns(header, required []string) []string {
	present := map[string]bool{}
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, col := range required {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

func columnOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

// UploadCSV parses a notes CSV and returns the rows that feed session
// creation.
func UploadCSV() gin.HandlerFunc {
	return func(c *gin.Context) {
		data, header, err := readUpload(c, "file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}
		if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File must be a CSV"})
			return
		}

		columns, rows, missing, err := parseUploadCSV(data, notesColumns, "text")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(missing) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Missing required columns: %v", missing),
			})
			return
		}

		textIdx := columnOf(columns, "text")
		dateIdx := columnOf(columns, "date")
		pidIdx := columnOf(columns, "p_id")
		noteIdx := columnOf(columns, "note_id")
		reportIdx := columnOf(columns, "report_type")
		annIdx := columnOf(columns, "annotations")

		allRows := make([]datatypes.CSVRow, 0, len(rows))
		reportTypes := map[string]bool{}
		for _, row := range rows {
			out := datatypes.CSVRow{
				Text:       row[textIdx],
				Date:       row[dateIdx],
				PatientID:  row[pidIdx],
				NoteID:     row[noteIdx],
				ReportType: strings.TrimSpace(row[reportIdx]),
			}
			if annIdx >= 0 {
				out.Annotations = row[annIdx]
			}
			if out.ReportType != "" {
				reportTypes[out.ReportType] = true
			}
			allRows = append(allRows, out)
		}

		types := make([]string, 0, len(reportTypes))
		for rt := range reportTypes {
			types = append(types, rt)
		}
		sort.Strings(types)

		preview := allRows
		if len(preview) > previewRows {
			preview = preview[:previewRows]
		}

		slog.Info("Parsed notes CSV", "filename", header.Filename, "rows", len(allRows))
		c.JSON(http.StatusOK, datatypes.CSVUploadResponse{
			Success:        true,
			Message:        fmt.Sprintf("CSV uploaded successfully. %d rows parsed.", len(allRows)),
			RowCount:       len(allRows),
			Columns:        columns,
			Preview:        preview,
			AllRows:        allRows,
			HasAnnotations: annIdx >= 0,
			ReportTypes:    types,
		})
	}
}

// UploadFewshots parses a few-shot CSV into the example store. Rows with
// any blank field are skipped.
func UploadFewshots(store *fewshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, header, err := readUpload(c, "file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}
		if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File must be a CSV"})
			return
		}

		columns, rows, missing, err := parseUploadCSV(data, fewshotColumns, "note_text")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(missing) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("Missing required columns: %v", missing),
			})
			return
		}

		promptIdx := columnOf(columns, "prompt_type")
		textIdx := columnOf(columns, "note_text")
		annIdx := columnOf(columns, "annotation")

		var records []fewshot.Record
		for _, row := range rows {
			rec := fewshot.Record{
				PromptType: strings.TrimSpace(row[promptIdx]),
				NoteText:   row[textIdx],
				Annotation: row[annIdx],
			}
			if rec.PromptType == "" || strings.TrimSpace(rec.NoteText) == "" || strings.TrimSpace(rec.Annotation) == "" {
				continue
			}
			records = append(records, rec)
		}

		added, err := store.Add(records)
		if err != nil {
			slog.Error("Failed to store few-shot examples", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		status, err := store.Status()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Uploaded few-shot examples", "added", added, "prompt_types", len(status.PromptTypes))
		c.JSON(http.StatusOK, datatypes.FewshotUploadResponse{
			Success:        true,
			Message:        fmt.Sprintf("Uploaded %d few-shot examples", added),
			PromptTypes:    status.PromptTypes,
			CountsByPrompt: status.CountsByPrompt,
		})
	}
}

// FewshotStatus reports which prompt types have stored examples.
func FewshotStatus(store *fewshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := store.Status()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

// ClearFewshots deletes every stored example.
func ClearFewshots(store *fewshot.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		examples, promptTypes, err := store.Clear()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Cleared few-shot examples", "examples", examples, "prompt_types", promptTypes)
		c.JSON(http.StatusOK, datatypes.FewshotDeleteResponse{
			Success:            true,
			Message:            fmt.Sprintf("Deleted %d few-shot examples from %d prompt types", examples, promptTypes),
			DeletedExamples:    examples,
			DeletedPromptTypes: promptTypes,
		})
	}
}

// GetReportTypeMappings returns the persisted report-type-to-prompts
// mapping, or an empty object when none has been saved.
func GetReportTypeMappings(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := os.ReadFile(path)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		var mapping map[string][]string
		if err := json.Unmarshal(raw, &mapping); err != nil {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusOK, mapping)
	}
}

// SaveReportTypeMappings merges the posted mapping into the persisted
// one.
func SaveReportTypeMappings(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var incoming map[string][]string
		if err := c.ShouldBindJSON(&incoming); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		existing := map[string][]string{}
		if raw, err := os.ReadFile(path); err == nil {
			json.Unmarshal(raw, &existing)
		}
		for k, v := range incoming {
			existing[k] = v
		}

		raw, err := json.MarshalIndent(existing, "", "  ")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Report type mappings saved",
		})
	}
}
