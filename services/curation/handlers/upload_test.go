// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
	"github.com/AleutianAI/AleutianCurate/services/fewshot"
)

func newUploadRouter(t *testing.T) (*gin.Engine, *fewshot.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := fewshot.NewStore(filepath.Join(t.TempDir(), "fewshots.json"))
	router := gin.New()
	router.POST("/api/upload/csv", UploadCSV())
	router.POST("/api/upload/fewshots", UploadFewshots(store))
	router.GET("/api/upload/fewshots/status", FewshotStatus(store))
	router.DELETE("/api/upload/fewshots", ClearFewshots(store))
	return router, store
}

func TestUploadCSV(t *testing.T) {
	router, _ := newUploadRouter(t)
	csv := "text;date;p_id;note_id;report_type\nTumor in left femur;2023-05-12;P1;n1;pathology\nClear margins;2023-06-01;P2;n2;surgery\n"

	w := performUpload(t, router, "/api/upload/csv", "file", "notes.csv", []byte(csv), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.CSVUploadResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.RowCount)
	assert.Equal(t, "CSV uploaded successfully. 2 rows parsed.", resp.Message)
	assert.Equal(t, []string{"pathology", "surgery"}, resp.ReportTypes)
	assert.False(t, resp.HasAnnotations)
	require.Len(t, resp.AllRows, 2)
	assert.Equal(t, "n1", resp.AllRows[0].NoteID)
	assert.Equal(t, "Tumor in left femur", resp.AllRows[0].Text)
}

func TestUploadCSVRejectsNonCSV(t *testing.T) {
	router, _ := newUploadRouter(t)
	w := performUpload(t, router, "/api/upload/csv", "file", "notes.xlsx", []byte("whatever"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "must be a CSV")
}

func TestUploadCSVMissingColumns(t *testing.T) {
	router, _ := newUploadRouter(t)
	w := performUpload(t, router, "/api/upload/csv", "file", "notes.csv", []byte("text,date\nfoo,2023\n"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Missing required columns")
}

func TestUploadCSVFoldsUnquotedCommasIntoText(t *testing.T) {
	router, _ := newUploadRouter(t)
	// The note text carries two raw commas, so the comma parse yields
	// seven fields for a five-column header.
	csv := "text,date,p_id,note_id,report_type\nlarge, irregular, ulcerated lesion,2023-05-12,P1,n1,pathology\n"

	w := performUpload(t, router, "/api/upload/csv", "file", "notes.csv", []byte(csv), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.CSVUploadResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.AllRows, 1)
	assert.Equal(t, "large, irregular, ulcerated lesion", resp.AllRows[0].Text)
	assert.Equal(t, "n1", resp.AllRows[0].NoteID)
}

func TestUploadCSVWithAnnotations(t *testing.T) {
	router, _ := newUploadRouter(t)
	csv := "text,date,p_id,note_id,report_type,annotations\nnote body,2023-05-12,P1,n1,pathology,diagnosis: sarcoma\n"

	w := performUpload(t, router, "/api/upload/csv", "file", "notes.csv", []byte(csv), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.CSVUploadResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.HasAnnotations)
	assert.Equal(t, "diagnosis: sarcoma", resp.AllRows[0].Annotations)
}

func TestUploadFewshotsSkipsBlankRows(t *testing.T) {
	router, _ := newUploadRouter(t)
	csv := "prompt_type,note_text,annotation\ndiagnosis-int,Tumor found,diagnosis: sarcoma\ndiagnosis-int,,missing text\n"

	w := performUpload(t, router, "/api/upload/fewshots", "file", "shots.csv", []byte(csv), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.FewshotUploadResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "Uploaded 1 few-shot examples", resp.Message)
	assert.Equal(t, []string{"diagnosis-int"}, resp.PromptTypes)
	assert.Equal(t, 1, resp.CountsByPrompt["diagnosis-int"])
}

func TestClearFewshots(t *testing.T) {
	router, store := newUploadRouter(t)
	_, err := store.Add([]fewshot.Record{
		{PromptType: "diagnosis-int", NoteText: "a", Annotation: "b"},
		{PromptType: "grading-int", NoteText: "c", Annotation: "d"},
	})
	require.NoError(t, err)

	w := performJSON(t, router, http.MethodDelete, "/api/upload/fewshots", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.FewshotDeleteResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, 2, resp.DeletedExamples)
	assert.Equal(t, 2, resp.DeletedPromptTypes)
	assert.Equal(t, "Deleted 2 few-shot examples from 2 prompt types", resp.Message)
}

func TestReportTypeMappingsMerge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	path := filepath.Join(t.TempDir(), "report_type_mappings.json")
	router := gin.New()
	router.GET("/mappings", GetReportTypeMappings(path))
	router.POST("/mappings", SaveReportTypeMappings(path))

	// Unsaved state returns an empty object.
	w := performJSON(t, router, http.MethodGet, "/mappings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	w = performJSON(t, router, http.MethodPost, "/mappings", map[string][]string{"pathology": {"diagnosis-int"}})
	require.Equal(t, http.StatusOK, w.Code)
	w = performJSON(t, router, http.MethodPost, "/mappings", map[string][]string{"surgery": {"margins-int"}})
	require.Equal(t, http.StatusOK, w.Code)

	w = performJSON(t, router, http.MethodGet, "/mappings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var merged map[string][]string
	decodeBody(t, w, &merged)
	assert.Equal(t, []string{"diagnosis-int"}, merged["pathology"])
	assert.Equal(t, []string{"margins-int"}, merged["surgery"])
}
