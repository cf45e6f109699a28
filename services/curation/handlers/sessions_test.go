// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/prompts"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

func newSessionRouter(t *testing.T) (*gin.Engine, *sessions.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := sessions.NewStore(t.TempDir())
	require.NoError(t, err)

	promptDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(promptDir, "INT"), 0o755))
	seed := `{"diagnosis": "d {note_text}", "grading": "g {note_text}"}`
	require.NoError(t, os.WriteFile(filepath.Join(promptDir, "INT", "prompts.json"), []byte(seed), 0o644))
	lib := prompts.NewLibrary(promptDir)

	exporter := &sessions.Exporter{
		Prompts:  lib,
		Resolver: icdo3.NewResolverFromEntries(map[string]string{}),
	}

	router := gin.New()
	router.POST("/api/sessions", CreateSession(store))
	router.GET("/api/sessions", ListSessions(store))
	router.GET("/api/sessions/:session_id", GetSession(store))
	router.PATCH("/api/sessions/:session_id", UpdateSessionMetadata(store))
	router.DELETE("/api/sessions/:session_id", DeleteSession(store))
	router.POST("/api/sessions/:session_id/prompt_types", AddSessionPromptTypes(store, lib))
	router.DELETE("/api/sessions/:session_id/prompt_types", RemoveSessionPromptTypes(store))
	router.GET("/api/sessions/:session_id/export", ExportSessionLabels(store, exporter))
	return router, store
}

func createTestSession(t *testing.T, router *gin.Engine) sessions.Info {
	t.Helper()
	params := sessions.CreateParams{
		Name: "batch one",
		Notes: []sessions.Note{
			{NoteID: "n1", Text: "Tumor in left femur", Date: "2023-05-12", PatientID: "P1", ReportType: "pathology"},
		},
		PromptTypes: []string{"diagnosis-int"},
	}
	w := performJSON(t, router, http.MethodPost, "/api/sessions", params)
	require.Equal(t, http.StatusOK, w.Code)
	var info sessions.Info
	decodeBody(t, w, &info)
	require.NotEmpty(t, info.SessionID)
	return info
}

func TestSessionLifecycle(t *testing.T) {
	router, _ := newSessionRouter(t)
	info := createTestSession(t, router)
	assert.Equal(t, 1, info.NoteCount)
	assert.Equal(t, "validation", info.EvaluationMode)

	w := performJSON(t, router, http.MethodGet, "/api/sessions/"+info.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session sessions.Session
	decodeBody(t, w, &session)
	assert.Equal(t, "batch one", session.Name)
	require.Len(t, session.Notes, 1)
	assert.Equal(t, "P1", session.Notes[0].PatientID)

	w = performJSON(t, router, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var infos []sessions.Info
	decodeBody(t, w, &infos)
	assert.Len(t, infos, 1)

	w = performJSON(t, router, http.MethodDelete, "/api/sessions/"+info.SessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = performJSON(t, router, http.MethodGet, "/api/sessions/"+info.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Session "+info.SessionID+" not found")
}

func TestUpdateSessionMetadata(t *testing.T) {
	router, _ := newSessionRouter(t)
	info := createTestSession(t, router)

	name := "renamed"
	w := performJSON(t, router, http.MethodPatch, "/api/sessions/"+info.SessionID, map[string]any{
		"name":                name,
		"report_type_mapping": map[string][]string{"pathology": {"diagnosis-int"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var session sessions.Session
	decodeBody(t, w, &session)
	assert.Equal(t, "renamed", session.Name)
	assert.Equal(t, []string{"diagnosis-int"}, session.ReportTypeMapping["pathology"])
}

func TestSessionPromptTypes(t *testing.T) {
	router, _ := newSessionRouter(t)
	info := createTestSession(t, router)

	// Unknown prompt types are rejected before touching the session.
	w := performJSON(t, router, http.MethodPost, "/api/sessions/"+info.SessionID+"/prompt_types", map[string][]string{
		"prompt_types": {"bogus-int"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid prompt types")

	w = performJSON(t, router, http.MethodPost, "/api/sessions/"+info.SessionID+"/prompt_types", map[string][]string{
		"prompt_types": {"grading-int"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var session sessions.Session
	decodeBody(t, w, &session)
	assert.ElementsMatch(t, []string{"diagnosis-int", "grading-int"}, session.PromptTypes)

	w = performJSON(t, router, http.MethodDelete,
		"/api/sessions/"+info.SessionID+"/prompt_types?prompt_types=grading-int", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Removing the last prompt type is refused.
	w = performJSON(t, router, http.MethodDelete,
		"/api/sessions/"+info.SessionID+"/prompt_types?prompt_types=diagnosis-int", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "at least one prompt type")
}

func TestExportSessionLabels(t *testing.T) {
	router, _ := newSessionRouter(t)
	info := createTestSession(t, router)

	w := performJSON(t, router, http.MethodGet, "/api/sessions/"+info.SessionID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), info.SessionID+"_validated.csv")
	assert.Contains(t, w.Body.String(), "patient_id")
}
