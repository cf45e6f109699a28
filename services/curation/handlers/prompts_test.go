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

	"github.com/AleutianAI/AleutianCurate/services/prompts"
)

func newPromptRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "INT"), 0o755))
	seed := `{"diagnosis": "Extract the diagnosis from: {note_text}"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "INT", "prompts.json"), []byte(seed), 0o644))

	lib := prompts.NewLibrary(dir)
	router := gin.New()
	router.GET("/api/prompts/centers", ListCenters(lib))
	router.POST("/api/prompts/centers", CreateCenter(lib))
	router.GET("/api/prompts", ListPrompts(lib))
	router.POST("/api/prompts", CreatePrompt(lib))
	router.GET("/api/prompts/:prompt_type", GetPrompt(lib))
	router.PUT("/api/prompts/:prompt_type", UpdatePrompt(lib))
	router.POST("/api/prompts/:prompt_type/rename", RenamePrompt(lib))
	router.DELETE("/api/prompts/:prompt_type", DeletePrompt(lib))
	return router
}

func TestListPromptsDefaultCenter(t *testing.T) {
	router := newPromptRouter(t)

	w := performJSON(t, router, http.MethodGet, "/api/prompts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var listed []prompts.Prompt
	decodeBody(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "diagnosis-int", listed[0].Type)
	assert.Equal(t, "INT", listed[0].Center)
}

func TestGetPromptMissingListsAvailable(t *testing.T) {
	router := newPromptRouter(t)

	w := performJSON(t, router, http.MethodGet, "/api/prompts/nope-int", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Available:")
	assert.Contains(t, w.Body.String(), "diagnosis-int")
}

func TestCreateAndRenamePrompt(t *testing.T) {
	router := newPromptRouter(t)

	w := performJSON(t, router, http.MethodPost, "/api/prompts", prompts.Prompt{
		Type:     "grading",
		Template: "Grade the tumor in: {note_text}",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var created prompts.Prompt
	decodeBody(t, w, &created)
	assert.Equal(t, "grading-int", created.Type)

	// Duplicate create collides.
	w = performJSON(t, router, http.MethodPost, "/api/prompts", prompts.Prompt{
		Type:     "grading",
		Template: "again",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performJSON(t, router, http.MethodPost, "/api/prompts/grading-int/rename", map[string]string{"new_name": "tumor-grade"})
	require.Equal(t, http.StatusOK, w.Code)
	var renamed prompts.Prompt
	decodeBody(t, w, &renamed)
	assert.Equal(t, "tumor-grade-int", renamed.Type)
}

func TestUpdatePrompt(t *testing.T) {
	router := newPromptRouter(t)

	w := performJSON(t, router, http.MethodPut, "/api/prompts/diagnosis-int", map[string]any{
		"template": "New template {note_text}",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var updated prompts.Prompt
	decodeBody(t, w, &updated)
	assert.Equal(t, "New template {note_text}", updated.Template)

	w = performJSON(t, router, http.MethodPut, "/api/prompts/missing-int", map[string]any{
		"template": "x",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeletePrompt(t *testing.T) {
	router := newPromptRouter(t)

	w := performJSON(t, router, http.MethodDelete, "/api/prompts/diagnosis-int", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = performJSON(t, router, http.MethodDelete, "/api/prompts/diagnosis-int", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateCenter(t *testing.T) {
	router := newPromptRouter(t)

	w := performJSON(t, router, http.MethodPost, "/api/prompts/centers", map[string]string{"center": "VGR"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Center 'VGR' created")

	// Creating an existing center fails.
	w = performJSON(t, router, http.MethodPost, "/api/prompts/centers", map[string]string{"center": "VGR"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performJSON(t, router, http.MethodGet, "/api/prompts/centers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var centers []string
	decodeBody(t, w, &centers)
	assert.Equal(t, []string{"INT", "VGR"}, centers)
}
