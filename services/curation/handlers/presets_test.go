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

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
)

func newPresetRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	router := gin.New()
	router.GET("/api/presets", ListPresets(dir))
	router.POST("/api/presets", CreatePreset(dir))
	router.GET("/api/presets/:preset_id", GetPreset(dir))
	router.PUT("/api/presets/:preset_id", UpdatePreset(dir))
	router.DELETE("/api/presets/:preset_id", DeletePreset(dir))
	return router, dir
}

func TestPresetLifecycle(t *testing.T) {
	router, _ := newPresetRouter(t)

	create := datatypes.PresetCreate{
		Name:              "Sarcoma defaults",
		Center:            "INT",
		Description:       "Default mapping for sarcoma reports",
		ReportTypeMapping: map[string][]string{"pathology": {"diagnosis-int"}},
	}
	w := performJSON(t, router, http.MethodPost, "/api/presets", create)
	require.Equal(t, http.StatusCreated, w.Code)

	var created datatypes.Preset
	decodeBody(t, w, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Sarcoma defaults", created.Name)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	w = performJSON(t, router, http.MethodGet, "/api/presets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	newName := "Renamed"
	w = performJSON(t, router, http.MethodPut, "/api/presets/"+created.ID, datatypes.PresetUpdate{Name: &newName})
	require.Equal(t, http.StatusOK, w.Code)
	var updated datatypes.Preset
	decodeBody(t, w, &updated)
	assert.Equal(t, "Renamed", updated.Name)
	// Untouched fields survive a partial update.
	assert.Equal(t, created.ReportTypeMapping, updated.ReportTypeMapping)
	assert.Equal(t, "Default mapping for sarcoma reports", updated.Description)

	w = performJSON(t, router, http.MethodDelete, "/api/presets/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = performJSON(t, router, http.MethodGet, "/api/presets/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListPresetsFiltersByCenter(t *testing.T) {
	router, _ := newPresetRouter(t)

	for _, center := range []string{"INT", "VGR"} {
		w := performJSON(t, router, http.MethodPost, "/api/presets", datatypes.PresetCreate{
			Name:              center + " preset",
			Center:            center,
			ReportTypeMapping: map[string][]string{},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := performJSON(t, router, http.MethodGet, "/api/presets?center=VGR", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []datatypes.Preset
	decodeBody(t, w, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "VGR", listed[0].Center)
}

func TestListPresetsSkipsCorruptFiles(t *testing.T) {
	router, dir := newPresetRouter(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	w := performJSON(t, router, http.MethodGet, "/api/presets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []datatypes.Preset
	decodeBody(t, w, &listed)
	assert.Empty(t, listed)
}

func TestGetPresetMissing(t *testing.T) {
	router, _ := newPresetRouter(t)
	w := performJSON(t, router, http.MethodGet, "/api/presets/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Preset nope not found")
}
