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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
)

// Presets are stored one JSON file per preset, {id}.json under dir.

func presetPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

func loadPreset(dir, id string) (datatypes.Preset, error) {
	var p datatypes.Preset
	raw, err := os.ReadFile(presetPath(dir, id))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	return p, nil
}

func savePreset(dir string, p datatypes.Preset) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(presetPath(dir, p.ID), raw, 0o644)
}

// ListPresets lists saved presets, newest first, optionally filtered by
// center. Files that fail to parse are skipped rather than failing the
// whole listing.
func ListPresets(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		center := c.Query("center")
		entries, err := os.ReadDir(dir)
		if err != nil {
			c.JSON(http.StatusOK, []datatypes.Preset{})
			return
		}

		presets := []datatypes.Preset{}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			id := entry.Name()[:len(entry.Name())-len(".json")]
			p, err := loadPreset(dir, id)
			if err != nil {
				slog.Warn("Skipping unreadable preset file", "file", entry.Name(), "error", err)
				continue
			}
			if center != "" && p.Center != center {
				continue
			}
			presets = append(presets, p)
		}
		sort.Slice(presets, func(i, j int) bool {
			return presets[i].UpdatedAt > presets[j].UpdatedAt
		})
		c.JSON(http.StatusOK, presets)
	}
}

// GetPreset fetches one preset by id.
func GetPreset(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("preset_id")
		p, err := loadPreset(dir, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Preset %s not found", id)})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// CreatePreset saves a new preset.
func CreatePreset(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body datatypes.PresetCreate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		now := time.Now().UTC().Format(time.RFC3339)
		p := datatypes.Preset{
			ID:                uuid.NewString(),
			Name:              body.Name,
			Center:            body.Center,
			Description:       body.Description,
			ReportTypeMapping: body.ReportTypeMapping,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := savePreset(dir, p); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Created preset", "preset_id", p.ID, "center", p.Center)
		c.JSON(http.StatusCreated, p)
	}
}

// UpdatePreset patches a preset. Only provided fields change.
func UpdatePreset(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("preset_id")
		p, err := loadPreset(dir, id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Preset %s not found", id)})
			return
		}

		var body datatypes.PresetUpdate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if body.Name != nil {
			p.Name = *body.Name
		}
		if body.Description != nil {
			p.Description = *body.Description
		}
		if body.ReportTypeMapping != nil {
			p.ReportTypeMapping = body.ReportTypeMapping
		}
		p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

		if err := savePreset(dir, p); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// DeletePreset removes a preset file.
func DeletePreset(dir string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("preset_id")
		if _, err := os.Stat(presetPath(dir, id)); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Preset %s not found", id)})
			return
		}
		if err := os.Remove(presetPath(dir, id)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": fmt.Sprintf("Preset %s deleted", id),
		})
	}
}
