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
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCurate/services/prompts"
)

const defaultCenter = "INT"

// centerOf resolves the center query parameter with its default.
func centerOf(c *gin.Context) string {
	if center := strings.TrimSpace(c.Query("center")); center != "" {
		return center
	}
	return defaultCenter
}

// promptStatus maps library errors onto HTTP status codes.
func promptStatus(err error) int {
	switch {
	case errors.Is(err, prompts.ErrPromptUnknown):
		return http.StatusNotFound
	case errors.Is(err, prompts.ErrPromptExists), errors.Is(err, prompts.ErrCenterExists):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListCenters lists the center names in the prompt library.
func ListCenters(lib *prompts.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		centers, err := lib.Centers()
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, centers)
	}
}

// CreateCenter creates a new empty center.
func CreateCenter(lib *prompts.Library) gin.HandlerFunc {
	type centerCreate struct {
		Center string `json:"center" binding:"required"`
	}
	return func(c *gin.Context) {
		var body centerCreate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		name := strings.TrimSpace(body.Center)
		if err := lib.CreateCenter(name); err != nil {
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		slog.Info("Created prompt center", "center", name)
		c.JSON(http.StatusOK, gin.H{
			"center":  name,
			"message": fmt.Sprintf("Center '%s' created", name),
		})
	}
}

// ListPrompts lists the prompts of one center.
func ListPrompts(lib *prompts.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := lib.List(centerOf(c))
		if err != nil {
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// GetPrompt fetches one prompt. The 404 lists the available types so
// clients can correct a stale suffix.
func GetPrompt(lib *prompts.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		center := centerOf(c)
		promptType := c.Param("prompt_type")
		prompt, err := lib.Get(center, promptType)
		if err != nil {
			if errors.Is(err, prompts.ErrPromptUnknown) {
				available := []string{}
				if list, lerr := lib.List(center); lerr == nil {
					for _, p := range list {
						available = append(available, p.Type)
					}
				}
				c.JSON(http.StatusNotFound, gin.H{
					"error": fmt.Sprintf("Prompt type '%s' not found in center '%s'. Available: %v", promptType, center, available),
				})
				return
			}
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, prompt)
	}
}

// CreatePrompt adds a prompt to a center.
func CreatePrompt(lib *prompts.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body prompts.Prompt
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if body.Center == "" {
			body.Center = defaultCenter
		}
		created, err := lib.Create(body)
		if err != nil {
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		slog.Info("Created prompt", "prompt_type", created.Type, "center", created.Center)
		c.JSON(http.StatusOK, created)
	}
}

// UpdatePrompt replaces a prompt's template and entity mapping.
func UpdatePrompt(lib *prompts.Library) gin.HandlerFunc {
	type promptUpdate struct {
		Template      string                 `json:"template" binding:"required"`
		EntityMapping *prompts.EntityMapping `json:"entity_mapping"`
	}
	return func(c *gin.Context) {
		var body promptUpdate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		updated, err := lib.Update(centerOf(c), c.Param("prompt_type"), body.Template, body.EntityMapping)
		if err != nil {
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// RenamePrompt renames a prompt type within a center.
func RenamePrompt(lib *prompts.Library) gin.HandlerFunc {
	type promptRename struct {
		NewName string `json:"new_name" binding:"required"`
	}
	return func(c *gin.Context) {
		var body promptRename
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		renamed, err := lib.Rename(centerOf(c), c.Param("prompt_type"), body.NewName)
		if err != nil {
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		slog.Info("Renamed prompt", "from", c.Param("prompt_type"), "to", renamed.Type, "center", renamed.Center)
		c.JSON(http.StatusOK, renamed)
	}
}

// DeletePrompt removes a prompt from a center.
func DeletePrompt(lib *prompts.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := lib.Delete(centerOf(c), c.Param("prompt_type")); err != nil {
			c.JSON(promptStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
