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
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
	"github.com/AleutianAI/AleutianCurate/services/prompts"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

// sessionStatus maps store errors onto HTTP status codes.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrLastPromptType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sessionInfo(s *sessions.Session) sessions.Info {
	return sessions.Info{
		SessionID:      s.SessionID,
		Name:           s.Name,
		Description:    s.Description,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		NoteCount:      len(s.Notes),
		PromptTypes:    s.PromptTypes,
		EvaluationMode: s.EvaluationMode,
	}
}

// CreateSession creates a new annotation session from uploaded rows.
func CreateSession(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params sessions.CreateParams
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		session, err := store.Create(params)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Created session",
			"session_id", session.SessionID,
			"notes", len(session.Notes),
			"evaluation_mode", session.EvaluationMode)
		c.JSON(http.StatusOK, sessionInfo(session))
	}
}

// ListSessions lists session summaries.
func ListSessions(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos, err := store.List()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, infos)
	}
}

// GetSession fetches one full session.
func GetSession(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := store.Get(c.Param("session_id"))
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// DeleteSession removes a session.
func DeleteSession(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("session_id")
		if err := store.Delete(id); err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		slog.Info("Deleted session", "session_id", id)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": fmt.Sprintf("Session %s deleted", id),
		})
	}
}

// UpdateSessionAnnotations replaces the session's annotation map, used
// after human validation edits.
func UpdateSessionAnnotations(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body datatypes.SessionAnnotationsUpdate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		session, err := store.SetAnnotations(c.Param("session_id"), body.Annotations)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// UpdateSessionMetadata patches name and report-type mapping.
func UpdateSessionMetadata(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body datatypes.SessionMetadataUpdate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		session, err := store.UpdateMetadata(c.Param("session_id"), body.Name, body.ReportTypeMapping)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// AddSessionPromptTypes adds prompt types to a session after checking
// them against the prompt library.
func AddSessionPromptTypes(store *sessions.Store, lib *prompts.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body datatypes.SessionPromptTypesUpdate
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if available, err := lib.Adapted(); err == nil {
			var invalid, known []string
			for pt := range available {
				known = append(known, pt)
			}
			sort.Strings(known)
			for _, pt := range body.PromptTypes {
				if _, ok := available[pt]; !ok {
					invalid = append(invalid, pt)
				}
			}
			if len(invalid) > 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": fmt.Sprintf("Invalid prompt types: %v. Available types: %v", invalid, known),
				})
				return
			}
		}

		session, err := store.AddPromptTypes(c.Param("session_id"), body.PromptTypes)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// RemoveSessionPromptTypes removes prompt types and their annotations.
// Prompt types arrive as repeated query parameters.
func RemoveSessionPromptTypes(store *sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		remove := c.QueryArray("prompt_types")
		if len(remove) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "prompt_types is required"})
			return
		}
		session, err := store.RemovePromptTypes(c.Param("session_id"), remove)
		if err != nil {
			if errors.Is(err, sessions.ErrLastPromptType) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "Cannot remove all prompt types. A session must have at least one prompt type.",
				})
				return
			}
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// ExportSessionLabels streams validated annotations as a
// pipeline-compatible CSV.
func ExportSessionLabels(store *sessions.Store, exporter *sessions.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("session_id")
		session, err := store.Get(id)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		var buf bytes.Buffer
		if err := exporter.WriteLabels(&buf, session); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s_validated.csv", id))
		c.Data(http.StatusOK, "text/csv", buf.Bytes())
	}
}

// ExportSessionCoded streams annotations with values resolved to
// standard codes.
func ExportSessionCoded(store *sessions.Store, exporter *sessions.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("session_id")
		session, err := store.Get(id)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessage(c, err)})
			return
		}
		var buf bytes.Buffer
		if err := exporter.WriteCoded(&buf, session); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s_coded.csv", id))
		c.Data(http.StatusOK, "text/csv", buf.Bytes())
	}
}

// sessionErrMessage keeps the not-found wording stable for clients that
// match on it.
func sessionErrMessage(c *gin.Context, err error) string {
	if errors.Is(err, sessions.ErrNotFound) {
		return fmt.Sprintf("Session %s not found", c.Param("session_id"))
	}
	return err.Error()
}
