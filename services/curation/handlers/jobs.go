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
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
	"github.com/AleutianAI/AleutianCurate/services/pipeline"
	"github.com/AleutianAI/AleutianCurate/services/sessions"
)

const defaultDiseaseType = "sarcoma"

// terminalSteps are the steps after which a job no longer runs.
var terminalSteps = map[string]bool{
	"Completed": true,
	"Failed":    true,
	"Cancelled": true,
}

// RunQualityCheck starts a standalone quality-check job over one
// uploaded table.
func RunQualityCheck(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, _, err := readUpload(c, "file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}
		diseaseType := c.DefaultPostForm("disease_type", defaultDiseaseType)
		taskID := runtime.StartQualityCheck(data, diseaseType)
		slog.Info("Started quality-check job", "task_id", taskID, "disease_type", diseaseType)
		c.JSON(http.StatusOK, datatypes.JobSubmitResponse{
			TaskID:  taskID,
			Message: "quality_check started - poll /status/{task_id} for progress.",
		})
	}
}

// RunLinkRows starts a standalone row-linking job.
func RunLinkRows(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, _, err := readUpload(c, "file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}
		diseaseType := c.DefaultPostForm("disease_type", defaultDiseaseType)
		taskID := runtime.StartLinkRows(data, diseaseType)
		slog.Info("Started link-rows job", "task_id", taskID, "disease_type", diseaseType)
		c.JSON(http.StatusOK, datatypes.JobSubmitResponse{
			TaskID:  taskID,
			Message: "link_rows started - poll /status/{task_id} for progress.",
		})
	}
}

// RunDiscoverability starts a discoverability-report job.
func RunDiscoverability(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, _, err := readUpload(c, "file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
			return
		}
		taskID := runtime.StartDiscoverability(data)
		slog.Info("Started discoverability job", "task_id", taskID)
		c.JSON(http.StatusOK, datatypes.JobSubmitResponse{
			TaskID:  taskID,
			Message: "discoverability started",
		})
	}
}

// StartPipeline runs the full structuring pipeline over a structured
// table and a free-text table.
func StartPipeline(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		structured, _, err := readUpload(c, "data_file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "data_file is required"})
			return
		}
		freeText, _, err := readUpload(c, "text_file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text_file is required"})
			return
		}
		diseaseType := c.DefaultPostForm("disease_type", defaultDiseaseType)
		taskID := runtime.StartPipeline(structured, freeText, diseaseType)
		slog.Info("Started pipeline job", "task_id", taskID, "disease_type", diseaseType)
		c.JSON(http.StatusOK, datatypes.JobSubmitResponse{
			TaskID:  taskID,
			Message: "Pipeline started. Use /status/{task_id} to track progress.",
		})
	}
}

// ContinuePipeline resumes the pipeline with validated annotations from
// a session: the session's label export is merged with the structured
// upload, then linked and quality-checked.
func ContinuePipeline(runtime *pipeline.Runtime, store *sessions.Store, exporter *sessions.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.PostForm("session_id")
		if sessionID == "" {
			sessionID = c.Query("session_id")
		}
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
			return
		}

		structured, _, err := readUpload(c, "structured_file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "structured_file is required"})
			return
		}

		session, err := store.Get(sessionID)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": sessionErrMessageID(sessionID, err)})
			return
		}
		var validated bytes.Buffer
		if err := exporter.WriteLabels(&validated, session); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		diseaseType := c.DefaultPostForm("disease_type", defaultDiseaseType)
		taskID := runtime.StartContinue(structured, validated.Bytes(), diseaseType)
		slog.Info("Started pipeline continuation",
			"task_id", taskID,
			"session_id", sessionID,
			"disease_type", diseaseType)
		c.JSON(http.StatusOK, datatypes.JobSubmitResponse{
			TaskID:  taskID,
			Message: "Pipeline continuation started",
		})
	}
}

// JobStatus reports job progress. Unknown tasks get a queued default so
// clients that poll immediately after submission never see a 404.
func JobStatus(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		st, found, err := runtime.Status().Get(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusOK, datatypes.JobStatusResponse{
				TaskID:    taskID,
				Step:      "Queued",
				Progress:  0,
				IsRunning: true,
			})
			return
		}
		c.JSON(http.StatusOK, datatypes.JobStatusResponse{
			TaskID:    st.TaskID,
			Step:      st.Step,
			Progress:  st.Progress,
			Result:    st.Result,
			IsRunning: !terminalSteps[st.Step],
		})
	}
}

// JobLogs fetches the persisted log lines of one job.
func JobLogs(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		logs, err := runtime.Status().Logs(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(logs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "No logs found for the specified task."})
			return
		}
		c.JSON(http.StatusOK, datatypes.JobLogsResponse{TaskID: taskID, Logs: logs})
	}
}

// RecentTasks lists the most recently started jobs.
func RecentTasks(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
		tasks, err := runtime.Status().Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	}
}

// CancelJob requests a graceful stop of a running job.
func CancelJob(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if err := runtime.Cancel(c.Request.Context(), taskID); err != nil {
			if errors.Is(err, pipeline.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Task ID not found."})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Info("Requested job cancellation", "task_id", taskID)
		c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Cancellation requested."})
	}
}

// KillJob force-stops a job.
func KillJob(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		if err := runtime.Kill(c.Request.Context(), taskID); err != nil {
			if errors.Is(err, pipeline.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Task ID not found."})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slog.Warn("Force-killed job", "task_id", taskID)
		c.JSON(http.StatusOK, gin.H{"ok": true, "message": "Force kill sent."})
	}
}

// DiscoverabilityJSON streams the discoverability report of a completed
// job.
func DiscoverabilityJSON(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		st, found, err := runtime.Status().Get(c.Request.Context(), taskID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task ID not found"})
			return
		}
		if st.Step != "Completed" {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Task not completed (step=%s)", st.Step)})
			return
		}
		if st.Result == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "No result path stored"})
			return
		}
		if _, err := os.Stat(st.Result); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Result file not found: %s", st.Result)})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(st.Result)))
		c.File(st.Result)
	}
}

// StepResults streams one stored result table as CSV. Any failure is a
// blanket 404 so probing for foreign task ids leaks nothing.
func StepResults(runtime *pipeline.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("task_id")
		stepName := c.Param("step_name")

		var buf bytes.Buffer
		if err := runtime.Results().WriteCSV(c.Request.Context(), taskID, stepName, &buf); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", taskID+"_"+stepName+".csv"))
		c.Data(http.StatusOK, "text/csv", buf.Bytes())
	}
}
