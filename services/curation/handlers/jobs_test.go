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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCurate/services/curation/datatypes"
	"github.com/AleutianAI/AleutianCurate/services/pipeline"
)

func newJobRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	status, err := pipeline.OpenStatusStore(filepath.Join(dir, "status.db"))
	require.NoError(t, err)
	t.Cleanup(func() { status.Close() })
	results, err := pipeline.OpenResultsStore(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })
	runtime := pipeline.NewRuntime(status, results, nil, dir)

	router := gin.New()
	router.POST("/run/quality_check", RunQualityCheck(runtime))
	router.GET("/status/:task_id", JobStatus(runtime))
	router.GET("/logs/:task_id", JobLogs(runtime))
	router.GET("/recent_tasks", RecentTasks(runtime))
	router.POST("/cancel/:task_id", CancelJob(runtime))
	router.POST("/kill/:task_id", KillJob(runtime))
	router.GET("/results/:task_id/:step_name", StepResults(runtime))
	return router
}

// waitForTerminal polls the status endpoint until the job leaves its
// running steps.
func waitForTerminal(t *testing.T, router *gin.Engine, taskID string) datatypes.JobStatusResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w := performJSON(t, router, http.MethodGet, "/status/"+taskID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var st datatypes.JobStatusResponse
		decodeBody(t, w, &st)
		if !st.IsRunning {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return datatypes.JobStatusResponse{}
}

func TestRunQualityCheckJob(t *testing.T) {
	router := newJobRouter(t)

	w := performUpload(t, router, "/run/quality_check", "file", "data.csv",
		[]byte("note_id,value\nn1,Grade 2\n"), map[string]string{"disease_type": "sarcoma"})
	require.Equal(t, http.StatusOK, w.Code)

	var submitted datatypes.JobSubmitResponse
	decodeBody(t, w, &submitted)
	require.NotEmpty(t, submitted.TaskID)

	st := waitForTerminal(t, router, submitted.TaskID)
	assert.Equal(t, "Completed", st.Step)
	assert.Equal(t, 100, st.Progress)

	// Completed jobs expose their logs and result table.
	w = performJSON(t, router, http.MethodGet, "/logs/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs datatypes.JobLogsResponse
	decodeBody(t, w, &logs)
	assert.NotEmpty(t, logs.Logs)

	w = performJSON(t, router, http.MethodGet, "/results/"+submitted.TaskID+"/quality_check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Grade 2")
}

func TestJobStatusUnknownTaskDefaultsToQueued(t *testing.T) {
	router := newJobRouter(t)

	w := performJSON(t, router, http.MethodGet, "/status/unknown-task", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st datatypes.JobStatusResponse
	decodeBody(t, w, &st)
	assert.Equal(t, "Queued", st.Step)
	assert.True(t, st.IsRunning)
}

func TestJobLogsUnknownTask(t *testing.T) {
	router := newJobRouter(t)
	w := performJSON(t, router, http.MethodGet, "/logs/unknown-task", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownTask(t *testing.T) {
	router := newJobRouter(t)
	w := performJSON(t, router, http.MethodPost, "/cancel/unknown-task", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = performJSON(t, router, http.MethodPost, "/kill/unknown-task", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStepResultsUnknownTask(t *testing.T) {
	router := newJobRouter(t)
	w := performJSON(t, router, http.MethodGet, "/results/unknown-task/linked_data", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Not Found")
}

func TestRecentTasks(t *testing.T) {
	router := newJobRouter(t)

	w := performUpload(t, router, "/run/quality_check", "file", "data.csv",
		[]byte("a\n1\n"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var submitted datatypes.JobSubmitResponse
	decodeBody(t, w, &submitted)
	waitForTerminal(t, router, submitted.TaskID)

	w = performJSON(t, router, http.MethodGet, "/recent_tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tasks []pipeline.Status `json:"tasks"`
	}
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Tasks)
	assert.Equal(t, submitted.TaskID, resp.Tasks[0].TaskID)
}
