// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "github.com/AleutianAI/AleutianCurate/services/pipeline"

// JobSubmitResponse acknowledges an accepted pipeline job.
type JobSubmitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// JobStatusResponse reports the progress of a pipeline job.
type JobStatusResponse struct {
	TaskID    string `json:"task_id"`
	Step      string `json:"step"`
	Progress  int    `json:"progress"`
	Result    string `json:"result,omitempty"`
	IsRunning bool   `json:"is_running"`
}

// JobLogsResponse carries the persisted log lines of one job.
type JobLogsResponse struct {
	TaskID string              `json:"task_id"`
	Logs   []pipeline.LogEntry `json:"logs"`
}
