// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrCancelled marks a job stopped on user request.
var ErrCancelled = errors.New("job cancelled")

// Stage names understood by the runtime. Each maps to a configured
// external command; missing commands degrade to a passthrough so the
// runtime stays testable without the analysis toolchain installed.
const (
	StageProcessTexts = "process_texts"
	StageLinkRows     = "link_rows"
	StageQualityCheck = "quality_check"
	StageFillMetadata = "fill_metadata"
)

// Result table names served back to clients.
const (
	ResultProcessedTexts = "processed_texts"
	ResultLinkedData     = "linked_data"
	ResultQualityCheck   = "quality_check"
)

// Job completion messages.
const (
	msgQualityCheckDone = "Quality-check finished."
	msgLinkRowsDone     = "Link-rows finished."
	msgPipelineDone     = "Pipeline completed successfully!"
	msgContinueDone     = "Pipeline completed with validated NLP data"
)

const (
	cancelPollInterval = 200 * time.Millisecond
	termGracePeriod    = 2 * time.Second
)

// StageCommands maps stage names to the argv of the external command
// implementing the stage. Commands read a CSV table on stdin and write
// their output on stdout; the disease type arrives in the
// CURATOR_DISEASE_TYPE environment variable.
type StageCommands map[string][]string

// JobGauge counts live jobs. prometheus.Gauge satisfies it.
type JobGauge interface {
	Inc()
	Dec()
}

type jobState struct {
	cancelled bool
	killed    bool
	cmd       *exec.Cmd
}

// Runtime launches and supervises structuring jobs.
type Runtime struct {
	status  *StatusStore
	results *ResultsStore
	stages  StageCommands
	workDir string

	mu    sync.Mutex
	jobs  map[string]*jobState
	gauge JobGauge
}

// SetJobGauge wires an optional gauge tracking live supervisors. Call
// before launching jobs.
func (r *Runtime) SetJobGauge(g JobGauge) { r.gauge = g }

// NewRuntime builds a runtime over the given stores. workDir holds
// file-shaped outputs such as discoverability reports.
func NewRuntime(status *StatusStore, results *ResultsStore, stages StageCommands, workDir string) *Runtime {
	return &Runtime{
		status:  status,
		results: results,
		stages:  stages,
		workDir: workDir,
		jobs:    map[string]*jobState{},
	}
}

// Status exposes the underlying status store.
func (r *Runtime) Status() *StatusStore { return r.status }

// Results exposes the underlying results store.
func (r *Runtime) Results() *ResultsStore { return r.results }

// Running reports whether the job still has a live supervisor.
func (r *Runtime) Running(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[taskID]
	return ok
}

// ===== Job entry points =====

// StartQualityCheck runs the quality-check stage over one CSV upload.
func (r *Runtime) StartQualityCheck(data []byte, diseaseType string) string {
	return r.launch(func(ctx context.Context, taskID string, log *TaskLogger) error {
		if err := r.advance(ctx, taskID, "Initializing", 0); err != nil {
			return err
		}
		if err := r.advance(ctx, taskID, "Loading data", 10); err != nil {
			return err
		}
		table, err := ParseTable(data)
		if err != nil {
			return err
		}
		log.Infof("Loaded %d rows for quality check", len(table.Rows))

		if err := r.advance(ctx, taskID, "Running quality check", 60); err != nil {
			return err
		}
		report, err := r.runTableStage(ctx, taskID, StageQualityCheck, table, diseaseType, log)
		if err != nil {
			return err
		}

		if err := r.advance(ctx, taskID, "Saving results", 90); err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultQualityCheck, report); err != nil {
			return err
		}
		return r.status.Update(ctx, taskID, "Completed", 100, msgQualityCheckDone)
	})
}

// StartLinkRows runs the row-linking stage over one CSV upload.
func (r *Runtime) StartLinkRows(data []byte, diseaseType string) string {
	return r.launch(func(ctx context.Context, taskID string, log *TaskLogger) error {
		if err := r.advance(ctx, taskID, "Initializing", 0); err != nil {
			return err
		}
		if err := r.advance(ctx, taskID, "Loading data", 10); err != nil {
			return err
		}
		table, err := ParseTable(data)
		if err != nil {
			return err
		}
		log.Infof("Loaded %d rows for linking", len(table.Rows))

		if err := r.advance(ctx, taskID, "Linking rows", 60); err != nil {
			return err
		}
		linked, err := r.runTableStage(ctx, taskID, StageLinkRows, table, diseaseType, log)
		if err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultLinkedData, linked); err != nil {
			return err
		}
		return r.status.Update(ctx, taskID, "Completed", 100, msgLinkRowsDone)
	})
}

// StartPipeline runs the full structuring pipeline: free texts are
// processed, merged with the structured upload, linked and
// quality-checked.
func (r *Runtime) StartPipeline(structured, freeText []byte, diseaseType string) string {
	return r.launch(func(ctx context.Context, taskID string, log *TaskLogger) error {
		if err := r.advance(ctx, taskID, "Initializing", 0); err != nil {
			return err
		}
		if err := r.advance(ctx, taskID, "Loading data", 10); err != nil {
			return err
		}
		structuredTable, err := ParseTable(structured)
		if err != nil {
			return fmt.Errorf("structured data: %w", err)
		}
		textTable, err := ParseTable(freeText)
		if err != nil {
			return fmt.Errorf("free-text data: %w", err)
		}
		log.Infof("Loaded %d structured rows and %d free-text rows", len(structuredTable.Rows), len(textTable.Rows))

		if err := r.advance(ctx, taskID, "Processing free texts", 30); err != nil {
			return err
		}
		processed, err := r.runTableStage(ctx, taskID, StageProcessTexts, textTable, diseaseType, log)
		if err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultProcessedTexts, processed); err != nil {
			return err
		}

		if err := r.advance(ctx, taskID, "Linking rows", 60); err != nil {
			return err
		}
		merged := mergeTables(structuredTable, processed)
		linked, err := r.runTableStage(ctx, taskID, StageLinkRows, merged, diseaseType, log)
		if err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultLinkedData, linked); err != nil {
			return err
		}

		if err := r.advance(ctx, taskID, "Performing data quality checks", 90); err != nil {
			return err
		}
		report, err := r.runTableStage(ctx, taskID, StageQualityCheck, linked, diseaseType, log)
		if err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultQualityCheck, report); err != nil {
			return err
		}
		return r.status.Update(ctx, taskID, "Completed", 100, msgPipelineDone)
	})
}

// StartDiscoverability computes dataset discoverability metadata. The
// completed status carries the path of the generated report file, which
// the results endpoint streams back.
func (r *Runtime) StartDiscoverability(data []byte) string {
	return r.launch(func(ctx context.Context, taskID string, log *TaskLogger) error {
		if err := r.advance(ctx, taskID, "Initializing", 5); err != nil {
			return err
		}
		if err := r.advance(ctx, taskID, "Loading data", 10); err != nil {
			return err
		}
		table, err := ParseTable(data)
		if err != nil {
			return err
		}
		log.Infof("Loaded %d rows for discoverability", len(table.Rows))

		if err := r.advance(ctx, taskID, "Computing discoverability", 70); err != nil {
			return err
		}
		var report []byte
		if r.hasStage(StageFillMetadata) {
			var input bytes.Buffer
			if err := table.MarshalCSV(&input); err != nil {
				return err
			}
			report, err = r.runStage(ctx, taskID, StageFillMetadata, input.Bytes(), "", log)
			if err != nil {
				return err
			}
		} else {
			report, err = json.MarshalIndent(map[string]any{
				"columns":   table.Header,
				"row_count": len(table.Rows),
			}, "", "  ")
			if err != nil {
				return err
			}
		}

		outPath := filepath.Join(r.workDir, taskID+"_discoverability.json")
		if err := os.MkdirAll(r.workDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(outPath, report, 0o644); err != nil {
			return err
		}
		return r.status.Update(ctx, taskID, "Completed", 100, outPath)
	})
}

// StartContinue resumes a pipeline with human-validated annotations:
// the validated rows are merged into the structured upload, then linked
// and quality-checked.
func (r *Runtime) StartContinue(structured, validated []byte, diseaseType string) string {
	return r.launch(func(ctx context.Context, taskID string, log *TaskLogger) error {
		if err := r.advance(ctx, taskID, "Fetching validated NLP data", 10); err != nil {
			return err
		}
		validatedTable, err := ParseTable(validated)
		if err != nil {
			return fmt.Errorf("validated data: %w", err)
		}
		log.Infof("Loaded %d validated annotation rows", len(validatedTable.Rows))

		if err := r.advance(ctx, taskID, "Loading structured data", 20); err != nil {
			return err
		}
		structuredTable, err := ParseTable(structured)
		if err != nil {
			return fmt.Errorf("structured data: %w", err)
		}

		if err := r.advance(ctx, taskID, "Merging data", 30); err != nil {
			return err
		}
		merged := mergeTables(structuredTable, validatedTable)
		if err := r.results.Store(ctx, taskID, ResultProcessedTexts, merged); err != nil {
			return err
		}

		if err := r.advance(ctx, taskID, "Linking rows", 50); err != nil {
			return err
		}
		linked, err := r.runTableStage(ctx, taskID, StageLinkRows, merged, diseaseType, log)
		if err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultLinkedData, linked); err != nil {
			return err
		}

		if err := r.advance(ctx, taskID, "Running quality checks", 80); err != nil {
			return err
		}
		report, err := r.runTableStage(ctx, taskID, StageQualityCheck, linked, diseaseType, log)
		if err != nil {
			return err
		}
		if err := r.results.Store(ctx, taskID, ResultQualityCheck, report); err != nil {
			return err
		}
		return r.status.Update(ctx, taskID, "Completed", 100, msgContinueDone)
	})
}

// ===== Cancellation =====

// Cancel requests a graceful stop. The running stage process group gets
// SIGTERM; the supervisor records the terminal status once the job
// unwinds.
func (r *Runtime) Cancel(ctx context.Context, taskID string) error {
	st, found, err := r.status.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}
	if err := r.status.Update(ctx, taskID, "Cancelling", st.Progress, ""); err != nil {
		return err
	}

	r.mu.Lock()
	state, ok := r.jobs[taskID]
	if ok {
		state.cancelled = true
		if state.cmd != nil && state.cmd.Process != nil {
			syscall.Kill(-state.cmd.Process.Pid, syscall.SIGTERM)
		}
	}
	r.mu.Unlock()

	if !ok {
		// Nothing left to unwind; record the terminal state directly.
		return r.status.Update(ctx, taskID, "Cancelled", 100, "Cancelled by user.")
	}
	return nil
}

// Kill force-stops a job with SIGKILL and records the terminal status
// immediately.
func (r *Runtime) Kill(ctx context.Context, taskID string) error {
	_, found, err := r.status.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}

	r.mu.Lock()
	if state, ok := r.jobs[taskID]; ok {
		state.cancelled = true
		state.killed = true
		if state.cmd != nil && state.cmd.Process != nil {
			syscall.Kill(-state.cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	r.mu.Unlock()

	return r.status.Update(ctx, taskID, "Cancelled", 100, "Force-killed by user")
}

// ===== Supervisor internals =====

func (r *Runtime) launch(fn func(ctx context.Context, taskID string, log *TaskLogger) error) string {
	taskID := uuid.NewString()

	r.mu.Lock()
	r.jobs[taskID] = &jobState{}
	r.mu.Unlock()

	// Pre-create the status row so polling never races the goroutine.
	if err := r.status.Update(context.Background(), taskID, "Queued", 0, ""); err != nil {
		r.status.TaskLogger(taskID).Errorf("Failed to record queued status: %v", err)
	}

	if r.gauge != nil {
		r.gauge.Inc()
	}
	go func() {
		ctx := context.Background()
		log := r.status.TaskLogger(taskID)

		err := fn(ctx, taskID, log)

		if r.gauge != nil {
			r.gauge.Dec()
		}

		r.mu.Lock()
		state := r.jobs[taskID]
		killed := state != nil && state.killed
		delete(r.jobs, taskID)
		r.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			if !killed {
				log.Warnf("Job cancelled by user")
				if uerr := r.status.Update(ctx, taskID, "Cancelled", 100, "Cancelled by user."); uerr != nil {
					log.Errorf("Failed to record cancelled status: %v", uerr)
				}
			}
		default:
			log.Errorf("Job failed: %v", err)
			if uerr := r.status.Update(ctx, taskID, "Failed", 100, err.Error()); uerr != nil {
				log.Errorf("Failed to record failure status: %v", uerr)
			}
		}
	}()
	return taskID
}

// advance checks for cancellation, then records the next waypoint.
func (r *Runtime) advance(ctx context.Context, taskID, step string, progress int) error {
	if r.isCancelled(taskID) {
		return ErrCancelled
	}
	return r.status.Update(ctx, taskID, step, progress, "")
}

func (r *Runtime) isCancelled(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.jobs[taskID]
	return ok && state.cancelled
}

func (r *Runtime) hasStage(stage string) bool {
	return len(r.stages[stage]) > 0
}

// runTableStage pipes a table through a stage command. Stages without a
// configured command pass the table through unchanged.
func (r *Runtime) runTableStage(ctx context.Context, taskID, stage string, input *Table, diseaseType string, log *TaskLogger) (*Table, error) {
	if !r.hasStage(stage) {
		if r.isCancelled(taskID) {
			return nil, ErrCancelled
		}
		log.Warnf("No command configured for stage %s, passing data through", stage)
		return input, nil
	}
	var buf bytes.Buffer
	if err := input.MarshalCSV(&buf); err != nil {
		return nil, err
	}
	out, err := r.runStage(ctx, taskID, stage, buf.Bytes(), diseaseType, log)
	if err != nil {
		return nil, err
	}
	table, err := ParseTable(out)
	if err != nil {
		return nil, fmt.Errorf("stage %s output: %w", stage, err)
	}
	return table, nil
}

// runStage executes one stage command in its own process group, feeding
// stdin and capturing stdout. The cancel flag is polled every 200 ms;
// on cancellation the group gets SIGTERM, then SIGKILL after a short
// grace period. The child is always reaped.
func (r *Runtime) runStage(ctx context.Context, taskID, stage string, stdin []byte, diseaseType string, log *TaskLogger) ([]byte, error) {
	argv := r.stages[stage]
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "CURATOR_DISEASE_TYPE="+diseaseType)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start stage %s: %w", stage, err)
	}
	log.Infof("Stage %s started (pid %d)", stage, cmd.Process.Pid)

	r.mu.Lock()
	if state, ok := r.jobs[taskID]; ok {
		state.cmd = cmd
	}
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	defer func() {
		r.mu.Lock()
		if state, ok := r.jobs[taskID]; ok {
			state.cmd = nil
		}
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if r.isCancelled(taskID) {
				return nil, ErrCancelled
			}
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w: %s", stage, err, tail(stderr.String(), 500))
			}
			return stdout.Bytes(), nil
		case <-ticker.C:
			if !r.isCancelled(taskID) {
				continue
			}
			log.Warnf("Cancelling stage %s (pid %d)", stage, cmd.Process.Pid)
			syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(termGracePeriod):
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				<-done
			}
			return nil, ErrCancelled
		}
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// mergeTables appends extra's rows under base with a column union. When
// both tables carry a record_id column, extra's ids are offset past
// base's maximum so merged ids stay unique.
func mergeTables(base, extra *Table) *Table {
	header := append([]string{}, base.Header...)
	seen := map[string]int{}
	for i, h := range header {
		seen[h] = i
	}
	extraIdx := make([]int, len(extra.Header))
	for i, h := range extra.Header {
		idx, ok := seen[h]
		if !ok {
			idx = len(header)
			header = append(header, h)
			seen[h] = idx
		}
		extraIdx[i] = idx
	}

	offset := 0
	recordCol, hasRecord := seen["record_id"]
	if hasRecord && columnIndex(extra.Header, "record_id") >= 0 {
		for _, row := range base.Rows {
			if recordCol < len(row) {
				if id, err := strconv.Atoi(strings.TrimSpace(row[recordCol])); err == nil && id > offset {
					offset = id
				}
			}
		}
	}

	merged := &Table{Header: header}
	for _, row := range base.Rows {
		out := make([]string, len(header))
		copy(out, row)
		merged.Rows = append(merged.Rows, out)
	}
	for _, row := range extra.Rows {
		out := make([]string, len(header))
		for i, v := range row {
			if i < len(extraIdx) {
				out[extraIdx[i]] = v
			}
		}
		if hasRecord && offset > 0 {
			if id, err := strconv.Atoi(strings.TrimSpace(out[recordCol])); err == nil {
				out[recordCol] = strconv.Itoa(id + offset)
			}
		}
		merged.Rows = append(merged.Rows, out)
	}
	return merged
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}
