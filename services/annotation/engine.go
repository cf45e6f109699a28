// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package annotation runs the per-note annotation pipeline: few-shot
// retrieval, prompt assembly, model inference, output normalization,
// evidence span location, ICD-O-3 extraction and optional gold-annotation
// evaluation.
//
// # Description
//
// The Engine fans out one task per (note, prompt type) pair. Inference
// calls are bounded by a weighted semaphore sized by Concurrency; results
// are written by input position so completion order never reorders them.
//
// # Thread Safety
//
// Engine is safe for concurrent use once constructed.
package annotation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianCurate/services/evaluation"
	"github.com/AleutianAI/AleutianCurate/services/fewshot"
	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/llm"
	"github.com/AleutianAI/AleutianCurate/services/prompts"
)

// DefaultConcurrency bounds parallel model calls when the engine is not
// configured otherwise.
const DefaultConcurrency = 8

// Annotation status values.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusIncomplete = "incomplete"
)

// EvaluationMode values carried on sessions.
const (
	ModeValidation = "validation"
	ModeEvaluation = "evaluation"
)

// Note is the unit of work handed to the engine. Gold carries the raw
// annotations column from the uploaded CSV, used in evaluation mode.
type Note struct {
	NoteID     string
	Text       string
	Date       string
	ReportType string
	Gold       string
}

// Options control one processing run.
type Options struct {
	UseFewshots    bool
	FewshotK       int
	EvaluationMode string
}

// Value is one structured value parsed out of an annotation.
type Value struct {
	Value         string         `json:"value"`
	EvidenceSpans []EvidenceSpan `json:"evidence_spans"`
	Reasoning     string         `json:"reasoning,omitempty"`
}

// Result is the full outcome for one (note, prompt type) pair.
type Result struct {
	PromptType       string             `json:"prompt_type"`
	AnnotationText   string             `json:"annotation_text"`
	Values           []Value            `json:"values"`
	ConfidenceScore  *float64           `json:"confidence_score,omitempty"`
	EvidenceSpans    []EvidenceSpan     `json:"evidence_spans"`
	Reasoning        string             `json:"reasoning,omitempty"`
	IsNegated        bool               `json:"is_negated"`
	DateInfo         *llm.DateInfo      `json:"date_info,omitempty"`
	EvidenceText     string             `json:"evidence_text,omitempty"`
	RawPrompt        string             `json:"raw_prompt,omitempty"`
	RawResponse      string             `json:"raw_response"`
	Status           string             `json:"status"`
	EvaluationResult *evaluation.Result `json:"evaluation_result,omitempty"`
	ICDO3Code        *icdo3.CodeInfo    `json:"icdo3_code,omitempty"`
	TimingBreakdown  map[string]float64 `json:"timing_breakdown,omitempty"`
}

// NoteResult groups the results for one note.
type NoteResult struct {
	NoteID                string             `json:"note_id"`
	NoteText              string             `json:"note_text"`
	Annotations           []Result           `json:"annotations"`
	ProcessingTimeSeconds float64            `json:"processing_time_seconds"`
	TimingBreakdown       map[string]float64 `json:"timing_breakdown,omitempty"`
}

// BatchResult is the outcome of processing several notes in one call.
type BatchResult struct {
	Results          []NoteResult       `json:"results"`
	TotalTimeSeconds float64            `json:"total_time_seconds"`
	TimingBreakdown  map[string]float64 `json:"timing_breakdown,omitempty"`
}

// Engine wires the annotation pipeline's collaborators together.
type Engine struct {
	Prompts  *prompts.Library
	Fewshots fewshot.Provider
	Client   llm.LLMClient
	// Extractor is optional; without it ICD-O-3 extraction is skipped.
	Extractor *icdo3.Extractor

	sem *semaphore.Weighted
}

// NewEngine builds an Engine with the given inference concurrency bound
// (DefaultConcurrency when n <= 0).
func NewEngine(lib *prompts.Library, shots fewshot.Provider, client llm.LLMClient, extractor *icdo3.Extractor, n int) *Engine {
	if n <= 0 {
		n = DefaultConcurrency
	}
	return &Engine{
		Prompts:   lib,
		Fewshots:  shots,
		Client:    client,
		Extractor: extractor,
		sem:       semaphore.NewWeighted(int64(n)),
	}
}

// FilterPromptTypes applies a report-type mapping to the requested prompt
// types. A report type mapped to an empty list skips every prompt; an
// absent mapping or report type passes the request through unchanged.
func FilterPromptTypes(requested []string, mapping map[string][]string, reportType string) []string {
	if len(mapping) == 0 || reportType == "" {
		return requested
	}
	allowed, ok := mapping[reportType]
	if !ok || len(allowed) == 0 {
		return nil
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, pt := range allowed {
		allowedSet[pt] = struct{}{}
	}
	var filtered []string
	for _, pt := range requested {
		if _, ok := allowedSet[pt]; ok {
			filtered = append(filtered, pt)
		}
	}
	return filtered
}

// GoldAnnotation extracts the expected annotation for a prompt type from
// the pipe-delimited annotations column. Keys match loosely in either
// containment direction; a regex pass over the raw string is the fallback.
func GoldAnnotation(annotations, promptType string) string {
	if annotations == "" {
		return ""
	}
	ptLower := strings.ToLower(promptType)
	for _, part := range strings.Split(annotations, "|") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		keyLower := strings.ToLower(strings.TrimSpace(key))
		if keyLower == "" {
			continue
		}
		if strings.Contains(keyLower, ptLower) || strings.Contains(ptLower, keyLower) {
			return strings.TrimSpace(value)
		}
	}
	re, err := regexp.Compile(`(?is)` + regexp.QuoteMeta(promptType) + `\s*:\s*([^|]+)`)
	if err != nil {
		return ""
	}
	if m := re.FindStringSubmatch(annotations); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// ProcessNote runs the requested prompt types against one note in
// parallel. Results come back in request order.
func (e *Engine) ProcessNote(ctx context.Context, note Note, promptTypes []string, opts Options) NoteResult {
	t := newTiming()

	results := make([]Result, len(promptTypes))
	var wg sync.WaitGroup
	for i, pt := range promptTypes {
		wg.Add(1)
		go func(i int, pt string) {
			defer wg.Done()
			results[i] = e.processSinglePrompt(ctx, note, pt, opts)
		}(i, pt)
	}
	wg.Wait()

	agg := map[string]float64{}
	for _, r := range results {
		for step, dur := range r.TimingBreakdown {
			agg[step] += dur
		}
	}
	total := t.total()
	agg["wall_clock_total"] = total
	agg["prompt_count"] = float64(len(promptTypes))

	return NoteResult{
		NoteID:                note.NoteID,
		NoteText:              note.Text,
		Annotations:           results,
		ProcessingTimeSeconds: total,
		TimingBreakdown:       agg,
	}
}

// ProcessBatch flattens (note, prompt type) pairs across all notes and
// runs them through one shared concurrency bound, then regroups the
// results per note in submission order.
func (e *Engine) ProcessBatch(ctx context.Context, notes []Note, promptTypes []string, mapping map[string][]string, opts Options) BatchResult {
	t := newTiming()

	type task struct {
		note       Note
		promptType string
	}
	perNote := make([][]string, len(notes))
	var tasks []task
	for i, note := range notes {
		pts := FilterPromptTypes(promptTypes, mapping, note.ReportType)
		perNote[i] = pts
		for _, pt := range pts {
			tasks = append(tasks, task{note: note, promptType: pt})
		}
	}

	slog.Info("batch annotation started",
		"notes", len(notes),
		"prompts", len(tasks),
	)

	flat := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func(i int, tk task) {
			defer wg.Done()
			flat[i] = e.processSinglePrompt(ctx, tk.note, tk.promptType, opts)
		}(i, tk)
	}
	wg.Wait()

	var results []NoteResult
	idx := 0
	for i, note := range notes {
		count := len(perNote[i])
		annotations := flat[idx : idx+count]
		idx += count

		noteTiming := map[string]float64{}
		noteTime := 0.0
		for _, ann := range annotations {
			for step, dur := range ann.TimingBreakdown {
				noteTiming[step] += dur
			}
			if tot := ann.TimingBreakdown["total"]; tot > noteTime {
				noteTime = tot
			}
		}

		results = append(results, NoteResult{
			NoteID:                note.NoteID,
			NoteText:              note.Text,
			Annotations:           annotations,
			ProcessingTimeSeconds: noteTime,
			TimingBreakdown:       noteTiming,
		})
	}

	total := t.total()
	return BatchResult{
		Results:          results,
		TotalTimeSeconds: total,
		TimingBreakdown: map[string]float64{
			"wall_clock_total": total,
			"note_count":       float64(len(notes)),
			"prompt_count":     float64(len(tasks)),
		},
	}
}

var (
	unusedTokenRe     = regexp.MustCompile(`(?i)^<unused\d+>\w+\s*`)
	reasoningPrefixRe = regexp.MustCompile(`(?is)^(The user wants me to|I need to|They have provided).*?\.\s*`)
	annotationPrefixRe = regexp.MustCompile(`(?i)^\s*annotation\s*:\s*`)
)

// noInfoIndicators mark reasoning that legitimately explains an empty
// annotation, keeping its status at success.
var noInfoIndicators = []string{
	"not available", "not mentioned", "not stated", "not provided",
	"unknown", "cannot be determined", "cannot be determined from",
	"does not state", "does not provide", "does not mention",
	"information is not available", "no information", "not found",
}

func (e *Engine) processSinglePrompt(ctx context.Context, note Note, promptType string, opts Options) Result {
	t := newTiming()

	errorResult := func(rawPrompt, rawResponse string, err error) Result {
		slog.Error("annotation failed", "prompt_type", promptType, "note_id", note.NoteID, "error", err)
		if rawResponse == "" {
			rawResponse = fmt.Sprintf("Error occurred: %v", err)
		}
		return Result{
			PromptType:      promptType,
			AnnotationText:  fmt.Sprintf("ERROR: %v", err),
			Values:          []Value{},
			EvidenceSpans:   []EvidenceSpan{},
			RawPrompt:       rawPrompt,
			RawResponse:     rawResponse,
			Status:          StatusError,
			TimingBreakdown: t.toMap(),
		}
	}

	// Fewshot retrieval.
	var examples []fewshot.Example
	stop := t.step("fewshot_retrieval")
	if opts.UseFewshots && e.Fewshots != nil {
		var err error
		examples, err = e.Fewshots.Examples(promptType, note.Text, opts.FewshotK)
		if err != nil {
			slog.Warn("few-shot retrieval failed, continuing zero-shot",
				"prompt_type", promptType, "error", err)
			examples = nil
		}
	}
	stop()

	// Prompt building.
	stop = t.step("prompt_building")
	template, err := e.Prompts.AdaptedTemplate(promptType)
	if err != nil {
		stop()
		return errorResult("Prompt not available", "", err)
	}
	isSimple := prompts.Classify(template) == prompts.Simple
	prompt := buildPrompt(template, examples, note.Text, note.Date, isSimple)
	stop()

	// Model inference, bounded by the shared semaphore.
	var (
		ann         *llm.StructuredAnnotation
		rawResponse string
	)
	stop = t.step("vllm_inference")
	if err := e.sem.Acquire(ctx, 1); err != nil {
		stop()
		return errorResult(prompt, "", err)
	}
	if isSimple {
		raw, genErr := e.Client.Generate(ctx, prompt, llm.GenerationParams{
			Temperature: llm.Float32Ptr(0),
			MaxTokens:   llm.IntPtr(512),
		})
		err = genErr
		rawResponse = raw
	} else {
		ann, rawResponse, err = llm.GenerateStructured(ctx, e.Client, prompt, llm.GenerationParams{
			Temperature: llm.Float32Ptr(0),
			MaxTokens:   llm.IntPtr(1024),
		})
	}
	e.sem.Release(1)
	stop()
	if err != nil {
		return errorResult(prompt, rawResponse, err)
	}

	// Post-processing.
	stop = t.step("post_processing")
	if isSimple {
		cleaned := strings.TrimSpace(rawResponse)
		cleaned = unusedTokenRe.ReplaceAllString(cleaned, "")
		cleaned = reasoningPrefixRe.ReplaceAllString(cleaned, "")
		cleaned = strings.TrimSpace(cleaned)
		if len(cleaned) < 5 {
			cleaned = strings.TrimSpace(rawResponse)
		}
		ann = &llm.StructuredAnnotation{
			Reasoning:   "Simple completion prompt - no structured parsing applied",
			FinalOutput: cleaned,
		}
	}

	annotationText := NormalizeAbsence(ann.FinalOutput)
	if !isSimple {
		annotationText = strings.TrimSpace(annotationPrefixRe.ReplaceAllString(annotationText, ""))
	}

	evidenceSpans := ExtractEvidenceSpans(note.Text, ann.Evidence, promptType)
	if evidenceSpans == nil {
		evidenceSpans = []EvidenceSpan{}
	}
	values := parseAnnotationValues(annotationText, note.Text, promptType)
	stop()

	// ICD-O-3 extraction for histology and site prompts.
	var codeInfo *icdo3.CodeInfo
	stop = t.step("icdo3_extraction")
	if e.Extractor != nil && icdo3.IsHistologyOrSitePrompt(promptType) {
		info, extractErr := e.Extractor.Extract(ctx, annotationText, promptType, note.Text)
		if extractErr != nil {
			slog.Error("ICD-O-3 extraction failed",
				"prompt_type", promptType, "error", extractErr)
		} else {
			codeInfo = info
		}
	}
	stop()

	// Gold-annotation evaluation.
	var evalResult *evaluation.Result
	stop = t.step("evaluation")
	if opts.EvaluationMode == ModeEvaluation {
		expected := GoldAnnotation(note.Gold, promptType)
		evalResult = evaluation.EvaluateWithTemplate(expected, annotationText, template, note.NoteID, promptType)
	}
	stop()

	dateInfo := ann.Date
	if dateInfo == nil && note.Date != "" {
		dateInfo = &llm.DateInfo{
			DateValue: note.Date,
			Source:    "derived_from_csv",
			CSVDate:   note.Date,
		}
	}

	if rawResponse == "" {
		rawResponse = "No response generated"
	}

	return Result{
		PromptType:       promptType,
		AnnotationText:   annotationText,
		Values:           values,
		EvidenceSpans:    evidenceSpans,
		Reasoning:        ann.Reasoning,
		IsNegated:        ann.IsNegated,
		DateInfo:         dateInfo,
		EvidenceText:     ann.Evidence,
		RawPrompt:        prompt,
		RawResponse:      rawResponse,
		Status:           determineStatus(annotationText, ann.Reasoning),
		EvaluationResult: evalResult,
		ICDO3Code:        codeInfo,
		TimingBreakdown:  t.toMap(),
	}
}

// buildPrompt substitutes few-shot examples, note text and CSV date into
// an adapted template, wrapping structured prompts with the JSON contract.
func buildPrompt(template string, examples []fewshot.Example, noteText, csvDate string, isSimple bool) string {
	fewshotText := fewshot.FormatExamples(examples)
	prompt := strings.ReplaceAll(template, "{few_shot_examples}", fewshotText)
	prompt = strings.ReplaceAll(prompt, "{fewshots}", fewshotText)
	prompt = strings.ReplaceAll(prompt, "{static_samples}", "")
	prompt = prompts.UpdatePlaceholders(prompt, noteText, csvDate)
	if !isSimple {
		prompt = prompts.WrapJSONFormat(prompt, csvDate)
	}
	return prompt
}

// parseAnnotationValues breaks the annotation into structured values;
// when nothing structured is found the whole annotation is the value.
func parseAnnotationValues(annotationText, noteText, promptType string) []Value {
	structured := evaluation.ExtractStructuredValues(annotationText)
	spans := ExtractEvidenceSpans(noteText, annotationText, promptType)
	if spans == nil {
		spans = []EvidenceSpan{}
	}

	var values []Value
	for _, date := range structured.Dates {
		values = append(values, Value{Value: date, EvidenceSpans: spans})
	}
	for _, enum := range structured.Enumerations {
		values = append(values, Value{Value: enum, EvidenceSpans: spans})
	}
	for _, pair := range structured.KeyValuePairs {
		values = append(values, Value{Value: pair.Key + ": " + pair.Value, EvidenceSpans: spans})
	}
	if len(values) == 0 {
		values = append(values, Value{Value: annotationText, EvidenceSpans: spans})
	}
	return values
}

// determineStatus classifies an annotation outcome. Truncated reasoning
// marks the result incomplete; an empty annotation is only a success when
// the reasoning explains the absence.
func determineStatus(annotationText, reasoning string) string {
	if strings.HasPrefix(annotationText, "ERROR:") {
		return StatusError
	}
	if reasoning != "" &&
		(strings.HasSuffix(reasoning, "...") || strings.HasSuffix(reasoning, "…") ||
			len([]rune(reasoning)) > 900) {
		return StatusIncomplete
	}
	if strings.TrimSpace(annotationText) == "" {
		if reasoning == "" {
			return StatusError
		}
		reasoningLower := strings.ToLower(reasoning)
		for _, indicator := range noInfoIndicators {
			if strings.Contains(reasoningLower, indicator) {
				return StatusSuccess
			}
		}
		return StatusError
	}
	return StatusSuccess
}
