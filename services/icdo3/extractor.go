// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package icdo3

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianCurate/services/llm"
)

// CodeCandidate is one ranked dictionary candidate presented to the user.
type CodeCandidate struct {
	Rank           int     `json:"rank"`
	QueryCode      string  `json:"query_code"`
	MorphologyCode string  `json:"morphology_code"`
	TopographyCode string  `json:"topography_code"`
	Name           string  `json:"name"`
	MatchScore     float64 `json:"match_score"`
	MatchMethod    string  `json:"match_method"`
}

// CodeInfo is the extraction result attached to an annotation. The
// dictionary is the source of truth: Candidates holds the ranked options
// and SelectedCandidateIndex the current choice.
type CodeInfo struct {
	Code                   string          `json:"code,omitempty"`
	QueryCode              string          `json:"query_code,omitempty"`
	MorphologyCode         string          `json:"morphology_code,omitempty"`
	TopographyCode         string          `json:"topography_code,omitempty"`
	HistologyCode          string          `json:"histology_code,omitempty"`
	BehaviorCode           string          `json:"behavior_code,omitempty"`
	Description            string          `json:"description,omitempty"`
	Confidence             float64         `json:"confidence"`
	MatchMethod            string          `json:"match_method"`
	MatchScore             float64         `json:"match_score"`
	Candidates             []CodeCandidate `json:"candidates"`
	SelectedCandidateIndex int             `json:"selected_candidate_index"`
	UserSelected           bool            `json:"user_selected"`
}

// IsHistologyOrSitePrompt reports whether the prompt needs code extraction.
func IsHistologyOrSitePrompt(promptType string) bool {
	pt := strings.ToLower(promptType)
	switch pt {
	case "histological-tipo-int", "tumorsite-int", "histological-type-int", "tumor-site-int":
		return true
	}
	if strings.Contains(pt, "histolog") {
		return true
	}
	return strings.Contains(pt, "site") && strings.Contains(pt, "tumor")
}

// Extractor turns annotation text into ranked ICD-O-3 candidates. The
// client is optional; without it only literal codes and the lookup table
// are used.
type Extractor struct {
	Index      *Indexer
	Client     llm.LLMClient
	LookupPath string // optional term-to-code lookup table (JSON)
	Candidates int    // candidates per extraction, default 5
}

// Extract resolves the annotation to a CodeInfo, or nil when the prompt is
// not code-bearing or nothing could be extracted.
//
// Strategy order: LLM search-term extraction against the dictionary,
// literal codes in the text against the dictionary, literal codes alone,
// then the static lookup table.
func (e *Extractor) Extract(ctx context.Context, annotationText, promptType, noteText string) (*CodeInfo, error) {
	if annotationText == "" || !IsHistologyOrSitePrompt(promptType) {
		return nil, nil
	}
	n := e.Candidates
	if n <= 0 {
		n = 5
	}

	existing := extractLiteralCode(annotationText)
	if existing == nil && noteText != "" {
		existing = extractLiteralCode(noteText)
	}

	if e.Client != nil {
		info, err := e.extractWithLLM(ctx, annotationText, promptType, noteText, n)
		if err != nil {
			slog.Warn("LLM code extraction failed", "prompt_type", promptType, "error", err)
		} else if info != nil {
			slog.Info("Extracted diagnosis code candidates",
				"prompt_type", promptType, "candidates", len(info.Candidates), "best", info.Code)
			return info, nil
		}
	}

	if existing != nil {
		if info := e.candidatesForLiteral(existing, n); info != nil {
			return info, nil
		}
		// Dictionary gave nothing; keep the literal code as-is.
		existing.MatchMethod = "exact_no_csv"
		existing.MatchScore = 1.0
		existing.Candidates = []CodeCandidate{}
		if existing.QueryCode == "" && existing.MorphologyCode != "" && existing.TopographyCode != "" {
			existing.QueryCode = existing.MorphologyCode + "-" + existing.TopographyCode
		}
		return existing, nil
	}

	if info := e.lookupTable(annotationText); info != nil {
		info.MatchMethod = "pattern"
		info.MatchScore = 0.5
		info.Candidates = []CodeCandidate{}
		if info.QueryCode == "" && info.MorphologyCode != "" && info.TopographyCode != "" {
			info.QueryCode = info.MorphologyCode + "-" + info.TopographyCode
		}
		return info, nil
	}
	return nil, nil
}

func (e *Extractor) candidatesForLiteral(existing *CodeInfo, n int) *CodeInfo {
	if e.Index == nil {
		return nil
	}
	queryCode := ""
	if strings.Contains(existing.Code, "-") {
		queryCode = existing.Code
	}
	candidates, err := e.Index.Resolve(ResolveQuery{
		MorphologyCode: existing.MorphologyCode,
		TopographyCode: existing.TopographyCode,
		QueryCode:      queryCode,
	}, n)
	if err != nil || len(candidates) == 0 {
		return nil
	}
	info := buildCodeInfo(candidates, "code_csv_")
	if info.HistologyCode == "" {
		info.HistologyCode = existing.HistologyCode
	}
	if info.BehaviorCode == "" {
		info.BehaviorCode = existing.BehaviorCode
	}
	if info.Code == "" {
		info.Code = existing.Code
	}
	return info
}

// TermExtraction is the LLM's search-term output used to query the
// dictionary.
type TermExtraction struct {
	HistologyText  string `json:"histology_text"`
	MorphologyCode string `json:"morphology_code"`
	TopographyText string `json:"topography_text"`
	TopographyCode string `json:"topography_code"`
	QueryCode      string `json:"query_code"`
}

func (e *Extractor) extractWithLLM(ctx context.Context, annotationText, promptType, noteText string, n int) (*CodeInfo, error) {
	if e.Index == nil {
		return nil, fmt.Errorf("dictionary index not available")
	}
	source := noteText
	if source == "" {
		source = annotationText
	}
	terms, err := ExtractTerms(ctx, e.Client, source, annotationText, promptType)
	if err != nil {
		return nil, err
	}
	var q ResolveQuery
	if terms != nil {
		q = ResolveQuery{
			HistologyText:  terms.HistologyText,
			TopographyText: terms.TopographyText,
			MorphologyCode: terms.MorphologyCode,
			TopographyCode: terms.TopographyCode,
			QueryCode:      terms.QueryCode,
		}
	}
	candidates, err := e.Index.Resolve(q, n)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return buildCodeInfo(candidates, "llm_csv_"), nil
}

func buildCodeInfo(candidates []Candidate, methodPrefix string) *CodeInfo {
	list := make([]CodeCandidate, len(candidates))
	for i, c := range candidates {
		list[i] = CodeCandidate{
			Rank:           i + 1,
			QueryCode:      c.Row.Query,
			MorphologyCode: c.Row.Morphology,
			TopographyCode: c.Row.Topography,
			Name:           c.Row.Name,
			MatchScore:     c.Score,
			MatchMethod:    c.Method,
		}
	}
	best := candidates[0]
	info := &CodeInfo{
		QueryCode:      best.Row.Query,
		MorphologyCode: best.Row.Morphology,
		TopographyCode: best.Row.Topography,
		Description:    best.Row.Name,
		Confidence:     best.Score,
		MatchMethod:    methodPrefix + best.Method,
		MatchScore:     best.Score,
		Candidates:     list,
	}
	if parts := strings.SplitN(best.Row.Morphology, "/", 2); len(parts) == 2 {
		info.HistologyCode = parts[0]
		info.BehaviorCode = parts[1]
	}
	switch {
	case best.Row.Query != "":
		info.Code = best.Row.Query
	case best.Row.Morphology != "" && best.Row.Topography != "":
		info.Code = best.Row.Morphology + "-" + best.Row.Topography
	case best.Row.Morphology != "":
		info.Code = best.Row.Morphology
	default:
		info.Code = best.Row.Topography
	}
	return info
}

func (e *Extractor) lookupTable(text string) *CodeInfo {
	if e.LookupPath == "" {
		return nil
	}
	raw, err := os.ReadFile(e.LookupPath)
	if err != nil {
		return nil
	}
	table := map[string]CodeInfo{}
	if err := json.Unmarshal(raw, &table); err != nil {
		slog.Warn("Malformed code lookup table", "path", e.LookupPath, "error", err)
		return nil
	}
	textLower := strings.ToLower(text)
	for term, info := range table {
		if strings.Contains(textLower, strings.ToLower(term)) {
			out := info
			return &out
		}
	}
	return nil
}

// ===== Literal code patterns =====

var (
	combinedCodeRe   = regexp.MustCompile(`(\d{4}/\d)\s*-\s*(C\d{2}\.\d)`)
	morphologyCodeRe = regexp.MustCompile(`\d{4}/\d`)
	topographyCodeRe = regexp.MustCompile(`C\d{2}\.\d`)
)

// extractLiteralCode finds a code already spelled out in the text.
func extractLiteralCode(text string) *CodeInfo {
	if m := combinedCodeRe.FindStringSubmatch(text); m != nil {
		morphology, topography := m[1], m[2]
		parts := strings.SplitN(morphology, "/", 2)
		return &CodeInfo{
			Code:           morphology + "-" + topography,
			MorphologyCode: morphology,
			TopographyCode: topography,
			HistologyCode:  parts[0],
			BehaviorCode:   parts[1],
			Confidence:     1.0,
		}
	}
	if m := morphologyCodeRe.FindString(text); m != "" {
		parts := strings.SplitN(m, "/", 2)
		return &CodeInfo{
			Code:           m,
			MorphologyCode: m,
			HistologyCode:  parts[0],
			BehaviorCode:   parts[1],
			Confidence:     1.0,
		}
	}
	if m := topographyCodeRe.FindString(text); m != "" {
		return &CodeInfo{Code: m, TopographyCode: m, Confidence: 0.8}
	}
	return nil
}

func containsCodePlaceholder(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range []string{
		"[select icd-o-3 code]",
		"[select icdo code]",
		"[select code]",
		"select icd-o-3",
		"select icdo",
		"icd-o-3 code",
		"icdo code",
	} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ===== LLM term extraction =====

// ExtractTerms asks the model for dictionary search terms. The note is
// truncated to keep the extraction prompt bounded.
func ExtractTerms(ctx context.Context, client llm.LLMClient, noteText, annotationText, promptType string) (*TermExtraction, error) {
	if client == nil {
		return nil, fmt.Errorf("llm client not available")
	}
	prompt := buildTermExtractionPrompt(noteText, annotationText, promptType)
	raw, err := client.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: llm.IntPtr(512)})
	if err != nil {
		return nil, fmt.Errorf("term extraction: %w", err)
	}
	return parseTermExtraction(raw), nil
}

func buildTermExtractionPrompt(noteText, annotationText, promptType string) string {
	pt := strings.ToLower(promptType)
	isHistology := strings.Contains(pt, "histolog")
	isSite := strings.Contains(pt, "site") && strings.Contains(pt, "tumor")

	extractionType := "histology and topography"
	switch {
	case isHistology && isSite:
		extractionType = "both histology and topography"
	case isHistology:
		extractionType = "histology (morphology)"
	case isSite:
		extractionType = "topography (tumor site)"
	}

	placeholderNote := ""
	if containsCodePlaceholder(annotationText) {
		placeholderNote = "\n\nIMPORTANT: The annotation contains a placeholder '[select ICD-O-3 code]', which means the code was not extracted. You MUST extract the ICD-O-3 code from the Clinical Note below. Look carefully for histology descriptions and match them to appropriate ICD-O-3 codes."
	}

	note := noteText
	if len(note) > 2000 {
		note = note[:2000]
	}

	return `You are a medical coding expert. Extract ICD-O-3 coding information from the following clinical note and annotation.

Clinical Note:
` + note + `

Annotation:
` + annotationText + placeholderNote + `

Task: Extract ` + extractionType + ` information and provide ICD-O-3 codes.

CRITICAL INSTRUCTIONS:
1. If the annotation contains "[select ICD-O-3 code]" or similar placeholders, you MUST extract the code from the Clinical Note
2. Look for histology descriptions in the Clinical Note (e.g., "Sarcoma, undifferentiated", "Undifferentiated sarcoma", "Pleomorphic sarcoma")
3. Match these descriptions to appropriate ICD-O-3 morphology codes
4. For histology prompts, focus on morphology codes (e.g., 8805/3 for undifferentiated sarcoma)
5. For site prompts, focus on topography codes (e.g., C71.7 for brain stem)

Output format (JSON only):
{
  "histology_text": "Description of histology type from the note (e.g., 'Sarcoma, undifferentiated, pleomorphic')",
  "morphology_code": "ICD-O-3 morphology code (e.g., '8805/3' for undifferentiated sarcoma) or null if not found",
  "topography_text": "Description of tumor site/location (e.g., 'External lip, NOS')",
  "topography_code": "ICD-O-3 topography code (e.g., 'C00.2') or null if not found",
  "query_code": "Full ICD-O-3 code if both morphology and topography are found (e.g., '8805/3-C00.2') or null"
}

Code Format:
- Morphology: "XXXX/X" (4 digits, slash, 1 digit) - e.g., "8805/3" for undifferentiated sarcoma
- Topography: "CXX.X" (C, 2 digits, dot, 1 digit) - e.g., "C71.7" for brain stem
- Query code: "morphology_code-topography_code" - e.g., "8805/3-C71.7"

Common ICD-O-3 Codes Reference:
- Undifferentiated sarcoma: 8805/3
- Pleomorphic sarcoma: 8802/3
- Spindle cell sarcoma: 8801/3
- Myxoid sarcoma: 8840/3

Output ONLY valid JSON, no other text.`
}

var (
	termObjectRe      = regexp.MustCompile(`(?s)\{[^{}]*"histology_text"[^{}]*\}`)
	broadObjectRe     = regexp.MustCompile(`(?s)\{.*\}`)
	newlineCollapseRe = regexp.MustCompile(`[\r\n]+`)
)

func parseTermExtraction(response string) *TermExtraction {
	if strings.TrimSpace(response) == "" {
		return nil
	}
	match := termObjectRe.FindString(response)
	if match == "" {
		match = broadObjectRe.FindString(response)
	}
	if match != "" {
		cleaned := newlineCollapseRe.ReplaceAllString(match, " ")
		var raw struct {
			HistologyText  string          `json:"histology_text"`
			MorphologyCode json.RawMessage `json:"morphology_code"`
			TopographyText string          `json:"topography_text"`
			TopographyCode json.RawMessage `json:"topography_code"`
			QueryCode      json.RawMessage `json:"query_code"`
		}
		if err := json.Unmarshal([]byte(cleaned), &raw); err == nil {
			out := &TermExtraction{
				HistologyText:  strings.TrimSpace(raw.HistologyText),
				MorphologyCode: normalizeCodeField(raw.MorphologyCode),
				TopographyText: strings.TrimSpace(raw.TopographyText),
				TopographyCode: normalizeCodeField(raw.TopographyCode),
				QueryCode:      normalizeCodeField(raw.QueryCode),
			}
			if out.QueryCode == "" && out.MorphologyCode != "" && out.TopographyCode != "" {
				out.QueryCode = out.MorphologyCode + "-" + out.TopographyCode
			}
			return out
		}
		slog.Warn("Failed to parse term extraction JSON", "snippet", truncate(response, 200))
	}
	return extractCodesFromText(response)
}

func normalizeCodeField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "null" || s == "None" {
		return ""
	}
	return s
}

// extractCodesFromText is the regex fallback when the model ignores the
// JSON instruction.
func extractCodesFromText(text string) *TermExtraction {
	out := &TermExtraction{}
	if m := combinedCodeRe.FindStringSubmatch(text); m != nil {
		out.MorphologyCode = m[1]
		out.TopographyCode = m[2]
		out.QueryCode = m[1] + "-" + m[2]
	} else {
		out.MorphologyCode = morphologyCodeRe.FindString(text)
		out.TopographyCode = topographyCodeRe.FindString(text)
		if out.MorphologyCode != "" && out.TopographyCode != "" {
			out.QueryCode = out.MorphologyCode + "-" + out.TopographyCode
		}
	}
	if out.MorphologyCode == "" && out.TopographyCode == "" {
		return nil
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
