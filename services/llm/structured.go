// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DateInfo carries the date the model attached to an annotation, either
// quoted from the note or derived from the CSV row.
type DateInfo struct {
	DateValue string `json:"date_value"`
	Source    string `json:"source"` // extracted_from_text | derived_from_csv
	CSVDate   string `json:"csv_date,omitempty"`
}

// StructuredAnnotation is the JSON contract every structured prompt asks
// the model to emit.
type StructuredAnnotation struct {
	Evidence    string    `json:"evidence"`
	Reasoning   string    `json:"reasoning"`
	FinalOutput string    `json:"final_output"`
	IsNegated   bool      `json:"is_negated"`
	Date        *DateInfo `json:"date,omitempty"`
}

// rawStructured tolerates the model deviating from the contract: date may
// be an object, a bare string, or null; is_negated may arrive as a string.
type rawStructured struct {
	Evidence    string          `json:"evidence"`
	Reasoning   string          `json:"reasoning"`
	FinalOutput string          `json:"final_output"`
	IsNegated   json.RawMessage `json:"is_negated"`
	Date        json.RawMessage `json:"date"`
}

func (r *rawStructured) toAnnotation() *StructuredAnnotation {
	out := &StructuredAnnotation{
		Evidence:    strings.TrimSpace(r.Evidence),
		Reasoning:   strings.TrimSpace(r.Reasoning),
		FinalOutput: strings.TrimSpace(r.FinalOutput),
	}
	if len(r.IsNegated) > 0 {
		var b bool
		if err := json.Unmarshal(r.IsNegated, &b); err == nil {
			out.IsNegated = b
		} else {
			var s string
			if err := json.Unmarshal(r.IsNegated, &s); err == nil {
				out.IsNegated = strings.EqualFold(strings.TrimSpace(s), "true")
			}
		}
	}
	if len(r.Date) > 0 && string(r.Date) != "null" {
		var di DateInfo
		if err := json.Unmarshal(r.Date, &di); err == nil && di.DateValue != "" {
			out.Date = &di
		} else {
			var s string
			if err := json.Unmarshal(r.Date, &s); err == nil && strings.TrimSpace(s) != "" {
				out.Date = &DateInfo{DateValue: strings.TrimSpace(s), Source: "extracted_from_text"}
			}
		}
	}
	return out
}

// GenerateStructured runs the prompt and parses the response against the
// annotation contract, falling back to heuristic extraction when the model
// did not return clean JSON. The raw response is always returned for
// inspection.
func GenerateStructured(ctx context.Context, client LLMClient, prompt string, params GenerationParams) (*StructuredAnnotation, string, error) {
	raw, err := client.Generate(ctx, prompt, params)
	if err != nil {
		return nil, "", err
	}
	parsed, err := ParseStructured(raw)
	if err != nil {
		return nil, raw, err
	}
	return parsed, raw, nil
}

// ParseStructured extracts a StructuredAnnotation from a model response.
//
// Fallback chain:
//  1. fenced ```json block
//  2. first object containing the required keys (balanced-brace scan)
//  3. array response: first element
//  4. heuristic per-field regex extraction from the raw text
func ParseStructured(raw string) (*StructuredAnnotation, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	if block := fencedJSONBlock(text); block != "" {
		if ann := tryDecode(block); ann != nil {
			return ann, nil
		}
	}
	if obj := objectWithContractKeys(text); obj != "" {
		if ann := tryDecode(obj); ann != nil {
			return ann, nil
		}
	}
	if elem := firstArrayElement(text); elem != "" {
		if ann := tryDecode(elem); ann != nil {
			return ann, nil
		}
	}
	return heuristicExtract(text), nil
}

func tryDecode(jsonText string) *StructuredAnnotation {
	var r rawStructured
	if err := json.Unmarshal([]byte(jsonText), &r); err != nil {
		return nil
	}
	if r.FinalOutput == "" && r.Evidence == "" && r.Reasoning == "" {
		return nil
	}
	return r.toAnnotation()
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

func fencedJSONBlock(text string) string {
	m := fencedBlockRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// objectWithContractKeys scans for balanced objects and returns the first
// one mentioning the three required field names.
func objectWithContractKeys(text string) string {
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			ch := text[i]
			if inString {
				if escaped {
					escaped = false
				} else if ch == '\\' {
					escaped = true
				} else if ch == '"' {
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if strings.Contains(candidate, "\"final_output\"") ||
						(strings.Contains(candidate, "\"evidence\"") && strings.Contains(candidate, "\"reasoning\"")) {
						return candidate
					}
					start = i
					i = len(text)
				}
			}
		}
	}
	return ""
}

func firstArrayElement(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "[") {
		return ""
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &elems); err != nil || len(elems) == 0 {
		return ""
	}
	return string(elems[0])
}

var (
	evidenceRe  = regexp.MustCompile(`"evidence"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	reasoningRe = regexp.MustCompile(`"reasoning"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	finalOutRe  = regexp.MustCompile(`"final_output"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	negatedRe   = regexp.MustCompile(`"is_negated"\s*:\s*(true|false)`)
	dateValueRe = regexp.MustCompile(`"date_value"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// heuristicExtract salvages what it can from a malformed response. When no
// contract fields are recognizable the whole text becomes final_output so
// the reviewer still sees something.
func heuristicExtract(text string) *StructuredAnnotation {
	ann := &StructuredAnnotation{}
	if m := evidenceRe.FindStringSubmatch(text); m != nil {
		ann.Evidence = unescapeJSONString(m[1])
	}
	if m := reasoningRe.FindStringSubmatch(text); m != nil {
		ann.Reasoning = unescapeJSONString(m[1])
	}
	if m := finalOutRe.FindStringSubmatch(text); m != nil {
		ann.FinalOutput = unescapeJSONString(m[1])
	}
	if m := negatedRe.FindStringSubmatch(text); m != nil {
		ann.IsNegated = m[1] == "true"
	}
	if m := dateValueRe.FindStringSubmatch(text); m != nil {
		ann.Date = &DateInfo{DateValue: unescapeJSONString(m[1]), Source: "extracted_from_text"}
	}
	if ann.FinalOutput == "" && ann.Evidence == "" && ann.Reasoning == "" {
		ann.FinalOutput = strings.TrimSpace(text)
	}
	return ann
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
