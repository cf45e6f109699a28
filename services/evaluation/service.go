// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluation

import (
	"fmt"
	"regexp"
	"strings"
)

// noAnnotationPatterns recognize annotations that state no information
// was found rather than carrying a value.
var noAnnotationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(none|n/a|na)\b`),
	regexp.MustCompile(`(?i)\bno\s+(annotation|information|data|result|finding|value)\b`),
	regexp.MustCompile(`(?i)\bnot\s+(applicable|available|found|specified|mentioned|present)\b`),
	regexp.MustCompile(`(?i)\bno\s+annotation\s+expected\b`),
	regexp.MustCompile(`(?i)\binformation\s+not\s+available\b`),
	regexp.MustCompile(`(?i)\bno\s+relevant\s+information\b`),
	regexp.MustCompile(`(?i)\bunknown\b`),
	regexp.MustCompile(`(?i)\bnot\s+available\s+in\s+the\s+note\b`),
	regexp.MustCompile(`(?i)\bselect\s+(result|value|intent|regimen|reason|where|date)\b`),
	regexp.MustCompile(`^\[.*\]$`),
}

var colonValueRe = regexp.MustCompile(`:\s*(.+)$`)

// IsNoAnnotationIndicator reports whether the text states that no
// annotation applies. Handles both bare indicators ("none", "not
// specified") and structured ones ("Tumor depth: Not specified") by also
// checking the value part after a colon, or the trailing words when no
// colon is present.
func IsNoAnnotationIndicator(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	normalized := NormalizeString(text, false)

	valuePart := normalized
	if m := colonValueRe.FindStringSubmatch(normalized); m != nil {
		valuePart = strings.TrimSpace(m[1])
	}
	if valuePart == normalized {
		if words := strings.Fields(normalized); len(words) > 2 {
			valuePart = strings.Join(words[len(words)-3:], " ")
		}
	}

	for _, candidate := range []string{normalized, valuePart} {
		for _, re := range noAnnotationPatterns {
			if re.MatchString(candidate) {
				return true
			}
		}
	}
	return false
}

// Display stand-ins for empty annotations in evaluation results.
const (
	noExpectedAnnotation = "[NO EXPECTED ANNOTATION]"
	noPrediction         = "[NO PREDICTION]"
)

func orPlaceholder(value, placeholder string) string {
	if value == "" {
		return placeholder
	}
	return value
}

// EvaluateWithSpecialCases evaluates an annotation pair, short-circuiting
// the absence cases. Both absent is a match (both_empty), a prediction
// where none was expected is a false_positive, a missing prediction where
// one was expected is a false_negative. Otherwise standard evaluation runs
// and the result carries match_type match or mismatch.
func EvaluateWithSpecialCases(expected, predicted, noteID, promptType string) *Result {
	expected = strings.TrimSpace(expected)
	predicted = strings.TrimSpace(predicted)

	expectedIsEmpty := expected == "" || IsNoAnnotationIndicator(expected)
	predictedIsEmpty := predicted == "" || IsNoAnnotationIndicator(predicted)

	specialCase := func(matchType string, match bool, similarity float64) *Result {
		return &Result{
			NoteID:              noteID,
			PromptType:          promptType,
			ExactMatch:          match,
			SimilarityScore:     similarity,
			HighSimilarity:      match,
			OverallMatch:        match,
			ExpectedAnnotation:  orPlaceholder(expected, noExpectedAnnotation),
			PredictedAnnotation: orPlaceholder(predicted, noPrediction),
			ValueDetails:        []ValueDetail{},
			MatchType:           matchType,
		}
	}

	switch {
	case expectedIsEmpty && predictedIsEmpty:
		return specialCase("both_empty", true, 1.0)
	case expectedIsEmpty:
		return specialCase("false_positive", false, 0.0)
	case predictedIsEmpty:
		return specialCase("false_negative", false, 0.0)
	}

	result := Evaluate(expected, predicted, noteID, promptType)
	if result.OverallMatch {
		result.MatchType = "match"
	} else {
		result.MatchType = "mismatch"
	}
	return result
}

var formatPlaceholderRe = regexp.MustCompile(`(?i)\[(?:provide|put|select)[^\]]+\]`)

// ExtractTemplateFormat pulls the expected output format line(s) out of a
// full prompt template. Looks for a format section header ("Output
// strictly in the following format:", "Formats:") and collects the
// placeholder-bearing lines that follow, or falls back to standalone lines
// containing [provide ...] style placeholders.
func ExtractTemplateFormat(template string) string {
	if template == "" {
		return ""
	}

	var formatLines []string
	inFormatSection := false
	for _, line := range strings.Split(template, "\n") {
		stripped := strings.TrimSpace(line)
		lower := strings.ToLower(stripped)

		if strings.Contains(lower, "output strictly") ||
			strings.Contains(lower, "formats:") ||
			(strings.Contains(lower, "format:") && strings.Contains(lower, "output")) {
			inFormatSection = true
			continue
		}

		if inFormatSection {
			if strings.HasPrefix(stripped, "#") || strings.HasPrefix(stripped, "Notes:") {
				break
			}
			if strings.Contains(stripped, "[") && strings.Contains(stripped, "]") {
				formatLines = append(formatLines, stripped)
			} else if stripped != "" && len(formatLines) == 0 {
				formatLines = append(formatLines, stripped)
			} else if stripped == "" && len(formatLines) > 0 {
				break
			}
		}

		if !inFormatSection && strings.Contains(stripped, "[") {
			if formatPlaceholderRe.MatchString(stripped) {
				formatLines = append(formatLines, stripped)
			}
		}
	}

	return strings.Join(formatLines, "\n")
}

// EvaluateWithTemplate runs both prompt-level and field-level evaluation.
// The output format is extracted from the prompt template; when it has
// placeholders a field evaluation is attached, along with the merged set
// of normalized dates found in the prediction.
func EvaluateWithTemplate(expected, predicted, template, noteID, promptType string) *Result {
	result := EvaluateWithSpecialCases(expected, predicted, noteID, promptType)

	templateFormat := ExtractTemplateFormat(template)
	if templateFormat == "" {
		result.FieldEvaluation = &FieldEvaluation{
			Reason: "Could not extract output format from template",
		}
		return result
	}

	fieldEval := EvaluatePerField(expected, predicted, templateFormat, noteID, promptType)
	result.FieldEvaluation = fieldEval

	if fieldEval.Available {
		var templateDates []string
		for _, fr := range fieldEval.FieldResults {
			if fr.FieldType == FieldTypeDate && fr.Predicted != "" {
				templateDates = append(templateDates, fr.Predicted)
			}
		}
		result.MergedDates = MergeDates(templateDates, ExtractDates(predicted))
	}
	return result
}

// FeedbackItem is one human-readable field evaluation message.
type FeedbackItem struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FieldSummary condenses a field evaluation for display.
type FieldSummary struct {
	Available         bool           `json:"available"`
	Reason            string         `json:"reason,omitempty"`
	TotalFields       int            `json:"total_fields,omitempty"`
	FieldsMatched     int            `json:"fields_matched,omitempty"`
	FieldMatchRate    float64        `json:"field_match_rate,omitempty"`
	OverallFieldMatch bool           `json:"overall_field_match,omitempty"`
	CorrectFields     int            `json:"correct_fields,omitempty"`
	ExtractedFields   int            `json:"extracted_fields,omitempty"`
	IncorrectFields   int            `json:"incorrect_fields,omitempty"`
	Feedback          []FeedbackItem `json:"feedback,omitempty"`
	FieldDetails      []FieldResult  `json:"field_details,omitempty"`
}

// SummarizeFields turns a field evaluation into categorized feedback.
func SummarizeFields(result *Result) FieldSummary {
	fieldEval := result.FieldEvaluation
	if fieldEval == nil || !fieldEval.Available {
		reason := "Field evaluation not available"
		if fieldEval != nil && fieldEval.Reason != "" {
			reason = fieldEval.Reason
		}
		return FieldSummary{Reason: reason}
	}

	var correct, extracted, incorrect []FieldResult
	for _, fr := range fieldEval.FieldResults {
		switch {
		case fr.Match && fr.MatchMethod == "extraction_success":
			extracted = append(extracted, fr)
		case fr.Match:
			correct = append(correct, fr)
		default:
			incorrect = append(incorrect, fr)
		}
	}

	names := func(frs []FieldResult) string {
		out := make([]string, len(frs))
		for i, fr := range frs {
			out[i] = fr.FieldName
		}
		return strings.Join(out, ", ")
	}

	var feedback []FeedbackItem
	if len(correct) > 0 {
		feedback = append(feedback, FeedbackItem{
			Type:    "success",
			Message: "Correct values: " + names(correct),
		})
	}
	if len(extracted) > 0 {
		feedback = append(feedback, FeedbackItem{
			Type:    "info",
			Message: "Successfully extracted: " + names(extracted),
		})
	}
	for _, fr := range incorrect {
		switch {
		case fr.MatchMethod == "extraction_failed":
			feedback = append(feedback, FeedbackItem{
				Type:    "error",
				Message: fmt.Sprintf("Failed to extract %q: expected %q", fr.FieldName, fr.Expected),
			})
		case fr.FieldType == FieldTypeDate:
			feedback = append(feedback, FeedbackItem{
				Type:    "warning",
				Message: fmt.Sprintf("Date mismatch in %q: expected %q, got %q", fr.FieldName, fr.Expected, fr.Predicted),
			})
		default:
			feedback = append(feedback, FeedbackItem{
				Type:    "error",
				Message: fmt.Sprintf("Mismatch in %q: expected %q, got %q", fr.FieldName, fr.Expected, fr.Predicted),
			})
		}
	}

	return FieldSummary{
		Available:         true,
		TotalFields:       fieldEval.TotalFields,
		FieldsMatched:     fieldEval.FieldsMatched,
		FieldMatchRate:    fieldEval.FieldMatchRate,
		OverallFieldMatch: fieldEval.OverallFieldMatch,
		CorrectFields:     len(correct),
		ExtractedFields:   len(extracted),
		IncorrectFields:   len(incorrect),
		Feedback:          feedback,
		FieldDetails:      fieldEval.FieldResults,
	}
}
