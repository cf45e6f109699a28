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
	"sort"
	"strconv"
	"strings"
)

// Placeholder field types.
const (
	FieldTypeDate        = "date"
	FieldTypeCategorical = "categorical"
	FieldTypeText        = "text"
)

// Placeholder is one bracketed slot in an output format template, like
// "[provide date]" or "[complete/incomplete]".
type Placeholder struct {
	Placeholder string `json:"placeholder"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Position    int    `json:"position"`
}

var placeholderRe = regexp.MustCompile(`\[([^\]]+)\]`)

// ExtractTemplatePlaceholders parses bracketed placeholders out of a
// template and classifies each one. Placeholders mentioning a date are
// dates, option lists ("complete/incomplete") and "select ..." slots are
// categorical, everything else is free text.
func ExtractTemplatePlaceholders(template string) []Placeholder {
	matches := placeholderRe.FindAllStringSubmatchIndex(template, -1)
	placeholders := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		full := template[m[0]:m[1]]
		content := template[m[2]:m[3]]
		contentLower := strings.ToLower(content)

		var fieldType string
		switch {
		case strings.Contains(contentLower, "date"):
			fieldType = FieldTypeDate
		case strings.Contains(content, "/"):
			fieldType = FieldTypeCategorical
		case strings.HasPrefix(contentLower, "select"):
			fieldType = FieldTypeCategorical
		default:
			fieldType = FieldTypeText
		}

		placeholders = append(placeholders, Placeholder{
			Placeholder: full,
			Content:     content,
			Type:        fieldType,
			Position:    m[0],
		})
	}
	return placeholders
}

var (
	dayFirstDateRe  = regexp.MustCompile(`^(\d{1,2})[/\-](\d{1,2})[/\-](\d{4})$`)
	yearFirstDateRe = regexp.MustCompile(`^(\d{4})[/\-](\d{1,2})[/\-](\d{1,2})$`)
)

// NormalizeDate converts DD/MM/YYYY, D/M/YYYY, DD-MM-YYYY or YYYY-MM-DD
// to the canonical YYYY-MM-DD form. Returns false when the input does not
// look like a date.
func NormalizeDate(dateStr string) (string, bool) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return "", false
	}
	if m := dayFirstDateRe.FindStringSubmatch(dateStr); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%s-%02d-%02d", m[3], month, day), true
	}
	if m := yearFirstDateRe.FindStringSubmatch(dateStr); m != nil {
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return fmt.Sprintf("%s-%02d-%02d", m[1], month, day), true
	}
	return "", false
}

var (
	bracketedValueRe        = regexp.MustCompile(`^\[.*\]$`)
	placeholderValuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(provide|put|select|enter)\s+`),
		regexp.MustCompile(`^not\s+(specified|available|mentioned|found)$`),
		regexp.MustCompile(`^unknown$`),
		regexp.MustCompile(`^n/a$`),
		regexp.MustCompile(`^none$`),
	}
)

// IsPlaceholderValue reports whether a field value is an unfilled
// placeholder rather than real content.
func IsPlaceholderValue(value string) bool {
	if value == "" {
		return true
	}
	if bracketedValueRe.MatchString(value) {
		return true
	}
	lower := strings.TrimSpace(strings.ToLower(value))
	for _, re := range placeholderValuePatterns {
		if re.MatchString(lower) {
			return true
		}
	}
	return false
}

const (
	dateCaptureGroup    = `(\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}|\d{4}[/\-]\d{1,2}[/\-]\d{1,2}|\[[^\]]+\])`
	dateNonCaptureGroup = `(?:\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}|\d{4}[/\-]\d{1,2}[/\-]\d{1,2}|\[[^\]]+\])`
)

// capturePattern picks the capture body for one placeholder based on its
// type and the text immediately following it in the template.
func capturePattern(ph Placeholder, afterChar string) string {
	switch {
	case ph.Type == FieldTypeDate:
		return dateCaptureGroup
	case strings.HasPrefix(afterChar, "("):
		return `([^(]+|\[[^\]]+\])`
	case strings.HasPrefix(afterChar, ")"):
		return `([^)]+|\[[^\]]+\])`
	case strings.HasPrefix(afterChar, "."):
		return `([^.]+|\[[^\]]+\])`
	default:
		return `([^\n]+?|\[[^\]]+\])`
	}
}

func nonCapture(pattern string) string {
	return "(?:" + strings.TrimSuffix(strings.TrimPrefix(pattern, "("), ")") + ")"
}

// extractValueAtPosition pulls the value filling one template placeholder
// out of annotation text. Strategy one builds a regex over the whole
// template with a capture group at the target placeholder. Strategy two
// matches on the immediate literal context around the placeholder.
// Strategy three, for dates only, takes the first date in the text.
func extractValueAtPosition(text, template string, target Placeholder, all []Placeholder) string {
	sorted := make([]Placeholder, len(all))
	copy(sorted, all)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	var b strings.Builder
	b.WriteString(`(?is)`)
	lastEnd := 0
	for i, ph := range sorted {
		if literal := template[lastEnd:ph.Position]; literal != "" {
			b.WriteString(regexp.QuoteMeta(literal))
		}

		afterStart := ph.Position + len(ph.Placeholder)
		var afterText string
		if i+1 < len(sorted) {
			afterText = template[afterStart:sorted[i+1].Position]
		} else {
			afterText = template[afterStart:]
		}
		afterChar := ""
		if trimmed := strings.TrimLeft(afterText, " \t\r\n"); trimmed != "" {
			if len(trimmed) > 2 {
				trimmed = trimmed[:2]
			}
			afterChar = trimmed
		}

		pattern := capturePattern(ph, afterChar)
		if ph.Placeholder == target.Placeholder {
			b.WriteString(pattern)
		} else {
			if ph.Type == FieldTypeDate {
				b.WriteString(dateNonCaptureGroup)
			} else {
				b.WriteString(nonCapture(pattern))
			}
		}
		lastEnd = afterStart
	}
	if lastEnd < len(template) {
		b.WriteString(regexp.QuoteMeta(template[lastEnd:]))
	}

	if re, err := regexp.Compile(b.String()); err == nil {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	if v := extractByContext(text, template, target); v != "" {
		return v
	}

	if target.Type == FieldTypeDate {
		if dates := ExtractDates(text); len(dates) > 0 {
			return dates[0]
		}
	}
	return ""
}

// extractByContext matches the words immediately around the placeholder in
// the template against the annotation text.
func extractByContext(text, template string, ph Placeholder) string {
	start := ph.Position
	end := ph.Position + len(ph.Placeholder)

	contextBefore := template[max(0, start-50):start]
	contextAfter := template[end:min(len(template), end+50)]
	contextBefore = strings.TrimSpace(placeholderRe.ReplaceAllString(contextBefore, ""))
	contextAfter = strings.TrimSpace(placeholderRe.ReplaceAllString(contextAfter, ""))

	beforeWords := strings.Fields(contextBefore)
	if len(beforeWords) > 3 {
		beforeWords = beforeWords[len(beforeWords)-3:]
	}
	afterWords := strings.Fields(contextAfter)
	if len(afterWords) > 3 {
		afterWords = afterWords[:3]
	}

	quoteJoin := func(words []string) string {
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		return strings.Join(quoted, `\s+`)
	}
	beforePattern := quoteJoin(beforeWords)
	afterPattern := quoteJoin(afterWords)

	var capture string
	switch ph.Type {
	case FieldTypeDate:
		capture = dateCaptureGroup
	case FieldTypeCategorical:
		capture = `([a-zA-Z][a-zA-Z0-9\s\-]*?|\[[^\]]+\])`
	default:
		capture = `(.+?)`
	}

	if beforePattern != "" && afterPattern != "" {
		if re, err := regexp.Compile(`(?i)` + beforePattern + `\s+` + capture + `\s+` + afterPattern); err == nil {
			if m := re.FindStringSubmatch(text); m != nil {
				return strings.TrimSpace(m[1])
			}
		}
	}
	if beforePattern != "" {
		if re, err := regexp.Compile(`(?i)` + beforePattern + `\s+` + capture); err == nil {
			if m := re.FindStringSubmatch(text); m != nil {
				value := strings.TrimSpace(m[1])
				for _, w := range afterWords {
					if strings.HasSuffix(strings.ToLower(value), " "+strings.ToLower(w)) {
						value = strings.TrimSpace(value[:len(value)-len(w)-1])
					}
				}
				return value
			}
		}
	}
	return ""
}

// ExtractValuesFromAnnotation maps each placeholder name to the value the
// annotation filled in for it. When extraction fails but the literal
// placeholder text appears in the annotation, the placeholder itself is
// returned for that field; otherwise the field maps to the empty string.
func ExtractValuesFromAnnotation(annotation, templateFormat string) map[string]string {
	placeholders := ExtractTemplatePlaceholders(templateFormat)
	if len(placeholders) == 0 {
		return nil
	}
	extracted := make(map[string]string, len(placeholders))
	for _, ph := range placeholders {
		value := extractValueAtPosition(annotation, templateFormat, ph, placeholders)
		if value == "" && strings.Contains(annotation, ph.Placeholder) {
			value = ph.Placeholder
		}
		extracted[ph.Content] = value
	}
	return extracted
}

// FieldComparison is the outcome of comparing one field value pair.
type FieldComparison struct {
	Expected               string  `json:"expected"`
	Predicted              string  `json:"predicted"`
	FieldType              string  `json:"field_type"`
	Match                  bool    `json:"match"`
	MatchMethod            string  `json:"match_method"`
	Similarity             float64 `json:"similarity"`
	ExpectedIsPlaceholder  bool    `json:"expected_is_placeholder"`
	PredictedIsPlaceholder bool    `json:"predicted_is_placeholder"`
	Note                   string  `json:"note,omitempty"`
}

// negationPrefixes guard categorical containment matching against
// antonyms like "complete" inside "incomplete".
var negationPrefixes = []string{"in", "un", "non", "dis", "im", "ir", "il"}

func hasNegationRelation(a, b string) bool {
	for _, prefix := range negationPrefixes {
		if strings.HasPrefix(b, prefix) && a == b[len(prefix):] {
			return true
		}
		if strings.HasPrefix(a, prefix) && b == a[len(prefix):] {
			return true
		}
	}
	return false
}

// CompareFieldValues compares two field values with type-appropriate
// matching. With expectedAnnotationEmpty set, any predicted value counts
// as a false positive since no annotation was expected at all.
func CompareFieldValues(expectedValue, predictedValue, fieldType string, expectedAnnotationEmpty bool) FieldComparison {
	expectedIsPlaceholder := IsPlaceholderValue(expectedValue)
	predictedIsPlaceholder := IsPlaceholderValue(predictedValue)

	result := FieldComparison{
		Expected:               expectedValue,
		Predicted:              predictedValue,
		FieldType:              fieldType,
		MatchMethod:            "none",
		ExpectedIsPlaceholder:  expectedIsPlaceholder,
		PredictedIsPlaceholder: predictedIsPlaceholder,
	}

	if expectedAnnotationEmpty {
		if predictedIsPlaceholder || predictedValue == "" {
			result.Match = true
			result.MatchMethod = "both_empty"
			result.Similarity = 1.0
			result.Note = "No annotation expected, none provided"
		} else {
			result.MatchMethod = "false_positive"
			result.Note = "Value predicted but no annotation was expected"
		}
		return result
	}

	switch {
	case expectedIsPlaceholder && predictedIsPlaceholder:
		result.Match = true
		result.MatchMethod = "both_placeholder"
		result.Similarity = 1.0
		return result
	case expectedIsPlaceholder:
		result.Match = true
		result.MatchMethod = "extraction_success"
		result.Similarity = 1.0
		result.Note = "Value extracted where expected had placeholder"
		return result
	case predictedIsPlaceholder:
		result.MatchMethod = "extraction_failed"
		return result
	}

	switch fieldType {
	case FieldTypeDate:
		expNorm, expOK := NormalizeDate(expectedValue)
		predNorm, predOK := NormalizeDate(predictedValue)
		if expOK && predOK {
			if expNorm == predNorm {
				result.Match = true
				result.MatchMethod = "date_normalized"
				result.Similarity = 1.0
			} else {
				result.MatchMethod = "date_mismatch"
			}
		} else if ExactMatch(expectedValue, predictedValue) {
			result.Match = true
			result.MatchMethod = "exact"
			result.Similarity = 1.0
		} else {
			result.MatchMethod = "date_format_error"
			result.Similarity = CosineSimilarity(expectedValue, predictedValue)
		}

	case FieldTypeCategorical:
		if ExactMatch(expectedValue, predictedValue) {
			result.Match = true
			result.MatchMethod = "exact"
			result.Similarity = 1.0
			break
		}
		expNorm := NormalizeString(expectedValue, false)
		predNorm := NormalizeString(predictedValue, false)
		lenDiff := len(expNorm) - len(predNorm)
		if lenDiff < 0 {
			lenDiff = -lenDiff
		}
		contained := strings.Contains(predNorm, expNorm) || strings.Contains(expNorm, predNorm)
		if lenDiff <= 3 && !hasNegationRelation(expNorm, predNorm) && contained {
			result.Match = true
			result.MatchMethod = "semantic"
			result.Similarity = 0.9
		} else {
			result.MatchMethod = "mismatch"
			result.Similarity = CosineSimilarity(expectedValue, predictedValue)
		}

	default:
		if ExactMatch(expectedValue, predictedValue) {
			result.Match = true
			result.MatchMethod = "exact"
			result.Similarity = 1.0
			break
		}
		similarity := round4(CosineSimilarity(expectedValue, predictedValue))
		result.Similarity = similarity
		if similarity >= highSimilarityThreshold {
			result.Match = true
			result.MatchMethod = "high_similarity"
		} else {
			result.MatchMethod = "low_similarity"
		}
	}

	return result
}

// FieldResult is the per-placeholder entry of a field evaluation.
type FieldResult struct {
	FieldName   string  `json:"field_name"`
	Placeholder string  `json:"placeholder"`
	FieldType   string  `json:"field_type"`
	Expected    string  `json:"expected"`
	Predicted   string  `json:"predicted"`
	Match       bool    `json:"match"`
	MatchMethod string  `json:"match_method"`
	Similarity  float64 `json:"similarity"`
	Note        string  `json:"note,omitempty"`
}

// FieldEvaluation is the template-aware, per-field evaluation of one
// annotation pair.
type FieldEvaluation struct {
	Available         bool          `json:"field_evaluation_available"`
	Reason            string        `json:"reason,omitempty"`
	NoteID            string        `json:"note_id,omitempty"`
	PromptType        string        `json:"prompt_type,omitempty"`
	TemplateFormat    string        `json:"template_format,omitempty"`
	TotalFields       int           `json:"total_fields"`
	FieldsMatched     int           `json:"fields_matched"`
	FieldMatchRate    float64       `json:"field_match_rate"`
	OverallFieldMatch bool          `json:"overall_field_match"`
	FieldResults      []FieldResult `json:"field_results"`
}

// EvaluatePerField compares annotations field by field using the output
// format template. Overall field match requires every field to match.
func EvaluatePerField(expected, predicted, templateFormat, noteID, promptType string) *FieldEvaluation {
	placeholders := ExtractTemplatePlaceholders(templateFormat)
	if len(placeholders) == 0 {
		return &FieldEvaluation{
			Reason:       "No placeholders found in template format",
			FieldResults: []FieldResult{},
		}
	}

	trimmed := strings.TrimSpace(expected)
	expectedIsEmpty := trimmed == "" || IsPlaceholderValue(trimmed)

	expectedValues := ExtractValuesFromAnnotation(expected, templateFormat)
	predictedValues := ExtractValuesFromAnnotation(predicted, templateFormat)

	eval := &FieldEvaluation{
		Available:      true,
		NoteID:         noteID,
		PromptType:     promptType,
		TemplateFormat: templateFormat,
		TotalFields:    len(placeholders),
	}
	for _, ph := range placeholders {
		expValue := expectedValues[ph.Content]
		predValue := predictedValues[ph.Content]

		cmp := CompareFieldValues(expValue, predValue, ph.Type, expectedIsEmpty)
		eval.FieldResults = append(eval.FieldResults, FieldResult{
			FieldName:   ph.Content,
			Placeholder: ph.Placeholder,
			FieldType:   ph.Type,
			Expected:    expValue,
			Predicted:   predValue,
			Match:       cmp.Match,
			MatchMethod: cmp.MatchMethod,
			Similarity:  cmp.Similarity,
			Note:        cmp.Note,
		})
		if cmp.Match {
			eval.FieldsMatched++
		}
	}

	eval.FieldMatchRate = round4(float64(eval.FieldsMatched) / float64(eval.TotalFields))
	eval.OverallFieldMatch = eval.FieldsMatched == eval.TotalFields
	return eval
}

// MergeDates merges dates filled into template placeholders with dates
// auto-extracted from the text, normalized and deduplicated.
func MergeDates(templateDates, extractedDates []string) []string {
	seen := map[string]struct{}{}
	var merged []string
	add := func(date string) {
		if date == "" || IsPlaceholderValue(date) {
			return
		}
		if normalized, ok := NormalizeDate(date); ok {
			date = normalized
		}
		if _, dup := seen[date]; dup {
			return
		}
		seen[date] = struct{}{}
		merged = append(merged, date)
	}
	for _, d := range templateDates {
		add(d)
	}
	for _, d := range extractedDates {
		add(d)
	}
	return merged
}
