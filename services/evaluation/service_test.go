// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluation

import (
	"strings"
	"testing"
)

func TestIsNoAnnotationIndicator(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"none", true},
		{"N/A", true},
		{"Not specified", true},
		{"No relevant information", true},
		{"Information not available in the note", true},
		{"[select result]", true},
		{"Tumor depth: Not specified", true},
		{"Biopsy grading: Unknown", true},
		{"Margins after surgery were clear", false},
		{"Grade 2", false},
	}
	for _, tc := range cases {
		if got := IsNoAnnotationIndicator(tc.in); got != tc.want {
			t.Errorf("IsNoAnnotationIndicator(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestEvaluateWithSpecialCasesBothEmpty(t *testing.T) {
	r := EvaluateWithSpecialCases("", "not specified", "n1", "grading-int")
	if r.MatchType != "both_empty" || !r.OverallMatch || r.SimilarityScore != 1.0 {
		t.Errorf("result = %+v", r)
	}
	if r.ExpectedAnnotation != noExpectedAnnotation {
		t.Errorf("expected_annotation = %q", r.ExpectedAnnotation)
	}
}

func TestEvaluateWithSpecialCasesFalsePositive(t *testing.T) {
	r := EvaluateWithSpecialCases("", "Margins were clear", "", "")
	if r.MatchType != "false_positive" || r.OverallMatch || r.SimilarityScore != 0.0 {
		t.Errorf("result = %+v", r)
	}
}

func TestEvaluateWithSpecialCasesFalseNegative(t *testing.T) {
	r := EvaluateWithSpecialCases("Margins were clear", "not specified", "", "")
	if r.MatchType != "false_negative" || r.OverallMatch {
		t.Errorf("result = %+v", r)
	}
	if r.PredictedAnnotation != "not specified" {
		t.Errorf("predicted_annotation = %q", r.PredictedAnnotation)
	}
}

func TestEvaluateWithSpecialCasesStandard(t *testing.T) {
	r := EvaluateWithSpecialCases("Margins were clear", "margins were clear", "", "")
	if r.MatchType != "match" || !r.ExactMatch {
		t.Errorf("match result = %+v", r)
	}
	r = EvaluateWithSpecialCases("Margins were clear", "Margins were involved bilaterally", "", "")
	if r.MatchType != "mismatch" || r.OverallMatch {
		t.Errorf("mismatch result = %+v", r)
	}
}

const gradingTemplate = `You are annotating clinical notes.

Output strictly in the following format:
Re-excision was performed on [provide date] with margins [clear/involved].

Notes: leave placeholders untouched when the note has no information.`

func TestExtractTemplateFormat(t *testing.T) {
	format := ExtractTemplateFormat(gradingTemplate)
	if !strings.Contains(format, "[provide date]") || !strings.Contains(format, "[clear/involved]") {
		t.Errorf("format = %q", format)
	}
	if strings.Contains(format, "Output strictly") {
		t.Errorf("header leaked into format: %q", format)
	}

	if got := ExtractTemplateFormat(""); got != "" {
		t.Errorf("empty template format = %q", got)
	}
	if got := ExtractTemplateFormat("Just instructions, no format section."); got != "" {
		t.Errorf("formatless template = %q", got)
	}
}

func TestExtractTemplateFormatStandaloneLine(t *testing.T) {
	template := "Annotate the note.\nSurgery was performed on [provide date].\nBe concise."
	format := ExtractTemplateFormat(template)
	if format != "Surgery was performed on [provide date]." {
		t.Errorf("format = %q", format)
	}
}

func TestEvaluateWithTemplate(t *testing.T) {
	r := EvaluateWithTemplate(
		"Re-excision was performed on 12/05/2023 with margins clear.",
		"Re-excision was performed on 12/05/2023 with margins clear.",
		gradingTemplate,
		"n1", "reexcision-int",
	)
	if !r.OverallMatch {
		t.Errorf("result = %+v", r)
	}
	if r.FieldEvaluation == nil || !r.FieldEvaluation.Available {
		t.Fatalf("field evaluation = %+v", r.FieldEvaluation)
	}
	if !r.FieldEvaluation.OverallFieldMatch {
		t.Errorf("field evaluation = %+v", r.FieldEvaluation)
	}
	if len(r.MergedDates) != 1 || r.MergedDates[0] != "2023-05-12" {
		t.Errorf("merged_dates = %v", r.MergedDates)
	}
}

func TestEvaluateWithTemplateNoFormat(t *testing.T) {
	r := EvaluateWithTemplate("a value", "a value", "no format in here", "", "")
	if r.FieldEvaluation == nil || r.FieldEvaluation.Available {
		t.Fatalf("field evaluation = %+v", r.FieldEvaluation)
	}
	if r.FieldEvaluation.Reason == "" {
		t.Error("missing reason")
	}
}

func TestSummarizeFields(t *testing.T) {
	r := EvaluateWithTemplate(
		"Re-excision was performed on 12/05/2023 with margins clear.",
		"Re-excision was performed on 13/05/2023 with margins clear.",
		gradingTemplate,
		"", "",
	)
	summary := SummarizeFields(r)
	if !summary.Available {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.CorrectFields != 1 || summary.IncorrectFields != 1 {
		t.Errorf("summary = %+v", summary)
	}
	foundWarning := false
	for _, fb := range summary.Feedback {
		if fb.Type == "warning" && strings.Contains(fb.Message, "Date mismatch") {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Errorf("feedback = %+v", summary.Feedback)
	}

	summary = SummarizeFields(&Result{})
	if summary.Available {
		t.Errorf("summary without field evaluation = %+v", summary)
	}
}
