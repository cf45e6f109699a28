// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluation

import "testing"

const reexcisionFormat = "Re-excision was performed on [provide date] with margins [clear/involved]."

func TestExtractTemplatePlaceholders(t *testing.T) {
	placeholders := ExtractTemplatePlaceholders(reexcisionFormat)
	if len(placeholders) != 2 {
		t.Fatalf("placeholders = %+v", placeholders)
	}
	if placeholders[0].Content != "provide date" || placeholders[0].Type != FieldTypeDate {
		t.Errorf("first = %+v", placeholders[0])
	}
	if placeholders[1].Content != "clear/involved" || placeholders[1].Type != FieldTypeCategorical {
		t.Errorf("second = %+v", placeholders[1])
	}

	placeholders = ExtractTemplatePlaceholders("Result: [select intent], detail: [value]")
	if placeholders[0].Type != FieldTypeCategorical {
		t.Errorf("select placeholder = %+v", placeholders[0])
	}
	if placeholders[1].Type != FieldTypeText {
		t.Errorf("value placeholder = %+v", placeholders[1])
	}

	if got := ExtractTemplatePlaceholders("no placeholders"); len(got) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestNormalizeDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"12/05/2023", "2023-05-12", true},
		{"5/3/2021", "2021-03-05", true},
		{"13-04-1999", "1999-04-13", true},
		{"2023-05-12", "2023-05-12", true},
		{"2023/5/2", "2023-05-02", true},
		{"May 12, 2023", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeDate(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeDate(%q) = %q, %v", tc.in, got, ok)
		}
	}
}

func TestIsPlaceholderValue(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"[provide date]", true},
		{"select intent", true},
		{"not specified", true},
		{"Unknown", true},
		{"n/a", true},
		{"none", true},
		{"12/05/2023", false},
		{"clear", false},
	}
	for _, tc := range cases {
		if got := IsPlaceholderValue(tc.in); got != tc.want {
			t.Errorf("IsPlaceholderValue(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestExtractValuesFromAnnotation(t *testing.T) {
	values := ExtractValuesFromAnnotation(
		"Re-excision was performed on 12/05/2023 with margins clear.",
		reexcisionFormat,
	)
	if values["provide date"] != "12/05/2023" {
		t.Errorf("date = %q", values["provide date"])
	}
	if values["clear/involved"] != "clear" {
		t.Errorf("margins = %q", values["clear/involved"])
	}

	// Unfilled placeholders are returned verbatim.
	values = ExtractValuesFromAnnotation(
		"Re-excision was performed on [provide date] with margins clear.",
		reexcisionFormat,
	)
	if values["provide date"] != "[provide date]" {
		t.Errorf("unfilled date = %q", values["provide date"])
	}
}

func TestCompareFieldValues(t *testing.T) {
	cmp := CompareFieldValues("[provide date]", "[provide date]", FieldTypeDate, false)
	if !cmp.Match || cmp.MatchMethod != "both_placeholder" {
		t.Errorf("both placeholder = %+v", cmp)
	}

	cmp = CompareFieldValues("[provide date]", "12/05/2023", FieldTypeDate, false)
	if !cmp.Match || cmp.MatchMethod != "extraction_success" {
		t.Errorf("extraction success = %+v", cmp)
	}

	cmp = CompareFieldValues("12/05/2023", "[provide date]", FieldTypeDate, false)
	if cmp.Match || cmp.MatchMethod != "extraction_failed" {
		t.Errorf("extraction failed = %+v", cmp)
	}

	cmp = CompareFieldValues("12/05/2023", "2023-05-12", FieldTypeDate, false)
	if !cmp.Match || cmp.MatchMethod != "date_normalized" {
		t.Errorf("date normalized = %+v", cmp)
	}

	cmp = CompareFieldValues("12/05/2023", "13/05/2023", FieldTypeDate, false)
	if cmp.Match || cmp.MatchMethod != "date_mismatch" {
		t.Errorf("date mismatch = %+v", cmp)
	}

	cmp = CompareFieldValues("clear", "Clear", FieldTypeCategorical, false)
	if !cmp.Match || cmp.MatchMethod != "exact" {
		t.Errorf("categorical exact = %+v", cmp)
	}

	// Minor suffix variation counts as semantic equivalence.
	cmp = CompareFieldValues("complete", "completed", FieldTypeCategorical, false)
	if !cmp.Match || cmp.MatchMethod != "semantic" || cmp.Similarity != 0.9 {
		t.Errorf("semantic = %+v", cmp)
	}

	// Negation prefixes never match through containment.
	cmp = CompareFieldValues("complete", "incomplete", FieldTypeCategorical, false)
	if cmp.Match || cmp.MatchMethod != "mismatch" {
		t.Errorf("negation = %+v", cmp)
	}

	cmp = CompareFieldValues("clear", "clear", FieldTypeText, false)
	if !cmp.Match || cmp.MatchMethod != "exact" {
		t.Errorf("text exact = %+v", cmp)
	}

	cmp = CompareFieldValues("deep margin", "superficial spread", FieldTypeText, false)
	if cmp.Match || cmp.MatchMethod != "low_similarity" {
		t.Errorf("text low similarity = %+v", cmp)
	}
}

func TestCompareFieldValuesExpectedAnnotationEmpty(t *testing.T) {
	cmp := CompareFieldValues("", "", FieldTypeText, true)
	if !cmp.Match || cmp.MatchMethod != "both_empty" || cmp.Similarity != 1.0 {
		t.Errorf("both empty = %+v", cmp)
	}

	cmp = CompareFieldValues("", "clear", FieldTypeText, true)
	if cmp.Match || cmp.MatchMethod != "false_positive" {
		t.Errorf("false positive = %+v", cmp)
	}
}

func TestEvaluatePerField(t *testing.T) {
	eval := EvaluatePerField(
		"Re-excision was performed on 12/05/2023 with margins clear.",
		"Re-excision was performed on 2023-05-12 with margins clear.",
		reexcisionFormat,
		"n1", "reexcision-int",
	)
	if !eval.Available {
		t.Fatalf("eval = %+v", eval)
	}
	if eval.TotalFields != 2 || eval.FieldsMatched != 2 || !eval.OverallFieldMatch {
		t.Errorf("eval = %+v", eval)
	}
	if eval.FieldResults[0].MatchMethod != "date_normalized" {
		t.Errorf("date field = %+v", eval.FieldResults[0])
	}
	if eval.FieldMatchRate != 1.0 {
		t.Errorf("field_match_rate = %v", eval.FieldMatchRate)
	}
}

func TestEvaluatePerFieldPartialMatch(t *testing.T) {
	eval := EvaluatePerField(
		"Re-excision was performed on 12/05/2023 with margins clear.",
		"Re-excision was performed on 13/05/2023 with margins clear.",
		reexcisionFormat,
		"", "",
	)
	if eval.FieldsMatched != 1 || eval.OverallFieldMatch {
		t.Errorf("eval = %+v", eval)
	}
	if eval.FieldMatchRate != 0.5 {
		t.Errorf("field_match_rate = %v", eval.FieldMatchRate)
	}
}

func TestEvaluatePerFieldNoPlaceholders(t *testing.T) {
	eval := EvaluatePerField("a", "b", "no placeholders here", "", "")
	if eval.Available {
		t.Errorf("eval = %+v", eval)
	}
	if eval.Reason == "" {
		t.Error("missing reason")
	}
}

func TestMergeDates(t *testing.T) {
	merged := MergeDates(
		[]string{"12/05/2023", "[provide date]", ""},
		[]string{"2023-05-12", "01/02/2024"},
	)
	if len(merged) != 2 {
		t.Fatalf("merged = %v", merged)
	}
	if merged[0] != "2023-05-12" || merged[1] != "2024-02-01" {
		t.Errorf("merged = %v", merged)
	}
}
