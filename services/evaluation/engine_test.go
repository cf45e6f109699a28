// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluation

import (
	"math"
	"testing"
)

func approx(t *testing.T, got, want, eps float64, label string) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

func TestNormalizeString(t *testing.T) {
	if got := NormalizeString("  Margins Clear  ", false); got != "margins clear" {
		t.Errorf("got %q", got)
	}
	if got := NormalizeString("Grade 2.;", true); got != "grade 2" {
		t.Errorf("flexible got %q", got)
	}
	if got := NormalizeString("", false); got != "" {
		t.Errorf("empty got %q", got)
	}
}

func TestExactMatch(t *testing.T) {
	cases := []struct {
		expected  string
		predicted string
		want      bool
	}{
		{"Margins clear", "margins clear", true},
		{"Grade 2.", "Grade 2", true},
		{"Grade 2", "Grade 3", false},
		{"", "", true},
		{"", "something", false},
		{"something", "", false},
	}
	for _, tc := range cases {
		if got := ExactMatch(tc.expected, tc.predicted); got != tc.want {
			t.Errorf("ExactMatch(%q, %q) = %v, want %v", tc.expected, tc.predicted, got, tc.want)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	approx(t, CosineSimilarity("", ""), 1.0, 1e-9, "both empty")
	approx(t, CosineSimilarity("x", ""), 0.0, 1e-9, "one empty")
	approx(t, CosineSimilarity("margins clear", "margins clear"), 1.0, 1e-9, "identical")
	approx(t, CosineSimilarity("alpha beta", "gamma delta"), 0.0, 1e-9, "disjoint")

	// Partial overlap lands strictly between the extremes.
	sim := CosineSimilarity("margins clear", "margins involved")
	if sim <= 0.0 || sim >= 1.0 {
		t.Errorf("partial overlap similarity = %v", sim)
	}
}

func TestExtractDates(t *testing.T) {
	dates := ExtractDates("Surgery on 12/05/2023, follow-up 2023-08-01, again 12/05/2023.")
	if len(dates) != 2 {
		t.Fatalf("dates = %v", dates)
	}
	if dates[0] != "12/05/2023" || dates[1] != "2023-08-01" {
		t.Errorf("dates = %v", dates)
	}
}

func TestExtractNumbersWithUnits(t *testing.T) {
	nums := ExtractNumbersWithUnits("Tumor 110 mm, dose 50 Gy over 25 fractions")
	want := []NumberWithUnit{{"110", "mm"}, {"50", "gy"}, {"25", "fractions"}}
	if len(nums) != len(want) {
		t.Fatalf("nums = %v", nums)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Errorf("nums[%d] = %v, want %v", i, nums[i], want[i])
		}
	}
}

func TestExtractKeyValuePairs(t *testing.T) {
	pairs := ExtractKeyValuePairs("Tumor depth: deep")
	if len(pairs) != 1 || pairs[0].Key != "Tumor depth" || pairs[0].Value != "deep" {
		t.Errorf("pairs = %v", pairs)
	}
	pairs = ExtractKeyValuePairs("Grading [2]")
	if len(pairs) != 1 || pairs[0].Key != "Grading" || pairs[0].Value != "2" {
		t.Errorf("bracket pairs = %v", pairs)
	}
}

func TestExtractEnumerationValues(t *testing.T) {
	values := ExtractEnumerationValues("doxorubicin; ifosfamide; trabectedin")
	if len(values) != 3 || values[1] != "ifosfamide" {
		t.Errorf("semicolon values = %v", values)
	}
	values = ExtractEnumerationValues("left, lower limb")
	if len(values) != 2 {
		t.Errorf("comma values = %v", values)
	}
	// Commas inside a long sentence are not an enumeration.
	long := "The tumor was excised with clear margins and no complications were noted during the procedure, which lasted three hours"
	if values = ExtractEnumerationValues(long); values != nil {
		t.Errorf("sentence treated as enumeration: %v", values)
	}
	if values = ExtractEnumerationValues("single value"); values != nil {
		t.Errorf("single value = %v", values)
	}
}

func TestEvaluateExact(t *testing.T) {
	r := Evaluate("Margins clear", "margins clear", "n1", "margins-int")
	if !r.ExactMatch || !r.OverallMatch || !r.HighSimilarity {
		t.Errorf("result = %+v", r)
	}
	approx(t, r.SimilarityScore, 1.0, 1e-9, "similarity")
	if r.NoteID != "n1" || r.PromptType != "margins-int" {
		t.Errorf("tracking fields = %+v", r)
	}
}

func TestEvaluateHighSimilarity(t *testing.T) {
	r := Evaluate(
		"tumor located in left lower limb region",
		"tumor located in left lower limb",
		"", "",
	)
	if r.ExactMatch {
		t.Error("unexpected exact match")
	}
	if !r.HighSimilarity || !r.OverallMatch {
		t.Errorf("result = %+v", r)
	}
}

func TestEvaluateValueComparison(t *testing.T) {
	r := Evaluate("Surgery date: 12/05/2023", "Surgery date: 13/05/2023", "", "")
	if r.TotalValues == 0 || r.ValuesMatched != 0 {
		t.Fatalf("result = %+v", r)
	}
	if r.ValueMatchRate == nil || *r.ValueMatchRate != 0.0 {
		t.Errorf("value_match_rate = %v", r.ValueMatchRate)
	}
	foundDates := false
	for _, d := range r.ValueDetails {
		if d.Field == "dates" {
			foundDates = true
			if d.Match {
				t.Errorf("dates detail = %+v", d)
			}
		}
	}
	if !foundDates {
		t.Errorf("no dates detail in %+v", r.ValueDetails)
	}

	r = Evaluate("No structured values here", "Nothing here either", "", "")
	// no extractable values, rate stays unset
	if r.ValueMatchRate != nil {
		t.Errorf("value_match_rate = %v, want nil", r.ValueMatchRate)
	}
}

func TestBatchEvaluate(t *testing.T) {
	if s := BatchEvaluate(nil); s.Total != 0 {
		t.Errorf("empty summary = %+v", s)
	}

	results := []*Result{
		Evaluate("Margins clear", "margins clear", "", ""),
		Evaluate("Grade 2", "Grade 3", "", ""),
	}
	s := BatchEvaluate(results)
	if s.Total != 2 || s.ExactMatches != 1 || s.OverallMatches != 1 {
		t.Errorf("summary = %+v", s)
	}
	approx(t, s.ExactMatchRate, 0.5, 1e-9, "exact_match_rate")
	approx(t, s.OverallMatchRate, 0.5, 1e-9, "overall_match_rate")
}
