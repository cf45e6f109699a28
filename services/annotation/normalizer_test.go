// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotation

import "testing"

func TestNormalizeAbsence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"Not specified", "Not applicable"},
		{"unknown", "Not applicable"},
		{"[select result]", "Not applicable"},
		{"Information not available in the note", "Not applicable"},
		{"Tumor depth: Not specified", "Tumor depth: Not applicable"},
		{"Biopsy grading: Unknown", "Biopsy grading: Not applicable"},
		{"Grade 2", "Grade 2"},
		{"Margins: clear", "Margins: clear"},
	}
	for _, tc := range cases {
		if got := NormalizeAbsence(tc.in); got != tc.want {
			t.Errorf("NormalizeAbsence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDetermineStatus(t *testing.T) {
	cases := []struct {
		name       string
		annotation string
		reasoning  string
		want       string
	}{
		{"plain success", "Grade 2", "Found in pathology section.", StatusSuccess},
		{"error prefix", "ERROR: backend down", "", StatusError},
		{"truncated reasoning", "Grade 2", "The note mentions...", StatusIncomplete},
		{"empty with absence reasoning", "", "Grading is not mentioned in the note.", StatusSuccess},
		{"empty with unrelated reasoning", "", "The note describes surgery.", StatusError},
		{"empty without reasoning", "", "", StatusError},
	}
	for _, tc := range cases {
		if got := determineStatus(tc.annotation, tc.reasoning); got != tc.want {
			t.Errorf("%s: determineStatus = %q, want %q", tc.name, got, tc.want)
		}
	}
}
