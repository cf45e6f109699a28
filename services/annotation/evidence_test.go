// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package annotation

import (
	"strings"
	"testing"
)

func TestFindEvidenceExact(t *testing.T) {
	note := "The tumor was located in the left lower limb."
	start, end, ok := FindEvidence(note, "located in the left")
	if !ok {
		t.Fatal("not found")
	}
	if note[start:end] != "located in the left" {
		t.Errorf("span = %q", note[start:end])
	}
}

func TestFindEvidenceCaseInsensitive(t *testing.T) {
	note := "Margins were CLEAR after resection."
	start, end, ok := FindEvidence(note, "margins were clear")
	if !ok {
		t.Fatal("not found")
	}
	if start != 0 || note[start:end] != "Margins were CLEAR" {
		t.Errorf("span = %q (%d..%d)", note[start:end], start, end)
	}
}

func TestFindEvidenceAccentNormalized(t *testing.T) {
	// Evidence without diacritics must still match the accented note.
	start, end, ok := FindEvidence("Tumör", "tumor")
	if !ok {
		t.Fatal("not found")
	}
	if start != 0 || end != len("Tumör") {
		t.Errorf("span = (%d..%d)", start, end)
	}
}

func TestFindEvidenceFuzzyFirstWordAnchor(t *testing.T) {
	note := "Margins were clear after excision."
	start, end, ok := FindEvidence(note, "Margins clear")
	if !ok {
		t.Fatal("not found")
	}
	if start != 0 {
		t.Errorf("start = %d", start)
	}
	if !strings.HasSuffix(note[start:end], "clear") {
		t.Errorf("span = %q", note[start:end])
	}
}

func TestFindEvidenceMissing(t *testing.T) {
	if _, _, ok := FindEvidence("The note text.", "entirely absent phrase"); ok {
		t.Error("unexpected match")
	}
	if _, _, ok := FindEvidence("", "evidence"); ok {
		t.Error("match in empty note")
	}
	if _, _, ok := FindEvidence("note", ""); ok {
		t.Error("match for empty evidence")
	}
}

func TestExtractEvidenceSpans(t *testing.T) {
	note := "Deep tumor, margins involved."
	spans := ExtractEvidenceSpans(note, "margins involved", "margins-int")
	if len(spans) != 1 {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Text != "margins involved" || spans[0].PromptType != "margins-int" {
		t.Errorf("span = %+v", spans[0])
	}
	if note[spans[0].Start:spans[0].End] != spans[0].Text {
		t.Errorf("offsets do not slice the note: %+v", spans[0])
	}

	if spans := ExtractEvidenceSpans(note, "absent evidence phrase", "x"); spans != nil {
		t.Errorf("spans = %+v", spans)
	}
}
