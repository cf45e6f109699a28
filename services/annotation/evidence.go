// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package annotation

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// EvidenceSpan locates a quoted evidence passage inside the note text.
// Start and End are byte offsets into the original note.
type EvidenceSpan struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
	PromptType string `json:"prompt_type"`
}

var evidenceWhitespaceRe = regexp.MustCompile(`\s+`)

// normalizeMatchText prepares text for span matching: lowercase, accents
// stripped via NFD decomposition, whitespace collapsed.
func normalizeMatchText(text string) string {
	decomposed := norm.NFD.String(strings.ToLower(text))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(evidenceWhitespaceRe.ReplaceAllString(b.String(), " "))
}

// normalizeRune is the single-character version used when mapping
// normalized match positions back onto the original text. Whitespace and
// bare combining marks normalize to nothing.
func normalizeRune(r rune) string {
	if unicode.IsSpace(r) {
		return ""
	}
	decomposed := norm.NFD.String(strings.ToLower(string(r)))
	var b strings.Builder
	for _, d := range decomposed {
		if unicode.Is(unicode.Mn, d) {
			continue
		}
		b.WriteRune(d)
	}
	return b.String()
}

// FindEvidence locates evidence text inside the note. Three strategies:
// case-insensitive exact match, accent-normalized match with position
// back-mapping, and a fuzzy first-word anchor with a bounded window for
// the remainder. Returns byte offsets and whether a match was found.
func FindEvidence(noteText, evidenceText string) (start, end int, found bool) {
	if evidenceText == "" || noteText == "" {
		return 0, 0, false
	}

	noteLower := strings.ToLower(noteText)
	evidenceLower := strings.ToLower(evidenceText)
	if idx := strings.Index(noteLower, evidenceLower); idx != -1 {
		return idx, idx + len(evidenceText), true
	}

	evidenceNorm := normalizeMatchText(evidenceText)
	noteNorm := normalizeMatchText(noteText)
	if startNorm := strings.Index(noteNorm, evidenceNorm); startNorm != -1 && evidenceNorm != "" {
		// Positions in the normalized text are counted in significant
		// characters; walk the original text counting the same way.
		startChars := utf8.RuneCountInString(noteNorm[:startNorm])
		origStart := len(noteText)
		counted := 0
		for i, r := range noteText {
			if counted >= startChars {
				origStart = i
				break
			}
			if normalizeRune(r) != "" {
				counted++
			}
		}

		evidenceChars := utf8.RuneCountInString(evidenceNorm)
		origEnd := len(noteText)
		counted = 0
		for i, r := range noteText[origStart:] {
			if counted >= evidenceChars {
				origEnd = origStart + i
				break
			}
			if normalizeRune(r) != "" {
				counted++
			}
		}
		return origStart, origEnd, true
	}

	// Fuzzy: anchor on the first word, then look for the remainder in a
	// window just past it.
	words := strings.Fields(evidenceText)
	if len(words) == 0 {
		return 0, 0, false
	}
	firstWord := strings.ToLower(words[0])
	anchor := strings.Index(noteLower, firstWord)
	if anchor == -1 {
		return 0, 0, false
	}
	remaining := strings.Join(words[1:], " ")
	if remaining == "" {
		return anchor, anchor + len(firstWord), true
	}
	checkStart := anchor + len(firstWord)
	if checkStart >= len(noteText) {
		return 0, 0, false
	}
	windowEnd := min(len(noteText), checkStart+len(evidenceText)+50)
	window := strings.ToLower(noteText[checkStart:windowEnd])
	if idx := strings.Index(window, strings.ToLower(remaining)); idx != -1 {
		return anchor, checkStart + idx + len(remaining), true
	}
	return 0, 0, false
}

// ExtractEvidenceSpans finds the evidence passage in the note and wraps it
// as spans carrying the actual note text at that location.
func ExtractEvidenceSpans(noteText, evidenceText, promptType string) []EvidenceSpan {
	if evidenceText == "" || noteText == "" {
		return nil
	}
	start, end, ok := FindEvidence(noteText, evidenceText)
	if !ok {
		return nil
	}
	return []EvidenceSpan{{
		Start:      start,
		End:        end,
		Text:       noteText[start:end],
		PromptType: promptType,
	}}
}
