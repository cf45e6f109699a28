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
)

// StandardAbsenceIndicator is the canonical rendering every absence
// phrasing collapses to.
const StandardAbsenceIndicator = "Not applicable"

var absencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnot\s+(specified|available|applicable|mentioned|present|found)\b`),
	regexp.MustCompile(`(?i)\bunknown\b`),
	regexp.MustCompile(`(?i)\bno\s+(information|data|result|finding|value)\b`),
	regexp.MustCompile(`(?i)\binformation\s+not\s+available\b`),
	regexp.MustCompile(`(?i)\bnot\s+available\s+in\s+the\s+note\b`),
	regexp.MustCompile(`(?i)\[select\s+(result|value|intent|regimen|reason|where|date)\b`),
	regexp.MustCompile(`^\[.*\]$`),
}

var labelRe = regexp.MustCompile(`^(.+?):\s*.+$`)

func isAbsenceIndicator(text string) bool {
	if text == "" {
		return true
	}
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, re := range absencePatterns {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

// extractLabel pulls the label out of "Tumor depth: Not specified" style
// annotations. Labels that are themselves absence indicators don't count.
func extractLabel(text string) string {
	m := labelRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	label := strings.TrimSpace(m[1])
	if isAbsenceIndicator(label) {
		return ""
	}
	return label
}

// NormalizeAbsence rewrites absence phrasings to the standard indicator,
// preserving a leading label when the annotation is structured. Non-absence
// annotations pass through trimmed.
func NormalizeAbsence(annotationText string) string {
	text := strings.TrimSpace(annotationText)
	if text == "" {
		return ""
	}
	if !isAbsenceIndicator(text) {
		return text
	}
	if label := extractLabel(text); label != "" {
		return label + ": " + StandardAbsenceIndicator
	}
	return StandardAbsenceIndicator
}
