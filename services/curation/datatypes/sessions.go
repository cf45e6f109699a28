// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "github.com/AleutianAI/AleutianCurate/services/annotation"

// SessionAnnotationsUpdate replaces the stored annotation map of a
// session, keyed note_id then prompt_type.
type SessionAnnotationsUpdate struct {
	Annotations map[string]map[string]annotation.Result `json:"annotations" binding:"required"`
}

// SessionMetadataUpdate patches session metadata. Nil fields are left
// untouched.
type SessionMetadataUpdate struct {
	Name              *string             `json:"name"`
	ReportTypeMapping map[string][]string `json:"report_type_mapping"`
}

// SessionPromptTypesUpdate adds or removes prompt types on a session.
type SessionPromptTypesUpdate struct {
	PromptTypes []string `json:"prompt_types" binding:"required"`
}
