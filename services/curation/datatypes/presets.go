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

// Preset is a saved report-type-to-prompt-types mapping scoped to a
// center.
type Preset struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Center            string              `json:"center"`
	Description       string              `json:"description,omitempty"`
	ReportTypeMapping map[string][]string `json:"report_type_mapping"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

// PresetCreate is the body of a preset creation request.
type PresetCreate struct {
	Name              string              `json:"name" binding:"required"`
	Center            string              `json:"center" binding:"required"`
	Description       string              `json:"description"`
	ReportTypeMapping map[string][]string `json:"report_type_mapping" binding:"required"`
}

// PresetUpdate patches a preset. Nil fields are left untouched.
type PresetUpdate struct {
	Name              *string             `json:"name"`
	Description       *string             `json:"description"`
	ReportTypeMapping map[string][]string `json:"report_type_mapping"`
}
