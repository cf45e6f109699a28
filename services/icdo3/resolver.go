// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package icdo3

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
)

// coreVariableToCategory maps export core variables onto the categories of
// the code dictionary. Category strings must match the dictionary text,
// trailing spaces included.
var coreVariableToCategory = map[string]string{
	"Patient.sex":                                "Sex",
	"Patient.race":                               "Race",
	"Patient.smoking":                            "Smoking",
	"Patient.alcohol":                            "Alcohol",
	"Patient.ecogPs":                             "ECOG PS label",
	"Patient.karnofsyIndex":                      "Karnofsy index label",
	"Patient.otherGeneticSyndrome":               "Other Genetic syndrome",
	"Diagnosis.histology":                        "Histology",
	"Diagnosis.histologyGroup":                   "Histology group",
	"Diagnosis.histologySubgroup":                "Histology subgroup",
	"Diagnosis.subsite":                          "Subsite",
	"Diagnosis.site":                             "Site",
	"Diagnosis.tumourDepth":                      "Deep depth ",
	"Diagnosis.typeOfBiopsy":                     "Type of biopsy",
	"Diagnosis.grading":                          "Grading",
	"Diagnosis.stageAtDiagnosis":                 "Clinical Staging",
	"Diagnosis.cT":                               "cT",
	"Diagnosis.cN":                               "cN",
	"Diagnosis.cM":                               "cM",
	"Diagnosis.pT":                               "pT",
	"Diagnosis.pN":                               "pN",
	"Diagnosis.pM":                               "pM",
	"Diagnosis.pathologicalStaging":              "Pathological staging",
	"Diagnosis.extraNodalExtension":              "Extra-nodal extension (rEne)",
	"Diagnosis.crpTested":                        "CRP – C reactive protein tested ",
	"Diagnosis.otherImagingForMetastasis":        "Other imaging for metastasis",
	"Surgery.surgeryType":                        "Surgery type",
	"Surgery.intent":                             "Intent",
	"Surgery.typeOfSurgicalApproach":             "Type of surgical approach on Tumour",
	"Surgery.marginsAfterSurgery":                "Margins after surgery",
	"Surgery.lateralityOfDissection":             "Laterality of the dissection",
	"Surgery.surgicalComplications":              "Surgical complications (Clavien-Dindo Classification)",
	"Surgery.surgicalSpecimenGrading":            "Grading",
	"Surgery.necrosisInSurgicalSpecimen":         "Necrosis",
	"Surgery.reExcision":                         "Re-excision",
	"SystemicTreatment.typeOfSystemicTreatment":  "type of systemic treatment",
	"SystemicTreatment.setting":                  "Setting",
	"SystemicTreatment.chemotherapyInfo":         "Chemotherapy info",
	"SystemicTreatment.regimen":                  "Regimen",
	"SystemicTreatment.treatmentResponse":        "Overall Treatment response (based on imaging alone; no recist or other criteria)",
	"SystemicTreatment.reasonForEndOfTreatment":  "Reason for end of treatment",
	"Radiotherapy.setting":                       "Setting",
	"Radiotherapy.beamQuality":                   "Beam quality",
	"Radiotherapy.treatmentTechnique":            "Treatment technique",
	"Radiotherapy.treatmentCompleted":            "RT Treatment Completed as Planned?",
	"EpisodeEvent.diseaseStatus":                 "Disease status",
	"EpisodeEvent.recurrenceType":                "Recurrence type",
	"PatientFollowUp.statusAtLastFollowUp":       "Status of patient at last follow-up",
	"CancerEpisode.previousCancerTreatment":      "Previous cancer treatment",
	"CancerEpisode.adverseEventDuration":         "Adverse event duration",
}

var embeddedCodeRe = regexp.MustCompile(`[\(\[]\d{4}/\d[\)\]]`)

// normalizeLabel prepares a label for comparison: lowercase, embedded code
// patterns like (8805/3) stripped, trailing punctuation removed, whitespace
// collapsed.
func normalizeLabel(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = embeddedCodeRe.ReplaceAllString(t, "")
	t = strings.TrimRight(t, ".;,")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(t, " "))
}

// Resolver maps free-text annotation values onto coded identifiers from a
// {code_id: "Category - Label"} dictionary.
type Resolver struct {
	// index is {normalized category: {normalized label: code_id}}.
	index map[string]map[string]string
	// labelOrder preserves dictionary insertion order per category for
	// deterministic tie-breaking.
	labelOrder map[string][]string
}

// NewResolver loads the dictionary file.
func NewResolver(dictPath string) (*Resolver, error) {
	raw, err := os.ReadFile(dictPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDictionaryMissing, dictPath)
	}
	entries := map[string]string{}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", dictPath, err)
	}
	return NewResolverFromEntries(entries), nil
}

// NewResolverFromEntries builds a Resolver from an already loaded
// dictionary.
func NewResolverFromEntries(entries map[string]string) *Resolver {
	r := &Resolver{
		index:      map[string]map[string]string{},
		labelOrder: map[string][]string{},
	}
	for codeID, description := range entries {
		category, label, ok := strings.Cut(description, " - ")
		if !ok {
			continue
		}
		catNorm := normalizeLabel(category)
		labelNorm := normalizeLabel(label)
		if r.index[catNorm] == nil {
			r.index[catNorm] = map[string]string{}
		}
		if _, exists := r.index[catNorm][labelNorm]; !exists {
			r.labelOrder[catNorm] = append(r.labelOrder[catNorm], labelNorm)
		}
		r.index[catNorm][labelNorm] = codeID
	}
	return r
}

// Resolve maps a value for a core variable to a code ID. Method is one of
// exact, contains, fuzzy, unresolved. Containment prefers the longest
// matching label; fuzzy matches need a ratio of at least 0.75.
func (r *Resolver) Resolve(value, coreVariable string) (codeID string, confidence float64, method string) {
	category, ok := coreVariableToCategory[coreVariable]
	if !ok {
		return "", 0, "unresolved"
	}
	catNorm := normalizeLabel(category)
	labels := r.index[catNorm]
	if len(labels) == 0 {
		return "", 0, "unresolved"
	}
	valNorm := normalizeLabel(value)
	if valNorm == "" {
		return "", 0, "unresolved"
	}

	if code, ok := labels[valNorm]; ok {
		return code, 1.0, "exact"
	}

	bestLen := 0
	bestCode := ""
	for _, label := range r.labelOrder[catNorm] {
		if strings.Contains(valNorm, label) || strings.Contains(label, valNorm) {
			if len(label) > bestLen {
				bestLen = len(label)
				bestCode = labels[label]
			}
		}
	}
	if bestCode != "" {
		return bestCode, 0.9, "contains"
	}

	bestRatio := 0.0
	bestCode = ""
	for _, label := range r.labelOrder[catNorm] {
		if ratio := sequenceRatio(valNorm, label); ratio > bestRatio {
			bestRatio = ratio
			bestCode = labels[label]
		}
	}
	if bestRatio >= 0.75 && bestCode != "" {
		return bestCode, math.Round(bestRatio*1000) / 1000, "fuzzy"
	}
	return "", 0, "unresolved"
}

// Category returns the dictionary category for a core variable, if mapped.
func Category(coreVariable string) (string, bool) {
	c, ok := coreVariableToCategory[coreVariable]
	return c, ok
}
