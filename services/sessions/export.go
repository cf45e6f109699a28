// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCurate/services/icdo3"
	"github.com/AleutianAI/AleutianCurate/services/prompts"
)

// exportSource tags every exported row with its provenance.
const exportSource = "NLP_LLM"

// dataTypeDate is the verbatim type label the downstream pipeline
// expects for date variables.
const dataTypeDate = "date in the ISO format ISO8601  https://en.wikipedia.org/wiki/ISO_8601"

// diagnosisMergeVars are folded into a single Diagnosis.diagnosisCode
// row in the coded export.
var diagnosisMergeVars = map[string]struct{}{
	"Diagnosis.histologySubgroup": {},
	"Diagnosis.subsite":           {},
}

// predefinedCoreVariables maps prompt types without an entity mapping
// onto their data-model variable. Bare keys cover prompts before the
// center suffix was introduced.
var predefinedCoreVariables = map[string]string{
	"histological-tipo-int":        "Diagnosis.histologySubgroup",
	"histological":                 "Diagnosis.histologySubgroup",
	"tumorsite-int":                "Diagnosis.subsite",
	"tumorsite":                    "Diagnosis.subsite",
	"biopsygrading-int":            "Diagnosis.grading",
	"biopsygrading":                "Diagnosis.grading",
	"ageatdiagnosis-int":           "Diagnosis.ageAtDiagnosis",
	"ageatdiagnosis":               "Diagnosis.ageAtDiagnosis",
	"tumorbiopsytype-int":          "Diagnosis.typeOfBiopsy",
	"tumorbiopsytype":              "Diagnosis.typeOfBiopsy",
	"biopsymitoticcount-int":       "Diagnosis.biopsyMitoticCount",
	"biopsymitoticcount":           "Diagnosis.biopsyMitoticCount",
	"tumordepth-int":               "Diagnosis.tumourDepth",
	"tumordiameter-int":            "Diagnosis.tumourLongestDiameterClinical",
	"tumordiameter":                "Diagnosis.tumourLongestDiameterClinical",
	"necrosis_in_biopsy-int":       "Diagnosis.necrosisInBiopsy",
	"necrosis_in_biopsy":           "Diagnosis.necrosisInBiopsy",
	"stage_at_diagnosis-int":       "Diagnosis.stageAtDiagnosis",
	"stage_at_diagnosis":           "Diagnosis.stageAtDiagnosis",
	"gender-int":                   "Patient.sex",
	"gender":                       "Patient.sex",
	"patient-bmi":                  "Patient.bmi",
	"patient-weightheight":         "Patient.bmi",
	"patient-status-int":           "PatientFollowUp.statusAtLastFollowUp",
	"patient-status":               "PatientFollowUp.statusAtLastFollowUp",
	"last_contact_date":            "PatientFollowUp.lastContact",
	"surgerymargins-int":           "Surgery.marginsAfterSurgery",
	"surgerymargins":               "Surgery.marginsAfterSurgery",
	"surgerytype-fs30-int":         "Surgery.surgeryType",
	"surgerytype":                  "Surgery.surgeryType",
	"surgical-specimen-grading-int": "Surgery.surgicalSpecimenGrading",
	"surgical-mitotic-count-int":   "Surgery.surgicalSpecimenMitoticCount",
	"necrosis_in_surgical-int":     "Surgery.necrosisInSurgicalSpecimen",
	"necrosis_in_surgical":         "Surgery.necrosisInSurgicalSpecimen",
	"reexcision-int":               "Surgery.reExcision",
	"chemotherapy_start-int":       "SystemicTreatment.startDateSystemicTreatment",
	"chemotherapy_start":           "SystemicTreatment.startDateSystemicTreatment",
	"chemotherapy_end-int":         "SystemicTreatment.endDateSystemicTreatment",
	"chemotherapy_end":             "SystemicTreatment.endDateSystemicTreatment",
	"response-to-int":              "SystemicTreatment.treatmentResponse",
	"radiotherapy_start-int":       "Radiotherapy.startDate",
	"radiotherapy_start":           "Radiotherapy.startDate",
	"radiotherapy_end-int":         "Radiotherapy.endDate",
	"radiotherapy_end":             "Radiotherapy.endDate",
	"recur_or_prog-int":            "EpisodeEvent.diseaseStatus",
	"recur_or_prog":                "EpisodeEvent.diseaseStatus",
	"recurrencetype-int":           "EpisodeEvent.recurrenceType",
	"recurrencetype":               "EpisodeEvent.recurrenceType",
	"previous_cancer_treatment-int": "CancerEpisode.previousCancerTreatment",
	"previous_cancer_treatment":    "CancerEpisode.previousCancerTreatment",
	"occurrence_cancer-int":        "CancerEpisode.occurrenceOfOtherCancer",
	"occurrence_cancer":            "CancerEpisode.occurrenceOfOtherCancer",
}

// Row is one exported annotation, keyed for the downstream pipeline.
// NoteID and PromptType are internal and never written to the CSV.
type Row struct {
	NoteID       string
	PromptType   string
	PatientID    string
	CoreVariable string
	DateRef      string
	Value        string
	RecordID     int
	Types        string
	ICDO3Code    string
	Entity       string
}

// Exporter turns session annotations into pipeline CSV. Prompts supplies
// entity mappings; Resolver is optional and codes CodeableConcept values
// in the coded export.
type Exporter struct {
	Prompts  *prompts.Library
	Resolver *icdo3.Resolver
}

// coreVariables merges library entity mappings over the predefined
// table. Library mappings win.
func (e *Exporter) coreVariables() map[string]string {
	mapping := map[string]string{}
	for k, v := range predefinedCoreVariables {
		mapping[k] = v
	}
	if e.Prompts == nil {
		return mapping
	}
	centers, err := e.Prompts.Centers()
	if err != nil {
		slog.Warn("listing prompt centers for export failed", "error", err)
		return mapping
	}
	for _, center := range centers {
		list, err := e.Prompts.List(center)
		if err != nil {
			slog.Warn("listing prompts for export failed", "center", center, "error", err)
			continue
		}
		for _, p := range list {
			if p.Mapping == nil {
				continue
			}
			for _, fm := range p.Mapping.FieldMappings {
				if fm.EntityType != "" && fm.FieldName != "" {
					mapping[p.Type] = fm.EntityType + "." + fm.FieldName
					break
				}
			}
		}
	}
	return mapping
}

// valueCodeLookup collects per-prompt value to code tables from the
// library's field mappings.
func (e *Exporter) valueCodeLookup() map[string]map[string]string {
	lookup := map[string]map[string]string{}
	if e.Prompts == nil {
		return lookup
	}
	centers, err := e.Prompts.Centers()
	if err != nil {
		return lookup
	}
	for _, center := range centers {
		list, err := e.Prompts.List(center)
		if err != nil {
			continue
		}
		for _, p := range list {
			if p.Mapping == nil {
				continue
			}
			for _, fm := range p.Mapping.FieldMappings {
				if len(fm.ValueCodeMappings) > 0 {
					lookup[p.Type] = fm.ValueCodeMappings
					break
				}
			}
		}
	}
	return lookup
}

var (
	genderValueRe = regexp.MustCompile(`(?is)^Patient's gender\s+(.+?)\.?\s*$`)
	colonValueRe  = regexp.MustCompile(`(?is)^[^:]+:\s*(.+?)\.?\s*$`)
)

// extractValue pulls the bare value out of a template-formatted
// annotation, e.g. "Biopsy grading (FNCLCC): 3." yields "3".
func extractValue(annotationText string) string {
	text := strings.TrimSpace(annotationText)
	if text == "" {
		return ""
	}
	for _, re := range []*regexp.Regexp{genderValueRe, colonValueRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m[1]), "."))
		}
	}
	return strings.TrimRight(text, ".")
}

var (
	dayFirstDateRe = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}$`)
	isoDatePrefixRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})`)
)

// normalizeExportDate coerces dates to DD/MM/YYYY, the format the
// downstream pipeline ingests.
func normalizeExportDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if dayFirstDateRe.MatchString(raw) {
		return raw
	}
	if m := isoDatePrefixRe.FindStringSubmatch(raw); m != nil {
		return m[3] + "/" + m[2] + "/" + m[1]
	}
	datePart := raw
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		datePart = raw[:i]
	}
	for _, layout := range []string{"2006-01-02", "2/1/2006", "1/2/2006"} {
		if t, err := time.Parse(layout, datePart); err == nil {
			return t.Format("02/01/2006")
		}
	}
	return raw
}

// dataTypeFor classifies a core variable by its field name.
func dataTypeFor(coreVariable string) string {
	field := coreVariable
	if i := strings.LastIndex(coreVariable, "."); i >= 0 {
		field = coreVariable[i+1:]
	}
	field = strings.ToLower(field)

	switch {
	case containsAny(field, "date", "lastcontact", "startdate", "enddate"):
		return dataTypeDate
	case containsAny(field, "age", "count", "number", "cycles"):
		return "Integer"
	case containsAny(field, "bmi", "diameter", "dose", "fractions"):
		return "float"
	case containsAny(field, "rupture", "hyperthermia", "completed"):
		return "boolean"
	}
	switch field {
	case "patient", "cancerepisode", "episodeevent", "systemictreatment":
		return "reference"
	}
	if containsAny(field, "hospital", "location", "doneby", "definedat") {
		return "String"
	}
	return "CodeableConcept"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func entityOf(coreVariable string) string {
	if entity, _, ok := strings.Cut(coreVariable, "."); ok {
		return entity
	}
	return coreVariable
}

// Rows flattens a session's annotations into export rows. Record ids
// group rows sharing (patient, entity, date); iteration follows the
// session's note order so ids are stable across exports.
func (e *Exporter) Rows(session *Session) []Row {
	coreVars := e.coreVariables()

	notesByID := map[string]*Note{}
	var noteOrder []string
	for i := range session.Notes {
		note := &session.Notes[i]
		notesByID[note.NoteID] = note
		if _, ok := session.Annotations[note.NoteID]; ok {
			noteOrder = append(noteOrder, note.NoteID)
		}
	}
	var extras []string
	for noteID := range session.Annotations {
		if _, ok := notesByID[noteID]; !ok {
			extras = append(extras, noteID)
		}
	}
	sort.Strings(extras)
	noteOrder = append(noteOrder, extras...)

	recordIDs := map[[3]string]int{}
	nextRecordID := 0

	var rows []Row
	for _, noteID := range noteOrder {
		note := notesByID[noteID]
		if note == nil {
			// CSV re-uploads sometimes re-key notes; fall back to a
			// containment match before giving up on note metadata.
			for nid, n := range notesByID {
				if strings.Contains(nid, noteID) || strings.Contains(noteID, nid) {
					note = n
					break
				}
			}
		}
		patientID, noteDate := "", ""
		if note != nil {
			patientID = note.PatientID
			noteDate = normalizeExportDate(note.Date)
		}

		byPrompt := session.Annotations[noteID]
		promptTypes := make([]string, 0, len(byPrompt))
		for pt := range byPrompt {
			promptTypes = append(promptTypes, pt)
		}
		sort.Strings(promptTypes)

		for _, promptType := range promptTypes {
			ann := byPrompt[promptType]
			if strings.TrimSpace(ann.AnnotationText) == "" {
				continue
			}

			coreVariable, ok := coreVars[promptType]
			if !ok {
				coreVariable = promptType
			}
			entity := entityOf(coreVariable)

			dateRef := noteDate
			if ann.DateInfo != nil && ann.DateInfo.DateValue != "" {
				dateRef = normalizeExportDate(ann.DateInfo.DateValue)
			}

			key := [3]string{patientID, entity, dateRef}
			recordID, ok := recordIDs[key]
			if !ok {
				nextRecordID++
				recordID = nextRecordID
				recordIDs[key] = recordID
			}

			code := ""
			if ann.ICDO3Code != nil {
				code = ann.ICDO3Code.Code
			}

			rows = append(rows, Row{
				NoteID:       noteID,
				PromptType:   promptType,
				PatientID:    patientID,
				CoreVariable: coreVariable,
				DateRef:      dateRef,
				Value:        extractValue(ann.AnnotationText),
				RecordID:     recordID,
				Types:        dataTypeFor(coreVariable),
				ICDO3Code:    code,
				Entity:       entity,
			})
		}
	}
	return rows
}

var labelColumns = []string{
	"patient_id", "original_source", "core_variable", "date_ref",
	"value", "record_id", "linked_to", "quality", "types",
	"icdo3_code", "entity",
}

// WriteLabels streams the label export CSV.
func (e *Exporter) WriteLabels(w io.Writer, session *Session) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(labelColumns); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}
	for _, row := range e.Rows(session) {
		record := []string{
			row.PatientID, exportSource, row.CoreVariable, row.DateRef,
			row.Value, strconv.Itoa(row.RecordID), "", "", row.Types,
			row.ICDO3Code, row.Entity,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

var codedColumns = []string{
	"patient_id", "original_source", "core_variable", "date_ref",
	"value", "record_id", "linked_to", "quality", "types",
	"icdo3_code", "entity", "match_confidence", "match_method",
}

// WriteCoded streams the coded export CSV. Histology and topography rows
// merge into one Diagnosis.diagnosisCode row carrying the unified
// ICD-O-3 code; other CodeableConcept values resolve through the
// prompt's value code mappings, then the dictionary resolver. Values
// that stay unresolved are prefixed with UNRESOLVED::.
func (e *Exporter) WriteCoded(w io.Writer, session *Session) error {
	valueCodes := e.valueCodeLookup()

	cw := csv.NewWriter(w)
	if err := cw.Write(codedColumns); err != nil {
		return fmt.Errorf("write export header: %w", err)
	}

	diagDone := map[string]struct{}{}
	for _, row := range e.Rows(session) {
		if _, merge := diagnosisMergeVars[row.CoreVariable]; merge {
			if _, done := diagDone[row.NoteID]; done {
				continue
			}
			diagDone[row.NoteID] = struct{}{}

			queryCode := ""
			if unified := session.UnifiedICDO3Codes[row.NoteID]; unified != nil {
				queryCode = unified.QueryCode
			}
			value, confidence, method := "UNRESOLVED::no_unified_icdo3_code", 0.0, "unresolved"
			if queryCode != "" {
				value, confidence, method = queryCode, 1.0, "unified_icdo3"
			}
			record := []string{
				row.PatientID, exportSource, "Diagnosis.diagnosisCode", row.DateRef,
				value, strconv.Itoa(row.RecordID), "", "", "CodeableConcept",
				queryCode, "Diagnosis",
				formatConfidence(confidence), method,
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("write export row: %w", err)
			}
			continue
		}

		value := row.Value
		confidence, method := "", ""
		if row.Types == "CodeableConcept" {
			if code, ok := valueCodes[row.PromptType][row.Value]; ok {
				value, confidence, method = code, "1", "value_code_mapping"
			} else if e.Resolver != nil {
				codeID, conf, m := e.Resolver.Resolve(row.Value, row.CoreVariable)
				if codeID != "" {
					value = codeID
				} else {
					value = "UNRESOLVED::" + row.Value
				}
				confidence, method = formatConfidence(conf), m
			} else {
				value = "UNRESOLVED::" + row.Value
				confidence, method = "0", "unresolved"
			}
		}
		record := []string{
			row.PatientID, exportSource, row.CoreVariable, row.DateRef,
			value, strconv.Itoa(row.RecordID), "", "", row.Types,
			row.ICDO3Code, row.Entity,
			confidence, method,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'g', -1, 64)
}
