// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCenter(t *testing.T, root, center, content string) {
	t.Helper()
	dir := filepath.Join(root, center)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompts.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAdaptedSuffixesKeysPerCenter(t *testing.T) {
	root := t.TempDir()
	writeCenter(t, root, "INT", `{"biopsygrading": "Grade the biopsy.\n{{note_original_text}}"}`)
	writeCenter(t, root, "VGR", `{"biopsygrading": "Gradera biopsin.\n{{note_original_text}}"}`)

	lib := NewLibrary(root)
	adapted, err := lib.Adapted()
	if err != nil {
		t.Fatalf("Adapted: %v", err)
	}
	if len(adapted) != 2 {
		t.Fatalf("got %d prompts, want 2: %v", len(adapted), adapted)
	}
	intTemplate, ok := adapted["biopsygrading-int"]
	if !ok {
		t.Fatal("missing biopsygrading-int")
	}
	if !strings.Contains(intTemplate, "{note}") || strings.Contains(intTemplate, "{{note_original_text}}") {
		t.Errorf("placeholder not rewritten: %q", intTemplate)
	}
	if _, ok := adapted["biopsygrading-vgr"]; !ok {
		t.Error("missing biopsygrading-vgr")
	}
}

func TestAdaptTemplateRewrites(t *testing.T) {
	in := "Annotate.\n{static_samples}\n{few_shot_examples}\nNote: {{note_original_text}}\nAnnotation: {{annotation}}"
	got := AdaptTemplate(in)
	if strings.Contains(got, "{static_samples}") {
		t.Errorf("static_samples not removed: %q", got)
	}
	if !strings.Contains(got, "{fewshots}") {
		t.Errorf("few_shot_examples not rewritten: %q", got)
	}
	if strings.Contains(got, "{{annotation}}") {
		t.Errorf("annotation marker not removed: %q", got)
	}
	if !strings.Contains(got, "{note}") {
		t.Errorf("note placeholder not rewritten: %q", got)
	}
}

func TestAdaptTemplateConcisesVerboseReasoning(t *testing.T) {
	in := "Intro.\n# Reasoning Requirements (Traceability)\nFor every entity extracted, you MUST follow this internal logic:\n1. **Evidence**: find it.\n2. **Clinical Validation**: check it.\n3. **Inference**: map it.\nGenerate the response in a structured JSON format.\nTail."
	got := AdaptTemplate(in)
	if !strings.Contains(got, "Keep the reasoning field CONCISE") {
		t.Errorf("verbose reasoning block not replaced: %q", got)
	}
	if !strings.Contains(got, "Tail.") {
		t.Errorf("text after the block lost: %q", got)
	}
}

func TestCRUDRoundTrip(t *testing.T) {
	root := t.TempDir()
	lib := NewLibrary(root)

	if err := lib.CreateCenter("INT"); err != nil {
		t.Fatalf("CreateCenter: %v", err)
	}
	if err := lib.CreateCenter("INT"); !errors.Is(err, ErrCenterExists) {
		t.Errorf("duplicate center error = %v, want ErrCenterExists", err)
	}

	created, err := lib.Create(Prompt{Type: "tumordepth", Template: "Depth?", Center: "INT"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Type != "tumordepth-int" {
		t.Errorf("created type = %q, want suffixed", created.Type)
	}
	if _, err := lib.Create(Prompt{Type: "tumordepth-int", Template: "x", Center: "INT"}); !errors.Is(err, ErrPromptExists) {
		t.Errorf("duplicate create error = %v, want ErrPromptExists", err)
	}

	got, err := lib.Get("INT", "tumordepth-int")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Template != "Depth?" {
		t.Errorf("template = %q", got.Template)
	}

	if _, err := lib.Update("INT", "tumordepth-int", "Depth of tumor?", nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	renamed, err := lib.Rename("INT", "tumordepth-int", "depth")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed.Type != "depth-int" || renamed.Template != "Depth of tumor?" {
		t.Errorf("renamed = %+v", renamed)
	}
	if _, err := lib.Get("INT", "tumordepth-int"); !errors.Is(err, ErrPromptUnknown) {
		t.Errorf("old name lookup error = %v, want ErrPromptUnknown", err)
	}

	if err := lib.Delete("INT", "depth-int"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, err := lib.List("INT")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("list after delete = %+v", list)
	}
}

func TestSavedFileUsesBareKeys(t *testing.T) {
	root := t.TempDir()
	lib := NewLibrary(root)
	if _, err := lib.Create(Prompt{Type: "gender-int", Template: "Sex?", Center: "INT"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "INT", "prompts.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"gender"`) || strings.Contains(string(raw), `"gender-int"`) {
		t.Errorf("on-disk keys should be bare: %s", raw)
	}
}

func TestEntityMappingRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeCenter(t, root, "INT", `{"histology": {"template": "Histology?", "entity_mapping": {"entity_type": "Diagnosis", "field_mappings": [{"template_placeholder": "[value]", "entity_type": "Diagnosis", "field_name": "histologySubgroup"}]}}}`)

	lib := NewLibrary(root)
	got, err := lib.Get("INT", "histology-int")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Mapping == nil || got.Mapping.EntityType != "Diagnosis" {
		t.Fatalf("mapping = %+v", got.Mapping)
	}
	if len(got.Mapping.FieldMappings) != 1 || got.Mapping.FieldMappings[0].FieldName != "histologySubgroup" {
		t.Errorf("field mappings = %+v", got.Mapping.FieldMappings)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		template string
		want     Kind
	}{
		{"short plain", "Extract the patient's age from the note: {note}", Simple},
		{"mentions json", "Return JSON with the grade. {note}", Structured},
		{"input section", "Annotate.\n### Input:\n{note}\n### Response:", Structured},
		{"mentions evidence", "Quote the evidence for the grade. {note}", Structured},
		{"long template", strings.Repeat("Instructions. ", 60) + "{note}", Structured},
	}
	for _, tc := range cases {
		if got := Classify(tc.template); got != tc.want {
			t.Errorf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestWrapJSONFormatInsertsBeforeInput(t *testing.T) {
	template := "Annotate the note.\n### Input:\n{note}\n### Response:\nAnnotation: {{annotation}}"
	wrapped := WrapJSONFormat(template, "05/03/2024")

	inputIdx := strings.Index(wrapped, "### Input:")
	contractIdx := strings.Index(wrapped, "# Output Format (JSON)")
	if contractIdx < 0 || inputIdx < 0 || contractIdx > inputIdx {
		t.Fatalf("contract not inserted before input section:\n%s", wrapped)
	}
	if !strings.Contains(wrapped, "- CSV Date: 05/03/2024") {
		t.Error("csv date section missing")
	}
	if strings.Contains(wrapped, "### Response:\n") && !strings.Contains(wrapped, "### Response (JSON only, no other text):") {
		t.Error("response marker not rewritten")
	}
	if strings.Contains(wrapped, "{{annotation}}") {
		t.Error("annotation marker survived")
	}
}

func TestWrapJSONFormatAppendsWithoutInsertionPoint(t *testing.T) {
	wrapped := WrapJSONFormat("Annotate: {note}", "")
	if !strings.HasSuffix(strings.TrimSpace(wrapped), "### Response (JSON only, no other text):") {
		t.Errorf("appended contract missing response marker:\n%s", wrapped)
	}
}

func TestUpdatePlaceholders(t *testing.T) {
	prompt := "Note: {note}\nAlso: {{note_original_text}}\nDate: {{csv_date}}"
	got := UpdatePlaceholders(prompt, "the note text", "")
	if strings.Contains(got, "{note}") || strings.Contains(got, "{{note_original_text}}") {
		t.Errorf("note placeholders survived: %q", got)
	}
	if !strings.Contains(got, "Date: Not provided") {
		t.Errorf("missing csv date fallback: %q", got)
	}
	got = UpdatePlaceholders(prompt, "n", "12/12/2020")
	if !strings.Contains(got, "Date: 12/12/2020") {
		t.Errorf("csv date not substituted: %q", got)
	}
}
