// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"testing"
)

func TestParseStructuredCleanJSON(t *testing.T) {
	raw := `{"evidence":"male","reasoning":"stated directly","final_output":"Patient's gender male.","is_negated":false,"date":null}`
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.FinalOutput != "Patient's gender male." {
		t.Errorf("final_output = %q, want %q", ann.FinalOutput, "Patient's gender male.")
	}
	if ann.Evidence != "male" {
		t.Errorf("evidence = %q, want %q", ann.Evidence, "male")
	}
	if ann.IsNegated {
		t.Error("is_negated = true, want false")
	}
	if ann.Date != nil {
		t.Errorf("date = %+v, want nil", ann.Date)
	}
}

func TestParseStructuredFencedBlock(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"evidence\":\"no metastasis\",\"reasoning\":\"negated finding\",\"final_output\":\"cM: cM0.\",\"is_negated\":true,\"date\":null}\n```\nDone."
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.FinalOutput != "cM: cM0." {
		t.Errorf("final_output = %q, want %q", ann.FinalOutput, "cM: cM0.")
	}
	if !ann.IsNegated {
		t.Error("is_negated = false, want true")
	}
}

func TestParseStructuredEmbeddedObject(t *testing.T) {
	raw := `The user wants an annotation. {"evidence":"grade 2","reasoning":"biopsy report","final_output":"Biopsy grading: Grade 2.","is_negated":false,"date":{"date_value":"15/01/2024","source":"extracted_from_text"}} Hope that helps.`
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.FinalOutput != "Biopsy grading: Grade 2." {
		t.Errorf("final_output = %q", ann.FinalOutput)
	}
	if ann.Date == nil || ann.Date.DateValue != "15/01/2024" {
		t.Errorf("date = %+v, want date_value 15/01/2024", ann.Date)
	}
	if ann.Date.Source != "extracted_from_text" {
		t.Errorf("date source = %q", ann.Date.Source)
	}
}

func TestParseStructuredArrayResponse(t *testing.T) {
	raw := `[{"evidence":"left thigh","reasoning":"site stated","final_output":"Tumor site: left thigh.","is_negated":false,"date":null}]`
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.FinalOutput != "Tumor site: left thigh." {
		t.Errorf("final_output = %q", ann.FinalOutput)
	}
}

func TestParseStructuredHeuristicFallback(t *testing.T) {
	// Unbalanced braces defeat the JSON paths; the field regexes still fire.
	raw := `"evidence": "deep to fascia", "reasoning": "depth stated", "final_output": "Tumor depth: deep."`
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.FinalOutput != "Tumor depth: deep." {
		t.Errorf("final_output = %q", ann.FinalOutput)
	}
	if ann.Evidence != "deep to fascia" {
		t.Errorf("evidence = %q", ann.Evidence)
	}
}

func TestParseStructuredPlainTextBecomesFinalOutput(t *testing.T) {
	raw := "Tumor depth: deep."
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.FinalOutput != "Tumor depth: deep." {
		t.Errorf("final_output = %q", ann.FinalOutput)
	}
}

func TestParseStructuredDateAsString(t *testing.T) {
	raw := `{"evidence":"","reasoning":"from csv","final_output":"Surgery date: 01/02/2023.","is_negated":false,"date":"01/02/2023"}`
	ann, err := ParseStructured(raw)
	if err != nil {
		t.Fatalf("ParseStructured returned error: %v", err)
	}
	if ann.Date == nil || ann.Date.DateValue != "01/02/2023" {
		t.Errorf("date = %+v", ann.Date)
	}
}

func TestParseStructuredEmpty(t *testing.T) {
	if _, err := ParseStructured("   "); err == nil {
		t.Error("expected error for empty response")
	}
}

type stubClient struct {
	response string
	err      error
	prompts  []string
}

func (s *stubClient) Generate(_ context.Context, prompt string, _ GenerationParams) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.response, s.err
}

func TestGenerateStructuredReturnsRaw(t *testing.T) {
	stub := &stubClient{response: `{"evidence":"e","reasoning":"r","final_output":"f","is_negated":false,"date":null}`}
	ann, raw, err := GenerateStructured(context.Background(), stub, "prompt", GenerationParams{})
	if err != nil {
		t.Fatalf("GenerateStructured returned error: %v", err)
	}
	if raw != stub.response {
		t.Errorf("raw = %q, want the untouched response", raw)
	}
	if ann.FinalOutput != "f" {
		t.Errorf("final_output = %q", ann.FinalOutput)
	}
}
