// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package icdo3

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testDictionary = `Query,Morphology,Topography,NAME
8805/3-C49.2,8805/3,C49.2,"Undifferentiated sarcoma of soft tissue of lower limb"
8805/3-C71.7,8805/3,C71.7,"Undifferentiated sarcoma of brain stem"
8802/3-C49.2,8802/3,C49.2,"Pleomorphic sarcoma of soft tissue of lower limb"
8840/3-C49.1,8840/3,C49.1,"Myxoid sarcoma of soft tissue of upper limb"
`

func testIndexer(t *testing.T) *Indexer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diagnosis-codes-list.csv")
	if err := os.WriteFile(path, []byte(testDictionary), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewIndexer(path)
}

func TestResolveExactQueryCode(t *testing.T) {
	x := testIndexer(t)
	candidates, err := x.Resolve(ResolveQuery{QueryCode: "8805/3-C49.2"}, 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("no candidates")
	}
	if candidates[0].Method != "exact" || candidates[0].Score != 1.0 {
		t.Errorf("best = %+v, want exact/1.0", candidates[0])
	}
	if candidates[0].Row.Query != "8805/3-C49.2" {
		t.Errorf("best row = %+v", candidates[0].Row)
	}
}

func TestResolveCombinedBeatsSingleAxis(t *testing.T) {
	x := testIndexer(t)
	candidates, err := x.Resolve(ResolveQuery{MorphologyCode: "8805/3", TopographyCode: "C71.7"}, 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(candidates) < 2 {
		t.Fatalf("got %d candidates, want at least combined + morphology", len(candidates))
	}
	if candidates[0].Method != "combined" || candidates[0].Score != 0.9 {
		t.Errorf("best = %+v, want combined/0.9", candidates[0])
	}
	if candidates[0].Row.Query != "8805/3-C71.7" {
		t.Errorf("best row = %+v", candidates[0].Row)
	}
	for _, c := range candidates[1:] {
		if c.Score >= candidates[0].Score {
			t.Errorf("candidate %+v not below combined score", c)
		}
	}
}

func TestResolveMorphologyScoreCap(t *testing.T) {
	x := testIndexer(t)
	candidates, err := x.Resolve(ResolveQuery{MorphologyCode: "8805/3", TopographyText: "brain stem"}, 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, c := range candidates {
		if c.Method == "morphology" && c.Score > 0.75 {
			t.Errorf("morphology score %v exceeds cap", c.Score)
		}
	}
}

func TestResolveTextOnly(t *testing.T) {
	x := testIndexer(t)
	candidates, err := x.Resolve(ResolveQuery{HistologyText: "myxoid sarcoma"}, 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("no candidates for text search")
	}
	if candidates[0].Method != "text" {
		t.Errorf("method = %q, want text", candidates[0].Method)
	}
	if candidates[0].Row.Query != "8840/3-C49.1" {
		t.Errorf("best row = %+v", candidates[0].Row)
	}
	if candidates[0].Score > 0.6 {
		t.Errorf("text score %v exceeds cap", candidates[0].Score)
	}
}

func TestResolveMissingDictionary(t *testing.T) {
	x := NewIndexer(filepath.Join(t.TempDir(), "nope.csv"))
	if _, err := x.Resolve(ResolveQuery{QueryCode: "8805/3-C49.2"}, 5); !errors.Is(err, ErrDictionaryMissing) {
		t.Errorf("err = %v, want ErrDictionaryMissing", err)
	}
}

func TestSearchScoringTiers(t *testing.T) {
	x := testIndexer(t)

	results, err := x.Search("8805/3-C49.2", "", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].MatchScore != 1.0 {
		t.Errorf("exact code search = %+v", results)
	}

	results, err = x.Search("8805/3", "", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].MatchScore != 0.95 {
		t.Errorf("morphology code search best = %+v", results)
	}

	results, err = x.Search("Myxoid sarcoma", "", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].QueryCode != "8840/3-C49.1" {
		t.Errorf("name search = %+v", results)
	}
}

func TestSearchFilters(t *testing.T) {
	x := testIndexer(t)
	results, err := x.Search("sarcoma", "8805", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.MorphologyCode != "8805/3" {
			t.Errorf("filter leaked: %+v", r)
		}
	}
}

func TestValidate(t *testing.T) {
	x := testIndexer(t)

	v, err := x.Validate("8805/3", "C49.2")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.Valid || v.QueryCode != "8805/3-C49.2" || v.Name == "" {
		t.Errorf("valid combination = %+v", v)
	}

	v, err = x.Validate("8840/3", "C71.7")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid {
		t.Errorf("invalid combination reported valid: %+v", v)
	}
	if !v.MorphologyValid || !v.TopographyValid {
		t.Errorf("individual axis validity lost: %+v", v)
	}
}

func TestCrossAxisLookups(t *testing.T) {
	x := testIndexer(t)

	topos, err := x.TopographiesFor("8805/3", 50)
	if err != nil {
		t.Fatalf("TopographiesFor: %v", err)
	}
	if len(topos) != 2 || topos[0].TopographyCode != "C49.2" || topos[1].TopographyCode != "C71.7" {
		t.Errorf("topographies = %+v, want sorted C49.2, C71.7", topos)
	}

	morphs, err := x.MorphologiesFor("C49.2", 50)
	if err != nil {
		t.Fatalf("MorphologiesFor: %v", err)
	}
	if len(morphs) != 2 || morphs[0].MorphologyCode != "8802/3" {
		t.Errorf("morphologies = %+v, want sorted 8802/3 first", morphs)
	}
}
