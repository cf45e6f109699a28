// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package icdo3 resolves free-text diagnoses to ICD-O-3 codes.
//
// # Description
//
// The dictionary is a CSV with columns Query (full code, e.g.
// "8805/3-C49.2"), Morphology ("8805/3"), Topography ("C49.2") and NAME
// (human label). Indexer builds four in-memory indexes over it and ranks
// candidate codes for extracted histology and site terms. Extractor drives
// an LLM to pull search terms out of a note; Resolver maps annotation
// labels to identifiers from a code dictionary.
//
// # Thread Safety
//
// Indexer loads lazily under a mutex and is read-only afterwards; all
// operations are safe for concurrent use.
package icdo3

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrDictionaryMissing indicates the dictionary CSV cannot be read. Callers
// treat it as "no candidates available" rather than fatal.
var ErrDictionaryMissing = errors.New("diagnosis code dictionary missing")

// Row is one dictionary entry.
type Row struct {
	Query      string `json:"query_code"`
	Morphology string `json:"morphology_code"`
	Topography string `json:"topography_code"`
	Name       string `json:"name"`
}

// Candidate is a ranked dictionary match.
type Candidate struct {
	Row    Row     `json:"row"`
	Score  float64 `json:"score"`
	Method string  `json:"method"`
}

// ResolveQuery carries the search terms for candidate ranking. All fields
// are optional; empty queries yield no candidates.
type ResolveQuery struct {
	HistologyText  string
	TopographyText string
	MorphologyCode string
	TopographyCode string
	QueryCode      string
}

// SearchResult is one fuzzy search hit.
type SearchResult struct {
	QueryCode      string  `json:"query_code"`
	MorphologyCode string  `json:"morphology_code"`
	TopographyCode string  `json:"topography_code"`
	Name           string  `json:"name"`
	MatchScore     float64 `json:"match_score"`
}

// Validation reports whether a morphology + topography pair exists.
type Validation struct {
	Valid           bool   `json:"valid"`
	QueryCode       string `json:"query_code,omitempty"`
	Name            string `json:"name,omitempty"`
	MorphologyValid bool   `json:"morphology_valid"`
	TopographyValid bool   `json:"topography_valid"`
}

// CrossAxis is a valid code on the opposite axis of a lookup.
type CrossAxis struct {
	MorphologyCode string `json:"morphology_code,omitempty"`
	TopographyCode string `json:"topography_code,omitempty"`
	QueryCode      string `json:"query_code"`
	Name           string `json:"name"`
}

// Indexer indexes the dictionary CSV for fast lookup.
type Indexer struct {
	path string

	mu           sync.Mutex
	loaded       bool
	rows         []Row
	byQuery      map[string]int
	byMorphology map[string][]int
	byTopography map[string][]int
	byName       map[string][]int
}

// NewIndexer returns an Indexer over the given CSV path. The file is read
// on first use.
func NewIndexer(path string) *Indexer {
	return &Indexer{path: path}
}

// Load reads and indexes the CSV. Safe to call repeatedly.
func (x *Indexer) Load() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.loadLocked()
}

func (x *Indexer) loadLocked() error {
	if x.loaded {
		return nil
	}
	f, err := os.Open(x.path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDictionaryMissing, x.path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("%w: read header: %v", ErrDictionaryMissing, err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Query", "Morphology", "Topography", "NAME"} {
		if _, ok := col[required]; !ok {
			return fmt.Errorf("%w: missing column %q", ErrDictionaryMissing, required)
		}
	}

	x.byQuery = map[string]int{}
	x.byMorphology = map[string][]int{}
	x.byTopography = map[string][]int{}
	x.byName = map[string][]int{}

	field := func(record []string, name string) string {
		i := col[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read row: %v", ErrDictionaryMissing, err)
		}
		row := Row{
			Query:      field(record, "Query"),
			Morphology: field(record, "Morphology"),
			Topography: field(record, "Topography"),
			Name:       field(record, "NAME"),
		}
		idx := len(x.rows)
		x.rows = append(x.rows, row)
		if row.Query != "" {
			x.byQuery[row.Query] = idx
		}
		if row.Morphology != "" {
			x.byMorphology[row.Morphology] = append(x.byMorphology[row.Morphology], idx)
		}
		if row.Topography != "" {
			x.byTopography[row.Topography] = append(x.byTopography[row.Topography], idx)
		}
		if n := normalizeText(row.Name); n != "" {
			x.byName[n] = append(x.byName[n], idx)
		}
	}
	x.loaded = true
	slog.Info("Indexed diagnosis code dictionary",
		"path", x.path,
		"rows", len(x.rows),
		"query_codes", len(x.byQuery),
		"morphology_codes", len(x.byMorphology),
		"topography_codes", len(x.byTopography))
	return nil
}

func (x *Indexer) ensureLoaded() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.loadLocked()
}

// Resolve ranks at most n candidates for the query. Methods in decreasing
// weight: exact (1.0), combined (0.9), morphology (<=0.75), topography
// (<=0.65), text (<=0.6). Duplicate query codes keep their first, highest
// ranked entry; ties keep dictionary order.
func (x *Indexer) Resolve(q ResolveQuery, n int) ([]Candidate, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 5
	}

	type ranked struct {
		Candidate
		order int
	}
	seen := map[string]bool{}
	var out []ranked
	add := func(row Row, score float64, method string) {
		if row.Query == "" || seen[row.Query] {
			return
		}
		seen[row.Query] = true
		out = append(out, ranked{Candidate{Row: row, Score: score, Method: method}, len(out)})
	}

	if q.QueryCode != "" {
		if i, ok := x.byQuery[q.QueryCode]; ok {
			add(x.rows[i], 1.0, "exact")
		}
	}
	if q.MorphologyCode != "" && q.TopographyCode != "" {
		for _, i := range x.byMorphology[q.MorphologyCode] {
			if x.rows[i].Topography == q.TopographyCode {
				add(x.rows[i], 0.9, "combined")
			}
		}
	}
	if q.MorphologyCode != "" {
		for _, i := range x.byMorphology[q.MorphologyCode] {
			row := x.rows[i]
			score := 0.6
			if q.TopographyText != "" {
				score = max(score, 0.6+scoreTextSimilarity(q.TopographyText, row.Name)*0.15)
			}
			add(row, min(score, 0.75), "morphology")
		}
	}
	if q.TopographyCode != "" {
		for _, i := range x.byTopography[q.TopographyCode] {
			row := x.rows[i]
			score := 0.5
			if q.HistologyText != "" {
				score = max(score, 0.5+scoreTextSimilarity(q.HistologyText, row.Name)*0.15)
			}
			add(row, min(score, 0.65), "topography")
		}
	}
	for _, term := range []string{q.HistologyText, q.TopographyText} {
		if normalizeText(term) == "" {
			continue
		}
		for _, row := range x.rows {
			if row.Query == "" || seen[row.Query] {
				continue
			}
			textScore := scoreTextSimilarity(term, row.Name)
			if textScore < 0.3 {
				continue
			}
			add(row, min(0.3+textScore*0.3, 0.6), "text")
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].order < out[j].order
	})
	if len(out) > n {
		out = out[:n]
	}
	result := make([]Candidate, len(out))
	for i, r := range out {
		result[i] = r.Candidate
	}
	return result, nil
}

// Search finds codes by text or code fragment, optionally filtered by
// morphology and topography prefixes.
func (x *Indexer) Search(query, morphologyPrefix, topographyPrefix string, limit int) ([]SearchResult, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	queryLower := strings.ToLower(query)
	queryNorm := normalizeText(query)

	seen := map[string]bool{}
	var results []SearchResult
	for _, row := range x.rows {
		if row.Query == "" || seen[row.Query] {
			continue
		}
		if morphologyPrefix != "" && !strings.HasPrefix(row.Morphology, morphologyPrefix) {
			continue
		}
		if topographyPrefix != "" && !strings.HasPrefix(row.Topography, topographyPrefix) {
			continue
		}

		score := 0.0
		nameLower := strings.ToLower(row.Name)
		switch {
		case strings.ToLower(row.Query) == queryLower:
			score = 1.0
		case strings.ToLower(row.Morphology) == queryLower || strings.ToLower(row.Topography) == queryLower:
			score = 0.95
		case strings.Contains(strings.ToLower(row.Query), queryLower):
			score = 0.85
		case strings.Contains(strings.ToLower(row.Morphology), queryLower) || strings.Contains(strings.ToLower(row.Topography), queryLower):
			score = 0.8
		case queryLower == nameLower:
			score = 0.9
		case strings.HasPrefix(nameLower, queryLower):
			score = 0.75
		case strings.Contains(nameLower, queryLower):
			score = 0.5 + 0.2*float64(len(query))/float64(len(row.Name))
		case queryNorm != "" && strings.Contains(normalizeText(row.Name), queryNorm):
			score = 0.45 + 0.15*float64(len(queryNorm))/float64(len(normalizeText(row.Name)))
		default:
			queryWords := wordSet(queryLower)
			nameWords := wordSet(nameLower)
			common := 0
			for w := range queryWords {
				if nameWords[w] {
					common++
				}
			}
			if len(queryWords) > 0 && common > 0 {
				score = 0.3 * float64(common) / float64(len(queryWords))
			}
		}

		if score > 0 {
			seen[row.Query] = true
			results = append(results, SearchResult{
				QueryCode:      row.Query,
				MorphologyCode: row.Morphology,
				TopographyCode: row.Topography,
				Name:           row.Name,
				MatchScore:     score,
			})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].MatchScore > results[j].MatchScore })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Validate checks a morphology + topography combination against the
// dictionary.
func (x *Indexer) Validate(morphology, topography string) (Validation, error) {
	if err := x.ensureLoaded(); err != nil {
		return Validation{}, err
	}
	morphology = strings.TrimSpace(morphology)
	topography = strings.TrimSpace(topography)

	_, morphValid := x.byMorphology[morphology]
	_, topoValid := x.byTopography[topography]

	if morphology != "" && topography != "" {
		combined := morphology + "-" + topography
		if i, ok := x.byQuery[combined]; ok {
			return Validation{
				Valid:           true,
				QueryCode:       combined,
				Name:            x.rows[i].Name,
				MorphologyValid: true,
				TopographyValid: true,
			}, nil
		}
		for _, i := range x.byMorphology[morphology] {
			if x.rows[i].Topography == topography {
				return Validation{
					Valid:           true,
					QueryCode:       x.rows[i].Query,
					Name:            x.rows[i].Name,
					MorphologyValid: true,
					TopographyValid: true,
				}, nil
			}
		}
	}
	return Validation{
		MorphologyValid: morphology != "" && morphValid,
		TopographyValid: topography != "" && topoValid,
	}, nil
}

// TopographiesFor returns valid topography codes for a morphology, sorted.
func (x *Indexer) TopographiesFor(morphology string, limit int) ([]CrossAxis, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	morphology = strings.TrimSpace(morphology)
	if morphology == "" {
		return []CrossAxis{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	seen := map[string]bool{}
	var out []CrossAxis
	for _, i := range x.byMorphology[morphology] {
		row := x.rows[i]
		if row.Topography == "" || seen[row.Topography] {
			continue
		}
		seen[row.Topography] = true
		out = append(out, CrossAxis{TopographyCode: row.Topography, QueryCode: row.Query, Name: row.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TopographyCode < out[j].TopographyCode })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MorphologiesFor returns valid morphology codes for a topography, sorted.
func (x *Indexer) MorphologiesFor(topography string, limit int) ([]CrossAxis, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	topography = strings.TrimSpace(topography)
	if topography == "" {
		return []CrossAxis{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	seen := map[string]bool{}
	var out []CrossAxis
	for _, i := range x.byTopography[topography] {
		row := x.rows[i]
		if row.Morphology == "" || seen[row.Morphology] {
			continue
		}
		seen[row.Morphology] = true
		out = append(out, CrossAxis{MorphologyCode: row.Morphology, QueryCode: row.Query, Name: row.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MorphologyCode < out[j].MorphologyCode })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ===== Text scoring =====

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(text), " "))
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

// scoreTextSimilarity rates how well a search term matches a dictionary
// label. Substring containment dominates; otherwise a common-subsequence
// ratio is scaled down.
func scoreTextSimilarity(search, candidate string) float64 {
	searchNorm := normalizeText(search)
	candNorm := normalizeText(candidate)
	if searchNorm == "" || candNorm == "" {
		return 0
	}
	if strings.Contains(candNorm, searchNorm) {
		return 0.85 + 0.1*float64(len(searchNorm))/float64(len(candNorm))
	}
	if strings.Contains(searchNorm, candNorm) {
		return 0.75 + 0.1*float64(len(candNorm))/float64(len(searchNorm))
	}
	return sequenceRatio(searchNorm, candNorm) * 0.7
}

// sequenceRatio is 2*LCS/(len(a)+len(b)) over bytes, the classic similarity
// ratio.
func sequenceRatio(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(b)]
	return 2 * float64(lcs) / float64(len(a)+len(b))
}
