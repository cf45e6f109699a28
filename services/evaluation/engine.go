// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluation compares predicted annotations against expected
// annotations.
//
// # Description
//
// Three comparison layers are provided. Whole-string evaluation combines
// exact matching (Unicode NFKC normalized, case insensitive) with TF-IDF
// cosine similarity and structured value extraction (dates, measurements,
// key-value pairs, enumerations). Special-case evaluation short-circuits
// absent annotations (both empty, false positive, false negative) before
// falling back to whole-string evaluation. Field-level evaluation parses
// the output format template of a prompt into typed placeholders and
// compares each filled-in field independently.
//
// # Thread Safety
//
// All functions in this package are pure and safe for concurrent use.
package evaluation

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// highSimilarityThreshold is the cosine similarity at which two
// annotations count as matching even without an exact string match.
const highSimilarityThreshold = 0.8

var trailingPunctRe = regexp.MustCompile(`[.,;:!?]+$`)

// NormalizeString normalizes text for comparison: Unicode NFKC, lowercase,
// surrounding whitespace stripped. With removeTrailingPunctuation, trailing
// sentence punctuation is also dropped for more flexible matching.
func NormalizeString(text string, removeTrailingPunctuation bool) string {
	if text == "" {
		return ""
	}
	s := strings.ToLower(strings.TrimSpace(norm.NFKC.String(text)))
	if removeTrailingPunctuation {
		s = strings.TrimSpace(trailingPunctRe.ReplaceAllString(s, ""))
	}
	return s
}

// ExactMatch reports whether two annotations are equal after
// normalization. Trailing punctuation differences are tolerated.
func ExactMatch(expected, predicted string) bool {
	ne := NormalizeString(expected, false)
	np := NormalizeString(predicted, false)
	if ne == "" && np == "" {
		return true
	}
	if ne == "" || np == "" {
		return false
	}
	if ne == np {
		return true
	}
	nef := NormalizeString(expected, true)
	npf := NormalizeString(predicted, true)
	return nef == npf && nef != ""
}

// tokenRe mirrors the default TF-IDF vectorizer token pattern: word
// characters, length two or more.
var tokenRe = regexp.MustCompile(`\b\w\w+\b`)

func tokenize(text string) []string {
	return tokenRe.FindAllString(strings.ToLower(text), -1)
}

// CosineSimilarity computes TF-IDF cosine similarity between two strings
// over a two-document corpus with smoothed IDF and L2 normalization.
// Both empty yields 1.0, exactly one empty yields 0.0.
func CosineSimilarity(expected, predicted string) float64 {
	if expected == "" && predicted == "" {
		return 1.0
	}
	if expected == "" || predicted == "" {
		return 0.0
	}

	tokA := tokenize(expected)
	tokB := tokenize(predicted)
	if len(tokA) == 0 || len(tokB) == 0 {
		if ExactMatch(expected, predicted) {
			return 1.0
		}
		return 0.0
	}

	countA := map[string]int{}
	countB := map[string]int{}
	for _, t := range tokA {
		countA[t]++
	}
	for _, t := range tokB {
		countB[t]++
	}

	// idf = ln((1+n)/(1+df)) + 1 with n = 2 documents.
	idf := func(term string) float64 {
		df := 0
		if countA[term] > 0 {
			df++
		}
		if countB[term] > 0 {
			df++
		}
		return math.Log(3.0/float64(1+df)) + 1
	}

	vocab := map[string]struct{}{}
	for t := range countA {
		vocab[t] = struct{}{}
	}
	for t := range countB {
		vocab[t] = struct{}{}
	}

	var dot, normA, normB float64
	for term := range vocab {
		w := idf(term)
		a := float64(countA[term]) * w
		b := float64(countB[term]) * w
		dot += a * b
		normA += a * a
		normB += b * b
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ===== Structured value extraction =====

var datePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{4}`),
}

// ExtractDates returns unique date strings found in the text, in order of
// first appearance across the supported patterns.
func ExtractDates(text string) []string {
	seen := map[string]struct{}{}
	var dates []string
	for _, re := range datePatterns {
		for _, m := range re.FindAllString(text, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			dates = append(dates, m)
		}
	}
	return dates
}

// NumberWithUnit is a measurement like "110 mm" or "50 Gy".
type NumberWithUnit struct {
	Value string
	Unit  string
}

var numberUnitRe = regexp.MustCompile(`(?i)(\d+\.?\d*)\s*(mm|cm|Gy|HPF|years|years\.|cycles|fractions|fr\.?|mg/m2)`)

// ExtractNumbersWithUnits extracts measurements, lowercasing the unit.
func ExtractNumbersWithUnits(text string) []NumberWithUnit {
	var out []NumberWithUnit
	for _, m := range numberUnitRe.FindAllStringSubmatch(text, -1) {
		out = append(out, NumberWithUnit{Value: m[1], Unit: strings.ToLower(m[2])})
	}
	return out
}

// KeyValuePair is a "key: value" or "key [value]" construct.
type KeyValuePair struct {
	Key   string
	Value string
}

var keyValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`([^:]+):\s*([^\n,;]+)`),
	regexp.MustCompile(`([^\[]+)\[\s*([^\]]+)\]`),
}

// ExtractKeyValuePairs extracts labeled values from annotation text.
func ExtractKeyValuePairs(text string) []KeyValuePair {
	var pairs []KeyValuePair
	for _, re := range keyValuePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			key := strings.TrimSpace(m[1])
			value := strings.TrimSpace(m[2])
			if key != "" && value != "" {
				pairs = append(pairs, KeyValuePair{Key: key, Value: value})
			}
		}
	}
	return pairs
}

// ExtractEnumerationValues splits semicolon or comma separated lists.
// Comma lists only count as enumerations when every part is short enough
// to not be a sentence fragment.
func ExtractEnumerationValues(text string) []string {
	if strings.Contains(text, ";") {
		var values []string
		for _, v := range strings.Split(text, ";") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		if len(values) > 1 {
			return values
		}
	}
	if strings.Contains(text, ",") {
		parts := strings.Split(text, ",")
		var values []string
		short := true
		for _, v := range parts {
			v = strings.TrimSpace(v)
			if utf8.RuneCountInString(v) >= 50 {
				short = false
				break
			}
			values = append(values, v)
		}
		if short && len(values) > 1 {
			return values
		}
	}
	return nil
}

// StructuredValues holds all extracted value groups for one annotation.
type StructuredValues struct {
	Dates            []string
	NumbersWithUnits []NumberWithUnit
	KeyValuePairs    []KeyValuePair
	Enumerations     []string
}

// ExtractStructuredValues runs every extractor over the annotation text.
func ExtractStructuredValues(text string) StructuredValues {
	return StructuredValues{
		Dates:            ExtractDates(text),
		NumbersWithUnits: ExtractNumbersWithUnits(text),
		KeyValuePairs:    ExtractKeyValuePairs(text),
		Enumerations:     ExtractEnumerationValues(text),
	}
}

// ValueDetail reports the comparison of one extracted value group.
type ValueDetail struct {
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Predicted string `json:"predicted"`
	Match     bool   `json:"match"`
}

type valueComparison struct {
	totalValues   int
	valuesMatched int
	details       []ValueDetail
}

func stringSet(values []string) map[string]struct{} {
	s := map[string]struct{}{}
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func joinSorted(s map[string]struct{}) string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// compareValues compares each value group by set equality.
func compareValues(expected, predicted StructuredValues) valueComparison {
	var cmp valueComparison
	record := func(field string, exp, pred map[string]struct{}) {
		if len(exp) == 0 && len(pred) == 0 {
			return
		}
		match := setsEqual(exp, pred)
		cmp.totalValues++
		if match {
			cmp.valuesMatched++
		}
		cmp.details = append(cmp.details, ValueDetail{
			Field:     field,
			Expected:  joinSorted(exp),
			Predicted: joinSorted(pred),
			Match:     match,
		})
	}

	record("dates", stringSet(expected.Dates), stringSet(predicted.Dates))

	numberKeys := func(nums []NumberWithUnit) map[string]struct{} {
		s := map[string]struct{}{}
		for _, n := range nums {
			s[n.Value+" "+n.Unit] = struct{}{}
		}
		return s
	}
	record("numbers_with_units", numberKeys(expected.NumbersWithUnits), numberKeys(predicted.NumbersWithUnits))

	pairKeys := func(pairs []KeyValuePair) map[string]struct{} {
		s := map[string]struct{}{}
		for _, p := range pairs {
			s[NormalizeString(p.Key, false)+": "+NormalizeString(p.Value, false)] = struct{}{}
		}
		return s
	}
	record("key_value_pairs", pairKeys(expected.KeyValuePairs), pairKeys(predicted.KeyValuePairs))

	enumKeys := func(values []string) map[string]struct{} {
		s := map[string]struct{}{}
		for _, v := range values {
			s[NormalizeString(v, false)] = struct{}{}
		}
		return s
	}
	record("enumerations", enumKeys(expected.Enumerations), enumKeys(predicted.Enumerations))

	return cmp
}

// Result is the outcome of evaluating one predicted annotation.
type Result struct {
	NoteID              string           `json:"note_id,omitempty"`
	PromptType          string           `json:"prompt_type,omitempty"`
	ExactMatch          bool             `json:"exact_match"`
	SimilarityScore     float64          `json:"similarity_score"`
	HighSimilarity      bool             `json:"high_similarity"`
	OverallMatch        bool             `json:"overall_match"`
	ExpectedAnnotation  string           `json:"expected_annotation"`
	PredictedAnnotation string           `json:"predicted_annotation"`
	TotalValues         int              `json:"total_values"`
	ValuesMatched       int              `json:"values_matched"`
	ValueMatchRate      *float64         `json:"value_match_rate"`
	ValueDetails        []ValueDetail    `json:"value_details"`
	MatchType           string           `json:"match_type,omitempty"`
	FieldEvaluation     *FieldEvaluation `json:"field_evaluation,omitempty"`
	MergedDates         []string         `json:"merged_dates,omitempty"`
}

// Evaluate performs whole-string evaluation. An annotation matches when
// it is an exact match or when similarity reaches the high-similarity
// threshold.
func Evaluate(expected, predicted, noteID, promptType string) *Result {
	isExact := ExactMatch(expected, predicted)
	similarity := CosineSimilarity(expected, predicted)
	cmp := compareValues(ExtractStructuredValues(expected), ExtractStructuredValues(predicted))

	highSimilarity := similarity >= highSimilarityThreshold
	r := &Result{
		NoteID:              noteID,
		PromptType:          promptType,
		ExactMatch:          isExact,
		SimilarityScore:     round4(similarity),
		HighSimilarity:      highSimilarity,
		OverallMatch:        isExact || highSimilarity,
		ExpectedAnnotation:  expected,
		PredictedAnnotation: predicted,
		TotalValues:         cmp.totalValues,
		ValuesMatched:       cmp.valuesMatched,
		ValueDetails:        cmp.details,
	}
	if cmp.totalValues > 0 {
		rate := round4(float64(cmp.valuesMatched) / float64(cmp.totalValues))
		r.ValueMatchRate = &rate
	}
	return r
}

// Summary aggregates evaluation results over a batch.
type Summary struct {
	Total                int      `json:"total"`
	ExactMatches         int      `json:"exact_matches"`
	ExactMatchRate       float64  `json:"exact_match_rate"`
	HighSimilarityCount  int      `json:"high_similarity_matches"`
	HighSimilarityRate   float64  `json:"high_similarity_rate"`
	OverallMatches       int      `json:"overall_matches"`
	OverallMatchRate     float64  `json:"overall_match_rate"`
	AvgSimilarity        float64  `json:"avg_similarity"`
	AvgValueMatchRate    *float64 `json:"avg_value_match_rate"`
}

// BatchEvaluate aggregates statistics over a set of results.
func BatchEvaluate(results []*Result) Summary {
	var s Summary
	if len(results) == 0 {
		return s
	}
	s.Total = len(results)

	var similaritySum float64
	var rateSum float64
	rateCount := 0
	for _, r := range results {
		if r.ExactMatch {
			s.ExactMatches++
		}
		if r.HighSimilarity {
			s.HighSimilarityCount++
		}
		if r.OverallMatch {
			s.OverallMatches++
		}
		similaritySum += r.SimilarityScore
		if r.ValueMatchRate != nil {
			rateSum += *r.ValueMatchRate
			rateCount++
		}
	}

	total := float64(s.Total)
	s.ExactMatchRate = round4(float64(s.ExactMatches) / total)
	s.HighSimilarityRate = round4(float64(s.HighSimilarityCount) / total)
	s.OverallMatchRate = round4(float64(s.OverallMatches) / total)
	s.AvgSimilarity = round4(similaritySum / total)
	if rateCount > 0 {
		avg := round4(rateSum / float64(rateCount))
		s.AvgValueMatchRate = &avg
	}
	return s
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
