// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newTestResultsStore(t *testing.T) *ResultsStore {
	t.Helper()
	store, err := OpenResultsStore(filepath.Join(t.TempDir(), "pipeline_results.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestParseTableComma(t *testing.T) {
	table, err := ParseTable([]byte("a,b,c\n1,2,3\n4,5,6\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(table.Header, []string{"a", "b", "c"}) {
		t.Errorf("header = %v", table.Header)
	}
	if len(table.Rows) != 2 || table.Rows[1][2] != "6" {
		t.Errorf("rows = %v", table.Rows)
	}
}

func TestParseTableSemicolon(t *testing.T) {
	table, err := ParseTable([]byte("note_id;text;date\nn1;free text, with a comma;2023-05-12\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Header) != 3 {
		t.Fatalf("header = %v", table.Header)
	}
	if table.Rows[0][1] != "free text, with a comma" {
		t.Errorf("cell = %q", table.Rows[0][1])
	}
}

func TestParseTablePadsRaggedRows(t *testing.T) {
	table, err := ParseTable([]byte("a,b,c\n1,2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(table.Rows[0], []string{"1", "2", ""}) {
		t.Errorf("row = %v", table.Rows[0])
	}
}

func TestResultsRoundtrip(t *testing.T) {
	store := newTestResultsStore(t)
	ctx := context.Background()

	in := &Table{
		Header: []string{"note_id", "value"},
		Rows:   [][]string{{"n1", "Grade 2"}, {"n2", "with \"quotes\""}},
	}
	if err := store.Store(ctx, "t1", "quality_check", in); err != nil {
		t.Fatal(err)
	}

	out, err := store.Load(ctx, "t1", "quality_check")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("roundtrip = %+v", out)
	}

	var buf bytes.Buffer
	if err := store.WriteCSV(ctx, "t1", "quality_check", &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "note_id,value\n") {
		t.Errorf("csv = %q", buf.String())
	}
}

func TestResultsStoreReplaces(t *testing.T) {
	store := newTestResultsStore(t)
	ctx := context.Background()

	first := &Table{Header: []string{"a"}, Rows: [][]string{{"1"}, {"2"}}}
	second := &Table{Header: []string{"a", "b"}, Rows: [][]string{{"9", "8"}}}
	if err := store.Store(ctx, "t1", "linked_data", first); err != nil {
		t.Fatal(err)
	}
	if err := store.Store(ctx, "t1", "linked_data", second); err != nil {
		t.Fatal(err)
	}

	out, err := store.Load(ctx, "t1", "linked_data")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, second) {
		t.Errorf("after replace = %+v", out)
	}
}

func TestResultsMissing(t *testing.T) {
	store := newTestResultsStore(t)
	ctx := context.Background()

	if _, err := store.Load(ctx, "t1", "quality_check"); !errors.Is(err, ErrNoResults) {
		t.Errorf("missing table err = %v", err)
	}

	empty := &Table{Header: []string{"a"}}
	if err := store.Store(ctx, "t1", "quality_check", empty); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "t1", "quality_check"); !errors.Is(err, ErrNoResults) {
		t.Errorf("empty table err = %v", err)
	}
}
