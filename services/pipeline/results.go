// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNoResults marks a job/stage pair with no stored output.
var ErrNoResults = errors.New("no results stored")

// Table is a tabular stage payload. All cells are strings; typing is the
// stage commands' concern, not the runtime's.
type Table struct {
	Header []string
	Rows   [][]string
}

// Empty reports whether the table has no data rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// ParseTable reads CSV bytes into a Table, sniffing the delimiter among
// the separators upstream exports actually use.
func ParseTable(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("parse csv: no header row")
	}
	t := &Table{Header: records[0]}
	for _, rec := range records[1:] {
		// Ragged rows are padded so every row matches the header.
		if len(rec) < len(t.Header) {
			padded := make([]string, len(t.Header))
			copy(padded, rec)
			rec = padded
		}
		t.Rows = append(t.Rows, rec[:len(t.Header)])
	}
	return t, nil
}

// sniffDelimiter picks the candidate separator occurring most often in
// the header line.
func sniffDelimiter(data []byte) rune {
	line, _, _ := strings.Cut(string(data), "\n")
	best, bestCount := ',', 0
	for _, cand := range []rune{',', ';', '\t', '|'} {
		if n := strings.Count(line, string(cand)); n > bestCount {
			best, bestCount = cand, n
		}
	}
	return best
}

// MarshalCSV writes the table as comma separated values.
func (t *Table) MarshalCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return err
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ResultsStore persists stage outputs, one table per job and stage.
type ResultsStore struct {
	db *sql.DB
}

// OpenResultsStore opens (and if needed creates) the results database.
func OpenResultsStore(path string) (*ResultsStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &ResultsStore{db: db}, nil
}

// Close releases the underlying database.
func (s *ResultsStore) Close() error {
	return s.db.Close()
}

func resultsTableName(taskID, stepName string) string {
	return fmt.Sprintf("%s_%s", taskID, stepName)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Store replaces the stored output of one job stage.
func (s *ResultsStore) Store(ctx context.Context, taskID, stepName string, t *Table) error {
	if t == nil || len(t.Header) == 0 {
		return fmt.Errorf("store results for %s/%s: empty table", taskID, stepName)
	}
	name := quoteIdent(resultsTableName(taskID, stepName))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store results for %s/%s: %w", taskID, stepName, err)
	}
	defer tx.Rollback()

	cols := make([]string, len(t.Header))
	for i, h := range t.Header {
		cols[i] = quoteIdent(h) + " TEXT"
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("store results for %s/%s: %w", taskID, stepName, err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+name+" ("+strings.Join(cols, ", ")+")"); err != nil {
		return fmt.Errorf("store results for %s/%s: %w", taskID, stepName, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(t.Header)), ", ")
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+name+" VALUES ("+placeholders+")")
	if err != nil {
		return fmt.Errorf("store results for %s/%s: %w", taskID, stepName, err)
	}
	defer stmt.Close()

	for _, row := range t.Rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("store results for %s/%s: %w", taskID, stepName, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store results for %s/%s: %w", taskID, stepName, err)
	}
	return nil
}

// Load reads the stored output of one job stage. Returns ErrNoResults
// when the stage table is missing or holds no rows.
func (s *ResultsStore) Load(ctx context.Context, taskID, stepName string) (*Table, error) {
	name := quoteIdent(resultsTableName(taskID, stepName))
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+name)
	if err != nil {
		// A missing table is indistinguishable from a job that never
		// reached this stage, so both surface as ErrNoResults.
		return nil, ErrNoResults
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("load results for %s/%s: %w", taskID, stepName, err)
	}
	t := &Table{Header: header}
	for rows.Next() {
		cells := make([]sql.NullString, len(header))
		args := make([]any, len(header))
		for i := range cells {
			args[i] = &cells[i]
		}
		if err := rows.Scan(args...); err != nil {
			return nil, fmt.Errorf("load results for %s/%s: %w", taskID, stepName, err)
		}
		row := make([]string, len(header))
		for i, c := range cells {
			row[i] = c.String
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load results for %s/%s: %w", taskID, stepName, err)
	}
	if t.Empty() {
		return nil, ErrNoResults
	}
	return t, nil
}

// WriteCSV streams one job stage's stored output as CSV.
func (s *ResultsStore) WriteCSV(ctx context.Context, taskID, stepName string, w io.Writer) error {
	t, err := s.Load(ctx, taskID, stepName)
	if err != nil {
		return err
	}
	return t.MarshalCSV(w)
}
