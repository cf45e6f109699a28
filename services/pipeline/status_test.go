// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStatusStore(t *testing.T) *StatusStore {
	t.Helper()
	store, err := OpenStatusStore(filepath.Join(t.TempDir(), "pipeline_status.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStatusUpdatePreservesStartedAt(t *testing.T) {
	store := newTestStatusStore(t)
	ctx := context.Background()

	if err := store.Update(ctx, "t1", "Queued", 0, ""); err != nil {
		t.Fatal(err)
	}
	first, found, err := store.Get(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("get after insert: found=%v err=%v", found, err)
	}
	if first.StartedAt == "" {
		t.Fatal("started_at not stamped on insert")
	}

	if err := store.Update(ctx, "t1", "Completed", 100, "done"); err != nil {
		t.Fatal(err)
	}
	second, _, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if second.Step != "Completed" || second.Progress != 100 || second.Result != "done" {
		t.Errorf("status = %+v", second)
	}
	if second.StartedAt != first.StartedAt {
		t.Errorf("started_at changed: %q -> %q", first.StartedAt, second.StartedAt)
	}
}

func TestStatusGetMissing(t *testing.T) {
	store := newTestStatusStore(t)
	_, found, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("missing task reported as found")
	}
}

func TestStatusRecent(t *testing.T) {
	store := newTestStatusStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Update(ctx, id, "Queued", 0, ""); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].TaskID != "c" || recent[1].TaskID != "b" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestLogs(t *testing.T) {
	store := newTestStatusStore(t)
	ctx := context.Background()
	if err := store.Update(ctx, "t1", "Queued", 0, ""); err != nil {
		t.Fatal(err)
	}

	log := store.TaskLogger("t1")
	log.Infof("loaded %d rows", 7)
	log.Warnf("missing column %s", "p_id")

	entries, err := store.Logs(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	seen := map[string]string{}
	for _, e := range entries {
		seen[e.Level] = e.Message
	}
	if seen["INFO"] != "loaded 7 rows" {
		t.Errorf("info entry = %q", seen["INFO"])
	}
	if seen["WARNING"] != "missing column p_id" {
		t.Errorf("warning entry = %q", seen["WARNING"])
	}

	other, err := store.Logs(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("logs for unknown task = %+v", other)
	}
}
