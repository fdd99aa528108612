// Copyright 2025 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agentfs/internal/storage"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.agentfs")
	store, err := storage.Create(path, storage.Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRecorder(store)
}

func TestRecordAndList(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	start := time.Now()
	if err := r.Record(ctx, "write_file", `{"path":"/a"}`, start, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := r.Record(ctx, "read_file", `{"path":"/b"}`, start, errors.New("no such file")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	calls, err := r.Calls(ctx, 0)
	if err != nil {
		t.Fatalf("Calls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	// newest first
	if calls[0].Tool != "read_file" {
		t.Errorf("calls[0].Tool = %q", calls[0].Tool)
	}
	if calls[0].Status != StatusError || calls[0].Error != "no such file" {
		t.Errorf("error record = %+v", calls[0])
	}
	if calls[1].Status != StatusSuccess || calls[1].Error != "" {
		t.Errorf("success record = %+v", calls[1])
	}
	if calls[1].Params != `{"path":"/a"}` {
		t.Errorf("params = %q", calls[1].Params)
	}
}

func TestCallsLimit(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := r.Record(ctx, "stat", "", time.Now(), nil); err != nil {
			t.Fatal(err)
		}
	}
	calls, err := r.Calls(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Errorf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID <= calls[1].ID {
		t.Error("expected descending IDs")
	}
}

func TestStats(t *testing.T) {
	r := newTestRecorder(t)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := r.Record(ctx, "write_file", "", start, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Record(ctx, "write_file", "", start, errors.New("quota")); err != nil {
		t.Fatal(err)
	}
	if err := r.Record(ctx, "mkdir", "", start, nil); err != nil {
		t.Fatal(err)
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d stats", len(stats))
	}
	// sorted by tool name
	if stats[0].Tool != "mkdir" || stats[1].Tool != "write_file" {
		t.Errorf("order = %q, %q", stats[0].Tool, stats[1].Tool)
	}
	if stats[1].Calls != 4 {
		t.Errorf("write_file calls = %d, want 4", stats[1].Calls)
	}
	if stats[1].Errors != 1 {
		t.Errorf("write_file errors = %d, want 1", stats[1].Errors)
	}
	if stats[0].Calls != 1 || stats[0].Errors != 0 {
		t.Errorf("mkdir stat = %+v", stats[0])
	}
	if stats[1].MaxDuration < stats[1].AvgDuration {
		t.Error("max duration should be at least the average")
	}
}

func TestStatsEmpty(t *testing.T) {
	r := newTestRecorder(t)
	stats, err := r.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Errorf("got %d stats for empty log", len(stats))
	}
}
