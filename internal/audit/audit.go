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

// Package audit records one row per public operation in the tool_calls
// table of the same database file, so the audit trail travels with the
// data. Aggregation happens in SQL, never by loading the log into memory.
package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/storage"
	"agentfs/internal/util"
)

// Statuses of an audit record.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Call is one recorded operation.
type Call struct {
	ID        int64
	Tool      string
	Params    string
	Status    string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Stat is the per-tool aggregate computed by the database.
type Stat struct {
	Tool          string
	Calls         int64
	Errors        int64
	TotalDuration time.Duration
	AvgDuration   time.Duration
	MaxDuration   time.Duration
}

// Recorder writes and reads audit records.
type Recorder struct {
	db     *storage.BunDB
	logger *log.Logger
}

// NewRecorder creates a Recorder over an open store.
func NewRecorder(store *storage.Store) *Recorder {
	return &Recorder{
		db:     store.BunDB(),
		logger: store.Logger(),
	}
}

// Record appends one audit row. opErr nil records a success, anything else
// an error with its message.
func (r *Recorder) Record(ctx context.Context, tool, params string, startedAt time.Time, opErr error) error {
	model := &storage.ToolCallModel{
		Tool:       tool,
		Params:     params,
		Status:     StatusSuccess,
		StartedAt:  startedAt.UnixNano(),
		DurationUS: time.Since(startedAt).Microseconds(),
	}
	if opErr != nil {
		model.Status = StatusError
		model.Error = opErr.Error()
	}
	return util.Retry(ctx, func() error {
		return r.db.InsertToolCall(ctx, model)
	}, util.DatabaseRetryOptions(ctx)...)
}

// Calls returns audit records newest first. limit <= 0 returns everything.
func (r *Recorder) Calls(ctx context.Context, limit int) ([]Call, error) {
	models, err := util.RetryWithResult(ctx, func() ([]storage.ToolCallModel, error) {
		return r.db.ListToolCalls(ctx, limit)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, err
	}
	calls := make([]Call, len(models))
	for i, m := range models {
		calls[i] = Call{
			ID:        m.ID,
			Tool:      m.Tool,
			Params:    m.Params,
			Status:    m.Status,
			Error:     m.Error,
			StartedAt: time.Unix(0, m.StartedAt),
			Duration:  time.Duration(m.DurationUS) * time.Microsecond,
		}
	}
	return calls, nil
}

// Stats aggregates the audit log per tool, sorted by tool name.
func (r *Recorder) Stats(ctx context.Context) ([]Stat, error) {
	rows, err := util.RetryWithResult(ctx, func() ([]storage.ToolCallStat, error) {
		return r.db.ToolCallStats(ctx)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, err
	}
	stats := make([]Stat, len(rows))
	for i, row := range rows {
		stats[i] = Stat{
			Tool:          row.Tool,
			Calls:         row.Calls,
			Errors:        row.Errors,
			TotalDuration: time.Duration(row.TotalDurationUS) * time.Microsecond,
			AvgDuration:   time.Duration(row.AvgDurationUS) * time.Microsecond,
			MaxDuration:   time.Duration(row.MaxDurationUS) * time.Microsecond,
		}
	}
	return stats, nil
}
