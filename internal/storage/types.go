package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "" / "memory": in-process maps, nothing survives a restart
//   - "file": jsonl journals + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Addr/DB with keys under Prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string
	Password string
	DB       int
	Prefix   string
}

// TaskRecord is one row of the task table.
type TaskRecord struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"task_type"`
	Status              string         `json:"status"`
	Priority            int            `json:"priority"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	Progress            map[string]any `json:"progress,omitempty"`
	Results             map[string]any `json:"results,omitempty"`
	Error               string         `json:"error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
}

// TaskFilter narrows ListTasks. Empty Status matches all; Limit <= 0 means no limit.
type TaskFilter struct {
	Status string
	Limit  int
}

// LogEntry is one row of the log table.
type LogEntry struct {
	At       time.Time      `json:"timestamp"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LogQuery narrows QueryLogs. Results are newest first.
type LogQuery struct {
	Level string
	Since time.Time
	Limit int
}

func (f TaskFilter) match(r TaskRecord) bool {
	return f.Status == "" || f.Status == r.Status
}

func (q LogQuery) match(e LogEntry) bool {
	if q.Level != "" && q.Level != e.Level {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return true
}
