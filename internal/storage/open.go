package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// Store is the persistence API used by the task engine and the realtime hub.
type Store interface {
	UpsertTask(ctx context.Context, r TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error)

	AppendLog(ctx context.Context, e LogEntry) error
	QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error)
	// PruneLogs deletes entries older than before and reports how many went.
	PruneLogs(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func sortTasks(rs []TaskRecord) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
}

func sortLogs(es []LogEntry) {
	sort.SliceStable(es, func(i, j int) bool { return es[i].At.After(es[j].At) })
}

func limitTasks(rs []TaskRecord, n int) []TaskRecord {
	if n > 0 && len(rs) > n {
		return rs[:n]
	}
	return rs
}

func limitLogs(es []LogEntry, n int) []LogEntry {
	if n > 0 && len(es) > n {
		return es[:n]
	}
	return es
}
