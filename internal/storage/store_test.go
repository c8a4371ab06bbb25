package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "store.json")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "store.db")
	case "redis":
		addr := os.Getenv("TGPRO_TEST_REDIS_ADDR")
		if addr == "" {
			t.Skip("TGPRO_TEST_REDIS_ADDR not set")
		}
		cfg.Addr = addr
		cfg.Prefix = "tgpro-test:" + time.Now().Format("150405.000000") + ":"
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var drivers = []string{"memory", "file", "sqlite", "redis"}

func TestStoreTaskUpsertAndList(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openForTest(t, driver)
			ctx := context.Background()
			base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

			for i, id := range []string{"a", "b", "c"} {
				r := TaskRecord{
					ID:         id,
					Kind:       "message_sending",
					Status:     "pending",
					Priority:   5,
					Parameters: map[string]any{"template_id": "t1"},
					Progress:   map[string]any{"percentage": 0.0, "stage": "created"},
					CreatedAt:  base.Add(time.Duration(i) * time.Second),
					UpdatedAt:  base.Add(time.Duration(i) * time.Second),
				}
				if err := st.UpsertTask(ctx, r); err != nil {
					t.Fatalf("UpsertTask(%s) error: %v", id, err)
				}
			}

			upd, err := st.GetTask(ctx, "b")
			if err != nil {
				t.Fatalf("GetTask error: %v", err)
			}
			upd.Status = "completed"
			upd.Results = map[string]any{"sent_count": 2.0}
			upd.UpdatedAt = time.Now()
			if err := st.UpsertTask(ctx, upd); err != nil {
				t.Fatalf("UpsertTask update error: %v", err)
			}

			got, err := st.GetTask(ctx, "b")
			if err != nil {
				t.Fatalf("GetTask error: %v", err)
			}
			if got.Status != "completed" || got.Results["sent_count"] != 2.0 {
				t.Fatalf("update lost: %+v", got)
			}
			if got.Parameters["template_id"] != "t1" {
				t.Fatalf("parameters lost: %+v", got.Parameters)
			}

			all, err := st.ListTasks(ctx, TaskFilter{})
			if err != nil {
				t.Fatalf("ListTasks error: %v", err)
			}
			if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
				t.Fatalf("order = %v", ids(all))
			}

			pending, _ := st.ListTasks(ctx, TaskFilter{Status: "pending", Limit: 1})
			if len(pending) != 1 || pending[0].ID != "c" {
				t.Fatalf("filtered = %v", ids(pending))
			}

			if _, err := st.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetTask(missing) err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreLogsQueryAndPrune(t *testing.T) {
	t.Parallel()
	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openForTest(t, driver)
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)

			entries := []LogEntry{
				{At: now.Add(-3 * time.Hour), Level: "INFO", Message: "old"},
				{At: now.Add(-time.Minute), Level: "ERROR", Message: "recent error", Metadata: map[string]any{"task_id": "x"}},
				{At: now, Level: "INFO", Message: "newest"},
			}
			for _, e := range entries {
				if err := st.AppendLog(ctx, e); err != nil {
					t.Fatalf("AppendLog error: %v", err)
				}
			}

			got, err := st.QueryLogs(ctx, LogQuery{})
			if err != nil {
				t.Fatalf("QueryLogs error: %v", err)
			}
			if len(got) != 3 || got[0].Message != "newest" {
				t.Fatalf("logs = %+v", got)
			}

			errs, _ := st.QueryLogs(ctx, LogQuery{Level: "ERROR"})
			if len(errs) != 1 || errs[0].Metadata["task_id"] != "x" {
				t.Fatalf("error logs = %+v", errs)
			}

			n, err := st.PruneLogs(ctx, now.Add(-time.Hour))
			if err != nil {
				t.Fatalf("PruneLogs error: %v", err)
			}
			if n != 1 {
				t.Fatalf("pruned = %d, want 1", n)
			}
			left, _ := st.QueryLogs(ctx, LogQuery{Limit: 10})
			if len(left) != 2 {
				t.Fatalf("left = %d, want 2", len(left))
			}
		})
	}
}

func TestFileStoreSurvivesReopenAndCompaction(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	fs := st.(*fileStore)
	fs.compactEvery = 2

	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"one", "two", "three"} {
		if err := st.UpsertTask(ctx, TaskRecord{ID: id, Status: "pending", CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	all, _ := st.ListTasks(ctx, TaskFilter{})
	if len(all) != 3 {
		t.Fatalf("reopened tasks = %d, want 3", len(all))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func ids(rs []TaskRecord) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
