package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot of the task table)
//   - <prefix>.tasks.journal.jsonl (append-only task upserts)
//   - <prefix>.logs.jsonl          (append-only log entries)
//
// The task journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	tasks        map[string]TaskRecord
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	logsPath string
	logs     *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		tasks:        map[string]TaskRecord{},
		snapshotPath: prefix + ".tasks.snapshot.json",
		logsPath:     prefix + ".logs.jsonl",
		compactEvery: 1000,
	}
	journalPath := prefix + ".tasks.journal.jsonl"

	if err := loadTaskSnapshot(s.snapshotPath, s.tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayTaskJournal(journalPath, s.tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	lf, err := os.OpenFile(s.logsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.logs = lf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.logs != nil {
		errs = append(errs, s.logs.Close())
		s.logs = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) UpsertTask(ctx context.Context, r TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.tasks[r.ID] = r
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *fileStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	s.mu.Lock()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, r := range s.tasks {
		if f.match(r) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortTasks(out)
	return limitTasks(out, f.Limit), nil
}

func (s *fileStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.logs).Encode(e)
}

func (s *fileStore) QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LogEntry
	err := scanLogs(s.logsPath, func(e LogEntry) {
		if q.match(e) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, err
	}
	sortLogs(out)
	return limitLogs(out, q.Limit), nil
}

// PruneLogs rewrites the log file without entries older than before.
func (s *fileStore) PruneLogs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs == nil {
		return 0, ErrClosed
	}

	tmp := s.logsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	removed := 0
	err = scanLogs(s.logsPath, func(e LogEntry) {
		if e.At.Before(before) {
			removed++
			return
		}
		_ = enc.Encode(e)
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	_ = s.logs.Close()
	if err := os.Rename(tmp, s.logsPath); err != nil {
		return 0, err
	}
	s.logs, err = os.OpenFile(s.logsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadTaskSnapshot(path string, out map[string]TaskRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]TaskRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayTaskJournal(path string, out map[string]TaskRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r TaskRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out[r.ID] = r
	}
	return sc.Err()
}

func scanLogs(path string, fn func(LogEntry)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}
