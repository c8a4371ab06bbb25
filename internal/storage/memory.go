package storage

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]TaskRecord
	logs   []LogEntry
	closed bool
}

func NewMemory() Store {
	return &memoryStore{tasks: map[string]TaskRecord{}}
}

func (s *memoryStore) UpsertTask(ctx context.Context, r TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks[r.ID] = r
	return nil
}

func (s *memoryStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.tasks[id]
	if !ok {
		return TaskRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *memoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	s.mu.RLock()
	out := make([]TaskRecord, 0, len(s.tasks))
	for _, r := range s.tasks {
		if f.match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sortTasks(out)
	return limitTasks(out, f.Limit), nil
}

func (s *memoryStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.logs = append(s.logs, e)
	return nil
}

func (s *memoryStore) QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	s.mu.RLock()
	out := make([]LogEntry, 0, len(s.logs))
	for _, e := range s.logs {
		if q.match(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sortLogs(out)
	return limitLogs(out, q.Limit), nil
}

func (s *memoryStore) PruneLogs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	for _, e := range s.logs {
		if !e.At.Before(before) {
			kept = append(kept, e)
		}
	}
	n := len(s.logs) - len(kept)
	s.logs = kept
	return n, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
