package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertTask(ctx context.Context, r TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	params, progress, results, err := encodeMaps(r.Parameters, r.Progress, r.Results)
	if err != nil {
		return err
	}
	var eta any
	if r.EstimatedCompletion != nil {
		eta = r.EstimatedCompletion.UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, kind, status, priority, parameters, progress, results, error, created_at, updated_at, estimated_completion)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status,
		   progress=excluded.progress,
		   results=excluded.results,
		   error=excluded.error,
		   updated_at=excluded.updated_at,
		   estimated_completion=excluded.estimated_completion`,
		r.ID, r.Kind, r.Status, r.Priority, params, progress, results, nullStr(r.Error),
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), eta,
	)
	return err
}

const taskColumns = `id, kind, status, priority, parameters, progress, results, error, created_at, updated_at, estimated_completion`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var (
		r                         TaskRecord
		params, progress, results sql.NullString
		errStr                    sql.NullString
		created, updated          int64
		eta                       sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.Priority, &params, &progress, &results, &errStr, &created, &updated, &eta); err != nil {
		return TaskRecord{}, err
	}
	r.Error = errStr.String
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	if eta.Valid {
		t := time.Unix(0, eta.Int64)
		r.EstimatedCompletion = &t
	}
	var err error
	if r.Parameters, err = decodeMap(params); err != nil {
		return TaskRecord{}, err
	}
	if r.Progress, err = decodeMap(progress); err != nil {
		return TaskRecord{}, err
	}
	if r.Results, err = decodeMap(results); err != nil {
		return TaskRecord{}, err
	}
	return r, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	if s == nil || s.db == nil {
		return TaskRecord{}, ErrDisabled
	}
	r, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	meta, _, _, err := encodeMaps(e.Metadata, nil, nil)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logs(at, level, message, source, metadata) VALUES(?,?,?,?,?)`,
		e.At.UnixNano(), e.Level, e.Message, nullStr(e.Source), meta,
	)
	return err
}

func (s *sqliteStore) QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, q.Level)
	}
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	sqlq := `SELECT at, level, message, source, metadata FROM logs`
	if len(where) > 0 {
		sqlq += ` WHERE ` + strings.Join(where, " AND ")
	}
	sqlq += ` ORDER BY at DESC, id DESC`
	if q.Limit > 0 {
		sqlq += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e      LogEntry
			at     int64
			source sql.NullString
			meta   sql.NullString
		)
		if err := rows.Scan(&at, &e.Level, &e.Message, &source, &meta); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Source = source.String
		if e.Metadata, err = decodeMap(meta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneLogs(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// encodeMaps JSON-encodes up to three maps; nil maps become SQL NULL.
func encodeMaps(ms ...map[string]any) (a, b, c any, err error) {
	out := make([]any, 3)
	for i, m := range ms {
		if i >= len(out) || m == nil {
			continue
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, nil, nil, err
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], nil
}

func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
