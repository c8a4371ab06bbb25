package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dygje/tgpro/internal/blacklist"
	"github.com/dygje/tgpro/internal/storage"
	"github.com/dygje/tgpro/internal/task/engine"
	logx "github.com/dygje/tgpro/pkg/logx"
)

// Maintenance operations accepted in the "operations" parameter.
const (
	opPruneLogs        = "prune_logs"
	opCleanupBlacklist = "cleanup_blacklist"
	opReapTasks        = "reap_tasks"
)

var defaultMaintenanceOps = []string{opPruneLogs, opCleanupBlacklist, opReapTasks}

// maintenance is the system_maintenance routine.
type maintenance struct {
	store        storage.Store
	list         blacklist.List
	engine       *engine.Service
	logRetention time.Duration
	now          func() time.Time
}

func maintenanceOps(params map[string]any) ([]string, error) {
	raw, ok := params["operations"]
	if !ok || raw == nil {
		return defaultMaintenanceOps, nil
	}
	var ops []string
	switch v := raw.(type) {
	case []string:
		ops = v
	case []any:
		for _, x := range v {
			s, ok := x.(string)
			if !ok {
				return nil, fmt.Errorf("%w: operations must be a list of strings", engine.ErrInvalidParameters)
			}
			ops = append(ops, s)
		}
	default:
		return nil, fmt.Errorf("%w: operations must be a list of strings", engine.ErrInvalidParameters)
	}
	if len(ops) == 0 {
		return defaultMaintenanceOps, nil
	}
	for _, op := range ops {
		switch op {
		case opPruneLogs, opCleanupBlacklist, opReapTasks:
		default:
			return nil, fmt.Errorf("%w: unknown maintenance operation %q", engine.ErrInvalidParameters, op)
		}
	}
	return ops, nil
}

func (m *maintenance) validate(params map[string]any) error {
	_, err := maintenanceOps(params)
	return err
}

func (m *maintenance) run(r *engine.Run) error {
	ops, err := maintenanceOps(r.Params())
	if err != nil {
		return err
	}
	results := map[string]any{
		"operations":        ops,
		"logs_pruned":       0,
		"blacklist_cleaned": 0,
		"tasks_reaped":      0,
	}
	for i, op := range ops {
		if err := r.Checkpoint(); err != nil {
			return err
		}
		r.Update(map[string]any{
			"percentage":  i * 100 / len(ops),
			"stage":       "maintenance",
			"current_op":  op,
			"completed":   i,
			"total_steps": len(ops),
		}, results)

		n, err := m.apply(r.Context(), op)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		switch op {
		case opPruneLogs:
			results["logs_pruned"] = n
		case opCleanupBlacklist:
			results["blacklist_cleaned"] = n
		case opReapTasks:
			results["tasks_reaped"] = n
		}
		r.Log().Debug("maintenance step done", logx.String("op", op), logx.Int("affected", n))
	}
	r.Update(map[string]any{"percentage": 100, "stage": "maintenance", "completed": len(ops), "total_steps": len(ops)}, results)
	return nil
}

func (m *maintenance) apply(ctx context.Context, op string) (int, error) {
	switch op {
	case opPruneLogs:
		if m.store == nil {
			return 0, nil
		}
		return m.store.PruneLogs(ctx, m.now().Add(-m.logRetention))
	case opCleanupBlacklist:
		if m.list == nil {
			return 0, nil
		}
		return m.list.Cleanup(ctx)
	case opReapTasks:
		if m.engine == nil {
			return 0, nil
		}
		return m.engine.Reap(m.now()), nil
	}
	return 0, nil
}
