package engine

import (
	"context"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// Run is the handle a routine gets for one execution of a task.
type Run struct {
	s         *Service
	t         *task
	ctx       context.Context
	log       logx.Logger
	unitDelay time.Duration
}

func (r *Run) ID() string { return r.t.snap.ID }

// Context is cancelled when the task is cancelled or the engine stops.
func (r *Run) Context() context.Context { return r.ctx }

func (r *Run) Log() logx.Logger { return r.log }

// Params returns a copy of the task parameters.
func (r *Run) Params() map[string]any {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return cloneMap(r.t.snap.Parameters)
}

// Deps returns the engine collaborators.
func (r *Run) Deps() Deps { return r.s.deps }

// Checkpoint returns a non-nil error once the task must stop.
func (r *Run) Checkpoint() error {
	if err := r.ctx.Err(); err != nil {
		return cancelledError{cause: err}
	}
	return nil
}

// Update merges progress into the task's progress, replaces its results and
// pushes the new state. Both maps are copied. It is a no-op once the task
// left the running state.
func (r *Run) Update(progress, results map[string]any) {
	s, t := r.s, r.t
	s.mu.Lock()
	if t.snap.Status != StatusRunning {
		s.mu.Unlock()
		return
	}
	merged := cloneMap(t.snap.Progress)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range progress {
		merged[k] = v
	}
	t.snap.Progress = merged
	if results != nil {
		t.snap.Results = cloneMap(results)
	}
	t.snap.UpdatedAt = s.now().UTC()
	s.emitLocked(t)
	s.mu.Unlock()

	s.persist(t)
}

// Sleep pauses for d, returning early with an error if the task stops.
// d <= 0 only checks for cancellation.
func (r *Run) Sleep(d time.Duration) error {
	if d <= 0 {
		return r.Checkpoint()
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-r.ctx.Done():
		return cancelledError{cause: r.ctx.Err()}
	case <-tm.C:
		return nil
	}
}

// UnitDelay is the configured pause between units of work.
func (r *Run) UnitDelay() time.Duration { return r.unitDelay }
