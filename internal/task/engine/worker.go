package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dygje/tgpro/internal/eventbus"
	logx "github.com/dygje/tgpro/pkg/logx"
)

func (s *Service) worker(ctx context.Context, name string) error {
	for {
		// A closed context wins over queued work.
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.queue:
			s.execOne(ctx, id, name)
		}
	}
}

func (s *Service) execOne(ctx context.Context, id, worker string) {
	s.mu.Lock()
	t := s.tasks[id]
	if t == nil || t.snap.Status != StatusPending {
		// Cancelled while queued.
		s.mu.Unlock()
		return
	}
	if s.stopping {
		s.terminateLocked(t, StatusCancelled, serviceStopped)
		s.mu.Unlock()
		s.persist(t)
		s.publishTask(eventbus.TaskCancelled, t)
		return
	}
	h := s.handlers[t.snap.Kind]
	delay := s.cfg.UnitDelay

	tctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.snap.Status = StatusRunning
	t.snap.UpdatedAt = s.now().UTC()
	t.snap.Progress = map[string]any{"percentage": 0, "stage": "starting", "worker": worker}
	s.emitLocked(t)
	kind := t.snap.Kind
	s.mu.Unlock()
	defer cancel()

	s.persist(t)
	s.publishTask(eventbus.TaskStarted, t)

	log := s.log.With(logx.String("task_id", id), logx.String("task_type", kind), logx.String("worker", worker))
	log.Debug("task started")

	r := &Run{s: s, t: t, ctx: tctx, log: log, unitDelay: delay}
	start := time.Now()
	err := invoke(h.run, r)
	s.finish(t, err, log, time.Since(start))
}

func invoke(fn Routine, r *Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("task routine panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if fn == nil {
		return errors.New("no routine registered")
	}
	return fn(r)
}

func (s *Service) finish(t *task, err error, log logx.Logger, took time.Duration) {
	s.mu.Lock()
	t.cancel = nil
	if t.snap.Status.Terminal() {
		// Cancelled by the caller while running; that state is already out.
		s.mu.Unlock()
		log.Debug("task routine returned after cancel", logx.Duration("took", took))
		return
	}
	var topic string
	switch {
	case err == nil:
		s.terminateLocked(t, StatusCompleted, "")
		topic = eventbus.TaskCompleted
	case s.stopping && errors.Is(err, context.Canceled):
		s.terminateLocked(t, StatusCancelled, serviceStopped)
		topic = eventbus.TaskCancelled
	default:
		s.terminateLocked(t, StatusFailed, err.Error())
		topic = eventbus.TaskFailed
	}
	s.mu.Unlock()

	s.persist(t)
	s.publishTask(topic, t)

	switch topic {
	case eventbus.TaskFailed:
		log.Error("task failed", logx.Err(err), logx.Duration("took", took))
	case eventbus.TaskCancelled:
		log.Info("task cancelled by shutdown", logx.Duration("took", took))
	default:
		log.Info("task completed", logx.Duration("took", took))
	}
}
