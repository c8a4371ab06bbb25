package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dygje/tgpro/internal/eventbus"
	rtsup "github.com/dygje/tgpro/internal/runtime/supervisor"
	"github.com/dygje/tgpro/internal/storage"
	logx "github.com/dygje/tgpro/pkg/logx"
)

const persistTimeout = 3 * time.Second

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	deps Deps
	now  func() time.Time

	handlers map[string]handler
	tasks    map[string]*task
	queue    chan string

	started  bool
	stopping bool
	sup      *rtsup.Supervisor
	cron     *cron.Cron

	reaped atomic.Uint64
}

type task struct {
	snap   Snapshot
	cancel context.CancelFunc

	// persistMu orders store writes of one task.
	persistMu sync.Mutex
}

// TaskEvent is the bus payload of lifecycle events.
type TaskEvent struct {
	ID     string `json:"task_id"`
	Kind   string `json:"task_type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// New builds the engine with the built-in routines registered. The queue
// exists right away, so Create works before Start.
func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		deps:     deps,
		now:      time.Now,
		handlers: map[string]handler{},
		tasks:    map[string]*task{},
		queue:    make(chan string, cfg.QueueSize),
	}
	s.handlers[KindMessageSending] = handler{run: s.runMessageSending, validate: validateMessageSending, estimate: estimateMessageSending}
	s.handlers[KindBulkMessage] = handler{run: s.runBulkMessage, validate: validateBulkMessage, estimate: estimateBulkMessage}
	s.handlers[KindGroupManagement] = handler{run: s.runGroupManagement, validate: validateGroupManagement, estimate: estimateGroupManagement}
	return s
}

// Handle registers (or replaces) the routine of a kind. validate may be nil.
func (s *Service) Handle(kind string, run Routine, validate Validator) error {
	if !knownKind(kind) {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if run == nil {
		return fmt.Errorf("routine for %q is nil", kind)
	}
	s.mu.Lock()
	h := s.handlers[kind]
	h.run = run
	h.validate = validate
	s.handlers[kind] = h
	s.mu.Unlock()
	return nil
}

func knownKind(kind string) bool {
	switch kind {
	case KindMessageSending, KindBulkMessage, KindGroupManagement, KindSystemMaintenance:
		return true
	}
	return false
}

// SetUnitDelay changes the pause between units for tasks that start later.
func (s *Service) SetUnitDelay(d time.Duration) {
	s.mu.Lock()
	s.cfg.UnitDelay = d
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(s.cfg.ReapSchedule, func() { s.reapTick() }); err != nil {
		return fmt.Errorf("task engine reap schedule %q: %w", s.cfg.ReapSchedule, err)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < s.cfg.Workers; i++ {
		name := fmt.Sprintf("worker-%d", i+1)
		s.sup.GoRestart(name, func(c context.Context) error {
			return s.worker(c, name)
		}, rtsup.WithPublishFirstError(true))
	}
	s.cron = c
	c.Start()
	s.started = true

	s.log.Info("task engine started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", cap(s.queue)),
		logx.String("reap_schedule", s.cfg.ReapSchedule),
		logx.Duration("retention", s.cfg.Retention),
	)
	return nil
}

// Stop cancels still-queued tasks, interrupts running ones and waits for
// the workers until ctx is done. Create returns ErrStopped afterwards.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sup, c := s.sup, s.cron

	var dropped []*task
	for drained := false; !drained; {
		select {
		case id := <-s.queue:
			if t := s.tasks[id]; t != nil && t.snap.Status == StatusPending {
				s.terminateLocked(t, StatusCancelled, serviceStopped)
				dropped = append(dropped, t)
			}
		default:
			drained = true
		}
	}
	s.mu.Unlock()

	for _, t := range dropped {
		s.persist(t)
		s.publishTask(eventbus.TaskCancelled, t)
	}

	if c != nil {
		<-c.Stop().Done()
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Warn("task engine stop timed out", logx.Err(err))
				return err
			}
			s.log.Warn("task engine worker error", logx.Err(err))
		}
	}
	s.log.Info("task engine stopped", logx.Int("cancelled_queued", len(dropped)))
	return nil
}

// Supervisor exposes the worker supervisor for health reporting (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Create validates and enqueues a task. It never waits for a worker.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	kind := strings.TrimSpace(req.Kind)
	if !knownKind(kind) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	prio := req.Priority
	if prio == 0 {
		prio = 5
	}
	if prio < 1 || prio > 10 {
		return "", invalidParam("priority", "must be between 1 and 10, got %d", prio)
	}

	s.mu.Lock()
	h, ok := s.handlers[kind]
	s.mu.Unlock()
	if !ok || h.run == nil {
		return "", fmt.Errorf("%w: no routine registered for %q", ErrInvalidKind, kind)
	}
	params := cloneMap(req.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	if h.validate != nil {
		if err := h.validate(params); err != nil {
			return "", err
		}
	}

	now := s.now().UTC()
	snap := Snapshot{
		ID:         uuid.NewString(),
		Kind:       kind,
		Status:     StatusPending,
		Priority:   prio,
		Parameters: params,
		Progress:   map[string]any{"percentage": 0, "stage": "created"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	est := req.EstimatedDuration
	if est <= 0 && h.estimate != nil {
		est = h.estimate(params)
	}
	if est > 0 {
		eta := now.Add(est)
		snap.EstimatedCompletion = &eta
	}
	t := &task{snap: snap}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.tasks[snap.ID] = t
	select {
	case s.queue <- snap.ID:
	default:
		delete(s.tasks, snap.ID)
		s.mu.Unlock()
		s.log.Warn("task queue full", logx.String("task_type", kind), logx.Int("queue", cap(s.queue)))
		return "", ErrQueueFull
	}
	s.emitLocked(t)
	s.mu.Unlock()

	s.persist(t)
	s.publishTask(eventbus.TaskCreated, t)
	s.log.Info("task created", logx.String("task_id", snap.ID), logx.String("task_type", kind), logx.Int("priority", prio))
	return snap.ID, nil
}

// Get returns the live snapshot of a task, falling back to the task table.
func (s *Service) Get(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	t := s.tasks[id]
	if t != nil {
		snap := cloneSnapshot(t.snap)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	if s.deps.Store == nil {
		return Snapshot{}, ErrNotFound
	}
	rec, err := s.deps.Store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return snapshotFromRecord(rec), nil
}

// Cancel reports false for unknown and already-terminal tasks, leaving them
// untouched. A running task also has its context cancelled.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	t := s.tasks[id]
	if t == nil || t.snap.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	wasRunning := t.snap.Status == StatusRunning
	s.terminateLocked(t, StatusCancelled, cancelledByCaller)
	if t.cancel != nil {
		t.cancel()
	}
	s.mu.Unlock()

	s.persist(t)
	s.publishTask(eventbus.TaskCancelled, t)
	s.log.Info("task cancelled", logx.String("task_id", id), logx.Bool("was_running", wasRunning))
	return true
}

// List returns live tasks, newest first. status "" matches all. limit <= 0 selects 50.
func (s *Service) List(status Status, limit int) []Snapshot {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.snap.Status != status {
			continue
		}
		out = append(out, cloneSnapshot(t.snap))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalTasks: len(s.tasks),
		ByStatus:   map[string]int{},
		ByKind:     map[string]int{},
		Running:    s.started && !s.stopping,
		Workers:    s.cfg.Workers,
		QueueSize:  len(s.queue),
		QueueCap:   cap(s.queue),
		Reaped:     s.reaped.Load(),
	}
	for _, status := range allStatuses {
		st.ByStatus[string(status)] = 0
	}
	for _, t := range s.tasks {
		st.ByStatus[string(t.snap.Status)]++
		st.ByKind[t.snap.Kind]++
		if t.snap.Status == StatusRunning {
			st.RunningTasks++
		}
	}
	return st
}

// terminateLocked moves t to a terminal state. Caller holds s.mu.
func (s *Service) terminateLocked(t *task, status Status, msg string) {
	t.snap.Status = status
	t.snap.Error = msg
	t.snap.UpdatedAt = s.now().UTC()
	progress := cloneMap(t.snap.Progress)
	switch status {
	case StatusCompleted:
		progress["percentage"] = 100
		progress["stage"] = "completed"
	case StatusFailed:
		progress["stage"] = "failed"
	case StatusCancelled:
		progress["stage"] = "cancelled"
	}
	t.snap.Progress = progress
	s.emitLocked(t)
}

// emitLocked pushes the current state of t to observers. Holding s.mu keeps
// observer order equal to state order.
func (s *Service) emitLocked(t *task) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.AddTaskUpdate(t.snap.ID, string(t.snap.Status), cloneMap(t.snap.Progress), cloneMap(t.snap.Results))
}

// persist writes the latest state of t. Writes of one task never reorder.
func (s *Service) persist(t *task) {
	if s.deps.Store == nil {
		return
	}
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	s.mu.Lock()
	rec := cloneSnapshot(t.snap).record()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Store.UpsertTask(ctx, rec); err != nil {
		s.log.Warn("persist task failed", logx.String("task_id", rec.ID), logx.String("status", rec.Status), logx.Err(err))
	}
}

func (s *Service) publishTask(topic string, t *task) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	ev := TaskEvent{ID: t.snap.ID, Kind: t.snap.Kind, Status: string(t.snap.Status), Error: t.snap.Error}
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.now(), Data: ev})
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Parameters = cloneMap(s.Parameters)
	s.Progress = cloneMap(s.Progress)
	s.Results = cloneMap(s.Results)
	if s.EstimatedCompletion != nil {
		eta := *s.EstimatedCompletion
		s.EstimatedCompletion = &eta
	}
	return s
}

// cloneMap copies the top level of m and the slices it holds, which is
// enough for the shapes routines produce. nil stays nil.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case []any:
			out[k] = append([]any(nil), vv...)
		case []string:
			out[k] = append([]string(nil), vv...)
		case []map[string]any:
			out[k] = append([]map[string]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}
