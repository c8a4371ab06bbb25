package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dygje/tgpro/internal/blacklist"
	"github.com/dygje/tgpro/internal/eventbus"
	"github.com/dygje/tgpro/internal/storage"
	"github.com/dygje/tgpro/internal/transport"
	"github.com/dygje/tgpro/internal/transport/dryrun"
	logx "github.com/dygje/tgpro/pkg/logx"
)

type update struct {
	id       string
	status   string
	progress map[string]any
	results  map[string]any
}

type fakeHub struct {
	mu          sync.Mutex
	updates     []update
	monitor     []string
	monitorData []any
}

func (h *fakeHub) AddTaskUpdate(id, status string, progress, results map[string]any) {
	h.mu.Lock()
	h.updates = append(h.updates, update{id, status, progress, results})
	h.mu.Unlock()
}

func (h *fakeHub) AddMonitoringEvent(eventType string, data any) {
	h.mu.Lock()
	h.monitor = append(h.monitor, eventType)
	h.monitorData = append(h.monitorData, data)
	h.mu.Unlock()
}

func (h *fakeHub) statuses(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, u := range h.updates {
		if u.id == id {
			out = append(out, u.status)
		}
	}
	return out
}

type fakeGate struct {
	mu        sync.Mutex
	refuse    bool
	sent      int
	failed    int
	throttled bool
}

func (g *fakeGate) ShouldProceed(string, int, string, bool) (bool, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refuse {
		return false, []string{"daily limit reached"}
	}
	return true, nil
}

func (g *fakeGate) RecordOutcome(_ string, sent, failed int, throttled bool) {
	g.mu.Lock()
	g.sent += sent
	g.failed += failed
	g.throttled = g.throttled || throttled
	g.mu.Unlock()
}

type fixture struct {
	svc      *Service
	hub      *fakeHub
	platform *dryrun.Platform
	store    storage.Store
	bus      *eventbus.MemBus
}

func newFixture(t *testing.T, cfg Config, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		hub:      &fakeHub{},
		platform: dryrun.New(logx.Nop()),
		store:    storage.NewMemory(),
		bus:      eventbus.New(),
	}
	deps := Deps{
		Store:     f.store,
		Hub:       f.hub,
		Platform:  f.platform,
		Templates: TemplateMap{"welcome": "hello {name}", "promo": "promo"},
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.svc = New(cfg, deps, logx.Nop(), f.bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Stop(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) waitStatus(t *testing.T, id string, want Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := f.svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %s, want %s", id, snap.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func intOf(t *testing.T, v any) int {
	t.Helper()
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	t.Fatalf("not a number: %#v", v)
	return 0
}

func recipients(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = fmt.Sprintf("@user%d", i)
	}
	return out
}

func TestMessageSendingCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2}, nil)

	id, err := f.svc.Create(context.Background(), CreateRequest{
		Kind: KindMessageSending,
		Parameters: map[string]any{
			"template_id":      "welcome",
			"recipients":       recipients(10),
			"custom_variables": map[string]any{"name": "ana"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatalf("empty id")
	}
	f.start(t)

	snap := f.waitStatus(t, id, StatusCompleted)
	sent, failed := intOf(t, snap.Results["sent_count"]), intOf(t, snap.Results["failed_count"])
	if sent+failed != 10 || sent != 10 {
		t.Fatalf("sent=%d failed=%d", sent, failed)
	}
	if got := intOf(t, snap.Progress["percentage"]); got != 100 {
		t.Fatalf("percentage = %d", got)
	}
	if msgs, _ := snap.Results["messages"].([]any); len(msgs) != 10 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if snap.EstimatedCompletion == nil || snap.EstimatedCompletion.Sub(snap.CreatedAt) != 5*time.Minute {
		t.Fatalf("estimated completion = %v", snap.EstimatedCompletion)
	}

	calls := f.platform.Calls()
	if len(calls) != 10 || calls[0].Text != "hello ana" {
		t.Fatalf("calls = %d, first text %q", len(calls), calls[0].Text)
	}

	rec, err := f.store.GetTask(context.Background(), id)
	if err != nil || rec.Status != string(StatusCompleted) {
		t.Fatalf("stored task = %+v, %v", rec, err)
	}
}

func TestCancelBeforeDequeue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, nil)

	id, err := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindMessageSending,
		Parameters: map[string]any{"template_id": "promo", "recipients": recipients(3)},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !f.svc.Cancel(context.Background(), id) {
		t.Fatalf("Cancel returned false")
	}
	f.start(t)
	time.Sleep(30 * time.Millisecond)

	snap := f.waitStatus(t, id, StatusCancelled)
	if snap.Results != nil {
		t.Fatalf("results populated for a task that never ran: %v", snap.Results)
	}
	if snap.Error != cancelledByCaller {
		t.Fatalf("error = %q", snap.Error)
	}
	if n := len(f.platform.Calls()); n != 0 {
		t.Fatalf("platform calls = %d", n)
	}
	if got := f.hub.statuses(id); strings.Join(got, ",") != "pending,cancelled" {
		t.Fatalf("updates = %v", got)
	}
}

func TestCancelTerminalOrUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)

	if f.svc.Cancel(context.Background(), "missing") {
		t.Fatalf("Cancel(unknown) = true")
	}

	id, err := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindGroupManagement,
		Parameters: map[string]any{"operation": "update", "groups": []any{"-1001"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.start(t)
	before := f.waitStatus(t, id, StatusCompleted)

	if f.svc.Cancel(context.Background(), id) {
		t.Fatalf("Cancel(completed) = true")
	}
	after, _ := f.svc.Get(context.Background(), id)
	if after.Status != StatusCompleted || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("terminal task mutated: %+v", after)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 2}, nil)

	var cur, peak atomic.Int32
	err := f.svc.Handle(KindSystemMaintenance, func(r *Run) error {
		n := cur.Add(1)
		defer cur.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return r.Sleep(40 * time.Millisecond)
	}, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	ids := make([]string, 5)
	for i := range ids {
		if ids[i], err = f.svc.Create(context.Background(), CreateRequest{Kind: KindSystemMaintenance}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	f.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		st := f.svc.Stats()
		if st.RunningTasks > 2 {
			t.Fatalf("running = %d with 2 workers", st.RunningTasks)
		}
		if st.ByStatus[string(StatusCompleted)] == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not finish: %+v", st.ByStatus)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d", p)
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, nil)

	returned := make(chan error, 1)
	_ = f.svc.Handle(KindSystemMaintenance, func(r *Run) error {
		for i := 0; ; i++ {
			if err := r.Checkpoint(); err != nil {
				returned <- err
				return err
			}
			r.Update(map[string]any{"stage": "looping", "i": i}, map[string]any{"i": i})
			if err := r.Sleep(5 * time.Millisecond); err != nil {
				returned <- err
				return err
			}
		}
	}, nil)

	id, err := f.svc.Create(context.Background(), CreateRequest{Kind: KindSystemMaintenance})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.start(t)
	f.waitStatus(t, id, StatusRunning)

	if !f.svc.Cancel(context.Background(), id) {
		t.Fatalf("Cancel(running) = false")
	}
	select {
	case err := <-returned:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("routine error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("routine did not observe cancellation")
	}
	time.Sleep(20 * time.Millisecond)

	snap, _ := f.svc.Get(context.Background(), id)
	if snap.Status != StatusCancelled || snap.Error != cancelledByCaller {
		t.Fatalf("snapshot = %s %q", snap.Status, snap.Error)
	}
	got := f.hub.statuses(id)
	if got[len(got)-1] != "cancelled" {
		t.Fatalf("last update = %v", got)
	}
}

func TestStatusSequenceIsValid(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 3}, nil)
	f.start(t)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := f.svc.Create(context.Background(), CreateRequest{
			Kind:       KindBulkMessage,
			Parameters: map[string]any{"templates": []any{"promo", "welcome"}, "groups": []any{"-1001", "-1002"}},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		snap := f.waitStatus(t, id, StatusCompleted)
		if got := intOf(t, snap.Results["completed_operations"]); got != 4 {
			t.Fatalf("completed_operations = %d", got)
		}
		if got := intOf(t, snap.Results["groups_processed"]); got != 2 {
			t.Fatalf("groups_processed = %d", got)
		}
	}

	for _, id := range ids {
		seq := f.hub.statuses(id)
		if seq[0] != "pending" || seq[len(seq)-1] != "completed" {
			t.Fatalf("sequence %v", seq)
		}
		for _, s := range seq[1 : len(seq)-1] {
			if s != "running" {
				t.Fatalf("sequence %v", seq)
			}
		}
	}
}

func TestListOrderAndLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var step atomic.Int64
	f.svc.now = func() time.Time { return base.Add(time.Duration(step.Add(1)) * time.Second) }

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.svc.Create(context.Background(), CreateRequest{
			Kind:       KindGroupManagement,
			Parameters: map[string]any{"operation": "add", "groups": []any{"@chat"}},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	f.svc.Cancel(context.Background(), ids[0])

	got := f.svc.List("", 2)
	if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Fatalf("List(all, 2) = %v", got)
	}
	if got := f.svc.List(StatusCancelled, 0); len(got) != 1 || got[0].ID != ids[0] {
		t.Fatalf("List(cancelled) = %v", got)
	}
	if got := f.svc.List(StatusPending, 0); len(got) != 2 {
		t.Fatalf("List(pending) = %d", len(got))
	}
}

func TestCreateRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"unknown kind", CreateRequest{Kind: "paused"}, ErrInvalidKind},
		{"no maintenance routine", CreateRequest{Kind: KindSystemMaintenance}, ErrInvalidKind},
		{"missing template", CreateRequest{Kind: KindMessageSending, Parameters: map[string]any{"recipients": []any{"@a"}}}, ErrInvalidParameters},
		{"empty recipients", CreateRequest{Kind: KindMessageSending, Parameters: map[string]any{"template_id": "promo", "recipients": []any{}}}, ErrInvalidParameters},
		{"negative delay", CreateRequest{Kind: KindMessageSending, Parameters: map[string]any{"template_id": "promo", "recipients": []any{"@a"}, "delay_override": -1.0}}, ErrInvalidParameters},
		{"bulk without groups", CreateRequest{Kind: KindBulkMessage, Parameters: map[string]any{"templates": []any{"promo"}}}, ErrInvalidParameters},
		{"bad operation", CreateRequest{Kind: KindGroupManagement, Parameters: map[string]any{"operation": "merge", "groups": []any{"@a"}}}, ErrInvalidParameters},
		{"priority out of range", CreateRequest{Kind: KindGroupManagement, Priority: 11, Parameters: map[string]any{"operation": "add", "groups": []any{"@a"}}}, ErrInvalidParameters},
	}
	for _, tc := range cases {
		if _, err := f.svc.Create(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
	if st := f.svc.Stats(); st.TotalTasks != 0 {
		t.Fatalf("rejected tasks were indexed: %d", st.TotalTasks)
	}
}

func TestCreateQueueFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{QueueSize: 1}, nil)
	req := CreateRequest{Kind: KindGroupManagement, Parameters: map[string]any{"operation": "add", "groups": []any{"@a"}}}

	if _, err := f.svc.Create(context.Background(), req); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := f.svc.Create(context.Background(), req); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Create err = %v", err)
	}
	if st := f.svc.Stats(); st.TotalTasks != 1 || st.QueueSize != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRoutinePanicFailsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	_ = f.svc.Handle(KindSystemMaintenance, func(*Run) error { panic("disk on fire") }, nil)

	id, err := f.svc.Create(context.Background(), CreateRequest{Kind: KindSystemMaintenance})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.start(t)
	snap := f.waitStatus(t, id, StatusFailed)
	if !strings.Contains(snap.Error, "disk on fire") || snap.Progress["stage"] != "failed" {
		t.Fatalf("snapshot = %q %v", snap.Error, snap.Progress)
	}

	// The worker survives and keeps serving.
	id2, _ := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindGroupManagement,
		Parameters: map[string]any{"operation": "add", "groups": []any{"@a"}},
	})
	f.waitStatus(t, id2, StatusCompleted)
}

func TestSendFailuresFeedBlacklist(t *testing.T) {
	t.Parallel()
	gate := &fakeGate{}
	bl := blacklist.NewMemory(logx.Nop())
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Safety = gate
		d.Blacklist = bl
	})
	f.platform.FailFor("@flood", &transport.FloodWaitError{RetryAfter: time.Minute})
	f.platform.FailFor("@gone", fmt.Errorf("send: %w", transport.ErrForbidden))
	f.start(t)

	params := map[string]any{"template_id": "promo", "recipients": []any{"@ok", "@flood", "@gone"}}
	id, err := f.svc.Create(context.Background(), CreateRequest{Kind: KindMessageSending, Parameters: params})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap := f.waitStatus(t, id, StatusCompleted)
	if intOf(t, snap.Results["sent_count"]) != 1 || intOf(t, snap.Results["failed_count"]) != 2 {
		t.Fatalf("results = %v", snap.Results)
	}
	for _, target := range []string{"@flood", "@gone"} {
		if blocked, _ := bl.Blocked(context.Background(), target); !blocked {
			t.Fatalf("%s not blacklisted", target)
		}
	}
	gate.mu.Lock()
	if gate.sent != 1 || gate.failed != 2 || !gate.throttled {
		t.Fatalf("outcome = %+v", gate)
	}
	gate.mu.Unlock()

	id, _ = f.svc.Create(context.Background(), CreateRequest{Kind: KindMessageSending, Parameters: params})
	snap = f.waitStatus(t, id, StatusCompleted)
	if intOf(t, snap.Results["skipped_count"]) != 2 || intOf(t, snap.Results["sent_count"]) != 1 {
		t.Fatalf("second run results = %v", snap.Results)
	}
}

func TestGroupManagementCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, nil)
	f.platform.FailFor("@broken", errors.New("chat admin required"))
	f.start(t)

	groups := []any{"@alpha", "bad name", "@broken", "@beta"}
	id, err := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindGroupManagement,
		Parameters: map[string]any{"operation": "add", "groups": groups},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap := f.waitStatus(t, id, StatusCompleted)

	r := snap.Results
	if r["operation"] != "add" || intOf(t, r["total_groups"]) != 4 || intOf(t, r["processed_groups"]) != 4 {
		t.Fatalf("results = %v", r)
	}
	if ok, failed := intOf(t, r["successful_operations"]), intOf(t, r["failed_operations"]); ok != 2 || failed != 2 {
		t.Fatalf("successful = %d, failed = %d", ok, failed)
	}
	if snap.Progress["stage"] != "add_groups" || intOf(t, snap.Progress["percentage"]) != 100 {
		t.Fatalf("progress = %v", snap.Progress)
	}

	details, _ := r["groups"].([]any)
	if len(details) != 4 {
		t.Fatalf("details = %v", r["groups"])
	}
	want := []string{"ok", "failed", "failed", "ok"}
	for i, d := range details {
		entry, _ := d.(map[string]any)
		if entry["group"] != groups[i] || entry["status"] != want[i] {
			t.Fatalf("detail %d = %v, want %s for %v", i, entry, want[i], groups[i])
		}
		if want[i] == "failed" && entry["error"] == "" {
			t.Fatalf("detail %d has no error", i)
		}
	}
	if calls := f.platform.Calls(); len(calls) != 3 || calls[0].Op != "group.add" {
		t.Fatalf("platform calls = %+v", calls)
	}
}

func TestSafetyRefusalFailsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, func(d *Deps) { d.Safety = &fakeGate{refuse: true} })
	f.start(t)

	id, _ := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindMessageSending,
		Parameters: map[string]any{"template_id": "promo", "recipients": []any{"@a"}},
	})
	snap := f.waitStatus(t, id, StatusFailed)
	if !strings.HasPrefix(snap.Error, "blocked by safety check") {
		t.Fatalf("error = %q", snap.Error)
	}
	if n := len(f.platform.Calls()); n != 0 {
		t.Fatalf("platform calls = %d", n)
	}
}

func TestStopCancelsQueuedAndRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Workers: 1}, nil)
	_ = f.svc.Handle(KindSystemMaintenance, func(r *Run) error {
		<-r.Context().Done()
		return r.Checkpoint()
	}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.svc.Create(context.Background(), CreateRequest{Kind: KindSystemMaintenance})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	f.start(t)
	f.waitStatus(t, ids[0], StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for _, id := range ids {
		snap, _ := f.svc.Get(context.Background(), id)
		if snap.Status != StatusCancelled || snap.Error != serviceStopped {
			t.Fatalf("task %s = %s %q", id, snap.Status, snap.Error)
		}
	}
	if _, err := f.svc.Create(context.Background(), CreateRequest{Kind: KindSystemMaintenance}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Create after Stop err = %v", err)
	}
}

func TestReapKeepsTaskTable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Retention: time.Minute}, nil)

	id, _ := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindGroupManagement,
		Parameters: map[string]any{"operation": "add", "groups": []any{"@a"}},
	})
	live, _ := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindGroupManagement,
		Parameters: map[string]any{"operation": "add", "groups": []any{"@b"}},
	})
	f.svc.Cancel(context.Background(), id)

	if n := f.svc.Reap(time.Now()); n != 0 {
		t.Fatalf("reaped %d inside retention", n)
	}
	if n := f.svc.Reap(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if got := f.svc.List("", 0); len(got) != 1 || got[0].ID != live {
		t.Fatalf("live index = %v", got)
	}
	snap, err := f.svc.Get(context.Background(), id)
	if err != nil || snap.Status != StatusCancelled {
		t.Fatalf("Get after reap = %+v, %v", snap, err)
	}
	if _, err := f.svc.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) err = %v", err)
	}

	done, _ := f.svc.Create(context.Background(), CreateRequest{
		Kind:       KindGroupManagement,
		Parameters: map[string]any{"operation": "remove", "groups": []any{"@c"}},
	})
	f.svc.Cancel(context.Background(), done)

	// Finished tasks still inside retention count as indexed.
	f.svc.reapTick()
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if len(f.hub.monitor) != 1 || f.hub.monitor[0] != "task_stats" {
		t.Fatalf("monitoring events = %v", f.hub.monitor)
	}
	data, _ := f.hub.monitorData[0].(map[string]any)
	if data["active_tasks"] != 2 || data["reaped"] != 0 {
		t.Fatalf("task_stats = %v", data)
	}
}
