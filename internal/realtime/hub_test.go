package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dygje/tgpro/internal/storage"
)

type fakeSock struct {
	mu     sync.Mutex
	got    []Event
	fail   bool
	closed bool
}

func (s *fakeSock) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.got = append(s.got, v.(Event))
	return nil
}

func (s *fakeSock) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSock) setFail() {
	s.mu.Lock()
	s.fail = true
	s.mu.Unlock()
}

// types returns the event types written so far, skipping the greeting.
func (s *fakeSock) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.got {
		if ev.Type() != TypeConnectionEstablished {
			out = append(out, ev.Type())
		}
	}
	return out
}

func connect(t *testing.T, h *Hub, id, ch string) *fakeSock {
	t.Helper()
	s := &fakeSock{}
	if err := h.Connect(s, id, ch); err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	return s
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSendsGreeting(t *testing.T) {
	t.Parallel()
	h := New()
	s := connect(t, h, "logs-0001", ChannelLogs)

	if len(s.got) != 1 {
		t.Fatalf("got %d events, want 1", len(s.got))
	}
	ev := s.got[0]
	if ev.Type() != TypeConnectionEstablished || ev["client_id"] != "logs-0001" || ev["connection_type"] != ChannelLogs {
		t.Fatalf("greeting = %v", ev)
	}
	if _, ok := ev["timestamp"].(string); !ok {
		t.Fatalf("greeting has no timestamp: %v", ev)
	}
	if err := h.Connect(&fakeSock{}, "x", "nope"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("invalid channel err = %v", err)
	}
}

func TestConnectReplacesSameID(t *testing.T) {
	t.Parallel()
	h := New()
	first := connect(t, h, "tasks-1", ChannelTasks)
	second := connect(t, h, "tasks-1", ChannelTasks)

	if !first.closed {
		t.Fatal("replaced socket should be closed")
	}
	if st := h.Stats(); st.Total != 1 {
		t.Fatalf("total = %d, want 1", st.Total)
	}
	if !h.SendToClient("tasks-1", Event{"type": TypePing}) {
		t.Fatal("send to replacement failed")
	}
	if got := second.types(); len(got) != 1 || got[0] != TypePing {
		t.Fatalf("second got %v", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	h := New()
	s := connect(t, h, "general-1", ChannelGeneral)
	h.Disconnect("general-1")
	h.Disconnect("general-1")
	h.Disconnect("never-connected")

	if !s.closed {
		t.Fatal("socket not closed")
	}
	if st := h.Stats(); st.Total != 0 {
		t.Fatalf("total = %d", st.Total)
	}
	if h.SendToClient("general-1", Event{"type": TypePing}) {
		t.Fatal("send to removed client reported delivered")
	}
}

func TestLogEventReachesOnlyLogObservers(t *testing.T) {
	t.Parallel()
	h := New()
	runHub(t, h)
	a := connect(t, h, "logs-a", ChannelLogs)
	b := connect(t, h, "logs-b", ChannelLogs)
	m := connect(t, h, "monitoring-a", ChannelMonitoring)

	h.AddLogMessage("INFO", "hello", nil)
	waitFor(t, "log delivery", func() bool { return len(a.types()) == 1 && len(b.types()) == 1 })

	// A later task update goes to everyone, so once m sees it the log was
	// already dispatched and skipped m.
	h.AddTaskUpdate("t1", "pending", map[string]any{"percentage": 0}, nil)
	waitFor(t, "task update", func() bool { return len(m.types()) == 1 })

	if got := m.types(); got[0] != TypeTaskUpdate {
		t.Fatalf("monitoring observer got %v", got)
	}
	a.mu.Lock()
	lvl := a.got[1]["level"]
	a.mu.Unlock()
	if lvl != "info" {
		t.Fatalf("level = %v, want lower-cased", lvl)
	}
}

func TestRouting(t *testing.T) {
	t.Parallel()
	h := New()
	runHub(t, h)
	logs := connect(t, h, "logs-1", ChannelLogs)
	mon := connect(t, h, "monitoring-1", ChannelMonitoring)
	tasks := connect(t, h, "tasks-1", ChannelTasks)

	h.AddMonitoringEvent("task_stats", map[string]any{"active_tasks": 1})
	h.Enqueue(Event{"type": "custom"})
	h.EnqueueTo(ChannelMonitoring, Event{"type": TypeSystemStats})

	waitFor(t, "routing", func() bool { return len(mon.types()) == 3 })
	waitFor(t, "custom to all", func() bool { return len(logs.types()) == 1 && len(tasks.types()) == 1 })

	want := []string{TypeMonitoring, "custom", TypeSystemStats}
	for i, typ := range mon.types() {
		if typ != want[i] {
			t.Fatalf("monitoring got %v, want %v", mon.types(), want)
		}
	}
	if logs.types()[0] != "custom" || tasks.types()[0] != "custom" {
		t.Fatalf("logs=%v tasks=%v", logs.types(), tasks.types())
	}
}

func TestFailedWriteDropsOnlyThatObserver(t *testing.T) {
	t.Parallel()
	h := New()
	a := connect(t, h, "logs-a", ChannelLogs)
	b := connect(t, h, "logs-b", ChannelLogs)
	a.setFail()

	n := h.BroadcastToChannel(ChannelLogs, Event{"type": TypeLog, "message": "x"})
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if len(b.types()) != 1 {
		t.Fatalf("b got %v", b.types())
	}
	st := h.Stats()
	if st.Total != 1 || st.ClientIDs[0] != "logs-b" {
		t.Fatalf("stats = %+v", st)
	}
	if !a.closed {
		t.Fatal("failed socket should be closed")
	}
	if n := h.BroadcastToAll(Event{"type": "x"}); n != 1 {
		t.Fatalf("broadcast all = %d", n)
	}
}

func TestEnqueueNeverBlocksWithoutDispatcher(t *testing.T) {
	t.Parallel()
	h := New()
	for i := 0; i < 1000; i++ {
		h.AddTaskUpdate("t", "running", nil, nil)
	}
	if st := h.Stats(); st.PendingQueueDepth != 1000 {
		t.Fatalf("queue depth = %d", st.PendingQueueDepth)
	}
}

func TestLogsArePersistedAndReplayed(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	h := New(WithLogStore(store))
	runHub(t, h)

	h.AddLogMessage("warn", "first", map[string]any{"comp": "engine"})
	h.AddLogMessage("info", "second", nil)
	waitFor(t, "persist", func() bool {
		es, _ := store.QueryLogs(context.Background(), storage.LogQuery{})
		return len(es) == 2
	})
	es, _ := store.QueryLogs(context.Background(), storage.LogQuery{Level: "warn"})
	if len(es) != 1 || es[0].Source != "engine" {
		t.Fatalf("persisted = %+v", es)
	}

	s := connect(t, h, "logs-1", ChannelLogs)
	if n := h.ReplayLogs(context.Background(), "logs-1", 50); n != 2 {
		t.Fatalf("replayed %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.got[1]["type"] != TypeHistoricalLog || s.got[1]["message"] != "first" {
		t.Fatalf("first replay = %v", s.got[1])
	}
}

func TestRecentLogsRing(t *testing.T) {
	t.Parallel()
	h := New(WithRecentLogs(3))
	for _, m := range []string{"a", "b", "c", "d"} {
		h.AddLogMessage("info", m, nil)
	}
	got := h.RecentLogs(context.Background(), 10)
	if len(got) != 3 || got[0]["message"] != "b" || got[2]["message"] != "d" {
		t.Fatalf("recent = %v", got)
	}
	if got := h.RecentLogs(context.Background(), 1); got[0]["message"] != "d" {
		t.Fatalf("last 1 = %v", got)
	}
}

func TestHandleCommand(t *testing.T) {
	t.Parallel()
	h := New(WithStatsSource(func(context.Context) (SystemStats, error) {
		return SystemStats{CPUPercent: 12.5}, nil
	}))
	s := connect(t, h, "monitoring-1", ChannelMonitoring)
	ctx := context.Background()

	h.HandleCommand(ctx, "monitoring-1", []byte(`{"command":"ping"}`))
	h.HandleCommand(ctx, "monitoring-1", []byte(`{"command":"get_stats"}`))
	h.HandleCommand(ctx, "monitoring-1", []byte(`{"command":"get_connection_stats"}`))
	h.HandleCommand(ctx, "monitoring-1", []byte(`{"command":"get_recent_logs","limit":5}`))
	h.HandleCommand(ctx, "monitoring-1", []byte(`{"command":"dance"}`))
	h.HandleCommand(ctx, "monitoring-1", []byte(`not json`))

	want := []string{TypePong, TypeSystemStats, TypeConnectionStats, TypeRecentLogs, TypeError, TypeError}
	got := s.types()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	s.mu.Lock()
	cpu := s.got[2]["cpu_percent"]
	s.mu.Unlock()
	if cpu != 12.5 {
		t.Fatalf("cpu_percent = %v", cpu)
	}
}

// blockingSock parks its second write (the first after the greeting) until
// release is closed, and counts writes that arrive after Close.
type blockingSock struct {
	entered chan struct{}
	release chan struct{}

	mu         sync.Mutex
	writes     int
	closed     bool
	lateWrites int
}

func newBlockingSock() *blockingSock {
	return &blockingSock{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSock) WriteJSON(any) error {
	s.mu.Lock()
	s.writes++
	n := s.writes
	if s.closed {
		s.lateWrites++
	}
	s.mu.Unlock()
	if n == 2 {
		close(s.entered)
		<-s.release
	}
	return nil
}

func (s *blockingSock) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func TestDisconnectWaitsForWriteInFlight(t *testing.T) {
	t.Parallel()
	h := New()
	s := newBlockingSock()
	if err := h.Connect(s, "tasks-1", ChannelTasks); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stale := h.lookup("tasks-1")

	sent := make(chan bool, 1)
	go func() { sent <- h.SendToClient("tasks-1", Event{"type": TypePing}) }()
	<-s.entered

	done := make(chan struct{})
	go func() {
		h.Disconnect("tasks-1")
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Disconnect returned while a write was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(s.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect did not return after the write finished")
	}
	if !<-sent {
		t.Fatal("write that started before Disconnect should succeed")
	}

	// A broadcast holding a snapshot taken before Disconnect must not reach
	// the closed socket.
	if h.write(stale, Event{"type": TypePing}) {
		t.Fatal("write to a closed connection reported success")
	}
	if h.SendToClient("tasks-1", Event{"type": TypePing}) {
		t.Fatal("send after Disconnect reported success")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed || s.lateWrites != 0 {
		t.Fatalf("closed = %v, late writes = %d", s.closed, s.lateWrites)
	}
}

// panicSock accepts the greeting and panics on every later write.
type panicSock struct {
	mu     sync.Mutex
	writes int
}

func (s *panicSock) WriteJSON(any) error {
	s.mu.Lock()
	s.writes++
	n := s.writes
	s.mu.Unlock()
	if n > 1 {
		panic("nil connection")
	}
	return nil
}

func (s *panicSock) Close() error { return nil }

func TestPanickingSocketDoesNotStarveOthers(t *testing.T) {
	t.Parallel()
	h := New()
	if err := h.Connect(&panicSock{}, "tasks-bad", ChannelTasks); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	var healthy []*fakeSock
	for i := 0; i < 10; i++ {
		healthy = append(healthy, connect(t, h, "tasks-"+string(rune('a'+i)), ChannelTasks))
	}

	for i := 0; i < 3; i++ {
		if n := h.BroadcastToChannel(ChannelTasks, Event{"type": TypeTaskUpdate}); n != 10 {
			t.Fatalf("broadcast %d delivered to %d observers, want 10", i, n)
		}
	}
	for i, s := range healthy {
		if got := s.types(); len(got) != 3 {
			t.Fatalf("observer %d got %v, want 3 events", i, got)
		}
	}
	if h.SendToClient("tasks-bad", Event{"type": TypePing}) {
		t.Fatal("panicking observer should have been dropped")
	}
	if st := h.Stats(); st.Total != 10 {
		t.Fatalf("total = %d, want 10", st.Total)
	}
}

func TestGreetingPrecedesConcurrentBroadcasts(t *testing.T) {
	t.Parallel()
	h := New()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.BroadcastToChannel(ChannelTasks, Event{"type": TypeTaskUpdate})
			}
		}
	}()

	socks := make([]*fakeSock, 50)
	for i := range socks {
		socks[i] = connect(t, h, "tasks-"+string(rune('A'+i)), ChannelTasks)
	}
	close(stop)
	wg.Wait()

	for i, s := range socks {
		s.mu.Lock()
		first := s.got[0].Type()
		s.mu.Unlock()
		if first != TypeConnectionEstablished {
			t.Fatalf("observer %d: first event = %s", i, first)
		}
	}
}
