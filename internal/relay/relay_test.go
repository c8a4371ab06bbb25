package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dygje/tgpro/internal/eventbus"
	logx "github.com/dygje/tgpro/pkg/logx"
)

type fakePub struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
	fail   bool
	closed bool
}

func (p *fakePub) Publish(key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("channel closed")
	}
	p.keys = append(p.keys, key)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePub) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func run(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRelayForwardsTaskEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	pub := &fakePub{}
	r := New(bus, func() (Publisher, error) { return pub, nil }, logx.Nop())
	run(t, r)
	waitFor(t, func() bool { return bus.Stats().Subscribers == 1 })

	bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded})
	bus.Publish(eventbus.Event{Type: eventbus.TaskCompleted, Data: map[string]any{"task_id": "t1"}})
	waitFor(t, func() bool { return pub.count() == 1 })

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.keys[0] != eventbus.TaskCompleted {
		t.Fatalf("routing key = %q", pub.keys[0])
	}
	var got eventbus.Event
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.Type != eventbus.TaskCompleted || got.Data.(map[string]any)["task_id"] != "t1" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestRelayRedialsAfterFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	broken := &fakePub{fail: true}
	healthy := &fakePub{}

	var mu sync.Mutex
	dials := 0
	dial := func() (Publisher, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return broken, nil
		}
		return healthy, nil
	}
	r := New(bus, dial, logx.Nop(), WithRetryEvery(time.Millisecond))
	run(t, r)
	waitFor(t, func() bool { return bus.Stats().Subscribers == 1 })

	bus.Publish(eventbus.Event{Type: eventbus.TaskStarted})
	waitFor(t, func() bool { return r.Stats().Failed == 1 })
	time.Sleep(5 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed})
	waitFor(t, func() bool { return healthy.count() == 1 })

	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Fatalf("failed publisher was not closed")
	}
	if st := r.Stats(); st.Published != 1 || !st.Connected {
		t.Fatalf("stats = %+v", st)
	}
}
