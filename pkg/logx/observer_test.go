package logx

import (
	"sync"
	"testing"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
	lvls []string
	meta []map[string]any
}

func (c *captureSink) AddLogMessage(level, message string, metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lvls = append(c.lvls, level)
	c.msgs = append(c.msgs, message)
	c.meta = append(c.meta, metadata)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestObserverSinkFiltersByLevel(t *testing.T) {
	svc, log := New(Config{Level: "DEBUG", Observers: ObserverConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 100}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetObserver(sink)

	log.Info("quiet")
	log.Warn("loud", String("task_id", "t1"))

	if got := sink.count(); got != 1 {
		t.Fatalf("forwarded=%d, want 1", got)
	}
	if sink.msgs[0] != "loud" || sink.lvls[0] != "WARN" {
		t.Fatalf("unexpected record: %q %q", sink.lvls[0], sink.msgs[0])
	}
	if sink.meta[0]["task_id"] != "t1" {
		t.Fatalf("metadata lost: %#v", sink.meta[0])
	}
	if _, ok := sink.meta[0]["message"]; ok {
		t.Fatalf("message should not be duplicated into metadata")
	}
}

func TestObserverSinkSkipsQuietComponent(t *testing.T) {
	svc, log := New(Config{Level: "INFO", Observers: ObserverConfig{Enabled: true, MinLevel: "INFO", RatePerSec: 100}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetObserver(sink)

	log.With(String("comp", QuietComponent)).Error("hub write failed")
	log.With(String("comp", "engine")).Error("task failed")

	if got := sink.count(); got != 1 {
		t.Fatalf("forwarded=%d, want 1", got)
	}
	if sink.msgs[0] != "task failed" {
		t.Fatalf("msg=%q", sink.msgs[0])
	}
}

func TestObserverSinkRateLimited(t *testing.T) {
	svc, log := New(Config{Level: "INFO", Observers: ObserverConfig{Enabled: true, MinLevel: "INFO", RatePerSec: 2}})
	defer svc.Close()
	sink := &captureSink{}
	svc.SetObserver(sink)

	for i := 0; i < 20; i++ {
		log.Info("burst")
	}
	if got := sink.count(); got > 3 {
		t.Fatalf("forwarded=%d, want <= 3 under rate limit", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("must not panic")
	if l.With(String("k", "v")).IsZero() {
		t.Fatalf("logger with fields should not be zero")
	}
}
