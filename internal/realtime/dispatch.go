package realtime

import (
	"context"
	"strings"
	"time"

	"github.com/dygje/tgpro/internal/storage"
	logx "github.com/dygje/tgpro/pkg/logx"
)

// LogStore is the subset of storage.Store the hub writes log events to.
type LogStore interface {
	AppendLog(ctx context.Context, e storage.LogEntry) error
	QueryLogs(ctx context.Context, q storage.LogQuery) ([]storage.LogEntry, error)
}

const storeTimeout = 3 * time.Second

type queued struct {
	ev      Event
	channel string // explicit target; "" routes by type
}

// Enqueue hands ev to the dispatch loop. It never blocks.
func (h *Hub) Enqueue(ev Event) { h.push(queued{ev: ev}) }

// EnqueueTo hands ev to the dispatch loop for delivery to one channel only.
func (h *Hub) EnqueueTo(channel string, ev Event) { h.push(queued{ev: ev, channel: channel}) }

func (h *Hub) push(q queued) {
	q.ev = q.ev.withTimestamp(h.now())
	h.qmu.Lock()
	h.queue = append(h.queue, q)
	h.qmu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Hub) pending() int {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	return len(h.queue)
}

func (h *Hub) takeAll() []queued {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	if len(h.queue) == 0 {
		return nil
	}
	out := h.queue
	h.queue = nil
	return out
}

// AddLogMessage records a log line, persists it when a store is configured
// and queues it for observers on the logs channel.
func (h *Hub) AddLogMessage(level, message string, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := h.now()
	ev := Event{
		"type":      TypeLog,
		"level":     strings.ToLower(level),
		"message":   message,
		"metadata":  metadata,
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	}
	h.recent.add(ev)
	h.Enqueue(ev)
}

// AddMonitoringEvent queues an event for the monitoring channel.
func (h *Hub) AddMonitoringEvent(eventType string, data any) {
	h.Enqueue(Event{
		"type":       TypeMonitoring,
		"event_type": eventType,
		"data":       data,
	})
}

// AddTaskUpdate queues a task progress event for every observer.
// results is sent as null until the task has started.
func (h *Hub) AddTaskUpdate(taskID, status string, progress, results map[string]any) {
	var res any
	if results != nil {
		res = results
	}
	h.Enqueue(Event{
		"type":     TypeTaskUpdate,
		"task_id":  taskID,
		"status":   status,
		"progress": progress,
		"results":  res,
	})
}

// Run is the dispatch loop. It is the only consumer of the queue.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Debug("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("dispatch loop stopped", logx.Int("pending", h.pending()))
			return nil
		case <-h.notify:
		}
		for _, q := range h.takeAll() {
			h.dispatch(ctx, q)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, q queued) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("dispatch panic", logx.Any("panic", r), logx.String("type", q.ev.Type()))
		}
	}()

	if q.ev.Type() == TypeLog {
		h.persist(ctx, q.ev)
	}

	ch := q.channel
	if ch == "" {
		ch = routeFor(q.ev.Type())
	}
	if ch == "" {
		h.BroadcastToAll(q.ev)
		return
	}
	h.BroadcastToChannel(ch, q.ev)
}

func (h *Hub) persist(ctx context.Context, ev Event) {
	if h.store == nil {
		return
	}
	entry := storage.LogEntry{At: h.now(), Source: "realtime"}
	entry.Level, _ = ev["level"].(string)
	entry.Message, _ = ev["message"].(string)
	entry.Metadata, _ = ev["metadata"].(map[string]any)
	if ts, ok := ev["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.At = t
		}
	}
	if src, ok := entry.Metadata["comp"].(string); ok && src != "" {
		entry.Source = src
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.store.AppendLog(sctx, entry); err != nil {
		h.log.Warn("log persist failed", logx.Err(err))
	}
}
