package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dygje/tgpro/internal/storage"
	logx "github.com/dygje/tgpro/pkg/logx"
)

// logRing keeps the most recent log events in arrival order.
type logRing struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func newLogRing(n int) *logRing {
	if n <= 0 {
		n = 100
	}
	return &logRing{buf: make([]Event, n)}
}

func (r *logRing) add(ev Event) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// last returns up to n events, oldest first.
func (r *logRing) last(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Event, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// RecentLogs returns up to limit log events, oldest first. The log store is
// preferred so history survives restarts; the in-memory ring is the fallback.
func (h *Hub) RecentLogs(ctx context.Context, limit int) []Event {
	if limit <= 0 {
		limit = 20
	}
	if h.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		entries, err := h.store.QueryLogs(sctx, storage.LogQuery{Limit: limit})
		if err == nil {
			out := make([]Event, 0, len(entries))
			for i := len(entries) - 1; i >= 0; i-- {
				out = append(out, logEvent(entries[i]))
			}
			return out
		}
		h.log.Warn("log history query failed", logx.Err(err))
	}
	return h.recent.last(limit)
}

func logEvent(e storage.LogEntry) Event {
	md := e.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return Event{
		"type":      TypeLog,
		"level":     e.Level,
		"message":   e.Message,
		"source":    e.Source,
		"metadata":  md,
		"timestamp": e.At.UTC().Format(time.RFC3339Nano),
	}
}

// ReplayLogs sends recent history to one observer as historical_log events.
func (h *Hub) ReplayLogs(ctx context.Context, clientID string, limit int) int {
	n := 0
	for _, ev := range h.RecentLogs(ctx, limit) {
		cp := make(Event, len(ev))
		for k, v := range ev {
			cp[k] = v
		}
		cp["type"] = TypeHistoricalLog
		if !h.SendToClient(clientID, cp) {
			break
		}
		n++
	}
	return n
}

// command is a client request read from an observer socket.
type command struct {
	Command string `json:"command"`
	Limit   int    `json:"limit"`
}

// HandleCommand answers one raw client message on the sender's socket.
func (h *Hub) HandleCommand(ctx context.Context, clientID string, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.SendToClient(clientID, Event{"type": TypeError, "message": "invalid JSON"})
		return
	}
	switch cmd.Command {
	case "ping":
		h.SendToClient(clientID, Event{"type": TypePong})
	case "get_recent_logs":
		h.SendToClient(clientID, Event{"type": TypeRecentLogs, "logs": h.RecentLogs(ctx, cmd.Limit)})
	case "get_stats":
		ev, err := h.systemStatsEvent(ctx)
		if err != nil {
			h.SendToClient(clientID, Event{"type": TypeError, "message": err.Error()})
			return
		}
		h.SendToClient(clientID, ev)
	case "get_connection_stats":
		h.SendToClient(clientID, Event{"type": TypeConnectionStats, "stats": h.Stats()})
	default:
		h.SendToClient(clientID, Event{"type": TypeError, "message": "unknown command: " + cmd.Command})
	}
}
