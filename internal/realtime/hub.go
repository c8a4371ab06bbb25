// Package realtime fans events out to observer websockets.
//
// Producers enqueue events without blocking; a single dispatch loop drains
// the queue and routes each event by type. Every socket has its own write
// lock, so replies sent from a connection's read loop and keepalive pings
// never interleave with dispatch writes. A failed write removes the
// connection; producers never see delivery errors.
package realtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

var (
	ErrUnknownClient  = errors.New("realtime: unknown client")
	ErrInvalidChannel = errors.New("realtime: invalid channel")
	ErrGreetingFailed = errors.New("realtime: greeting write failed")

	errConnClosed = errors.New("realtime: connection closed")
)

// Socket is the write side of an observer connection.
// *websocket.Conn from gofiber/contrib satisfies it.
type Socket interface {
	WriteJSON(v any) error
	Close() error
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

type conn struct {
	id          string
	channel     string
	sock        Socket
	connectedAt time.Time

	wmu    sync.Mutex
	closed bool // guarded by wmu
}

// Stats is the connection registry summary.
type Stats struct {
	Total             int            `json:"total_connections"`
	ByChannel         map[string]int `json:"connection_types"`
	ClientIDs         []string       `json:"active_client_ids"`
	PendingQueueDepth int            `json:"queue_size"`
}

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn

	qmu    sync.Mutex
	queue  []queued
	notify chan struct{}

	recent *logRing
	store  LogStore
	stats  StatsSource

	writeTimeout time.Duration
	log          logx.Logger
	now          func() time.Time
}

type Option func(*Hub)

// WithLogger sets the hub logger. Records are tagged with the quiet
// component so they are never streamed back to observers.
func WithLogger(log logx.Logger) Option {
	return func(h *Hub) {
		if !log.IsZero() {
			h.log = log.With(logx.String("comp", logx.QuietComponent))
		}
	}
}

// WithLogStore persists every log event and serves history from it.
func WithLogStore(s LogStore) Option { return func(h *Hub) { h.store = s } }

func WithStatsSource(src StatsSource) Option { return func(h *Hub) { h.stats = src } }

func WithRecentLogs(n int) Option { return func(h *Hub) { h.recent = newLogRing(n) } }

func WithWriteTimeout(d time.Duration) Option { return func(h *Hub) { h.writeTimeout = d } }

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		conns:        map[string]*conn{},
		notify:       make(chan struct{}, 1),
		recent:       newLogRing(100),
		stats:        SampleSystem,
		writeTimeout: 10 * time.Second,
		log:          logx.Nop(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Connect registers sock under clientID and greets it with a
// connection_established event. A socket already registered under the same
// id is closed and replaced. The greeting is written before any other event
// can reach the socket.
func (h *Hub) Connect(sock Socket, clientID, channel string) error {
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	c := &conn{id: clientID, channel: channel, sock: sock, connectedAt: h.now()}

	c.wmu.Lock()
	h.mu.Lock()
	old := h.conns[clientID]
	h.conns[clientID] = c
	total := len(h.conns)
	h.mu.Unlock()

	err := h.writeLocked(c, Event{
		"type":            TypeConnectionEstablished,
		"client_id":       clientID,
		"connection_type": channel,
	})
	c.wmu.Unlock()

	if old != nil {
		old.close()
	}
	if err != nil {
		h.drop(c, err)
		return ErrGreetingFailed
	}
	h.log.Info("observer connected",
		logx.String("client", clientID),
		logx.String("channel", channel),
		logx.Int("total", total),
	)
	return nil
}

// Disconnect removes clientID and closes its socket. It waits for a write in
// flight on that socket; afterwards the hub never touches the socket again.
// Unknown ids are ignored.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c := h.conns[clientID]
	delete(h.conns, clientID)
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.close()
	h.log.Info("observer disconnected", logx.String("client", clientID), logx.String("channel", c.channel))
}

// close marks c closed and closes its socket once.
func (c *conn) close() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.sock.Close()
}

// drop removes c only if it is still the registered socket for its id, so a
// stale failure can't evict a newer connection that reused the id.
func (h *Hub) drop(c *conn, err error) {
	h.mu.Lock()
	cur := h.conns[c.id]
	if cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	c.close()
	if cur == c {
		h.log.Warn("observer write failed, dropping", logx.String("client", c.id), logx.Err(err))
	}
}

func (h *Hub) lookup(clientID string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[clientID]
}

func (h *Hub) snapshot(channel string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if channel == "" || c.channel == channel {
			out = append(out, c)
		}
	}
	return out
}

// writeLocked writes ev to c. The caller holds c.wmu. A panicking socket is
// reported as an error.
func (h *Hub) writeLocked(c *conn, ev Event) (err error) {
	if c.closed {
		return errConnClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("realtime: socket write panic: %v", r)
		}
	}()
	if d, ok := c.sock.(deadliner); ok && h.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	return c.sock.WriteJSON(ev.withTimestamp(h.now()))
}

// write sends ev to c under c's write lock. On failure c is dropped.
func (h *Hub) write(c *conn, ev Event) bool {
	c.wmu.Lock()
	err := h.writeLocked(c, ev)
	c.wmu.Unlock()

	switch {
	case err == nil:
		return true
	case errors.Is(err, errConnClosed):
		return false
	}
	h.drop(c, err)
	return false
}

// SendToClient writes ev to one observer and reports whether it was delivered.
func (h *Hub) SendToClient(clientID string, ev Event) bool {
	c := h.lookup(clientID)
	if c == nil {
		return false
	}
	return h.write(c, ev)
}

// BroadcastToChannel writes ev to every observer on channel and returns how
// many writes succeeded. Failed observers are dropped.
func (h *Hub) BroadcastToChannel(channel string, ev Event) int {
	return h.broadcast(channel, ev)
}

// BroadcastToAll writes ev to every observer regardless of channel.
func (h *Hub) BroadcastToAll(ev Event) int {
	return h.broadcast("", ev)
}

func (h *Hub) broadcast(channel string, ev Event) int {
	ev = ev.withTimestamp(h.now())
	n := 0
	for _, c := range h.snapshot(channel) {
		if h.write(c, ev) {
			n++
		}
	}
	return n
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{
		Total:     len(h.conns),
		ByChannel: map[string]int{},
		ClientIDs: make([]string, 0, len(h.conns)),
	}
	for id, c := range h.conns {
		st.ByChannel[c.channel]++
		st.ClientIDs = append(st.ClientIDs, id)
	}
	h.mu.RUnlock()
	sort.Strings(st.ClientIDs)
	st.PendingQueueDepth = h.pending()
	return st
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = map[string]*conn{}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
