// Package blacklist tracks chat targets that must not be messaged, either
// permanently (the platform refused them) or until a cooldown expires.
package blacklist

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// Reasons recorded with an entry.
const (
	ReasonChatForbidden      = "ChatForbidden"
	ReasonChatIDInvalid      = "ChatIdInvalid"
	ReasonUserBlocked        = "UserBlocked"
	ReasonPeerIDInvalid      = "PeerIdInvalid"
	ReasonChatWriteForbidden = "ChatWriteForbidden"
	ReasonSlowMode           = "SlowModeWait"
	ReasonFloodWait          = "FloodWait"
	ReasonManual             = "Manual"
)

var ErrEmptyTarget = errors.New("blacklist: empty target")

type Entry struct {
	Target    string     `json:"target"`
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expiry,omitempty"`
	Permanent bool       `json:"permanent"`
}

type Stats struct {
	Permanent int `json:"permanent_count"`
	Temporary int `json:"temporary_count"`
	Total     int `json:"total_blacklisted"`
}

// List is implemented by the memory and redis drivers.
type List interface {
	Blocked(ctx context.Context, target string) (bool, error)
	// Block adds target. ttl <= 0 means permanent; a permanent entry
	// replaces any temporary one for the same target.
	Block(ctx context.Context, target, reason string, ttl time.Duration) error
	Unblock(ctx context.Context, target string) error
	Entries(ctx context.Context) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	// Cleanup drops expired temporary entries and reports how many went.
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

type Config struct {
	Driver   string
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open returns the configured driver; empty selects memory.
func Open(cfg Config, log logx.Logger) (List, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(log), nil
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown blacklist driver: " + cfg.Driver)
	}
}

func normalize(target string) string { return strings.TrimSpace(target) }

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Permanent != es[j].Permanent {
			return es[i].Permanent
		}
		return es[i].Target < es[j].Target
	})
}

type memoryList struct {
	mu   sync.Mutex
	perm map[string]Entry
	temp map[string]Entry
	log  logx.Logger
	now  func() time.Time
}

func NewMemory(log logx.Logger) List {
	return &memoryList{
		perm: map[string]Entry{},
		temp: map[string]Entry{},
		log:  log,
		now:  time.Now,
	}
}

func (m *memoryList) Blocked(ctx context.Context, target string) (bool, error) {
	target = normalize(target)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.perm[target]; ok {
		return true, nil
	}
	e, ok := m.temp[target]
	if !ok {
		return false, nil
	}
	if !e.ExpiresAt.After(m.now()) {
		delete(m.temp, target)
		return false, nil
	}
	return true, nil
}

func (m *memoryList) Block(ctx context.Context, target, reason string, ttl time.Duration) error {
	target = normalize(target)
	if target == "" {
		return ErrEmptyTarget
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ttl <= 0 {
		m.perm[target] = Entry{Target: target, Reason: reason, AddedAt: now, Permanent: true}
		delete(m.temp, target)
		m.log.Warn("target blacklisted permanently", logx.String("target", target), logx.String("reason", reason))
		return nil
	}
	if _, ok := m.perm[target]; ok {
		return nil
	}
	exp := now.Add(ttl)
	m.temp[target] = Entry{Target: target, Reason: reason, AddedAt: now, ExpiresAt: &exp}
	m.log.Warn("target blacklisted temporarily",
		logx.String("target", target),
		logx.String("reason", reason),
		logx.Duration("ttl", ttl),
	)
	return nil
}

func (m *memoryList) Unblock(ctx context.Context, target string) error {
	target = normalize(target)
	m.mu.Lock()
	delete(m.perm, target)
	delete(m.temp, target)
	m.mu.Unlock()
	return nil
}

func (m *memoryList) Entries(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	m.cleanupLocked()
	out := make([]Entry, 0, len(m.perm)+len(m.temp))
	for _, e := range m.perm {
		out = append(out, e)
	}
	for _, e := range m.temp {
		out = append(out, e)
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}

func (m *memoryList) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	return Stats{Permanent: len(m.perm), Temporary: len(m.temp), Total: len(m.perm) + len(m.temp)}, nil
}

func (m *memoryList) Cleanup(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.cleanupLocked()
	if n > 0 {
		m.log.Info("expired blacklist entries removed", logx.Int("count", n))
	}
	return n, nil
}

func (m *memoryList) cleanupLocked() int {
	now := m.now()
	n := 0
	for k, e := range m.temp {
		if !e.ExpiresAt.After(now) {
			delete(m.temp, k)
			n++
		}
	}
	return n
}

func (m *memoryList) Close() error { return nil }
