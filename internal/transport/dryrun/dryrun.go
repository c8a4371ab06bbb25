// Package dryrun is a transport.Platform that records calls instead of
// talking to a chat platform. It backs dry-run mode and engine tests.
package dryrun

import (
	"context"
	"sync"
	"time"

	"github.com/dygje/tgpro/internal/transport"
	logx "github.com/dygje/tgpro/pkg/logx"
)

// Call is one recorded platform call.
type Call struct {
	Op     string
	Target transport.ChatTarget
	Text   string
	At     time.Time
}

type Platform struct {
	mu     sync.Mutex
	calls  []Call
	fail   map[string]error
	delay  time.Duration
	nextID int
	log    logx.Logger
}

func New(log logx.Logger) *Platform {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Platform{fail: map[string]error{}, log: log}
}

// FailFor makes every call addressed to target return err.
func (p *Platform) FailFor(target string, err error) {
	p.mu.Lock()
	p.fail[target] = err
	p.mu.Unlock()
}

// SetDelay adds latency to every call.
func (p *Platform) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

func (p *Platform) do(ctx context.Context, op string, to transport.ChatTarget, text string) (int, error) {
	p.mu.Lock()
	delay := p.delay
	err := p.fail[to.String()]
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Op: op, Target: to, Text: text, At: time.Now()})
	if err != nil {
		return 0, err
	}
	p.nextID++
	return p.nextID, nil
}

func (p *Platform) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	id, err := p.do(ctx, "send", to, text)
	if err != nil {
		return transport.MessageRef{}, err
	}
	p.log.Debug("dry-run send", logx.String("target", to.String()), logx.Int("len", len(text)))
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

func (p *Platform) ManageGroup(ctx context.Context, op string, group transport.ChatTarget) (transport.GroupInfo, error) {
	if _, err := p.do(ctx, "group."+op, group, ""); err != nil {
		return transport.GroupInfo{}, err
	}
	p.log.Debug("dry-run group operation", logx.String("op", op), logx.String("target", group.String()))
	return transport.GroupInfo{ChatID: group.ChatID, Title: group.String(), Type: "supergroup"}, nil
}
