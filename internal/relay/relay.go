// Package relay mirrors in-process task lifecycle events to an AMQP exchange
// so other services can follow task progress.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/dygje/tgpro/internal/eventbus"
	logx "github.com/dygje/tgpro/pkg/logx"
)

const DefaultExchange = "tgpro.events"

var ErrClosed = errors.New("relay publisher closed")

// Publisher delivers one encoded event under a routing key.
type Publisher interface {
	Publish(routingKey string, body []byte) error
	Close() error
}

// DialFunc opens a Publisher. The relay calls it again after a failure.
type DialFunc func() (Publisher, error)

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	mu     sync.Mutex
	closed bool
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(url, exchange string) (Publisher, error) {
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *amqpPublisher) Publish(routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.ch.Publish(
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		})
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.ch.Close()
	return p.conn.Close()
}

// Stats is exposed for diagnostics.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Connected bool   `json:"connected"`
}

type Relay struct {
	bus    eventbus.Bus
	dial   DialFunc
	log    logx.Logger
	prefix string

	retryEvery time.Duration

	mu        sync.Mutex
	pub       Publisher
	lastDial  time.Time
	published atomic.Uint64
	failed    atomic.Uint64
}

type Option func(*Relay)

// WithTopicPrefix limits forwarding to event types with the prefix. Default "task.".
func WithTopicPrefix(p string) Option { return func(r *Relay) { r.prefix = p } }

// WithRetryEvery sets the minimum gap between reconnect attempts.
func WithRetryEvery(d time.Duration) Option { return func(r *Relay) { r.retryEvery = d } }

func New(bus eventbus.Bus, dial DialFunc, log logx.Logger, opts ...Option) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Relay{bus: bus, dial: dial, log: log, prefix: "task.", retryEvery: 5 * time.Second}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run forwards bus events until ctx is done. Broker failures are logged and
// the affected events are dropped; they never stop the loop.
func (r *Relay) Run(ctx context.Context) error {
	events, unsubscribe := r.bus.Subscribe(256)
	defer unsubscribe()
	defer r.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(ev.Type, r.prefix) {
				continue
			}
			r.forward(ev)
		}
	}
}

func (r *Relay) forward(ev eventbus.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		r.failed.Add(1)
		r.log.Warn("relay encode failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	pub := r.publisher()
	if pub == nil {
		r.failed.Add(1)
		return
	}
	if err := pub.Publish(ev.Type, body); err != nil {
		r.failed.Add(1)
		r.log.Warn("relay publish failed", logx.String("type", ev.Type), logx.Err(err))
		r.closePublisher()
		return
	}
	r.published.Add(1)
}

// publisher returns the live publisher, dialing when none is open and the
// retry gap has passed.
func (r *Relay) publisher() Publisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pub != nil {
		return r.pub
	}
	if !r.lastDial.IsZero() && time.Since(r.lastDial) < r.retryEvery {
		return nil
	}
	r.lastDial = time.Now()
	pub, err := r.dial()
	if err != nil {
		r.log.Warn("relay connect failed", logx.Err(err), logx.Duration("retry_in", r.retryEvery))
		return nil
	}
	r.log.Info("relay connected")
	r.pub = pub
	return pub
}

func (r *Relay) closePublisher() {
	r.mu.Lock()
	pub := r.pub
	r.pub = nil
	r.mu.Unlock()
	if pub != nil {
		_ = pub.Close()
	}
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	connected := r.pub != nil
	r.mu.Unlock()
	return Stats{Published: r.published.Load(), Failed: r.failed.Load(), Connected: connected}
}
