// Package bus implements the bounded in-memory event bus that decouples
// signal producers from the intelligence engines.
//
// Publish is non-blocking: envelopes are appended to a bounded FIFO queue
// and a dispatch pass drains the whole queue on a background goroutine.
// Overflow behavior is configurable (drop-oldest or reject-new), delivery
// is filtered per subscriber, and restricted content is redacted before it
// leaves the bus.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/metrics"
)

// OverflowPolicy selects what happens when the queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = "drop-oldest"
	// RejectNew refuses the incoming publish.
	RejectNew OverflowPolicy = "reject-new"
)

// DefaultMaxQueue is the default queue capacity.
const DefaultMaxQueue = 2000

// Result reports the outcome of a publish.
type Result struct {
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
	QueueLength int    `json:"queueLength"`
}

// Handler consumes delivered envelopes. Handlers run on the dispatch
// goroutine; panics are swallowed per subscriber so one misbehaving
// consumer cannot stall the rest. Unredacted envelopes are shared with
// the publisher and other subscribers, so handlers must treat them as
// read-only.
type Handler func(*event.Envelope)

// Subscription describes what a subscriber wants to receive. Zero values
// mean "no filter".
type Subscription struct {
	MinPriority int
	Domains     []event.Domain
	Kinds       []event.Kind
	Handler     Handler
}

type subscriber struct {
	id          int
	minPriority int
	domains     map[event.Domain]bool // nil = allow all
	kinds       map[event.Kind]bool   // nil = allow all
	handler     Handler
}

func (s *subscriber) wants(e *event.Envelope) bool {
	if e.Priority < s.minPriority {
		return false
	}
	if s.domains != nil && !s.domains[e.Domain] {
		return false
	}
	if s.kinds != nil && !s.kinds[e.Kind] {
		return false
	}
	return true
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Rejected    int64 `json:"rejected"`
	Subscribers int   `json:"subscribers"`
	QueueLength int   `json:"queueLength"`
	LastEventTS int64 `json:"lastEventTs"` // epoch millis, 0 if none yet
}

// Bus is the bounded in-memory event bus.
type Bus struct {
	mu     sync.Mutex
	queue  []*event.Envelope
	subs   map[int]*subscriber
	nextID int

	maxQueue int
	policy   OverflowPolicy
	redact   bool

	// dispatching guards against overlapping drain passes; kick wakes the
	// dispatch goroutine after a publish.
	dispatching atomic.Bool
	kick        chan struct{}

	published   atomic.Int64
	delivered   atomic.Int64
	dropped     atomic.Int64
	rejected    atomic.Int64
	lastEventTS atomic.Int64

	logger *slog.Logger
}

// Option configures the bus.
type Option func(*Bus)

// WithMaxQueue overrides the queue capacity.
func WithMaxQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxQueue = n
		}
	}
}

// WithOverflowPolicy selects drop-oldest or reject-new.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(b *Bus) {
		if p == DropOldest || p == RejectNew {
			b.policy = p
		}
	}
}

// WithRedaction enables redaction of restricted/secret envelopes before
// delivery. Enabled by default.
func WithRedaction(enabled bool) Option {
	return func(b *Bus) { b.redact = enabled }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates a bus. Call Run in a goroutine to start delivery; until then
// publishes queue up (and overflow policy applies) but nothing is delivered.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[int]*subscriber),
		maxQueue: DefaultMaxQueue,
		policy:   DropOldest,
		redact:   true,
		kick:     make(chan struct{}, 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run drives the dispatch loop until ctx is canceled. Queued envelopes not
// yet drained at cancellation are discarded.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.kick:
			b.drain()
		}
	}
}

// Publish enqueues an envelope for asynchronous delivery. Never blocks on
// subscriber work.
func (b *Bus) Publish(e *event.Envelope) Result {
	if e == nil {
		return Result{Accepted: false, Reason: "nil envelope"}
	}

	b.mu.Lock()
	if len(b.queue) >= b.maxQueue {
		switch b.policy {
		case RejectNew:
			qlen := len(b.queue)
			b.mu.Unlock()
			b.rejected.Add(1)
			metrics.EventsRejectedTotal.Inc()
			return Result{Accepted: false, Reason: "queue full", QueueLength: qlen}
		default: // DropOldest
			evicted := len(b.queue) - b.maxQueue + 1
			b.queue = append(b.queue[:0], b.queue[evicted:]...)
			b.dropped.Add(int64(evicted))
			metrics.EventsDroppedTotal.Add(float64(evicted))
		}
	}
	b.queue = append(b.queue, e)
	qlen := len(b.queue)
	b.mu.Unlock()

	b.published.Add(1)
	b.lastEventTS.Store(e.TS)
	metrics.EventsPublishedTotal.WithLabelValues(string(e.Domain)).Inc()
	metrics.BusQueueLength.Set(float64(qlen))

	// Wake the dispatcher; a pending kick already covers this publish.
	select {
	case b.kick <- struct{}{}:
	default:
	}

	return Result{Accepted: true, QueueLength: qlen}
}

// Subscribe registers a subscriber and returns its unsubscribe function.
func (b *Bus) Subscribe(sub Subscription) func() {
	s := &subscriber{
		minPriority: sub.MinPriority,
		handler:     sub.Handler,
	}
	if len(sub.Domains) > 0 {
		s.domains = make(map[event.Domain]bool, len(sub.Domains))
		for _, d := range sub.Domains {
			s.domains[d] = true
		}
	}
	if len(sub.Kinds) > 0 {
		s.kinds = make(map[event.Kind]bool, len(sub.Kinds))
		for _, k := range sub.Kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
	}
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	qlen := len(b.queue)
	subs := len(b.subs)
	b.mu.Unlock()

	return Metrics{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Rejected:    b.rejected.Load(),
		Subscribers: subs,
		QueueLength: qlen,
		LastEventTS: b.lastEventTS.Load(),
	}
}

// drain delivers the entire queued batch to current subscribers. The
// dispatching flag keeps a second kick from overlapping an in-flight pass.
func (b *Bus) drain() {
	if !b.dispatching.CompareAndSwap(false, true) {
		return
	}
	defer b.dispatching.Store(false)

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			metrics.BusQueueLength.Set(0)
			return
		}
		batch := b.queue
		b.queue = nil
		subs := make([]*subscriber, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, e := range batch {
			redact := b.redact && event.NeedsRedaction(e)
			for _, s := range subs {
				if !s.wants(e) {
					continue
				}
				// Each subscriber gets its own redacted copy so a
				// handler mutating the payload cannot leak masked
				// fields into later deliveries.
				deliver := e
				if redact {
					deliver = event.Redacted(e)
				}
				b.deliverOne(s, deliver)
			}
		}
	}
}

func (b *Bus) deliverOne(s *subscriber, e *event.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("subscriber panic swallowed", "subscriber", s.id, "panic", r)
		}
	}()
	s.handler(e)
	b.delivered.Add(1)
	metrics.EventsDeliveredTotal.Inc()
}
