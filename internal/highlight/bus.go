package highlight

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Neeleshn20/spokensense/internal/observe"
)

// DefaultQueueSize is the per-subscriber queue bound.
const DefaultQueueSize = 256

// Option configures a [Bus].
type Option func(*Bus)

// WithQueueSize sets the default per-subscriber queue bound. Values below
// one are ignored.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is a non-blocking publish/subscribe hub for highlight events. It is
// safe for concurrent use.
type Bus struct {
	queueSize int
	metrics   *observe.Metrics

	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize: DefaultQueueSize,
		subs:      make(map[*Subscription]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// SubscribeOption configures one [Subscription].
type SubscribeOption func(*Subscription)

// WithBuffer overrides the bus queue bound for this subscriber.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithFilter delivers only events for which keep returns true. The filter
// runs on the publisher's goroutine and must be fast.
func WithFilter(keep func(Event) bool) SubscribeOption {
	return func(s *Subscription) { s.filter = keep }
}

// WithName labels the subscriber in log output.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.name = name }
}

// Subscribe registers a new observer. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		bus:    b,
		limit:  b.queueSize,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		events: make(chan Event),
	}
	for _, o := range opts {
		o(s)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		close(s.events)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	b.metrics.ActiveSubscribers.Add(context.Background(), 1)
	go s.run()
	return s
}

// Unsubscribe removes s and closes its channel. Undelivered events are
// discarded. Calling it more than once is a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		s.stop()
		b.metrics.ActiveSubscribers.Add(context.Background(), -1)
	}
}

// Publish assigns the next sequence number to ev and queues it for every
// subscriber. It never blocks. Events published after [Bus.Close] are
// dropped. The stamped event is returned.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev
	}
	b.seq++
	ev.Seq = b.seq
	ev.Coalesced = 0
	for s := range b.subs {
		s.enqueue(ev)
	}
	b.mu.Unlock()

	b.metrics.RecordHighlight(context.Background(), ev.Kind.String())
	return ev
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone and rejects further events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.stop()
		b.metrics.ActiveSubscribers.Add(context.Background(), -1)
	}
}

// Subscription is one observer's view of a [Bus].
type Subscription struct {
	bus    *Bus
	name   string
	limit  int
	filter func(Event) bool

	mu        sync.Mutex
	queue     []Event
	coalesced int // total folded over the subscription's life

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	events   chan Event
}

// Events returns the delivery channel. It is closed after
// [Bus.Unsubscribe] or [Bus.Close].
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the subscription has been stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Coalesced returns the total number of events folded for this subscriber.
func (s *Subscription) Coalesced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coalesced
}

// enqueue is called with the bus lock held. A full queue first folds each
// run of word moves into its newest event, keeping Start and Clear in place.
// If that frees nothing and ev cannot join the trailing move, the whole
// backlog collapses into ev.
func (s *Subscription) enqueue(ev Event) {
	if s.filter != nil && !s.filter(ev) {
		return
	}
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		var removed int
		s.queue, removed = compact(s.queue)
		if n := len(s.queue); n > 0 && isMove(ev) && isMove(s.queue[n-1]) {
			ev = collapse(ev, ev.Coalesced+s.queue[n-1].Coalesced+1)
			s.queue = s.queue[:n-1]
			removed++
		} else if n >= s.limit {
			folded := 0
			for _, q := range s.queue {
				folded += 1 + q.Coalesced
			}
			ev = collapse(ev, folded)
			removed += n
			s.queue = s.queue[:0]
		}
		s.coalesced += removed
		s.bus.metrics.HighlightCoalesced.Add(context.Background(), int64(removed))
		slog.Debug("highlight subscriber fell behind", "subscriber", s.name, "coalesced", removed, "index", ev.Index)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func isMove(ev Event) bool { return ev.Kind == Advance || ev.Kind == Jump }

// compact folds every run of consecutive word moves in q into the run's last
// event and returns the shortened queue with the number of events removed.
// Each kept event's Coalesced grows by what it absorbed.
func compact(q []Event) ([]Event, int) {
	out := q[:0]
	removed := 0
	for _, ev := range q {
		if n := len(out); n > 0 && isMove(ev) && isMove(out[n-1]) {
			out[n-1] = collapse(ev, ev.Coalesced+out[n-1].Coalesced+1)
			removed++
			continue
		}
		out = append(out, ev)
	}
	return out, removed
}

// collapse turns the newest event into the single replacement for a dropped
// backlog. Lifecycle events keep their kind; word moves become a Jump.
func collapse(newest Event, folded int) Event {
	if newest.Kind == Advance {
		newest.Kind = Jump
	}
	newest.Coalesced = folded
	return newest
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) run() {
	defer close(s.events)
	var batch []Event
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		s.mu.Lock()
		batch = append(batch[:0], s.queue...)
		s.queue = s.queue[:0]
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
