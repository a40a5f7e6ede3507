// Package events fans flow lifecycle events out to live observers.
//
// Publishing never blocks: every subscriber has a bounded buffer, and when a
// subscriber falls behind its oldest buffered event is dropped. The subscriber is
// flagged as having missed events and the event that caused the drop carries
// Resync=true, telling the observer to fetch a full snapshot.
//
// Events for one flow reach each subscriber in publish order. There is no
// ordering across flows.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names an event.
type Type string

const (
	TypeSnapshot      Type = "flow:snapshot"
	TypeStepStarted   Type = "step:started"
	TypeStepComplete  Type = "step:complete"
	TypeAssessed      Type = "security:assessed"
	TypeFlowComplete  Type = "flow:complete"
	TypeFlowError     Type = "flow:error"
	TypeFlowCancelled Type = "flow:cancelled"
)

// Terminal reports whether t ends a flow's stream.
func (t Type) Terminal() bool {
	return t == TypeFlowComplete || t == TypeFlowError || t == TypeFlowCancelled
}

// Event is one message on a flow's stream. Seq increases by one per published
// event within a flow, so a gap tells an observer it missed something.
type Event struct {
	Type   Type      `json:"type"`
	FlowID string    `json:"flowId"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"timestamp"`
	Resync bool      `json:"resync,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// DefaultBufferSize is the per-subscriber buffer length.
const DefaultBufferSize = 64

// Subscription is one observer of a flow. C is closed when the flow's stream
// ends or the subscription is cancelled.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	dropped atomic.Uint64
	closed  bool // guarded by the topic lock
}

// Missed reports whether any event was dropped for this subscriber.
func (s *Subscription) Missed() bool {
	return s.dropped.Load() > 0
}

// Dropped returns the number of events dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seq    uint64
	closed bool
}

// Broadcaster delivers events per flow id. Each flow has its own lock.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic

	bufSize int
	onDrop  func(flowID string)
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the per-subscriber buffer length.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		b.bufSize = n
	}
}

// WithDropHook registers fn to run whenever an event is dropped for a slow
// subscriber.
func WithDropHook(fn func(flowID string)) Option {
	return func(b *Broadcaster) {
		b.onDrop = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broadcaster) {
		b.log = l
	}
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		topics:  make(map[string]*topic),
		bufSize: DefaultBufferSize,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bufSize < 1 {
		b.bufSize = 1
	}
	return b
}

func (b *Broadcaster) topic(flowID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[flowID]
}

// Open starts flowID's stream. Events for a flow that was never opened, or was
// removed, are discarded. Opening an existing stream is a no-op.
func (b *Broadcaster) Open(flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[flowID]; !ok {
		b.topics[flowID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

// Len returns the number of streams held, open or closed.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// Subscribe registers an observer of flowID. The returned function cancels the
// subscription and may be called more than once. Subscribing to a closed flow
// or unknown flow returns an already closed channel.
func (b *Broadcaster) Subscribe(flowID string) (*Subscription, func()) {
	ch := make(chan Event, b.bufSize)
	sub := &Subscription{C: ch, ch: ch}
	t := b.topic(flowID)
	if t == nil {
		sub.closed = true
		close(ch)
		return sub, func() {}
	}

	t.mu.Lock()
	if t.closed {
		sub.closed = true
		close(ch)
	} else {
		t.subs[sub] = struct{}{}
	}
	t.mu.Unlock()

	return sub, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub.closed {
			return
		}
		delete(t.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
}

// Publish sends ev to every subscriber of flowID and returns the sequence
// number it was assigned. Events for a closed or unknown flow are discarded and
// get 0.
func (b *Broadcaster) Publish(flowID string, ev Event) uint64 {
	t := b.topic(flowID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	t.seq++
	ev.FlowID = flowID
	ev.Seq = t.seq
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	for sub := range t.subs {
		b.deliver(flowID, sub, ev)
	}
	return ev.Seq
}

// deliver must be called with the topic lock held, which makes the publisher the
// only sender on sub.ch.
func (b *Broadcaster) deliver(flowID string, sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	// Full: drop the oldest buffered event to make room.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		ev.Resync = true
		if b.onDrop != nil {
			b.onDrop(flowID)
		}
		b.log.Warn().Str("flow_id", flowID).Uint64("seq", ev.Seq).Msg("dropped event for slow subscriber")
	default:
		// The subscriber drained the buffer in the meantime.
	}
	select {
	case sub.ch <- ev:
	default:
	}
}

// Close ends flowID's stream: every subscriber channel is closed and later
// publishes are discarded.
func (b *Broadcaster) Close(flowID string) {
	t := b.topic(flowID)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	closeTopic(t)
}

// Remove closes flowID's stream and forgets it entirely.
func (b *Broadcaster) Remove(flowID string) {
	b.mu.Lock()
	t, ok := b.topics[flowID]
	delete(b.topics, flowID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	closeTopic(t)
}

func closeTopic(t *topic) {
	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	t.subs = nil
}

// Subscribers returns the number of live subscribers of flowID.
func (b *Broadcaster) Subscribers(flowID string) int {
	t := b.topic(flowID)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
