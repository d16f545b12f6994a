package engine

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astro-dash/backend/internal/session"
)

const dropLogInterval = 10 * time.Second

// Publisher fans snapshots and raw events out to in-process subscribers.
// Every subscriber runs on its own goroutine, so Publish never waits on a
// callback.
//
// Snapshot subscribers see the latest snapshot: if one falls behind,
// intermediate snapshots are replaced. Event subscribers get a bounded
// queue; events beyond it are dropped and counted.
type Publisher struct {
	buffer  int
	metrics *Metrics

	mu        sync.Mutex
	snapshots map[string]*snapshotSub
	events    map[string]*eventSub
	last      *session.Snapshot
	closed    bool
}

type snapshotSub struct {
	id     string
	fn     func(session.Snapshot)
	latest chan session.Snapshot
	done   chan struct{}
}

type eventSub struct {
	id          string
	fn          func(session.ClassifiedEvent)
	queue       chan session.ClassifiedEvent
	done        chan struct{}
	dropped     int64
	lastDropLog time.Time
}

// NewPublisher creates a publisher whose event queues hold buffer entries.
// metrics may be nil.
func NewPublisher(buffer int, metrics *Metrics) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Publisher{
		buffer:    buffer,
		metrics:   metrics,
		snapshots: make(map[string]*snapshotSub),
		events:    make(map[string]*eventSub),
	}
}

// SubscribeSnapshots registers fn for snapshot changes. The most recent
// snapshot, if any, is delivered right away. The returned func unsubscribes.
func (p *Publisher) SubscribeSnapshots(fn func(session.Snapshot)) (unsubscribe func()) {
	sub := &snapshotSub{
		id:     uuid.NewString(),
		fn:     fn,
		latest: make(chan session.Snapshot, 1),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	p.snapshots[sub.id] = sub
	if p.last != nil {
		sub.latest <- *p.last
	}
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case snap := <-sub.latest:
				deliver(sub.id, func() { sub.fn(snap) })
			}
		}
	}()

	return func() { p.removeSnapshot(sub.id) }
}

// SubscribeEvents registers fn for every live event the engine accepts.
func (p *Publisher) SubscribeEvents(fn func(session.ClassifiedEvent)) (unsubscribe func()) {
	sub := &eventSub{
		id:    uuid.NewString(),
		fn:    fn,
		queue: make(chan session.ClassifiedEvent, p.buffer),
		done:  make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return func() {}
	}
	p.events[sub.id] = sub
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.queue:
				deliver(sub.id, func() { sub.fn(ev) })
			}
		}
	}()

	return func() { p.removeEvent(sub.id) }
}

// PublishSnapshot hands snap to every snapshot subscriber, replacing any
// snapshot a subscriber has not picked up yet.
func (p *Publisher) PublishSnapshot(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.last = &snap
	for _, sub := range p.snapshots {
		select {
		case <-sub.latest:
		default:
		}
		select {
		case sub.latest <- snap:
		default:
		}
	}
}

// Last returns the most recently published snapshot. ok is false before the
// first publish.
func (p *Publisher) Last() (snap session.Snapshot, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return session.Snapshot{}, false
	}
	return *p.last, true
}

// PublishEvent queues ev for every event subscriber without blocking.
func (p *Publisher) PublishEvent(ev session.ClassifiedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, sub := range p.events {
		select {
		case sub.queue <- ev:
		default:
			p.metrics.SubscriberDrops.WithLabelValues("event").Inc()
			sub.dropped++
			now := time.Now()
			if sub.lastDropLog.IsZero() || now.Sub(sub.lastDropLog) >= dropLogInterval {
				log.Printf("[publisher] subscriber %s dropped %d events (queue full)", sub.id, sub.dropped)
				sub.dropped = 0
				sub.lastDropLog = now
			}
		}
	}
}

// Counts returns the number of snapshot and event subscribers.
func (p *Publisher) Counts() (snapshots, events int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots), len(p.events)
}

// Close stops every subscriber goroutine. Later subscriptions are no-ops.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.snapshots {
		close(sub.done)
		delete(p.snapshots, id)
	}
	for id, sub := range p.events {
		close(sub.done)
		delete(p.events, id)
	}
}

func (p *Publisher) removeSnapshot(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.snapshots[id]; ok {
		close(sub.done)
		delete(p.snapshots, id)
	}
}

func (p *Publisher) removeEvent(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.events[id]; ok {
		close(sub.done)
		delete(p.events, id)
	}
}

// deliver runs a subscriber callback, containing any panic.
func deliver(id string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[publisher] subscriber %s panicked: %v", id, r)
		}
	}()
	call()
}
