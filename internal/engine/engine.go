package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/astro-dash/backend/internal/config"
	"github.com/astro-dash/backend/internal/feed"
	"github.com/astro-dash/backend/internal/session"
)

var (
	// ErrDestroyed is returned by operations on an engine after Destroy.
	ErrDestroyed = errors.New("engine destroyed")
	// ErrNotInitialized is returned by operations that need Init first.
	ErrNotInitialized = errors.New("engine not initialized")
)

// HistorySource returns the events the equipment-control application still
// remembers. *feed.HistoryClient implements it.
type HistorySource interface {
	Fetch(ctx context.Context) ([]session.Event, error)
}

// Feed is the live connection the engine consumes. *feed.Manager
// implements it.
type Feed interface {
	Run(ctx context.Context)
	Reconnect()
	Status() feed.Status
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher shares p instead of creating a private publisher. A shared
// publisher is not closed by Destroy, so subscribers outlive the engine.
func WithPublisher(p *Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records into m instead of an unregistered private set.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHistory replaces the REST history client.
func WithHistory(h HistorySource) Option {
	return func(e *Engine) { e.history = h }
}

// WithFeed replaces the socket manager. The engine still owns the inbound
// channel; newFeed receives it.
func WithFeed(newFeed func(out chan<- feed.Message) Feed) Option {
	return func(e *Engine) { e.newFeed = newFeed }
}

// WithNow replaces the clock used for receipt times and eviction.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Status describes the engine lifecycle and its feed connection.
type Status struct {
	feed.Status
	Initialized bool `json:"initialized"`
	Destroyed   bool `json:"destroyed"`
}

// logStats is the part of the memory report owned by the actor.
type logStats struct {
	entries   int
	oldest    time.Time
	newest    time.Time
	evicted   int
	dedupSize int
}

type seedRequest struct {
	events  []session.Event
	initial bool
	reply   chan session.Snapshot
}

// Engine ingests the event feed and maintains the current session snapshot.
//
// All log, dedup and snapshot mutation happens on a single actor goroutine
// fed by channels. Readers load the snapshot through an atomic pointer and
// never wait on ingestion.
type Engine struct {
	cfg        config.EngineConfig
	classifier *session.Classifier
	reducer    *session.Reducer
	reduce     func([]session.Event) session.Snapshot
	history    HistorySource
	newFeed    func(out chan<- feed.Message) Feed
	feed       Feed
	publisher  *Publisher
	ownsPub    bool
	metrics    *Metrics
	now        func() time.Time
	proc       *process.Process

	// Actor state.
	eventLog     *session.Log
	dedup        *session.Deduplicator
	initialSeed  bool
	connectCount int

	inbound chan feed.Message
	seeds   chan seedRequest

	snapshot    atomic.Pointer[session.Snapshot]
	stats       atomic.Pointer[logStats]
	initialized atomic.Bool
	destroyed   atomic.Bool

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	initOnce    sync.Once
	destroyOnce sync.Once
	done        chan struct{}
	errMu       sync.Mutex
	err         error
}

// New builds an engine from cfg. Nothing runs until Init.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	classifier, err := session.NewClassifier(cfg.Classifier.ExtraTags)
	if err != nil {
		return nil, fmt.Errorf("building classifier: %w", err)
	}

	e := &Engine{
		cfg:        cfg.Engine,
		classifier: classifier,
		reducer:    session.NewReducer(classifier),
		now:        time.Now,
		inbound:    make(chan feed.Message, cfg.Engine.InboundBuffer),
		seeds:      make(chan seedRequest),
		done:       make(chan struct{}),
	}
	e.reduce = func(entries []session.Event) session.Snapshot {
		return e.reducer.ReduceAt(entries, e.now())
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.publisher == nil {
		e.publisher = NewPublisher(cfg.Engine.SubscriberBuffer, e.metrics)
		e.ownsPub = true
	}
	if e.history == nil {
		e.history = feed.NewHistoryClient(cfg.Feed.HistoryURL(), cfg.Feed.HistoryTimeout)
	}
	if e.newFeed == nil {
		fopts := feed.OptionsFromConfig(cfg.Feed)
		fopts.OnState = e.metrics.observeState
		e.newFeed = func(out chan<- feed.Message) Feed {
			return feed.NewManager(fopts, out)
		}
	}

	e.eventLog = session.NewLog(cfg.Engine.MaxEntries, cfg.Engine.MaxAge, classifier)
	e.dedup = session.NewDeduplicator(cfg.Engine.DedupWindow)
	e.snapshot.Store(&session.Snapshot{})
	e.stats.Store(&logStats{})
	e.proc = selfProcess()

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Init seeds the log from history, then connects to the live feed. A failed
// seed is logged and retried on the first connection rather than failing
// Init. It returns ctx.Err() if ctx ends while seeding.
func (e *Engine) Init(ctx context.Context) error {
	if e.destroyed.Load() {
		return ErrDestroyed
	}

	var err error
	e.initOnce.Do(func() {
		e.wg.Add(1)
		go e.run()

		if _, seedErr := e.seed(ctx, true); seedErr != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
				return
			}
			if errors.Is(seedErr, ErrDestroyed) {
				err = seedErr
				return
			}
			log.Printf("[engine] initial seed failed: %v", seedErr)
		}

		e.feed = e.newFeed(e.inbound)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.feed.Run(e.ctx)
		}()
		e.initialized.Store(true)
		log.Printf("[engine] initialized with %d entries", e.stats.Load().entries)
	})
	return err
}

// Destroy closes the feed, stops every goroutine and rejects further work.
// It is idempotent.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		e.destroyed.Store(true)
		e.cancel()
		e.wg.Wait()
		if e.ownsPub {
			e.publisher.Close()
		}
		e.markDone(nil)
	})
}

// Done is closed when the engine stops, by Destroy or by a fatal fault.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fault that stopped the engine, or nil.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// SessionState returns the current snapshot without blocking.
func (e *Engine) SessionState() session.Snapshot {
	return *e.snapshot.Load()
}

// RefreshSessionState re-seeds from history and returns the resulting
// snapshot.
func (e *Engine) RefreshSessionState(ctx context.Context) (session.Snapshot, error) {
	if err := e.usable(); err != nil {
		return session.Snapshot{}, err
	}
	return e.seed(ctx, false)
}

// Reconnect drops the feed connection and dials again with a fresh backoff
// budget.
func (e *Engine) Reconnect() error {
	if err := e.usable(); err != nil {
		return err
	}
	e.feed.Reconnect()
	return nil
}

// SubscribeSnapshots registers fn for snapshot changes.
func (e *Engine) SubscribeSnapshots(fn func(session.Snapshot)) (unsubscribe func()) {
	return e.publisher.SubscribeSnapshots(fn)
}

// SubscribeEvents registers fn for every accepted live event.
func (e *Engine) SubscribeEvents(fn func(session.ClassifiedEvent)) (unsubscribe func()) {
	return e.publisher.SubscribeEvents(fn)
}

func (e *Engine) Status() Status {
	st := Status{
		Initialized: e.initialized.Load(),
		Destroyed:   e.destroyed.Load(),
	}
	if st.Initialized {
		st.Status = e.feed.Status()
	}
	return st
}

func (e *Engine) usable() error {
	if e.destroyed.Load() {
		return ErrDestroyed
	}
	if !e.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// seed fetches history on the caller's goroutine and hands it to the actor.
func (e *Engine) seed(ctx context.Context, initial bool) (session.Snapshot, error) {
	events, err := e.history.Fetch(ctx)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("fetching history: %w", err)
	}
	req := seedRequest{events: events, initial: initial, reply: make(chan session.Snapshot, 1)}
	select {
	case e.seeds <- req:
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	case <-e.ctx.Done():
		return session.Snapshot{}, ErrDestroyed
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	case <-e.ctx.Done():
		return session.Snapshot{}, ErrDestroyed
	}
}

// run is the actor loop. A panic here is a fatal fault; the supervisor
// restarts the engine.
func (e *Engine) run() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("engine loop panic: %v", r))
		}
	}()

	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.inbound:
			e.handle(msg)
		case req := <-e.seeds:
			e.applySeed(req)
		case <-cleanup.C:
			if n := e.eventLog.Cleanup(e.now()); n > 0 {
				log.Printf("[engine] cleanup evicted %d entries", n)
			}
			// Entries stamped ahead of the clock come into view as time passes.
			e.recompute()
			e.updateStats()
		}
	}
}

func (e *Engine) handle(msg feed.Message) {
	switch msg.Kind {
	case feed.MessageEvent:
		e.ingest(msg.Event, msg.At)
	case feed.MessageMalformed:
		e.metrics.EventsMalformed.Inc()
	case feed.MessageConnected:
		e.connectCount++
		if e.connectCount > 1 {
			e.metrics.FeedReconnects.Inc()
		}
		if e.connectCount == 1 && e.initialSeed {
			return
		}
		e.reseedAsync()
	case feed.MessageFailed:
		log.Printf("[engine] feed gave up: %v; waiting for manual reconnect", msg.Err)
	}
}

func (e *Engine) ingest(ev session.Event, received time.Time) {
	e.metrics.EventsReceived.Inc()
	if received.IsZero() {
		received = e.now()
	}
	if e.dedup.IsDuplicate(ev, received) {
		e.metrics.EventsDuplicate.Inc()
		return
	}

	cls, err := e.classify(ev.Tag)
	if err != nil {
		e.metrics.ReductionFaults.Inc()
		log.Printf("[engine] classifying %s: %v", ev.Tag, err)
		return
	}

	evicted := e.eventLog.Append(ev, e.now())
	e.updateStats()
	e.publisher.PublishEvent(session.ClassifiedEvent{Event: ev, Classification: cls})

	if cls.Category != session.Unclassified || evicted > 0 {
		e.recompute()
	}
}

// reseedAsync fetches history off the actor and queues the result.
func (e *Engine) reseedAsync() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.seed(e.ctx, false); err != nil && e.ctx.Err() == nil {
			log.Printf("[engine] reseed after connect failed: %v", err)
		}
	}()
}

func (e *Engine) applySeed(req seedRequest) {
	e.eventLog.Reseed(req.events, e.now())
	if req.initial {
		e.initialSeed = true
	}
	e.updateStats()
	e.recompute()
	log.Printf("[engine] seeded %d history events (%d in log)", len(req.events), e.eventLog.Len())
	req.reply <- e.SessionState()
}

// recompute reduces the log and publishes the snapshot if it differs from
// the last one subscribers saw. A panicking reduction keeps the previous
// snapshot.
func (e *Engine) recompute() {
	next, err := e.safeReduce(e.eventLog.Entries())
	if err != nil {
		e.metrics.ReductionFaults.Inc()
		log.Printf("[engine] reduction failed, keeping previous snapshot: %v", err)
		return
	}
	e.metrics.Reductions.Inc()

	// A shared publisher may still hold what a previous engine published.
	prev := e.snapshot.Load()
	if last, ok := e.publisher.Last(); ok {
		prev = &last
	}
	e.snapshot.Store(&next)
	if prev.Equal(next) {
		return
	}
	e.publisher.PublishSnapshot(next)
}

func (e *Engine) safeReduce(entries []session.Event) (snap session.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.reduce(entries), nil
}

func (e *Engine) classify(tag string) (cls session.Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.classifier.Classify(tag), nil
}

func (e *Engine) updateStats() {
	st := &logStats{
		entries:   e.eventLog.Len(),
		evicted:   e.eventLog.Evicted(),
		dedupSize: e.dedup.Len(),
	}
	st.oldest, _ = e.eventLog.Oldest()
	st.newest, _ = e.eventLog.Newest()
	e.stats.Store(st)
	e.metrics.LogEntries.Set(float64(st.entries))
}

// fail records a fatal fault and stops the engine from inside the actor.
func (e *Engine) fail(err error) {
	log.Printf("[engine] fatal: %v", err)
	e.destroyed.Store(true)
	e.cancel()
	e.markDone(err)
}

func (e *Engine) markDone(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.err = err
	close(e.done)
}
