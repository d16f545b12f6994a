package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astro-dash/backend/internal/config"
	"github.com/astro-dash/backend/internal/feed"
	"github.com/astro-dash/backend/internal/session"
)

var t0 = time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func ev(tag string, minutes int) session.Event {
	return session.NewEvent(tag, at(minutes), nil)
}

func target(name string, minutes int) session.Event {
	return session.NewEvent("TS-NEWTARGETSTART", at(minutes), map[string]any{"TargetName": name})
}

// fakeFeed stands in for the socket manager; tests push messages through it.
type fakeFeed struct {
	out        chan<- feed.Message
	reconnects atomic.Int32
}

func (f *fakeFeed) Run(ctx context.Context) { <-ctx.Done() }
func (f *fakeFeed) Reconnect() { f.reconnects.Add(1) }
func (f *fakeFeed) Status() feed.Status { return feed.Status{State: feed.StateConnected} }

func (f *fakeFeed) push(msg feed.Message) { f.out <- msg }

func (f *fakeFeed) event(e session.Event) {
	f.push(feed.Message{Kind: feed.MessageEvent, Event: e, At: time.Now()})
}

// fakeHistory serves a replaceable event list.
type fakeHistory struct {
	mu     sync.Mutex
	events []session.Event
	err    error
	calls  atomic.Int32
}

func (h *fakeHistory) Fetch(ctx context.Context) ([]session.Event, error) {
	h.calls.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return append([]session.Event(nil), h.events...), nil
}

func (h *fakeHistory) set(events []session.Event, err error) {
	h.mu.Lock()
	h.events, h.err = events, err
	h.mu.Unlock()
}

// clock is a settable time source safe for concurrent reads.
type clock struct{ nanos atomic.Int64 }

func newClock(t time.Time) *clock {
	c := &clock{}
	c.set(t)
	return c
}

func (c *clock) set(t time.Time) { c.nanos.Store(t.UnixNano()) }
func (c *clock) now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Engine.CleanupInterval = time.Hour
	cfg.Engine.MaxAge = 24 * time.Hour
	return cfg
}

type harness struct {
	engine  *Engine
	feed    *fakeFeed
	history *fakeHistory
	clock   *clock
}

// newHarness builds an engine on fakes with the clock stopped half an hour
// after t0. Later options override the defaults. The caller runs Init.
func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{feed: &fakeFeed{}, history: &fakeHistory{}, clock: newClock(at(30))}
	opts = append([]Option{
		WithNow(h.clock.now),
		WithHistory(h.history),
		WithFeed(func(out chan<- feed.Message) Feed {
			h.feed.out = out
			return h.feed
		}),
	}, opts...)
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.engine = e
	t.Cleanup(e.Destroy)
	return h
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	if err := h.engine.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
