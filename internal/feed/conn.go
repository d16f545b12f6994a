package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astro-dash/backend/internal/config"
	"github.com/astro-dash/backend/internal/session"
)

const writeTimeout = 10 * time.Second

var (
	errStale           = errors.New("no traffic within stale threshold")
	errManualReconnect = errors.New("manual reconnect")
)

// MessageKind says what a Message carries.
type MessageKind int

const (
	// MessageEvent carries one decoded event.
	MessageEvent MessageKind = iota
	// MessageConnected follows a successful dial and subscribe handshake.
	MessageConnected
	// MessageDisconnected follows the loss of an established connection.
	MessageDisconnected
	// MessageFailed is sent once the reconnect budget is exhausted.
	MessageFailed
	// MessageMalformed reports a frame that could not be decoded.
	MessageMalformed
)

func (k MessageKind) String() string {
	switch k {
	case MessageEvent:
		return "event"
	case MessageConnected:
		return "connected"
	case MessageDisconnected:
		return "disconnected"
	case MessageFailed:
		return "failed"
	case MessageMalformed:
		return "malformed"
	}
	return "unknown"
}

// Message is what a Manager hands to its consumer.
type Message struct {
	Kind  MessageKind
	Event session.Event
	Err   error
	At    time.Time
}

// Options configures a Manager.
type Options struct {
	URL              string
	SubscribeMessage string

	HandshakeTimeout    time.Duration
	PingInterval        time.Duration
	StaleAfter          time.Duration
	HealthCheckInterval time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration

	// MaxReconnectAttempts is the number of consecutive failures after which
	// automatic retries stop. Zero retries forever.
	MaxReconnectAttempts int

	// OnState, when set, is called after every state transition. It must
	// not block.
	OnState func(Status)
}

// OptionsFromConfig maps the feed section of the config file.
func OptionsFromConfig(cfg config.FeedConfig) Options {
	return Options{
		URL:                  cfg.SocketURL(),
		SubscribeMessage:     cfg.SubscribeMessage,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		PingInterval:         cfg.PingInterval,
		StaleAfter:           cfg.StaleAfter,
		HealthCheckInterval:  cfg.HealthCheckInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}
}

// Manager owns the single socket to the equipment-control application. It
// dials, subscribes, keeps the link alive with pings, reconnects with
// exponential backoff and forwards every decoded frame to out.
type Manager struct {
	opts      Options
	out       chan<- Message
	reconnect chan struct{}
	health    health
	now       func() time.Time
}

// NewManager creates a manager that delivers to out. Run starts it.
func NewManager(opts Options, out chan<- Message) *Manager {
	if opts.SubscribeMessage == "" {
		opts.SubscribeMessage = "SUBSCRIBE"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = opts.ReconnectBaseDelay
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	return &Manager{
		opts:      opts,
		out:       out,
		reconnect: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Status returns a copy of the current connection health.
func (m *Manager) Status() Status {
	return m.health.status()
}

// Reconnect drops any current connection and dials again immediately,
// resetting the backoff counter. It also revives a manager that gave up.
func (m *Manager) Reconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// Run maintains the connection until ctx is cancelled. Connection errors are
// logged and retried; Run only returns when ctx is done.
func (m *Manager) Run(ctx context.Context) {
	defer m.transition(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return
		}

		m.transition(StateConnecting)
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !m.backoff(ctx, err) {
				return
			}
			continue
		}

		m.drainReconnect()
		m.report(m.health.recordConnected(m.now()))
		log.Printf("[feed] connected to %s", m.opts.URL)
		if !m.send(ctx, Message{Kind: MessageConnected, At: m.now()}) {
			conn.Close()
			return
		}

		err = m.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		m.send(ctx, Message{Kind: MessageDisconnected, Err: err, At: m.now()})

		if errors.Is(err, errManualReconnect) {
			log.Printf("[feed] manual reconnect requested")
			m.health.resetAttempts()
			continue
		}
		log.Printf("[feed] connection lost: %v", err)
		if !m.backoff(ctx, err) {
			return
		}
	}
}

// backoff records a failure and waits out the delay for the next attempt.
// Once the attempt budget is spent it parks until a manual reconnect. It
// returns false when ctx ends first.
func (m *Manager) backoff(ctx context.Context, cause error) bool {
	attempt := m.health.recordFailure(cause, m.now())

	if limit := m.opts.MaxReconnectAttempts; limit > 0 && attempt >= limit {
		m.transition(StateFailed)
		log.Printf("[feed] giving up after %d attempts: %v", attempt, cause)
		m.send(ctx, Message{Kind: MessageFailed, Err: cause, At: m.now()})
		select {
		case <-ctx.Done():
			return false
		case <-m.reconnect:
			log.Printf("[feed] manual reconnect requested")
			m.health.resetAttempts()
			return true
		}
	}

	delay := backoffDelay(attempt, m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay)
	m.transition(StateReconnecting)
	log.Printf("[feed] %v (attempt %d, retry in %v)", cause, attempt, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.reconnect:
		m.health.resetAttempts()
		return true
	case <-timer.C:
		return true
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}
	dctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dctx, m.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}

	// Not shared yet, so no write lock is needed.
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(m.opts.SubscribeMessage)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// serve pumps one connection until it fails, goes stale, a manual reconnect
// is requested or ctx ends. The socket is closed before serve returns.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetPongHandler(func(string) error {
		m.health.recordTraffic(m.now())
		return nil
	})

	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- m.readLoop(ctx, conn)
	}()
	if m.opts.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.pingLoop(ctx, conn)
		}()
	}

	check := time.NewTicker(m.opts.HealthCheckInterval)
	defer check.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case err = <-readErr:
			break loop
		case <-m.reconnect:
			err = errManualReconnect
			break loop
		case <-check.C:
			if m.opts.StaleAfter > 0 && m.health.stale(m.now(), m.opts.StaleAfter) {
				m.transition(StateStale)
				log.Printf("[feed] no traffic for %v, forcing reconnect", m.opts.StaleAfter)
				err = errStale
				break loop
			}
		}
	}

	cancel()
	conn.Close()
	wg.Wait()
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		now := m.now()
		m.health.recordTraffic(now)

		ev, ok, err := ParseMessage(data, now)
		switch {
		case err != nil:
			log.Printf("[feed] discarding frame: %v", err)
			if !m.send(ctx, Message{Kind: MessageMalformed, Err: err, At: now}) {
				return ctx.Err()
			}
		case ok:
			if !m.send(ctx, Message{Kind: MessageEvent, Event: ev, At: now}) {
				return ctx.Err()
			}
		}
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled or a write
// fails.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// pingLoop is the only writer once the subscription is sent.
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) send(ctx context.Context, msg Message) bool {
	select {
	case m.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// drainReconnect discards a trigger that raced with a successful dial.
func (m *Manager) drainReconnect() {
	select {
	case <-m.reconnect:
	default:
	}
}

func (m *Manager) transition(s State) {
	m.report(m.health.setState(s))
}

func (m *Manager) report(st Status) {
	if m.opts.OnState != nil {
		m.opts.OnState(st)
	}
}
