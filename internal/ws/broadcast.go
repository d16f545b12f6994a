package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astro-dash/backend/internal/engine"
	"github.com/astro-dash/backend/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// has been reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	clientBuffer = 64
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(conn *websocket.Conn, b *Broadcaster) *client {
	return &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, clientBuffer),
	}
}

// writePump owns all writes to the connection. It exits when send is closed
// or a write fails, and removes the client in both cases.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.b.RemoveClient(c)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcaster relays engine output to dashboard websocket clients. Snapshot
// changes are coalesced over the throttle interval; raw events go out as
// they arrive. A status frame is pushed on every status interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   SessionSource
	maxConns int
	throttle time.Duration
	now      func() time.Time

	flushMu    sync.Mutex
	pending    *session.Snapshot
	flushTimer *time.Timer

	statusTicker *time.Ticker
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewBroadcaster creates a broadcaster reading current state from source.
// maxConns of zero means unlimited.
func NewBroadcaster(source SessionSource, throttle, statusInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		source:   source,
		maxConns: maxConns,
		throttle: throttle,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	b.statusTicker = time.NewTicker(statusInterval)
	go b.statusLoop()

	return b
}

// Attach subscribes the broadcaster to p. The returned func detaches it.
func (b *Broadcaster) Attach(p *engine.Publisher) (detach func()) {
	unsubSnap := p.SubscribeSnapshots(b.QueueSnapshot)
	unsubEvents := p.SubscribeEvents(b.BroadcastEvent)
	return func() {
		unsubSnap()
		unsubEvents()
	}
}

// AddClient registers conn and queues the current snapshot and status for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := newClient(conn, b)

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	for _, msg := range []WSMessage{b.snapshotMessage(b.source.SessionState()), b.statusMessage()} {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("broadcast marshal error: %v", err)
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// QueueSnapshot schedules snap for broadcast. Snapshots queued within one
// throttle interval collapse into the last one.
func (b *Broadcaster) QueueSnapshot(snap session.Snapshot) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending = &snap
	if b.throttle <= 0 {
		go b.flush()
		return
	}
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) BroadcastEvent(ev session.ClassifiedEvent) {
	b.broadcast(WSMessage{Type: MsgEvent, Payload: EventPayload{ev}})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	snap := b.pending
	b.pending = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if snap == nil {
		return
	}
	b.broadcast(b.snapshotMessage(*snap))
}

func (b *Broadcaster) snapshotMessage(snap session.Snapshot) WSMessage {
	return WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Legacy:   snap.Legacy(),
			Enhanced: snap.Enhanced(b.now()),
		},
	}
}

func (b *Broadcaster) statusMessage() WSMessage {
	return WSMessage{
		Type:    MsgStatus,
		Payload: StatusPayload{Status: b.source.Status(), Clients: b.ClientCount()},
	}
}

func (b *Broadcaster) statusLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.statusTicker.C:
			b.broadcast(b.statusMessage())
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		log.Printf("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the status loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.statusTicker.Stop()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.pending = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}
