package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astro-dash/backend/internal/engine"
	"github.com/astro-dash/backend/internal/feed"
	"github.com/astro-dash/backend/internal/session"
)

var t0 = time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

func activeSnapshot(target string) session.Snapshot {
	start := t0
	return session.Snapshot{
		Active:       true,
		SessionStart: &start,
		Target:       &session.Target{Name: target, Since: t0},
		LastUpdate:   &start,
	}
}

// fakeSource is a SessionSource with settable answers.
type fakeSource struct {
	mu         sync.Mutex
	snap       session.Snapshot
	refreshErr error
	reconnects atomic.Int32
	refreshes  atomic.Int32
}

func (f *fakeSource) SessionState() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSource) RefreshSessionState(ctx context.Context) (session.Snapshot, error) {
	f.refreshes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return session.Snapshot{}, f.refreshErr
	}
	return f.snap, nil
}

func (f *fakeSource) Reconnect() error {
	f.reconnects.Add(1)
	return nil
}

func (f *fakeSource) MemoryStats() engine.MemoryStats {
	return engine.MemoryStats{EntryCount: 7, MaxEntries: 500}
}

func (f *fakeSource) Status() engine.Status {
	return engine.Status{Status: feed.Status{State: feed.StateConnected}, Initialized: true}
}

func (f *fakeSource) set(snap session.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection. The caller must close the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

// frame is a decoded relay message with the payload left raw.
type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads frames from conn until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading %s frame: %v", want, err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decoding frame %s: %v", data, err)
		}
		if f.Type == want {
			return f
		}
	}
}

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
