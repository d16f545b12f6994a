package mock

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astro-dash/backend/internal/config"
)

const (
	historyCap = 1000
	writeWait  = 5 * time.Second
)

// envelope mirrors the application's response wrapper.
type envelope struct {
	Response   any    `json:"Response"`
	Success    bool   `json:"Success"`
	Error      string `json:"Error"`
	StatusCode int    `json:"StatusCode"`
	Type       string `json:"Type"`
}

// App imitates the equipment-control application: an event socket that
// streams to subscribed clients and a history endpoint returning recent
// events.
type App struct {
	socketPath  string
	historyPath string
	subscribe   string
	upgrader    websocket.Upgrader
	now         func() time.Time

	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	history  []map[string]any
	connects int
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// NewApp serves on the socket and history paths of cfg.
func NewApp(cfg config.FeedConfig) *App {
	return &App{
		socketPath:  cfg.SocketPath,
		historyPath: cfg.HistoryPath,
		subscribe:   cfg.SubscribeMessage,
		now:         time.Now,
		subs:        make(map[*subscriber]struct{}),
	}
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.socketPath, a.handleSocket)
	mux.HandleFunc(a.historyPath, a.handleHistory)
	return mux
}

func (a *App) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[mock] upgrade error: %v", err)
		return
	}

	// Nothing is streamed until the client subscribes.
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	if string(data) != a.subscribe {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected "+a.subscribe),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	sub := &subscriber{conn: conn}
	ack, _ := json.Marshal(envelope{Response: "Subscribed", Success: true, StatusCode: http.StatusOK, Type: "Socket"})
	if err := sub.write(ack); err != nil {
		conn.Close()
		return
	}

	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.connects++
	a.mu.Unlock()

	defer func() {
		a.remove(sub)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	events := make([]map[string]any, len(a.history))
	copy(events, a.history)
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{Response: events, Success: true, StatusCode: http.StatusOK, Type: "API"})
}

// Emit records an event stamped with the current time and streams it to
// every subscriber.
func (a *App) Emit(tag string, fields map[string]any) {
	a.EmitAt(tag, a.now(), fields)
}

// EmitAt is Emit with an explicit event time.
func (a *App) EmitAt(tag string, at time.Time, fields map[string]any) {
	record := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		record[k] = v
	}
	record["Id"] = uuid.NewString()
	record["Event"] = tag
	record["Time"] = at.Format(time.RFC3339Nano)

	data, err := json.Marshal(envelope{Response: record, Success: true, StatusCode: http.StatusOK, Type: "Socket"})
	if err != nil {
		log.Printf("[mock] marshal %s: %v", tag, err)
		return
	}

	a.mu.Lock()
	a.history = append(a.history, record)
	if len(a.history) > historyCap {
		a.history = a.history[len(a.history)-historyCap:]
	}
	subs := make([]*subscriber, 0, len(a.subs))
	for s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	for _, s := range subs {
		if err := s.write(data); err != nil {
			a.remove(s)
			s.conn.Close()
		}
	}
}

// DropConnections closes every subscriber connection without a close
// handshake and returns how many were dropped.
func (a *App) DropConnections() int {
	a.mu.Lock()
	subs := a.subs
	a.subs = make(map[*subscriber]struct{})
	a.mu.Unlock()

	for s := range subs {
		s.conn.Close()
	}
	return len(subs)
}

// ConnectionCount returns the number of subscribed connections.
func (a *App) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Connects returns how many subscriptions have been accepted in total.
func (a *App) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *App) remove(s *subscriber) {
	a.mu.Lock()
	delete(a.subs, s)
	a.mu.Unlock()
}

// ListenAndServe serves the app on addr until ctx is cancelled.
func (a *App) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf("[mock] equipment app listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		a.DropConnections()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
