package ws

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/astro-dash/backend/internal/config"
	"github.com/astro-dash/backend/internal/engine"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

type testServer struct {
	source *fakeSource
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.ControlInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	src := &fakeSource{}
	src.set(activeSnapshot("M42"))
	b := NewBroadcaster(src, 0, time.Hour, cfg.Server.MaxConnections)
	t.Cleanup(b.Stop)

	reg := prometheus.NewRegistry()
	engine.NewMetrics(reg)
	s := NewServer(cfg, src, b, reg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{source: src, server: s, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return m
}

func TestSessionEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodGet, "/api/session", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/session = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
	enhanced := decode(t, resp)
	if enhanced["isActive"] != true {
		t.Errorf("enhanced isActive = %v", enhanced["isActive"])
	}
	if _, ok := enhanced["targetElapsedSeconds"]; !ok {
		t.Error("enhanced view missing targetElapsedSeconds")
	}

	legacy := decode(t, ts.do(t, http.MethodGet, "/api/session/legacy", nil))
	if legacy["currentTarget"] != "M42" {
		t.Errorf("legacy currentTarget = %v", legacy["currentTarget"])
	}

	mem := decode(t, ts.do(t, http.MethodGet, "/api/memory", nil))
	if mem["entryCount"] != float64(7) {
		t.Errorf("memory entryCount = %v", mem["entryCount"])
	}

	status := decode(t, ts.do(t, http.MethodGet, "/api/status", nil))
	if status["state"] != "connected" || status["initialized"] != true {
		t.Errorf("status = %v", status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/session"},
		{http.MethodGet, "/api/session/refresh"},
		{http.MethodGet, "/api/reconnect"},
		{http.MethodDelete, "/api/memory"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if resp := ts.do(t, tt.method, tt.path, nil); resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", resp.StatusCode)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/session/refresh", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh = %d", resp.StatusCode)
	}
	if body := decode(t, resp); body["isActive"] != true {
		t.Errorf("refresh body = %v", body)
	}
	if ts.source.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d", ts.source.refreshes.Load())
	}
}

func TestRefreshErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not initialized", engine.ErrNotInitialized, http.StatusServiceUnavailable},
		{"destroyed", engine.ErrDestroyed, http.StatusServiceUnavailable},
		{"history down", errors.New("history returned 503"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.source.mu.Lock()
			ts.source.refreshErr = tt.err
			ts.source.mu.Unlock()

			resp := ts.do(t, http.MethodPost, "/api/session/refresh", nil)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			body := decode(t, resp)
			if body["type"] != string(MsgError) {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestReconnectIsRateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.ControlInterval = time.Hour })

	if resp := ts.do(t, http.MethodPost, "/api/reconnect", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first reconnect = %d, want 202", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodPost, "/api/reconnect", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second reconnect = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if ts.source.reconnects.Load() != 1 {
		t.Errorf("reconnects = %d, want 1", ts.source.reconnects.Load())
	}
}

func TestAuthorization(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.AuthToken = "s3cret" })

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"no token", "/api/session", nil, http.StatusUnauthorized},
		{"wrong bearer", "/api/session", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"bearer", "/api/session", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"custom header", "/api/session", http.Header{"X-Astro-Dash-Token": {"s3cret"}}, http.StatusOK},
		{"query token", "/api/session?token=s3cret", nil, http.StatusOK},
		{"token prefix", "/api/session?token=s3cre", nil, http.StatusUnauthorized},
		{"token with suffix", "/api/session", http.Header{"X-Astro-Dash-Token": {"s3cret!"}}, http.StatusUnauthorized},
		{"empty bearer", "/api/session", http.Header{"Authorization": {"Bearer "}}, http.StatusUnauthorized},
		{"metrics guarded", "/metrics", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := ts.do(t, http.MethodGet, tt.path, tt.header); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "astro_engine_events_received_total") {
		t.Error("metrics output missing engine counters")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "dash:8080", true},
		{"same host", nil, "http://dash:8080", "dash:8080", true},
		{"localhost", nil, "http://localhost:3000", "dash:8080", true},
		{"loopback v6", nil, "http://[::1]:3000", "dash:8080", true},
		{"foreign", nil, "http://evil.example", "dash:8080", false},
		{"allow list match", []string{"https://obs.example"}, "https://obs.example", "dash:8080", true},
		{"allow list host match", []string{"https://obs.example"}, "http://obs.example", "dash:8080", true},
		{"allow list excludes localhost", []string{"https://obs.example"}, "http://localhost:3000", "dash:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Server.AllowedOrigins = tt.allowed
			s := NewServer(cfg, &fakeSource{}, nil, nil)
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebSocketRoute(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxConnections = 1 })
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f := readUntil(t, conn, MsgSnapshot)
	var payload SnapshotPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Legacy.CurrentTarget != "M42" {
		t.Errorf("snapshot target = %q", payload.Legacy.CurrentTarget)
	}

	// Over the limit the upgrade succeeds but the relay closes at once.
	extra, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial extra: %v", err)
	}
	defer extra.Close()
	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = extra.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("extra client read = %v, want try-again-later close", err)
	}
}
