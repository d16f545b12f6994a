package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHistoryClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/api/event-history" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Response":[{"Event":"SEQUENCE-STARTING","Time":"2026-03-14T21:00:00Z"},` +
			`{"Event":"IMAGE-SAVE","Time":"2026-03-14T21:05:00Z"}],"Success":true}`))
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL+"/v2/api/event-history", time.Second)
	events, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if len(events) != 2 || events[0].Tag != "SEQUENCE-STARTING" || events[1].Tag != "IMAGE-SAVE" {
		t.Errorf("events = %+v", events)
	}
}

func TestHistoryClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plugin disabled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHistoryClient(srv.URL, time.Second).Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("Fetch() error = %v, want 503", err)
	}
}

func TestHistoryClientRejectedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Response":"","Success":false,"Error":"no history"}`))
	}))
	defer srv.Close()

	if _, err := NewHistoryClient(srv.URL, time.Second).Fetch(context.Background()); err == nil {
		t.Error("Fetch() error = nil, want failure")
	}
}

func TestHistoryClientHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := NewHistoryClient(srv.URL, 10*time.Second).Fetch(ctx); err == nil {
		t.Error("Fetch() error = nil, want deadline error")
	}
}
