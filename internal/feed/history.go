package feed

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/astro-dash/backend/internal/session"
)

// maxHistoryBytes caps the history response body.
const maxHistoryBytes = 32 << 20

// HistoryClient fetches recent events from the application's REST API.
type HistoryClient struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewHistoryClient targets the full event-history URL
// (e.g. "http://localhost:1888/v2/api/event-history").
func NewHistoryClient(url string, timeout time.Duration) *HistoryClient {
	return &HistoryClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Fetch returns the events the application still remembers, in the order it
// reported them. Entries without a usable tag or time are dropped.
func (c *HistoryClient) Fetch(ctx context.Context) ([]session.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("GET %s: %d %s", c.url, resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryBytes))
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	events, skipped, err := ParseHistory(data, c.now())
	if err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	if skipped > 0 {
		log.Printf("[feed] history: skipped %d malformed entries", skipped)
	}
	return events, nil
}
