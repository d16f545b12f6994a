package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/astro-dash/backend/internal/session"
)

var (
	// ErrMalformed marks frames that cannot be decoded into an event.
	ErrMalformed = errors.New("malformed message")
	// ErrRejected marks envelopes the application flagged with Success=false.
	ErrRejected = errors.New("application reported failure")
)

// localTimeLayout is the zone-less form the application emits for local
// clock readings.
const localTimeLayout = "2006-01-02T15:04:05.9999999"

// envelope wraps every socket frame and REST response.
type envelope struct {
	Response   json.RawMessage `json:"Response"`
	Success    *bool           `json:"Success"`
	Error      string          `json:"Error"`
	StatusCode int             `json:"StatusCode"`
	Type       string          `json:"Type"`
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Success != nil && !*env.Success {
		return env, fmt.Errorf("%w: %d %s", ErrRejected, env.StatusCode, env.Error)
	}
	return env, nil
}

// ParseMessage decodes one socket frame. ok is false for frames that carry
// no event, such as acknowledgements whose Response is plain text.
func ParseMessage(data []byte, received time.Time) (ev session.Event, ok bool, err error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return session.Event{}, false, err
	}
	raw := bytes.TrimSpace(env.Response)
	if len(raw) == 0 || raw[0] != '{' {
		return session.Event{}, false, nil
	}
	ev, err = parseEvent(raw, received)
	if err != nil {
		return session.Event{}, false, err
	}
	return ev, true, nil
}

// ParseHistory decodes an event-history response. Entries that fail to parse
// are skipped and counted.
func ParseHistory(data []byte, received time.Time) (events []session.Event, skipped int, err error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, 0, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(env.Response, &items); err != nil {
		return nil, 0, fmt.Errorf("%w: history response is not a list: %v", ErrMalformed, err)
	}
	events = make([]session.Event, 0, len(items))
	for _, item := range items {
		ev, err := parseEvent(item, received)
		if err != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func parseEvent(raw json.RawMessage, received time.Time) (session.Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return session.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return session.Event{}, fmt.Errorf("%w: null event", ErrMalformed)
	}

	tag, _ := fields["Event"].(string)
	if tag == "" {
		return session.Event{}, fmt.Errorf("%w: missing Event tag", ErrMalformed)
	}
	delete(fields, "Event")

	at := received
	if v, present := fields["Time"]; present {
		s, isString := v.(string)
		if !isString {
			return session.Event{}, fmt.Errorf("%w: %s: Time is not a string", ErrMalformed, tag)
		}
		t, err := parseTime(s)
		if err != nil {
			return session.Event{}, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
		}
		at = t
		delete(fields, "Time")
	}

	if len(fields) == 0 {
		fields = nil
	}
	return session.NewEvent(tag, at, fields), nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(localTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	}
	return t, nil
}
