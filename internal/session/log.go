package session

import (
	"sort"
	"time"
)

// Log is a time-ordered, count- and age-bounded buffer of recent events.
//
// The start marker of the open session is pinned and survives eviction.
// Everything else, state-bearing events included, expires by count and age.
// The pin still counts toward the size bound.
//
// Not safe for concurrent use.
type Log struct {
	maxEntries int
	maxAge     time.Duration
	classifier *Classifier
	entries    []Event
	evicted    int
}

func NewLog(maxEntries int, maxAge time.Duration, c *Classifier) *Log {
	if c == nil {
		c = defaultClassifier
	}
	return &Log{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		classifier: c,
	}
}

// Append inserts ev in time order and evicts excess entries when a bound is
// exceeded. It returns the number of entries evicted.
func (l *Log) Append(ev Event, now time.Time) int {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Time.After(ev.Time)
	})
	l.entries = append(l.entries, Event{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = ev

	if l.overBounds(now) {
		return l.Cleanup(now)
	}
	return 0
}

func (l *Log) overBounds(now time.Time) bool {
	if len(l.entries) > l.maxEntries {
		return true
	}
	return len(l.entries) > 0 && l.entries[0].Time.Before(now.Add(-l.maxAge))
}

// Entries returns a time-sorted copy of the log.
func (l *Log) Entries() []Event {
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	return len(l.entries)
}

// Oldest returns the time of the earliest entry.
func (l *Log) Oldest() (time.Time, bool) {
	if len(l.entries) == 0 {
		return time.Time{}, false
	}
	return l.entries[0].Time, true
}

// Newest returns the time of the latest entry.
func (l *Log) Newest() (time.Time, bool) {
	if len(l.entries) == 0 {
		return time.Time{}, false
	}
	return l.entries[len(l.entries)-1].Time, true
}

// Evicted returns the total number of entries evicted so far.
func (l *Log) Evicted() int {
	return l.evicted
}

// Cleanup evicts unpinned entries older than the age bound, then the oldest
// unpinned entries until the size bound holds. It returns the number evicted.
func (l *Log) Cleanup(now time.Time) int {
	if len(l.entries) == 0 {
		return 0
	}
	pinned := l.pinned()
	cutoff := now.Add(-l.maxAge)

	drop := make([]bool, len(l.entries))
	remaining := len(l.entries)
	for i, ev := range l.entries {
		if !pinned[i] && ev.Time.Before(cutoff) {
			drop[i] = true
			remaining--
		}
	}
	for i := 0; i < len(l.entries) && remaining > l.maxEntries; i++ {
		if !drop[i] && !pinned[i] {
			drop[i] = true
			remaining--
		}
	}
	if remaining == len(l.entries) {
		return 0
	}

	kept := make([]Event, 0, remaining)
	for i, ev := range l.entries {
		if !drop[i] {
			kept = append(kept, ev)
		}
	}
	n := len(l.entries) - len(kept)
	l.entries = kept
	l.evicted += n
	return n
}

// Reseed replaces the log with history, keeping live entries newer than
// the newest history entry. Exact (tag, time) repeats are collapsed.
func (l *Log) Reseed(history []Event, now time.Time) {
	merged := sortedByTime(history)
	var horizon time.Time
	if len(merged) > 0 {
		horizon = merged[len(merged)-1].Time
	}
	for _, ev := range l.entries {
		if len(merged) == 0 || ev.Time.After(horizon) {
			merged = append(merged, ev)
		}
	}
	merged = sortedByTime(merged)

	seen := make(map[eventKey]struct{}, len(merged))
	out := merged[:0]
	for _, ev := range merged {
		k := ev.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}
	l.entries = out
	l.Cleanup(now)
}

// pinned marks the entries eviction must keep: only the start marker of the
// open session window.
func (l *Log) pinned() []bool {
	pins := make([]bool, len(l.entries))
	if w, ok := ActiveWindow(l.classifier.LocateWindows(l.entries)); ok {
		pins[w.startIdx] = true
	}
	return pins
}
