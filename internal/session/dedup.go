package session

import "time"

const (
	// dedupPruneThreshold is the index size above which stale keys are
	// dropped on the next check.
	dedupPruneThreshold = 100
	// dedupRetainFactor multiplies the window to get the prune horizon.
	dedupRetainFactor = 5
)

// Deduplicator drops events whose (tag, time) pair was already seen within
// the last window. It only catches exact repeats; events that mean the same
// thing but carry different timestamps pass through.
//
// Not safe for concurrent use; the engine owns it from a single goroutine.
type Deduplicator struct {
	window time.Duration
	seen   map[eventKey]time.Time
}

func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		window: window,
		seen:   make(map[eventKey]time.Time),
	}
}

// IsDuplicate reports whether ev repeats an event observed within the window
// before now. Non-duplicates are recorded.
func (d *Deduplicator) IsDuplicate(ev Event, now time.Time) bool {
	if len(d.seen) > dedupPruneThreshold {
		d.prune(now)
	}

	k := ev.key()
	if at, ok := d.seen[k]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[k] = now
	return false
}

func (d *Deduplicator) prune(now time.Time) {
	horizon := time.Duration(dedupRetainFactor) * d.window
	for k, at := range d.seen {
		if now.Sub(at) > horizon {
			delete(d.seen, k)
		}
	}
}

// Len returns the size of the recency index.
func (d *Deduplicator) Len() int {
	return len(d.seen)
}

// Reset forgets every recorded key.
func (d *Deduplicator) Reset() {
	clear(d.seen)
}
