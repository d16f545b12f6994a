package session

import (
	"slices"
	"time"
)

// Window is the span between a session-start marker and the next
// session-end marker. End is nil while the session is still open.
type Window struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end"`

	startIdx int // index of the start marker in the slice it was built from
}

// Open reports whether the window has no end marker yet.
func (w Window) Open() bool {
	return w.End == nil
}

// LocateWindows pairs start and end markers in time order. entries must be
// sorted by time. An end with no open window is ignored. A start while a
// window is open closes the earlier window at the new start, so windows never
// overlap and only the last one can be open.
func (c *Classifier) LocateWindows(entries []Event) []Window {
	var windows []Window
	open := -1
	for i, ev := range entries {
		switch c.Classify(ev.Tag).Category {
		case SessionStart:
			if open >= 0 {
				end := ev.Time
				windows[open].End = &end
			}
			windows = append(windows, Window{Start: ev.Time, startIdx: i})
			open = len(windows) - 1
		case SessionEnd:
			if open < 0 {
				continue
			}
			end := ev.Time
			windows[open].End = &end
			open = -1
		}
	}
	return windows
}

// LocateWindows uses the default classifier.
func LocateWindows(entries []Event) []Window {
	return defaultClassifier.LocateWindows(entries)
}

// ActiveWindow returns the open window, which can only be the last one.
func ActiveWindow(windows []Window) (Window, bool) {
	if len(windows) == 0 {
		return Window{}, false
	}
	last := windows[len(windows)-1]
	if !last.Open() {
		return Window{}, false
	}
	return last, true
}

// sortedByTime returns a time-ordered copy of entries. Ties keep their input
// order so the result is deterministic.
func sortedByTime(entries []Event) []Event {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b Event) int {
		return a.Time.Compare(b.Time)
	})
	return out
}
