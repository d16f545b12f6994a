package session

import "time"

// Reducer folds an event log into a Snapshot. It holds no state besides
// its classifier, so replaying the same log always yields the same result.
type Reducer struct {
	classifier *Classifier
}

func NewReducer(c *Classifier) *Reducer {
	if c == nil {
		c = defaultClassifier
	}
	return &Reducer{classifier: c}
}

// Reduce uses the default classifier with no upper time bound.
func Reduce(entries []Event) Snapshot {
	return NewReducer(nil).Reduce(entries)
}

// Reduce folds entries with no upper time bound on the session slice.
func (r *Reducer) Reduce(entries []Event) Snapshot {
	return r.ReduceAt(entries, time.Time{})
}

// ReduceAt folds entries into a snapshot, considering only session events in
// [activeWindow.Start, now]. Events after now are ignored entirely, instrument
// state included. A zero now means unbounded. Without an open session window
// the result is the empty snapshot.
func (r *Reducer) ReduceAt(entries []Event, now time.Time) Snapshot {
	sorted := sortedByTime(entries)
	window, ok := ActiveWindow(r.classifier.LocateWindows(sorted))
	if !ok {
		return Snapshot{}
	}

	var (
		target, filter, image *Event
		safety, equipment     *Event
		mount, rotator, calib *Event
		calibCat              Category
		afRunning, guiding    bool
		afSince, guideSince   time.Time
		equipCls              Classification
		lastUpdate            time.Time
	)

	for i := range sorted {
		ev := &sorted[i]
		if !now.IsZero() && ev.Time.After(now) {
			break
		}
		cls := r.classifier.Classify(ev.Tag)
		if cls.Category == Unclassified {
			continue
		}
		lastUpdate = ev.Time

		// Instrument states persist across sessions.
		switch cls.Category {
		case SafetyChanged:
			safety = ev
		case EquipmentConnected, EquipmentDisconnected:
			equipment = ev
			equipCls = cls
		}

		if ev.Time.Before(window.Start) {
			continue
		}

		switch cls.Category {
		case TargetChanged:
			target = ev
		case FilterChanged:
			filter = ev
		case ImageSaved:
			image = ev
		case ActivityStarted:
			switch cls.Subsystem {
			case Autofocus:
				afRunning, afSince = true, ev.Time
			case Guiding:
				if !guiding {
					guideSince = ev.Time
				}
				guiding = true
			case Rotator:
				rotator = ev
			}
		case ActivityStopped:
			switch cls.Subsystem {
			case Autofocus:
				afRunning = false
			case Guiding:
				guiding = false
			}
		case EquipmentDisconnected:
			if cls.Device == "guider" {
				guiding = false
			}
		case MountStateChanged:
			mount = ev
		case FlatCapture, DarkCapture:
			calib, calibCat = ev, cls.Category
		}
	}

	start := window.Start
	snap := Snapshot{
		Active:       true,
		SessionStart: &start,
		Target:       targetFrom(target),
		Filter:       filterFrom(filter),
		LastImage:    imageFrom(image),
		Safety:       safetyFrom(safety),
		Equipment:    equipmentFrom(equipment, equipCls),
	}
	if !lastUpdate.IsZero() {
		snap.LastUpdate = &lastUpdate
	}

	switch {
	case afRunning:
		snap.Activity = &Activity{Subsystem: Autofocus, State: StateRunning, Since: afSince}
	case guiding:
		snap.Activity = &Activity{Subsystem: Guiding, State: StateActive, Since: guideSince}
	default:
		snap.Activity = r.mountOrRotatorActivity(target, image, mount, rotator)
	}

	if calib != nil && newerThan(calib, image) && newerThan(calib, target) {
		kind := "flat"
		if calibCat == DarkCapture {
			kind = "dark"
		}
		snap.Calibration = &Calibration{Kind: kind, Tag: calib.Tag, Since: calib.Time}
	}
	return snap
}

// mountOrRotatorActivity applies the lower priority tiers: a homed or parked
// mount reported after the current target, then slewing inferred from a
// target with no image saved since, then a rotator move newer than the last
// image.
func (r *Reducer) mountOrRotatorActivity(target, image, mount, rotator *Event) *Activity {
	if mount != nil && !olderThan(mount, target) {
		st := r.classifier.Classify(mount.Tag).State
		if st == StateHomed || st == StateParked {
			return &Activity{Subsystem: Mount, State: st, Since: mount.Time}
		}
	}
	if target != nil && (image == nil || image.Time.Before(target.Time)) {
		return &Activity{Subsystem: Mount, State: StateSlewing, Since: target.Time}
	}
	if rotator != nil && newerThan(rotator, image) {
		return &Activity{Subsystem: Rotator, State: StateMoving, Since: rotator.Time}
	}
	return nil
}

// newerThan reports whether a happened strictly after b, or b is absent.
func newerThan(a, b *Event) bool {
	return b == nil || a.Time.After(b.Time)
}

// olderThan reports whether a happened strictly before b; false if b is absent.
func olderThan(a, b *Event) bool {
	return b != nil && a.Time.Before(b.Time)
}

func targetFrom(ev *Event) *Target {
	if ev == nil {
		return nil
	}
	t := &Target{Since: ev.Time}
	t.Name, _ = ev.String("TargetName")
	if t.Name == "" {
		t.Name, _ = ev.String("Target")
	}
	t.Project, _ = ev.String("ProjectName")
	if ra, ok := ev.Float("Coordinates.RA"); ok {
		dec, _ := ev.Float("Coordinates.Dec")
		c := &Coordinates{RA: ra, Dec: dec}
		c.RAString, _ = ev.String("Coordinates.RAString")
		c.DecString, _ = ev.String("Coordinates.DecString")
		t.Coordinates = c
	}
	if rot, ok := ev.Float("Rotation"); ok {
		t.Rotation = &rot
	}
	return t
}

func filterFrom(ev *Event) *Filter {
	if ev == nil {
		return nil
	}
	name, ok := ev.String("New.Name")
	if !ok {
		name, _ = ev.String("Filter")
	}
	return &Filter{Name: name, Since: ev.Time}
}

func imageFrom(ev *Event) *Image {
	if ev == nil {
		return nil
	}
	img := &Image{Time: ev.Time}
	img.Filter, _ = ev.String("ImageStatistics.Filter")
	if v, ok := ev.Float("ImageStatistics.ExposureTime"); ok {
		img.Exposure = &v
	}
	if v, ok := ev.Float("ImageStatistics.HFR"); ok {
		img.HFR = &v
	}
	if v, ok := ev.Float("ImageStatistics.Stars"); ok {
		n := int(v)
		img.Stars = &n
	}
	return img
}

func safetyFrom(ev *Event) *Safety {
	if ev == nil {
		return nil
	}
	s := &Safety{ChangedAt: ev.Time}
	if safe, ok := ev.Bool("IsSafe"); ok {
		s.IsSafe = &safe
	}
	return s
}

func equipmentFrom(ev *Event, cls Classification) *EquipmentChange {
	if ev == nil {
		return nil
	}
	return &EquipmentChange{
		Device:    cls.Device,
		Connected: cls.Category == EquipmentConnected,
		At:        ev.Time,
	}
}
