package session

import "time"

// LegacyView is the flat shape older dashboard widgets read.
type LegacyView struct {
	IsActive          bool       `json:"isActive"`
	SessionStart      *time.Time `json:"sessionStart"`
	CurrentTarget     string     `json:"currentTarget"`
	CurrentProject    string     `json:"currentProject"`
	TargetRA          *float64   `json:"targetRA"`
	TargetDec         *float64   `json:"targetDec"`
	CurrentFilter     string     `json:"currentFilter"`
	LastImageTime     *time.Time `json:"lastImageTime"`
	IsSafe            *bool      `json:"isSafe"`
	Activity          string     `json:"activity"`
	ActivitySince     *time.Time `json:"activitySince"`
	LastEquipmentInfo string     `json:"lastEquipmentChange"`
	LastUpdate        *time.Time `json:"lastUpdate"`
}

// EnhancedView is the structured shape with elapsed-time fields derived at
// projection time.
type EnhancedView struct {
	Snapshot
	SessionDurationSeconds  *float64 `json:"sessionDurationSeconds"`
	TargetElapsedSeconds    *float64 `json:"targetElapsedSeconds"`
	SinceLastImageSeconds   *float64 `json:"sinceLastImageSeconds"`
	ActivityElapsedSeconds  *float64 `json:"activityElapsedSeconds"`
	SafetyChangedAgoSeconds *float64 `json:"safetyChangedAgoSeconds"`
}

// Legacy projects s into the flat view.
func (s Snapshot) Legacy() LegacyView {
	v := LegacyView{
		IsActive:     s.Active,
		SessionStart: s.SessionStart,
		LastUpdate:   s.LastUpdate,
	}
	if s.Target != nil {
		v.CurrentTarget = s.Target.Name
		v.CurrentProject = s.Target.Project
		if c := s.Target.Coordinates; c != nil {
			ra, dec := c.RA, c.Dec
			v.TargetRA, v.TargetDec = &ra, &dec
		}
	}
	if s.Filter != nil {
		v.CurrentFilter = s.Filter.Name
	}
	if s.LastImage != nil {
		t := s.LastImage.Time
		v.LastImageTime = &t
	}
	if s.Safety != nil {
		v.IsSafe = s.Safety.IsSafe
	}
	if s.Activity != nil {
		v.Activity = s.Activity.Subsystem.String() + ":" + s.Activity.State.String()
		since := s.Activity.Since
		v.ActivitySince = &since
	} else {
		v.Activity = "none"
	}
	if e := s.Equipment; e != nil {
		state := "disconnected"
		if e.Connected {
			state = "connected"
		}
		v.LastEquipmentInfo = string(e.Device) + " " + state
	}
	return v
}

// Enhanced projects s into the structured view relative to now.
func (s Snapshot) Enhanced(now time.Time) EnhancedView {
	v := EnhancedView{Snapshot: s}
	if s.SessionStart != nil {
		v.SessionDurationSeconds = secondsSince(now, *s.SessionStart)
	}
	if s.Target != nil {
		v.TargetElapsedSeconds = secondsSince(now, s.Target.Since)
	}
	if s.LastImage != nil {
		v.SinceLastImageSeconds = secondsSince(now, s.LastImage.Time)
	}
	if s.Activity != nil {
		v.ActivityElapsedSeconds = secondsSince(now, s.Activity.Since)
	}
	if s.Safety != nil {
		v.SafetyChangedAgoSeconds = secondsSince(now, s.Safety.ChangedAt)
	}
	return v
}

func secondsSince(now, t time.Time) *float64 {
	d := now.Sub(t).Seconds()
	if d < 0 {
		d = 0
	}
	return &d
}
