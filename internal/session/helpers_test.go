package session

import "time"

var t0 = time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

// at returns t0 shifted by the given number of minutes.
func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func ev(tag string, minutes int) Event {
	return Event{Tag: tag, Time: at(minutes)}
}

func evWith(tag string, minutes int, payload map[string]any) Event {
	return Event{Tag: tag, Time: at(minutes), Payload: payload}
}

func targetEvent(name string, minutes int) Event {
	return evWith("TS-NEWTARGETSTART", minutes, map[string]any{
		"TargetName":  name,
		"ProjectName": name + " project",
		"Coordinates": map[string]any{
			"RA":        83.82,
			"Dec":       -5.39,
			"RAString":  "05:35:17",
			"DecString": "-05° 23' 28\"",
		},
		"Rotation": 12.5,
	})
}

func safetyEvent(safe bool, minutes int) Event {
	return evWith("SAFETY-CHANGED", minutes, map[string]any{"IsSafe": safe})
}
