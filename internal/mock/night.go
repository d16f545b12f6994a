package mock

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"
)

// Step is one scripted event.
type Step struct {
	Tag    string
	Fields map[string]any
}

type mockTarget struct {
	name    string
	project string
	ra, dec float64
	filters []string
	frames  int
}

var mockTargets = []mockTarget{
	{name: "M42", project: "Orion Mosaic", ra: 83.822, dec: -5.391, filters: []string{"Ha", "OIII"}, frames: 4},
	{name: "NGC 7000", project: "North America", ra: 314.75, dec: 44.52, filters: []string{"Ha", "SII", "OIII"}, frames: 3},
	{name: "M31", project: "Andromeda LRGB", ra: 10.685, dec: 41.269, filters: []string{"L", "R", "G", "B"}, frames: 2},
}

// Night builds the script of one imaging night: equipment comes up, every
// target is framed and imaged through its filters with periodic autofocus,
// then flats are taken and the mount parks.
func Night(rng *rand.Rand) []Step {
	var steps []Step
	add := func(tag string, fields map[string]any) {
		steps = append(steps, Step{Tag: tag, Fields: fields})
	}

	for _, dev := range []string{"CAMERA", "MOUNT", "FOCUSER", "FILTERWHEEL", "GUIDER", "ROTATOR"} {
		add(dev+"-CONNECTED", nil)
	}
	add("SAFETY-CHANGED", map[string]any{"IsSafe": true})
	add("SEQUENCE-STARTING", nil)
	add("MOUNT-UNPARKED", nil)

	for _, tgt := range mockTargets {
		add("TS-NEWTARGETSTART", map[string]any{
			"TargetName":  tgt.name,
			"ProjectName": tgt.project,
			"Coordinates": map[string]any{"RA": tgt.ra, "Dec": tgt.dec},
			"Rotation":    math.Round(rng.Float64() * 360),
		})
		add("ROTATOR-MOVED", nil)
		add("GUIDER-START", nil)
		for i, filter := range tgt.filters {
			add("FILTERWHEEL-CHANGED", map[string]any{"New": map[string]any{"Name": filter}})
			if i == 0 {
				add("AUTOFOCUS-STARTING", nil)
				add("AUTOFOCUS-FINISHED", nil)
			}
			for f := 0; f < tgt.frames; f++ {
				add("IMAGE-SAVE", map[string]any{"ImageStatistics": imageStats(rng, filter)})
			}
		}
		add("GUIDER-STOP", nil)
	}

	add("FLAT-COVER-CLOSED", nil)
	add("FLAT-LIGHT-TOGGLED", nil)
	for f := 0; f < 3; f++ {
		add("IMAGE-SAVE", map[string]any{"ImageStatistics": map[string]any{"Filter": "L", "ExposureTime": 1.5, "ImageType": "FLAT"}})
	}
	add("FLAT-COVER-OPENED", nil)
	add("MOUNT-PARKED", nil)
	add("SEQUENCE-FINISHED", nil)
	return steps
}

func imageStats(rng *rand.Rand, filter string) map[string]any {
	return map[string]any{
		"Filter":       filter,
		"ExposureTime": 300.0,
		"HFR":          math.Round((1.8+rng.Float64()*0.8)*100) / 100,
		"Stars":        800 + rng.Intn(1200),
		"ImageType":    "LIGHT",
	}
}

// Play emits steps one per tick until they run out or ctx is cancelled.
func (a *App) Play(ctx context.Context, steps []Step, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for _, st := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Emit(st.Tag, st.Fields)
		}
	}
	return nil
}

// RunNight plays imaging nights back to back until ctx is cancelled, with a
// pause between nights.
func (a *App) RunNight(ctx context.Context, tick time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for night := 1; ; night++ {
		log.Printf("[mock] starting night %d", night)
		if err := a.Play(ctx, Night(rng), tick); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * tick):
		}
	}
}
