package session

import (
	"reflect"
	"time"
)

// Snapshot is the derived view of what the observatory is doing right now.
// It is rebuilt from scratch on every reduction and never mutated after
// construction; the zero value is the canonical empty snapshot.
type Snapshot struct {
	Active       bool             `json:"isActive"`
	SessionStart *time.Time       `json:"sessionStart"`
	Target       *Target          `json:"target"`
	Filter       *Filter          `json:"filter"`
	LastImage    *Image           `json:"lastImage"`
	Safety       *Safety          `json:"safety"`
	Activity     *Activity        `json:"activity"`
	Equipment    *EquipmentChange `json:"lastEquipmentChange"`
	Calibration  *Calibration     `json:"calibration,omitempty"`
	LastUpdate   *time.Time       `json:"lastUpdate"`
}

type Coordinates struct {
	RA        float64 `json:"ra"`
	Dec       float64 `json:"dec"`
	RAString  string  `json:"raString,omitempty"`
	DecString string  `json:"decString,omitempty"`
}

type Target struct {
	Name        string       `json:"name"`
	Project     string       `json:"project,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Rotation    *float64     `json:"rotation,omitempty"`
	Since       time.Time    `json:"since"`
}

type Filter struct {
	Name  string    `json:"name"`
	Since time.Time `json:"since"`
}

// Image describes the most recently saved frame. Statistics are filled when
// the application reports them.
type Image struct {
	Time     time.Time `json:"time"`
	Filter   string    `json:"filter,omitempty"`
	Exposure *float64  `json:"exposure,omitempty"`
	HFR      *float64  `json:"hfr,omitempty"`
	Stars    *int      `json:"stars,omitempty"`
}

// Safety carries the safety monitor verdict. IsSafe is nil when the
// application did not say.
type Safety struct {
	IsSafe    *bool     `json:"isSafe"`
	ChangedAt time.Time `json:"changedAt"`
}

type Activity struct {
	Subsystem Subsystem     `json:"subsystem"`
	State     ActivityState `json:"state"`
	Since     time.Time     `json:"since"`
}

type EquipmentChange struct {
	Device    Device    `json:"device"`
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// Calibration is set while flat or dark frames are being taken.
type Calibration struct {
	Kind  string    `json:"kind"`
	Tag   string    `json:"tag"`
	Since time.Time `json:"since"`
}

// Equal reports whether two snapshots carry the same state.
func (s Snapshot) Equal(o Snapshot) bool {
	return reflect.DeepEqual(s, o)
}

// IsEmpty reports whether s is the canonical empty snapshot.
func (s Snapshot) IsEmpty() bool {
	return s.Equal(Snapshot{})
}
