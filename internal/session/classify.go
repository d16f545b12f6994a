package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is the semantic meaning of an event tag.
type Category int

const (
	Unclassified Category = iota
	SessionStart
	SessionEnd
	TargetChanged
	FilterChanged
	ImageSaved
	ActivityStarted
	ActivityStopped
	MountStateChanged
	EquipmentConnected
	EquipmentDisconnected
	SafetyChanged
	FlatCapture
	DarkCapture
)

var categoryNames = map[Category]string{
	Unclassified:          "unclassified",
	SessionStart:          "session_start",
	SessionEnd:            "session_end",
	TargetChanged:         "target_changed",
	FilterChanged:         "filter_changed",
	ImageSaved:            "image_saved",
	ActivityStarted:       "activity_started",
	ActivityStopped:       "activity_stopped",
	MountStateChanged:     "mount_state",
	EquipmentConnected:    "equipment_connected",
	EquipmentDisconnected: "equipment_disconnected",
	SafetyChanged:         "safety_changed",
	FlatCapture:           "flat_capture",
	DarkCapture:           "dark_capture",
}

var categoryFromName = func() map[string]Category {
	m := make(map[string]Category, len(categoryNames))
	for c, name := range categoryNames {
		m[name] = c
	}
	return m
}()

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unclassified"
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// ParseCategory resolves a category name as used in configuration.
func ParseCategory(name string) (Category, bool) {
	c, ok := categoryFromName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Subsystem is the piece of equipment an activity belongs to.
type Subsystem int

const (
	NoSubsystem Subsystem = iota
	Autofocus
	Guiding
	Mount
	Rotator
)

var subsystemNames = map[Subsystem]string{
	NoSubsystem: "none",
	Autofocus:   "autofocus",
	Guiding:     "guiding",
	Mount:       "mount",
	Rotator:     "rotator",
}

var subsystemFromName = map[string]Subsystem{
	"none":      NoSubsystem,
	"autofocus": Autofocus,
	"guiding":   Guiding,
	"guider":    Guiding,
	"mount":     Mount,
	"telescope": Mount,
	"rotator":   Rotator,
}

func (s Subsystem) String() string {
	if n, ok := subsystemNames[s]; ok {
		return n
	}
	return "none"
}

func (s Subsystem) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Subsystem) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := subsystemFromName[name]; ok {
		*s = v
	}
	return nil
}

// ActivityState describes what a subsystem is doing.
type ActivityState int

const (
	StateNone ActivityState = iota
	StateRunning
	StateActive
	StateHomed
	StateParked
	StateUnparked
	StateSlewing
	StateMoving
)

var activityStateNames = map[ActivityState]string{
	StateNone:     "none",
	StateRunning:  "running",
	StateActive:   "active",
	StateHomed:    "homed",
	StateParked:   "parked",
	StateUnparked: "unparked",
	StateSlewing:  "slewing",
	StateMoving:   "moving",
}

var activityStateFromName = func() map[string]ActivityState {
	m := make(map[string]ActivityState, len(activityStateNames))
	for s, name := range activityStateNames {
		m[name] = s
	}
	return m
}()

func (a ActivityState) String() string {
	if s, ok := activityStateNames[a]; ok {
		return s
	}
	return "none"
}

func (a ActivityState) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *ActivityState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := activityStateFromName[name]; ok {
		*a = v
	}
	return nil
}

// Device is a lowercase equipment name such as "camera" or "mount".
type Device string

// Classification is the result of classifying one tag. Subsystem and State
// are set for activity and mount categories, Device for connectivity.
type Classification struct {
	Category  Category      `json:"category"`
	Subsystem Subsystem     `json:"subsystem,omitempty"`
	State     ActivityState `json:"state,omitempty"`
	Device    Device        `json:"device,omitempty"`
}

// ClassifiedEvent pairs a raw event with its classification for relay to
// raw-event subscribers.
type ClassifiedEvent struct {
	Event          Event          `json:"event"`
	Classification Classification `json:"classification"`
}

var connectableDevices = []string{
	"CAMERA", "MOUNT", "TELESCOPE", "FOCUSER", "FILTERWHEEL", "GUIDER",
	"ROTATOR", "DOME", "SAFETY", "WEATHER", "SWITCH", "FLAT",
}

func defaultTable() map[string]Classification {
	t := map[string]Classification{
		"SEQUENCE-STARTING": {Category: SessionStart},
		"SEQUENCE-FINISHED": {Category: SessionEnd},

		"TS-TARGETSTART":    {Category: TargetChanged},
		"TS-NEWTARGETSTART": {Category: TargetChanged},

		"FILTERWHEEL-CHANGED": {Category: FilterChanged},
		"IMAGE-SAVE":          {Category: ImageSaved},

		"AUTOFOCUS-STARTING":       {Category: ActivityStarted, Subsystem: Autofocus, State: StateRunning},
		"AUTOFOCUS-FINISHED":       {Category: ActivityStopped, Subsystem: Autofocus},
		"AUTOFOCUS-FAILED":         {Category: ActivityStopped, Subsystem: Autofocus},
		"GUIDER-START":             {Category: ActivityStarted, Subsystem: Guiding, State: StateActive},
		"GUIDER-STOP":              {Category: ActivityStopped, Subsystem: Guiding},
		"ROTATOR-MOVED":            {Category: ActivityStarted, Subsystem: Rotator, State: StateMoving},
		"ROTATOR-MOVED-MECHANICAL": {Category: ActivityStarted, Subsystem: Rotator, State: StateMoving},

		"MOUNT-HOMED":    {Category: MountStateChanged, Subsystem: Mount, State: StateHomed},
		"MOUNT-PARKED":   {Category: MountStateChanged, Subsystem: Mount, State: StateParked},
		"MOUNT-UNPARKED": {Category: MountStateChanged, Subsystem: Mount, State: StateUnparked},

		"SAFETY-CHANGED": {Category: SafetyChanged},

		"FLAT-LIGHT-TOGGLED":      {Category: FlatCapture},
		"FLAT-COVER-OPENED":       {Category: FlatCapture},
		"FLAT-COVER-CLOSED":       {Category: FlatCapture},
		"FLAT-BRIGHTNESS-CHANGED": {Category: FlatCapture},

		"DARK-CAPTURE-STARTING": {Category: DarkCapture},
		"DARK-CAPTURE-FINISHED": {Category: DarkCapture},
	}
	for _, dev := range connectableDevices {
		d := Device(strings.ToLower(dev))
		t[dev+"-CONNECTED"] = Classification{Category: EquipmentConnected, Device: d}
		t[dev+"-DISCONNECTED"] = Classification{Category: EquipmentDisconnected, Device: d}
	}
	return t
}

// Classifier maps event tags to categories through an explicit lookup
// table. Tags are matched case-insensitively. It is safe for concurrent use
// once constructed.
type Classifier struct {
	table map[string]Classification
}

var defaultClassifier = &Classifier{table: defaultTable()}

// DefaultClassifier returns the classifier with the built-in table.
func DefaultClassifier() *Classifier {
	return defaultClassifier
}

// NewClassifier returns a classifier with the built-in table extended by
// extra. Values are "category" or "category:qualifier", where the qualifier
// names the device, subsystem or mount state, e.g. "activity_started:guiding".
func NewClassifier(extra map[string]string) (*Classifier, error) {
	table := defaultTable()
	for tag, mapping := range extra {
		cls, err := parseClassification(normalizeTag(tag), mapping)
		if err != nil {
			return nil, fmt.Errorf("classifier tag %q: %w", tag, err)
		}
		table[normalizeTag(tag)] = cls
	}
	return &Classifier{table: table}, nil
}

// Classify resolves a tag. Unknown tags are Unclassified; it never fails.
func (c *Classifier) Classify(tag string) Classification {
	if c == nil {
		c = defaultClassifier
	}
	if cls, ok := c.table[normalizeTag(tag)]; ok {
		return cls
	}
	return Classification{Category: Unclassified}
}

// Len reports the number of known tags.
func (c *Classifier) Len() int {
	return len(c.table)
}

func normalizeTag(tag string) string {
	return strings.ToUpper(strings.TrimSpace(tag))
}

func parseClassification(tag, mapping string) (Classification, error) {
	name, qualifier, _ := strings.Cut(mapping, ":")
	cat, ok := ParseCategory(name)
	if !ok {
		return Classification{}, fmt.Errorf("unknown category %q", name)
	}
	qualifier = strings.ToLower(strings.TrimSpace(qualifier))
	prefix, _, _ := strings.Cut(tag, "-")
	cls := Classification{Category: cat}

	switch cat {
	case EquipmentConnected, EquipmentDisconnected:
		if qualifier == "" {
			qualifier = strings.ToLower(prefix)
		}
		cls.Device = Device(qualifier)
	case ActivityStarted, ActivityStopped:
		if qualifier == "" {
			qualifier = strings.ToLower(prefix)
		}
		sub, ok := subsystemFromName[qualifier]
		if !ok || sub == NoSubsystem {
			return Classification{}, fmt.Errorf("unknown subsystem %q", qualifier)
		}
		cls.Subsystem = sub
		if cat == ActivityStarted {
			cls.State = startedState(sub)
		}
	case MountStateChanged:
		st, ok := activityStateFromName[qualifier]
		if !ok || (st != StateHomed && st != StateParked && st != StateUnparked) {
			return Classification{}, fmt.Errorf("mount_state needs homed, parked or unparked, got %q", qualifier)
		}
		cls.Subsystem = Mount
		cls.State = st
	default:
		if qualifier != "" {
			return Classification{}, fmt.Errorf("category %s takes no qualifier", cat)
		}
	}
	return cls, nil
}

func startedState(sub Subsystem) ActivityState {
	switch sub {
	case Autofocus:
		return StateRunning
	case Guiding:
		return StateActive
	case Rotator:
		return StateMoving
	case Mount:
		return StateSlewing
	}
	return StateNone
}
