package model

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock hour/minute pair with no date attached.
// Values are not range-checked; upstream "25:99" passes through as-is.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// String formats the value as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// SlotTemplate is a recurring daily availability window, normalized from
// one upstream record (or one row of a repeating group).
//
// Templates are immutable once produced by a normalization pass; a refresh
// replaces the whole set rather than editing individual entries.
type SlotTemplate struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`

	// Source names the extraction strategy that produced this template
	// (root, group, scan). Diagnostics only.
	Source string `json:"source,omitempty"`
}

// Slot is one concrete, dated occurrence of a SlotTemplate.
type Slot struct {
	// ID is "<templateID>@<dayEpochMillis>", unique per (template, day).
	ID    string
	Title string

	// Start / End are in the display location. End is always after Start;
	// overnight templates end on the following calendar day.
	Start time.Time
	End   time.Time

	// Template points back at the source template. The slot does not own it.
	Template *SlotTemplate
}

// Duration returns End - Start.
func (s Slot) Duration() time.Duration {
	return s.End.Sub(s.Start)
}
