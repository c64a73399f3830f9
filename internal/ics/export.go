package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"slotcal/internal/model"
)

// ProductID identifies slotcal in exported calendars.
const ProductID = "-//slotcal//Slot Calendar//EN"

// ExportOptions controls calendar-level properties of an export.
type ExportOptions struct {
	// Name is written as X-WR-CALNAME when set.
	Name string
	// Timezone is written as X-WR-TIMEZONE when set.
	Timezone string
	// Stamp is the DTSTAMP for every event. Zero means time.Now.
	Stamp time.Time
}

// BuildCalendar converts concrete slots into a VCALENDAR, one VEVENT per
// slot, keyed by the slot ID.
func BuildCalendar(slots []model.Slot, opts ExportOptions) *ical.Calendar {
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Timezone != "" {
		cal.SetXWRTimezone(opts.Timezone)
	}

	for _, s := range slots {
		ev := cal.AddEvent(s.ID)
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(s.Start)
		ev.SetEndAt(s.End)
		ev.SetSummary(s.Title)
	}
	return cal
}

// WriteCalendar serializes slots as an iCalendar feed to w.
func WriteCalendar(w io.Writer, slots []model.Slot, opts ExportOptions) error {
	return BuildCalendar(slots, opts).SerializeTo(w)
}
