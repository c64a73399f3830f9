package slots

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "slotcal/internal/log"
	"slotcal/internal/model"
)

// Expand materializes one slot per (template, calendar day) for every day
// from start's local midnight through the end of end's local day, both
// inclusive. Output is day-major, template-minor.
//
// A template whose end is not after its start on the same day is an
// overnight slot: its end moves to the following calendar day.
//
// Templates are referenced, not copied; the caller must not mutate them
// while the returned slots are in use.
func Expand(templates []model.SlotTemplate, start, end time.Time, loc *time.Location) []model.Slot {
	if loc == nil {
		loc = time.Local
	}
	days := Days(start, end, loc)
	out := make([]model.Slot, 0, len(days)*len(templates))

	for _, day := range days {
		dayKey := day.UnixMilli()
		y, m, d := day.Date()
		for i := range templates {
			tpl := &templates[i]
			s := wallTime(y, m, d, tpl.Start, loc)
			// Out-of-range starts ("30:00") roll past the day, so advance the
			// end a day at a time until it is after the start.
			e := wallTime(y, m, d, tpl.End, loc)
			for next := 1; !e.After(s); next++ {
				e = wallTime(y, m, d+next, tpl.End, loc)
			}
			out = append(out, model.Slot{
				ID:       fmt.Sprintf("%s@%d", tpl.ID, dayKey),
				Title:    tpl.Title,
				Start:    s,
				End:      e,
				Template: tpl,
			})
		}
	}
	return out
}

// Days lists the start of every local calendar day from start's day through
// end's day inclusive. It returns nil if end's day precedes start's day.
//
// Days are keyed on calendar dates, not instants: where DST begins at
// midnight the day starts at the first wall-clock time that exists.
func Days(start, end time.Time, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.Local
	}
	start, end = start.In(loc), end.In(loc)
	// The rule runs over UTC dates, which have no DST gaps.
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if to.Before(from) {
		return nil
	}

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: from,
		Until:   to,
	})
	if err != nil {
		appLog.Error("slots: daily rule failed; iterating manually", err)
		return iterateDays(from, to, loc)
	}

	occ := r.All()
	days := make([]time.Time, 0, len(occ))
	for _, d := range occ {
		days = append(days, dayStart(d.Year(), d.Month(), d.Day(), loc))
	}
	return days
}

func iterateDays(from, to time.Time, loc *time.Location) []time.Time {
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, dayStart(d.Year(), d.Month(), d.Day(), loc))
	}
	return days
}

// StartOfDay returns the first instant of t's calendar day in loc. That is
// local midnight unless midnight falls in a DST gap.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return dayStart(t.Year(), t.Month(), t.Day(), loc)
}

// EndOfDay returns 23:59:59.999 of t's day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// OnDay returns the slots starting on day (in loc), preserving order.
func OnDay(slots []model.Slot, day time.Time, loc *time.Location) []model.Slot {
	if loc == nil {
		loc = time.Local
	}
	var out []model.Slot
	for _, s := range slots {
		if SameDay(s.Start, day, loc) {
			out = append(out, s)
		}
	}
	return out
}

func dayStart(y int, m time.Month, d int, loc *time.Location) time.Time {
	return wallTime(y, m, d, model.TimeOfDay{}, loc)
}

// wallTime returns the instant showing tod on day y-m-d in loc. Hour and
// minute overflow rolls into later days. A wall time inside a DST gap moves
// forward by the gap, so it never lands on the previous day.
func wallTime(y int, m time.Month, d int, tod model.TimeOfDay, loc *time.Location) time.Time {
	want := time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, time.UTC)
	t := time.Date(want.Year(), want.Month(), want.Day(), want.Hour(), want.Minute(), 0, 0, loc)

	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	if shift := want.Sub(got); shift > 0 {
		t = t.Add(shift)
	}
	return t
}
