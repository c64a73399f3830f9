// Package calendar holds the view-range date math: which days a day, week
// or month view covers, and how prev/next navigation moves the anchor date.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"slotcal/internal/slots"
)

// DateLayout is the anchor date format accepted by ParseDate.
const DateLayout = time.DateOnly

// View is a calendar view mode.
type View string

const (
	ViewDay   View = "day"
	ViewWeek  View = "week"
	ViewMonth View = "month"
)

// ParseView accepts day, week or month (case-insensitive). Empty means week.
func ParseView(s string) (View, error) {
	switch View(strings.ToLower(strings.TrimSpace(s))) {
	case "", ViewWeek:
		return ViewWeek, nil
	case ViewDay:
		return ViewDay, nil
	case ViewMonth:
		return ViewMonth, nil
	default:
		return "", fmt.Errorf("calendar: unknown view %q", s)
	}
}

// ParseWeekStart maps "sunday"/"monday" to a weekday; anything else is Sunday.
func ParseWeekStart(s string) time.Weekday {
	if strings.EqualFold(strings.TrimSpace(s), "monday") {
		return time.Monday
	}
	return time.Sunday
}

// ParseDate reads a YYYY-MM-DD date as the start of that day in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return dayAt(t.Year(), t.Month(), t.Day(), loc), nil
}

// Window returns the first and last day (day starts in loc) shown by view
// around date.
func Window(view View, date time.Time, weekStart time.Weekday, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	d := midnight(date, loc)

	switch view {
	case ViewDay:
		return d, d
	case ViewMonth:
		first := dayAt(d.Year(), d.Month(), 1, loc)
		last := dayAt(d.Year(), d.Month()+1, 0, loc)
		return first, last
	default:
		start := StartOfWeek(d, weekStart)
		return start, dayAt(start.Year(), start.Month(), start.Day()+6, loc)
	}
}

// StartOfWeek returns the start of the weekStart day on or before date.
func StartOfWeek(date time.Time, weekStart time.Weekday) time.Time {
	diff := (int(date.Weekday()) - int(weekStart) + 7) % 7
	return dayAt(date.Year(), date.Month(), date.Day()-diff, date.Location())
}

// DaysInMonth lists every day of month in year, at local midnight.
func DaysInMonth(year int, month time.Month, loc *time.Location) []time.Time {
	if loc == nil {
		loc = time.Local
	}
	n := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	days := make([]time.Time, 0, n)
	for i := 1; i <= n; i++ {
		days = append(days, dayAt(year, month, i, loc))
	}
	return days
}

// Step moves date by n views: n days, n weeks, or n months. Month steps
// clamp to the target month's last day (Jan 31 + 1 month = Feb 28/29). The
// clock is kept unless it does not exist on the target day.
func Step(view View, date time.Time, n int) time.Time {
	y, m, d := date.Date()
	switch view {
	case ViewDay:
		d += n
	case ViewMonth:
		lastDay := time.Date(y, m+time.Month(n)+1, 0, 12, 0, 0, 0, time.UTC).Day()
		m += time.Month(n)
		if d > lastDay {
			d = lastDay
		}
	default:
		d += 7 * n
	}

	loc := date.Location()
	target := time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	h, mi, sec := date.Clock()
	out := time.Date(target.Year(), target.Month(), target.Day(), h, mi, sec, date.Nanosecond(), loc)
	if oy, om, od := out.Date(); oy != target.Year() || om != target.Month() || od != target.Day() {
		return dayAt(target.Year(), target.Month(), target.Day(), loc)
	}
	return out
}

// midnight truncates t to the start of its day in loc.
func midnight(t time.Time, loc *time.Location) time.Time {
	return slots.StartOfDay(t, loc)
}

// dayAt is the start of day y-m-d in loc. Noon is never inside a midnight
// DST gap, so it pins the calendar date before truncating.
func dayAt(y int, m time.Month, d int, loc *time.Location) time.Time {
	return slots.StartOfDay(time.Date(y, m, d, 12, 0, 0, 0, loc), loc)
}
