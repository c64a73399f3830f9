package origami

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"slotcal/internal/model"
)

const (
	// secondsThreshold separates second- from millisecond-precision timestamps.
	secondsThreshold = 10_000_000_000
	// maxEpochMillis is the largest magnitude a JavaScript Date accepts.
	maxEpochMillis = 8.64e15
)

var clockPattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// dateLayouts are tried in order for non-numeric strings. Layouts without a
// zone are interpreted in the display location.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
}

// ExtractTime converts one raw upstream field value to a time of day.
//
// Accepted forms: "H:MM"/"HH:MM" strings (taken literally, no range check),
// Unix timestamps in seconds or milliseconds (numbers or numeric strings),
// and date strings. Timestamps and dates yield their wall-clock hour and
// minute in loc. The date part is discarded. Falsy values (nil, "", false,
// 0) and anything unparseable report false.
func ExtractTime(v any, loc *time.Location) (model.TimeOfDay, bool) {
	if loc == nil {
		loc = time.Local
	}

	switch val := v.(type) {
	case nil:
		return model.TimeOfDay{}, false
	case bool:
		return model.TimeOfDay{}, false
	case string:
		return extractFromString(val, loc)
	case json.Number:
		return extractFromString(val.String(), loc)
	case float64:
		return fromTimestamp(val, loc)
	case float32:
		return fromTimestamp(float64(val), loc)
	case int:
		return fromTimestamp(float64(val), loc)
	case int64:
		return fromTimestamp(float64(val), loc)
	case int32:
		return fromTimestamp(float64(val), loc)
	case uint64:
		return fromTimestamp(float64(val), loc)
	case uint32:
		return fromTimestamp(float64(val), loc)
	default:
		return model.TimeOfDay{}, false
	}
}

func extractFromString(s string, loc *time.Location) (model.TimeOfDay, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.TimeOfDay{}, false
	}

	if m := clockPattern.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return model.TimeOfDay{Hour: h, Minute: minute}, true
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromTimestamp(n, loc)
	}

	t, ok := parseDate(s, loc)
	if !ok {
		return model.TimeOfDay{}, false
	}
	return timeOfDay(t, loc), true
}

func fromTimestamp(n float64, loc *time.Location) (model.TimeOfDay, bool) {
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return model.TimeOfDay{}, false
	}
	ms := n
	if ms < secondsThreshold {
		ms *= 1000
	}
	if math.Abs(ms) > maxEpochMillis {
		return model.TimeOfDay{}, false
	}
	return timeOfDay(time.UnixMilli(int64(ms)), loc), true
}

func parseDate(s string, loc *time.Location) (time.Time, bool) {
	// Date-only ISO strings are UTC midnight, as in JavaScript's Date.
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func timeOfDay(t time.Time, loc *time.Location) model.TimeOfDay {
	local := t.In(loc)
	return model.TimeOfDay{Hour: local.Hour(), Minute: local.Minute()}
}
