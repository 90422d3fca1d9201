package query

import (
	"fmt"
	"time"
)

// TimeRangeSpec is the user-facing request shape: exactly one of the three
// modes of spec.md §4.9 ("absolute (start/end), relative (last_24_hours),
// and window-around-event (event_id +/- delta)") should be populated.
type TimeRangeSpec struct {
	Start         *time.Time
	End           *time.Time
	RelativeWindow string // e.g. "last_24_hours"
	EventID       string
	EventTime     *time.Time // resolved by the caller for window-around-event
	DeltaSeconds  int
}

var relativeWindows = map[string]time.Duration{
	"last_hour":     time.Hour,
	"last_24_hours": 24 * time.Hour,
	"last_7_days":   7 * 24 * time.Hour,
	"last_30_days":  30 * 24 * time.Hour,
}

// Normalize resolves spec into a UTC half-open [start, end) interval.
func Normalize(spec TimeRangeSpec, now time.Time) (start, end time.Time, err error) {
	switch {
	case spec.RelativeWindow != "":
		dur, ok := relativeWindows[spec.RelativeWindow]
		if !ok {
			return time.Time{}, time.Time{}, fmt.Errorf("unknown relative window %q", spec.RelativeWindow)
		}
		end = now.UTC()
		start = end.Add(-dur)
		return start, end, nil

	case spec.EventID != "":
		if spec.EventTime == nil {
			return time.Time{}, time.Time{}, fmt.Errorf("window-around-event requires a resolved event timestamp")
		}
		delta := time.Duration(spec.DeltaSeconds) * time.Second
		center := spec.EventTime.UTC()
		return center.Add(-delta), center.Add(delta), nil

	case spec.Start != nil || spec.End != nil:
		if spec.Start == nil || spec.End == nil {
			return time.Time{}, time.Time{}, fmt.Errorf("absolute time range requires both start and end")
		}
		start = spec.Start.UTC()
		end = spec.End.UTC()
		if !start.Before(end) {
			return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
		}
		return start, end, nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("time range must specify absolute, relative, or event-window bounds")
	}
}
