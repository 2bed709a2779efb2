package availability

import (
	"fmt"
	"time"
)

// =============================================================================
// CLOCK TIME - Minutes since local midnight
// =============================================================================

// ClockTime is a time of day in the consultant's timezone, in minutes since
// midnight. 24:00 (1440) is allowed as an end bound.
type ClockTime int

const EndOfDay ClockTime = 24 * 60

// NewClock builds a ClockTime from hour and minute.
func NewClock(hour, minute int) ClockTime { return ClockTime(hour*60 + minute) }

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return NewClock(h, m), nil
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// ClockOf returns the time of day of t in its own location, truncated to
// the minute.
func ClockOf(t time.Time) ClockTime { return NewClock(t.Hour(), t.Minute()) }

// clockCeil is ClockOf rounded up to the next minute when t has seconds.
func clockCeil(t time.Time) ClockTime {
	c := ClockOf(t)
	if t.Second() != 0 || t.Nanosecond() != 0 {
		c++
	}
	return c
}

// =============================================================================
// WINDOW - Half-open time interval [Start, End)
// =============================================================================

// Window is a half-open interval of absolute time.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window of the given length starting at start.
func NewWindow(start time.Time, d time.Duration) Window {
	return Window{Start: start, End: start.Add(d)}
}

// Valid reports whether the window has positive length.
func (w Window) Valid() bool { return w.End.After(w.Start) }

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.End.Sub(w.Start) }

// Overlaps is the half-open overlap test: a.Start < b.End && b.Start < a.End.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}

// localSpan maps a window onto one local calendar day. ok is false when the
// window crosses local midnight (a window ending exactly at midnight is fine).
// Bounds widen to whole minutes: start rounds down, end rounds up. Slots and
// exceptions sit on minute boundaries, so the widened span gives the same
// answers as the exact one.
func localSpan(w Window, loc *time.Location) (date string, weekday time.Weekday, start, end ClockTime, ok bool) {
	ls := w.Start.In(loc)
	le := w.End.In(loc)
	date = ls.Format(DateLayout)
	weekday = ls.Weekday()
	start = ClockOf(ls)
	switch {
	case le.Format(DateLayout) == date:
		end = clockCeil(le)
	case le.Equal(startOfNextDay(ls)):
		end = EndOfDay
	default:
		return date, weekday, start, 0, false
	}
	return date, weekday, start, end, true
}

func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// DateLayout is the civil date format used for exceptions.
const DateLayout = "2006-01-02"
