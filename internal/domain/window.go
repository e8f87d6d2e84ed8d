package domain

import "time"

// parseClock parses an "HH:MM" local clock time.
func parseClock(s string) (hour, min int, ok bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// WithinHours reports whether now's time-of-day falls in [Start, End],
// inclusive on both ends, minute granularity. A window with unparseable
// bounds never restricts sending.
func (w *Window) WithinHours(now time.Time) bool {
	sh, sm, ok := parseClock(w.Start)
	if !ok {
		return true
	}
	eh, em, ok := parseClock(w.End)
	if !ok {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	return cur >= sh*60+sm && cur <= eh*60+em
}

// NextAllowedTime returns the earliest instant at or after now at which the
// window permits sending: now itself when already inside the window, else the
// window start on the next allowed day. Suspended days are skipped one by
// one; when every weekday is suspended the window can never open and now is
// returned unchanged.
func (w *Window) NextAllowedTime(now time.Time) time.Time {
	sh, sm, ok := parseClock(w.Start)
	if !ok {
		return now
	}
	eh, em, ok := parseClock(w.End)
	if !ok {
		return now
	}

	t := now
	for i := 0; i < 8; i++ {
		if !w.AllowsDay(t.Weekday()) {
			t = nextDayStart(t)
			continue
		}

		dayStart := time.Date(t.Year(), t.Month(), t.Day(), sh, sm, 0, 0, t.Location())
		dayEnd := time.Date(t.Year(), t.Month(), t.Day(), eh, em, 0, 0, t.Location())

		if t.Before(dayStart) {
			return dayStart
		}
		if !t.After(dayEnd) {
			return t
		}
		// Past today's window; try tomorrow.
		t = nextDayStart(t)
	}
	return now
}

func nextDayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}
