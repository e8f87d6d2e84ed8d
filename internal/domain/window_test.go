package domain

import (
	"testing"
	"time"
)

// 2026-08-29 is a Saturday.
func localTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local)
	if err != nil {
		t.Fatalf("bad fixture time %q: %v", s, err)
	}
	return ts
}

func TestWindowAllowsDay(t *testing.T) {
	w := &Window{Start: "09:00", End: "18:00", SuspendedDays: []int{0, 6}}
	if w.AllowsDay(time.Saturday) || w.AllowsDay(time.Sunday) {
		t.Error("weekend must be suspended")
	}
	if !w.AllowsDay(time.Monday) {
		t.Error("Monday must be allowed")
	}
	open := &Window{Start: "09:00", End: "18:00"}
	if !open.AllowsDay(time.Sunday) {
		t.Error("window without suspended days allows every day")
	}
}

func TestWindowWithinHours(t *testing.T) {
	w := &Window{Start: "09:00", End: "18:00"}
	tests := []struct {
		clock string
		want  bool
	}{
		{"08:59", false},
		{"09:00", true}, // inclusive start
		{"12:30", true},
		{"18:00", true}, // inclusive end
		{"18:01", false},
	}
	for _, tt := range tests {
		now := localTime(t, "2026-08-31 "+tt.clock)
		if got := w.WithinHours(now); got != tt.want {
			t.Errorf("WithinHours(%s) = %v, want %v", tt.clock, got, tt.want)
		}
	}
}

func TestWindowUnparseableBoundsNeverRestrict(t *testing.T) {
	w := &Window{Start: "morning", End: "18:00"}
	if !w.WithinHours(localTime(t, "2026-08-31 03:00")) {
		t.Error("unparseable bounds must not restrict sending")
	}
	now := localTime(t, "2026-08-31 03:00")
	if !w.NextAllowedTime(now).Equal(now) {
		t.Error("NextAllowedTime with unparseable bounds returns now")
	}
}

func TestNextAllowedTime(t *testing.T) {
	w := &Window{Start: "09:00", End: "18:00", SuspendedDays: []int{0, 6}}

	tests := []struct {
		name string
		now  string
		want string
	}{
		{"inside window stays put", "2026-08-31 10:00", "2026-08-31 10:00"},
		{"before window clamps to start", "2026-08-31 07:15", "2026-08-31 09:00"},
		{"after window rolls to next day", "2026-08-31 19:00", "2026-09-01 09:00"},
		{"saturday skips to monday", "2026-08-29 10:00", "2026-08-31 09:00"},
		{"friday evening skips weekend", "2026-08-28 20:00", "2026-08-31 09:00"},
		{"sunday morning skips to monday", "2026-08-30 06:00", "2026-08-31 09:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.NextAllowedTime(localTime(t, tt.now))
			want := localTime(t, tt.want)
			if !got.Equal(want) {
				t.Errorf("NextAllowedTime(%s) = %s, want %s", tt.now, got.Format("2006-01-02 15:04"), tt.want)
			}
		})
	}
}

func TestNextAllowedTimeAllDaysSuspended(t *testing.T) {
	w := &Window{Start: "09:00", End: "18:00", SuspendedDays: []int{0, 1, 2, 3, 4, 5, 6}}
	now := localTime(t, "2026-08-31 10:00")
	if !w.NextAllowedTime(now).Equal(now) {
		t.Error("a window that never opens returns now unchanged")
	}
}

func TestPacingBaseDelay(t *testing.T) {
	if d := PacingFast.BaseDelay(); d != time.Second {
		t.Errorf("fast = %v", d)
	}
	if d := PacingNormal.BaseDelay(); d != 30*time.Second {
		t.Errorf("normal = %v", d)
	}
	if d := PacingSlow.BaseDelay(); d != 60*time.Second {
		t.Errorf("slow = %v", d)
	}
	if d := Pacing("unknown").BaseDelay(); d != 30*time.Second {
		t.Errorf("unknown pacing should fall back to normal, got %v", d)
	}
	for i := 0; i < 50; i++ {
		if d := PacingRandomized.BaseDelay(); d < 55*time.Second || d > 85*time.Second {
			t.Fatalf("randomized delay %v outside [55s, 85s]", d)
		}
	}
}

func TestAutoDeleteDuration(t *testing.T) {
	tests := []struct {
		ad   AutoDelete
		want time.Duration
	}{
		{AutoDelete{Delay: 30, Unit: "seconds"}, 30 * time.Second},
		{AutoDelete{Delay: 5, Unit: "minutes"}, 5 * time.Minute},
		{AutoDelete{Delay: 2, Unit: "hours"}, 2 * time.Hour},
		{AutoDelete{Delay: 10, Unit: ""}, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := tt.ad.Duration(); got != tt.want {
			t.Errorf("Duration(%d %s) = %v, want %v", tt.ad.Delay, tt.ad.Unit, got, tt.want)
		}
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	if JobPending.IsTerminal() {
		t.Error("pending is not terminal")
	}
	for _, s := range []JobStatus{JobSent, JobFailed, JobInvalid} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
