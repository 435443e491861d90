package wake

import (
	"testing"
	"time"
)

func threeADay(t *testing.T) Schedule {
	t.Helper()
	s, err := NewSchedule([]Deadline{{18, 0}, {6, 0}, {12, 0}}, 5*time.Minute, 6*time.Hour)
	if err != nil {
		t.Fatalf("NewSchedule err=%v", err)
	}
	return s
}

func at(h, m int) time.Time {
	return time.Date(2026, time.October, 18, h, m, 0, 0, time.UTC)
}

func TestNextWakeDeadline(t *testing.T) {
	s := threeADay(t)
	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"morning to noon", at(7, 0), 5 * time.Hour},
		{"inside margin skips to next day", at(17, 57), 12*time.Hour + 3*time.Minute},
		{"exactly margin before", at(11, 55), 5 * time.Minute},
		{"just inside margin", at(11, 55).Add(time.Second), 6*time.Hour + 5*time.Minute - time.Second},
		{"before first", at(0, 30), 5*time.Hour + 30*time.Minute},
		{"after last", at(23, 0), 7 * time.Hour},
		{"at deadline", at(6, 0), 6 * time.Hour},
	}
	for _, c := range cases {
		if got := NextWakeDeadline(c.now, s); got != c.want {
			t.Fatalf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestNextWakeDeadline_UnsyncedUsesFallback(t *testing.T) {
	s := threeADay(t)
	for _, now := range []time.Time{{}, time.Unix(0, 0), time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)} {
		if got := NextWakeDeadline(now, s); got != 6*time.Hour {
			t.Fatalf("now=%v: got %v, want fallback", now, got)
		}
	}
}

func TestNextWakeDeadline_AlwaysPositive(t *testing.T) {
	s := threeADay(t)
	start := at(0, 0)
	for m := 0; m < 24*60; m++ {
		if got := NextWakeDeadline(start.Add(time.Duration(m)*time.Minute), s); got <= 0 {
			t.Fatalf("minute %d: non-positive sleep %v", m, got)
		}
	}
}

func TestNextWakeDeadline_RespectsLocation(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	s := threeADay(t)
	now := time.Date(2026, 10, 18, 7, 0, 0, 0, loc)
	if got := NextWakeDeadline(now, s); got != 5*time.Hour {
		t.Fatalf("got %v, want 5h in local time", got)
	}
}

func TestNewSchedule(t *testing.T) {
	s, err := NewSchedule([]Deadline{{12, 0}, {6, 30}, {12, 0}}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	ds := s.Deadlines()
	if len(ds) != 2 || ds[0] != (Deadline{6, 30}) || ds[1] != (Deadline{12, 0}) {
		t.Fatalf("deadlines = %v", ds)
	}
	if s.Margin() != DefaultMargin || s.Fallback() != DefaultFallback {
		t.Fatalf("defaults not applied: %v %v", s.Margin(), s.Fallback())
	}

	if _, err := NewSchedule(nil, 0, 0); err == nil {
		t.Fatal("empty schedule accepted")
	}
	if _, err := NewSchedule([]Deadline{{24, 0}}, 0, 0); err == nil {
		t.Fatal("hour 24 accepted")
	}
}

func TestParseSpec(t *testing.T) {
	cases := []struct {
		spec string
		want []Deadline
	}{
		{DefaultSpec, []Deadline{{6, 0}, {12, 0}, {18, 0}}},
		{"30 7 * * *", []Deadline{{7, 30}}},
		{"FREQ=DAILY;BYHOUR=6,12,18;BYMINUTE=0", []Deadline{{6, 0}, {12, 0}, {18, 0}}},
		{"RRULE:FREQ=DAILY;BYHOUR=9;BYMINUTE=15", []Deadline{{9, 15}}},
		{"FREQ=DAILY;BYHOUR=8", []Deadline{{8, 0}}},
	}
	for _, c := range cases {
		got, err := ParseSpec(c.spec)
		if err != nil {
			t.Fatalf("ParseSpec(%q) err=%v", c.spec, err)
		}
		s, err := NewSchedule(got, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		ds := s.Deadlines()
		if len(ds) != len(c.want) {
			t.Fatalf("ParseSpec(%q) = %v, want %v", c.spec, ds, c.want)
		}
		for i := range ds {
			if ds[i] != c.want[i] {
				t.Fatalf("ParseSpec(%q) = %v, want %v", c.spec, ds, c.want)
			}
		}
	}
}

func TestParseSpec_Rejects(t *testing.T) {
	for _, spec := range []string{
		"@every 1h", "not cron", "FREQ=WEEKLY;BYHOUR=6", "FREQ=DAILY",
		"0 6 * * 1", "0 6 1 * *", "0 6 * 3 *", "0 6 */2 * *",
	} {
		if _, err := ParseSpec(spec); err == nil {
			t.Fatalf("ParseSpec(%q) accepted", spec)
		}
	}
}
