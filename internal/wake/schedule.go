package wake

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"epdframe/internal/clock"
)

const (
	DefaultMargin   = 5 * time.Minute
	DefaultFallback = 6 * time.Hour
	// DefaultSpec wakes the panel three times a day.
	DefaultSpec = "0 6,12,18 * * *"
)

// Deadline is a time of day.
type Deadline struct {
	Hour   int
	Minute int
}

func (d Deadline) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

func (d Deadline) before(o Deadline) bool {
	return d.Hour < o.Hour || (d.Hour == o.Hour && d.Minute < o.Minute)
}

// Schedule is the fixed daily wake plan. It is immutable once built.
type Schedule struct {
	deadlines []Deadline
	margin    time.Duration
	fallback  time.Duration
}

// NewSchedule sorts and de-duplicates deadlines. Zero margin/fallback select
// the defaults.
func NewSchedule(deadlines []Deadline, margin, fallback time.Duration) (Schedule, error) {
	if len(deadlines) == 0 {
		return Schedule{}, fmt.Errorf("wake: schedule has no deadlines")
	}
	ds := make([]Deadline, 0, len(deadlines))
	for _, d := range deadlines {
		if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 {
			return Schedule{}, fmt.Errorf("wake: invalid deadline %s", d)
		}
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].before(ds[j]) })
	out := ds[:1]
	for _, d := range ds[1:] {
		if d != out[len(out)-1] {
			out = append(out, d)
		}
	}

	if margin < 0 {
		margin = 0
	} else if margin == 0 {
		margin = DefaultMargin
	}
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	return Schedule{deadlines: out, margin: margin, fallback: fallback}, nil
}

// Deadlines returns the ascending deadlines.
func (s Schedule) Deadlines() []Deadline {
	return append([]Deadline(nil), s.deadlines...)
}

func (s Schedule) Margin() time.Duration   { return s.margin }
func (s Schedule) Fallback() time.Duration { return s.fallback }

// NextWakeDeadline returns how long to sleep from now.
//
// An unsynced now (before clock.MinValid) yields the fallback. Otherwise the
// first deadline today at least margin after now wins, else the earliest
// deadline tomorrow. The result is always positive; a non-positive
// computation (clock skew, DST edges) also yields the fallback.
func NextWakeDeadline(now time.Time, s Schedule) time.Duration {
	if !clock.Valid(now) || len(s.deadlines) == 0 {
		return s.fallbackOrDefault()
	}

	y, m, d := now.Date()
	loc := now.Location()

	var next time.Time
	for _, dl := range s.deadlines {
		candidate := time.Date(y, m, d, dl.Hour, dl.Minute, 0, 0, loc)
		if candidate.Sub(now) >= s.margin {
			next = candidate
			break
		}
	}
	if next.IsZero() {
		first := s.deadlines[0]
		next = time.Date(y, m, d+1, first.Hour, first.Minute, 0, 0, loc)
	}

	sleep := next.Sub(now)
	if sleep <= 0 {
		return s.fallbackOrDefault()
	}
	return sleep
}

func (s Schedule) fallbackOrDefault() time.Duration {
	if s.fallback > 0 {
		return s.fallback
	}
	return DefaultFallback
}

// ParseSpec turns a schedule string into deadlines. Two forms are accepted:
//
//   - a standard 5-field cron expression, e.g. "0 6,12,18 * * *"
//   - an RFC 5545 daily RRULE, e.g. "FREQ=DAILY;BYHOUR=6,12,18;BYMINUTE=0"
//
// Only the minute and hour fields are used; the device wakes every day.
func ParseSpec(spec string) ([]Deadline, error) {
	spec = strings.TrimSpace(spec)
	upper := strings.ToUpper(spec)
	if strings.HasPrefix(upper, "RRULE:") || strings.HasPrefix(upper, "FREQ=") {
		return parseRRule(spec)
	}
	return parseCron(spec)
}

// cronStar is the bit robfig/cron sets on a field parsed from "*" or "?".
const cronStar = 1 << 63

func parseCron(spec string) ([]Deadline, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("wake: parse cron %q: %w", spec, err)
	}
	ss, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("wake: cron %q is not a time-of-day schedule", spec)
	}
	// Wake times repeat daily; day and month fields must be wildcards.
	if ss.Dom&cronStar == 0 || ss.Month&cronStar == 0 || ss.Dow&cronStar == 0 {
		return nil, fmt.Errorf("wake: cron %q restricts day or month; only daily times are supported", spec)
	}
	return cross(setBits(ss.Hour, 24), setBits(ss.Minute, 60)), nil
}

func parseRRule(spec string) ([]Deadline, error) {
	body := spec
	if i := strings.Index(body, ":"); i >= 0 {
		body = body[i+1:]
	}
	opt, err := rrule.StrToROption(body)
	if err != nil {
		return nil, fmt.Errorf("wake: parse rrule %q: %w", spec, err)
	}
	if opt.Freq != rrule.DAILY {
		return nil, fmt.Errorf("wake: rrule %q must be FREQ=DAILY", spec)
	}
	if len(opt.Byhour) == 0 {
		return nil, fmt.Errorf("wake: rrule %q needs BYHOUR", spec)
	}
	minutes := opt.Byminute
	if len(minutes) == 0 {
		minutes = []int{0}
	}
	return cross(opt.Byhour, minutes), nil
}

// setBits lists the set bits below limit; cron's "star" flag lives above.
func setBits(mask uint64, limit int) []int {
	mask &= 1<<uint(limit) - 1
	var out []int
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		out = append(out, i)
		mask &^= 1 << uint(i)
	}
	return out
}

func cross(hours, minutes []int) []Deadline {
	out := make([]Deadline, 0, len(hours)*len(minutes))
	for _, h := range hours {
		for _, m := range minutes {
			out = append(out, Deadline{Hour: h, Minute: m})
		}
	}
	return out
}
