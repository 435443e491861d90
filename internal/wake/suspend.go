package wake

import (
	"context"
	"time"

	appLog "epdframe/internal/log"
)

// DefaultPollInterval is how often PollSuspender samples the wake lines.
const DefaultPollInterval = 20 * time.Millisecond

// Suspender arms a timer for d and a level-triggered wake on all lines at
// the same time, then blocks until one of them fires. The returned Report
// describes the next boot's wake source.
type Suspender interface {
	Suspend(ctx context.Context, d time.Duration, lines []Line) (Report, error)
}

// PollSuspender emulates deep sleep on a host that stays powered: it waits
// out the timer while polling the lines' levels.
type PollSuspender struct {
	Interval time.Duration
}

func (p PollSuspender) Suspend(ctx context.Context, d time.Duration, lines []Line) (Report, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// A line held across the suspend (e.g. the button that caused this
	// cycle) must be released first, otherwise the device would re-wake
	// immediately for the same press.
	armed := make([]bool, len(lines))
	for i, l := range lines {
		armed[i] = !l.Active()
	}

	appLog.Info("suspending", "duration", d, "wake_at", time.Now().Add(d).Format(time.RFC3339), "lines", len(lines))

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		case <-timer.C:
			return Report{Source: SourceTimer}, nil
		case <-ticker.C:
			var mask uint64
			for i, l := range lines {
				if i >= 64 {
					break
				}
				active := l.Active()
				if !armed[i] {
					armed[i] = !active
					continue
				}
				if active {
					mask |= 1 << uint(i)
				}
			}
			if mask != 0 {
				return Report{Source: SourceLines, Mask: mask}, nil
			}
		}
	}
}
