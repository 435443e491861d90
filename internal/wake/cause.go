// Package wake decides why the device woke, updates the retained display
// mode, computes the next wake deadline and arms the wake sources before
// suspending.
package wake

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	appLog "epdframe/internal/log"
	"epdframe/internal/model"
)

// DefaultDebounce is the pause after a button wake before the cycle goes on.
const DefaultDebounce = 200 * time.Millisecond

// Source is the hardware-reported wake source.
type Source uint8

const (
	// SourceUndefined is reported after power-on or external reset.
	SourceUndefined Source = iota
	SourceTimer
	SourceLines
)

func (s Source) String() string {
	switch s {
	case SourceUndefined:
		return "undefined"
	case SourceTimer:
		return "timer"
	case SourceLines:
		return "lines"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Report is what the wake hardware says about the last suspend. Mask has
// bit i set when line i was active at wake.
type Report struct {
	Source Source
	Mask   uint64
}

// DetermineCause classifies a report. When several lines are active the
// lowest line index wins, so the result is deterministic under
// simultaneous presses. A line wake with an empty mask cannot name a
// winner and is treated like a cold start (mode unchanged).
func DetermineCause(r Report) model.WakeCause {
	switch r.Source {
	case SourceTimer:
		return model.WakeCause{Kind: model.WakeTimer, Line: -1}
	case SourceLines:
		if r.Mask == 0 {
			appLog.Warn("line wake without active line", "mask", r.Mask)
			return model.WakeCause{Kind: model.WakeColdStart, Line: -1}
		}
		return model.WakeCause{Kind: model.WakeSignal, Line: bits.TrailingZeros64(r.Mask)}
	default:
		return model.WakeCause{Kind: model.WakeColdStart, Line: -1}
	}
}

// Controller owns the single write to the retained mode per boot.
type Controller struct {
	// Modes maps line index to the mode that line selects.
	Modes    []model.Mode
	Debounce time.Duration
}

// Apply updates state for cause. Only a signal wake from a mapped line
// changes the mode; timer and cold-start wakes keep whatever was set last.
func (c *Controller) Apply(ctx context.Context, cause model.WakeCause, state model.Retained) model.Retained {
	if cause.Kind != model.WakeSignal {
		return state
	}
	if cause.Line < 0 || cause.Line >= len(c.Modes) {
		appLog.Warn("wake line has no mode", "line", cause.Line)
		return state
	}

	prev := state.Mode
	state.Mode = c.Modes[cause.Line]
	appLog.Info("mode selected by button", "line", cause.Line, "from", prev, "to", state.Mode)

	debounce := c.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	select {
	case <-time.After(debounce):
	case <-ctx.Done():
	}
	return state
}
