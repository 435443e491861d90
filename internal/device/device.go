// Package device runs the update cycle: wake cause, mode, battery, link,
// clock, fetch, render, release, next wake.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"epdframe/internal/battery"
	"epdframe/internal/clock"
	"epdframe/internal/link"
	appLog "epdframe/internal/log"
	"epdframe/internal/model"
	"epdframe/internal/render"
	"epdframe/internal/transfer"
	"epdframe/internal/wake"
)

// BatteryQueryParam carries the battery percentage to the backend.
const BatteryQueryParam = "battery_pct"

// Status is a snapshot of the last finished cycle.
type Status struct {
	CycleID     string                `json:"cycle_id"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	Cause       string                `json:"cause"`
	Mode        string                `json:"mode"`
	BootCount   uint32                `json:"boot_count"`
	Battery     *model.BatteryReading `json:"battery,omitempty"`
	LinkUp      bool                  `json:"link_up"`
	ClockSynced bool                  `json:"clock_synced"`
	Pixels      int                   `json:"pixels"`
	ErrorFrame  bool                  `json:"error_frame"`
	Error       string                `json:"error,omitempty"`
	SleepFor    time.Duration         `json:"sleep_ns"`
	NextWakeAt  time.Time             `json:"next_wake_at"`
}

// Device holds the collaborators of one cycle. Fields are set once at
// startup; Battery, Clock and Suspender may be nil.
type Device struct {
	Controller *wake.Controller
	// Lines are the wake lines, index-aligned with Controller.Modes.
	Lines     []wake.Line
	Suspender wake.Suspender
	Schedule  wake.Schedule
	Location  *time.Location

	Battery *battery.Sampler

	Link         link.Link
	LinkAttempts int
	LinkBackoff  time.Duration

	Clock clock.Source

	Engine   *transfer.Engine
	Pipeline *render.Pipeline

	BaseURL     string
	Endpoints   map[model.Mode]string
	SendBattery bool

	mu     sync.RWMutex
	status Status
	cycles int
}

// Status returns the last cycle snapshot. ok is false before the first one.
func (d *Device) Status() (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status, d.cycles > 0
}

// RunCycle runs one wake cycle and returns the updated retained state and
// how long to sleep. It never fails: every error ends in the error frame and
// the duration is always positive.
func (d *Device) RunCycle(ctx context.Context, state model.Retained, report wake.Report) (model.Retained, time.Duration) {
	st := Status{CycleID: uuid.NewString(), StartedAt: time.Now()}
	lg := appLog.With("cycle", st.CycleID)

	cause := wake.DetermineCause(report)
	if d.Controller != nil {
		state = d.Controller.Apply(ctx, cause, state)
	}
	state.BootCount++
	st.Cause = cause.String()
	st.Mode = state.Mode.String()
	st.BootCount = state.BootCount
	lg.Info("cycle start", "cause", cause, "source", report.Source, "mode", state.Mode, "boot", state.BootCount)

	var reading model.BatteryReading
	var haveReading bool
	if d.Battery != nil {
		reading, haveReading = d.Battery.Read(ctx)
		if haveReading {
			r := reading
			st.Battery = &r
		}
	}

	var now time.Time
	out := d.fetchAndRender(ctx, lg, state.Mode, reading, haveReading, &st, &now)
	st.Pixels = out.Pixels
	st.ErrorFrame = out.ErrorFrame
	if out.Err != nil {
		st.Error = out.Err.Error()
	} else if out.CommitErr != nil {
		st.Error = out.CommitErr.Error()
	}

	sleep := wake.NextWakeDeadline(now, d.Schedule)
	if sleep <= 0 {
		sleep = d.Schedule.Fallback()
	}
	st.SleepFor = sleep
	st.FinishedAt = time.Now()
	st.NextWakeAt = st.FinishedAt.Add(sleep)

	lg.Info("cycle done",
		"error_frame", out.ErrorFrame,
		"pixels", out.Pixels,
		"synced", st.ClockSynced,
		"sleep", sleep,
		"elapsed", st.FinishedAt.Sub(st.StartedAt),
	)

	d.mu.Lock()
	d.status = st
	d.cycles++
	d.mu.Unlock()

	return state, sleep
}

// fetchAndRender holds the link for exactly the network part of the cycle
// and always commits one frame. now is set only when the clock synced.
func (d *Device) fetchAndRender(ctx context.Context, lg appLog.Logger, mode model.Mode, reading model.BatteryReading, haveReading bool, st *Status, now *time.Time) render.Outcome {
	if d.Link != nil {
		if err := link.Bootstrap(ctx, d.Link, d.LinkAttempts, d.LinkBackoff); err != nil {
			lg.Error("no connectivity", err)
			return d.Pipeline.RenderError(err)
		}
		defer func() {
			if err := d.Link.Down(); err != nil {
				lg.Warn("link release failed", "err", err)
			}
		}()
	}
	st.LinkUp = true

	if t, ok := clock.Sync(ctx, d.Clock, d.Location); ok {
		*now = t
		st.ClockSynced = true
	}

	u, err := d.RequestURL(mode, reading, haveReading)
	if err != nil {
		lg.Error("bad request url", err)
		return d.Pipeline.RenderError(err)
	}

	stream, err := d.Engine.Fetch(ctx, u)
	if err != nil {
		lg.Error("fetch failed", err, "mode", mode)
		return d.Pipeline.RenderError(err)
	}
	defer stream.Close()

	out := d.Pipeline.Render(stream)
	if out.Err != nil && !errors.Is(out.Err, transfer.ErrTransferTimeout) && !errors.Is(out.Err, transfer.ErrSizeMismatch) {
		lg.Warn("render aborted", "err", out.Err)
	}
	return out
}

// RequestURL builds base_url + endpoint[mode], adding battery_pct when a
// reading is available and SendBattery is set.
func (d *Device) RequestURL(mode model.Mode, reading model.BatteryReading, haveReading bool) (string, error) {
	path, ok := d.Endpoints[mode]
	if !ok || path == "" {
		return "", fmt.Errorf("device: no endpoint for mode %s", mode)
	}
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("device: request url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("device: request url %q: missing scheme or host", d.BaseURL)
	}
	if d.SendBattery && haveReading {
		q := u.Query()
		q.Set(BatteryQueryParam, strconv.Itoa(reading.Percent))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Loop is the outer harness. It starts from a cold boot, then alternates
// RunCycle and Suspend, carrying the retained state in memory. With once it
// returns after the first cycle. Loop returns nil when ctx is cancelled.
func (d *Device) Loop(ctx context.Context, once bool) error {
	state := model.ColdBoot()
	report := wake.Report{Source: wake.SourceUndefined}

	for {
		var sleep time.Duration
		state, sleep = d.RunCycle(ctx, state, report)
		if once {
			return nil
		}
		if d.Suspender == nil {
			return errors.New("device: no suspender configured")
		}

		r, err := d.Suspender.Suspend(ctx, sleep, d.Lines)
		if err != nil {
			if ctx.Err() != nil {
				appLog.Info("harness stopped", "boot", state.BootCount)
				return nil
			}
			return fmt.Errorf("device: suspend: %w", err)
		}
		report = r
	}
}
