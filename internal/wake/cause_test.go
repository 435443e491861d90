package wake

import (
	"context"
	"testing"
	"time"

	"epdframe/internal/model"
)

func TestDetermineCause(t *testing.T) {
	cases := []struct {
		report Report
		want   model.WakeCause
	}{
		{Report{Source: SourceUndefined}, model.WakeCause{Kind: model.WakeColdStart, Line: -1}},
		{Report{Source: SourceTimer, Mask: 0b100}, model.WakeCause{Kind: model.WakeTimer, Line: -1}},
		{Report{Source: SourceLines, Mask: 0b100}, model.WakeCause{Kind: model.WakeSignal, Line: 2}},
		{Report{Source: SourceLines, Mask: 0b110}, model.WakeCause{Kind: model.WakeSignal, Line: 1}},
		{Report{Source: SourceLines, Mask: 0b111}, model.WakeCause{Kind: model.WakeSignal, Line: 0}},
		{Report{Source: SourceLines}, model.WakeCause{Kind: model.WakeColdStart, Line: -1}},
	}
	for _, c := range cases {
		if got := DetermineCause(c.report); got != c.want {
			t.Fatalf("DetermineCause(%+v) = %v, want %v", c.report, got, c.want)
		}
	}
}

func newController() *Controller {
	return &Controller{
		Modes:    []model.Mode{model.ModeWeather, model.ModeStocks, model.ModeFred},
		Debounce: time.Millisecond,
	}
}

func TestController_SignalSetsMode(t *testing.T) {
	c := newController()
	state := model.Retained{Mode: model.ModeWeather, BootCount: 4}

	got := c.Apply(context.Background(), model.WakeCause{Kind: model.WakeSignal, Line: 2}, state)
	if got.Mode != model.ModeFred {
		t.Fatalf("mode = %v, want fred", got.Mode)
	}
	if got.BootCount != 4 {
		t.Fatalf("boot count changed: %d", got.BootCount)
	}
}

func TestController_SimultaneousLinesOneTransition(t *testing.T) {
	c := newController()
	cause := DetermineCause(Report{Source: SourceLines, Mask: 0b110})
	got := c.Apply(context.Background(), cause, model.ColdBoot())
	if got.Mode != model.ModeStocks {
		t.Fatalf("mode = %v, want stocks (lowest active line)", got.Mode)
	}
}

func TestController_TimerAndColdStartKeepMode(t *testing.T) {
	c := newController()
	state := model.Retained{Mode: model.ModeStocks}
	for _, cause := range []model.WakeCause{
		{Kind: model.WakeTimer, Line: -1},
		{Kind: model.WakeColdStart, Line: -1},
		{Kind: model.WakeSignal, Line: 9},
	} {
		if got := c.Apply(context.Background(), cause, state); got.Mode != model.ModeStocks {
			t.Fatalf("%v changed mode to %v", cause, got.Mode)
		}
	}
}

func TestController_Debounces(t *testing.T) {
	c := newController()
	c.Debounce = 30 * time.Millisecond
	start := time.Now()
	c.Apply(context.Background(), model.WakeCause{Kind: model.WakeSignal, Line: 0}, model.ColdBoot())
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("signal wake did not wait out the debounce delay")
	}
}
