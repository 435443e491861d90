package model

import (
	"fmt"
	"strings"
)

// Mode selects which content variant the backend renders for the panel.
// It is the only value kept in retained memory across a suspend.
type Mode uint8

const (
	ModeWeather Mode = iota
	ModeStocks
	ModeFred
)

// DefaultMode is used after a cold boot.
const DefaultMode = ModeWeather

var modeNames = [...]string{
	ModeWeather: "weather",
	ModeStocks:  "stocks",
	ModeFred:    "fred",
}

// Modes lists every known mode in declaration order.
func Modes() []Mode {
	return []Mode{ModeWeather, ModeStocks, ModeFred}
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode maps a config name ("weather", "stocks", "fred") to a Mode.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range modeNames {
		if name == s {
			return Mode(i), nil
		}
	}
	return DefaultMode, fmt.Errorf("model: unknown mode %q", s)
}

// Retained is the state that survives a low-power suspend but not a full
// power loss. The harness carries it between cycles; a fresh process always
// starts from ColdBoot().
type Retained struct {
	Mode Mode
	// BootCount counts completed wake cycles since the last cold boot.
	BootCount uint32
}

// ColdBoot returns the retained state after power loss or external reset.
func ColdBoot() Retained {
	return Retained{Mode: DefaultMode}
}

// WakeKind says why the device started the current cycle.
type WakeKind uint8

const (
	WakeColdStart WakeKind = iota
	WakeTimer
	WakeSignal
)

func (k WakeKind) String() string {
	switch k {
	case WakeColdStart:
		return "cold_start"
	case WakeTimer:
		return "timer"
	case WakeSignal:
		return "signal"
	default:
		return fmt.Sprintf("wake(%d)", uint8(k))
	}
}

// WakeCause is computed once per boot. Line is the index of the signal line
// that won for WakeSignal and -1 otherwise.
type WakeCause struct {
	Kind WakeKind
	Line int
}

func (c WakeCause) String() string {
	if c.Kind == WakeSignal {
		return fmt.Sprintf("signal(%d)", c.Line)
	}
	return c.Kind.String()
}

// BatteryReading is recomputed every cycle and never persisted.
type BatteryReading struct {
	Millivolts int `json:"millivolts"`
	Percent    int `json:"percent"`
}
