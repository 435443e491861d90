package wake

import (
	"fmt"
	"sync"

	evdev "github.com/holoplot/go-evdev"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// Line is one level-triggered wake input.
type Line interface {
	Name() string
	// Active reports whether the line is at its active level right now.
	Active() bool
}

// GPIOLine is a button to ground with the internal pull-up enabled, so the
// active level is low.
type GPIOLine struct {
	pin gpio.PinIn
}

// NewGPIOLine configures p as a pulled-up input.
func NewGPIOLine(p gpio.PinIn) (*GPIOLine, error) {
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("wake: setup %s: %w", p, err)
	}
	return &GPIOLine{pin: p}, nil
}

// OpenGPIOLine looks a pin up by name ("GPIO3") in the periph registry.
// host.Init must have run.
func OpenGPIOLine(name string) (*GPIOLine, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("wake: gpio %s not found", name)
	}
	return NewGPIOLine(p)
}

func (l *GPIOLine) Name() string { return l.pin.Name() }

func (l *GPIOLine) Active() bool { return l.pin.Read() == gpio.Low }

// KeyLine is a button exposed by the kernel as a key on an input device
// (gpio-keys). The key state ioctl gives its current level.
type KeyLine struct {
	path string
	code evdev.EvCode

	mu  sync.Mutex
	dev *evdev.InputDevice
}

// OpenKeyLine opens the input device at path and watches key code.
func OpenKeyLine(path string, code int) (*KeyLine, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wake: open %s: %w", path, err)
	}
	return &KeyLine{path: path, code: evdev.EvCode(code), dev: dev}, nil
}

func (l *KeyLine) Name() string {
	return fmt.Sprintf("%s:key%d", l.path, l.code)
}

func (l *KeyLine) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.dev.State(evdev.EV_KEY)
	if err != nil {
		return false
	}
	return state[l.code]
}

func (l *KeyLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev.Close()
}
