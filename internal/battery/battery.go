package battery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/ads1x15"

	appLog "epdframe/internal/log"
	"epdframe/internal/model"
)

// Defaults for a single-cell LiPo behind a 1:2 divider.
const (
	DefaultEmptyMv = 3300
	DefaultFullMv  = 4200
	DefaultDivider = 2.0
	DefaultSettle  = 10 * time.Millisecond
)

// Source returns one raw millivolt reading at the ADC input.
type Source interface {
	ReadMillivolts(ctx context.Context) (int, error)
}

// Sampler produces a battery estimate on demand. The sampling circuit behind
// Enable is a parasitic drain, so it is only energised for one read.
type Sampler struct {
	// Enable gates the divider. Nil if the circuit is always connected.
	Enable gpio.PinOut
	Source Source
	// Settle is the wait between enabling the circuit and sampling.
	Settle time.Duration
	// Divider scales the ADC reading back to cell voltage.
	Divider float64
	EmptyMv int
	FullMv  int

	// mu serialises reads; the enable line is shared.
	mu sync.Mutex
}

// Read samples the battery. The bool is false when no reading could be
// taken; the enable line is released on every path. Concurrent callers
// take turns.
func (s *Sampler) Read(ctx context.Context) (model.BatteryReading, bool) {
	s.mu.Lock()
	mv, err := s.sample(ctx)
	s.mu.Unlock()
	if err != nil {
		appLog.Error("battery read failed", err)
		return model.BatteryReading{}, false
	}
	r := model.BatteryReading{
		Millivolts: mv,
		Percent:    Percent(mv, s.emptyMv(), s.fullMv()),
	}
	appLog.Debug("battery sampled", "mv", r.Millivolts, "percent", r.Percent)
	return r, true
}

func (s *Sampler) sample(ctx context.Context) (mv int, err error) {
	if s.Source == nil {
		return 0, errors.New("battery: no source configured")
	}
	if s.Enable != nil {
		if err := s.Enable.Out(gpio.High); err != nil {
			// Still try to drive it low; a half-configured pin may be high.
			_ = s.Enable.Out(gpio.Low)
			return 0, fmt.Errorf("battery: enable %s: %w", s.Enable, err)
		}
		defer func() {
			if derr := s.Enable.Out(gpio.Low); derr != nil && err == nil {
				err = fmt.Errorf("battery: disable %s: %w", s.Enable, derr)
			}
		}()
	}

	settle := s.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	raw, err := s.Source.ReadMillivolts(ctx)
	if err != nil {
		return 0, err
	}
	div := s.Divider
	if div <= 0 {
		div = DefaultDivider
	}
	return int(float64(raw)*div + 0.5), nil
}

func (s *Sampler) emptyMv() int {
	if s.EmptyMv > 0 {
		return s.EmptyMv
	}
	return DefaultEmptyMv
}

func (s *Sampler) fullMv() int {
	if s.FullMv > s.emptyMv() {
		return s.FullMv
	}
	return DefaultFullMv
}

// Percent maps mv linearly between emptyMv (0%) and fullMv (100%), clamped.
func Percent(mv, emptyMv, fullMv int) int {
	if fullMv <= emptyMv {
		return 0
	}
	p := (mv - emptyMv) * 100 / (fullMv - emptyMv)
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// ADCSource reads a periph analog pin.
type ADCSource struct {
	Pin analog.PinADC
}

func (a ADCSource) ReadMillivolts(_ context.Context) (int, error) {
	smp, err := a.Pin.Read()
	if err != nil {
		return 0, fmt.Errorf("battery: adc %s: %w", a.Pin, err)
	}
	if smp.V == 0 && smp.Raw != 0 {
		// Driver only knows raw counts; treat them as millivolts.
		return int(smp.Raw), nil
	}
	return int(smp.V / physic.MilliVolt), nil
}

// OpenADS1115 returns an ADCSource on single-ended input "A0".."A3" of an
// ADS1115 at addr. The divider output stays below 4.096 V.
func OpenADS1115(bus i2c.Bus, addr uint16, input string) (ADCSource, error) {
	ch, ok := map[string]ads1x15.Channel{
		"A0": ads1x15.Channel0,
		"A1": ads1x15.Channel1,
		"A2": ads1x15.Channel2,
		"A3": ads1x15.Channel3,
	}[input]
	if !ok {
		return ADCSource{}, fmt.Errorf("battery: unknown adc input %q", input)
	}
	adc, err := ads1x15.NewADS1115(bus, &ads1x15.Opts{I2cAddress: addr})
	if err != nil {
		return ADCSource{}, fmt.Errorf("battery: ads1115: %w", err)
	}
	pin, err := adc.PinForChannel(ch, 4096*physic.MilliVolt, 128*physic.Hertz, ads1x15.SaveEnergy)
	if err != nil {
		return ADCSource{}, fmt.Errorf("battery: ads1115 %s: %w", input, err)
	}
	return ADCSource{Pin: pin}, nil
}

// I2CSource talks to a battery controller over I2C. The register map is the
// PiSugar one:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
type I2CSource struct {
	Bus  i2c.Bus
	Addr uint16
}

func (r I2CSource) ReadMillivolts(_ context.Context) (int, error) {
	dev := &i2c.Dev{Bus: r.Bus, Addr: r.Addr}

	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: i2c reg 0x%02x: %w", reg, err)
		}
		return buf[0], nil
	}

	high, err := readReg(0x22)
	if err != nil {
		return 0, err
	}
	low, err := readReg(0x23)
	if err != nil {
		return 0, err
	}
	return int(uint16(high)<<8 | uint16(low)), nil
}

// MockSource is used for development on machines without the circuit. It
// returns a pseudo-random reading within the cell range at the ADC input.
type MockSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMockSource() *MockSource {
	return &MockSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (m *MockSource) ReadMillivolts(_ context.Context) (int, error) {
	m.mu.Lock()
	cell := DefaultEmptyMv + m.rnd.Intn(DefaultFullMv-DefaultEmptyMv+1)
	m.mu.Unlock()
	return int(float64(cell) / DefaultDivider), nil
}
