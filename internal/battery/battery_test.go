package battery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
)

// fakeSource records the enable line level at the moment it is sampled.
type fakeSource struct {
	enable  *gpiotest.Pin
	mv      int
	err     error
	levelAt gpio.Level
	calls   int
}

func (f *fakeSource) ReadMillivolts(_ context.Context) (int, error) {
	f.calls++
	if f.enable != nil {
		f.levelAt = f.enable.Read()
	}
	return f.mv, f.err
}

func newSampler(src *fakeSource) (*Sampler, *gpiotest.Pin) {
	en := &gpiotest.Pin{N: "GPIO21", Num: 21}
	src.enable = en
	return &Sampler{
		Enable:  en,
		Source:  src,
		Settle:  time.Millisecond,
		Divider: 2,
		EmptyMv: 3300,
		FullMv:  4200,
	}, en
}

func TestPercent(t *testing.T) {
	cases := []struct{ mv, want int }{
		{3000, 0},
		{3300, 0},
		{3750, 50},
		{4200, 100},
		{4500, 100},
	}
	for _, c := range cases {
		if got := Percent(c.mv, 3300, 4200); got != c.want {
			t.Fatalf("Percent(%d) = %d, want %d", c.mv, got, c.want)
		}
	}
	if got := Percent(4000, 4200, 4200); got != 0 {
		t.Fatalf("degenerate range gave %d", got)
	}
}

func TestSampler_ReadGatesEnableLine(t *testing.T) {
	src := &fakeSource{mv: 1875}
	s, en := newSampler(src)

	r, ok := s.Read(context.Background())
	if !ok {
		t.Fatal("Read reported no value")
	}
	if r.Millivolts != 3750 || r.Percent != 50 {
		t.Fatalf("reading = %+v, want 3750mV 50%%", r)
	}
	if src.levelAt != gpio.High {
		t.Fatal("enable line was not high while sampling")
	}
	if en.Read() != gpio.Low {
		t.Fatal("enable line left high after read")
	}
}

func TestSampler_ReadErrorStillDisables(t *testing.T) {
	src := &fakeSource{err: errors.New("adc timeout")}
	s, en := newSampler(src)

	if _, ok := s.Read(context.Background()); ok {
		t.Fatal("Read reported a value on error")
	}
	if en.Read() != gpio.Low {
		t.Fatal("enable line left high after failed read")
	}
}

func TestSampler_CancelledContextStillDisables(t *testing.T) {
	src := &fakeSource{mv: 2000}
	s, en := newSampler(src)
	s.Settle = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := s.Read(ctx); ok {
		t.Fatal("Read reported a value after cancellation")
	}
	if src.calls != 0 {
		t.Fatal("source sampled after cancellation")
	}
	if en.Read() != gpio.Low {
		t.Fatal("enable line left high after cancellation")
	}
}

func TestSampler_ClampsToRange(t *testing.T) {
	src := &fakeSource{mv: 2500}
	s, _ := newSampler(src)
	r, ok := s.Read(context.Background())
	if !ok || r.Percent != 100 {
		t.Fatalf("reading = %+v, %v; want 100%%", r, ok)
	}
}

// fakeADC implements analog.PinADC.
type fakeADC struct {
	sample analog.Sample
}

func (f *fakeADC) String() string   { return "ADC1" }
func (f *fakeADC) Halt() error      { return nil }
func (f *fakeADC) Name() string     { return "ADC1" }
func (f *fakeADC) Number() int      { return 1 }
func (f *fakeADC) Function() string { return "ADC" }

func (f *fakeADC) Range() (analog.Sample, analog.Sample) {
	return analog.Sample{}, f.sample
}

func (f *fakeADC) Read() (analog.Sample, error) {
	return f.sample, nil
}

func TestADCSource(t *testing.T) {
	src := ADCSource{Pin: &fakeADC{sample: analog.Sample{V: 1900 * physic.MilliVolt, Raw: 2358}}}
	mv, err := src.ReadMillivolts(context.Background())
	if err != nil || mv != 1900 {
		t.Fatalf("ReadMillivolts = %d, %v; want 1900", mv, err)
	}
}

func TestOpenADS1115_ReadsInput(t *testing.T) {
	// Single-shot on A1, +-4.096 V, 860 SPS; then the conversion register.
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x48, W: []byte{0x01, 0xD3, 0xE3}},
			{Addr: 0x48, W: []byte{0x00}, R: []byte{0x3B, 0x60}},
		},
		DontPanic: true,
	}
	src, err := OpenADS1115(bus, 0x48, "A1")
	if err != nil {
		t.Fatalf("OpenADS1115 err=%v", err)
	}
	mv, err := src.ReadMillivolts(context.Background())
	if err != nil || mv != 1900 {
		t.Fatalf("ReadMillivolts = %d, %v; want 1900", mv, err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenADS1115_UnknownInput(t *testing.T) {
	if _, err := OpenADS1115(&i2ctest.Record{}, 0x48, "GPIO1"); err == nil {
		t.Fatal("accepted a GPIO name as adc input")
	}
}

func TestMockSourceWithinRange(t *testing.T) {
	src := NewMockSource()
	for i := 0; i < 50; i++ {
		mv, err := src.ReadMillivolts(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		cell := int(float64(mv) * DefaultDivider)
		if cell < DefaultEmptyMv-2 || cell > DefaultFullMv {
			t.Fatalf("mock cell voltage %d out of range", cell)
		}
	}
}

// overlapSource counts samples taken while another sample is in flight or
// while the enable line is low.
type overlapSource struct {
	enable   *gpiotest.Pin
	inFlight atomic.Int32
	overlaps atomic.Int32
	lowReads atomic.Int32
}

func (o *overlapSource) ReadMillivolts(_ context.Context) (int, error) {
	if o.inFlight.Add(1) > 1 {
		o.overlaps.Add(1)
	}
	defer o.inFlight.Add(-1)
	if o.enable.Read() != gpio.High {
		o.lowReads.Add(1)
	}
	time.Sleep(2 * time.Millisecond)
	if o.enable.Read() != gpio.High {
		o.lowReads.Add(1)
	}
	return 1875, nil
}

func TestSampler_ConcurrentReadsKeepEnableHigh(t *testing.T) {
	en := &gpiotest.Pin{N: "GPIO21", Num: 21}
	src := &overlapSource{enable: en}
	s := &Sampler{Enable: en, Source: src, Settle: time.Millisecond, Divider: 2}

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, ok := s.Read(context.Background()); !ok || r.Millivolts != 3750 {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n != 0 {
		t.Fatalf("%d reads failed", n)
	}
	if n := src.overlaps.Load(); n != 0 {
		t.Fatalf("%d samples overlapped", n)
	}
	if n := src.lowReads.Load(); n != 0 {
		t.Fatalf("enable line low during %d samples", n)
	}
	if en.Read() != gpio.Low {
		t.Fatal("enable line left high")
	}
}

func TestMockSource_ConcurrentReads(t *testing.T) {
	src := NewMockSource()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				mv, err := src.ReadMillivolts(context.Background())
				cell := int(float64(mv) * DefaultDivider)
				if err != nil || cell < DefaultEmptyMv-2 || cell > DefaultFullMv {
					t.Errorf("mock reading %d, %v", mv, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
