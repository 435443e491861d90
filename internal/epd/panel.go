package epd

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"epdframe/internal/convert"
	"epdframe/internal/epbm"
	appLog "epdframe/internal/log"
)

// ErrBusyTimeout is returned when the controller keeps BUSY asserted past
// PanelOptions.BusyTimeout.
var ErrBusyTimeout = errors.New("epd: panel busy timeout")

// Default HAT wiring (BCM numbering) for the 7.3" six-colour panel.
const (
	DefaultDCPin   = "GPIO25"
	DefaultRSTPin  = "GPIO17"
	DefaultBusyPin = "GPIO24"
)

const (
	// A full six-colour refresh takes 20-30 s.
	DefaultBusyTimeout = 60 * time.Second
	defaultBusyPoll    = 10 * time.Millisecond
	// spidev's default bufsiz.
	defaultMaxTx = 4096
	spiSpeed     = 4 * physic.MegaHertz
)

// Controller commands.
const (
	cmdPanelSetting = 0x00
	cmdPowerSetting = 0x01
	cmdPowerOff     = 0x02
	cmdPowerOffSeq  = 0x03
	cmdPowerOn      = 0x04
	cmdBoosterA     = 0x05
	cmdBoosterB     = 0x06
	cmdDeepSleep    = 0x07
	cmdBoosterC     = 0x08
	cmdDataStart    = 0x10
	cmdRefresh      = 0x12
	cmdPLL          = 0x30
	cmdVCOMInterval = 0x50
	cmdTCON         = 0x60
	cmdResolution   = 0x61
	cmdTempSensor   = 0x84
	cmdPowerSave    = 0xE3
	cmdCommandGate  = 0xAA
)

// PanelOptions selects the SPI port and control pins by periph name.
type PanelOptions struct {
	// Port is the spireg name; empty opens the first port.
	Port string
	DC   string
	RST  string
	Busy string
	// PWR switches panel power on boards that have it; empty skips it.
	PWR           string
	Width, Height int
	BusyTimeout   time.Duration
}

// PanelPins are the control lines besides SPI.
type PanelPins struct {
	DC   gpio.PinOut
	RST  gpio.PinOut
	Busy gpio.PinIn
	PWR  gpio.PinOut
}

// Panel drives the 7.3" six-colour panel controller over SPI. It
// implements display.Drawer; Draw blocks until the refresh has finished.
type Panel struct {
	conn  spi.Conn
	port  spi.PortCloser
	pins  PanelPins
	bound image.Rectangle
	maxTx int

	busyTimeout time.Duration
	busyPoll    time.Duration

	initialized bool
}

var _ display.Drawer = (*Panel)(nil)

// OpenPanel opens the SPI port and looks the pins up in the periph registry.
// host.Init must have run.
func OpenPanel(opts PanelOptions) (*Panel, error) {
	pin := func(name, def string) (gpio.PinIO, error) {
		if name == "" {
			name = def
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		return p, nil
	}

	var pins PanelPins
	var err error
	if pins.DC, err = pin(opts.DC, DefaultDCPin); err != nil {
		return nil, err
	}
	if pins.RST, err = pin(opts.RST, DefaultRSTPin); err != nil {
		return nil, err
	}
	if pins.Busy, err = pin(opts.Busy, DefaultBusyPin); err != nil {
		return nil, err
	}
	if opts.PWR != "" {
		if pins.PWR, err = pin(opts.PWR, ""); err != nil {
			return nil, err
		}
	}

	port, err := spireg.Open(opts.Port)
	if err != nil {
		return nil, fmt.Errorf("epd: open spi port: %w", err)
	}
	c, err := port.Connect(spiSpeed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: connect spi: %w", err)
	}

	p, err := NewPanel(c, pins, opts.Width, opts.Height)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	p.port = port
	if opts.BusyTimeout > 0 {
		p.busyTimeout = opts.BusyTimeout
	}
	return p, nil
}

// NewPanel configures the pins on an already connected SPI conn.
func NewPanel(c spi.Conn, pins PanelPins, width, height int) (*Panel, error) {
	if width <= 0 || height <= 0 {
		width, height = epbm.DefaultWidth, epbm.DefaultHeight
	}
	if pins.DC == nil || pins.RST == nil || pins.Busy == nil {
		return nil, errors.New("epd: DC, RST and BUSY pins are required")
	}
	if err := pins.DC.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("epd: setup %s: %w", pins.DC, err)
	}
	if err := pins.RST.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("epd: setup %s: %w", pins.RST, err)
	}
	if err := pins.Busy.In(gpio.Float, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("epd: setup %s: %w", pins.Busy, err)
	}

	maxTx := defaultMaxTx
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}
	return &Panel{
		conn:        c,
		pins:        pins,
		bound:       image.Rect(0, 0, width, height),
		maxTx:       maxTx,
		busyTimeout: DefaultBusyTimeout,
		busyPoll:    defaultBusyPoll,
	}, nil
}

func (p *Panel) String() string {
	return fmt.Sprintf("Spectra6(%s, %dx%d)", p.conn, p.bound.Dx(), p.bound.Dy())
}

func (p *Panel) ColorModel() color.Model { return epbm.Palette }

func (p *Panel) Bounds() image.Rectangle { return p.bound }

// Draw sends a full frame and refreshes. Partial updates are not supported
// by the controller, so dstRect must cover the whole panel.
func (p *Panel) Draw(dstRect image.Rectangle, src image.Image, sp image.Point) error {
	if dstRect != p.bound {
		return fmt.Errorf("epd: partial update %v not supported on %v", dstRect, p.bound)
	}
	frame := p.toPaletted(src, sp)
	packed, err := convert.Pack4bpp(frame)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := p.powerUp(); err != nil {
		return err
	}
	if err := p.command(cmdDataStart, packed...); err != nil {
		return err
	}
	if err := p.refresh(); err != nil {
		return err
	}
	appLog.Info("panel refreshed", "elapsed", time.Since(start))
	return nil
}

// Halt puts the controller into deep sleep. The next Draw resets it.
func (p *Panel) Halt() error {
	if err := p.command(cmdDeepSleep, 0xA5); err != nil {
		return err
	}
	p.initialized = false
	if p.pins.PWR != nil {
		return p.pins.PWR.Out(gpio.Low)
	}
	return nil
}

// Close halts the panel and releases the SPI port.
func (p *Panel) Close() error {
	err := p.Halt()
	if p.port != nil {
		if cerr := p.port.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (p *Panel) toPaletted(src image.Image, sp image.Point) *image.Paletted {
	if pm, ok := src.(*image.Paletted); ok && sp == (image.Point{}) && pm.Rect == p.bound && len(pm.Palette) == len(epbm.Palette) {
		return pm
	}
	dst := image.NewPaletted(p.bound, epbm.Palette)
	draw.Draw(dst, p.bound, src, sp, draw.Src)
	return dst
}

// powerUp resets and initialises the controller once per wake.
func (p *Panel) powerUp() error {
	if p.initialized {
		return nil
	}
	if p.pins.PWR != nil {
		if err := p.pins.PWR.Out(gpio.High); err != nil {
			return err
		}
	}
	if err := p.reset(); err != nil {
		return err
	}
	if err := p.waitIdle(); err != nil {
		return err
	}
	time.Sleep(30 * time.Millisecond)

	w, h := p.bound.Dx(), p.bound.Dy()
	seq := []struct {
		cmd  byte
		data []byte
	}{
		{cmdCommandGate, []byte{0x49, 0x55, 0x20, 0x08, 0x09, 0x18}},
		{cmdPowerSetting, []byte{0x3F}},
		{cmdPanelSetting, []byte{0x5F, 0x69}},
		{cmdPowerOffSeq, []byte{0x00, 0x54, 0x00, 0x44}},
		{cmdBoosterA, []byte{0x40, 0x1F, 0x1F, 0x2C}},
		{cmdBoosterB, []byte{0x6F, 0x1F, 0x17, 0x49}},
		{cmdBoosterC, []byte{0x6F, 0x1F, 0x1F, 0x22}},
		{cmdPLL, []byte{0x03}},
		{cmdVCOMInterval, []byte{0x3F}},
		{cmdTCON, []byte{0x02, 0x00}},
		{cmdResolution, []byte{byte(w >> 8), byte(w), byte(h >> 8), byte(h)}},
		{cmdTempSensor, []byte{0x01}},
		{cmdPowerSave, []byte{0x2F}},
	}
	for _, s := range seq {
		if err := p.command(s.cmd, s.data...); err != nil {
			return err
		}
	}
	if err := p.command(cmdPowerOn); err != nil {
		return err
	}
	if err := p.waitIdle(); err != nil {
		return err
	}
	p.initialized = true
	return nil
}

// refresh runs power on, display refresh, power off; each step ends when
// BUSY is released.
func (p *Panel) refresh() error {
	steps := []struct {
		cmd  byte
		data []byte
	}{
		{cmdPowerOn, nil},
		{cmdRefresh, []byte{0x00}},
		{cmdPowerOff, []byte{0x00}},
	}
	for _, s := range steps {
		if err := p.command(s.cmd, s.data...); err != nil {
			return err
		}
		if err := p.waitIdle(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Panel) reset() error {
	for _, step := range []struct {
		l gpio.Level
		d time.Duration
	}{
		{gpio.High, 20 * time.Millisecond},
		{gpio.Low, 2 * time.Millisecond},
		{gpio.High, 20 * time.Millisecond},
	} {
		if err := p.pins.RST.Out(step.l); err != nil {
			return fmt.Errorf("epd: reset: %w", err)
		}
		time.Sleep(step.d)
	}
	return nil
}

// waitIdle polls BUSY; the controller holds it low while working.
func (p *Panel) waitIdle() error {
	deadline := time.Now().Add(p.busyTimeout)
	for p.pins.Busy.Read() == gpio.Low {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: after %s", ErrBusyTimeout, p.busyTimeout)
		}
		time.Sleep(p.busyPoll)
	}
	return nil
}

// command sends cmd with DC low, then data with DC high, split to the
// port's transfer limit.
func (p *Panel) command(cmd byte, data ...byte) error {
	if err := p.pins.DC.Out(gpio.Low); err != nil {
		return err
	}
	if err := p.conn.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("epd: command 0x%02x: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := p.pins.DC.Out(gpio.High); err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(len(data), p.maxTx)
		if err := p.conn.Tx(data[:n], nil); err != nil {
			return fmt.Errorf("epd: data for 0x%02x: %w", cmd, err)
		}
		data = data[n:]
	}
	return nil
}
