package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"epdframe/internal/battery"
	"epdframe/internal/clock"
	"epdframe/internal/config"
	"epdframe/internal/device"
	"epdframe/internal/epd"
	"epdframe/internal/link"
	appLog "epdframe/internal/log"
	"epdframe/internal/model"
	"epdframe/internal/render"
	"epdframe/internal/transfer"
	"epdframe/internal/wake"
	"epdframe/internal/web"
)

// flagConfig holds CLI flag values that override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	dump       string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file when set.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if flags.dump != "" {
		conf.Display.Preview = filepath.Join(flags.dump, "preview.png")
		conf.Display.Raw = filepath.Join(flags.dump, "frame.bin")
	}
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if lvl, ok := appLog.ParseLevel(conf.LogLevel); ok {
		appLog.SetLevel(lvl)
	}

	appLog.Info("epdframe starting", "version", "0.1.0")
	appLog.Info("effective config",
		"base_url", conf.Server.BaseURL,
		"timezone", conf.Timezone,
		"schedule", conf.Wake.Schedule,
		"buttons", len(conf.Wake.Buttons),
		"display", conf.Display.Driver,
		"battery", conf.Battery.Source,
		"link", conf.Link.Kind,
		"clock", conf.ClockSource,
		"listen", conf.Listen,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if _, err := host.Init(); err != nil {
		// Development machines have no GPIO; the mock battery and the
		// preview surface still work.
		appLog.Warn("periph host init failed", "err", err)
	}

	dev, fb, closers, err := buildDevice(conf)
	if err != nil {
		appLog.Error("failed to set up device", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	if conf.Listen != "" {
		var br web.BatteryReader
		if dev.Battery != nil {
			br = dev.Battery
		}
		srv := web.NewServer(conf, dev, fb, br)
		go func() {
			if err := srv.Run(ctx); err != nil {
				appLog.Error("HTTP server stopped", err)
			}
		}()
	}

	if err := dev.Loop(ctx, flags.once); err != nil {
		appLog.Error("harness failed", err)
		os.Exit(1)
	}

	// Give the web server a moment to shut down.
	cancel()
	time.Sleep(100 * time.Millisecond)
	appLog.Info("epdframe exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdframe/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides config if set)")
	flag.StringVar(&cfg.dump, "dump", "", "Dump debug artifacts (preview.png, frame.bin) into this directory")
	flag.BoolVar(&cfg.once, "once", false, "Run one wake cycle and exit")

	flag.Parse()

	return cfg
}

// buildDevice wires the collaborators described by conf. The returned
// closers release opened hardware handles.
func buildDevice(conf *config.Config) (*device.Device, *epd.FrameBuffer, []io.Closer, error) {
	var closers []io.Closer

	loc, err := conf.Location()
	if err != nil {
		return nil, nil, nil, err
	}

	deadlines, err := wake.ParseSpec(conf.Wake.Schedule)
	if err != nil {
		appLog.Error("bad wake schedule; using default", err, "schedule", conf.Wake.Schedule)
		if deadlines, err = wake.ParseSpec(wake.DefaultSpec); err != nil {
			return nil, nil, nil, err
		}
	}
	sched, err := wake.NewSchedule(deadlines, conf.Wake.Margin, conf.Wake.Fallback)
	if err != nil {
		return nil, nil, nil, err
	}

	// Lines and modes stay index-aligned: a button that cannot be opened
	// is dropped together with its mode.
	var lines []wake.Line
	var modes []model.Mode
	for i, b := range conf.Wake.Buttons {
		mode, err := model.ParseMode(b.Mode)
		if err != nil {
			return nil, nil, nil, err
		}
		var l wake.Line
		if b.Pin != "" {
			gl, err := wake.OpenGPIOLine(b.Pin)
			if err != nil {
				appLog.Warn("wake button unavailable", "index", i, "pin", b.Pin, "err", err)
				continue
			}
			l = gl
		} else {
			kl, err := wake.OpenKeyLine(b.Device, b.Key)
			if err != nil {
				appLog.Warn("wake button unavailable", "index", i, "device", b.Device, "err", err)
				continue
			}
			closers = append(closers, kl)
			l = kl
		}
		lines = append(lines, l)
		modes = append(modes, mode)
		appLog.Info("wake button", "line", len(lines)-1, "name", l.Name(), "mode", mode)
	}

	sampler, c, err := buildBattery(conf.Battery)
	if err != nil {
		appLog.Warn("battery unavailable", "err", err)
	}
	if c != nil {
		closers = append(closers, c)
	}

	var l link.Link = link.StaticLink{}
	if conf.Link.Kind == "ping" {
		pl, err := link.NewPingLink(conf.Server.BaseURL, conf.Link.PingTimeout)
		if err != nil {
			return nil, nil, closers, err
		}
		pl.Privileged = conf.Link.Privileged
		l = pl
	}

	var clk clock.Source = clock.System{}
	if conf.ClockSource == "http" {
		clk = clock.HTTPDate{URL: conf.Server.BaseURL}
	}

	drawer, err := buildPanel(conf.Display)
	if err != nil {
		return nil, nil, closers, err
	}
	fbOpts := epd.Options{
		Width:       conf.Display.Width,
		Height:      conf.Display.Height,
		PreviewPath: conf.Display.Preview,
		RawPath:     conf.Display.Raw,
	}
	if drawer != nil {
		fbOpts.Drawer = drawer
		closers = append(closers, drawer)
	}
	fb := epd.NewFrameBuffer(fbOpts)

	endpoints := make(map[model.Mode]string, len(model.Modes()))
	for _, m := range model.Modes() {
		endpoints[m] = conf.Endpoint(m)
	}

	dev := &device.Device{
		Controller: &wake.Controller{Modes: modes, Debounce: conf.Wake.Debounce},
		Lines:      lines,
		Suspender:  wake.PollSuspender{Interval: conf.Wake.PollInterval},
		Schedule:   sched,
		Location:   loc,

		Battery: sampler,

		Link:         l,
		LinkAttempts: conf.Link.Attempts,
		LinkBackoff:  conf.Link.Backoff,

		Clock: clk,

		Engine: transfer.NewEngine(transfer.Options{
			Width:           conf.Display.Width,
			Height:          conf.Display.Height,
			HeaderTimeout:   conf.Transfer.HeaderTimeout,
			TransferTimeout: conf.Transfer.TransferTimeout,
		}),
		Pipeline: render.New(fb, conf.Display.Width, conf.Display.Height, conf.Display.Border),

		BaseURL:     conf.Server.BaseURL,
		Endpoints:   endpoints,
		SendBattery: conf.Server.SendBattery,
	}
	return dev, fb, closers, nil
}

// buildPanel returns nil for the preview-only "none" driver.
func buildPanel(dc config.DisplayConfig) (*epd.Panel, error) {
	if dc.Driver != "spectra6" {
		return nil, nil
	}
	p, err := epd.OpenPanel(epd.PanelOptions{
		Port:        dc.SPIPort,
		DC:          dc.DCPin,
		RST:         dc.RSTPin,
		Busy:        dc.BusyPin,
		PWR:         dc.PWRPin,
		Width:       dc.Width,
		Height:      dc.Height,
		BusyTimeout: dc.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}
	appLog.Info("panel opened", "panel", p.String())
	return p, nil
}

// buildBattery returns nil when the source is "none" or cannot be opened.
func buildBattery(bc config.BatteryConfig) (*battery.Sampler, io.Closer, error) {
	s := &battery.Sampler{
		Settle:  bc.Settle,
		Divider: bc.Divider,
		EmptyMv: bc.EmptyMv,
		FullMv:  bc.FullMv,
	}

	switch bc.Source {
	case "none":
		return nil, nil, nil
	case "mock":
		s.Source = battery.NewMockSource()
		return s, nil, nil
	}

	if bc.EnablePin != "" {
		p := gpioreg.ByName(bc.EnablePin)
		if p == nil {
			appLog.Warn("battery enable pin not found; sampling ungated", "pin", bc.EnablePin)
		} else {
			s.Enable = p
		}
	}

	bus, err := i2creg.Open(bc.I2CBus)
	if err != nil {
		return nil, nil, err
	}
	if bc.Source == "adc" {
		src, err := battery.OpenADS1115(bus, bc.ADCAddr, bc.ADCInput)
		if err != nil {
			_ = bus.Close()
			return nil, nil, err
		}
		s.Source = src
		return s, bus, nil
	}
	s.Source = battery.I2CSource{Bus: bus, Addr: bc.I2CAddr}
	return s, bus, nil
}
