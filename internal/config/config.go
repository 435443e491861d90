package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	appLog "epdframe/internal/log"
	"epdframe/internal/model"
)

// ServerConfig describes the backend that renders EPBM frames.
type ServerConfig struct {
	// BaseURL is scheme + host (+ port) of the backend, e.g.
	// "http://pidev.local:8080".
	BaseURL string `yaml:"base_url" json:"base_url"`
	// Endpoints maps mode name ("weather", "stocks", "fred") to a path.
	Endpoints map[string]string `yaml:"endpoints" json:"endpoints"`
	// SendBattery appends battery_pct=<n> to the request when a reading is
	// available.
	SendBattery bool `yaml:"send_battery" json:"send_battery"`
}

// DisplayConfig holds the panel geometry and preview output.
type DisplayConfig struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	// Border is the error frame border width in pixels.
	Border int `yaml:"border" json:"border"`
	// Preview, if set, receives a PNG of every committed frame.
	Preview string `yaml:"preview,omitempty" json:"preview,omitempty"`
	// Raw, if set, receives every committed frame in panel RAM layout.
	Raw string `yaml:"raw,omitempty" json:"raw,omitempty"`
	// Driver is "none" (preview only) or "spectra6" (7.3" six-colour SPI panel).
	Driver string `yaml:"driver" json:"driver"`
	// SPIPort is the periph port name; empty opens the first one.
	SPIPort     string        `yaml:"spi_port,omitempty" json:"spi_port,omitempty"`
	DCPin       string        `yaml:"dc_pin,omitempty" json:"dc_pin,omitempty"`
	RSTPin      string        `yaml:"rst_pin,omitempty" json:"rst_pin,omitempty"`
	BusyPin     string        `yaml:"busy_pin,omitempty" json:"busy_pin,omitempty"`
	PWRPin      string        `yaml:"pwr_pin,omitempty" json:"pwr_pin,omitempty"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// TransferConfig bounds one bitmap download.
type TransferConfig struct {
	HeaderTimeout   time.Duration `yaml:"header_timeout" json:"header_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout" json:"transfer_timeout"`
}

// ButtonConfig is one wake line. Either Pin (periph GPIO name) or
// Device+Key (input device key) must be set.
type ButtonConfig struct {
	Pin    string `yaml:"pin,omitempty" json:"pin,omitempty"`
	Device string `yaml:"device,omitempty" json:"device,omitempty"`
	Key    int    `yaml:"key,omitempty" json:"key,omitempty"`
	Mode   string `yaml:"mode" json:"mode"`
}

// WakeConfig controls scheduling and wake sources.
type WakeConfig struct {
	// Schedule is a cron ("0 6,12,18 * * *") or daily RRULE string.
	Schedule     string         `yaml:"schedule" json:"schedule"`
	Margin       time.Duration  `yaml:"margin" json:"margin"`
	Fallback     time.Duration  `yaml:"fallback" json:"fallback"`
	Debounce     time.Duration  `yaml:"debounce" json:"debounce"`
	PollInterval time.Duration  `yaml:"poll_interval" json:"poll_interval"`
	Buttons      []ButtonConfig `yaml:"buttons" json:"buttons"`
}

// BatteryConfig selects and tunes the battery source.
type BatteryConfig struct {
	// Source is "mock", "adc", "i2c" or "none".
	Source    string `yaml:"source" json:"source"`
	EnablePin string `yaml:"enable_pin,omitempty" json:"enable_pin,omitempty"`
	// ADCInput ("A0".."A3") and ADCAddr locate the ADS1115 used by "adc".
	ADCInput string        `yaml:"adc_input,omitempty" json:"adc_input,omitempty"`
	ADCAddr  uint16        `yaml:"adc_addr,omitempty" json:"adc_addr,omitempty"`
	I2CBus   string        `yaml:"i2c_bus,omitempty" json:"i2c_bus,omitempty"`
	I2CAddr  uint16        `yaml:"i2c_addr,omitempty" json:"i2c_addr,omitempty"`
	Settle   time.Duration `yaml:"settle" json:"settle"`
	Divider  float64       `yaml:"divider" json:"divider"`
	EmptyMv  int           `yaml:"empty_mv" json:"empty_mv"`
	FullMv   int           `yaml:"full_mv" json:"full_mv"`
}

// LinkConfig controls connectivity bootstrap.
type LinkConfig struct {
	// Kind is "static" (OS-managed, assumed up) or "ping".
	Kind        string        `yaml:"kind" json:"kind"`
	Attempts    int           `yaml:"attempts" json:"attempts"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff"`
	PingTimeout time.Duration `yaml:"ping_timeout" json:"ping_timeout"`
	Privileged  bool          `yaml:"privileged" json:"privileged"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Timezone is the IANA zone the wake schedule is expressed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// ClockSource is "http" (Date header of the backend) or "system".
	ClockSource string `yaml:"clock_source" json:"clock_source"`

	Server   ServerConfig   `yaml:"server" json:"server"`
	Display  DisplayConfig  `yaml:"display" json:"display"`
	Transfer TransferConfig `yaml:"transfer" json:"transfer"`
	Wake     WakeConfig     `yaml:"wake" json:"wake"`
	Battery  BatteryConfig  `yaml:"battery" json:"battery"`
	Link     LinkConfig     `yaml:"link" json:"link"`

	// Listen is the status server address; empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, protects every status endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func defaultEndpoints() map[string]string {
	return map[string]string{
		model.ModeWeather.String(): "/weather/seed-e1002.bin",
		model.ModeStocks.String():  "/stocks/seed-e1002.bin",
		model.ModeFred.String():    "/fred/seed-e1002.bin",
	}
}

// defaultButtons follows the reTerminal key order: right, middle, left.
func defaultButtons() []ButtonConfig {
	return []ButtonConfig{
		{Pin: "GPIO3", Mode: model.ModeWeather.String()},
		{Pin: "GPIO4", Mode: model.ModeStocks.String()},
		{Pin: "GPIO5", Mode: model.ModeFred.String()},
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "INFO",
		Timezone:    "Local",
		ClockSource: "http",
		Server: ServerConfig{
			BaseURL:     "http://pidev.local:8080",
			Endpoints:   defaultEndpoints(),
			SendBattery: true,
		},
		Display: DisplayConfig{
			Width:       800,
			Height:      480,
			Border:      8,
			Driver:      "none",
			DCPin:       "GPIO25",
			RSTPin:      "GPIO17",
			BusyPin:     "GPIO24",
			BusyTimeout: 60 * time.Second,
		},
		Transfer: TransferConfig{
			HeaderTimeout:   5 * time.Second,
			TransferTimeout: 60 * time.Second,
		},
		Wake: WakeConfig{
			Schedule:     "0 6,12,18 * * *",
			Margin:       5 * time.Minute,
			Fallback:     6 * time.Hour,
			Debounce:     200 * time.Millisecond,
			PollInterval: 20 * time.Millisecond,
			Buttons:      defaultButtons(),
		},
		Battery: BatteryConfig{
			Source:    "mock",
			EnablePin: "GPIO21",
			ADCInput:  "A1",
			ADCAddr:   0x48,
			I2CAddr:   0x57,
			Settle:    10 * time.Millisecond,
			Divider:   2,
			EmptyMv:   3300,
			FullMv:    4200,
		},
		Link: LinkConfig{
			Kind:        "static",
			Attempts:    3,
			Backoff:     2 * time.Second,
			PingTimeout: 2 * time.Second,
		},
		Listen: "",
	}
}

// Normalize fills in missing/zero values so that partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if lvl, ok := appLog.ParseLevel(c.LogLevel); ok {
		c.LogLevel = string(lvl)
	} else {
		c.LogLevel = def.LogLevel
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	switch c.ClockSource {
	case "http", "system":
	default:
		c.ClockSource = def.ClockSource
	}

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = def.Server.BaseURL
	}
	if c.Server.Endpoints == nil {
		c.Server.Endpoints = map[string]string{}
	}
	for k, v := range def.Server.Endpoints {
		if c.Server.Endpoints[k] == "" {
			c.Server.Endpoints[k] = v
		}
	}

	if c.Display.Width <= 0 || c.Display.Height <= 0 {
		c.Display.Width, c.Display.Height = def.Display.Width, def.Display.Height
	}
	if c.Display.Border <= 0 {
		c.Display.Border = def.Display.Border
	}
	switch c.Display.Driver {
	case "none", "spectra6":
	default:
		c.Display.Driver = def.Display.Driver
	}
	if c.Display.DCPin == "" {
		c.Display.DCPin = def.Display.DCPin
	}
	if c.Display.RSTPin == "" {
		c.Display.RSTPin = def.Display.RSTPin
	}
	if c.Display.BusyPin == "" {
		c.Display.BusyPin = def.Display.BusyPin
	}
	if c.Display.BusyTimeout <= 0 {
		c.Display.BusyTimeout = def.Display.BusyTimeout
	}

	if c.Transfer.HeaderTimeout <= 0 {
		c.Transfer.HeaderTimeout = def.Transfer.HeaderTimeout
	}
	if c.Transfer.TransferTimeout <= 0 {
		c.Transfer.TransferTimeout = def.Transfer.TransferTimeout
	}

	if c.Wake.Schedule == "" {
		c.Wake.Schedule = def.Wake.Schedule
	}
	if c.Wake.Margin <= 0 {
		c.Wake.Margin = def.Wake.Margin
	}
	if c.Wake.Fallback <= 0 {
		c.Wake.Fallback = def.Wake.Fallback
	}
	if c.Wake.Debounce <= 0 {
		c.Wake.Debounce = def.Wake.Debounce
	}
	if c.Wake.PollInterval <= 0 {
		c.Wake.PollInterval = def.Wake.PollInterval
	}
	if c.Wake.Buttons == nil {
		c.Wake.Buttons = def.Wake.Buttons
	}

	switch c.Battery.Source {
	case "mock", "adc", "i2c", "none":
	default:
		c.Battery.Source = def.Battery.Source
	}
	switch c.Battery.ADCInput {
	case "A0", "A1", "A2", "A3":
	default:
		c.Battery.ADCInput = def.Battery.ADCInput
	}
	if c.Battery.ADCAddr == 0 {
		c.Battery.ADCAddr = def.Battery.ADCAddr
	}
	if c.Battery.Settle <= 0 {
		c.Battery.Settle = def.Battery.Settle
	}
	if c.Battery.Divider <= 0 {
		c.Battery.Divider = def.Battery.Divider
	}
	if c.Battery.EmptyMv <= 0 || c.Battery.FullMv <= c.Battery.EmptyMv {
		c.Battery.EmptyMv, c.Battery.FullMv = def.Battery.EmptyMv, def.Battery.FullMv
	}
	if c.Battery.I2CAddr == 0 {
		c.Battery.I2CAddr = def.Battery.I2CAddr
	}

	switch c.Link.Kind {
	case "static", "ping":
	default:
		c.Link.Kind = def.Link.Kind
	}
	if c.Link.Attempts <= 0 {
		c.Link.Attempts = def.Link.Attempts
	}
	if c.Link.Backoff <= 0 {
		c.Link.Backoff = def.Link.Backoff
	}
	if c.Link.PingTimeout <= 0 {
		c.Link.PingTimeout = def.Link.PingTimeout
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Server.Endpoints {
		if _, err := model.ParseMode(name); err != nil {
			errs = append(errs, fmt.Errorf("config: endpoint: %w", err))
		}
	}
	for i, b := range c.Wake.Buttons {
		if _, err := model.ParseMode(b.Mode); err != nil {
			errs = append(errs, fmt.Errorf("config: button %d: %w", i, err))
		}
		if (b.Pin == "") == (b.Device == "") {
			errs = append(errs, fmt.Errorf("config: button %d: set exactly one of pin or device", i))
		}
	}
	if len(c.Wake.Buttons) > 64 {
		errs = append(errs, errors.New("config: at most 64 wake buttons"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Endpoint returns the request path for mode.
func (c *Config) Endpoint(m model.Mode) string {
	if p := c.Server.Endpoints[m.String()]; p != "" {
		return p
	}
	return defaultEndpoints()[model.DefaultMode.String()]
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically via
// a temp file + rename, with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".epdframe-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
