package config

import (
	"fmt"
	"math"
	"net"
	"sort"
	"time"

	"github.com/muurk/dps150/internal/device"
	"github.com/muurk/dps150/internal/transport"
)

// CurrentVersion is the config file format version.
const CurrentVersion = 1

// Config represents the entire user configuration file.
type Config struct {
	Version  int                 `yaml:"version"`
	LogLevel string              `yaml:"log_level,omitempty"`
	Device   DeviceConfig        `yaml:"device"`
	Bridge   BridgeConfig        `yaml:"bridge"`
	Capture  CaptureConfig       `yaml:"capture,omitempty"`
	Profiles map[string]*Profile `yaml:"profiles,omitempty"` // Keyed by profile name
}

// DeviceConfig selects and tunes the serial connection.
type DeviceConfig struct {
	Port         string        `yaml:"port"`                     // Serial port path or "auto"
	Timeout      time.Duration `yaml:"timeout"`                  // Reply window for a single GET
	PollInterval time.Duration `yaml:"poll_interval"`            // State refresh period for monitor and serve
	USBVendorID  string        `yaml:"usb_vendor_id,omitempty"`  // Narrows auto-detection (hex, e.g. "2E3C")
	USBProductID string        `yaml:"usb_product_id,omitempty"` // Narrows auto-detection (hex)
}

// BridgeConfig configures the telemetry bridge started by "serve".
type BridgeConfig struct {
	Listen    string `yaml:"listen"`         // host:port for the HTTP/WebSocket server
	Advertise bool   `yaml:"advertise"`      // Announce the bridge over mDNS
	Name      string `yaml:"name,omitempty"` // mDNS instance name
}

// CaptureConfig configures frame capture.
type CaptureConfig struct {
	Dir string `yaml:"dir,omitempty"` // Default directory for .dpscap files
}

// Profile is a named preset of set-points and protection thresholds.
// Zero fields are left unchanged when the profile is applied.
type Profile struct {
	Description string  `yaml:"description,omitempty"`
	Voltage     float32 `yaml:"voltage,omitempty"`
	Current     float32 `yaml:"current,omitempty"`
	OVP         float32 `yaml:"ovp,omitempty"`
	OCP         float32 `yaml:"ocp,omitempty"`
	OPP         float32 `yaml:"opp,omitempty"`
	OTP         float32 `yaml:"otp,omitempty"`
	LVP         float32 `yaml:"lvp,omitempty"`
	Output      *bool   `yaml:"output,omitempty"` // Switch the output after applying
}

// Options converts the device section into device options.
func (c DeviceConfig) Options() device.Options {
	opts := device.DefaultOptions()
	if c.Port != "" {
		opts.Port = c.Port
	}
	if c.Timeout > 0 {
		opts.Timeout = c.Timeout
	}
	if c.PollInterval > 0 {
		opts.PollInterval = c.PollInterval
	}
	opts.Match = transport.Match{VID: c.USBVendorID, PID: c.USBProductID}
	return opts
}

// Preset converts the profile into the values device.Apply writes.
func (p *Profile) Preset() device.Preset {
	return device.Preset{
		Voltage: p.Voltage,
		Current: p.Current,
		OVP:     p.OVP,
		OCP:     p.OCP,
		OPP:     p.OPP,
		OTP:     p.OTP,
		LVP:     p.LVP,
		Output:  p.Output,
	}
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Version: CurrentVersion,
		Device: DeviceConfig{
			Port:         "auto",
			Timeout:      2 * time.Second,
			PollInterval: time.Second,
		},
		Bridge: BridgeConfig{
			Listen:    ":8150",
			Advertise: true,
			Name:      "dps150",
		},
		Profiles: make(map[string]*Profile),
	}
}

// applyDefaults fills fields a partial file left empty.
func (c *Config) applyDefaults() {
	def := New()
	if c.Device.Port == "" {
		c.Device.Port = def.Device.Port
	}
	if c.Device.Timeout == 0 {
		c.Device.Timeout = def.Device.Timeout
	}
	if c.Device.PollInterval == 0 {
		c.Device.PollInterval = def.Device.PollInterval
	}
	if c.Bridge.Listen == "" {
		c.Bridge.Listen = def.Bridge.Listen
	}
	if c.Bridge.Name == "" {
		c.Bridge.Name = def.Bridge.Name
	}
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}
	if c.Device.Timeout < 0 {
		return fmt.Errorf("device.timeout must not be negative, got %s", c.Device.Timeout)
	}
	if c.Device.PollInterval < 0 {
		return fmt.Errorf("device.poll_interval must not be negative, got %s", c.Device.PollInterval)
	}
	if c.Bridge.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Bridge.Listen); err != nil {
			return fmt.Errorf("bridge.listen: %w", err)
		}
	}
	for _, name := range c.ProfileNames() {
		if err := c.Profiles[name].Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks that every value is a finite, non-negative number.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("empty profile")
	}
	for _, f := range []struct {
		name string
		v    float32
	}{
		{"voltage", p.Voltage},
		{"current", p.Current},
		{"ovp", p.OVP},
		{"ocp", p.OCP},
		{"opp", p.OPP},
		{"otp", p.OTP},
		{"lvp", p.LVP},
	} {
		v := float64(f.v)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %g", f.name, v)
		}
	}
	return nil
}

// GetProfile retrieves a profile by name.
// Returns nil if the profile doesn't exist.
func (c *Config) GetProfile(name string) *Profile {
	return c.Profiles[name]
}

// SetProfile adds or replaces a profile.
func (c *Config) SetProfile(name string, p *Profile) {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	c.Profiles[name] = p
}

// ProfileNames returns the profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
